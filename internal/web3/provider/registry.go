// Package provider builds the per-chain RPC clients a deployment audits against.
package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ChainProbe/internal/config"
	"ChainProbe/internal/web3"
	"ChainProbe/internal/web3/ethereum"
)

// Registry holds one RPC client per configured chain plus its definition.
type Registry struct {
	defaultChain string
	chains       map[string]chain
}

type chain struct {
	client web3.Client
	def    web3.ChainDefinition
}

// NewRegistry dials every chain listed in cfg.ChainConfig. Without a chains
// file, cfg.RPCURL becomes a single chain named "default".
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{RPCURL: cfg.RPCURL, ChainID: cfg.ChainID}
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	r := &Registry{chains: make(map[string]chain, len(defs.Chains))}
	for _, name := range defs.Names() {
		def := defs.Chains[name]
		client, err := dial(ctx, name, def)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.chains[name] = chain{client: client, def: def}
	}

	r.defaultChain = firstNonEmpty(cfg.DefaultChain, defs.Default)
	if r.defaultChain == "" {
		r.defaultChain = defs.Names()[0]
	}
	if _, ok := r.chains[r.defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", r.defaultChain)
	}
	return r, nil
}

func dial(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	switch kind := strings.ToLower(strings.TrimSpace(def.Type)); kind {
	case "", "evm":
		return ethereum.NewClient(ctx, ethereum.Config{
			Name:        name,
			RPCURL:      def.RPCURL,
			BatchRPCURL: def.BatchRPCURL,
			ChainID:     def.ChainID,
			Notes:       def.Description,
		})
	default:
		return nil, fmt.Errorf("不支持的链类型 %s", def.Type)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// NewStaticRegistry wraps already constructed clients, used by tests and the simulated backend.
func NewStaticRegistry(defaultChain string, clients map[string]web3.Client) *Registry {
	r := &Registry{defaultChain: defaultChain, chains: make(map[string]chain, len(clients))}
	for name, client := range clients {
		r.chains[name] = chain{client: client}
	}
	return r
}

// Resolve returns the named client; an empty name selects the default chain.
func (r *Registry) Resolve(name string) (web3.Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	if strings.TrimSpace(name) == "" {
		name = r.defaultChain
	}
	client, ok := r.Client(name)
	if !ok {
		return nil, fmt.Errorf("未知的链 %s", name)
	}
	return client, nil
}

// DefaultClient returns the client of the default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	return r.Resolve("")
}

// DefaultChain returns the name used when a run does not pick a chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	c, ok := r.chains[name]
	return c.client, ok
}

// Definition returns the chains-file entry for name; static registries
// return a zero definition.
func (r *Registry) Definition(name string) (web3.ChainDefinition, bool) {
	if r == nil {
		return web3.ChainDefinition{}, false
	}
	c, ok := r.chains[name]
	return c.def, ok
}

// Chains returns the registered chain names in lexical order.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every client.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, c := range r.chains {
		if c.client != nil {
			c.client.Close()
		}
		delete(r.chains, name)
	}
}
