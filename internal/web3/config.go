package web3

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the chains file (configs/chains.yaml).
type ChainDefinitions struct {
	Default string                     `yaml:"default"`
	Chains  map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one audited network.
//
//	chains:
//	  sepolia:
//	    chain_id: 11155111
//	    rpc_url: https://sepolia.infura.io/v3/${INFURA_KEY}
//	    explorer_url: https://api-sepolia.etherscan.io/api
type ChainDefinition struct {
	Type        string `yaml:"type"`
	ChainID     int64  `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	BatchRPCURL string `yaml:"batch_rpc_url"`
	// ExplorerURL overrides the global explorer endpoint for this chain.
	ExplorerURL string `yaml:"explorer_url"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions reads the chains file. An empty path yields no chains.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain definitions and expands ${VAR}
// references in endpoint URLs so API keys can stay in the environment.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		def.RPCURL = strings.TrimSpace(os.ExpandEnv(def.RPCURL))
		def.BatchRPCURL = strings.TrimSpace(os.ExpandEnv(def.BatchRPCURL))
		def.ExplorerURL = strings.TrimSpace(os.ExpandEnv(def.ExplorerURL))
		if def.RPCURL == "" {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 rpc_url", name)
		}
		if def.ChainID < 0 {
			return ChainDefinitions{}, fmt.Errorf("链 %s 的 chain_id 无效", name)
		}
		defs.Chains[name] = def
	}
	if defs.Default != "" {
		if _, ok := defs.Chains[defs.Default]; !ok {
			return ChainDefinitions{}, fmt.Errorf("默认链 %s 未定义", defs.Default)
		}
	}
	return defs, nil
}

// Names returns the configured chain names in lexical order.
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
