package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"ChainProbe/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

const defaultReceiptPoll = 2 * time.Second

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	BatchRPCURL string
	ChainID     int64
	Notes       string
	// ReceiptPoll is the interval between receipt lookups while waiting.
	ReceiptPoll time.Duration
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name        string
	notes       string
	rpcClient   *gethrpc.Client
	batchClient *gethrpc.Client
	eth         *ethclient.Client
	backend     bind.ContractBackend
	chainID     *big.Int
	poll        time.Duration
	mu          sync.Mutex
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)

	batchClient := rpcClient
	if batchURL := strings.TrimSpace(cfg.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
		batchClient, err = gethrpc.DialContext(ctx, batchURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接批量交易节点失败: %w", err)
		}
	}

	client := &Client{
		name:        cfg.Name,
		notes:       cfg.Notes,
		rpcClient:   rpcClient,
		batchClient: batchClient,
		eth:         eth,
		backend:     eth,
		poll:        cfg.ReceiptPoll,
	}
	if cfg.ChainID > 0 {
		client.chainID = big.NewInt(cfg.ChainID)
	}
	if client.poll <= 0 {
		client.poll = defaultReceiptPoll
	}
	return client, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for testing purposes.
// Every submitted transaction is mined immediately.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:    name,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		notes:   "simulated backend",
		poll:    20 * time.Millisecond,
	}
}

// Name returns the configured chain name.
func (c *Client) Name() string {
	if c == nil {
		return ""
	}
	return c.name
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.batchClient != nil && c.batchClient != c.rpcClient {
		c.batchClient.Close()
	}
	c.rpcClient = nil
	c.batchClient = nil
}

// ChainID returns the configured chain id, querying the node when unset.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	reader, err := capability[interface {
		ChainID(context.Context) (*big.Int, error)
	}](c.backend, "链 ID 查询")
	if err != nil {
		return nil, err
	}
	id, err := reader.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}

	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}

	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}

	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(id),
		BlockNumber: toHexBig(head.Number),
		Notes:       c.notes,
	}, nil
}

// PendingNonceAt returns the account's next nonce including pending transactions.
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("查询交易计数失败: %w", err)
	}
	return nonce, nil
}

// SuggestGasPrice returns the node's legacy gas price suggestion in wei.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取 gas 价格失败: %w", err)
	}
	return price, nil
}

// SendTransaction broadcasts a signed transaction.
func (c *Client) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	if tx == nil {
		return errors.New("交易不能为空")
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return err
	}
	c.commitIfSimulated()
	return nil
}

// SendBatchTransactions broadcasts multiple signed transactions in a single
// RPC batch call when possible and reports the outcome of every item.
func (c *Client) SendBatchTransactions(ctx context.Context, txs []*coretypes.Transaction) []web3.BatchOutcome {
	outcomes := make([]web3.BatchOutcome, len(txs))
	for i, tx := range txs {
		if tx != nil {
			outcomes[i].Hash = tx.Hash()
		}
	}

	if c.batchClient == nil {
		for i, tx := range txs {
			outcomes[i].Err = c.SendTransaction(ctx, tx)
		}
		return outcomes
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, 0, len(txs))
	index := make([]int, 0, len(txs))
	for i, tx := range txs {
		if tx == nil {
			outcomes[i].Err = errors.New("交易不能为空")
			continue
		}
		raw, err := tx.MarshalBinary()
		if err != nil {
			outcomes[i].Err = fmt.Errorf("序列化交易失败: %w", err)
			continue
		}
		elems = append(elems, gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		})
		index = append(index, i)
	}
	if len(elems) == 0 {
		return outcomes
	}

	if err := c.batchClient.BatchCallContext(ctx, elems); err != nil {
		for _, i := range index {
			outcomes[i].Err = fmt.Errorf("批量发送交易失败: %w", err)
		}
		return outcomes
	}
	for j, i := range index {
		if elems[j].Error != nil {
			outcomes[i].Err = elems[j].Error
		}
	}
	return outcomes
}

// TransactionReceipt returns the receipt of a mined transaction.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	reader, err := capability[interface {
		TransactionReceipt(context.Context, common.Hash) (*coretypes.Receipt, error)
	}](c.backend, "回执查询")
	if err != nil {
		return nil, err
	}
	return reader.TransactionReceipt(ctx, hash)
}

// WaitReceipt polls until the transaction is mined or ctx is done.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("等待交易 %s 回执超时: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
			c.commitIfSimulated()
		}
	}
}

// CallContract executes a read-only message call.
func (c *Client) CallContract(ctx context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error) {
	out, err := c.backend.CallContract(ctx, msg, block)
	if err != nil {
		return nil, fmt.Errorf("调用合约失败: %w", err)
	}
	return out, nil
}

// BalanceAt returns the balance of account in wei.
func (c *Client) BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error) {
	reader, err := capability[interface {
		BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error)
	}](c.backend, "余额查询")
	if err != nil {
		return nil, err
	}
	balance, err := reader.BalanceAt(ctx, account, block)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// FilterLogs queries historical logs.
func (c *Client) FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error) {
	logs, err := c.backend.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("查询事件日志失败: %w", err)
	}
	return logs, nil
}

// capability 断言后端实现了可选接口 T，ethclient 与模拟后端提供的方法不完全一致。
func capability[T any](backend any, what string) (T, error) {
	impl, ok := backend.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("后端不支持%s", what)
	}
	return impl, nil
}

// commitIfSimulated 在模拟后端上立即出块。
func (c *Client) commitIfSimulated() {
	if sim, ok := c.backend.(*backends.SimulatedBackend); ok {
		sim.Commit()
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

var _ web3.Client = (*Client)(nil)
