package web3

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for health checks and reports.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// BatchOutcome is the broadcast result of one transaction inside a batch.
type BatchOutcome struct {
	Hash common.Hash
	Err  error
}

// Client defines the RPC surface the transaction and tool layers consume.
// Implementations never sign; signing happens in the txn package.
type Client interface {
	Name() string
	ChainID(ctx context.Context) (*big.Int, error)
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)

	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	SendBatchTransactions(ctx context.Context, txs []*types.Transaction) []BatchOutcome
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	CallContract(ctx context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]types.Log, error)

	Close()
}
