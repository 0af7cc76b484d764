package tools

import (
	"context"
	"math/big"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"ChainProbe/internal/artifact"
	"ChainProbe/internal/compiler"
	"ChainProbe/internal/llm"
	"ChainProbe/internal/web3/txn"
)

// Explorer resolves verified ABIs and source code.
type Explorer interface {
	ABI(ctx context.Context, address string) (string, error)
	SourceCode(ctx context.Context, address string) (string, error)
}

// Compiler turns Solidity source into ABI and creation bytecode.
type Compiler interface {
	Compile(ctx context.Context, source, name string) (compiler.Output, error)
}

// Transactor submits transactions from the run's signing account.
type Transactor interface {
	Account() common.Address
	SendWithRetry(ctx context.Context, call txn.Call) (txn.Result, error)
	SendBatch(ctx context.Context, calls []txn.Call) (txn.BatchResult, error)
	RunSequence(ctx context.Context, calls []txn.Call) []txn.Outcome
	TriggerReentrancy(ctx context.Context, call txn.Call, iterations int) []txn.Outcome
	Deploy(ctx context.Context, contract abi.ABI, bytecode []byte, args []any) (txn.Deployment, error)
}

// ChainReader performs read-only RPC queries.
type ChainReader interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, block *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, block *big.Int) (*big.Int, error)
	FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]types.Log, error)
}

var (
	_ Transactor = (*txn.Executor)(nil)
	_ Compiler   = (*compiler.Solc)(nil)
)

// Deps are the collaborators the tools dispatch to.
type Deps struct {
	Explorer   Explorer
	Compiler   Compiler
	Transactor Transactor
	Chain      ChainReader
	Artifacts  artifact.Store
	// Completion generates attacker source for generate_contract_source.
	Completion llm.Client
	// MaxLogs caps get_contract_events output; 0 means 50.
	MaxLogs int

	now func() time.Time
}
