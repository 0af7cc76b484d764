package tools

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/web3/txn"
)

// attackFunction is the entry point generated attacker contracts expose.
const attackFunction = "attack"

func (d Deps) sendTransaction(ctx context.Context, _ Invocation, args map[string]any) (string, error) {
	addr := stringArg(args, "contract_address")
	contract, err := d.explorerABI(ctx, addr)
	if err != nil {
		return "", err
	}
	return d.send(ctx, contract, addr, args)
}

func (d Deps) sendToKnownContract(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
	addr := stringArg(args, "contract_address")
	contract, err := d.knownABI(ctx, inv.RunID, addr)
	if err != nil {
		return "", err
	}
	return d.send(ctx, contract, addr, args)
}

func (d Deps) send(ctx context.Context, contract abi.ABI, addr string, args map[string]any) (string, error) {
	if d.Transactor == nil {
		return "", errUnavailable
	}
	value, err := valueArg(args, "value")
	if err != nil {
		return "", err
	}
	call, err := txn.NewCall(contract, common.HexToAddress(addr), stringArg(args, "function_name"), listArg(args, "function_args"), value)
	if err != nil {
		return "", xerrors.Wrap(CodeInvalidArgument, err, "交易参数无效")
	}
	res, err := d.Transactor.SendWithRetry(ctx, call)
	if err != nil {
		return "", err
	}
	return res.Hash.Hex(), nil
}

type outcomeView struct {
	Index    int    `json:"index"`
	Function string `json:"function"`
	Hash     string `json:"hash,omitempty"`
	Nonce    uint64 `json:"nonce"`
	Error    string `json:"error,omitempty"`
}

func outcomeViews(outcomes []txn.Outcome) []outcomeView {
	views := make([]outcomeView, 0, len(outcomes))
	for _, o := range outcomes {
		v := outcomeView{Index: o.Index, Function: o.Function, Error: errString(o.Err)}
		if o.Err == nil {
			v.Hash = o.Result.Hash.Hex()
			v.Nonce = o.Result.Nonce
		}
		views = append(views, v)
	}
	return views
}

func (d Deps) triggerPreparedAttack(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
	if d.Transactor == nil {
		return "", errUnavailable
	}
	addr := stringArg(args, "contract_address")
	contract, err := d.knownABI(ctx, inv.RunID, addr)
	if err != nil {
		return "", err
	}
	iterations, err := intArg(args, "iterations", 1)
	if err != nil {
		return "", err
	}
	value, err := valueArg(args, "value")
	if err != nil {
		return "", err
	}
	call, err := txn.NewCall(contract, common.HexToAddress(addr), attackFunction, nil, value)
	if err != nil {
		return "", xerrors.Wrap(CodeInvalidArgument, err, "已部署合约没有无参数的 attack 函数")
	}

	if iterations <= 1 {
		res, err := d.Transactor.SendWithRetry(ctx, call)
		if err != nil {
			return "", err
		}
		return res.Hash.Hex(), nil
	}
	return render(outcomeViews(d.Transactor.TriggerReentrancy(ctx, call, iterations)))
}

func (d Deps) buildCalls(ctx context.Context, inv Invocation, args map[string]any, key string) ([]txn.Call, error) {
	addr := stringArg(args, "contract_address")
	steps, err := stepsArg(args, key)
	if err != nil {
		return nil, err
	}
	contract, err := d.anyABI(ctx, inv.RunID, addr)
	if err != nil {
		return nil, err
	}
	to := common.HexToAddress(addr)
	calls := make([]txn.Call, 0, len(steps))
	for i, step := range steps {
		call, err := txn.NewCall(contract, to, step.Function, step.Args, new(big.Int).Set(step.Value))
		if err != nil {
			return nil, xerrors.Wrap(CodeInvalidArgument, err, fmt.Sprintf("%s[%d] 无效", key, i))
		}
		calls = append(calls, call)
	}
	return calls, nil
}

func (d Deps) runExploitSequence(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
	if d.Transactor == nil {
		return "", errUnavailable
	}
	calls, err := d.buildCalls(ctx, inv, args, "steps")
	if err != nil {
		return "", err
	}
	outcomes := d.Transactor.RunSequence(ctx, calls)
	return render(map[string]any{
		"requested": len(calls),
		"executed":  len(outcomes),
		"steps":     outcomeViews(outcomes),
	})
}

type batchView struct {
	Index    int    `json:"index"`
	Function string `json:"function"`
	Nonce    uint64 `json:"nonce"`
	Hash     string `json:"hash,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (d Deps) sendBatchTransactions(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
	if d.Transactor == nil {
		return "", errUnavailable
	}
	calls, err := d.buildCalls(ctx, inv, args, "calls")
	if err != nil {
		return "", err
	}
	result, err := d.Transactor.SendBatch(ctx, calls)
	if err != nil {
		return "", err
	}
	items := make([]batchView, 0, len(result.Items))
	for _, item := range result.Items {
		v := batchView{Index: item.Index, Function: item.Function, Nonce: item.Nonce, Error: errString(item.Err)}
		if item.Err == nil {
			v.Hash = item.Hash.Hex()
		}
		items = append(items, v)
	}
	out := map[string]any{"items": items}
	if gaps := result.Gaps(); len(gaps) > 0 {
		out["nonce_gaps"] = gaps
	}
	return render(out)
}
