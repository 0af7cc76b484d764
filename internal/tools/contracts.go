package tools

import (
	"context"
	"fmt"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/web3/txn"
)

const defaultMaxLogs = 50

func (d Deps) fetchSourceCode(ctx context.Context, _ Invocation, args map[string]any) (string, error) {
	if d.Explorer == nil {
		return "", errUnavailable
	}
	return d.Explorer.SourceCode(ctx, stringArg(args, "contract_address"))
}

func (d Deps) fetchABI(ctx context.Context, _ Invocation, args map[string]any) (string, error) {
	if d.Explorer == nil {
		return "", errUnavailable
	}
	return d.Explorer.ABI(ctx, stringArg(args, "contract_address"))
}

// knownABI loads the ABI of a contract deployed earlier in the same run.
func (d Deps) knownABI(ctx context.Context, runID, addr string) (abi.ABI, error) {
	if d.Artifacts == nil {
		return abi.ABI{}, errUnavailable
	}
	rec, err := d.Artifacts.Get(ctx, runID, addr)
	if err != nil {
		return abi.ABI{}, err
	}
	return txn.ParseABI(rec.ABI)
}

func (d Deps) explorerABI(ctx context.Context, addr string) (abi.ABI, error) {
	if d.Explorer == nil {
		return abi.ABI{}, errUnavailable
	}
	raw, err := d.Explorer.ABI(ctx, addr)
	if err != nil {
		return abi.ABI{}, err
	}
	return txn.ParseABI(raw)
}

// anyABI prefers a contract deployed in this run and falls back to the explorer.
func (d Deps) anyABI(ctx context.Context, runID, addr string) (abi.ABI, error) {
	if d.Artifacts != nil {
		contract, err := d.knownABI(ctx, runID, addr)
		if err == nil {
			return contract, nil
		}
		if !xerrors.HasCode(err, xerrors.CodeNotFound) {
			return abi.ABI{}, err
		}
	}
	return d.explorerABI(ctx, addr)
}

func (d Deps) callContractFunction(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
	if d.Chain == nil {
		return "", errUnavailable
	}
	addr := stringArg(args, "contract_address")
	contract, err := d.anyABI(ctx, inv.RunID, addr)
	if err != nil {
		return "", err
	}
	function := stringArg(args, "function_name")
	data, method, err := txn.PackCall(contract, function, listArg(args, "function_args"))
	if err != nil {
		return "", xerrors.Wrap(CodeInvalidArgument, err, "构造只读调用失败")
	}

	to := common.HexToAddress(addr)
	msg := gethcore.CallMsg{To: &to, Data: data}
	if d.Transactor != nil {
		msg.From = d.Transactor.Account()
	}
	raw, err := d.Chain.CallContract(ctx, msg, nil)
	if err != nil {
		return "", fmt.Errorf("调用 %s 失败: %w", function, err)
	}
	values, err := method.Outputs.Unpack(raw)
	if err != nil {
		return "", fmt.Errorf("解码 %s 返回值失败: %w", function, err)
	}
	return render(map[string]any{"function": method.Sig, "outputs": txn.FormatValues(values)})
}

func (d Deps) getBalance(ctx context.Context, _ Invocation, args map[string]any) (string, error) {
	if d.Chain == nil {
		return "", errUnavailable
	}
	balance, err := d.Chain.BalanceAt(ctx, addressArg(args, "address"), nil)
	if err != nil {
		return "", fmt.Errorf("查询余额失败: %w", err)
	}
	return balance.String(), nil
}

type logView struct {
	BlockNumber uint64   `json:"block_number"`
	TxHash      string   `json:"tx_hash"`
	LogIndex    uint     `json:"log_index"`
	Topics      []string `json:"topics"`
	Data        string   `json:"data"`
}

func (d Deps) getContractEvents(ctx context.Context, _ Invocation, args map[string]any) (string, error) {
	if d.Chain == nil {
		return "", errUnavailable
	}
	from, err := intArg(args, "from_block", 0)
	if err != nil {
		return "", err
	}
	if from < 0 {
		return "", xerrors.New(CodeInvalidArgument, "from_block 不能为负数")
	}
	logs, err := d.Chain.FilterLogs(ctx, gethcore.FilterQuery{
		FromBlock: big.NewInt(int64(from)),
		Addresses: []common.Address{addressArg(args, "contract_address")},
	})
	if err != nil {
		return "", fmt.Errorf("查询事件失败: %w", err)
	}

	limit := d.MaxLogs
	if limit <= 0 {
		limit = defaultMaxLogs
	}
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	views := make([]logView, 0, len(logs))
	for _, l := range logs {
		topics := make([]string, len(l.Topics))
		for i, t := range l.Topics {
			topics[i] = t.Hex()
		}
		views = append(views, logView{
			BlockNumber: l.BlockNumber,
			TxHash:      l.TxHash.Hex(),
			LogIndex:    l.Index,
			Topics:      topics,
			Data:        fmt.Sprintf("0x%x", l.Data),
		})
	}
	return render(views)
}
