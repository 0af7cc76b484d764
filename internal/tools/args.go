package tools

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/web3/txn"
)

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func addressArg(args map[string]any, key string) common.Address {
	return common.HexToAddress(stringArg(args, key))
}

func listArg(args map[string]any, key string) []any {
	items, _ := args[key].([]any)
	return items
}

func intArg(args map[string]any, key string, fallback int) (int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return fallback, nil
	}
	n, err := txn.ParseBigInt(raw)
	if err != nil || !n.IsInt64() {
		return 0, xerrors.New(CodeInvalidArgument, fmt.Sprintf("%s 不是有效的整数", key))
	}
	return int(n.Int64()), nil
}

func valueArg(args map[string]any, key string) (*big.Int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return new(big.Int), nil
	}
	if s, isStr := raw.(string); isStr && strings.TrimSpace(s) == "" {
		return new(big.Int), nil
	}
	v, err := txn.ParseBigInt(raw)
	if err != nil {
		return nil, xerrors.Wrap(CodeInvalidArgument, err, fmt.Sprintf("%s 不是有效的 wei 数量", key))
	}
	if v.Sign() < 0 {
		return nil, xerrors.New(CodeInvalidArgument, fmt.Sprintf("%s 不能为负数", key))
	}
	return v, nil
}

type stepArg struct {
	Function string
	Args     []any
	Value    *big.Int
}

func stepsArg(args map[string]any, key string) ([]stepArg, error) {
	items := listArg(args, key)
	if len(items) == 0 {
		return nil, xerrors.New(CodeInvalidArgument, fmt.Sprintf("%s 不能为空", key))
	}
	steps := make([]stepArg, 0, len(items))
	for i, item := range items {
		fields, _ := item.(map[string]any)
		value, err := valueArg(fields, "value")
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		steps = append(steps, stepArg{
			Function: stringArg(fields, "function_name"),
			Args:     listArg(fields, "function_args"),
			Value:    value,
		})
	}
	return steps, nil
}

func render(v any) (string, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("序列化工具结果失败: %w", err)
	}
	return string(out), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return errorText(err)
}
