package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"ChainProbe/internal/artifact"
	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/llm"
	"ChainProbe/internal/web3/txn"
)

func (d Deps) deployContract(ctx context.Context, inv Invocation, args map[string]any) (string, error) {
	if d.Compiler == nil || d.Transactor == nil || d.Artifacts == nil {
		return "", errUnavailable
	}
	source := stringArg(args, "source_code")
	name := stringArg(args, "contract_name")
	target := stringArg(args, "target_contract_address")
	if source == "" || name == "" {
		return "", xerrors.New(CodeInvalidArgument, "source_code 与 contract_name 不能为空")
	}

	out, err := d.Compiler.Compile(ctx, source, name)
	if err != nil {
		return "", err
	}
	contract, err := txn.ParseABI(out.ABI)
	if err != nil {
		return "", err
	}
	ctorArgs, err := constructorArgs(contract, target)
	if err != nil {
		return "", err
	}

	dep, err := d.Transactor.Deploy(ctx, contract, out.Bytecode, ctorArgs)
	if err != nil {
		return "", err
	}

	rec := artifact.Artifact{
		RunID:      inv.RunID,
		Address:    dep.Address.Hex(),
		Name:       name,
		ABI:        out.ABI,
		Bytecode:   hexutil.Encode(out.Bytecode),
		SourceCode: source,
		Target:     target,
		TxHash:     dep.Hash.Hex(),
	}
	if d.now != nil {
		rec.CreatedAt = d.now().UTC()
	}
	if err := d.Artifacts.Save(ctx, rec); err != nil {
		return "", fmt.Errorf("合约已部署在 %s，但记录失败: %w", dep.Address.Hex(), err)
	}
	return dep.Address.Hex(), nil
}

// constructorArgs passes the target address to constructors that take exactly
// one address and nothing to argument-less constructors.
func constructorArgs(contract abi.ABI, target string) ([]any, error) {
	inputs := contract.Constructor.Inputs
	switch {
	case len(inputs) == 0:
		return nil, nil
	case len(inputs) == 1 && inputs[0].Type.T == abi.AddressTy:
		return []any{target}, nil
	}
	return nil, xerrors.New(CodeInvalidArgument, fmt.Sprintf("构造函数需要 %d 个参数，只支持无参或单个 address 参数", len(inputs)))
}

const generatorInstructions = `You are an expert Solidity developer. Generate a smart contract for the description you are given.
1. Reply with Solidity source only, no explanation.
2. Name the contract Malicious.
3. Take the target contract address as the only constructor argument.
4. If the contract performs a reentrancy attack, name the entry function attack.`

func (d Deps) generateContractSource(ctx context.Context, _ Invocation, args map[string]any) (string, error) {
	if d.Completion == nil {
		return "", errUnavailable
	}
	resp, err := d.Completion.Complete(ctx, llm.Request{
		Instructions: generatorInstructions,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: stringArg(args, "description")}},
	})
	if err != nil {
		return "", err
	}
	source := stripFence(resp.Content)
	if source == "" {
		return "", fmt.Errorf("补全服务没有返回源码")
	}
	return source, nil
}

// stripFence removes a surrounding markdown code fence.
func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
