package tools

import "errors"

var errUnavailable = errors.New("该工具所需的依赖未配置")

func (d Deps) catalog() []tool {
	contractAddr := address("被操作合约的地址")
	functionArgs := array("按 ABI 顺序排列的函数参数，整数可使用十进制字符串", &Schema{})
	value := wei("随交易发送的 wei 数量（十进制）")
	step := object([]string{"function_name"}, map[string]*Schema{
		"function_name": str("函数名"),
		"function_args": functionArgs,
		"value":         value,
	})

	return []tool{
		{def: Definition{
			Name:        FetchSourceCode,
			Description: "Fetch the verified Solidity source code of a contract from the block explorer.",
			Schema:      object([]string{"contract_address"}, map[string]*Schema{"contract_address": contractAddr}),
		}, run: d.fetchSourceCode},
		{def: Definition{
			Name:        FetchABI,
			Description: "Fetch the verified ABI JSON of a contract from the block explorer.",
			Schema:      object([]string{"contract_address"}, map[string]*Schema{"contract_address": contractAddr}),
		}, run: d.fetchABI},
		{def: Definition{
			Name:        SendTransaction,
			Description: "Send a state-changing transaction to a verified contract. Returns the transaction hash.",
			Schema: object([]string{"contract_address", "function_name"}, map[string]*Schema{
				"contract_address": contractAddr,
				"function_name":    str("要调用的函数名"),
				"value":            value,
				"function_args":    functionArgs,
			}),
		}, run: d.sendTransaction},
		{def: Definition{
			Name:        SendTransactionToKnownContract,
			Description: "Send a transaction to a contract deployed earlier in this audit, using its recorded ABI.",
			Schema: object([]string{"contract_address", "function_name"}, map[string]*Schema{
				"contract_address": contractAddr,
				"function_name":    str("要调用的函数名"),
				"value":            value,
				"function_args":    functionArgs,
			}),
		}, run: d.sendToKnownContract},
		{def: Definition{
			Name:        DeployContract,
			Description: "Compile Solidity source and deploy the named contract. The constructor receives the target address when it takes one. Returns the deployed address.",
			Schema: object([]string{"source_code", "target_contract_address", "contract_name"}, map[string]*Schema{
				"source_code":             str("完整的 Solidity 源码"),
				"target_contract_address": address("被攻击合约的地址"),
				"contract_name":           str("要部署的合约名"),
			}),
		}, run: d.deployContract},
		{def: Definition{
			Name:        TriggerPreparedAttack,
			Description: "Call attack() on a contract deployed earlier in this audit. iterations sends that many separate transactions.",
			Schema: object([]string{"contract_address"}, map[string]*Schema{
				"contract_address": address("已部署攻击合约的地址"),
				"iterations":       integer("发送次数，默认 1"),
				"value":            value,
			}),
		}, run: d.triggerPreparedAttack},
		{def: Definition{
			Name:        GenerateContractSource,
			Description: "Generate Solidity source for an attacker contract from a description. The contract is named Malicious and its entry point is attack().",
			Schema:      object([]string{"description"}, map[string]*Schema{"description": str("合约功能描述")}),
		}, run: d.generateContractSource},
		{def: Definition{
			Name:        CallContractFunction,
			Description: "Call a view function without sending a transaction. Returns the decoded outputs as JSON.",
			Schema: object([]string{"contract_address", "function_name"}, map[string]*Schema{
				"contract_address": contractAddr,
				"function_name":    str("要调用的函数名"),
				"function_args":    functionArgs,
			}),
		}, run: d.callContractFunction},
		{def: Definition{
			Name:        GetBalance,
			Description: "Return the ether balance of an address in wei.",
			Schema:      object([]string{"address"}, map[string]*Schema{"address": address("账户或合约地址")}),
		}, run: d.getBalance},
		{def: Definition{
			Name:        RunExploitSequence,
			Description: "Send transactions one after another to the same contract, stopping at the first failure.",
			Schema: object([]string{"contract_address", "steps"}, map[string]*Schema{
				"contract_address": contractAddr,
				"steps":            array("按顺序执行的调用", step),
			}),
		}, run: d.runExploitSequence},
		{def: Definition{
			Name:        SendBatchTransactions,
			Description: "Sign several calls with consecutive nonces and broadcast them together. Returns a per-call outcome.",
			Schema: object([]string{"contract_address", "calls"}, map[string]*Schema{
				"contract_address": contractAddr,
				"calls":            array("批量调用", step),
			}),
		}, run: d.sendBatchTransactions},
		{def: Definition{
			Name:        GetContractEvents,
			Description: "List recent event logs emitted by a contract.",
			Schema: object([]string{"contract_address"}, map[string]*Schema{
				"contract_address": contractAddr,
				"from_block":       integer("起始区块，默认 0"),
			}),
		}, run: d.getContractEvents},
	}
}
