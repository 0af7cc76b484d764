package agent

import (
	"ChainProbe/internal/conversation"
	"ChainProbe/internal/tools"
)

var sharedTools = []tools.Name{
	tools.FetchSourceCode,
	tools.FetchABI,
	tools.DeployContract,
	tools.SendTransaction,
	tools.SendTransactionToKnownContract,
	tools.CallContractFunction,
	tools.GetBalance,
	tools.GetContractEvents,
}

var executorOnly = []tools.Name{
	tools.GenerateContractSource,
	tools.TriggerPreparedAttack,
	tools.RunExploitSequence,
	tools.SendBatchTransactions,
}

// Roles lists the agents in pipeline order.
var Roles = []conversation.AgentName{
	conversation.Planner,
	conversation.Executor,
	conversation.Reflector,
	conversation.Reporter,
}

// ToolsFor returns the tool subset a role may call.
func ToolsFor(name conversation.AgentName) []tools.Name {
	out := append([]tools.Name(nil), sharedTools...)
	if name == conversation.Executor {
		out = append(out, executorOnly...)
	}
	return out
}
