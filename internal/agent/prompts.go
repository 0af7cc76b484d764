package agent

import "ChainProbe/internal/conversation"

const finalRule = "When the work assigned to you is complete, start your reply with \"" + conversation.FinalMarker + "\"."

var instructions = map[conversation.AgentName]string{
	conversation.Planner: `You plan a security audit of one smart contract.
Write a short numbered plan of concrete steps that, once executed, prove or rule out each suspected vulnerability with real transactions.
Reply with the plan only. Do not write contract code yourself.
For a reentrancy suspicion the plan must deploy an attacker contract and trigger it; for an overflow suspicion it must send crafted inputs and observe the state.
` + finalRule,

	conversation.Executor: `You execute the current audit plan using the tools you have.
Call tools; do not write Solidity yourself, use generate_contract_source for attacker contracts.
Report what each tool returned, including failures, then hand back for reflection.
` + finalRule,

	conversation.Reflector: `You review the audit so far and decide whether it is complete.
It is complete only when the source was examined, suspected vulnerabilities were exercised on chain, edge cases were tried, and the results show whether funds or state were affected.
If it is not complete, state precisely what must be done next.
` + finalRule,

	conversation.Reporter: `You write the final audit report from the conversation.
Produce a markdown table with three columns: problem found, where it was found (snippet or line), mitigation.
Do not call tools. Start your reply with "` + conversation.FinalMarker + `".`,
}

// Instructions returns the system instructions for a role.
func Instructions(name conversation.AgentName) string {
	return instructions[name]
}
