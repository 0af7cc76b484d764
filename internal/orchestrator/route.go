package orchestrator

import "ChainProbe/internal/conversation"

// Node 是状态机中的一个节点。
type Node string

const (
	NodePlanner   Node = "PLANNER"
	NodeExecutor  Node = "EXECUTOR"
	NodeReflector Node = "REFLECTOR"
	NodeReporter  Node = "REPORTER"
	NodeToolExec  Node = "TOOL_EXEC"
	NodeDone      Node = "DONE"
)

var agentNodes = map[Node]conversation.AgentName{
	NodePlanner:   conversation.Planner,
	NodeExecutor:  conversation.Executor,
	NodeReflector: conversation.Reflector,
	NodeReporter:  conversation.Reporter,
}

// AgentFor 返回节点对应的智能体，非智能体节点返回 false。
func AgentFor(n Node) (conversation.AgentName, bool) {
	name, ok := agentNodes[n]
	return name, ok
}

// NodeFor 返回智能体对应的节点。
func NodeFor(name conversation.AgentName) (Node, bool) {
	for node, agent := range agentNodes {
		if agent == name {
			return node, true
		}
	}
	return "", false
}

// Route 在智能体产出一条消息后决定下一个节点。
// 报告者的工具调用不会被执行，运行直接结束。
func Route(current Node, msg conversation.Message) Node {
	if current == NodeReporter {
		return NodeDone
	}
	if len(msg.ToolCalls) > 0 {
		return NodeToolExec
	}
	if msg.IsFinal() {
		switch current {
		case NodePlanner:
			return NodeDone
		case NodeExecutor, NodeReflector:
			return NodeReporter
		}
	}
	switch current {
	case NodePlanner:
		return NodeExecutor
	case NodeExecutor:
		return NodeReflector
	case NodeReflector:
		return NodePlanner
	}
	return NodeDone
}
