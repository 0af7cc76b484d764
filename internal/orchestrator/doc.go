// Package orchestrator 驱动审计运行的状态机：在规划、执行、反思、报告四个智能体
// 与统一的工具执行节点之间路由控制权，维护只追加的会话日志，每一步后写入检查点，
// 并决定何时结束运行。
package orchestrator
