// Package agent adapts the completion service into the four audit roles
// (planner, executor, reflector, reporter). Each role owns its instructions
// and tool subset; Step turns the shared conversation into one agent message.
package agent
