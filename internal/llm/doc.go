// Package llm defines the provider-neutral completion contract used by the
// agents: chat messages with tool calls, tool schemas, and a token budget that
// trims conversation history to fit a model's context window.
package llm
