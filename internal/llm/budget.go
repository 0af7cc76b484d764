package llm

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Budget trims conversation history to the model's context window.
type Budget struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
}

// NewBudget selects a tokenizer for model and keeps maxTokens-reserve tokens of input.
func NewBudget(model string, maxTokens, reserve int) (*Budget, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Budget{tokenizer: enc, maxTokens: maxTokens, reserve: reserve}, nil
}

// Count returns the token count of text.
func (b *Budget) Count(text string) int {
	return len(b.tokenizer.Encode(text, nil, nil))
}

func (b *Budget) messageTokens(msg Message) int {
	n := b.Count(msg.Content) + 4
	for _, tc := range msg.ToolCalls {
		n += b.Count(tc.Name) + b.Count(tc.Arguments)
	}
	return n
}

// Fit drops the oldest messages until the rest fits. The first message (the
// run objective) is always kept, and the window never starts on a tool result
// whose originating call was dropped.
func (b *Budget) Fit(instructions string, tools []ToolDefinition, messages []Message) []Message {
	if b == nil || b.maxTokens <= 0 || len(messages) == 0 {
		return messages
	}
	remaining := b.maxTokens - b.reserve - b.Count(instructions)
	for _, t := range tools {
		remaining -= b.Count(t.Name) + b.Count(t.Description) + b.Count(string(t.Parameters))
	}
	head := messages[0]
	remaining -= b.messageTokens(head)

	start := len(messages)
	for i := len(messages) - 1; i >= 1; i-- {
		cost := b.messageTokens(messages[i])
		if cost > remaining {
			break
		}
		remaining -= cost
		start = i
	}
	for start < len(messages) && messages[start].Role == RoleTool {
		start++
	}
	if start == 1 {
		return messages
	}

	out := make([]Message, 0, 1+len(messages)-start)
	out = append(out, head)
	return append(out, messages[start:]...)
}
