package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	xerrors "ChainProbe/internal/errors"
	"ChainProbe/internal/llm"
)

const (
	defaultModelName = "gpt-4o"
	defaultTimeout   = 120 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client 基于 go-openai 调用支持工具调用的大模型。
type Client struct {
	api   *goopenai.Client
	model string
}

var _ llm.Client = (*Client)(nil)

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未提供 OpenAI API Key")
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	config := goopenai.DefaultConfig(apiKey)
	if baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); baseURL != "" {
		config.BaseURL = baseURL
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	} else {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		config.HTTPClient = &http.Client{Timeout: timeout}
	}

	return &Client{api: goopenai.NewClientWithConfig(config), model: model}, nil
}

// Model 返回实际使用的模型名称。
func (c *Client) Model() string { return c.model }

// Complete 发送一次补全请求，返回助手消息。
func (c *Client) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	messages := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.Instructions) != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.Instructions})
	}
	messages = append(messages, convertMessages(req.Messages)...)

	body := goopenai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if tools := convertTools(req.Tools); len(tools) > 0 {
		body.Tools = tools
		body.ToolChoice = "auto"
	}

	resp, err := c.api.CreateChatCompletion(ctx, body)
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeUnavailable, "OpenAI 响应中没有有效的 choices", xerrors.WithRetryable(true))
	}

	choice := resp.Choices[0]
	out := &llm.Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return out, nil
}

func convertMessages(messages []llm.Message) []goopenai.ChatCompletionMessage {
	result := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		oaiMsg := goopenai.ChatCompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			Name:       msg.Name,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, goopenai.ToolCall{
				ID:   tc.ID,
				Type: goopenai.ToolTypeFunction,
				Function: goopenai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		result = append(result, oaiMsg)
	}
	return result
}

func convertTools(tools []llm.ToolDefinition) []goopenai.Tool {
	result := make([]goopenai.Tool, 0, len(tools))
	for _, t := range tools {
		result = append(result, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return result
}

// classify 将 SDK 错误映射为统一错误码：限流、5xx 与网络超时可重试，其余视为请求错误。
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "调用大模型被取消")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "调用大模型超时", xerrors.WithRetryable(true))
	}

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "大模型服务暂时不可用", xerrors.WithRetryable(true))
	case status >= http.StatusBadRequest:
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "大模型拒绝了请求", xerrors.WithRetryable(false))
	default:
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "请求大模型失败", xerrors.WithRetryable(true))
	}
}
