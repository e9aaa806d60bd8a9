// Package genai wraps the OpenAI API behind the engine's LLM collaborator interface.
//
// The orchestrator only depends on ClientInterface, so tests can substitute a
// scripted client without network access.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultTimeout bounds a single completion call. Timeouts are reported to
// the caller as context deadline errors and handled there as system errors.
const DefaultTimeout = 15 * time.Second

// ToolCallFunction carries the function name and raw JSON arguments of one tool call.
type ToolCallFunction struct {
	Name      string
	Arguments json.RawMessage
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID       string
	Function ToolCallFunction
}

// ToolCallResponse is the model's answer when tools are offered: either a
// terminal assistant message (Content, no ToolCalls), a batch of tool calls,
// or both.
type ToolCallResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// ClientInterface defines the LLM operations the orchestrator depends on.
type ClientInterface interface {
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey overrides the OPENAI_API_KEY environment variable.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithBaseURL points the client at a non-default API endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithModel selects the completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewClient initializes a GenAI client, falling back to the OPENAI_API_KEY
// environment variable when no key option is provided.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = openai.ChatModelGPT4oMini
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	slog.Debug("genai.NewClient: client configured", "model", cfg.Model, "timeout", cfg.Timeout, "baseURL_set", cfg.BaseURL != "")
	return &Client{
		client:  openai.NewClient(reqOpts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}, nil
}

// GenerateWithMessages generates a plain assistant message from the given conversation.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("genai.GenerateWithMessages: completion failed", "error", err, "messageCount", len(messages))
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		slog.Error("genai.GenerateWithMessages: no choices returned")
		return "", fmt.Errorf("no choices returned")
	}

	content := completion.Choices[0].Message.Content
	slog.Debug("genai.GenerateWithMessages: completion succeeded", "messageCount", len(messages), "responseLength", len(content))
	return content, nil
}

// GenerateWithTools generates a response with the given tool schemas offered
// to the model. The response may contain tool calls, a terminal message, or both.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam) (*ToolCallResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    c.model,
		Messages: messages,
		Tools:    tools,
	})
	if err != nil {
		slog.Error("genai.GenerateWithTools: completion failed", "error", err, "messageCount", len(messages), "toolCount", len(tools))
		return nil, fmt.Errorf("chat completion with tools failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		slog.Error("genai.GenerateWithTools: no choices returned")
		return nil, fmt.Errorf("no choices returned")
	}

	msg := completion.Choices[0].Message
	resp := &ToolCallResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID: tc.ID,
			Function: ToolCallFunction{
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			},
		})
	}

	slog.Debug("genai.GenerateWithTools: completion succeeded",
		"messageCount", len(messages),
		"toolCount", len(tools),
		"toolCallCount", len(resp.ToolCalls),
		"hasContent", resp.Content != "")
	return resp, nil
}
