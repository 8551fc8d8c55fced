// ABOUTME: Model gateway types and the OpenAI-compatible chat completion client
// ABOUTME: Converts transcripts to chat messages and returns either final text or tool calls

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/2389/qna-gateway/internal/store"
)

// Defaults applied by NewClient to zero-valued Config fields.
const (
	DefaultBaseURL        = "https://openrouter.ai/api/v1"
	DefaultModel          = "mistralai/devstral-2512:free"
	DefaultRequestTimeout = 60 * time.Second
	DefaultMaxRetries     = 3
	DefaultRetryBackoff   = 2 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
)

// ToolDefinition describes a capability the model may invoke.
// Parameters is a JSON schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one model call: the system prompt, the ordered transcript,
// and the tools on offer.
type Request struct {
	SystemPrompt string
	Messages     []*store.Message
	Tools        []ToolDefinition
}

// Completion is the model's reply: final text, or a non-empty list of tool calls.
type Completion struct {
	Text      string
	ToolCalls []store.ToolCall
	Model     string // as reported by the provider, may be empty
	Usage     Usage
}

// Usage is the provider-reported token count of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// IsFinal reports whether the completion is an answer rather than a tool request.
func (c *Completion) IsFinal() bool {
	return len(c.ToolCalls) == 0
}

// Config holds the provider connection and retry settings.
type Config struct {
	BaseURL           string
	APIKey            string
	Model             string
	RequestTimeout    time.Duration // per attempt
	MaxRetries        int           // retries after the first attempt
	RetryBackoff      time.Duration // base delay, doubled each retry
	MaxBackoff        time.Duration
	RequestsPerSecond float64 // <= 0 means unlimited
	Burst             int
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	api     *openai.Client
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client. Pass nil logger for default.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = cfg.BaseURL

	return &Client{
		api:     openai.NewClientWithConfig(clientConfig),
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With("component", "llm"),
		sleep:   sleepContext,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Complete sends the transcript to the model. All failures wrap ErrUpstream.
func (c *Client) Complete(ctx context.Context, req *Request) (*Completion, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    c.cfg.Model,
		Messages: toChatMessages(req),
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toTools(req.Tools)
		chatReq.ToolChoice = "auto"
	}

	var completion *Completion
	err := c.doWithRetry(ctx, "chat completion", func(attemptCtx context.Context) error {
		resp, err := c.api.CreateChatCompletion(attemptCtx, chatReq)
		if err != nil {
			return err
		}
		completion, err = fromResponse(resp)
		return err
	})
	if err != nil {
		return nil, err
	}

	c.logger.Debug("completion received",
		"model", c.cfg.Model,
		"final", completion.IsFinal(),
		"tool_calls", len(completion.ToolCalls))
	return completion, nil
}

// Check verifies the provider is reachable by listing models.
func (c *Client) Check(ctx context.Context) error {
	return c.doWithRetry(ctx, "list models", func(attemptCtx context.Context) error {
		_, err := c.api.ListModels(attemptCtx)
		return err
	})
}

func toChatMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}

	for _, msg := range req.Messages {
		cm := openai.ChatCompletionMessage{
			Content: msg.Text(),
		}
		switch msg.Role {
		case store.RoleUser:
			cm.Role = openai.ChatMessageRoleUser
		case store.RoleSystem:
			cm.Role = openai.ChatMessageRoleSystem
		case store.RoleAssistant:
			cm.Role = openai.ChatMessageRoleAssistant
			for _, tc := range msg.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		case store.RoleTool:
			cm.Role = openai.ChatMessageRoleTool
			if msg.ToolCallID != nil {
				cm.ToolCallID = *msg.ToolCallID
			}
		}
		out = append(out, cm)
	}
	return out
}

func toTools(defs []ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return tools
}

func fromResponse(resp openai.ChatCompletionResponse) (*Completion, error) {
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrMalformed)
	}
	msg := resp.Choices[0].Message
	usage := Usage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	if len(msg.ToolCalls) == 0 {
		if msg.Content == "" {
			return nil, fmt.Errorf("%w: empty completion", ErrMalformed)
		}
		return &Completion{Text: msg.Content, Model: resp.Model, Usage: usage}, nil
	}

	calls := make([]store.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			return nil, fmt.Errorf("%w: tool call without a function name", ErrMalformed)
		}
		calls = append(calls, store.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return &Completion{ToolCalls: calls, Model: resp.Model, Usage: usage}, nil
}
