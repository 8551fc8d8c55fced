// ABOUTME: Closed set of tools the model may invoke and their dispatch
// ABOUTME: Decodes tool calls into typed invocations and absorbs execution failures into result text

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/qna-gateway/internal/knowledge"
	"github.com/2389/qna-gateway/internal/llm"
	"github.com/2389/qna-gateway/internal/store"
)

// SearchToolName is the only tool exposed to the model.
const SearchToolName = "search_knowledge_base"

// DefaultTimeout bounds a single tool execution when none is configured.
const DefaultTimeout = 10 * time.Second

var (
	// ErrUnknownTool is returned when a call names a tool outside the closed set.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrInvalidArguments is returned when a call's arguments don't match the schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Invocation is a decoded tool call. The set of implementations is closed.
type Invocation interface {
	ToolName() string
	isInvocation()
}

// SearchInvocation asks for a knowledge base search.
type SearchInvocation struct {
	Query string `json:"query"`
}

// ToolName implements Invocation.
func (SearchInvocation) ToolName() string { return SearchToolName }

func (SearchInvocation) isInvocation() {}

// Decode turns a raw tool call into a typed Invocation.
func Decode(call store.ToolCall) (Invocation, error) {
	switch call.Name {
	case SearchToolName:
		var inv SearchInvocation
		args := strings.TrimSpace(call.Arguments)
		if args == "" {
			return nil, fmt.Errorf("%w: %s requires a query", ErrInvalidArguments, call.Name)
		}
		if err := json.Unmarshal([]byte(args), &inv); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
		}
		inv.Query = strings.TrimSpace(inv.Query)
		if inv.Query == "" {
			return nil, fmt.Errorf("%w: %s requires a non-empty query", ErrInvalidArguments, call.Name)
		}
		return inv, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
}

// Searcher is what the registry needs from the knowledge base.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]knowledge.Result, error)
}

// Result is the text handed back to the model for one tool call.
// IsError marks text that describes a failure.
type Result struct {
	Text    string
	IsError bool
}

// Registry executes tool calls against the available capabilities.
type Registry struct {
	searcher Searcher
	limit    int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRegistry creates a Registry. A limit <= 0 lets the searcher pick its default.
func NewRegistry(searcher Searcher, limit int, timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		searcher: searcher,
		limit:    limit,
		timeout:  timeout,
		logger:   logger.With("component", "tools"),
	}
}

// Definitions returns the schema of every tool, in a fixed order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{{
		Name: SearchToolName,
		Description: "Search the knowledge base for relevant information. " +
			"Use this tool when you need factual information to answer user questions. " +
			"The knowledge base contains documents about company policies, " +
			"products, and procedures.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type": "string",
					"description": "Search query to find relevant documents. " +
						"Use keywords related to the user's question.",
				},
			},
			"required": []string{"query"},
		},
	}}
}

// Execute runs one tool call. Failures never escape as errors; they are
// rendered as result text so the model can react to them.
func (r *Registry) Execute(ctx context.Context, call store.ToolCall) Result {
	inv, err := Decode(call)
	if err != nil {
		r.logger.Warn("rejected tool call", "tool", call.Name, "call_id", call.ID, "error", err)
		return Result{Text: fmt.Sprintf("Error: %v", err), IsError: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	var res Result
	switch inv := inv.(type) {
	case SearchInvocation:
		res = r.search(ctx, callCtx, inv)
	}

	r.logger.Info("executed tool",
		"tool", inv.ToolName(),
		"call_id", call.ID,
		"is_error", res.IsError,
		"duration", time.Since(start))
	return res
}

// search runs under callCtx. The tool timeout is only blamed when the
// caller's ctx is still live; otherwise the turn itself ended.
func (r *Registry) search(ctx, callCtx context.Context, inv SearchInvocation) Result {
	results, err := r.searcher.Search(callCtx, inv.Query, r.limit)
	if err != nil {
		if parentErr := ctx.Err(); parentErr != nil {
			return Result{Text: fmt.Sprintf("Error: knowledge base search canceled: %v", parentErr), IsError: true}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{Text: fmt.Sprintf("Error: knowledge base search timed out after %s", r.timeout), IsError: true}
		}
		return Result{Text: fmt.Sprintf("Error: knowledge base search failed: %v", err), IsError: true}
	}
	return Result{Text: knowledge.Format(results)}
}
