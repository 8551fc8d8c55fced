// ABOUTME: Tests for the turn orchestrator
// ABOUTME: Drives scripted model replies against a MockStore and a live broadcaster

package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/qna-gateway/internal/knowledge"
	"github.com/2389/qna-gateway/internal/llm"
	"github.com/2389/qna-gateway/internal/store"
	"github.com/2389/qna-gateway/internal/tools"
)

// scriptedModel replays completions in order. Once the script runs out the
// last step repeats.
type scriptedModel struct {
	mu       sync.Mutex
	steps    []func(ctx context.Context, req *llm.Request) (*llm.Completion, error)
	requests []*llm.Request
}

func (m *scriptedModel) Complete(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
	m.mu.Lock()
	n := len(m.requests)
	m.requests = append(m.requests, req)
	step := m.steps[min(n, len(m.steps)-1)]
	m.mu.Unlock()
	return step(ctx, req)
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func final(text string) func(context.Context, *llm.Request) (*llm.Completion, error) {
	return func(context.Context, *llm.Request) (*llm.Completion, error) {
		return &llm.Completion{Text: text}, nil
	}
}

func toolCalls(calls ...store.ToolCall) func(context.Context, *llm.Request) (*llm.Completion, error) {
	return func(context.Context, *llm.Request) (*llm.Completion, error) {
		return &llm.Completion{ToolCalls: calls}, nil
	}
}

func failing(err error) func(context.Context, *llm.Request) (*llm.Completion, error) {
	return func(context.Context, *llm.Request) (*llm.Completion, error) {
		return nil, err
	}
}

func blocking(ctx context.Context, _ *llm.Request) (*llm.Completion, error) {
	<-ctx.Done()
	return nil, errors.Join(llm.ErrUpstream, ctx.Err())
}

func search(id, query string) store.ToolCall {
	return store.ToolCall{ID: id, Name: tools.SearchToolName, Arguments: fmt.Sprintf(`{"query":%q}`, query)}
}

type staticSearcher struct {
	results []knowledge.Result
}

func (s staticSearcher) Search(ctx context.Context, query string, limit int) ([]knowledge.Result, error) {
	return s.results, nil
}

type harness struct {
	store  *store.MockStore
	model  *scriptedModel
	events *EventBroadcaster
	svc    *Service
}

func newHarness(t *testing.T, opts Options, steps ...func(context.Context, *llm.Request) (*llm.Completion, error)) *harness {
	t.Helper()
	st := store.NewMockStore()
	require.NoError(t, st.CreateConversation(context.Background(), &store.Conversation{ID: "conv-1"}))

	model := &scriptedModel{steps: steps}
	events := NewEventBroadcaster(0, nil)
	t.Cleanup(events.Close)

	registry := tools.NewRegistry(staticSearcher{results: []knowledge.Result{
		{Source: "refunds.txt", Snippet: "Refunds are accepted within 30 days.", Score: 12},
	}}, 0, time.Second, nil)

	return &harness{
		store:  st,
		model:  model,
		events: events,
		svc:    New(st, model, registry, events, opts, nil),
	}
}

func (h *harness) messages(t *testing.T) []*store.Message {
	t.Helper()
	msgs, err := h.store.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	return msgs
}

// drain collects events until the subscription has been quiet for a moment.
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(100 * time.Millisecond):
			return out
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func assertGapFree(t *testing.T, msgs []*store.Message) {
	t.Helper()
	for i, m := range msgs {
		assert.Equal(t, int64(i+1), m.Sequence)
		if i > 0 {
			assert.True(t, m.CreatedAt.After(msgs[i-1].CreatedAt))
		}
	}
}

func assertNoOrphans(t *testing.T, msgs []*store.Message) {
	t.Helper()
	emitted := map[string]bool{}
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			emitted[tc.ID] = true
		}
		if m.Role == store.RoleTool {
			require.NotNil(t, m.ToolCallID)
			assert.True(t, emitted[*m.ToolCallID], "tool message %s answers unknown call %s", m.ID, *m.ToolCallID)
		}
	}
}

func TestService_RefundScenario(t *testing.T) {
	h := newHarness(t, Options{},
		toolCalls(search("call_a", "refund window")),
		final("Our refund window is 30 days."),
	)
	sub := h.events.Subscribe(t.Context(), "conv-1")

	result, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "What is the refund window?")
	require.NoError(t, err)
	assert.Equal(t, "What is the refund window?", result.UserMessage.Text())
	assert.Equal(t, "Our refund window is 30 days.", result.AssistantMessage.Text())

	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, store.RoleAssistant, msgs[1].Role)
	assert.Nil(t, msgs[1].Content)
	assert.Equal(t, []store.ToolCall{search("call_a", "refund window")}, msgs[1].ToolCalls)
	assert.Equal(t, store.RoleTool, msgs[2].Role)
	assert.Equal(t, "call_a", *msgs[2].ToolCallID)
	assert.Contains(t, msgs[2].Text(), "30 days")
	assert.Equal(t, store.RoleAssistant, msgs[3].Role)
	assert.Equal(t, "Our refund window is 30 days.", msgs[3].Text())
	assertGapFree(t, msgs)
	assertNoOrphans(t, msgs)

	events := drain(sub)
	assert.Equal(t, []EventKind{EventTyping, EventMessage, EventMessage, EventMessage, EventMessage}, kinds(events))
	for i, msg := range msgs {
		assert.Equal(t, msg.ID, events[i+1].Message.ID, "message events follow persistence order")
	}

	// The second model call saw the whole transcript including the tool result
	require.Equal(t, 2, h.model.calls())
	second := h.model.requests[1]
	require.Len(t, second.Messages, 3)
	assert.Equal(t, store.RoleTool, second.Messages[2].Role)
	assert.Equal(t, DefaultSystemPrompt, second.SystemPrompt)
	require.Len(t, second.Tools, 1)
	assert.Equal(t, tools.SearchToolName, second.Tools[0].Name)
}

func TestService_UpstreamFailure(t *testing.T) {
	h := newHarness(t, Options{}, failing(fmt.Errorf("%w: timed out after retries", llm.ErrUpstream)))
	sub := h.events.Subscribe(t.Context(), "conv-1")

	_, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "hello?")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.NotErrorIs(t, err, ErrLoopExceeded)
	assert.ErrorIs(t, err, llm.ErrUpstream)

	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, KindUpstream, turnErr.Kind)

	msgs := h.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.RoleUser, msgs[0].Role)

	events := drain(sub)
	assert.Equal(t, []EventKind{EventTyping, EventMessage, EventError}, kinds(events))
	assert.Equal(t, turnErr.Reason, events[2].Reason)
}

func TestService_LoopExceeded(t *testing.T) {
	var n int
	var mu sync.Mutex
	forever := func(context.Context, *llm.Request) (*llm.Completion, error) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return &llm.Completion{ToolCalls: []store.ToolCall{search(fmt.Sprintf("call_%d", n), "again")}}, nil
	}
	h := newHarness(t, Options{MaxIterations: 3}, forever)
	sub := h.events.Subscribe(t.Context(), "conv-1")

	_, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "loop please")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoopExceeded)
	assert.NotErrorIs(t, err, ErrUpstream)
	assert.Equal(t, 3, h.model.calls())

	msgs := h.messages(t)
	// user + 3 * (assistant tool calls + tool result)
	require.Len(t, msgs, 7)
	for _, m := range msgs {
		if m.Role == store.RoleAssistant {
			assert.Nil(t, m.Content, "no final assistant message may exist")
		}
	}
	assertGapFree(t, msgs)
	assertNoOrphans(t, msgs)

	events := drain(sub)
	errorEvents := 0
	for _, ev := range events {
		if ev.Kind == EventError {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)
	assert.Equal(t, EventError, events[len(events)-1].Kind)
}

func TestService_NotFoundHasNoSideEffects(t *testing.T) {
	h := newHarness(t, Options{}, final("unused"))
	sub := h.events.Subscribe(t.Context(), "ghost")

	_, err := h.svc.SubmitUserMessage(t.Context(), "ghost", "anyone?")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var turnErr *TurnError
	assert.False(t, errors.As(err, &turnErr))
	assert.Equal(t, 0, h.model.calls())
	assert.Empty(t, drain(sub))
}

func TestService_ToolErrorsAreAbsorbed(t *testing.T) {
	h := newHarness(t, Options{},
		toolCalls(
			store.ToolCall{ID: "call_x", Name: "format_disk", Arguments: `{}`},
			store.ToolCall{ID: "call_y", Name: tools.SearchToolName, Arguments: `{"query":`},
		),
		final("Sorry, I could not search."),
	)

	result, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "do something")
	require.NoError(t, err)
	assert.Equal(t, "Sorry, I could not search.", result.AssistantMessage.Text())

	msgs := h.messages(t)
	require.Len(t, msgs, 5)
	assert.Contains(t, msgs[2].Text(), "unknown tool")
	assert.Equal(t, "call_x", *msgs[2].ToolCallID)
	assert.Contains(t, msgs[3].Text(), "invalid tool arguments")
	assert.Equal(t, "call_y", *msgs[3].ToolCallID)
	assertNoOrphans(t, msgs)
}

func TestService_NormalizesToolCallIDs(t *testing.T) {
	h := newHarness(t, Options{},
		toolCalls(search("", "a"), search("dup", "b"), search("dup", "c")),
		final("done"),
	)

	_, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "three searches")
	require.NoError(t, err)

	msgs := h.messages(t)
	require.Len(t, msgs, 6)
	calls := msgs[1].ToolCalls
	require.Len(t, calls, 3)

	ids := map[string]bool{}
	for _, c := range calls {
		assert.NotEmpty(t, c.ID)
		ids[c.ID] = true
	}
	assert.Len(t, ids, 3, "tool call IDs must be unique")
	assert.True(t, strings.HasPrefix(calls[0].ID, toolCallIDPrefix))
	assert.Equal(t, "dup", calls[1].ID)
	assert.True(t, strings.HasPrefix(calls[2].ID, toolCallIDPrefix))

	for i, c := range calls {
		assert.Equal(t, c.ID, *msgs[2+i].ToolCallID)
	}
	assertNoOrphans(t, msgs)
}

func TestService_ConcurrentTurnsOnSameConversationSerialize(t *testing.T) {
	release := make(chan struct{})
	var first sync.Once
	gate := func(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
		// Hold the first turn inside the model call until released
		wait := false
		first.Do(func() { wait = true })
		if wait {
			<-release
		}
		return &llm.Completion{Text: "answer to " + req.Messages[len(req.Messages)-1].Text()}, nil
	}
	h := newHarness(t, Options{}, gate)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = h.svc.SubmitUserMessage(t.Context(), "conv-1", "first")
	}()

	require.Eventually(t, func() bool { return h.model.calls() == 1 }, time.Second, 5*time.Millisecond)

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[1] = h.svc.SubmitUserMessage(t.Context(), "conv-1", "second")
	}()

	// The second turn must not persist anything while the first holds the token
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.messages(t), 1)

	close(release)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, "first", msgs[0].Text())
	assert.Equal(t, "answer to first", msgs[1].Text())
	assert.Equal(t, "second", msgs[2].Text())
	assert.Equal(t, "answer to second", msgs[3].Text())
	assertGapFree(t, msgs)
}

func TestService_DifferentConversationsRunInParallel(t *testing.T) {
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	gate := func(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
		started <- struct{}{}
		<-release
		return &llm.Completion{Text: "ok"}, nil
	}
	h := newHarness(t, Options{}, gate)
	require.NoError(t, h.store.CreateConversation(context.Background(), &store.Conversation{ID: "conv-2"}))

	var wg sync.WaitGroup
	for _, id := range []string{"conv-1", "conv-2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.SubmitUserMessage(t.Context(), id, "hi")
			assert.NoError(t, err)
		}()
	}

	for range 2 {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("turns on different conversations did not run concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestService_CancellationDuringModelCall(t *testing.T) {
	h := newHarness(t, Options{}, blocking)
	sub := h.events.Subscribe(t.Context(), "conv-1")

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		assert.Eventually(t, func() bool { return h.model.calls() == 1 }, time.Second, 5*time.Millisecond)
		cancel()
	}()

	_, err := h.svc.SubmitUserMessage(ctx, "conv-1", "slow question")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.NotErrorIs(t, err, ErrUpstream)
	assert.Len(t, h.messages(t), 1)

	events := drain(sub)
	assert.Equal(t, []EventKind{EventTyping, EventMessage, EventError}, kinds(events))

	// The execution token was released
	h.model.mu.Lock()
	h.model.steps = append(h.model.steps, final("recovered"))
	h.model.mu.Unlock()
	result, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "again")
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.AssistantMessage.Text())
}

func TestService_TurnTimeout(t *testing.T) {
	h := newHarness(t, Options{TurnTimeout: 30 * time.Millisecond}, blocking)

	_, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "slow")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCanceled)

	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Contains(t, turnErr.Reason, "timed out")
}

// cancellingExecutor cancels the turn while executing the first call.
type cancellingExecutor struct {
	inner  *tools.Registry
	cancel context.CancelFunc
	calls  int
}

func (c *cancellingExecutor) Definitions() []llm.ToolDefinition { return c.inner.Definitions() }

func (c *cancellingExecutor) Execute(ctx context.Context, call store.ToolCall) tools.Result {
	c.calls++
	c.cancel()
	return c.inner.Execute(ctx, call)
}

func TestService_CancellationDuringToolRoundPersistsWholeRound(t *testing.T) {
	st := store.NewMockStore()
	require.NoError(t, st.CreateConversation(context.Background(), &store.Conversation{ID: "conv-1"}))
	model := &scriptedModel{steps: []func(context.Context, *llm.Request) (*llm.Completion, error){
		toolCalls(search("call_1", "a"), search("call_2", "b"), search("call_3", "c")),
	}}
	events := NewEventBroadcaster(0, nil)
	defer events.Close()

	ctx, cancel := context.WithCancel(t.Context())
	executor := &cancellingExecutor{
		inner:  tools.NewRegistry(staticSearcher{}, 0, time.Second, nil),
		cancel: cancel,
	}
	svc := New(st, model, executor, events, Options{}, nil)
	sub := events.Subscribe(t.Context(), "conv-1")

	_, err := svc.SubmitUserMessage(ctx, "conv-1", "search three things")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, 1, executor.calls, "calls after cancellation are not executed")

	msgs, err := st.ListMessages(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 5, "every call of the round is answered")
	for i, id := range []string{"call_1", "call_2", "call_3"} {
		assert.Equal(t, id, *msgs[2+i].ToolCallID)
	}
	assert.Contains(t, msgs[3].Text(), "canceled")
	assertNoOrphans(t, msgs)

	evs := drain(sub)
	assert.Equal(t, []EventKind{EventTyping, EventMessage, EventMessage, EventMessage, EventMessage, EventMessage, EventError}, kinds(evs))
}

func TestService_StoreFailureIsInternal(t *testing.T) {
	h := newHarness(t, Options{}, final("never saved"))
	h.store.AppendErr = func(msg *store.Message) error {
		if msg.Role == store.RoleAssistant {
			return store.ErrMockFailure
		}
		return nil
	}
	sub := h.events.Subscribe(t.Context(), "conv-1")

	_, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, store.ErrMockFailure)

	events := drain(sub)
	assert.Equal(t, []EventKind{EventTyping, EventMessage, EventError}, kinds(events))
}

func TestService_EmptyFinalAnswerIsUpstreamError(t *testing.T) {
	h := newHarness(t, Options{}, final(""))
	sub := h.events.Subscribe(t.Context(), "conv-1")

	_, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.ErrorIs(t, err, llm.ErrMalformed)
	assert.Equal(t, 1, h.model.calls())

	msgs := h.messages(t)
	require.Len(t, msgs, 1, "nothing is saved for an empty answer")
	assert.Equal(t, store.RoleUser, msgs[0].Role)

	events := drain(sub)
	assert.Equal(t, []EventKind{EventTyping, EventMessage, EventError}, kinds(events))
}

func TestService_ConversationDeletedMidTurn(t *testing.T) {
	h := newHarness(t, Options{}, toolCalls(search("call_a", "refunds")), final("unreachable"))
	h.store.AppendErr = func(msg *store.Message) error {
		if msg.Role == store.RoleTool {
			return fmt.Errorf("%w: conv-1", store.ErrNotFound)
		}
		return nil
	}
	sub := h.events.Subscribe(t.Context(), "conv-1")

	_, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "hi")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrInternal)

	var turnErr *TurnError
	require.ErrorAs(t, err, &turnErr)
	assert.Equal(t, KindNotFound, turnErr.Kind)
	assert.Equal(t, 1, h.model.calls())

	events := drain(sub)
	require.NotEmpty(t, events)
	errorCount := 0
	for _, ev := range events {
		if ev.Kind == EventError {
			errorCount++
		}
	}
	assert.Equal(t, 1, errorCount)
	assert.Equal(t, EventError, events[len(events)-1].Kind)
	assert.Equal(t, turnErr.Reason, events[len(events)-1].Reason)
}

func withUsage(step func(context.Context, *llm.Request) (*llm.Completion, error), model string, in, out int) func(context.Context, *llm.Request) (*llm.Completion, error) {
	return func(ctx context.Context, req *llm.Request) (*llm.Completion, error) {
		c, err := step(ctx, req)
		if err != nil {
			return nil, err
		}
		c.Model = model
		c.Usage = llm.Usage{InputTokens: in, OutputTokens: out}
		return c, nil
	}
}

func TestService_RecordsUsagePerModelCall(t *testing.T) {
	h := newHarness(t, Options{},
		withUsage(toolCalls(search("call_a", "refund")), "", 100, 10),
		withUsage(final("30 days."), "served-model", 150, 5),
	)
	h.svc.SetUsageRecorder(h.store, "configured-model")

	result, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "refunds?")
	require.NoError(t, err)

	usages, err := h.store.ListUsage(context.Background(), "conv-1")
	require.NoError(t, err)
	require.Len(t, usages, 2)

	msgs := h.messages(t)
	assert.Equal(t, msgs[1].ID, usages[0].MessageID)
	assert.Equal(t, "configured-model", usages[0].Model)
	assert.Equal(t, int64(100), usages[0].InputTokens)
	assert.Equal(t, result.AssistantMessage.ID, usages[1].MessageID)
	assert.Equal(t, "served-model", usages[1].Model)

	stats, err := h.store.GetUsageStats(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, int64(265), stats.TotalTokens)
}

type failingRecorder struct{}

func (failingRecorder) SaveUsage(ctx context.Context, usage *store.TokenUsage) error {
	return store.ErrMockFailure
}

func TestService_UsageFailureDoesNotFailTurn(t *testing.T) {
	h := newHarness(t, Options{}, final("fine"))
	h.svc.SetUsageRecorder(failingRecorder{}, "m")

	result, err := h.svc.SubmitUserMessage(t.Context(), "conv-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "fine", result.AssistantMessage.Text())
}

func TestService_HealsDanglingToolCalls(t *testing.T) {
	h := newHarness(t, Options{}, final("fresh answer"))
	ctx := context.Background()

	// A previous process died between persisting tool calls and answering them
	_, err := h.store.AppendMessage(ctx, &store.Message{ID: "u0", ConversationID: "conv-1", Role: store.RoleUser, Content: store.StringPtr("old question")})
	require.NoError(t, err)
	_, err = h.store.AppendMessage(ctx, &store.Message{ID: "a0", ConversationID: "conv-1", Role: store.RoleAssistant, ToolCalls: []store.ToolCall{search("call_old", "x")}})
	require.NoError(t, err)

	_, err = h.svc.SubmitUserMessage(t.Context(), "conv-1", "new question")
	require.NoError(t, err)

	sent := h.model.requests[0].Messages
	require.Len(t, sent, 4)
	assert.Equal(t, store.RoleTool, sent[2].Role)
	assert.Equal(t, "call_old", *sent[2].ToolCallID)
	assert.Equal(t, "new question", sent[3].Text())

	// Stored history is not rewritten
	msgs := h.messages(t)
	require.Len(t, msgs, 4)
	assert.Equal(t, store.RoleUser, msgs[2].Role)
}

func TestPendingCalls_RejectsOrphans(t *testing.T) {
	p := newPendingCalls([]store.ToolCall{{ID: "a"}, {ID: "b"}})

	require.NoError(t, p.answer("a"))
	assert.ErrorIs(t, p.answer("a"), ErrOrphanToolResult, "answering twice is an orphan")
	assert.ErrorIs(t, p.answer("zzz"), ErrOrphanToolResult)
	require.NoError(t, p.answer("b"))
}

func TestHealTranscript(t *testing.T) {
	msgs := []*store.Message{
		{Role: store.RoleUser, Content: store.StringPtr("q")},
		{Role: store.RoleAssistant, ToolCalls: []store.ToolCall{{ID: "1"}, {ID: "2"}}},
		{Role: store.RoleTool, ToolCallID: store.StringPtr("1"), Content: store.StringPtr("r1")},
		{Role: store.RoleUser, Content: store.StringPtr("q2")},
	}

	out, healed := healTranscript(msgs)
	assert.Equal(t, 1, healed)
	require.Len(t, out, 5)
	assert.Equal(t, "1", *out[2].ToolCallID)
	assert.Equal(t, "2", *out[3].ToolCallID)
	assert.Equal(t, store.RoleTool, out[3].Role)
	assert.Equal(t, "q2", out[4].Text())

	clean, healed := healTranscript(out)
	assert.Equal(t, 0, healed)
	assert.Len(t, clean, 5)
}

func TestTurnError_MatchesExactlyOneKind(t *testing.T) {
	sentinels := map[ErrorKind]error{
		KindUpstream:     ErrUpstream,
		KindLoopExceeded: ErrLoopExceeded,
		KindCanceled:     ErrCanceled,
		KindInternal:     ErrInternal,
		KindNotFound:     ErrNotFound,
	}
	for kind, sentinel := range sentinels {
		err := error(newTurnError(kind, "reason", errors.New("cause")))
		for other, otherSentinel := range sentinels {
			if other == kind {
				assert.ErrorIs(t, err, sentinel)
			} else {
				assert.NotErrorIs(t, err, otherSentinel)
			}
		}
	}
}
