package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
	"github.com/ThinkInAIXYZ/deepchat-sub009/streamsched"
	"github.com/ThinkInAIXYZ/deepchat-sub009/tooling"
)

// scriptedProvider replays pre-built event sequences, one per model
// round, and records every request it receives.
type scriptedProvider struct {
	caps modelkit.Capabilities

	mu       sync.Mutex
	rounds   [][]modelkit.Event
	requests []modelkit.Request
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Capabilities() modelkit.Capabilities { return p.caps }

func (p *scriptedProvider) Stream(_ context.Context, req modelkit.Request) (modelkit.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if len(p.rounds) == 0 {
		return nil, fmt.Errorf("scripted provider exhausted after %d rounds", len(p.requests)-1)
	}
	events := p.rounds[0]
	p.rounds = p.rounds[1:]
	return &scriptedStream{events: events}, nil
}

func (p *scriptedProvider) recordedRequests() []modelkit.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]modelkit.Request(nil), p.requests...)
}

type scriptedStream struct {
	events []modelkit.Event
	next   int
}

func (s *scriptedStream) Recv() (modelkit.Event, error) {
	if s.next >= len(s.events) {
		return modelkit.Event{}, io.EOF
	}
	ev := s.events[s.next]
	s.next++
	return ev, nil
}

func (s *scriptedStream) Close() error { return nil }

func textEv(text string) modelkit.Event {
	return modelkit.Event{Type: modelkit.EventTextDelta, Text: text}
}

func toolEv(id, name, args string) modelkit.Event {
	return modelkit.Event{Type: modelkit.EventToolCall, ToolCall: &modelkit.ToolCall{
		ID: id, Name: name, Arguments: args,
	}}
}

func stopEv(reason modelkit.StopReason) modelkit.Event {
	return modelkit.Event{Type: modelkit.EventStop, StopReason: reason}
}

// eventRecorder collects emitted events for later inspection.
type eventRecorder struct {
	mu     sync.Mutex
	events []chatevent.Event
}

func (r *eventRecorder) record(ev chatevent.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []chatevent.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]chatevent.Event(nil), r.events...)
}

func (r *eventRecorder) endEvents() []chatevent.MessageEndEvent {
	var out []chatevent.MessageEndEvent
	for _, ev := range r.snapshot() {
		if end, ok := ev.(chatevent.MessageEndEvent); ok {
			out = append(out, end)
		}
	}
	return out
}

func (r *eventRecorder) awaitEnd(t *testing.T) chatevent.MessageEndEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.endEvents()) > 0
	}, 2*time.Second, 5*time.Millisecond, "turn never reached a terminal event")
	return r.endEvents()[0]
}

func (r *eventRecorder) firstOfType(match func(chatevent.Event) bool) (chatevent.Event, bool) {
	for _, ev := range r.snapshot() {
		if match(ev) {
			return ev, true
		}
	}
	return nil, false
}

type engineFixture struct {
	engine   *Engine
	provider *scriptedProvider
	registry *tooling.Registry
	neg      *permission.Negotiator
	rec      *eventRecorder
}

func newEngineFixture(t *testing.T, provider *scriptedProvider, opts ...Option) *engineFixture {
	t.Helper()
	rec := &eventRecorder{}
	registry := tooling.NewRegistry(nil)
	gateway := tooling.NewGateway(registry, nil, nil)
	sched := streamsched.New(5*time.Millisecond, func(ev chatevent.MessageDeltaEvent) {
		rec.record(ev)
	})

	var engine *Engine
	neg := permission.NewNegotiator(
		permission.WithTimeoutFunc(func(sessionID string, pending permission.Pending) {
			engine.PermissionTimeout(sessionID, pending)
		}))
	engine = New(provider, gateway, neg, sched, rec.record, opts...)
	return &engineFixture{engine: engine, provider: provider, registry: registry, neg: neg, rec: rec}
}

func (f *engineFixture) awaitPrompts(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		count := 0
		for _, ev := range f.rec.snapshot() {
			if _, ok := ev.(chatevent.PermissionRequiredEvent); ok {
				count++
			}
		}
		return count >= n
	}, 2*time.Second, 5*time.Millisecond, "permission prompt never surfaced")
}

func (f *engineFixture) registerTool(name string, perm *tooling.PermissionSpec, result tooling.Result) {
	f.registry.Register(tooling.Definition{
		Name:       name,
		Server:     tooling.BuiltinServer,
		Permission: perm,
	}, func(context.Context, json.RawMessage) (tooling.Result, error) {
		return result, nil
	})
}

func userMessages(text string) []modelkit.Message {
	return []modelkit.Message{{Role: modelkit.RoleUser, Content: text}}
}

func TestTextOnlyTurn(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{textEv("Hello, "), textEv("world."), stopEv(modelkit.StopEndTurn)},
		},
	}
	f := newEngineFixture(t, provider)

	msgID, err := f.engine.Start(context.Background(), "sess-1", userMessages("hi"), StartOptions{Model: "m"})
	require.NoError(t, err)

	end := f.rec.awaitEnd(t)
	assert.Equal(t, "sess-1", end.SessionID)
	assert.Equal(t, msgID, end.MessageID)
	assert.Equal(t, chatevent.StopEndTurn, end.StopReason)
	assert.False(t, end.NeedContinue)
	assert.NoError(t, end.Error)

	// Accumulated deltas carry the full text and a completing delta
	// precedes the terminal event.
	events := f.rec.snapshot()
	var streamed string
	completeIdx, endIdx := -1, -1
	for i, ev := range events {
		switch e := ev.(type) {
		case chatevent.MessageDeltaEvent:
			streamed += e.Content
			if e.IsComplete {
				completeIdx = i
			}
		case chatevent.MessageEndEvent:
			endIdx = i
		}
	}
	assert.Equal(t, "Hello, world.", streamed)
	require.GreaterOrEqual(t, completeIdx, 0)
	assert.Less(t, completeIdx, endIdx, "flush must precede the terminal event")

	// The completed text lands in exactly one block.
	block, ok := f.rec.firstOfType(func(ev chatevent.Event) bool {
		_, is := ev.(chatevent.MessageBlockEvent)
		return is
	})
	require.True(t, ok)
	assert.Equal(t, "Hello, world.", block.(chatevent.MessageBlockEvent).Block.Text)

	// One turn, one terminal event.
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, f.rec.endEvents(), 1)

	_, live := f.engine.Generating("sess-1")
	assert.False(t, live)
}

func TestToolRoundTripNative(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{toolEv("call-1", "get_time", "{}"), stopEv(modelkit.StopToolUse)},
			{textEv("It is noon."), stopEv(modelkit.StopEndTurn)},
		},
	}
	f := newEngineFixture(t, provider)
	f.registerTool("get_time", nil, tooling.Result{Content: "12:00"})

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("time?"), StartOptions{})
	require.NoError(t, err)

	end := f.rec.awaitEnd(t)
	assert.Equal(t, chatevent.StopEndTurn, end.StopReason)

	// Tool lifecycle events surround the second round.
	var sawStart, sawEnd bool
	for _, ev := range f.rec.snapshot() {
		switch e := ev.(type) {
		case chatevent.ToolStartEvent:
			assert.Equal(t, "call-1", e.ToolID)
			assert.Equal(t, "get_time", e.ToolName)
			sawStart = true
		case chatevent.ToolEndEvent:
			assert.Equal(t, "12:00", e.Result)
			assert.False(t, e.IsError)
			sawEnd = true
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawEnd)

	// The second request carries the tool exchange as structured
	// messages keyed by tool call id.
	reqs := provider.recordedRequests()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, modelkit.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, modelkit.RoleTool, msgs[2].Role)
	assert.Equal(t, "call-1", msgs[2].ToolCallID)
	assert.Equal(t, "12:00", msgs[2].Content)
}

func TestToolRoundTripLegacy(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: false},
		rounds: [][]modelkit.Event{
			{toolEv("call-1", "get_time", "{}"), stopEv(modelkit.StopToolUse)},
			{textEv("It is noon."), stopEv(modelkit.StopEndTurn)},
		},
	}
	f := newEngineFixture(t, provider)
	f.registerTool("get_time", nil, tooling.Result{Content: "12:00"})

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("time?"), StartOptions{})
	require.NoError(t, err)
	f.rec.awaitEnd(t)

	// Legacy providers see the call and its result inlined in the
	// assistant text, followed by the synthetic continuation nudge.
	reqs := provider.recordedRequests()
	require.Len(t, reqs, 2)
	msgs := reqs[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, modelkit.RoleAssistant, msgs[1].Role)
	assert.Empty(t, msgs[1].ToolCalls)
	assert.Contains(t, msgs[1].Content, `<tool_call id="call-1"`)
	assert.Contains(t, msgs[1].Content, `<tool_result id="call-1"`)
	assert.Contains(t, msgs[1].Content, "12:00")
	assert.Equal(t, modelkit.RoleUser, msgs[2].Role)
	assert.Equal(t, "Continue the task using the tool results above.", msgs[2].Content)
}

func TestToolCallCeiling(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{
				toolEv("call-1", "get_time", "{}"),
				toolEv("call-2", "get_time", "{}"),
				stopEv(modelkit.StopToolUse),
			},
		},
	}
	f := newEngineFixture(t, provider, WithMaxToolCalls(1))
	f.registerTool("get_time", nil, tooling.Result{Content: "12:00"})

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("go"), StartOptions{})
	require.NoError(t, err)

	end := f.rec.awaitEnd(t)
	assert.Equal(t, chatevent.StopMaxToolCalls, end.StopReason)
	assert.True(t, end.NeedContinue)
	assert.NoError(t, end.Error, "the ceiling is informational, not an error")

	// The first call ran; the second was cut off before starting.
	var starts int
	for _, ev := range f.rec.snapshot() {
		if _, ok := ev.(chatevent.ToolStartEvent); ok {
			starts++
		}
	}
	assert.Equal(t, 1, starts)

	time.Sleep(30 * time.Millisecond)
	assert.Len(t, f.rec.endEvents(), 1, "ceiling must produce exactly one terminal event")
}

func TestPermissionGrantResumesTurn(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{toolEv("call-1", "write_file", `{"path":"/tmp/a"}`), stopEv(modelkit.StopToolUse)},
			{textEv("Written."), stopEv(modelkit.StopEndTurn)},
		},
	}
	f := newEngineFixture(t, provider)
	f.registerTool("write_file", &tooling.PermissionSpec{Type: "write"}, tooling.Result{Content: "ok"})

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("write"), StartOptions{})
	require.NoError(t, err)

	f.awaitPrompts(t, 1)

	require.NoError(t, f.engine.Grant("sess-1", "call-1", permission.TypeWrite, "builtin"))

	end := f.rec.awaitEnd(t)
	assert.Equal(t, chatevent.StopEndTurn, end.StopReason)

	var order []string
	for _, ev := range f.rec.snapshot() {
		switch ev.(type) {
		case chatevent.PermissionRequiredEvent:
			order = append(order, "required")
		case chatevent.PermissionGrantedEvent:
			order = append(order, "granted")
		case chatevent.ToolEndEvent:
			order = append(order, "tool_end")
		}
	}
	assert.Equal(t, []string{"required", "granted", "tool_end"}, order)

	// A grant consumes the pending entry; repeating it is an error.
	assert.Error(t, f.engine.Grant("sess-1", "call-1", permission.TypeWrite, "builtin"))
}

func TestPermissionGrantRequiresExactMatch(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{toolEv("call-1", "write_file", `{}`), stopEv(modelkit.StopToolUse)},
		},
	}
	f := newEngineFixture(t, provider)
	f.registerTool("write_file", &tooling.PermissionSpec{Type: "write"}, tooling.Result{Content: "ok"})

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("write"), StartOptions{})
	require.NoError(t, err)

	f.awaitPrompts(t, 1)

	// Wrong call id, wrong type, wrong server: none resolve.
	assert.Error(t, f.engine.Grant("sess-1", "call-2", permission.TypeWrite, "builtin"))
	assert.Error(t, f.engine.Grant("sess-1", "call-1", permission.TypeRead, "builtin"))
	assert.Error(t, f.engine.Grant("sess-1", "call-1", permission.TypeWrite, "other"))

	// Mismatched grants must not resume the turn.
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.rec.endEvents())
	require.Len(t, f.neg.Pending("sess-1"), 1)

	require.NoError(t, f.engine.Cancel("sess-1"))
	f.rec.awaitEnd(t)
}

func TestPermissionDenyInjectsError(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{toolEv("call-1", "write_file", `{}`), stopEv(modelkit.StopToolUse)},
			{textEv("Understood."), stopEv(modelkit.StopEndTurn)},
		},
	}
	f := newEngineFixture(t, provider)
	f.registerTool("write_file", &tooling.PermissionSpec{Type: "write"}, tooling.Result{Content: "ok"})

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("write"), StartOptions{})
	require.NoError(t, err)

	f.awaitPrompts(t, 1)

	require.NoError(t, f.engine.Deny("sess-1", "call-1", permission.TypeWrite, "builtin"))

	end := f.rec.awaitEnd(t)
	assert.Equal(t, chatevent.StopEndTurn, end.StopReason)

	// The model saw the denial as an error tool result and kept going.
	reqs := provider.recordedRequests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	assert.Equal(t, modelkit.RoleTool, last.Role)
	assert.True(t, last.IsError)
	assert.Contains(t, last.Content, "denied")

	toolEnd, ok := f.rec.firstOfType(func(ev chatevent.Event) bool {
		_, is := ev.(chatevent.ToolEndEvent)
		return is
	})
	require.True(t, ok)
	assert.True(t, toolEnd.(chatevent.ToolEndEvent).IsError)
}

func TestPermissionTimeoutDenies(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{toolEv("call-1", "write_file", `{}`), stopEv(modelkit.StopToolUse)},
			{textEv("Giving up."), stopEv(modelkit.StopEndTurn)},
		},
	}
	rec := &eventRecorder{}
	registry := tooling.NewRegistry(nil)
	gateway := tooling.NewGateway(registry, nil, nil)
	sched := streamsched.New(5*time.Millisecond, func(ev chatevent.MessageDeltaEvent) { rec.record(ev) })

	var engine *Engine
	neg := permission.NewNegotiator(
		permission.WithTimeout(20*time.Millisecond),
		permission.WithTimeoutFunc(func(sessionID string, pending permission.Pending) {
			engine.PermissionTimeout(sessionID, pending)
		}))
	engine = New(provider, gateway, neg, sched, rec.record)
	registry.Register(tooling.Definition{
		Name:       "write_file",
		Server:     tooling.BuiltinServer,
		Permission: &tooling.PermissionSpec{Type: "write"},
	}, func(context.Context, json.RawMessage) (tooling.Result, error) {
		return tooling.Result{Content: "ok"}, nil
	})

	_, err := engine.Start(context.Background(), "sess-1", userMessages("write"), StartOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.endEvents()) > 0
	}, 2*time.Second, 5*time.Millisecond)

	denied, ok := rec.firstOfType(func(ev chatevent.Event) bool {
		_, is := ev.(chatevent.PermissionDeniedEvent)
		return is
	})
	require.True(t, ok)
	assert.Equal(t, "timeout", denied.(chatevent.PermissionDeniedEvent).Reason)
	assert.Equal(t, chatevent.StopEndTurn, rec.endEvents()[0].StopReason)
}

func TestMixedBatchWaitsForAllDecisions(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{
				toolEv("call-1", "get_time", "{}"),
				toolEv("call-2", "write_file", `{}`),
				toolEv("call-3", "delete_file", `{}`),
				stopEv(modelkit.StopToolUse),
			},
			{textEv("Done."), stopEv(modelkit.StopEndTurn)},
		},
	}
	f := newEngineFixture(t, provider)
	f.registerTool("get_time", nil, tooling.Result{Content: "12:00"})
	f.registerTool("write_file", &tooling.PermissionSpec{Type: "write"}, tooling.Result{Content: "wrote"})
	f.registerTool("delete_file", &tooling.PermissionSpec{Type: "write"}, tooling.Result{Content: "deleted"})

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("go"), StartOptions{})
	require.NoError(t, err)

	prompts := func() int {
		n := 0
		for _, ev := range f.rec.snapshot() {
			if _, ok := ev.(chatevent.PermissionRequiredEvent); ok {
				n++
			}
		}
		return n
	}
	require.Eventually(t, func() bool { return prompts() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Decided calls run as verdicts arrive, but the turn does not move
	// on while any prompt in the batch is still open.
	require.NoError(t, f.engine.Grant("sess-1", "call-2", permission.TypeWrite, "builtin"))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.rec.endEvents())

	require.NoError(t, f.engine.Grant("sess-1", "call-3", permission.TypeWrite, "builtin"))
	end := f.rec.awaitEnd(t)
	assert.Equal(t, chatevent.StopEndTurn, end.StopReason)

	// All three calls executed, in stream order.
	var executed []string
	for _, ev := range f.rec.snapshot() {
		if e, ok := ev.(chatevent.ToolEndEvent); ok {
			executed = append(executed, e.ToolID)
		}
	}
	assert.Equal(t, []string{"call-1", "call-2", "call-3"}, executed)
}

func TestQuestionToolEndsTurn(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{
				textEv("I need to know something."),
				toolEv("call-1", tooling.QuestionToolName, `{"question":"Which branch?"}`),
				stopEv(modelkit.StopToolUse),
			},
		},
	}
	f := newEngineFixture(t, provider)

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("deploy"), StartOptions{})
	require.NoError(t, err)

	end := f.rec.awaitEnd(t)
	assert.Equal(t, chatevent.StopEndTurn, end.StopReason)

	// The question surfaces for the UI but never executes as a tool.
	start, ok := f.rec.firstOfType(func(ev chatevent.Event) bool {
		_, is := ev.(chatevent.ToolStartEvent)
		return is
	})
	require.True(t, ok)
	assert.Equal(t, tooling.QuestionToolName, start.(chatevent.ToolStartEvent).ToolName)
	assert.Len(t, provider.recordedRequests(), 1)
}

func TestQuestionToolRejectedWhenNotSole(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{
				toolEv("call-1", tooling.QuestionToolName, `{"question":"Which?"}`),
				toolEv("call-2", "get_time", "{}"),
				stopEv(modelkit.StopToolUse),
			},
		},
	}
	f := newEngineFixture(t, provider)
	f.registerTool("get_time", nil, tooling.Result{Content: "12:00"})

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("go"), StartOptions{})
	require.NoError(t, err)

	end := f.rec.awaitEnd(t)
	assert.Equal(t, chatevent.StopEndTurn, end.StopReason)
	assert.NoError(t, end.Error)

	// The misuse becomes an error result; no call in the round executes.
	toolEnd, ok := f.rec.firstOfType(func(ev chatevent.Event) bool {
		_, is := ev.(chatevent.ToolEndEvent)
		return is
	})
	require.True(t, ok)
	assert.True(t, toolEnd.(chatevent.ToolEndEvent).IsError)
	_, sawStart := f.rec.firstOfType(func(ev chatevent.Event) bool {
		_, is := ev.(chatevent.ToolStartEvent)
		return is
	})
	assert.False(t, sawStart)
}

func TestStartRejectsActiveSession(t *testing.T) {
	pausingRound := []modelkit.Event{
		toolEv("call-1", "write_file", `{}`), stopEv(modelkit.StopToolUse),
	}
	provider := &scriptedProvider{
		caps:   modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{pausingRound, pausingRound},
	}
	f := newEngineFixture(t, provider)
	f.registerTool("write_file", &tooling.PermissionSpec{Type: "write"}, tooling.Result{Content: "ok"})

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("a"), StartOptions{})
	require.NoError(t, err)

	_, err = f.engine.Start(context.Background(), "sess-1", userMessages("b"), StartOptions{})
	assert.ErrorIs(t, err, ErrGenerationActive)

	// A different session is unaffected by the first one's turn.
	_, err = f.engine.Start(context.Background(), "sess-2", userMessages("c"), StartOptions{})
	require.NoError(t, err)

	require.NoError(t, f.engine.Cancel("sess-1"))
	require.NoError(t, f.engine.Cancel("sess-2"))
}

func TestCancelWhileAwaitingPermission(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{toolEv("call-1", "write_file", `{}`), stopEv(modelkit.StopToolUse)},
		},
	}
	f := newEngineFixture(t, provider)
	f.registerTool("write_file", &tooling.PermissionSpec{Type: "write"}, tooling.Result{Content: "ok"})

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("write"), StartOptions{})
	require.NoError(t, err)

	f.awaitPrompts(t, 1)

	require.NoError(t, f.engine.Cancel("sess-1"))

	end := f.rec.awaitEnd(t)
	assert.Equal(t, chatevent.StopCancelled, end.StopReason)

	// The pending prompt died with the turn.
	assert.Empty(t, f.neg.Pending("sess-1"))
	assert.ErrorIs(t, f.engine.Cancel("sess-1"), ErrNoGeneration)
}

func TestStreamErrorEndsTurn(t *testing.T) {
	provider := &scriptedProvider{
		caps:   modelkit.Capabilities{NativeToolResults: true},
		rounds: nil, // first Stream call fails
	}
	f := newEngineFixture(t, provider)

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("hi"), StartOptions{})
	require.NoError(t, err)

	end := f.rec.awaitEnd(t)
	assert.Equal(t, chatevent.StopError, end.StopReason)
	assert.Error(t, end.Error)
}

func TestCompletionHookReceivesFinalContext(t *testing.T) {
	provider := &scriptedProvider{
		caps: modelkit.Capabilities{NativeToolResults: true},
		rounds: [][]modelkit.Event{
			{toolEv("call-1", "get_time", "{}"), stopEv(modelkit.StopToolUse)},
			{textEv("It is noon."), stopEv(modelkit.StopEndTurn)},
		},
	}

	type completion struct {
		sessionID string
		messages  []modelkit.Message
		stop      chatevent.StopReason
	}
	var mu sync.Mutex
	var got []completion

	f := newEngineFixture(t, provider, WithCompletionFunc(
		func(sessionID, messageID string, messages []modelkit.Message, stop chatevent.StopReason) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, completion{sessionID, messages, stop})
		}))
	f.registerTool("get_time", nil, tooling.Result{Content: "12:00"})

	_, err := f.engine.Start(context.Background(), "sess-1", userMessages("time?"), StartOptions{})
	require.NoError(t, err)
	f.rec.awaitEnd(t)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "sess-1", got[0].sessionID)
	assert.Equal(t, chatevent.StopEndTurn, got[0].stop)
	// user, assistant+call, tool result, final assistant
	require.Len(t, got[0].messages, 4)
	assert.Equal(t, modelkit.RoleTool, got[0].messages[2].Role)
}
