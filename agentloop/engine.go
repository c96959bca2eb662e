// Package agentloop drives the turn-by-turn state machine of a
// tool-using conversation: it streams model output, executes tool calls
// through the gateway, pauses on permission prompts, and funnels every
// terminal outcome through one finalize path.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
	"github.com/ThinkInAIXYZ/deepchat-sub009/streamsched"
	"github.com/ThinkInAIXYZ/deepchat-sub009/tooling"
)

// DefaultMaxToolCalls is the per-turn tool call ceiling.
const DefaultMaxToolCalls = 25

// Sentinel engine errors.
var (
	ErrGenerationActive = errors.New("agentloop: session already has an active generation")
	ErrNoGeneration     = errors.New("agentloop: no active generation for session")
)

// EmitFunc delivers canonical events downstream in production order.
type EmitFunc func(ev chatevent.Event)

// CompletionFunc receives the final conversation context of a turn,
// including tool exchanges, right after the terminal event.
type CompletionFunc func(sessionID, messageID string, messages []modelkit.Message, stop chatevent.StopReason)

// Engine owns every in-flight generation. One active generation per
// session at a time.
type Engine struct {
	provider   modelkit.Provider
	gateway    *tooling.Gateway
	negotiator *permission.Negotiator
	scheduler  *streamsched.Scheduler
	emit       EmitFunc

	maxToolCalls int
	onComplete   CompletionFunc
	log          *slog.Logger

	mu         sync.Mutex
	generating map[string]*GeneratingState
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxToolCalls overrides the per-turn tool call ceiling.
func WithMaxToolCalls(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxToolCalls = n
		}
	}
}

// WithCompletionFunc installs a hook that receives the turn's final
// message context. Callers use it to persist conversation history.
func WithCompletionFunc(fn CompletionFunc) Option {
	return func(e *Engine) { e.onComplete = fn }
}

// WithLogger installs a logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// New wires an engine. The scheduler must emit through the same emit
// function so deltas and terminal events stay ordered.
func New(provider modelkit.Provider, gateway *tooling.Gateway, negotiator *permission.Negotiator, scheduler *streamsched.Scheduler, emit EmitFunc, opts ...Option) *Engine {
	e := &Engine{
		provider:     provider,
		gateway:      gateway,
		negotiator:   negotiator,
		scheduler:    scheduler,
		emit:         emit,
		maxToolCalls: DefaultMaxToolCalls,
		log:          slog.New(slog.DiscardHandler),
		generating:   make(map[string]*GeneratingState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StartOptions configures one turn.
type StartOptions struct {
	Model  string
	System string
}

// Start begins a turn for a session and returns its message id. The loop
// runs in its own goroutine; progress is reported through the emitter.
func (e *Engine) Start(ctx context.Context, sessionID string, messages []modelkit.Message, opts StartOptions) (string, error) {
	e.mu.Lock()
	if _, ok := e.generating[sessionID]; ok {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrGenerationActive, sessionID)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &GeneratingState{
		SessionID: sessionID,
		MessageID: uuid.NewString(),
		State:     StateStreaming,
		StartTime: time.Now(),
		messages:  append([]modelkit.Message(nil), messages...),
		model:     opts.Model,
		system:    opts.System,
		ctx:       loopCtx,
		cancel:    cancel,
	}
	e.generating[sessionID] = st
	e.mu.Unlock()

	e.log.Debug("turn started",
		"session", sessionID,
		"message", st.MessageID,
		"model", opts.Model)

	go e.run(loopCtx, st)
	return st.MessageID, nil
}

// Cancel aborts a session's in-flight generation. Tool executions already
// started are not killed, but their results are discarded.
func (e *Engine) Cancel(sessionID string) error {
	e.mu.Lock()
	st, ok := e.generating[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoGeneration, sessionID)
	}
	st.cancel()
	// A turn paused on permission has no stream to interrupt; finalize it
	// directly.
	e.mu.Lock()
	paused := st.State == StateAwaitingPermission
	e.mu.Unlock()
	if paused {
		e.negotiator.DropSession(sessionID)
		e.finalize(st, chatevent.StopCancelled, nil, false)
	}
	return nil
}

// Generating reports the live state for a session, if any.
func (e *Engine) Generating(sessionID string) (*GeneratingState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.generating[sessionID]
	return st, ok
}

// finalize is the single terminal path: flush buffered deltas exactly
// once, emit MESSAGE_END, destroy the generating state.
func (e *Engine) finalize(st *GeneratingState, stop chatevent.StopReason, err error, needContinue bool) {
	e.mu.Lock()
	if _, ok := e.generating[st.SessionID]; !ok {
		// Already finalized (cancel racing the loop's own terminal path).
		e.mu.Unlock()
		return
	}
	delete(e.generating, st.SessionID)
	st.State = StateDone
	e.mu.Unlock()

	e.scheduler.Finish(st.SessionID, st.MessageID)
	e.flushBlocks(st)
	e.emit(chatevent.MessageEndEvent{
		SessionID:    st.SessionID,
		MessageID:    st.MessageID,
		StopReason:   stop,
		Usage:        st.Usage,
		Error:        err,
		NeedContinue: needContinue,
	})

	if e.onComplete != nil {
		e.onComplete(st.SessionID, st.MessageID, st.messages, stop)
	}

	e.log.Debug("turn finalized",
		"session", st.SessionID,
		"message", st.MessageID,
		"stop", string(stop),
		"tool_calls", st.ToolCallCount,
		"error", err)
}

// flushBlocks emits the completed content blocks of the turn.
func (e *Engine) flushBlocks(st *GeneratingState) {
	for _, block := range st.Blocks {
		e.emit(chatevent.MessageBlockEvent{
			SessionID: st.SessionID,
			MessageID: st.MessageID,
			Block:     block,
		})
	}
	st.Blocks = nil
}
