package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ThinkInAIXYZ/deepchat-sub009/agentloop"
	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
	"github.com/ThinkInAIXYZ/deepchat-sub009/streamsched"
	"github.com/ThinkInAIXYZ/deepchat-sub009/tooling"
)

// localSession is the conversation state of one in-process session.
type localSession struct {
	agentID   string
	workdir   string
	model     string
	createdAt time.Time
	messages  []modelkit.Message
}

// LocalAdapter hosts sessions on the in-process agent loop. Conversation
// history lives in memory and is fed back to the engine on every turn.
type LocalAdapter struct {
	engine   *agentloop.Engine
	emit     func(ev chatevent.Event)
	model    string
	system   string
	log      *slog.Logger
	mu       sync.Mutex
	sessions map[string]*localSession
}

// LocalOption configures a LocalAdapter.
type LocalOption func(*LocalAdapter)

// WithDefaultModel sets the model new sessions start on.
func WithDefaultModel(model string) LocalOption {
	return func(a *LocalAdapter) { a.model = model }
}

// WithSystemPrompt sets the system prompt for every turn.
func WithSystemPrompt(system string) LocalOption {
	return func(a *LocalAdapter) { a.system = system }
}

// WithLocalLogger installs a logger.
func WithLocalLogger(log *slog.Logger) LocalOption {
	return func(a *LocalAdapter) {
		if log != nil {
			a.log = log
		}
	}
}

// NewLocalAdapter builds the adapter and its engine. Events flow through
// emit; engineOpts are passed to the underlying engine.
func NewLocalAdapter(provider modelkit.Provider, gateway *tooling.Gateway, negotiator *permission.Negotiator, scheduler *streamsched.Scheduler, emit func(ev chatevent.Event), opts []LocalOption, engineOpts ...agentloop.Option) *LocalAdapter {
	a := &LocalAdapter{
		emit:     emit,
		log:      slog.New(slog.DiscardHandler),
		sessions: make(map[string]*localSession),
	}
	for _, opt := range opts {
		opt(a)
	}

	engineOpts = append(engineOpts, agentloop.WithCompletionFunc(a.completeTurn))
	a.engine = agentloop.New(provider, gateway, negotiator, scheduler, agentloop.EmitFunc(emit), engineOpts...)
	return a
}

// Engine exposes the underlying loop engine.
func (a *LocalAdapter) Engine() *agentloop.Engine { return a.engine }

// NewSession opens an in-memory session.
func (a *LocalAdapter) NewSession(_ context.Context, agentID, workdir string) (string, error) {
	sessionID := uuid.NewString()
	sess := &localSession{
		agentID:   agentID,
		workdir:   workdir,
		model:     a.model,
		createdAt: time.Now(),
	}

	a.mu.Lock()
	a.sessions[sessionID] = sess
	a.mu.Unlock()

	a.log.Info("local session created", "session", sessionID, "agent", agentID, "workdir", workdir)
	a.emit(chatevent.SessionReadyEvent{
		SessionID: sessionID,
		AgentID:   agentID,
		Workdir:   workdir,
		Models:    []string{a.model},
		CreatedAt: sess.createdAt,
	})
	return sessionID, nil
}

// LoadSession returns the live session when it is still in memory and
// silently falls back to a fresh one otherwise.
func (a *LocalAdapter) LoadSession(ctx context.Context, agentID, workdir, sessionID string) (string, error) {
	a.mu.Lock()
	_, ok := a.sessions[sessionID]
	a.mu.Unlock()
	if ok {
		return sessionID, nil
	}
	return a.NewSession(ctx, agentID, workdir)
}

// Prompt appends the user turn to the session history and starts the loop.
func (a *LocalAdapter) Prompt(ctx context.Context, sessionID, text string) (string, error) {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		return "", &UnknownSessionError{SessionID: sessionID}
	}
	sess.messages = append(sess.messages, modelkit.Message{
		Role:    modelkit.RoleUser,
		Content: text,
	})
	messages := append([]modelkit.Message(nil), sess.messages...)
	model := sess.model
	a.mu.Unlock()

	messageID, err := a.engine.Start(ctx, sessionID, messages, agentloop.StartOptions{
		Model:  model,
		System: a.system,
	})
	if err != nil {
		return "", err
	}
	a.emit(chatevent.StatusChangedEvent{SessionID: sessionID, Status: chatevent.SessionStatusActive})
	return messageID, nil
}

// completeTurn persists the turn's final context as the session history.
func (a *LocalAdapter) completeTurn(sessionID, _ string, messages []modelkit.Message, _ chatevent.StopReason) {
	a.mu.Lock()
	if sess, ok := a.sessions[sessionID]; ok {
		sess.messages = append([]modelkit.Message(nil), messages...)
	}
	a.mu.Unlock()
	a.emit(chatevent.StatusChangedEvent{SessionID: sessionID, Status: chatevent.SessionStatusIdle})
}

// Cancel aborts the in-flight turn.
func (a *LocalAdapter) Cancel(sessionID string) error {
	return a.engine.Cancel(sessionID)
}

// SetMode is not a concept of the in-process backend.
func (a *LocalAdapter) SetMode(context.Context, string, string) error {
	return ErrUnsupported
}

// SetModel switches the session's model starting with the next turn.
func (a *LocalAdapter) SetModel(_ context.Context, sessionID, modelID string) error {
	a.mu.Lock()
	sess, ok := a.sessions[sessionID]
	if ok {
		sess.model = modelID
	}
	a.mu.Unlock()
	if !ok {
		return &UnknownSessionError{SessionID: sessionID}
	}
	a.emit(chatevent.SessionUpdatedEvent{SessionID: sessionID, ModelID: modelID})
	return nil
}

// Grant approves a pending tool call.
func (a *LocalAdapter) Grant(sessionID, toolCallID string, typ permission.Type, serverName string) error {
	return a.engine.Grant(sessionID, toolCallID, typ, serverName)
}

// Deny rejects a pending tool call.
func (a *LocalAdapter) Deny(sessionID, toolCallID string, typ permission.Type, serverName string) error {
	return a.engine.Deny(sessionID, toolCallID, typ, serverName)
}

// PermissionTimeout handles a negotiator expiry for a hosted session.
func (a *LocalAdapter) PermissionTimeout(sessionID string, pending permission.Pending) {
	a.engine.PermissionTimeout(sessionID, pending)
}

// CloseSession drops the session and aborts any in-flight turn.
func (a *LocalAdapter) CloseSession(sessionID string) error {
	a.mu.Lock()
	_, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return &UnknownSessionError{SessionID: sessionID}
	}
	if err := a.engine.Cancel(sessionID); err != nil && !errors.Is(err, agentloop.ErrNoGeneration) {
		return err
	}
	return nil
}

// Close aborts every in-flight turn and drops all sessions.
func (a *LocalAdapter) Close() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.sessions))
	for id := range a.sessions {
		ids = append(ids, id)
	}
	a.sessions = make(map[string]*localSession)
	a.mu.Unlock()

	for _, id := range ids {
		_ = a.engine.Cancel(id)
	}
}
