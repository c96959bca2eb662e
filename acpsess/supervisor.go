// Package acpsess supervises out-of-process agent backends. It spawns
// agent subprocesses, speaks the agent protocol over their stdio, tracks
// session records, and normalizes everything the agents emit into the
// canonical event vocabulary.
package acpsess

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
	"github.com/ThinkInAIXYZ/deepchat-sub009/protocol"
	"github.com/ThinkInAIXYZ/deepchat-sub009/streamsched"
)

// EmitFunc delivers one canonical event to the consumer surface.
type EmitFunc func(ev chatevent.Event)

// connKey identifies one shared connection. Sessions created for the same
// agent in the same workdir reuse a single subprocess.
type connKey struct {
	agentID string
	workdir string
}

// permDecision is one resolved permission request.
type permDecision struct {
	reason  string
	granted bool
}

// Supervisor owns agent subprocess connections and the sessions running
// over them.
type Supervisor struct {
	agents      map[string]AgentConfig
	conns       map[connKey]*conn
	sessions    map[string]*SessionRecord
	permWaiters map[string]chan permDecision
	neg         *permission.Negotiator
	sched       *streamsched.Scheduler
	emit        EmitFunc
	log         *slog.Logger
	permTimeout time.Duration
	mu          sync.RWMutex
}

// New builds a Supervisor. The negotiator and scheduler are shared with
// the rest of the system so permission and delta semantics are uniform
// across backends.
func New(neg *permission.Negotiator, sched *streamsched.Scheduler, emit EmitFunc, opts ...Option) *Supervisor {
	s := &Supervisor{
		agents:      make(map[string]AgentConfig),
		conns:       make(map[connKey]*conn),
		sessions:    make(map[string]*SessionRecord),
		permWaiters: make(map[string]chan permDecision),
		neg:         neg,
		sched:       sched,
		emit:        emit,
		log:         slog.New(slog.DiscardHandler),
		permTimeout: permission.DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterAgent makes an agent binary available for sessions.
func (s *Supervisor) RegisterAgent(cfg AgentConfig) {
	cfg.applyDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[cfg.ID] = cfg
}

// AgentIDs returns the registered agent IDs.
func (s *Supervisor) AgentIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	return ids
}

// Session returns the record for a session ID.
func (s *Supervisor) Session(sessionID string) (*SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	return rec, ok
}

// Owns reports whether this supervisor hosts the session.
func (s *Supervisor) Owns(sessionID string) bool {
	_, ok := s.Session(sessionID)
	return ok
}

// connFor returns the shared connection for (agentID, workdir), spawning
// the subprocess on first use.
func (s *Supervisor) connFor(ctx context.Context, agentID, workdir string) (*conn, error) {
	key := connKey{agentID: agentID, workdir: workdir}

	s.mu.Lock()
	if c, ok := s.conns[key]; ok {
		s.mu.Unlock()
		return c, nil
	}
	cfg, ok := s.agents[agentID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrUnknownAgent
	}
	c := newConn(s, agentID, workdir, s.log)
	s.conns[key] = c
	s.mu.Unlock()

	if err := c.start(ctx, cfg); err != nil {
		s.mu.Lock()
		delete(s.conns, key)
		s.mu.Unlock()
		return nil, err
	}
	return c, nil
}

// NewSession creates a session on the given agent rooted at workdir.
func (s *Supervisor) NewSession(ctx context.Context, agentID, workdir string, mcpServers []protocol.McpServerConfig) (*SessionRecord, error) {
	c, err := s.connFor(ctx, agentID, workdir)
	if err != nil {
		return nil, err
	}

	if mcpServers == nil {
		mcpServers = []protocol.McpServerConfig{}
	}
	params := protocol.NewSessionRequest{CWD: workdir, McpServers: mcpServers}

	var resp protocol.NewSessionResponse
	if err := c.call(ctx, protocol.MethodSessionNew, params, &resp); err != nil {
		return nil, err
	}

	rec := newSessionRecord(resp.SessionID, agentID, workdir, c)
	rec.setModeState(resp.Modes, resp.Models)

	s.mu.Lock()
	s.sessions[resp.SessionID] = rec
	s.mu.Unlock()

	s.log.Info("session created", "session", resp.SessionID, "agent", agentID, "workdir", workdir)
	s.emit(chatevent.SessionReadyEvent{
		SessionID: rec.SessionID,
		AgentID:   agentID,
		Workdir:   workdir,
		Models:    rec.modelIDs(),
		Modes:     rec.modeIDs(),
		CreatedAt: rec.CreatedAt,
	})
	return rec, nil
}

// LoadSession replays a persisted session. When the agent cannot load it
// (no capability, unknown ID, replay failure) a fresh session is created
// instead; callers always get a working session.
func (s *Supervisor) LoadSession(ctx context.Context, agentID, workdir, sessionID string, mcpServers []protocol.McpServerConfig) (*SessionRecord, error) {
	c, err := s.connFor(ctx, agentID, workdir)
	if err != nil {
		return nil, err
	}

	if !c.supportsLoad() {
		return s.NewSession(ctx, agentID, workdir, mcpServers)
	}

	if mcpServers == nil {
		mcpServers = []protocol.McpServerConfig{}
	}
	params := protocol.LoadSessionRequest{SessionID: sessionID, CWD: workdir, McpServers: mcpServers}

	var resp protocol.LoadSessionResponse
	if err := c.call(ctx, protocol.MethodSessionLoad, params, &resp); err != nil {
		s.log.Warn("session load failed, creating fresh session",
			"session", sessionID, "agent", agentID, "error", err)
		return s.NewSession(ctx, agentID, workdir, mcpServers)
	}

	rec := newSessionRecord(sessionID, agentID, workdir, c)
	rec.setModeState(resp.Modes, resp.Models)

	s.mu.Lock()
	s.sessions[sessionID] = rec
	s.mu.Unlock()

	s.log.Info("session loaded", "session", sessionID, "agent", agentID, "workdir", workdir)
	s.emit(chatevent.SessionReadyEvent{
		SessionID: rec.SessionID,
		AgentID:   agentID,
		Workdir:   workdir,
		Models:    rec.modelIDs(),
		Modes:     rec.modeIDs(),
		CreatedAt: rec.CreatedAt,
	})
	return rec, nil
}

// Prompt submits one user turn. It returns the message ID immediately;
// streamed output and the terminal MessageEnd arrive as canonical events.
func (s *Supervisor) Prompt(ctx context.Context, sessionID, text string) (string, error) {
	rec, ok := s.Session(sessionID)
	if !ok {
		return "", ErrSessionNotFound
	}

	messageID := uuid.NewString()
	if !rec.beginTurn(messageID) {
		return "", ErrSessionBusy
	}
	s.emit(chatevent.StatusChangedEvent{SessionID: sessionID, Status: chatevent.SessionStatusActive})

	go s.runPrompt(ctx, rec, messageID, text)
	return messageID, nil
}

func (s *Supervisor) runPrompt(ctx context.Context, rec *SessionRecord, messageID, text string) {
	params := protocol.PromptRequest{
		SessionID: rec.SessionID,
		Prompt:    []protocol.ContentBlock{protocol.TextBlock(text)},
	}

	var resp protocol.PromptResponse
	err := rec.conn.call(ctx, protocol.MethodSessionPrompt, params, &resp)

	rec.endTurn()

	// Buffered deltas flush exactly once before the terminal event.
	s.sched.Finish(rec.SessionID, messageID)

	end := chatevent.MessageEndEvent{
		SessionID: rec.SessionID,
		MessageID: messageID,
	}
	if err != nil {
		end.StopReason = chatevent.StopError
		end.Error = err
		s.log.Warn("prompt failed", "session", rec.SessionID, "error", err)
	} else {
		end.StopReason, end.NeedContinue = mapStopReason(resp.StopReason)
	}
	s.emit(end)
	s.emit(chatevent.StatusChangedEvent{SessionID: rec.SessionID, Status: chatevent.SessionStatusIdle})
}

// Cancel aborts the in-flight prompt for a session. The agent confirms by
// finishing the prompt with a cancelled stop reason.
func (s *Supervisor) Cancel(sessionID string) error {
	rec, ok := s.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}
	return rec.conn.notify(protocol.MethodSessionCancel, protocol.CancelNotification{SessionID: sessionID})
}

// SetMode switches the session's operating mode.
func (s *Supervisor) SetMode(ctx context.Context, sessionID, modeID string) error {
	rec, ok := s.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	params := protocol.SetModeRequest{SessionID: sessionID, ModeID: modeID}
	var resp protocol.SetModeResponse
	if err := rec.conn.call(ctx, protocol.MethodSessionSetMode, params, &resp); err != nil {
		return err
	}

	rec.setCurrentMode(modeID)
	s.emit(chatevent.SessionUpdatedEvent{SessionID: sessionID, ModeID: modeID})
	return nil
}

// SetModel switches the model the session runs on.
func (s *Supervisor) SetModel(ctx context.Context, sessionID, modelID string) error {
	rec, ok := s.Session(sessionID)
	if !ok {
		return ErrSessionNotFound
	}

	params := protocol.SetModelRequest{SessionID: sessionID, ModelID: modelID}
	var resp protocol.SetModelResponse
	if err := rec.conn.call(ctx, protocol.MethodSessionSetModel, params, &resp); err != nil {
		return err
	}

	s.emit(chatevent.SessionUpdatedEvent{SessionID: sessionID, ModelID: modelID})
	return nil
}

// CloseSession drops a session record. The shared connection stays up for
// the other sessions using it.
func (s *Supervisor) CloseSession(sessionID string) error {
	s.mu.Lock()
	rec, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	if turn := rec.currentTurn(); turn != "" {
		_ = rec.conn.notify(protocol.MethodSessionCancel, protocol.CancelNotification{SessionID: sessionID})
		// The session is gone; buffered partial output must not reach
		// subscribers after the close.
		s.sched.Drop(sessionID, turn)
	}
	s.neg.DropSession(sessionID)
	return nil
}

// Close cancels every in-flight prompt and stops every agent subprocess.
func (s *Supervisor) Close() {
	s.mu.Lock()
	sessions := make([]*SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		sessions = append(sessions, rec)
	}
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.sessions = make(map[string]*SessionRecord)
	s.conns = make(map[connKey]*conn)
	s.mu.Unlock()

	for _, rec := range sessions {
		if turn := rec.currentTurn(); turn != "" {
			_ = rec.conn.notify(protocol.MethodSessionCancel, protocol.CancelNotification{SessionID: rec.SessionID})
			s.sched.Drop(rec.SessionID, turn)
		}
		s.neg.DropSession(rec.SessionID)
	}
	for _, c := range conns {
		c.stop()
	}
	s.log.Info("supervisor closed", "sessions", len(sessions), "connections", len(conns))
}

// dispatchUpdate normalizes one session/update notification into canonical
// events. Updates for unknown sessions and malformed payloads are dropped.
func (s *Supervisor) dispatchUpdate(sessionID string, up protocol.SessionUpdate) {
	rec, ok := s.Session(sessionID)
	if !ok {
		return
	}
	messageID := rec.currentTurn()

	switch up.Type {
	case protocol.UpdateTypeAgentMessage:
		if text := updateText(up); text != "" && messageID != "" {
			s.sched.Append(sessionID, messageID, text, "")
		}

	case protocol.UpdateTypeAgentThought:
		if text := updateText(up); text != "" && messageID != "" {
			s.sched.Append(sessionID, messageID, "", text)
		}

	case protocol.UpdateTypeToolCall:
		if up.ToolCallID == "" {
			return
		}
		name := up.Title
		if name == "" {
			name = extractToolName(up.ToolCallID)
		}
		s.emit(chatevent.ToolStartEvent{
			SessionID: sessionID,
			MessageID: messageID,
			ToolID:    up.ToolCallID,
			ToolName:  name,
			Arguments: rawInputJSON(up.RawInput),
		})

	case protocol.UpdateTypeToolCallUpdate:
		if up.ToolCallID == "" {
			return
		}
		name := up.Title
		if name == "" {
			name = extractToolName(up.ToolCallID)
		}
		switch up.Status {
		case "completed", "failed":
			s.emit(chatevent.ToolEndEvent{
				SessionID: sessionID,
				MessageID: messageID,
				ToolID:    up.ToolCallID,
				ToolName:  name,
				Result:    toolResultText(up.ToolOutput),
				IsError:   up.Status == "failed",
			})
		default:
			s.emit(chatevent.ToolRunningEvent{
				SessionID: sessionID,
				ToolID:    up.ToolCallID,
				ToolName:  name,
				Progress:  up.Status,
			})
		}

	case protocol.UpdateTypePlan:
		s.emit(chatevent.SessionUpdatedEvent{
			SessionID: sessionID,
			Plan:      normalizePlan(up.Entries),
		})

	case protocol.UpdateTypeAvailableCommands:
		rec.setCommands(up.AvailableCommands)
		s.emit(chatevent.SessionUpdatedEvent{
			SessionID: sessionID,
			Commands:  commandNames(up.AvailableCommands),
		})

	case protocol.UpdateTypeCurrentMode:
		if up.CurrentModeID == "" {
			return
		}
		rec.setCurrentMode(up.CurrentModeID)
		s.emit(chatevent.SessionUpdatedEvent{
			SessionID: sessionID,
			ModeID:    up.CurrentModeID,
		})
	}
}
