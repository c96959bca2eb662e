package acpsess

import (
	"sync"
	"time"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/protocol"
)

// SessionRecord is the in-memory record of one agent session. The workdir
// is fixed at creation and never changes for the session's lifetime.
type SessionRecord struct {
	SessionID string
	AgentID   string
	Workdir   string
	CreatedAt time.Time

	mu            sync.RWMutex
	status        chatevent.SessionStatus
	modes         []protocol.SessionModeState
	models        []protocol.SessionModel
	commands      []protocol.AvailableCommand
	currentModeID string

	// turnID is the message ID of the in-flight prompt, empty when idle.
	turnID string

	conn *conn
}

func newSessionRecord(sessionID, agentID, workdir string, c *conn) *SessionRecord {
	return &SessionRecord{
		SessionID: sessionID,
		AgentID:   agentID,
		Workdir:   workdir,
		CreatedAt: time.Now(),
		status:    chatevent.SessionStatusIdle,
		conn:      c,
	}
}

// Status returns the current session status.
func (r *SessionRecord) Status() chatevent.SessionStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// CurrentModeID returns the active mode, if the agent reported one.
func (r *SessionRecord) CurrentModeID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentModeID
}

// Modes returns the modes the agent advertised for this session.
func (r *SessionRecord) Modes() []protocol.SessionModeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]protocol.SessionModeState(nil), r.modes...)
}

// Models returns the models the agent advertised for this session.
func (r *SessionRecord) Models() []protocol.SessionModel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]protocol.SessionModel(nil), r.models...)
}

// Commands returns the slash commands the agent advertised.
func (r *SessionRecord) Commands() []protocol.AvailableCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]protocol.AvailableCommand(nil), r.commands...)
}

func (r *SessionRecord) setModeState(modes []protocol.SessionModeState, models []protocol.SessionModel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes = modes
	r.models = models
	for _, m := range modes {
		if m.IsCurrent {
			r.currentModeID = m.ID
		}
	}
}

func (r *SessionRecord) setCurrentMode(modeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.currentModeID = modeID
}

func (r *SessionRecord) setCommands(cmds []protocol.AvailableCommand) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = cmds
}

// beginTurn marks a prompt in flight and returns false if one already is.
func (r *SessionRecord) beginTurn(turnID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.turnID != "" {
		return false
	}
	r.turnID = turnID
	r.status = chatevent.SessionStatusActive
	return true
}

func (r *SessionRecord) endTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.turnID = ""
	r.status = chatevent.SessionStatusIdle
}

// currentTurn returns the in-flight message ID, or "" when idle.
func (r *SessionRecord) currentTurn() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.turnID
}

func (r *SessionRecord) modeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.modes))
	for _, m := range r.modes {
		ids = append(ids, m.ID)
	}
	return ids
}

func (r *SessionRecord) modelIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.models))
	for _, m := range r.models {
		ids = append(ids, m.ID)
	}
	return ids
}
