package acpsess

import (
	"time"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
	"github.com/ThinkInAIXYZ/deepchat-sub009/protocol"
)

func waiterKey(sessionID, toolCallID string) string {
	return sessionID + "\x00" + toolCallID
}

// requestPermission bridges an agent's session/request_permission into the
// shared negotiator. It blocks until the user decides or the timeout hits,
// then answers the agent with the matching option.
func (s *Supervisor) requestPermission(req protocol.RequestPermissionRequest) *protocol.RequestPermissionResponse {
	rec, ok := s.Session(req.SessionID)
	if !ok {
		return cancelledOutcome()
	}

	messageID := rec.currentTurn()
	toolCallID := req.ToolCall.ToolCallID
	toolName := req.ToolCall.Title
	if toolName == "" {
		toolName = extractToolName(toolCallID)
	}

	permType := permission.Type(permissionTypeForKind(req.ToolCall.Kind))
	paths := make([]string, 0, len(req.ToolCall.Locations))
	for _, loc := range req.ToolCall.Locations {
		paths = append(paths, loc.Path)
	}
	command := ""
	if v, ok := req.ToolCall.RawInput["command"].(string); ok {
		command = v
	}

	preq := permission.Request{
		ToolCallID:  toolCallID,
		ToolName:    toolName,
		ServerName:  rec.AgentID,
		Type:        permType,
		Description: req.ToolCall.Title,
		Paths:       paths,
		Command:     command,
	}

	ch := make(chan permDecision, 1)
	key := waiterKey(req.SessionID, toolCallID)
	s.mu.Lock()
	s.permWaiters[key] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.permWaiters, key)
		s.mu.Unlock()
	}()

	s.neg.Enqueue(req.SessionID, messageID, []permission.Request{preq})

	// Some agents never send a tool_call update for a call that needs
	// permission, so surface the start here.
	s.emit(chatevent.ToolStartEvent{
		SessionID: req.SessionID,
		MessageID: messageID,
		ToolID:    toolCallID,
		ToolName:  toolName,
		Arguments: rawInputJSON(req.ToolCall.RawInput),
	})
	s.emit(chatevent.PermissionRequiredEvent{
		SessionID: req.SessionID,
		MessageID: messageID,
		ToolID:    toolCallID,
		ToolName:  toolName,
		Permission: chatevent.PermissionInfo{
			Type:        string(permType),
			ServerName:  rec.AgentID,
			Description: req.ToolCall.Title,
			Paths:       paths,
			Command:     command,
		},
	})

	var decision permDecision
	select {
	case decision = <-ch:
	case <-time.After(s.permTimeout):
		// Negotiator timer and this backstop race benignly; Resolve is a
		// no-op when the pending entry already expired.
		s.neg.Resolve(req.SessionID, toolCallID, permType, rec.AgentID)
		decision = permDecision{granted: false, reason: "timeout"}
		s.emit(chatevent.PermissionDeniedEvent{
			SessionID: req.SessionID,
			MessageID: messageID,
			ToolID:    toolCallID,
			Reason:    "timeout",
		})
	}

	if optionID, ok := chooseOption(req.Options, decision.granted); ok {
		return &protocol.RequestPermissionResponse{
			Outcome: protocol.PermissionOutcome{Type: "selected", OptionID: optionID},
		}
	}
	return cancelledOutcome()
}

// Grant approves a pending agent permission request. The grant matches
// only the exact tool call, permission type and server it was issued for.
func (s *Supervisor) Grant(sessionID, toolCallID string, typ permission.Type, serverName string) error {
	pending, ok := s.neg.Resolve(sessionID, toolCallID, typ, serverName)
	if !ok {
		return ErrNoPendingPermission
	}
	s.emit(chatevent.PermissionGrantedEvent{
		SessionID: sessionID,
		MessageID: pending.MessageID,
		ToolID:    toolCallID,
	})
	s.signalWaiter(sessionID, toolCallID, permDecision{granted: true})
	return nil
}

// Deny rejects a pending agent permission request.
func (s *Supervisor) Deny(sessionID, toolCallID string, typ permission.Type, serverName string) error {
	pending, ok := s.neg.Resolve(sessionID, toolCallID, typ, serverName)
	if !ok {
		return ErrNoPendingPermission
	}
	s.emit(chatevent.PermissionDeniedEvent{
		SessionID: sessionID,
		MessageID: pending.MessageID,
		ToolID:    toolCallID,
		Reason:    "denied",
	})
	s.signalWaiter(sessionID, toolCallID, permDecision{granted: false, reason: "denied"})
	return nil
}

// PermissionTimeout handles a negotiator-side expiry for a session this
// supervisor hosts. Wired through the shared timeout callback.
func (s *Supervisor) PermissionTimeout(sessionID string, pending permission.Pending) {
	s.emit(chatevent.PermissionDeniedEvent{
		SessionID: sessionID,
		MessageID: pending.MessageID,
		ToolID:    pending.ToolCallID,
		Reason:    "timeout",
	})
	s.signalWaiter(sessionID, pending.ToolCallID, permDecision{granted: false, reason: "timeout"})
}

func (s *Supervisor) signalWaiter(sessionID, toolCallID string, d permDecision) {
	s.mu.Lock()
	ch, ok := s.permWaiters[waiterKey(sessionID, toolCallID)]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- d:
	default:
	}
}

// chooseOption picks the agent-offered option matching the decision,
// preferring one-shot options over persistent ones.
func chooseOption(options []protocol.PermissionOption, granted bool) (string, bool) {
	want, fallback := "reject_once", "reject_always"
	if granted {
		want, fallback = "allow_once", "allow_always"
	}
	for _, opt := range options {
		if opt.Kind == want {
			return opt.ID, true
		}
	}
	for _, opt := range options {
		if opt.Kind == fallback {
			return opt.ID, true
		}
	}
	return "", false
}

func cancelledOutcome() *protocol.RequestPermissionResponse {
	return &protocol.RequestPermissionResponse{
		Outcome: protocol.PermissionOutcome{Type: "cancelled"},
	}
}
