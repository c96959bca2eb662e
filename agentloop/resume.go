package agentloop

import (
	"fmt"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
)

// Grant approves one blocked tool call. The match is scoped to the exact
// toolCallId (plus type and server): approving call A never approves an
// unrelated call that shares a permission type.
func (e *Engine) Grant(sessionID, toolCallID string, typ permission.Type, serverName string) error {
	pending, ok := e.negotiator.Resolve(sessionID, toolCallID, typ, serverName)
	if !ok {
		return fmt.Errorf("agentloop: no pending permission for call %s in session %s", toolCallID, sessionID)
	}

	e.mu.Lock()
	st, active := e.generating[sessionID]
	if !active || st.MessageID != pending.MessageID {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoGeneration, sessionID)
	}
	st.decisionFor(toolCallID).granted = true
	e.mu.Unlock()

	e.emit(chatevent.PermissionGrantedEvent{
		SessionID: sessionID,
		MessageID: pending.MessageID,
		ToolID:    toolCallID,
	})
	e.tryResume(st)
	return nil
}

// Deny rejects one blocked tool call. The denial is injected into the
// conversation as an error result so the model can adjust.
func (e *Engine) Deny(sessionID, toolCallID string, typ permission.Type, serverName string) error {
	pending, ok := e.negotiator.Resolve(sessionID, toolCallID, typ, serverName)
	if !ok {
		return fmt.Errorf("agentloop: no pending permission for call %s in session %s", toolCallID, sessionID)
	}

	e.mu.Lock()
	st, active := e.generating[sessionID]
	if !active || st.MessageID != pending.MessageID {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoGeneration, sessionID)
	}
	d := st.decisionFor(toolCallID)
	d.granted = false
	d.reason = "permission denied by user"
	e.mu.Unlock()

	e.emit(chatevent.PermissionDeniedEvent{
		SessionID: sessionID,
		MessageID: pending.MessageID,
		ToolID:    toolCallID,
		Reason:    "denied",
	})
	e.tryResume(st)
	return nil
}

// PermissionTimeout is wired as the negotiator's expiry callback: an
// unanswered prompt becomes a denial with a timeout reason.
func (e *Engine) PermissionTimeout(sessionID string, pending permission.Pending) {
	e.mu.Lock()
	st, active := e.generating[sessionID]
	if !active || st.MessageID != pending.MessageID {
		e.mu.Unlock()
		return
	}
	d := st.decisionFor(pending.ToolCallID)
	d.granted = false
	d.reason = permission.ErrTimeout.Error()
	e.mu.Unlock()

	e.emit(chatevent.PermissionDeniedEvent{
		SessionID: sessionID,
		MessageID: pending.MessageID,
		ToolID:    pending.ToolCallID,
		Reason:    "timeout",
	})
	e.tryResume(st)
}

// tryResume runs the resumption protocol under the session's single
// holder resume lock. Duplicate concurrent attempts are no-ops: only the
// lock holder executes the approved calls.
func (e *Engine) tryResume(st *GeneratingState) {
	if !e.negotiator.AcquireResume(st.SessionID, st.MessageID) {
		return
	}
	release := func() { e.negotiator.ReleaseResume(st.SessionID, st.MessageID) }

	// Re-validate after acquisition: the generation may have been
	// cancelled between the decision and the lock.
	if !e.negotiator.ValidateResume(st.SessionID, st.MessageID) {
		release()
		return
	}
	e.mu.Lock()
	if st.State != StateAwaitingPermission {
		e.mu.Unlock()
		release()
		return
	}
	e.mu.Unlock()

	// Persisted state must match memory before new side effects.
	e.scheduler.Flush(st.SessionID, st.MessageID)

	// Execute every decided, not-yet-executed call in stream order. This
	// is a critical section: the lock is held across all of them.
	for i := range st.blockedCalls {
		call := st.blockedCalls[i]
		e.mu.Lock()
		d := st.decisionFor(call.ID)
		decided := d.granted || d.reason != ""
		ran := d.executed
		e.mu.Unlock()
		if !decided || ran {
			continue
		}

		e.mu.Lock()
		d.executed = true
		e.mu.Unlock()

		if !d.granted {
			e.injectResult(st, call, d.reason, true)
			st.appendBlock(chatevent.Block{
				Kind:       chatevent.BlockKindToolResult,
				ToolID:     call.ID,
				ToolName:   call.Name,
				ToolResult: d.reason,
				IsError:    true,
			})
			e.emit(chatevent.ToolEndEvent{
				SessionID: st.SessionID,
				MessageID: st.MessageID,
				ToolID:    call.ID,
				ToolName:  call.Name,
				Result:    d.reason,
				IsError:   true,
			})
			continue
		}

		if st.ToolCallCount >= e.maxToolCalls {
			release()
			e.finalize(st, chatevent.StopMaxToolCalls, nil, true)
			return
		}
		if fatal := e.executeOne(st.ctx, st, call); fatal != nil {
			release()
			e.finalize(st, chatevent.StopError, fatal, false)
			return
		}
	}

	e.scheduler.Flush(st.SessionID, st.MessageID)

	// More prompts still open for this message: keep waiting.
	if e.negotiator.HasPendingForMessage(st.SessionID, st.MessageID) {
		release()
		return
	}

	// Everything decided and executed: hand control back to the loop.
	release()
	e.finishLegacyRound(st)
	e.mu.Lock()
	st.State = StateStreaming
	st.blockedCalls = nil
	st.decisions = nil
	e.mu.Unlock()

	e.log.Debug("turn resumed",
		"session", st.SessionID, "message", st.MessageID)
	go e.run(st.ctx, st)
}
