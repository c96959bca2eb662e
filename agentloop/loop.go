package agentloop

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
	"github.com/ThinkInAIXYZ/deepchat-sub009/tooling"
)

// roundResult is what one model round produced.
type roundResult struct {
	text  string
	calls []modelkit.ToolCall
	stop  modelkit.StopReason
}

type execOutcome int

const (
	execContinue execOutcome = iota
	execCeiling
	execFatal
)

// run drives the turn until a terminal state. Every exit of the
// streaming path goes through finalize except the permission pause,
// which parks the turn for the negotiator to resume.
func (e *Engine) run(ctx context.Context, st *GeneratingState) {
	for {
		round, err := e.streamOnce(ctx, st)
		if err != nil {
			if ctx.Err() != nil {
				e.finalize(st, chatevent.StopCancelled, nil, false)
			} else {
				e.finalize(st, chatevent.StopError, err, false)
			}
			return
		}

		e.appendAssistantRound(st, round)

		if round.stop != modelkit.StopToolUse || len(round.calls) == 0 {
			stop := chatevent.StopEndTurn
			if round.stop == modelkit.StopMaxTokens {
				stop = chatevent.StopMaxTokens
			}
			e.finalize(st, stop, nil, false)
			return
		}

		if done := e.handleQuestion(st, round.calls); done {
			return
		}

		// Batch permission pre-check for the whole round. If anything
		// needs permission, nothing executes until the user decides.
		if reqs := e.gateway.CheckPermissions(round.calls); len(reqs) > 0 {
			e.pauseForPermission(st, round.calls, reqs)
			return
		}

		switch e.executeCalls(ctx, st, round.calls) {
		case execCeiling, execFatal:
			return
		}
		e.finishLegacyRound(st)
	}
}

// streamOnce performs one model round, refetching tool definitions first
// since the catalog may change between rounds.
func (e *Engine) streamOnce(ctx context.Context, st *GeneratingState) (roundResult, error) {
	req := modelkit.Request{
		Model:    st.model,
		System:   st.system,
		Messages: st.messages,
		Tools:    e.gateway.Registry().ModelDefs(),
	}

	stream, err := e.provider.Stream(ctx, req)
	if err != nil {
		return roundResult{}, err
	}
	defer stream.Close()

	var round roundResult
	var text strings.Builder
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			round.text = text.String()
			return round, err
		}

		switch ev.Type {
		case modelkit.EventTextDelta:
			if st.FirstTokenTime.IsZero() {
				st.FirstTokenTime = time.Now()
			}
			text.WriteString(ev.Text)
			st.openBlock(chatevent.BlockKindText).Text += ev.Text
			e.scheduler.Append(st.SessionID, st.MessageID, ev.Text, "")
		case modelkit.EventReasoningDelta:
			if st.FirstTokenTime.IsZero() {
				st.FirstTokenTime = time.Now()
			}
			st.openBlock(chatevent.BlockKindReasoning).Text += ev.Text
			e.scheduler.Append(st.SessionID, st.MessageID, "", ev.Text)
		case modelkit.EventToolCall:
			round.calls = append(round.calls, *ev.ToolCall)
			st.appendBlock(chatevent.Block{
				Kind:      chatevent.BlockKindToolUse,
				ToolID:    ev.ToolCall.ID,
				ToolName:  ev.ToolCall.Name,
				ToolInput: ev.ToolCall.Arguments,
			})
		case modelkit.EventStop:
			round.stop = ev.StopReason
			st.Usage.InputTokens += ev.Usage.InputTokens
			st.Usage.OutputTokens += ev.Usage.OutputTokens
			st.Usage.CacheReadTokens += ev.Usage.CacheReadTokens
		}
	}
	round.text = text.String()
	return round, nil
}

// appendAssistantRound records the round in the conversation context.
// Native function-calling providers get the structured assistant message;
// legacy providers get the calls rendered as text, with results appended
// into the same message as they execute.
func (e *Engine) appendAssistantRound(st *GeneratingState, round roundResult) {
	if e.provider.Capabilities().NativeToolResults {
		if round.text == "" && len(round.calls) == 0 {
			return
		}
		st.messages = append(st.messages, modelkit.Message{
			Role:      modelkit.RoleAssistant,
			Content:   round.text,
			ToolCalls: round.calls,
		})
		st.roundAssistantIdx = len(st.messages) - 1
		return
	}

	var sb strings.Builder
	sb.WriteString(round.text)
	for _, call := range round.calls {
		fmt.Fprintf(&sb, "\n\n<tool_call id=%q name=%q>\n%s\n</tool_call>", call.ID, call.Name, call.Arguments)
	}
	st.messages = append(st.messages, modelkit.Message{
		Role:    modelkit.RoleAssistant,
		Content: sb.String(),
	})
	st.roundAssistantIdx = len(st.messages) - 1
}

// injectResult puts a tool result into the conversation context using the
// provider's capability path. Swapping the two paths silently breaks
// providers, so both are kept exactly.
func (e *Engine) injectResult(st *GeneratingState, call modelkit.ToolCall, content string, isError bool) {
	if e.provider.Capabilities().NativeToolResults {
		st.messages = append(st.messages, modelkit.Message{
			Role:       modelkit.RoleTool,
			Content:    content,
			ToolCallID: call.ID,
			IsError:    isError,
		})
		return
	}
	// Legacy path: embed the result in the round's assistant message.
	status := "ok"
	if isError {
		status = "error"
	}
	st.messages[st.roundAssistantIdx].Content += fmt.Sprintf(
		"\n\n<tool_result id=%q status=%q>\n%s\n</tool_result>", call.ID, status, content)
}

// finishLegacyRound appends the synthetic user nudge legacy providers
// need to keep going after inlined tool results.
func (e *Engine) finishLegacyRound(st *GeneratingState) {
	if e.provider.Capabilities().NativeToolResults {
		return
	}
	st.messages = append(st.messages, modelkit.Message{
		Role:    modelkit.RoleUser,
		Content: "Continue the task using the tool results above.",
	})
}

// handleQuestion enforces the question tool placement rule: it is only
// valid as the sole, final call of a turn. Returns true when the turn is
// over either way.
func (e *Engine) handleQuestion(st *GeneratingState, calls []modelkit.ToolCall) bool {
	questionIdx := -1
	for i, call := range calls {
		if call.Name == tooling.QuestionToolName {
			questionIdx = i
			break
		}
	}
	if questionIdx < 0 {
		return false
	}

	call := calls[questionIdx]
	if len(calls) != 1 {
		e.log.Warn("question tool rejected: not the sole call of the turn",
			"session", st.SessionID, "call_id", call.ID, "calls", len(calls))
		e.injectResult(st, call,
			fmt.Sprintf("%s is only valid as the single, final tool call of a turn; it was one of %d calls and none were executed", tooling.QuestionToolName, len(calls)),
			true)
		e.finishLegacyRound(st)
		e.emit(chatevent.ToolEndEvent{
			SessionID: st.SessionID,
			MessageID: st.MessageID,
			ToolID:    call.ID,
			ToolName:  call.Name,
			Result:    "rejected: question must be the only tool call of the turn",
			IsError:   true,
		})
		e.finalize(st, chatevent.StopEndTurn, nil, false)
		return true
	}

	// Valid question: surface it and end the turn awaiting the answer,
	// which arrives as the next user prompt.
	e.mu.Lock()
	st.State = StateAwaitingQuestion
	e.mu.Unlock()
	e.emit(chatevent.ToolStartEvent{
		SessionID: st.SessionID,
		MessageID: st.MessageID,
		ToolID:    call.ID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
	})
	e.finalize(st, chatevent.StopEndTurn, nil, false)
	return true
}

// pauseForPermission parks the turn. Calls that need no permission are
// pre-approved; they execute with the approved ones when the user
// responds.
func (e *Engine) pauseForPermission(st *GeneratingState, calls []modelkit.ToolCall, reqs []permission.Request) {
	needing := make(map[string]struct{}, len(reqs))
	for _, req := range reqs {
		needing[req.ToolCallID] = struct{}{}
	}

	e.mu.Lock()
	st.State = StateAwaitingPermission
	st.blockedCalls = append([]modelkit.ToolCall(nil), calls...)
	for _, call := range calls {
		d := st.decisionFor(call.ID)
		if _, ok := needing[call.ID]; !ok {
			d.granted = true
		}
	}
	e.mu.Unlock()

	e.negotiator.Enqueue(st.SessionID, st.MessageID, reqs)
	for _, req := range reqs {
		e.emit(chatevent.PermissionRequiredEvent{
			SessionID: st.SessionID,
			MessageID: st.MessageID,
			ToolID:    req.ToolCallID,
			ToolName:  req.ToolName,
			Permission: chatevent.PermissionInfo{
				Type:        string(req.Type),
				ServerName:  req.ServerName,
				Description: req.Description,
				Paths:       req.Paths,
				Command:     req.Command,
			},
		})
	}
	// Paused turns must not hold unflushed deltas.
	e.scheduler.Flush(st.SessionID, st.MessageID)

	e.log.Debug("turn paused for permission",
		"session", st.SessionID,
		"message", st.MessageID,
		"prompts", len(reqs))
}

// executeCalls runs the round's calls sequentially, checking the ceiling
// before each one. Hitting the ceiling emits exactly one informational
// terminal event with needContinue semantics.
func (e *Engine) executeCalls(ctx context.Context, st *GeneratingState, calls []modelkit.ToolCall) execOutcome {
	for _, call := range calls {
		if st.ToolCallCount >= e.maxToolCalls {
			e.log.Info("tool call ceiling reached",
				"session", st.SessionID,
				"message", st.MessageID,
				"ceiling", e.maxToolCalls)
			e.finalize(st, chatevent.StopMaxToolCalls, nil, true)
			return execCeiling
		}
		if fatal := e.executeOne(ctx, st, call); fatal != nil {
			e.finalize(st, chatevent.StopError, fatal, false)
			return execFatal
		}
	}
	return execContinue
}

// executeOne runs a single call through the gateway. Retryable failures
// are appended to context for the model to react to; only non-retryable
// ones are returned and terminate the turn.
func (e *Engine) executeOne(ctx context.Context, st *GeneratingState, call modelkit.ToolCall) error {
	st.ToolCallCount++
	e.emit(chatevent.ToolStartEvent{
		SessionID: st.SessionID,
		MessageID: st.MessageID,
		ToolID:    call.ID,
		ToolName:  call.Name,
		Arguments: call.Arguments,
	})

	exec, err := e.gateway.Execute(ctx, st.SessionID, call)
	if err != nil {
		if ctx.Err() != nil {
			// Result discarded; the cancel path owns finalization.
			return err
		}
		if tooling.Retryable(err) {
			msg := fmt.Sprintf("tool error: %v", err)
			e.injectResult(st, call, msg, true)
			st.appendBlock(chatevent.Block{
				Kind:       chatevent.BlockKindToolResult,
				ToolID:     call.ID,
				ToolName:   call.Name,
				ToolResult: msg,
				IsError:    true,
			})
			e.emit(chatevent.ToolEndEvent{
				SessionID: st.SessionID,
				MessageID: st.MessageID,
				ToolID:    call.ID,
				ToolName:  call.Name,
				Result:    msg,
				IsError:   true,
			})
			return nil
		}
		e.emit(chatevent.ToolEndEvent{
			SessionID: st.SessionID,
			MessageID: st.MessageID,
			ToolID:    call.ID,
			ToolName:  call.Name,
			Result:    err.Error(),
			IsError:   true,
		})
		return err
	}

	e.injectResult(st, call, exec.Content, exec.IsError)
	st.appendBlock(chatevent.Block{
		Kind:       chatevent.BlockKindToolResult,
		ToolID:     call.ID,
		ToolName:   call.Name,
		ToolResult: exec.Content,
		IsError:    exec.IsError,
	})
	e.emit(chatevent.ToolEndEvent{
		SessionID: st.SessionID,
		MessageID: st.MessageID,
		ToolID:    call.ID,
		ToolName:  call.Name,
		Result:    exec.Content,
		IsError:   exec.IsError,
	})
	return nil
}
