package tooling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ThinkInAIXYZ/deepchat-sub009/modelkit"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
)

// Sentinel execution errors.
var (
	ErrUnknownTool   = errors.New("tooling: unknown tool")
	ErrQuotaExceeded = errors.New("tooling: provider quota exceeded")
	ErrAborted       = errors.New("tooling: execution aborted")
)

// ExecError wraps a tool execution failure with its retry class.
type ExecError struct {
	Tool      string
	Err       error
	Retryable bool
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// Retryable reports whether err should be fed back to the model rather
// than terminate the turn. Quota exhaustion and aborts are final.
func Retryable(err error) bool {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Retryable
	}
	return false
}

func classify(err error) bool {
	switch {
	case errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrAborted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Execution is the outcome of one tool call.
type Execution struct {
	// Content goes back into the model conversation, post-offload.
	Content string

	// Raw is the handler's untruncated result.
	Raw any

	// IsError marks a tool-level failure that the model should see.
	IsError bool

	// Offloaded is true when Content is a stub pointing at a scratch file.
	Offloaded bool
}

// Gateway validates and executes single tool calls. It is backend
// agnostic: the agent loop owns queueing and ordering, the gateway owns
// lookup, permission pre-checks, execution, and output offloading.
type Gateway struct {
	registry  *Registry
	offloader *Offloader
	log       *slog.Logger
}

// NewGateway wires a gateway. A nil offloader disables offloading; a nil
// logger disables logging.
func NewGateway(registry *Registry, offloader *Offloader, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Gateway{registry: registry, offloader: offloader, log: log}
}

// Registry exposes the gateway's tool catalog.
func (g *Gateway) Registry() *Registry { return g.registry }

// CheckPermissions evaluates every queued call of a turn as one batch and
// returns the permission prompts they require. Execution must not start
// while the returned slice is non-empty.
func (g *Gateway) CheckPermissions(calls []modelkit.ToolCall) []permission.Request {
	var requests []permission.Request
	for _, call := range calls {
		def, _, ok := g.registry.Lookup(call.Name)
		if !ok || def.Permission == nil {
			continue
		}
		req := permission.Request{
			ToolCallID:  call.ID,
			ToolName:    call.Name,
			ServerName:  def.Server.Name,
			Type:        permission.Type(def.Permission.Type),
			Description: def.Permission.Description,
		}
		req.Paths, req.Command = extractPermissionDetails(call.Arguments)
		requests = append(requests, req)
	}
	return requests
}

// extractPermissionDetails pulls path and command hints out of the call
// arguments so prompts can show what is actually being touched.
func extractPermissionDetails(argsJSON string) ([]string, string) {
	if argsJSON == "" {
		return nil, ""
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, ""
	}
	var paths []string
	for _, key := range []string{"path", "file_path", "directory"} {
		if s, ok := args[key].(string); ok && s != "" {
			paths = append(paths, s)
		}
	}
	if list, ok := args["paths"].([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok {
				paths = append(paths, s)
			}
		}
	}
	command, _ := args["command"].(string)
	return paths, command
}

// Execute runs one tool call to completion. Handler errors are classified
// retryable or final; oversized output from whitelisted tools is replaced
// with an offload stub.
func (g *Gateway) Execute(ctx context.Context, sessionID string, call modelkit.ToolCall) (Execution, error) {
	def, handler, ok := g.registry.Lookup(call.Name)
	if !ok {
		return Execution{}, &ExecError{Tool: call.Name, Err: ErrUnknownTool, Retryable: true}
	}

	g.log.Debug("executing tool",
		"session", sessionID,
		"tool", call.Name,
		"call_id", call.ID,
		"server", def.Server.Name)

	result, err := handler(ctx, json.RawMessage(call.Arguments))
	if err != nil {
		return Execution{}, &ExecError{Tool: call.Name, Err: err, Retryable: classify(err)}
	}

	exec := Execution{Content: result.Content, Raw: result.Raw, IsError: result.IsError}
	if exec.IsError {
		return exec, nil
	}

	if g.offloader != nil && g.offloader.ShouldOffload(call.Name, exec.Content) {
		stub, offloadErr := g.offloader.Offload(sessionID, call.ID, call.Name, exec.Content)
		if offloadErr != nil {
			// Offload failure is not fatal; fall back to truncation so the
			// model still gets something bounded.
			g.log.Warn("offload failed, truncating inline",
				"tool", call.Name, "error", offloadErr)
			exec.Content = truncate(exec.Content, g.offloader.threshold)
			return exec, nil
		}
		exec.Content = stub
		exec.Offloaded = true
	}
	return exec, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	var b strings.Builder
	b.WriteString(s[:max])
	b.WriteString("\n[output truncated]")
	return b.String()
}
