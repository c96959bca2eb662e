// Package modelkit abstracts chat-completion model backends behind a
// single streaming Provider interface. Concrete adapters live in the
// anthropic and openai subpackages.
package modelkit

import (
	"context"
	"errors"
)

// ErrNoChoices is returned when the backend reply carries no content.
var ErrNoChoices = errors.New("modelkit: response contained no choices")

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is one tool invocation requested by the model. Arguments is
// the raw JSON the model produced, complete after accumulation.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn of conversation history.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls are populated on assistant messages that invoked tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// IsError marks a tool-role message as a failed tool result.
	IsError bool `json:"is_error,omitempty"`
}

// ToolDef describes one tool offered to the model. InputSchema is a
// JSON-schema value marshaled as-is into the request.
type ToolDef struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

// Request is one generation request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature *float64
}

// Usage reports token consumption for one generation.
type Usage struct {
	InputTokens     int
	OutputTokens    int
	CacheReadTokens int
}

// StopReason reports why the model stopped.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// EventType discriminates stream events.
type EventType int

const (
	// EventTextDelta carries an incremental text fragment.
	EventTextDelta EventType = iota

	// EventReasoningDelta carries an incremental reasoning fragment.
	EventReasoningDelta

	// EventToolCall carries a fully accumulated tool invocation.
	EventToolCall

	// EventStop terminates the stream with the final stop reason and
	// usage. It is the last event before Recv returns io.EOF.
	EventStop
)

// Event is one unit of streamed model output.
type Event struct {
	Type       EventType
	Text       string
	ToolCall   *ToolCall
	StopReason StopReason
	Usage      Usage
}

// Stream is a pull-based event stream. Recv returns io.EOF after the
// EventStop event has been delivered.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Capabilities describes what a provider's wire format supports.
type Capabilities struct {
	// NativeToolResults is true when the backend accepts tool-role
	// messages keyed by tool_call_id. Backends without it receive tool
	// results inlined as text.
	NativeToolResults bool

	// Reasoning is true when the backend can stream reasoning content.
	Reasoning bool
}

// Provider is a pluggable chat-completion backend.
type Provider interface {
	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string

	// Capabilities reports the backend's wire-format features.
	Capabilities() Capabilities

	// Stream starts a generation and returns its event stream.
	Stream(ctx context.Context, req Request) (Stream, error)
}
