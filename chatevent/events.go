package chatevent

import "time"

// EventType discriminates between canonical event kinds.
type EventType int

const (
	// EventTypeMessageDelta fires for coalesced streaming content updates.
	EventTypeMessageDelta EventType = iota

	// EventTypeMessageBlock fires when a complete content block is appended.
	EventTypeMessageBlock

	// EventTypeMessageEnd fires exactly once when a generation reaches a
	// terminal state (success, user stop, or error).
	EventTypeMessageEnd

	// EventTypeToolStart fires when a tool call begins.
	EventTypeToolStart

	// EventTypeToolRunning fires on intermediate tool progress.
	EventTypeToolRunning

	// EventTypeToolEnd fires when a tool call finishes.
	EventTypeToolEnd

	// EventTypePermissionRequired fires when a tool call is blocked on a
	// user permission decision.
	EventTypePermissionRequired

	// EventTypePermissionGranted fires when a blocked tool call is approved.
	EventTypePermissionGranted

	// EventTypePermissionDenied fires when a blocked tool call is rejected.
	EventTypePermissionDenied

	// EventTypeSessionReady fires when a backend session becomes usable.
	EventTypeSessionReady

	// EventTypeSessionUpdated fires on session metadata changes
	// (mode, model, available commands, plan).
	EventTypeSessionUpdated

	// EventTypeStatusChanged fires on session status transitions.
	EventTypeStatusChanged
)

func (t EventType) String() string {
	switch t {
	case EventTypeMessageDelta:
		return "message_delta"
	case EventTypeMessageBlock:
		return "message_block"
	case EventTypeMessageEnd:
		return "message_end"
	case EventTypeToolStart:
		return "tool_start"
	case EventTypeToolRunning:
		return "tool_running"
	case EventTypeToolEnd:
		return "tool_end"
	case EventTypePermissionRequired:
		return "tool_permission_required"
	case EventTypePermissionGranted:
		return "tool_permission_granted"
	case EventTypePermissionDenied:
		return "tool_permission_denied"
	case EventTypeSessionReady:
		return "session_ready"
	case EventTypeSessionUpdated:
		return "session_updated"
	case EventTypeStatusChanged:
		return "status_changed"
	default:
		return "unknown"
	}
}

// Event is the interface all canonical events implement. Every event is
// bound to the session that produced it; no backend-native event type may
// cross this boundary.
type Event interface {
	EventType() EventType
	Session() string
}

// BlockKind identifies the kind of a content block.
type BlockKind string

const (
	BlockKindText       BlockKind = "text"
	BlockKindReasoning  BlockKind = "reasoning"
	BlockKindToolUse    BlockKind = "tool_use"
	BlockKindToolResult BlockKind = "tool_result"
	BlockKindError      BlockKind = "error"
)

// Block is one structured unit of assistant output. Deltas of the same
// kind append to the open block; a kind change opens a new block.
type Block struct {
	Kind       BlockKind      `json:"kind"`
	Text       string         `json:"text,omitempty"`
	ToolID     string         `json:"tool_id,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  string         `json:"tool_input,omitempty"`
	ToolResult string         `json:"tool_result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Usage tracks token consumption for one generation.
type Usage struct {
	InputTokens     int     `json:"input_tokens"`
	OutputTokens    int     `json:"output_tokens"`
	CacheReadTokens int     `json:"cache_read_tokens,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
}

// StopReason reports why a generation terminated.
type StopReason string

const (
	StopEndTurn      StopReason = "end_turn"
	StopToolUse      StopReason = "tool_use"
	StopMaxTokens    StopReason = "max_tokens"
	StopMaxToolCalls StopReason = "maximum_tool_calls_reached"
	StopCancelled    StopReason = "cancelled"
	StopError        StopReason = "error"
)

// MessageDeltaEvent carries coalesced incremental content for an in-flight
// message. IsComplete marks the final flush of the message.
type MessageDeltaEvent struct {
	SessionID  string
	MessageID  string
	Content    string
	Reasoning  string
	IsComplete bool
}

func (e MessageDeltaEvent) EventType() EventType { return EventTypeMessageDelta }
func (e MessageDeltaEvent) Session() string      { return e.SessionID }

// MessageBlockEvent carries one completed content block.
type MessageBlockEvent struct {
	SessionID string
	MessageID string
	Block     Block
}

func (e MessageBlockEvent) EventType() EventType { return EventTypeMessageBlock }
func (e MessageBlockEvent) Session() string      { return e.SessionID }

// MessageEndEvent is the single terminal event for a generation. All
// buffered deltas are flushed before it is emitted.
type MessageEndEvent struct {
	SessionID  string
	MessageID  string
	StopReason StopReason
	Usage      Usage
	Error      error

	// NeedContinue signals that the turn stopped on the tool-call ceiling
	// and the caller may explicitly resume with a fresh budget.
	NeedContinue bool
}

func (e MessageEndEvent) EventType() EventType { return EventTypeMessageEnd }
func (e MessageEndEvent) Session() string      { return e.SessionID }

// ToolStartEvent fires when a tool call begins executing.
type ToolStartEvent struct {
	SessionID string
	MessageID string
	ToolID    string
	ToolName  string
	Arguments string
}

func (e ToolStartEvent) EventType() EventType { return EventTypeToolStart }
func (e ToolStartEvent) Session() string      { return e.SessionID }

// ToolRunningEvent fires on intermediate tool progress updates.
type ToolRunningEvent struct {
	SessionID string
	ToolID    string
	ToolName  string
	Progress  string
}

func (e ToolRunningEvent) EventType() EventType { return EventTypeToolRunning }
func (e ToolRunningEvent) Session() string      { return e.SessionID }

// ToolEndEvent fires when a tool call produced its result (or error).
type ToolEndEvent struct {
	SessionID string
	MessageID string
	ToolID    string
	ToolName  string
	Result    string
	IsError   bool
}

func (e ToolEndEvent) EventType() EventType { return EventTypeToolEnd }
func (e ToolEndEvent) Session() string      { return e.SessionID }

// PermissionInfo describes what a blocked tool call needs.
type PermissionInfo struct {
	Type        string   `json:"type"` // "read", "write", "all", "command"
	ServerName  string   `json:"server_name"`
	Description string   `json:"description,omitempty"`
	Paths       []string `json:"paths,omitempty"`
	Command     string   `json:"command,omitempty"`
}

// PermissionRequiredEvent fires once per blocked tool call.
type PermissionRequiredEvent struct {
	SessionID  string
	MessageID  string
	ToolID     string
	ToolName   string
	Permission PermissionInfo
}

func (e PermissionRequiredEvent) EventType() EventType { return EventTypePermissionRequired }
func (e PermissionRequiredEvent) Session() string      { return e.SessionID }

// PermissionGrantedEvent fires when the user approves a blocked call.
type PermissionGrantedEvent struct {
	SessionID string
	MessageID string
	ToolID    string
}

func (e PermissionGrantedEvent) EventType() EventType { return EventTypePermissionGranted }
func (e PermissionGrantedEvent) Session() string      { return e.SessionID }

// PermissionDeniedEvent fires when the user rejects a blocked call or the
// request times out.
type PermissionDeniedEvent struct {
	SessionID string
	MessageID string
	ToolID    string
	Reason    string
}

func (e PermissionDeniedEvent) EventType() EventType { return EventTypePermissionDenied }
func (e PermissionDeniedEvent) Session() string      { return e.SessionID }

// SessionReadyEvent fires when a backend session is usable.
type SessionReadyEvent struct {
	SessionID string
	AgentID   string
	Workdir   string
	Models    []string
	Modes     []string
	CreatedAt time.Time
}

func (e SessionReadyEvent) EventType() EventType { return EventTypeSessionReady }
func (e SessionReadyEvent) Session() string      { return e.SessionID }

// PlanEntry is one step of an agent-reported execution plan.
type PlanEntry struct {
	Title    string `json:"title"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// SessionUpdatedEvent fires on session metadata changes.
type SessionUpdatedEvent struct {
	SessionID string
	ModeID    string
	ModelID   string
	Commands  []string
	Plan      []PlanEntry
}

func (e SessionUpdatedEvent) EventType() EventType { return EventTypeSessionUpdated }
func (e SessionUpdatedEvent) Session() string      { return e.SessionID }

// SessionStatus enumerates backend session statuses.
type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusIdle   SessionStatus = "idle"
)

// StatusChangedEvent fires on session status transitions.
type StatusChangedEvent struct {
	SessionID string
	Status    SessionStatus
}

func (e StatusChangedEvent) EventType() EventType { return EventTypeStatusChanged }
func (e StatusChangedEvent) Session() string      { return e.SessionID }
