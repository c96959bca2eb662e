// Package permission implements the negotiation layer between tool
// execution and the user: batching permission prompts, tracking pending
// grants per session, and serializing resumption through a single-holder
// lock.
package permission

import "time"

// Type orders permission scopes: all covers write covers read. Command
// permissions never cover anything but an identical command signature.
type Type string

const (
	TypeRead    Type = "read"
	TypeWrite   Type = "write"
	TypeAll     Type = "all"
	TypeCommand Type = "command"
)

// Covers reports whether a grant of t satisfies a request for other.
func (t Type) Covers(other Type) bool {
	if t == TypeCommand || other == TypeCommand {
		return t == TypeCommand && other == TypeCommand
	}
	switch t {
	case TypeAll:
		return true
	case TypeWrite:
		return other == TypeWrite || other == TypeRead
	case TypeRead:
		return other == TypeRead
	}
	return false
}

// Request is one permission prompt for one tool call.
type Request struct {
	ToolCallID  string   `json:"tool_call_id"`
	ToolName    string   `json:"tool_name"`
	ServerName  string   `json:"server_name"`
	Type        Type     `json:"type"`
	Description string   `json:"description,omitempty"`
	Paths       []string `json:"paths,omitempty"`
	Command     string   `json:"command,omitempty"`
}

// Pending is a queued permission awaiting a user decision.
type Pending struct {
	MessageID  string
	ToolCallID string
	ToolName   string
	ServerName string
	Type       Type
	Timestamp  time.Time
}
