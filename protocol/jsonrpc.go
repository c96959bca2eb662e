// Package protocol defines the JSON-RPC 2.0 framing and the agent wire
// vocabulary spoken over an agent subprocess's stdio.
package protocol

import (
	"encoding/json"
	"sync/atomic"
)

// Methods the client sends to the agent.
const (
	MethodInitialize      = "initialize"
	MethodSessionNew      = "session/new"
	MethodSessionLoad     = "session/load"
	MethodSessionPrompt   = "session/prompt"
	MethodSessionSetMode  = "session/set_mode"
	MethodSessionSetModel = "session/set_model"

	// Client-sent notifications.
	MethodSessionCancel = "session/cancel"

	// Agent-sent notifications.
	MethodSessionUpdate = "session/update"

	// Client-provided methods (agent sends, client responds).
	MethodRequestPermission = "session/request_permission"
	MethodFsReadTextFile    = "fs/read_text_file"
	MethodFsWriteTextFile   = "fs/write_text_file"
	MethodTerminalCreate    = "terminal/create"
	MethodTerminalOutput    = "terminal/output"
	MethodTerminalWaitExit  = "terminal/wait_for_exit"
	MethodTerminalKill      = "terminal/kill"
	MethodTerminalRelease   = "terminal/release"
)

// Session update discriminator values carried in session/update params.
const (
	UpdateTypeAgentMessage      = "agent_message_chunk"
	UpdateTypeAgentThought      = "agent_thought_chunk"
	UpdateTypeToolCall          = "tool_call"
	UpdateTypeToolCallUpdate    = "tool_call_update"
	UpdateTypePlan              = "plan"
	UpdateTypeAvailableCommands = "available_commands_update"
	UpdateTypeCurrentMode       = "current_mode_update"
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int64           `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	Error   *Error          `json:"error,omitempty"`
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	ID      int64           `json:"id"`
}

// Notification is a JSON-RPC 2.0 notification (no id, no reply).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Data    any    `json:"data,omitempty"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Agent-protocol error codes.
const (
	CodeResourceNotFound = -32001
	CodePermissionDenied = -32002
	CodeInvalidState     = -32003
	CodeAuthRequired     = -32000
)

// IDGenerator hands out monotonically increasing request IDs.
type IDGenerator struct {
	next atomic.Int64
}

// Next returns the next unused request ID.
func (g *IDGenerator) Next() int64 { return g.next.Add(1) }

// NewRequest builds a request with marshaled params.
func NewRequest(id int64, method string, params any) (*Request, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Request{JSONRPC: "2.0", ID: id, Method: method, Params: data}, nil
}

// NewResponse builds a success response with a marshaled result.
func NewResponse(id int64, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{JSONRPC: "2.0", ID: id, Result: data}, nil
}

// NewErrorResponse builds an error response.
func NewErrorResponse(id int64, code int, message string) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &Error{Code: code, Message: message},
	}
}

// NewNotification builds a notification with marshaled params.
func NewNotification(method string, params any) (*Notification, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Notification{JSONRPC: "2.0", Method: method, Params: data}, nil
}
