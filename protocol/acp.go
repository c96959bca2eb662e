package protocol

import "encoding/json"

// Version is the agent protocol version this client speaks.
const Version = 1

// InitializeRequest opens the connection handshake.
type InitializeRequest struct {
	ClientCapabilities *ClientCapabilities `json:"clientCapabilities,omitempty"`
	ClientInfo         *Implementation     `json:"clientInfo,omitempty"`
	ProtocolVersion    int                 `json:"protocolVersion"`
}

// InitializeResponse reports the agent's capabilities.
type InitializeResponse struct {
	AgentCapabilities *AgentCapabilities `json:"agentCapabilities,omitempty"`
	AgentInfo         *Implementation    `json:"agentInfo,omitempty"`
	AuthMethods       []AuthMethod       `json:"authMethods,omitempty"`
	ProtocolVersion   int                `json:"protocolVersion"`
}

// Implementation identifies a client or agent binary.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// ClientCapabilities advertises what the client supports.
type ClientCapabilities struct {
	Fs       *FsCapability `json:"fs,omitempty"`
	Terminal bool          `json:"terminal,omitempty"`
}

// FsCapability describes file system capabilities.
type FsCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// AgentCapabilities advertises what the agent supports.
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

// AuthMethod describes an authentication method the agent accepts.
type AuthMethod struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// NewSessionRequest creates a conversation session rooted at CWD.
type NewSessionRequest struct {
	CWD        string            `json:"cwd"`
	McpServers []McpServerConfig `json:"mcpServers"`
}

// NewSessionResponse returns the created session.
type NewSessionResponse struct {
	SessionID string             `json:"sessionId"`
	Modes     []SessionModeState `json:"modes,omitempty"`
	Models    []SessionModel     `json:"models,omitempty"`
}

// LoadSessionRequest replays a previously persisted session.
type LoadSessionRequest struct {
	SessionID  string            `json:"sessionId"`
	CWD        string            `json:"cwd"`
	McpServers []McpServerConfig `json:"mcpServers"`
}

// LoadSessionResponse mirrors NewSessionResponse for a restored session.
type LoadSessionResponse struct {
	Modes  []SessionModeState `json:"modes,omitempty"`
	Models []SessionModel     `json:"models,omitempty"`
}

// SessionModeState describes an available session mode.
type SessionModeState struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	IsCurrent   bool   `json:"isCurrent,omitempty"`
}

// SessionModel describes a model the agent can run.
type SessionModel struct {
	ID          string `json:"modelId"`
	DisplayName string `json:"displayName,omitempty"`
	IsCurrent   bool   `json:"isCurrent,omitempty"`
}

// SetModeRequest switches the session's operating mode.
type SetModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetModeResponse is empty on success.
type SetModeResponse struct{}

// SetModelRequest switches the model the session runs on.
type SetModelRequest struct {
	SessionID string `json:"sessionId"`
	ModelID   string `json:"modelId"`
}

// SetModelResponse is empty on success.
type SetModelResponse struct{}

// McpServerConfig configures an MCP server the agent should attach.
type McpServerConfig struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Command string   `json:"command,omitempty"`
	URL     string   `json:"url,omitempty"`
	Env     []EnvVar `json:"env,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// EnvVar is a name-value pair for environment variables.
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// PromptRequest submits a user turn.
type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResponse completes a turn. StopReason is one of "end_turn",
// "cancelled", "refusal", "max_tokens", "max_turn_requests".
type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

// ContentBlock is typed content in prompts and updates, discriminated by
// the Type field.
type ContentBlock struct {
	Type string `json:"type"` // "text", "image", "resource_link"

	Text string `json:"text,omitempty"`

	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64
	URI      string `json:"uri,omitempty"`
	Name     string `json:"name,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// SessionNotification is the params envelope of session/update.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is a discriminated union keyed by the "sessionUpdate"
// field. Only the fields matching the discriminator are populated.
type SessionUpdate struct {
	Type string `json:"sessionUpdate"`

	// agent_message_chunk / agent_thought_chunk
	Content *ContentBlock `json:"content,omitempty"`

	// tool_call / tool_call_update
	ToolCallID string         `json:"toolCallId,omitempty"`
	Title      string         `json:"title,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Status     string         `json:"status,omitempty"` // "pending", "in_progress", "completed", "failed"
	RawInput   map[string]any `json:"rawInput,omitempty"`
	ToolOutput []ToolContent  `json:"result,omitempty"`
	Locations  []ToolLocation `json:"locations,omitempty"`

	// plan
	Entries []PlanEntry `json:"entries,omitempty"`

	// available_commands_update
	AvailableCommands []AvailableCommand `json:"availableCommands,omitempty"`

	// current_mode_update
	CurrentModeID string `json:"currentModeId,omitempty"`

	Meta json.RawMessage `json:"_meta,omitempty"`
}

// ToolContent wraps a content block produced by a tool call.
type ToolContent struct {
	Type    string        `json:"type"` // "content", "diff"
	Content *ContentBlock `json:"content,omitempty"`
	Path    string        `json:"path,omitempty"`
	OldText string        `json:"oldText,omitempty"`
	NewText string        `json:"newText,omitempty"`
}

// PlanEntry is one step of an agent execution plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Status   string `json:"status,omitempty"`   // "pending", "in_progress", "completed"
	Priority string `json:"priority,omitempty"` // "high", "medium", "low"
}

// AvailableCommand describes a slash command the agent exposes.
type AvailableCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// CancelNotification aborts the in-flight prompt for a session.
type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

// ReadTextFileRequest asks the client to read a file on the agent's behalf.
type ReadTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      int    `json:"line,omitempty"` // 1-based
	Limit     int    `json:"limit,omitempty"`
}

// ReadTextFileResponse returns the file content.
type ReadTextFileResponse struct {
	Content string `json:"content"`
}

// WriteTextFileRequest asks the client to write a file on the agent's behalf.
type WriteTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// WriteTextFileResponse is empty on success.
type WriteTextFileResponse struct{}

// CreateTerminalRequest asks the client to spawn a command.
type CreateTerminalRequest struct {
	SessionID       string   `json:"sessionId"`
	Command         string   `json:"command"`
	CWD             string   `json:"cwd,omitempty"`
	Env             []EnvVar `json:"env,omitempty"`
	Args            []string `json:"args,omitempty"`
	OutputByteLimit int      `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResponse returns the terminal handle.
type CreateTerminalResponse struct {
	TerminalID string `json:"terminalId"`
}

// TerminalOutputRequest reads accumulated output.
type TerminalOutputRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalOutputResponse returns the output so far.
type TerminalOutputResponse struct {
	ExitStatus *int   `json:"exitStatus,omitempty"`
	Output     string `json:"output"`
	Truncated  bool   `json:"truncated"`
}

// WaitForTerminalExitRequest blocks until the command exits.
type WaitForTerminalExitRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// WaitForTerminalExitResponse returns the exit status.
type WaitForTerminalExitResponse struct {
	ExitStatus int `json:"exitStatus"`
}

// KillTerminalRequest kills a running command.
type KillTerminalRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// KillTerminalResponse is empty on success.
type KillTerminalResponse struct{}

// ReleaseTerminalRequest frees a terminal handle.
type ReleaseTerminalRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// ReleaseTerminalResponse is empty on success.
type ReleaseTerminalResponse struct{}

// RequestPermissionRequest asks the user to approve a tool call.
type RequestPermissionRequest struct {
	ToolCall  ToolCallRef        `json:"toolCall"`
	SessionID string             `json:"sessionId"`
	Options   []PermissionOption `json:"options"`
}

// ToolCallRef identifies the tool call awaiting permission.
type ToolCallRef struct {
	RawInput   map[string]any `json:"rawInput,omitempty"`
	ToolCallID string         `json:"toolCallId"`
	Title      string         `json:"title,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Status     string         `json:"status,omitempty"`
	Locations  []ToolLocation `json:"locations,omitempty"`
}

// ToolLocation is a file path a tool call touches.
type ToolLocation struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
}

// PermissionOption is one choice offered to the user.
type PermissionOption struct {
	ID   string `json:"optionId"`
	Name string `json:"name"`
	Kind string `json:"kind"` // "allow_once", "allow_always", "reject_once", "reject_always"
}

// RequestPermissionResponse returns the user's choice.
type RequestPermissionResponse struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is discriminated by Type: "cancelled" or "selected".
type PermissionOutcome struct {
	Type     string `json:"type"`
	OptionID string `json:"optionId,omitempty"`
}
