package acpsess

import (
	"errors"
	"fmt"
)

// Sentinel errors for common supervisor conditions.
var (
	// ErrAlreadyStarted is returned when Start is called on a live connection.
	ErrAlreadyStarted = errors.New("agent connection already started")

	// ErrNotStarted is returned when an operation requires a live connection.
	ErrNotStarted = errors.New("agent connection not started")

	// ErrStopping is returned when an operation races connection shutdown.
	ErrStopping = errors.New("agent connection is stopping")

	// ErrSessionNotFound is returned when a session ID is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnknownAgent is returned when no agent is registered for an ID.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrSessionBusy is returned when a prompt is already in flight.
	ErrSessionBusy = errors.New("session has a prompt in flight")

	// ErrNoPendingPermission is returned when a grant or deny does not
	// match any pending permission request.
	ErrNoPendingPermission = errors.New("no matching pending permission")
)

// RPCError is a JSON-RPC error returned by the agent.
type RPCError struct {
	Message string
	Code    int
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ProcessError reports a failure of the agent subprocess.
type ProcessError struct {
	Cause    error
	Message  string
	ExitCode int
}

func (e *ProcessError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.ExitCode)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessError) Unwrap() error { return e.Cause }

// ProtocolError reports a malformed wire message.
type ProtocolError struct {
	Cause   error
	Message string
	Line    string
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Cause }
