package router

import (
	"errors"
	"fmt"
)

// ErrUnsupported is returned when a backend does not implement an
// operation (e.g. modes on the in-process backend).
var ErrUnsupported = errors.New("operation not supported by this backend")

// UnknownAgentError reports an agent ID no adapter is registered for.
type UnknownAgentError struct {
	AgentID string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %q", e.AgentID)
}

// UnknownSessionError reports a session ID no adapter owns.
type UnknownSessionError struct {
	SessionID string
}

func (e *UnknownSessionError) Error() string {
	return fmt.Sprintf("unknown session %q", e.SessionID)
}
