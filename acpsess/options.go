package acpsess

import (
	"log/slog"
	"time"
)

// AgentConfig describes how to spawn and identify one agent binary.
type AgentConfig struct {
	Env           map[string]string
	ID            string
	Command       string
	ClientName    string
	ClientVersion string
	Args          []string
}

func (c *AgentConfig) applyDefaults() {
	if c.ClientName == "" {
		c.ClientName = "deepchat"
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "1.0.0"
	}
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Supervisor) {
		if log != nil {
			s.log = log
		}
	}
}

// WithPermissionTimeout bounds how long an agent permission request waits
// for a user decision.
func WithPermissionTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.permTimeout = d
		}
	}
}
