package router

import (
	"context"

	"github.com/ThinkInAIXYZ/deepchat-sub009/acpsess"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
	"github.com/ThinkInAIXYZ/deepchat-sub009/protocol"
)

// ACPAdapter hosts sessions on out-of-process agent subprocesses via the
// supervisor.
type ACPAdapter struct {
	sup        *acpsess.Supervisor
	mcpServers []protocol.McpServerConfig
}

// NewACPAdapter wraps a supervisor. The MCP server configs are attached
// to every session the adapter creates.
func NewACPAdapter(sup *acpsess.Supervisor, mcpServers []protocol.McpServerConfig) *ACPAdapter {
	return &ACPAdapter{sup: sup, mcpServers: mcpServers}
}

// Supervisor exposes the underlying supervisor.
func (a *ACPAdapter) Supervisor() *acpsess.Supervisor { return a.sup }

func (a *ACPAdapter) NewSession(ctx context.Context, agentID, workdir string) (string, error) {
	rec, err := a.sup.NewSession(ctx, agentID, workdir, a.mcpServers)
	if err != nil {
		return "", err
	}
	return rec.SessionID, nil
}

func (a *ACPAdapter) LoadSession(ctx context.Context, agentID, workdir, sessionID string) (string, error) {
	rec, err := a.sup.LoadSession(ctx, agentID, workdir, sessionID, a.mcpServers)
	if err != nil {
		return "", err
	}
	return rec.SessionID, nil
}

func (a *ACPAdapter) Prompt(ctx context.Context, sessionID, text string) (string, error) {
	return a.sup.Prompt(ctx, sessionID, text)
}

func (a *ACPAdapter) Cancel(sessionID string) error {
	return a.sup.Cancel(sessionID)
}

func (a *ACPAdapter) SetMode(ctx context.Context, sessionID, modeID string) error {
	return a.sup.SetMode(ctx, sessionID, modeID)
}

func (a *ACPAdapter) SetModel(ctx context.Context, sessionID, modelID string) error {
	return a.sup.SetModel(ctx, sessionID, modelID)
}

func (a *ACPAdapter) Grant(sessionID, toolCallID string, typ permission.Type, serverName string) error {
	return a.sup.Grant(sessionID, toolCallID, typ, serverName)
}

func (a *ACPAdapter) Deny(sessionID, toolCallID string, typ permission.Type, serverName string) error {
	return a.sup.Deny(sessionID, toolCallID, typ, serverName)
}

func (a *ACPAdapter) PermissionTimeout(sessionID string, pending permission.Pending) {
	a.sup.PermissionTimeout(sessionID, pending)
}

func (a *ACPAdapter) CloseSession(sessionID string) error {
	return a.sup.CloseSession(sessionID)
}

func (a *ACPAdapter) Close() {
	a.sup.Close()
}
