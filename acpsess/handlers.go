package acpsess

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ThinkInAIXYZ/deepchat-sub009/internal/procattr"
	"github.com/ThinkInAIXYZ/deepchat-sub009/protocol"
)

const terminalKillGrace = 5 * time.Second

// workspaceFs serves the agent's fs/read_text_file and fs/write_text_file
// requests, confined to the session workdir.
type workspaceFs struct {
	root string
}

func (h *workspaceFs) resolve(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(h.root, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(h.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the session workdir", path)
	}
	return abs, nil
}

func (h *workspaceFs) readTextFile(req protocol.ReadTextFileRequest) (*protocol.ReadTextFileResponse, error) {
	abs, err := h.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// Agents probe for existence via reads before writing and do
			// not handle error responses gracefully in that flow.
			return &protocol.ReadTextFileResponse{Content: ""}, nil
		}
		return nil, fmt.Errorf("failed to read file %s: %w", req.Path, err)
	}

	content := string(data)
	if req.Line > 0 || req.Limit > 0 {
		lines := strings.Split(content, "\n")
		start := 0
		if req.Line > 0 {
			start = req.Line - 1
		}
		if start >= len(lines) {
			content = ""
		} else {
			end := len(lines)
			if req.Limit > 0 && start+req.Limit < end {
				end = start + req.Limit
			}
			content = strings.Join(lines[start:end], "\n")
		}
	}

	return &protocol.ReadTextFileResponse{Content: content}, nil
}

func (h *workspaceFs) writeTextFile(req protocol.WriteTextFileRequest) (*protocol.WriteTextFileResponse, error) {
	abs, err := h.resolve(req.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directory for %s: %w", req.Path, err)
	}
	if err := os.WriteFile(abs, []byte(req.Content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write file %s: %w", req.Path, err)
	}
	return &protocol.WriteTextFileResponse{}, nil
}

// terminalManager serves the agent's terminal/* requests. Each terminal is
// a command running in its own process group.
type terminalManager struct {
	terminals map[string]*terminalProcess
	workdir   string
	idGen     atomic.Int64
	mu        sync.Mutex
}

type terminalProcess struct {
	cmd    *exec.Cmd
	done   chan struct{}
	output lockedBuffer
	limit  int
}

// lockedBuffer is a thread-safe bytes.Buffer.
type lockedBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTerminalManager(workdir string) *terminalManager {
	return &terminalManager{
		terminals: make(map[string]*terminalProcess),
		workdir:   workdir,
	}
}

func (m *terminalManager) create(req protocol.CreateTerminalRequest) (*protocol.CreateTerminalResponse, error) {
	id := fmt.Sprintf("term-%d", m.idGen.Add(1))

	cmd := exec.Command(req.Command, req.Args...)
	cmd.Dir = m.workdir
	if req.CWD != "" {
		cmd.Dir = req.CWD
	}
	procattr.Set(cmd)
	if len(req.Env) > 0 {
		cmd.Env = os.Environ()
		for _, env := range req.Env {
			cmd.Env = append(cmd.Env, env.Name+"="+env.Value)
		}
	}

	tp := &terminalProcess{
		cmd:   cmd,
		done:  make(chan struct{}),
		limit: req.OutputByteLimit,
	}
	cmd.Stdout = &tp.output
	cmd.Stderr = &tp.output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	go func() {
		cmd.Wait()
		close(tp.done)
	}()

	m.mu.Lock()
	m.terminals[id] = tp
	m.mu.Unlock()

	return &protocol.CreateTerminalResponse{TerminalID: id}, nil
}

func (m *terminalManager) get(id string) (*terminalProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tp, ok := m.terminals[id]
	if !ok {
		return nil, fmt.Errorf("terminal %s not found", id)
	}
	return tp, nil
}

func (m *terminalManager) output(req protocol.TerminalOutputRequest) (*protocol.TerminalOutputResponse, error) {
	tp, err := m.get(req.TerminalID)
	if err != nil {
		return nil, err
	}

	output := tp.output.String()
	truncated := false
	if tp.limit > 0 && len(output) > tp.limit {
		output = output[len(output)-tp.limit:]
		truncated = true
	}

	resp := &protocol.TerminalOutputResponse{Output: output, Truncated: truncated}
	select {
	case <-tp.done:
		code := tp.cmd.ProcessState.ExitCode()
		resp.ExitStatus = &code
	default:
	}
	return resp, nil
}

func (m *terminalManager) waitForExit(req protocol.WaitForTerminalExitRequest) (*protocol.WaitForTerminalExitResponse, error) {
	tp, err := m.get(req.TerminalID)
	if err != nil {
		return nil, err
	}
	<-tp.done
	return &protocol.WaitForTerminalExitResponse{ExitStatus: tp.cmd.ProcessState.ExitCode()}, nil
}

// kill terminates the command's process group, escalating to SIGKILL after
// a grace period.
func (m *terminalManager) kill(req protocol.KillTerminalRequest) (*protocol.KillTerminalResponse, error) {
	tp, err := m.get(req.TerminalID)
	if err != nil {
		return nil, err
	}

	select {
	case <-tp.done:
		return &protocol.KillTerminalResponse{}, nil
	default:
	}

	_ = procattr.SignalGroup(tp.cmd.Process, syscall.SIGTERM)
	go func() {
		select {
		case <-tp.done:
		case <-time.After(terminalKillGrace):
			_ = procattr.KillGroup(tp.cmd.Process)
		}
	}()

	return &protocol.KillTerminalResponse{}, nil
}

func (m *terminalManager) release(req protocol.ReleaseTerminalRequest) (*protocol.ReleaseTerminalResponse, error) {
	m.mu.Lock()
	tp, ok := m.terminals[req.TerminalID]
	delete(m.terminals, req.TerminalID)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("terminal %s not found", req.TerminalID)
	}

	select {
	case <-tp.done:
	default:
		_ = procattr.KillGroup(tp.cmd.Process)
	}
	return &protocol.ReleaseTerminalResponse{}, nil
}

// closeAll kills every live terminal. Used on connection shutdown.
func (m *terminalManager) closeAll() {
	m.mu.Lock()
	terminals := make([]*terminalProcess, 0, len(m.terminals))
	for _, tp := range m.terminals {
		terminals = append(terminals, tp)
	}
	m.terminals = make(map[string]*terminalProcess)
	m.mu.Unlock()

	for _, tp := range terminals {
		select {
		case <-tp.done:
		default:
			_ = procattr.KillGroup(tp.cmd.Process)
		}
	}
}
