package acpsess

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ThinkInAIXYZ/deepchat-sub009/internal/procattr"
)

const (
	stopGracePeriod = 500 * time.Millisecond
	killGracePeriod = 200 * time.Millisecond
)

// agentProcess supervises one agent subprocess and its stdio transport.
// Messages are newline-delimited JSON on stdout, JSON-encoded on stdin.
type agentProcess struct {
	stdin    io.WriteCloser
	stdout   io.ReadCloser
	stderr   io.ReadCloser
	cmd      *exec.Cmd
	reader   *bufio.Reader
	encoder  *json.Encoder
	cfg      AgentConfig
	mu       sync.Mutex
	started  bool
	stopping bool
}

func newAgentProcess(cfg AgentConfig) *agentProcess {
	return &agentProcess{cfg: cfg}
}

// Start spawns the agent subprocess with process-group attributes so the
// whole tree can be signalled on shutdown.
func (p *agentProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}

	p.cmd = exec.CommandContext(ctx, p.cfg.Command, p.cfg.Args...)
	procattr.Set(p.cmd)

	if len(p.cfg.Env) > 0 {
		p.cmd.Env = os.Environ()
		for k, v := range p.cfg.Env {
			p.cmd.Env = append(p.cmd.Env, k+"="+v)
		}
	}

	var err error
	p.stdin, err = p.cmd.StdinPipe()
	if err != nil {
		return &ProcessError{Message: "failed to get stdin pipe", Cause: err}
	}
	p.stdout, err = p.cmd.StdoutPipe()
	if err != nil {
		return &ProcessError{Message: "failed to get stdout pipe", Cause: err}
	}
	p.stderr, err = p.cmd.StderrPipe()
	if err != nil {
		return &ProcessError{Message: "failed to get stderr pipe", Cause: err}
	}

	if err := p.cmd.Start(); err != nil {
		return &ProcessError{Message: "failed to start agent process", Cause: err}
	}

	p.reader = bufio.NewReader(p.stdout)
	p.encoder = json.NewEncoder(p.stdin)
	p.started = true
	return nil
}

// ReadLine reads one newline-delimited JSON line from the agent's stdout.
func (p *agentProcess) ReadLine() ([]byte, error) {
	p.mu.Lock()
	reader := p.reader
	p.mu.Unlock()

	if reader == nil {
		return nil, io.EOF
	}

	line, err := reader.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	return line, nil
}

// WriteJSON encodes one message onto the agent's stdin.
func (p *agentProcess) WriteJSON(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.encoder == nil {
		return ErrNotStarted
	}
	if p.stopping {
		return ErrStopping
	}
	return p.encoder.Encode(v)
}

// Stop shuts the subprocess down: close stdin, then escalate SIGTERM to
// SIGKILL on the whole process group with short grace periods.
func (p *agentProcess) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	p.mu.Unlock()

	if p.stdin != nil {
		p.stdin.Close()
	}

	done := make(chan error, 1)
	go func() {
		done <- p.cmd.Wait()
	}()

	select {
	case <-done:
	case <-time.After(stopGracePeriod):
		if p.cmd.Process != nil {
			_ = procattr.SignalGroup(p.cmd.Process, syscall.SIGTERM)
		}
		select {
		case <-done:
		case <-time.After(stopGracePeriod):
			if p.cmd.Process != nil {
				_ = procattr.KillGroup(p.cmd.Process)
			}
			select {
			case <-done:
			case <-time.After(killGracePeriod):
			}
		}
	}

	return nil
}

// startStderrReader drains the agent's stderr into a handler.
func (p *agentProcess) startStderrReader(handler func([]byte)) {
	if p.stderr == nil || handler == nil {
		return
	}
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := p.stderr.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				handler(buf[:n])
			}
		}
	}()
}
