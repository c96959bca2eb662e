package tooling

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/ThinkInAIXYZ/deepchat-sub009/internal/procattr"
)

// QuestionToolName is the tool the model uses to put a question to the
// user. The agent loop intercepts it: it is only valid as the sole, final
// call of a turn and is never executed by the gateway.
const QuestionToolName = "ask_user_question"

const (
	readFileMaxLines      = 200
	commandGracePeriod    = 5 * time.Second
	defaultCommandTimeout = 2 * time.Minute
)

// BuiltinConfig bounds the built-in tools to one workspace.
type BuiltinConfig struct {
	Workdir        string
	CommandTimeout time.Duration
}

// RegisterBuiltins adds the local tool set to the registry. Call it after
// registering external server tools so collisions resolve in the external
// server's favor.
func RegisterBuiltins(r *Registry, cfg BuiltinConfig) {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	b := &builtins{cfg: cfg}

	RegisterTyped(r, Definition{
		Name:        "read_file",
		Description: "Read a text file, paginated by line offset and limit.",
		Server:      BuiltinServer,
		Permission:  &PermissionSpec{Type: "read", Description: "Read files in the workspace"},
	}, b.readFile)

	RegisterTyped(r, Definition{
		Name:        "write_file",
		Description: "Write content to a file, creating parent directories as needed.",
		Server:      BuiltinServer,
		Permission:  &PermissionSpec{Type: "write", Description: "Write files in the workspace"},
	}, b.writeFile)

	RegisterTyped(r, Definition{
		Name:        "list_directory",
		Description: "List the entries of a directory.",
		Server:      BuiltinServer,
		Permission:  &PermissionSpec{Type: "read", Description: "List workspace directories"},
	}, b.listDirectory)

	RegisterTyped(r, Definition{
		Name:        "find_files",
		Description: "Find files under the workspace whose names match a glob pattern.",
		Server:      BuiltinServer,
		Permission:  &PermissionSpec{Type: "read", Description: "Search the workspace"},
	}, b.findFiles)

	RegisterTyped(r, Definition{
		Name:        "execute_command",
		Description: "Run a shell command in the workspace and return its combined output.",
		Server:      BuiltinServer,
		Permission:  &PermissionSpec{Type: "command", Description: "Run shell commands"},
	}, b.executeCommand)

	RegisterTyped(r, Definition{
		Name:        QuestionToolName,
		Description: "Ask the user a question. Must be the only and final tool call of the turn.",
		Server:      BuiltinServer,
	}, b.question)
}

type builtins struct {
	cfg BuiltinConfig
}

// resolve confines a tool path to the workspace root.
func (b *builtins) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(b.cfg.Workdir, abs)
	}
	abs = filepath.Clean(abs)
	rel, err := filepath.Rel(b.cfg.Workdir, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %q escapes the workspace", path)
	}
	return abs, nil
}

type readFileParams struct {
	Path   string `json:"path" jsonschema:"required,description=File path relative to the workspace"`
	Offset int    `json:"offset,omitempty" jsonschema:"description=1-based line to start from"`
	Limit  int    `json:"limit,omitempty" jsonschema:"description=Maximum lines to return"`
}

func (b *builtins) readFile(_ context.Context, p readFileParams) (Result, error) {
	path, err := b.resolve(p.Path)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Content: fmt.Sprintf("read %s: %v", p.Path, err), IsError: true}, nil
	}

	lines := strings.Split(string(data), "\n")
	start := p.Offset
	if start < 1 {
		start = 1
	}
	limit := p.Limit
	if limit <= 0 || limit > readFileMaxLines {
		limit = readFileMaxLines
	}
	if start > len(lines) {
		return Result{Content: fmt.Sprintf("%s has only %d lines", p.Path, len(lines))}, nil
	}
	end := start - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s lines %d-%d of %d:\n", p.Path, start, end, len(lines))
	sb.WriteString(strings.Join(lines[start-1:end], "\n"))
	return Result{Content: sb.String(), Raw: string(data)}, nil
}

type writeFileParams struct {
	Path    string `json:"path" jsonschema:"required,description=File path relative to the workspace"`
	Content string `json:"content" jsonschema:"required,description=Full file content to write"`
}

func (b *builtins) writeFile(_ context.Context, p writeFileParams) (Result, error) {
	path, err := b.resolve(p.Path)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Result{Content: fmt.Sprintf("mkdir for %s: %v", p.Path, err), IsError: true}, nil
	}
	if err := os.WriteFile(path, []byte(p.Content), 0o644); err != nil {
		return Result{Content: fmt.Sprintf("write %s: %v", p.Path, err), IsError: true}, nil
	}
	return Result{Content: fmt.Sprintf("wrote %d bytes to %s", len(p.Content), p.Path)}, nil
}

type listDirectoryParams struct {
	Path string `json:"path,omitempty" jsonschema:"description=Directory relative to the workspace, defaults to the root"`
}

func (b *builtins) listDirectory(_ context.Context, p listDirectoryParams) (Result, error) {
	if p.Path == "" {
		p.Path = "."
	}
	path, err := b.resolve(p.Path)
	if err != nil {
		return Result{Content: err.Error(), IsError: true}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return Result{Content: fmt.Sprintf("list %s: %v", p.Path, err), IsError: true}, nil
	}

	var sb strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			fmt.Fprintf(&sb, "%s/\n", entry.Name())
			continue
		}
		info, err := entry.Info()
		if err != nil {
			fmt.Fprintf(&sb, "%s\n", entry.Name())
			continue
		}
		fmt.Fprintf(&sb, "%s\t%d\n", entry.Name(), info.Size())
	}
	return Result{Content: sb.String(), Raw: entries}, nil
}

type findFilesParams struct {
	Pattern string `json:"pattern" jsonschema:"required,description=Glob pattern matched against file names"`
}

func (b *builtins) findFiles(ctx context.Context, p findFilesParams) (Result, error) {
	if p.Pattern == "" {
		return Result{Content: "pattern is required", IsError: true}, nil
	}
	var matches []string
	err := filepath.WalkDir(b.cfg.Workdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}
		if ok, _ := filepath.Match(p.Pattern, d.Name()); ok {
			if rel, err := filepath.Rel(b.cfg.Workdir, path); err == nil {
				matches = append(matches, rel)
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return Result{Content: fmt.Sprintf("no files match %q", p.Pattern)}, nil
	}
	return Result{Content: strings.Join(matches, "\n"), Raw: matches}, nil
}

type executeCommandParams struct {
	Command string `json:"command" jsonschema:"required,description=Shell command to run"`
	Timeout int    `json:"timeout,omitempty" jsonschema:"description=Timeout in seconds"`
}

// executeCommand runs the command in its own process group. On timeout or
// cancellation the group gets SIGTERM, then SIGKILL after a grace period,
// so pipelines and children die with the shell.
func (b *builtins) executeCommand(ctx context.Context, p executeCommandParams) (Result, error) {
	if p.Command == "" {
		return Result{Content: "command is required", IsError: true}, nil
	}
	timeout := b.cfg.CommandTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command("/bin/sh", "-c", p.Command)
	cmd.Dir = b.cfg.Workdir
	procattr.Set(cmd)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return Result{Content: fmt.Sprintf("start command: %v", err), IsError: true}, nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		_ = procattr.SignalGroup(cmd.Process, syscall.SIGTERM)
		select {
		case waitErr = <-done:
		case <-time.After(commandGracePeriod):
			_ = procattr.KillGroup(cmd.Process)
			waitErr = <-done
		}
		if ctx.Err() == context.DeadlineExceeded {
			return Result{
				Content: fmt.Sprintf("command timed out after %s\n%s", timeout, output.String()),
				IsError: true,
			}, nil
		}
		return Result{}, ErrAborted
	}

	content := output.String()
	if waitErr != nil {
		return Result{
			Content: fmt.Sprintf("command exited with error: %v\n%s", waitErr, content),
			Raw:     content,
			IsError: true,
		}, nil
	}
	if content == "" {
		content = "(no output)"
	}
	return Result{Content: content, Raw: content}, nil
}

type questionParams struct {
	Question string   `json:"question" jsonschema:"required,description=The question to put to the user"`
	Options  []string `json:"options,omitempty" jsonschema:"description=Optional answer choices"`
}

// question is never executed: the agent loop intercepts the call and ends
// the turn awaiting the user's answer. Reaching this handler is a bug.
func (b *builtins) question(_ context.Context, p questionParams) (Result, error) {
	return Result{}, fmt.Errorf("%s must be handled by the agent loop, not executed", QuestionToolName)
}
