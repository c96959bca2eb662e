package tooling

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultOffloadThreshold is the content length above which whitelisted
	// tool output is written to disk instead of fed to the model.
	DefaultOffloadThreshold = 5000

	// DefaultOffloadPreview is how many leading characters the stub keeps.
	DefaultOffloadPreview = 1024
)

// DefaultOffloadWhitelist names the high-volume tools whose output may be
// offloaded. Paginated readers stay off the list: they bound their own
// output and the model pages through them deliberately.
func DefaultOffloadWhitelist() map[string]struct{} {
	return map[string]struct{}{
		"execute_command": {},
		"list_directory":  {},
		"find_files":      {},
		"grep_search":     {},
		"web_search":      {},
		"read_url":        {},
	}
}

// Offloader redirects oversized tool output to per-call scratch files.
type Offloader struct {
	dir       string
	threshold int
	preview   int
	whitelist map[string]struct{}
}

// NewOffloader creates an offloader writing under dir. Zero threshold or
// preview select the defaults; a nil whitelist selects the default list.
func NewOffloader(dir string, threshold, preview int, whitelist map[string]struct{}) *Offloader {
	if threshold <= 0 {
		threshold = DefaultOffloadThreshold
	}
	if preview <= 0 {
		preview = DefaultOffloadPreview
	}
	if whitelist == nil {
		whitelist = DefaultOffloadWhitelist()
	}
	return &Offloader{dir: dir, threshold: threshold, preview: preview, whitelist: whitelist}
}

// ShouldOffload reports whether content from toolName must be offloaded.
func (o *Offloader) ShouldOffload(toolName string, content string) bool {
	if len(content) <= o.threshold {
		return false
	}
	_, ok := o.whitelist[toolName]
	return ok
}

// Offload writes content to a scratch file keyed by session and call, and
// returns the stub to hand to the model: total length, file path, and the
// leading preview verbatim.
func (o *Offloader) Offload(sessionID, toolCallID, toolName, content string) (string, error) {
	dir := filepath.Join(o.dir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("offload dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.txt", toolName, toolCallID))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("offload write: %w", err)
	}

	preview := content
	if len(preview) > o.preview {
		preview = preview[:o.preview]
	}
	stub := fmt.Sprintf(
		"Output is %d characters, too large to include inline.\nFull content saved to: %s\n\nFirst %d characters:\n%s",
		len(content), path, len(preview), preview)
	return stub, nil
}
