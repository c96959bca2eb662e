package permission

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultTimeout bounds how long a permission prompt stays open.
	DefaultTimeout = 10 * time.Minute

	// resumeLockTTL bounds how long a resume lock stays valid. A lock
	// older than this belongs to an abandoned generation and may be
	// replaced.
	resumeLockTTL = 5 * time.Minute
)

// ErrTimeout reports a permission request the user never answered.
var ErrTimeout = errors.New("permission: request timed out")

// TimeoutFunc is invoked when a pending permission expires, after it has
// been removed from the queue.
type TimeoutFunc func(sessionID string, pending Pending)

// resumeLock is the single-holder token guarding resumption of a paused
// turn. At most one live value exists per session.
type resumeLock struct {
	messageID string
	timestamp time.Time
}

func (l *resumeLock) valid(now time.Time) bool {
	return now.Sub(l.timestamp) < resumeLockTTL
}

// Negotiator tracks pending permissions and resume locks per session. All
// methods are safe for concurrent use.
type Negotiator struct {
	mu      sync.Mutex
	pending map[string][]Pending
	timers  map[string]*time.Timer // sessionID + "\x00" + toolCallID
	locks   map[string]*resumeLock

	timeout   time.Duration
	onTimeout TimeoutFunc
	log       *slog.Logger
}

// Option configures a Negotiator.
type Option func(*Negotiator)

// WithTimeout overrides the pending-permission timeout.
func WithTimeout(d time.Duration) Option {
	return func(n *Negotiator) {
		if d > 0 {
			n.timeout = d
		}
	}
}

// WithTimeoutFunc installs the expiry callback.
func WithTimeoutFunc(fn TimeoutFunc) Option {
	return func(n *Negotiator) { n.onTimeout = fn }
}

// WithLogger installs a logger.
func WithLogger(log *slog.Logger) Option {
	return func(n *Negotiator) {
		if log != nil {
			n.log = log
		}
	}
}

// NewNegotiator creates a negotiator with the default 10 minute timeout.
func NewNegotiator(opts ...Option) *Negotiator {
	n := &Negotiator{
		pending: make(map[string][]Pending),
		timers:  make(map[string]*time.Timer),
		locks:   make(map[string]*resumeLock),
		timeout: DefaultTimeout,
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func timerKey(sessionID, toolCallID string) string {
	return sessionID + "\x00" + toolCallID
}

// Enqueue queues one turn's permission batch for a session. Each entry
// gets its own expiry timer.
func (n *Negotiator) Enqueue(sessionID, messageID string, reqs []Request) {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	for _, req := range reqs {
		p := Pending{
			MessageID:  messageID,
			ToolCallID: req.ToolCallID,
			ToolName:   req.ToolName,
			ServerName: req.ServerName,
			Type:       req.Type,
			Timestamp:  now,
		}
		n.pending[sessionID] = append(n.pending[sessionID], p)

		key := timerKey(sessionID, req.ToolCallID)
		n.timers[key] = time.AfterFunc(n.timeout, func() {
			n.expire(sessionID, p)
		})
		n.log.Debug("permission queued",
			"session", sessionID,
			"call_id", req.ToolCallID,
			"type", string(req.Type),
			"server", req.ServerName)
	}
}

func (n *Negotiator) expire(sessionID string, p Pending) {
	n.mu.Lock()
	removed := n.removeLocked(sessionID, p.ToolCallID, p.Type, p.ServerName)
	n.mu.Unlock()
	if !removed {
		return
	}
	n.log.Warn("permission request timed out",
		"session", sessionID, "call_id", p.ToolCallID)
	if n.onTimeout != nil {
		n.onTimeout(sessionID, p)
	}
}

// Resolve removes the pending entry matching the grant or denial. The
// match requires the same toolCallId, permission type, and server: a
// grant for call A never resolves an entry for call B even when both
// share type and server.
func (n *Negotiator) Resolve(sessionID, toolCallID string, typ Type, serverName string) (Pending, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	queue := n.pending[sessionID]
	for i, p := range queue {
		if p.ToolCallID != toolCallID || p.Type != typ || p.ServerName != serverName {
			continue
		}
		n.pending[sessionID] = append(queue[:i:i], queue[i+1:]...)
		if len(n.pending[sessionID]) == 0 {
			delete(n.pending, sessionID)
		}
		n.stopTimerLocked(sessionID, toolCallID)
		return p, true
	}
	return Pending{}, false
}

func (n *Negotiator) removeLocked(sessionID, toolCallID string, typ Type, serverName string) bool {
	queue := n.pending[sessionID]
	for i, p := range queue {
		if p.ToolCallID != toolCallID || p.Type != typ || p.ServerName != serverName {
			continue
		}
		n.pending[sessionID] = append(queue[:i:i], queue[i+1:]...)
		if len(n.pending[sessionID]) == 0 {
			delete(n.pending, sessionID)
		}
		n.stopTimerLocked(sessionID, toolCallID)
		return true
	}
	return false
}

func (n *Negotiator) stopTimerLocked(sessionID, toolCallID string) {
	key := timerKey(sessionID, toolCallID)
	if t, ok := n.timers[key]; ok {
		t.Stop()
		delete(n.timers, key)
	}
}

// Pending snapshots a session's queue in FIFO order.
func (n *Negotiator) Pending(sessionID string) []Pending {
	n.mu.Lock()
	defer n.mu.Unlock()
	queue := n.pending[sessionID]
	out := make([]Pending, len(queue))
	copy(out, queue)
	return out
}

// HasPendingForMessage reports whether the message still has unanswered
// permission prompts.
func (n *Negotiator) HasPendingForMessage(sessionID, messageID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.pending[sessionID] {
		if p.MessageID == messageID {
			return true
		}
	}
	return false
}

// DropSession clears every pending entry and lock for a session.
func (n *Negotiator) DropSession(sessionID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.pending[sessionID] {
		n.stopTimerLocked(sessionID, p.ToolCallID)
	}
	delete(n.pending, sessionID)
	delete(n.locks, sessionID)
}

// AcquireResume takes the session's resume lock for messageID. It fails
// when any still-valid lock exists, including one held for the same
// message: duplicate resume attempts become no-ops.
func (n *Negotiator) AcquireResume(sessionID, messageID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := time.Now()
	if lock, ok := n.locks[sessionID]; ok && lock.valid(now) {
		n.log.Debug("resume lock busy",
			"session", sessionID,
			"holder", lock.messageID,
			"requested", messageID)
		return false
	}
	n.locks[sessionID] = &resumeLock{messageID: messageID, timestamp: now}
	return true
}

// ValidateResume re-checks that messageID still holds the session's
// resume lock. Called after every awaited boundary inside resumption.
func (n *Negotiator) ValidateResume(sessionID, messageID string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	lock, ok := n.locks[sessionID]
	return ok && lock.messageID == messageID && lock.valid(time.Now())
}

// ReleaseResume releases the lock if messageID holds it.
func (n *Negotiator) ReleaseResume(sessionID, messageID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if lock, ok := n.locks[sessionID]; ok && lock.messageID == messageID {
		delete(n.locks, sessionID)
	}
}
