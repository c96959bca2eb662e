// Package streamsched coalesces high-frequency streaming deltas into a
// bounded cadence. Consumers see periodic coherent snapshots instead of
// every micro-update, and a guaranteed synchronous flush at the turn's
// terminal boundary.
package streamsched

import (
	"strings"
	"sync"
	"time"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
)

// DefaultInterval is the flush cadence for buffered deltas.
const DefaultInterval = 100 * time.Millisecond

// EmitFunc delivers one coalesced delta event downstream. It is called
// without internal locks held and must not block indefinitely.
type EmitFunc func(ev chatevent.MessageDeltaEvent)

type buffer struct {
	content   strings.Builder
	reasoning strings.Builder
	timer     *time.Timer
}

// Scheduler batches per-message content updates. Safe for concurrent use.
type Scheduler struct {
	mu       sync.Mutex
	buffers  map[string]*buffer
	interval time.Duration
	emit     EmitFunc
}

// New creates a scheduler. A non-positive interval selects the default.
func New(interval time.Duration, emit EmitFunc) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		buffers:  make(map[string]*buffer),
		interval: interval,
		emit:     emit,
	}
}

func key(sessionID, messageID string) string { return sessionID + "\x00" + messageID }

// Append buffers an incremental fragment. The first fragment after a
// flush arms the cadence timer.
func (s *Scheduler) Append(sessionID, messageID, content, reasoning string) {
	if content == "" && reasoning == "" {
		return
	}
	s.mu.Lock()
	k := key(sessionID, messageID)
	buf, ok := s.buffers[k]
	if !ok {
		buf = &buffer{}
		s.buffers[k] = buf
	}
	buf.content.WriteString(content)
	buf.reasoning.WriteString(reasoning)
	if buf.timer == nil {
		buf.timer = time.AfterFunc(s.interval, func() {
			s.Flush(sessionID, messageID)
		})
	}
	s.mu.Unlock()
}

// Flush synchronously emits whatever is buffered for the message. Safe to
// call when nothing is buffered.
func (s *Scheduler) Flush(sessionID, messageID string) {
	s.flush(sessionID, messageID, false)
}

// Finish flushes the remaining buffer, emits the completing delta, and
// drops the buffer. Exactly one completing delta is emitted per message;
// it always precedes the caller's terminal event because the call is
// synchronous.
func (s *Scheduler) Finish(sessionID, messageID string) {
	s.flush(sessionID, messageID, true)
}

func (s *Scheduler) flush(sessionID, messageID string, complete bool) {
	s.mu.Lock()
	k := key(sessionID, messageID)
	buf, ok := s.buffers[k]
	var content, reasoning string
	if ok {
		content = buf.content.String()
		reasoning = buf.reasoning.String()
		buf.content.Reset()
		buf.reasoning.Reset()
		if buf.timer != nil {
			buf.timer.Stop()
			buf.timer = nil
		}
		if complete {
			delete(s.buffers, k)
		}
	}
	s.mu.Unlock()

	if !complete && content == "" && reasoning == "" {
		return
	}
	s.emit(chatevent.MessageDeltaEvent{
		SessionID:  sessionID,
		MessageID:  messageID,
		Content:    content,
		Reasoning:  reasoning,
		IsComplete: complete,
	})
}

// Drop discards a message's buffer without emitting, for cancelled turns.
func (s *Scheduler) Drop(sessionID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(sessionID, messageID)
	if buf, ok := s.buffers[k]; ok {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(s.buffers, k)
	}
}
