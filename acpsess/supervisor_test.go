package acpsess

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
	"github.com/ThinkInAIXYZ/deepchat-sub009/streamsched"
)

// deltaLog records coalesced deltas emitted by the scheduler.
type deltaLog struct {
	mu     sync.Mutex
	deltas []chatevent.MessageDeltaEvent
}

func (l *deltaLog) emit(ev chatevent.MessageDeltaEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deltas = append(l.deltas, ev)
}

func (l *deltaLog) snapshot() []chatevent.MessageDeltaEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]chatevent.MessageDeltaEvent(nil), l.deltas...)
}

// insertSession plants a mid-turn session record backed by an unstarted
// connection, so close paths can be exercised without a subprocess.
func insertSession(t *testing.T, s *Supervisor, sessionID, messageID string) {
	t.Helper()
	c := newConn(s, "gemini", t.TempDir(), slog.New(slog.DiscardHandler))
	c.proc = newAgentProcess(AgentConfig{ID: "gemini", Command: "true"})

	rec := newSessionRecord(sessionID, "gemini", c.workdir, c)
	require.True(t, rec.beginTurn(messageID))

	s.mu.Lock()
	s.sessions[sessionID] = rec
	s.mu.Unlock()
}

func TestCloseSessionDropsBufferedDeltas(t *testing.T) {
	log := &deltaLog{}
	sched := streamsched.New(time.Hour, log.emit)
	s := New(permission.NewNegotiator(), sched, func(chatevent.Event) {})

	insertSession(t, s, "sess-1", "msg-1")
	sched.Append("sess-1", "msg-1", "partial output", "")

	require.NoError(t, s.CloseSession("sess-1"))
	assert.ErrorIs(t, s.CloseSession("sess-1"), ErrSessionNotFound)

	// The buffer was discarded with the session: finishing the message
	// emits only the empty completing delta, never the partial text.
	sched.Finish("sess-1", "msg-1")
	deltas := log.snapshot()
	require.Len(t, deltas, 1)
	assert.True(t, deltas[0].IsComplete)
	assert.Empty(t, deltas[0].Content)
}

func TestSupervisorCloseDropsBufferedDeltas(t *testing.T) {
	log := &deltaLog{}
	sched := streamsched.New(time.Hour, log.emit)
	s := New(permission.NewNegotiator(), sched, func(chatevent.Event) {})

	insertSession(t, s, "sess-1", "msg-1")
	sched.Append("sess-1", "msg-1", "partial output", "")

	s.Close()
	assert.False(t, s.Owns("sess-1"))

	sched.Finish("sess-1", "msg-1")
	deltas := log.snapshot()
	require.Len(t, deltas, 1)
	assert.Empty(t, deltas[0].Content)
}
