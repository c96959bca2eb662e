package router

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
)

// fakeAdapter hands out deterministic session IDs and records calls.
type fakeAdapter struct {
	name     string
	sessions int
	prompts  []string
	cancels  []string
	closed   bool
	loadErr  error
}

func (f *fakeAdapter) NewSession(_ context.Context, agentID, workdir string) (string, error) {
	f.sessions++
	return fmt.Sprintf("%s-sess-%d", f.name, f.sessions), nil
}

func (f *fakeAdapter) LoadSession(_ context.Context, agentID, workdir, sessionID string) (string, error) {
	if f.loadErr != nil {
		return "", f.loadErr
	}
	return sessionID, nil
}

func (f *fakeAdapter) Prompt(_ context.Context, sessionID, text string) (string, error) {
	f.prompts = append(f.prompts, sessionID+":"+text)
	return "msg-1", nil
}

func (f *fakeAdapter) Cancel(sessionID string) error {
	f.cancels = append(f.cancels, sessionID)
	return nil
}

func (f *fakeAdapter) SetMode(context.Context, string, string) error { return nil }

func (f *fakeAdapter) SetModel(context.Context, string, string) error { return nil }

func (f *fakeAdapter) Grant(string, string, permission.Type, string) error { return nil }

func (f *fakeAdapter) Deny(string, string, permission.Type, string) error { return nil }

func (f *fakeAdapter) PermissionTimeout(string, permission.Pending) {}

func (f *fakeAdapter) CloseSession(string) error { return nil }

func (f *fakeAdapter) Close() { f.closed = true }

func TestResolveUnknownAgent(t *testing.T) {
	r := New()

	_, err := r.CreateSession(context.Background(), "ghost", "/tmp")
	require.Error(t, err)

	var unknownAgent *UnknownAgentError
	require.ErrorAs(t, err, &unknownAgent)
	assert.Equal(t, "ghost", unknownAgent.AgentID)
}

func TestResolveExactBeatsPrefix(t *testing.T) {
	exact := &fakeAdapter{name: "exact"}
	prefixed := &fakeAdapter{name: "prefixed"}
	r := New()
	r.RegisterPrefix("claude", prefixed)
	r.RegisterExact("claude-code", exact)

	id, err := r.CreateSession(context.Background(), "claude-code", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, "exact-sess-1", id)
	assert.Zero(t, prefixed.sessions)
}

func TestResolveLongestPrefixWins(t *testing.T) {
	short := &fakeAdapter{name: "short"}
	long := &fakeAdapter{name: "long"}
	r := New()
	r.RegisterPrefix("model", short)
	r.RegisterPrefix("model-gpt", long)

	id, err := r.CreateSession(context.Background(), "model-gpt-4o", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, "long-sess-1", id)

	id, err = r.CreateSession(context.Background(), "model-claude", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, "short-sess-1", id)
}

func TestResolvePrefixTieGoesToEarlierRegistration(t *testing.T) {
	first := &fakeAdapter{name: "first"}
	second := &fakeAdapter{name: "second"}
	r := New()
	r.RegisterPrefix("agent", first)
	r.RegisterPrefix("agent", second)

	id, err := r.CreateSession(context.Background(), "agent-x", "/tmp")
	require.NoError(t, err)
	assert.Equal(t, "first-sess-1", id)
	assert.Zero(t, second.sessions)
}

func TestSessionOperationsRouteToOwner(t *testing.T) {
	a := &fakeAdapter{name: "a"}
	b := &fakeAdapter{name: "b"}
	r := New()
	r.RegisterExact("alpha", a)
	r.RegisterExact("beta", b)

	sessA, err := r.CreateSession(context.Background(), "alpha", "/tmp")
	require.NoError(t, err)
	sessB, err := r.CreateSession(context.Background(), "beta", "/tmp")
	require.NoError(t, err)

	_, err = r.SendMessage(context.Background(), sessA, "hello")
	require.NoError(t, err)
	require.NoError(t, r.CancelMessage(sessB))

	assert.Equal(t, []string{sessA + ":hello"}, a.prompts)
	assert.Empty(t, a.cancels)
	assert.Equal(t, []string{sessB}, b.cancels)

	// An unknown session is a typed error.
	_, err = r.SendMessage(context.Background(), "no-such-session", "hi")
	var unknownSession *UnknownSessionError
	require.ErrorAs(t, err, &unknownSession)
	assert.Equal(t, "no-such-session", unknownSession.SessionID)
}

func TestCloseSessionForgetsMapping(t *testing.T) {
	a := &fakeAdapter{name: "a"}
	r := New()
	r.RegisterExact("alpha", a)

	sess, err := r.CreateSession(context.Background(), "alpha", "/tmp")
	require.NoError(t, err)
	require.NoError(t, r.CloseSession(sess))

	_, err = r.SendMessage(context.Background(), sess, "hi")
	var unknownSession *UnknownSessionError
	assert.ErrorAs(t, err, &unknownSession)
}

func TestLoadSessionRecordsReturnedID(t *testing.T) {
	a := &fakeAdapter{name: "a"}
	r := New()
	r.RegisterExact("alpha", a)

	id, err := r.LoadSession(context.Background(), "alpha", "/tmp", "restored-7")
	require.NoError(t, err)
	assert.Equal(t, "restored-7", id)

	_, err = r.SendMessage(context.Background(), id, "hi")
	require.NoError(t, err)
}

func TestSubscribeFanOut(t *testing.T) {
	r := New()
	ch1, cancel1 := r.Subscribe()
	ch2, cancel2 := r.Subscribe()
	defer cancel2()

	ev := chatevent.StatusChangedEvent{SessionID: "s", Status: chatevent.SessionStatusActive}
	r.Emit(ev)

	select {
	case got := <-ch1:
		assert.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 never received the event")
	}
	select {
	case got := <-ch2:
		assert.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 never received the event")
	}

	// A cancelled subscriber stops receiving; others are unaffected.
	cancel1()
	r.Emit(ev)
	select {
	case got := <-ch2:
		assert.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("surviving subscriber never received the event")
	}
	_, open := <-ch1
	assert.False(t, open)
}

func TestEmitDropsWhenSubscriberFull(t *testing.T) {
	r := New(WithSubscriberBuffer(1))
	ch, cancel := r.Subscribe()
	defer cancel()

	r.Emit(chatevent.StatusChangedEvent{SessionID: "s1", Status: chatevent.SessionStatusActive})
	r.Emit(chatevent.StatusChangedEvent{SessionID: "s2", Status: chatevent.SessionStatusActive})

	got := <-ch
	assert.Equal(t, "s1", got.Session())
	select {
	case ev := <-ch:
		t.Fatalf("overflow event should have been dropped, got %v", ev)
	default:
	}
}

func TestCloseShutsDownAdapters(t *testing.T) {
	a := &fakeAdapter{name: "a"}
	b := &fakeAdapter{name: "b"}
	r := New()
	r.RegisterExact("alpha", a)
	r.RegisterPrefix("beta", b)
	// The same adapter under two names is closed once; fakeAdapter only
	// tracks a boolean so double-close would not be visible, but the
	// registration shape matches production wiring.
	r.RegisterPrefix("alpha-", a)

	ch, _ := r.Subscribe()
	r.Close()

	assert.True(t, a.closed)
	assert.True(t, b.closed)
	_, open := <-ch
	assert.False(t, open)
}
