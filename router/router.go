// Package router is the consumer-facing surface of the execution core.
// It maps agent IDs to backend adapters, tracks which adapter owns each
// session, and fans the canonical event stream out to subscribers. The
// backend behind a session is invisible to callers.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/ThinkInAIXYZ/deepchat-sub009/chatevent"
	"github.com/ThinkInAIXYZ/deepchat-sub009/permission"
)

// DefaultSubscriberBuffer is the per-consumer event channel depth.
const DefaultSubscriberBuffer = 256

// Adapter is one backend capable of hosting sessions. Both the in-process
// model loop and the out-of-process agent supervisor implement it.
type Adapter interface {
	NewSession(ctx context.Context, agentID, workdir string) (string, error)
	LoadSession(ctx context.Context, agentID, workdir, sessionID string) (string, error)
	Prompt(ctx context.Context, sessionID, text string) (string, error)
	Cancel(sessionID string) error
	SetMode(ctx context.Context, sessionID, modeID string) error
	SetModel(ctx context.Context, sessionID, modelID string) error
	Grant(sessionID, toolCallID string, typ permission.Type, serverName string) error
	Deny(sessionID, toolCallID string, typ permission.Type, serverName string) error
	PermissionTimeout(sessionID string, pending permission.Pending)
	CloseSession(sessionID string) error
	Close()
}

type prefixEntry struct {
	adapter Adapter
	prefix  string
}

type subscriber struct {
	ch chan chatevent.Event
}

// Router resolves agent IDs to adapters and sessions to their owners.
type Router struct {
	exact    map[string]Adapter
	prefixes []prefixEntry
	sessions map[string]Adapter
	subs     map[int]*subscriber
	nextSub  int
	log      *slog.Logger
	bufSize  int
	mu       sync.RWMutex
}

// Option configures a Router.
type Option func(*Router)

// WithLogger installs a logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Router) {
		if log != nil {
			r.log = log
		}
	}
}

// WithSubscriberBuffer sets the per-consumer event channel depth.
func WithSubscriberBuffer(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.bufSize = n
		}
	}
}

// New builds an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		exact:    make(map[string]Adapter),
		sessions: make(map[string]Adapter),
		subs:     make(map[int]*subscriber),
		log:      slog.New(slog.DiscardHandler),
		bufSize:  DefaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterExact binds an agent ID to an adapter.
func (r *Router) RegisterExact(agentID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[agentID] = a
}

// RegisterPrefix appends a (prefix, adapter) entry. Resolution picks the
// longest matching prefix; ties go to the earlier registration.
func (r *Router) RegisterPrefix(prefix string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes = append(r.prefixes, prefixEntry{adapter: a, prefix: prefix})
}

// resolveAgent finds the adapter for an agent ID: exact match first, then
// the longest matching prefix in registration order.
func (r *Router) resolveAgent(agentID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if a, ok := r.exact[agentID]; ok {
		return a, nil
	}

	var best Adapter
	bestLen := -1
	for _, e := range r.prefixes {
		if strings.HasPrefix(agentID, e.prefix) && len(e.prefix) > bestLen {
			best = e.adapter
			bestLen = len(e.prefix)
		}
	}
	if best == nil {
		return nil, &UnknownAgentError{AgentID: agentID}
	}
	return best, nil
}

// adapterFor finds the adapter owning a session.
func (r *Router) adapterFor(sessionID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.sessions[sessionID]
	if !ok {
		return nil, &UnknownSessionError{SessionID: sessionID}
	}
	return a, nil
}

// CreateSession opens a session on the adapter resolved for agentID.
func (r *Router) CreateSession(ctx context.Context, agentID, workdir string) (string, error) {
	a, err := r.resolveAgent(agentID)
	if err != nil {
		return "", err
	}
	sessionID, err := a.NewSession(ctx, agentID, workdir)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.sessions[sessionID] = a
	r.mu.Unlock()
	r.log.Info("session routed", "session", sessionID, "agent", agentID)
	return sessionID, nil
}

// LoadSession restores a persisted session. Backends that cannot replay
// it fall back to a fresh session; the returned ID is authoritative.
func (r *Router) LoadSession(ctx context.Context, agentID, workdir, sessionID string) (string, error) {
	a, err := r.resolveAgent(agentID)
	if err != nil {
		return "", err
	}
	actualID, err := a.LoadSession(ctx, agentID, workdir, sessionID)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.sessions[actualID] = a
	r.mu.Unlock()
	return actualID, nil
}

// SendMessage submits a user turn and returns the message ID.
func (r *Router) SendMessage(ctx context.Context, sessionID, text string) (string, error) {
	a, err := r.adapterFor(sessionID)
	if err != nil {
		return "", err
	}
	return a.Prompt(ctx, sessionID, text)
}

// CancelMessage aborts the session's in-flight turn.
func (r *Router) CancelMessage(sessionID string) error {
	a, err := r.adapterFor(sessionID)
	if err != nil {
		return err
	}
	return a.Cancel(sessionID)
}

// SetMode switches the session's operating mode.
func (r *Router) SetMode(ctx context.Context, sessionID, modeID string) error {
	a, err := r.adapterFor(sessionID)
	if err != nil {
		return err
	}
	return a.SetMode(ctx, sessionID, modeID)
}

// SetModel switches the model the session runs on.
func (r *Router) SetModel(ctx context.Context, sessionID, modelID string) error {
	a, err := r.adapterFor(sessionID)
	if err != nil {
		return err
	}
	return a.SetModel(ctx, sessionID, modelID)
}

// GrantPermission approves one pending tool call.
func (r *Router) GrantPermission(sessionID, toolCallID string, typ permission.Type, serverName string) error {
	a, err := r.adapterFor(sessionID)
	if err != nil {
		return err
	}
	return a.Grant(sessionID, toolCallID, typ, serverName)
}

// DenyPermission rejects one pending tool call.
func (r *Router) DenyPermission(sessionID, toolCallID string, typ permission.Type, serverName string) error {
	a, err := r.adapterFor(sessionID)
	if err != nil {
		return err
	}
	return a.Deny(sessionID, toolCallID, typ, serverName)
}

// PermissionTimeout routes a negotiator expiry to the owning adapter.
// Wire it as the negotiator's timeout callback.
func (r *Router) PermissionTimeout(sessionID string, pending permission.Pending) {
	a, err := r.adapterFor(sessionID)
	if err != nil {
		return
	}
	a.PermissionTimeout(sessionID, pending)
}

// CloseSession tears one session down.
func (r *Router) CloseSession(sessionID string) error {
	a, err := r.adapterFor(sessionID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	return a.CloseSession(sessionID)
}

// Emit delivers one canonical event to every subscriber. This is the
// single event surface; adapters emit through it. Slow consumers drop.
func (r *Router) Emit(ev chatevent.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sub := range r.subs {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a consumer. The returned cancel function must be
// called to release the channel.
func (r *Router) Subscribe() (<-chan chatevent.Event, func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	sub := &subscriber{ch: make(chan chatevent.Event, r.bufSize)}
	r.subs[id] = sub
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if s, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(s.ch)
		}
		r.mu.Unlock()
	}
	return sub.ch, cancel
}

// Close shuts every adapter down and drops all subscribers.
func (r *Router) Close() {
	r.mu.Lock()
	adapters := make(map[Adapter]struct{})
	for _, a := range r.exact {
		adapters[a] = struct{}{}
	}
	for _, e := range r.prefixes {
		adapters[e.adapter] = struct{}{}
	}
	subs := r.subs
	r.subs = make(map[int]*subscriber)
	r.sessions = make(map[string]Adapter)
	r.mu.Unlock()

	for a := range adapters {
		a.Close()
	}
	for _, s := range subs {
		close(s.ch)
	}
}
