package transport

import (
	"context"
	"sync"
)

// SessionGuard serializes in-flight requests per session. The session
// record is mutated by exactly one request at a time; the gateway does
// not implement concurrent-write conflict resolution, so a second request
// against a session that already has one in flight is rejected before any
// engine run begins.
//
// All methods are safe for concurrent use.
type SessionGuard struct {
	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewSessionGuard creates an empty guard.
func NewSessionGuard() *SessionGuard {
	return &SessionGuard{
		active: make(map[string]context.CancelFunc),
	}
}

// Acquire marks the session as having a request in flight. Returns false
// if one is already active, in which case the caller must reject the
// request. The cancel function is invoked if the session is cancelled via
// Cancel.
func (g *SessionGuard) Acquire(sessionID string, cancel context.CancelFunc) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.active[sessionID]; ok {
		return false
	}
	g.active[sessionID] = cancel
	return true
}

// Release clears the in-flight mark. Called when the request finishes,
// regardless of outcome.
func (g *SessionGuard) Release(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, sessionID)
}

// Cancel cancels the session's in-flight request, if any. Returns true if
// a request was found and cancelled.
func (g *SessionGuard) Cancel(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cancel, ok := g.active[sessionID]
	if !ok {
		return false
	}
	cancel()
	delete(g.active, sessionID)
	return true
}
