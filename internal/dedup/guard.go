// Package dedup suppresses duplicate signaling events caused by client
// double-emits and reconnect replays of an at-least-once transport.
package dedup

import (
	"sync"
	"time"

	"github.com/huddle-hq/coordinator/internal/models"
)

// terminalEvents are processed at most once per session, regardless of the
// dedupe window: once a session has ended there is nothing left to end.
var terminalEvents = map[string]bool{
	models.EventEndCall:    true,
	models.EventRejectCall: true,
	models.EventCancelCall: true,
}

type sessionState struct {
	lastSeen map[string]time.Time // event type -> last accepted at
	terminal bool
}

// Guard deduplicates (event type, session ID) pairs within a sliding
// window. State lives only as long as the session does; ClearSession drops
// it when the session is destroyed.
//
// Media-negotiation events (offer/answer/ICE) are legitimately repeatable
// during renegotiation and must never be routed through the guard.
type Guard struct {
	mu       sync.Mutex
	sessions map[string]*sessionState
	window   time.Duration
	now      func() time.Time
}

// New creates a guard with the given dedupe window.
func New(window time.Duration) *Guard {
	return &Guard{
		sessions: make(map[string]*sessionState),
		window:   window,
		now:      time.Now,
	}
}

// ShouldProcess reports whether the event should be handled. It returns
// false for a repeat of the same (eventType, sessionID) within the window,
// and for lifecycle-ending events on a session already marked terminal.
// Accepted events are recorded as the new window anchor.
func (g *Guard) ShouldProcess(eventType, sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.sessions[sessionID]
	if !ok {
		st = &sessionState{lastSeen: make(map[string]time.Time)}
		g.sessions[sessionID] = st
	}
	if st.terminal && terminalEvents[eventType] {
		return false
	}
	now := g.now()
	if last, seen := st.lastSeen[eventType]; seen && now.Sub(last) < g.window {
		return false
	}
	st.lastSeen[eventType] = now
	return true
}

// Forget removes the window anchor for an accepted event whose transition
// failed, so a legitimate retry inside the window is not swallowed as a
// duplicate.
func (g *Guard) Forget(eventType, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if st, ok := g.sessions[sessionID]; ok {
		delete(st.lastSeen, eventType)
	}
}

// MarkTerminal records that the session reached a terminal status, so any
// further end/reject/cancel for it is suppressed rather than surfaced as
// an error.
func (g *Guard) MarkTerminal(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.sessions[sessionID]
	if !ok {
		st = &sessionState{lastSeen: make(map[string]time.Time)}
		g.sessions[sessionID] = st
	}
	st.terminal = true
}

// ClearSession drops all guard state for a destroyed session. Idempotency
// only needs to span a single session's lifetime.
func (g *Guard) ClearSession(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.sessions, sessionID)
}
