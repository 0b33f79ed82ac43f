// Package presence tracks which users are connected, over which
// connections, and which logical rooms they occupy.
//
// A disconnect does not mark the user offline immediately: a grace timer
// runs first, so a transport-level reconnect (new tab, flaky network) does
// not surface as the user leaving and rejoining.
package presence

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// OfflineHandler is invoked, outside the tracker lock, once a user's grace
// window expires with no remaining connections. rooms lists the rooms the
// user occupied at that moment; they are vacated before the call.
type OfflineHandler func(userID string, rooms []string)

type userEntry struct {
	conns        map[string]struct{}
	rooms        map[string]struct{}
	lastSeenAt   time.Time
	offlineTimer *time.Timer
}

// Tracker is the in-memory presence store.
type Tracker struct {
	mu    sync.Mutex
	users map[string]*userEntry
	conns map[string]string // connection ID -> user ID
	rooms map[string]map[string]struct{}

	grace     time.Duration
	onOffline OfflineHandler
	log       zerolog.Logger
}

// New creates a tracker with the given disconnect grace window.
func New(grace time.Duration, log zerolog.Logger) *Tracker {
	return &Tracker{
		users: make(map[string]*userEntry),
		conns: make(map[string]string),
		rooms: make(map[string]map[string]struct{}),
		grace: grace,
		log:   log.With().Str("component", "presence").Logger(),
	}
}

// SetOfflineHandler wires the offline notification. Must be called before
// the first Connect.
func (t *Tracker) SetOfflineHandler(fn OfflineHandler) {
	t.onOffline = fn
}

// Connect registers a connection for a user. A pending offline timer from
// an earlier disconnect is cancelled, absorbing the reconnect silently.
func (t *Tracker) Connect(userID, connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	u, ok := t.users[userID]
	if !ok {
		u = &userEntry{
			conns: make(map[string]struct{}),
			rooms: make(map[string]struct{}),
		}
		t.users[userID] = u
	}
	if u.offlineTimer != nil {
		u.offlineTimer.Stop()
		u.offlineTimer = nil
		t.log.Debug().Str("user", userID).Msg("reconnected within grace window")
	}
	u.conns[connID] = struct{}{}
	u.lastSeenAt = time.Now()
	t.conns[connID] = userID
}

// Disconnect removes a connection. When it was the user's last one, a grace
// timer is started; only if it expires does the user go offline. Returns
// the user ID the connection belonged to.
func (t *Tracker) Disconnect(connID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	userID, ok := t.conns[connID]
	if !ok {
		return "", false
	}
	delete(t.conns, connID)

	u := t.users[userID]
	delete(u.conns, connID)
	u.lastSeenAt = time.Now()
	if len(u.conns) > 0 {
		return userID, true
	}

	if u.offlineTimer != nil {
		u.offlineTimer.Stop()
	}
	u.offlineTimer = time.AfterFunc(t.grace, func() { t.expire(userID) })
	return userID, true
}

// IsOnline reports whether the user has at least one live connection or is
// still within the disconnect grace window.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[userID]
	return ok
}

// ConnectionsFor returns the user's live connection IDs.
func (t *Tracker) ConnectionsFor(userID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userID]
	if !ok {
		return nil
	}
	conns := make([]string, 0, len(u.conns))
	for connID := range u.conns {
		conns = append(conns, connID)
	}
	return conns
}

// LastSeen returns when the user was last observed on the transport.
func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userID]
	if !ok {
		return time.Time{}, false
	}
	return u.lastSeenAt, true
}

// JoinRoom records the user as logically inside a room. Room membership is
// independent of connection churn; it survives a reconnect within the
// grace window.
func (t *Tracker) JoinRoom(userID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userID]
	if !ok {
		return
	}
	u.rooms[roomID] = struct{}{}
	members, ok := t.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		t.rooms[roomID] = members
	}
	members[userID] = struct{}{}
}

// LeaveRoom removes the user from a room. Leaving a room the user is not
// in is a no-op.
func (t *Tracker) LeaveRoom(userID, roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaveRoomLocked(userID, roomID)
}

// RoomMembers returns the user IDs currently in a room.
func (t *Tracker) RoomMembers(roomID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	members := make([]string, 0, len(t.rooms[roomID]))
	for userID := range t.rooms[roomID] {
		members = append(members, userID)
	}
	return members
}

// InRoom reports whether the user is currently in the room.
func (t *Tracker) InRoom(userID, roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.rooms[roomID][userID]
	return ok
}

func (t *Tracker) leaveRoomLocked(userID, roomID string) {
	if u, ok := t.users[userID]; ok {
		delete(u.rooms, roomID)
	}
	if members, ok := t.rooms[roomID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(t.rooms, roomID)
		}
	}
}

// expire fires from the grace timer. The user may have reconnected while
// the timer callback was in flight, so re-check under the lock.
func (t *Tracker) expire(userID string) {
	t.mu.Lock()
	u, ok := t.users[userID]
	if !ok || len(u.conns) > 0 {
		t.mu.Unlock()
		return
	}
	rooms := make([]string, 0, len(u.rooms))
	for roomID := range u.rooms {
		rooms = append(rooms, roomID)
	}
	for _, roomID := range rooms {
		t.leaveRoomLocked(userID, roomID)
	}
	delete(t.users, userID)
	t.mu.Unlock()

	t.log.Debug().Str("user", userID).Msg("presence expired")
	if t.onOffline != nil {
		t.onOffline(userID, rooms)
	}
}
