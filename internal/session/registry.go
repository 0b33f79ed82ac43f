// Package session owns the lifecycle of call and meeting sessions.
//
// Every session is guarded by its own lock, so transitions for one session
// are serialized while unrelated sessions proceed in parallel. The registry
// lock guards the session and active-call indexes. Lock order is always
// registry before session; paths that hold a session lock release it before
// touching the indexes.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/huddle-hq/coordinator/internal/models"
)

// TimeoutHandler is invoked, outside all registry locks, when a ringing
// session times out and transitions to cancelled.
type TimeoutHandler func(*models.Session)

type entry struct {
	mu    sync.Mutex
	s     *models.Session
	timer *time.Timer
}

// Registry is the in-memory session store.
type Registry struct {
	mu          sync.Mutex
	sessions    map[string]*entry
	activeCalls map[string]string // userID -> session ID, call kinds only

	ringTimeout time.Duration
	onTimeout   TimeoutHandler
	log         zerolog.Logger
}

// New creates a registry. ringTimeout bounds how long a call may ring
// before it is cancelled with reason=timeout.
func New(ringTimeout time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		sessions:    make(map[string]*entry),
		activeCalls: make(map[string]string),
		ringTimeout: ringTimeout,
		log:         log.With().Str("component", "session").Logger(),
	}
}

// SetTimeoutHandler wires the ring-timeout notification. Must be called
// before the first Create.
func (r *Registry) SetTimeoutHandler(fn TimeoutHandler) {
	r.onTimeout = fn
}

// Create registers a new session. id may be empty, in which case one is
// generated; clients supply their own id so reconnect replays of start_call
// hit the idempotency guard instead of creating a second session.
//
// Call kinds start ringing with the ring timer armed and enforce the
// one-active-call rule: if the initiator or any callee is already in an
// active call-kind session, Create fails with ConflictError. Meetings start
// ongoing and skip both.
func (r *Registry) Create(id string, kind models.SessionKind, startedBy string, callees []string, connID string) (*models.Session, error) {
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now()

	creatorRole := models.RoleCaller
	calleeRole := models.RoleCallee
	status := models.StatusRinging
	if kind == models.KindMeeting {
		creatorRole = models.RoleHost
		calleeRole = models.RoleGuest
		status = models.StatusOngoing
	}

	s := &models.Session{
		ID:           id,
		Kind:         kind,
		Status:       status,
		Participants: make(map[string]*models.Participant, len(callees)+1),
		StartedBy:    startedBy,
		CreatedAt:    now,
	}
	creator := &models.Participant{
		UserID:       startedBy,
		ConnectionID: connID,
		Role:         creatorRole,
	}
	if kind.IsCall() {
		// The caller is on the line from the start; one accept is enough
		// to bring a 1:1 call ongoing. A meeting creator joins like
		// everyone else, over the socket.
		creator.JoinedAt = now
	}
	s.Participants[startedBy] = creator
	for _, userID := range callees {
		if userID == startedBy {
			continue
		}
		s.Participants[userID] = &models.Participant{
			UserID: userID,
			Role:   calleeRole,
		}
	}

	r.mu.Lock()
	if _, exists := r.sessions[id]; exists {
		r.mu.Unlock()
		return nil, &models.ConflictError{Reason: "session " + id + " already exists"}
	}
	if kind.IsCall() {
		for userID := range s.Participants {
			if other, busy := r.activeCalls[userID]; busy {
				r.mu.Unlock()
				return nil, &models.ConflictError{
					Reason: "user " + userID + " already has an active call (session " + other + ")",
				}
			}
		}
		for userID := range s.Participants {
			r.activeCalls[userID] = id
		}
	}
	e := &entry{s: s}
	if kind.IsCall() && r.ringTimeout > 0 {
		e.timer = time.AfterFunc(r.ringTimeout, func() { r.timeout(id) })
	}
	r.sessions[id] = e
	r.mu.Unlock()

	r.log.Info().Str("session", id).Str("kind", string(kind)).Str("startedBy", startedBy).Msg("session created")
	return s.Clone(), nil
}

// Get returns a snapshot of the session.
func (r *Registry) Get(id string) (*models.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s.Clone(), nil
}

// ActiveCallFor reports the session ID of the user's active call-kind
// session, if any.
func (r *Registry) ActiveCallFor(userID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.activeCalls[userID]
	return id, ok
}

// Accept moves a ringing call to connecting and marks the acceptor joined.
// The caller is joined at creation, so a 1:1 accept immediately satisfies
// the all-parties-joined condition and the session lands in ongoing. On a
// group call, later accepts join the acceptor into the already-ongoing
// session without a status change.
func (r *Registry) Accept(id, userID, connID string) (*models.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	s := e.s
	if s.Status.Terminal() {
		e.mu.Unlock()
		return nil, &models.InvalidTransitionError{SessionID: id, Status: s.Status, Event: "accept"}
	}
	p, ok := s.Participants[userID]
	if !ok || !p.Active() {
		e.mu.Unlock()
		return nil, &models.UnauthorizedError{UserID: userID, SessionID: id}
	}
	if p.Joined() {
		e.mu.Unlock()
		return nil, &models.ConflictError{Reason: "user " + userID + " already accepted session " + id}
	}
	if s.Status == models.StatusRinging {
		s.Status = models.StatusConnecting
		r.stopTimer(e)
	}
	p.JoinedAt = time.Now()
	p.ConnectionID = connID
	r.maybeGoOngoing(s)
	snapshot := s.Clone()
	e.mu.Unlock()

	r.log.Info().Str("session", id).Str("user", userID).Str("status", string(snapshot.Status)).Msg("call accepted")
	return snapshot, nil
}

// Join marks a participant as joined. Used by group-call join_call events
// and meeting joins; joining twice is a no-op.
func (r *Registry) Join(id, userID, connID string) (*models.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	s := e.s
	if s.Status.Terminal() {
		e.mu.Unlock()
		return nil, &models.InvalidTransitionError{SessionID: id, Status: s.Status, Event: "join"}
	}
	p, ok := s.Participants[userID]
	if !ok || !p.Active() {
		if s.Kind != models.KindMeeting {
			e.mu.Unlock()
			return nil, &models.UnauthorizedError{UserID: userID, SessionID: id}
		}
		// Meetings are open to anyone holding the code.
		p = &models.Participant{UserID: userID, Role: models.RoleGuest}
		s.Participants[userID] = p
	}
	if !p.Joined() {
		p.JoinedAt = time.Now()
	}
	p.ConnectionID = connID
	p.LeftAt = nil
	r.maybeGoOngoing(s)
	snapshot := s.Clone()
	e.mu.Unlock()
	return snapshot, nil
}

// Reject terminates a ringing call on behalf of a callee.
func (r *Registry) Reject(id, userID string) (*models.Session, error) {
	return r.terminate(id, userID, "reject", models.StatusRejected, models.ReasonRejected, []models.SessionStatus{models.StatusRinging})
}

// Cancel terminates a ringing call on behalf of the initiator.
func (r *Registry) Cancel(id, userID string) (*models.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	startedBy := e.s.StartedBy
	e.mu.Unlock()
	if userID != startedBy {
		return nil, &models.UnauthorizedError{UserID: userID, SessionID: id}
	}
	return r.terminate(id, userID, "cancel", models.StatusCancelled, models.ReasonCancelled, []models.SessionStatus{models.StatusRinging})
}

// End terminates a connecting or ongoing call.
func (r *Registry) End(id, userID string) (*models.Session, error) {
	return r.terminate(id, userID, "end", models.StatusEnded, models.ReasonEnded,
		[]models.SessionStatus{models.StatusConnecting, models.StatusOngoing})
}

// AddParticipant invites a user into an existing session. Adding a user who
// is already an active participant is a no-op.
func (r *Registry) AddParticipant(id, userID, role string) (*models.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	s := e.s
	if s.Status.Terminal() {
		e.mu.Unlock()
		return nil, &models.InvalidTransitionError{SessionID: id, Status: s.Status, Event: "add_participant"}
	}
	if p, ok := s.Participants[userID]; ok && p.Active() {
		snapshot := s.Clone()
		e.mu.Unlock()
		return snapshot, nil
	}
	s.Participants[userID] = &models.Participant{UserID: userID, Role: role}
	snapshot := s.Clone()
	e.mu.Unlock()

	if s.Kind.IsCall() {
		r.mu.Lock()
		r.activeCalls[userID] = id
		r.mu.Unlock()
	}
	return snapshot, nil
}

// RemoveParticipant marks a user as having left. Removing an absent or
// already-left user is a no-op. When the last active participant leaves a
// non-terminal call it cascades to ended; the returned bool reports
// whether this call performed that transition. Meetings never cascade:
// an emptied meeting stays joinable for as long as its code is valid,
// until it is deleted or idle-evicted.
func (r *Registry) RemoveParticipant(id, userID string) (*models.Session, bool, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	s := e.s
	p, ok := s.Participants[userID]
	if ok && p.Active() {
		now := time.Now()
		p.LeftAt = &now
	}
	cascaded := false
	if s.Kind.IsCall() && !s.Status.Terminal() && len(s.ActiveParticipants()) == 0 {
		r.finish(e, models.StatusEnded, models.ReasonEnded)
		cascaded = true
	}
	snapshot := s.Clone()
	e.mu.Unlock()

	if ok && s.Kind.IsCall() {
		r.clearActiveCall(userID, id)
	}
	if cascaded {
		r.log.Info().Str("session", id).Msg("last participant left, session ended")
		r.releaseCallIndex(snapshot)
	}
	return snapshot, cascaded, nil
}

// Close force-ends a session on administrative authority (meeting
// deletion), without the participant checks End applies: the creator may
// tear a meeting down after having left it.
func (r *Registry) Close(id string, reason models.EndReason) (*models.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	if e.s.Status.Terminal() {
		status := e.s.Status
		e.mu.Unlock()
		return nil, &models.InvalidTransitionError{SessionID: id, Status: status, Event: "close"}
	}
	r.finish(e, models.StatusEnded, reason)
	snapshot := e.s.Clone()
	e.mu.Unlock()

	r.log.Info().Str("session", id).Msg("session closed")
	r.releaseCallIndex(snapshot)
	return snapshot, nil
}

// EvictTerminal drops terminal sessions that ended more than maxAge ago
// and returns their IDs so callers can release any per-session state of
// their own (the idempotency guard, in practice).
func (r *Registry) EvictTerminal(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, e := range r.sessions {
		e.mu.Lock()
		dead := e.s.Status.Terminal() && e.s.EndedAt != nil && e.s.EndedAt.Before(cutoff)
		e.mu.Unlock()
		if dead {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// EvictIdle drops non-terminal meeting sessions that have had no joined
// participant for longer than maxIdle, and returns their IDs. Without
// this a meeting whose creator never attaches, or that everyone left,
// would sit in memory forever: it never cascades and EvictTerminal never
// sees it.
func (r *Registry) EvictIdle(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted []string
	for id, e := range r.sessions {
		e.mu.Lock()
		idle := false
		if e.s.Kind == models.KindMeeting && !e.s.Status.Terminal() {
			if since, ok := idleSince(e.s); ok && since.Before(cutoff) {
				idle = true
			}
		}
		e.mu.Unlock()
		if idle {
			delete(r.sessions, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// idleSince returns when the session last had a joined participant,
// approximated as the latest leave time (creation time if nobody ever
// joined). ok is false while a joined participant is present.
func idleSince(s *models.Session) (time.Time, bool) {
	last := s.CreatedAt
	for _, p := range s.Participants {
		if p.Active() && p.Joined() {
			return time.Time{}, false
		}
		if p.LeftAt != nil && p.LeftAt.After(last) {
			last = *p.LeftAt
		}
	}
	return last, true
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	r.mu.Unlock()
	if !ok {
		return nil, &models.NotFoundError{Resource: "session", ID: id}
	}
	return e, nil
}

// maybeGoOngoing promotes a connecting call once the initiator and at least
// one callee have joined. Caller must hold the entry lock.
func (r *Registry) maybeGoOngoing(s *models.Session) {
	if s.Status != models.StatusConnecting {
		return
	}
	caller, ok := s.Participants[s.StartedBy]
	if !ok || !caller.Joined() {
		return
	}
	for userID, p := range s.Participants {
		if userID != s.StartedBy && p.Active() && p.Joined() {
			s.Status = models.StatusOngoing
			return
		}
	}
}

func (r *Registry) terminate(id, userID, event string, status models.SessionStatus, reason models.EndReason, validFrom []models.SessionStatus) (*models.Session, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	s := e.s
	valid := false
	for _, from := range validFrom {
		if s.Status == from {
			valid = true
			break
		}
	}
	if !valid {
		e.mu.Unlock()
		return nil, &models.InvalidTransitionError{SessionID: id, Status: s.Status, Event: event}
	}
	if p, ok := s.Participants[userID]; !ok || !p.Active() {
		e.mu.Unlock()
		return nil, &models.UnauthorizedError{UserID: userID, SessionID: id}
	}
	r.finish(e, status, reason)
	snapshot := s.Clone()
	e.mu.Unlock()

	r.log.Info().Str("session", id).Str("user", userID).Str("status", string(status)).Msg("session terminated")
	r.releaseCallIndex(snapshot)
	return snapshot, nil
}

// finish applies a terminal status. Caller must hold the entry lock.
func (r *Registry) finish(e *entry, status models.SessionStatus, reason models.EndReason) {
	now := time.Now()
	e.s.Status = status
	e.s.EndReason = reason
	e.s.EndedAt = &now
	for _, p := range e.s.Participants {
		if p.LeftAt == nil {
			t := now
			p.LeftAt = &t
		}
	}
	r.stopTimer(e)
}

func (r *Registry) stopTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

// releaseCallIndex frees the one-active-call slots held by a terminated
// call session.
func (r *Registry) releaseCallIndex(s *models.Session) {
	if !s.Kind.IsCall() {
		return
	}
	r.mu.Lock()
	for userID := range s.Participants {
		if r.activeCalls[userID] == s.ID {
			delete(r.activeCalls, userID)
		}
	}
	r.mu.Unlock()
}

func (r *Registry) clearActiveCall(userID, sessionID string) {
	r.mu.Lock()
	if r.activeCalls[userID] == sessionID {
		delete(r.activeCalls, userID)
	}
	r.mu.Unlock()
}

// timeout fires from the per-session ring timer. The session only rings
// once, so the timer is never re-armed.
func (r *Registry) timeout(id string) {
	e, err := r.lookup(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	if e.s.Status != models.StatusRinging {
		e.mu.Unlock()
		return
	}
	r.finish(e, models.StatusCancelled, models.ReasonTimeout)
	snapshot := e.s.Clone()
	e.mu.Unlock()

	r.log.Info().Str("session", id).Msg("ringing call timed out")
	r.releaseCallIndex(snapshot)
	if r.onTimeout != nil {
		r.onTimeout(snapshot)
	}
}
