package models

import "time"

// SessionKind distinguishes ringing calls from open meetings.
type SessionKind string

const (
	KindCall      SessionKind = "call"
	KindGroupCall SessionKind = "group_call"
	KindMeeting   SessionKind = "meeting"
)

// IsCall reports whether the kind participates in the ringing state machine
// and the one-active-call-per-user rule. Meetings do neither.
func (k SessionKind) IsCall() bool {
	return k == KindCall || k == KindGroupCall
}

// SessionStatus is the single source of truth for call state.
type SessionStatus string

const (
	StatusRinging    SessionStatus = "ringing"
	StatusConnecting SessionStatus = "connecting"
	StatusOngoing    SessionStatus = "ongoing"
	StatusEnded      SessionStatus = "ended"
	StatusRejected   SessionStatus = "rejected"
	StatusCancelled  SessionStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusRejected || s == StatusCancelled
}

// EndReason explains how a session reached a terminal status.
type EndReason string

const (
	ReasonEnded     EndReason = "ended"
	ReasonRejected  EndReason = "rejected"
	ReasonCancelled EndReason = "cancelled"
	ReasonTimeout   EndReason = "timeout"
)

// Participant roles.
const (
	RoleCaller = "caller"
	RoleCallee = "callee"
	RoleHost   = "host"
	RoleGuest  = "guest"
)

// Participant is one user's membership in a session. A participant with a
// nil LeftAt is active; JoinedAt is zero until the user actually joins the
// media exchange (accept for 1:1 calls, join_call for group calls).
type Participant struct {
	UserID       string     `json:"userId"`
	ConnectionID string     `json:"connectionId,omitempty"`
	Role         string     `json:"role"`
	JoinedAt     time.Time  `json:"joinedAt"`
	LeftAt       *time.Time `json:"leftAt,omitempty"`
}

// Active reports whether the participant has not left the session.
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}

// Joined reports whether the participant has joined the media exchange.
func (p *Participant) Joined() bool {
	return !p.JoinedAt.IsZero()
}

// Session is a call or meeting instance tracked by the registry.
type Session struct {
	ID           string                  `json:"id"`
	Kind         SessionKind             `json:"kind"`
	Status       SessionStatus           `json:"status"`
	Participants map[string]*Participant `json:"participants"`
	StartedBy    string                  `json:"startedBy"`
	CreatedAt    time.Time               `json:"createdAt"`
	EndedAt      *time.Time              `json:"endedAt,omitempty"`
	EndReason    EndReason               `json:"endReason,omitempty"`
}

// ActiveParticipants returns the user IDs of participants that have not left.
func (s *Session) ActiveParticipants() []string {
	ids := make([]string, 0, len(s.Participants))
	for id, p := range s.Participants {
		if p.Active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Clone returns a deep copy safe to hand out after the registry lock is
// released.
func (s *Session) Clone() *Session {
	cp := *s
	cp.Participants = make(map[string]*Participant, len(s.Participants))
	for id, p := range s.Participants {
		pc := *p
		if p.LeftAt != nil {
			t := *p.LeftAt
			pc.LeftAt = &t
		}
		cp.Participants[id] = &pc
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}
