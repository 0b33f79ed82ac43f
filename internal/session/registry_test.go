package session

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/huddle-hq/coordinator/internal/models"
)

func newTestRegistry(ringTimeout time.Duration) *Registry {
	return New(ringTimeout, zerolog.Nop())
}

func TestCreateCallStartsRinging(t *testing.T) {
	r := newTestRegistry(time.Minute)

	s, err := r.Create("", models.KindCall, "alice", []string{"bob"}, "conn-a")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.Status != models.StatusRinging {
		t.Errorf("status = %q, want %q", s.Status, models.StatusRinging)
	}
	if s.ID == "" {
		t.Error("expected a generated session ID")
	}
	if len(s.Participants) != 2 {
		t.Errorf("participants = %d, want 2", len(s.Participants))
	}
	if !s.Participants["alice"].Joined() {
		t.Error("caller should be joined at creation")
	}
	if s.Participants["bob"].Joined() {
		t.Error("callee should not be joined before accepting")
	}
}

func TestCreateMeetingStartsOngoing(t *testing.T) {
	r := newTestRegistry(time.Minute)

	s, err := r.Create("m1", models.KindMeeting, "alice", nil, "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if s.Status != models.StatusOngoing {
		t.Errorf("status = %q, want %q", s.Status, models.StatusOngoing)
	}
	if s.Participants["alice"].Role != models.RoleHost {
		t.Errorf("creator role = %q, want %q", s.Participants["alice"].Role, models.RoleHost)
	}
	// The creator registered the meeting over HTTP; they are not in the
	// room until they attach over the socket.
	if s.Participants["alice"].Joined() {
		t.Error("meeting creator should not be joined at creation")
	}
}

func TestCreateRejectsSecondActiveCall(t *testing.T) {
	r := newTestRegistry(time.Minute)

	if _, err := r.Create("s1", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
		t.Fatalf("first Create failed: %v", err)
	}

	tests := []struct {
		name      string
		startedBy string
		callees   []string
	}{
		{"initiator busy", "alice", []string{"carol"}},
		{"callee busy", "carol", []string{"bob"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Create("", models.KindCall, tt.startedBy, tt.callees, "conn-x")
			if !models.IsConflict(err) {
				t.Errorf("err = %v, want ConflictError", err)
			}
		})
	}

	// Meetings are exempt from the one-active-call rule.
	if _, err := r.Create("m1", models.KindMeeting, "alice", nil, ""); err != nil {
		t.Errorf("meeting Create while in a call failed: %v", err)
	}
}

func TestAcceptOneToOneCallGoesOngoing(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if _, err := r.Create("s1", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s, err := r.Accept("s1", "bob", "conn-b")
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if s.Status != models.StatusOngoing {
		t.Errorf("status after accept = %q, want %q", s.Status, models.StatusOngoing)
	}
	if !s.Participants["bob"].Joined() {
		t.Error("acceptor should be joined")
	}
}

func TestAcceptErrors(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if _, err := r.Create("s1", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := r.Accept("s1", "mallory", "conn-m"); !models.IsUnauthorized(err) {
		t.Errorf("accept by non-participant: err = %v, want UnauthorizedError", err)
	}
	if _, err := r.Accept("missing", "bob", "conn-b"); !models.IsNotFound(err) {
		t.Errorf("accept on unknown session: err = %v, want NotFoundError", err)
	}

	if _, err := r.Accept("s1", "bob", "conn-b"); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if _, err := r.Accept("s1", "bob", "conn-b"); !models.IsConflict(err) {
		t.Errorf("duplicate accept: err = %v, want ConflictError", err)
	}

	if _, err := r.End("s1", "alice"); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if _, err := r.Accept("s1", "bob", "conn-b"); !models.IsInvalidTransition(err) {
		t.Errorf("accept on ended session: err = %v, want InvalidTransitionError", err)
	}
}

func TestTerminalTransitions(t *testing.T) {
	tests := []struct {
		name       string
		act        func(r *Registry) (*models.Session, error)
		wantStatus models.SessionStatus
		wantReason models.EndReason
	}{
		{
			name:       "reject",
			act:        func(r *Registry) (*models.Session, error) { return r.Reject("s1", "bob") },
			wantStatus: models.StatusRejected,
			wantReason: models.ReasonRejected,
		},
		{
			name:       "cancel",
			act:        func(r *Registry) (*models.Session, error) { return r.Cancel("s1", "alice") },
			wantStatus: models.StatusCancelled,
			wantReason: models.ReasonCancelled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(time.Minute)
			if _, err := r.Create("s1", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			s, err := tt.act(r)
			if err != nil {
				t.Fatalf("transition failed: %v", err)
			}
			if s.Status != tt.wantStatus || s.EndReason != tt.wantReason {
				t.Errorf("got (%q, %q), want (%q, %q)", s.Status, s.EndReason, tt.wantStatus, tt.wantReason)
			}

			// Only one terminal transition may succeed.
			if _, err := tt.act(r); !models.IsInvalidTransition(err) {
				t.Errorf("second terminal transition: err = %v, want InvalidTransitionError", err)
			}

			// The call slots are free again.
			if _, err := r.Create("s2", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
				t.Errorf("new call after terminal failed: %v", err)
			}
		})
	}
}

func TestCancelOnlyByInitiator(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if _, err := r.Create("s1", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Cancel("s1", "bob"); !models.IsUnauthorized(err) {
		t.Errorf("cancel by callee: err = %v, want UnauthorizedError", err)
	}
}

func TestEndRequiresConnectingOrOngoing(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if _, err := r.Create("s1", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.End("s1", "alice"); !models.IsInvalidTransition(err) {
		t.Errorf("end while ringing: err = %v, want InvalidTransitionError", err)
	}
}

func TestRingTimeout(t *testing.T) {
	r := newTestRegistry(30 * time.Millisecond)

	done := make(chan *models.Session, 1)
	r.SetTimeoutHandler(func(s *models.Session) { done <- s })

	if _, err := r.Create("s1", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	select {
	case s := <-done:
		if s.Status != models.StatusCancelled || s.EndReason != models.ReasonTimeout {
			t.Errorf("got (%q, %q), want (cancelled, timeout)", s.Status, s.EndReason)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout handler never fired")
	}

	// No further accept is possible afterwards.
	if _, err := r.Accept("s1", "bob", "conn-b"); !models.IsInvalidTransition(err) {
		t.Errorf("accept after timeout: err = %v, want InvalidTransitionError", err)
	}
}

func TestAcceptCancelsRingTimer(t *testing.T) {
	r := newTestRegistry(30 * time.Millisecond)

	fired := make(chan *models.Session, 1)
	r.SetTimeoutHandler(func(s *models.Session) { fired <- s })

	if _, err := r.Create("s1", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Accept("s1", "bob", "conn-b"); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	select {
	case <-fired:
		t.Error("timeout fired after accept")
	case <-time.After(100 * time.Millisecond):
	}

	s, err := r.Get("s1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.Status != models.StatusOngoing {
		t.Errorf("status = %q, want %q", s.Status, models.StatusOngoing)
	}
}

func TestRemoveParticipantCascadesToEnded(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if _, err := r.Create("s1", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Accept("s1", "bob", "conn-b"); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	s, cascaded, err := r.RemoveParticipant("s1", "alice")
	if err != nil {
		t.Fatalf("RemoveParticipant failed: %v", err)
	}
	if s.Status != models.StatusOngoing || cascaded {
		t.Errorf("got (%q, %v), want (ongoing, no cascade)", s.Status, cascaded)
	}

	s, cascaded, err = r.RemoveParticipant("s1", "bob")
	if err != nil {
		t.Fatalf("RemoveParticipant failed: %v", err)
	}
	if s.Status != models.StatusEnded || !cascaded {
		t.Errorf("got (%q, %v), want (ended, cascaded)", s.Status, cascaded)
	}

	// Removing an already-left participant is a no-op and never reports
	// the cascade a second time.
	if _, cascaded, err := r.RemoveParticipant("s1", "bob"); err != nil || cascaded {
		t.Errorf("repeat RemoveParticipant = (cascaded %v, %v), want no-op", cascaded, err)
	}
}

func TestMeetingSurvivesEveryoneLeaving(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if _, err := r.Create("m1", models.KindMeeting, "alice", nil, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Join("m1", "alice", "conn-a"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, err := r.Join("m1", "bob", "conn-b"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	for _, userID := range []string{"alice", "bob"} {
		s, cascaded, err := r.RemoveParticipant("m1", userID)
		if err != nil {
			t.Fatalf("RemoveParticipant failed: %v", err)
		}
		if cascaded || s.Status != models.StatusOngoing {
			t.Errorf("after %s left: got (%q, cascaded %v), want meeting still ongoing", userID, s.Status, cascaded)
		}
	}

	// Anyone holding the still-valid code can join the empty room.
	if _, err := r.Join("m1", "carol", "conn-c"); err != nil {
		t.Errorf("join of an emptied meeting failed: %v", err)
	}
}

func TestCloseEndsMeetingAfterCreatorLeft(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if _, err := r.Create("m1", models.KindMeeting, "alice", nil, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Join("m1", "alice", "conn-a"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if _, _, err := r.RemoveParticipant("m1", "alice"); err != nil {
		t.Fatalf("RemoveParticipant failed: %v", err)
	}

	s, err := r.Close("m1", models.ReasonEnded)
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if s.Status != models.StatusEnded {
		t.Errorf("status = %q, want %q", s.Status, models.StatusEnded)
	}
	if _, err := r.Close("m1", models.ReasonEnded); !models.IsInvalidTransition(err) {
		t.Errorf("second Close: err = %v, want InvalidTransitionError", err)
	}
}

func TestEvictIdleMeetings(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if _, err := r.Create("m1", models.KindMeeting, "alice", nil, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// A freshly created meeting is idle but within its allowance.
	if evicted := r.EvictIdle(time.Hour); len(evicted) != 0 {
		t.Errorf("evicted fresh meeting: %v", evicted)
	}

	// A meeting with a joined participant is never idle.
	if _, err := r.Create("m2", models.KindMeeting, "bob", nil, ""); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Join("m2", "bob", "conn-b"); err != nil {
		t.Fatalf("Join failed: %v", err)
	}

	// Terminal sessions are EvictTerminal's to clean up.
	if _, err := r.Create("s1", models.KindCall, "carol", []string{"dave"}, "conn-c"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Reject("s1", "dave"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	evicted := r.EvictIdle(0)
	if len(evicted) != 1 || evicted[0] != "m1" {
		t.Errorf("evicted = %v, want [m1]", evicted)
	}
	if _, err := r.Get("m1"); !models.IsNotFound(err) {
		t.Errorf("Get after evict: err = %v, want NotFoundError", err)
	}
	if _, err := r.Get("m2"); err != nil {
		t.Errorf("occupied meeting was evicted: %v", err)
	}
}

func TestAddParticipantIdempotent(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if _, err := r.Create("s1", models.KindGroupCall, "alice", []string{"bob"}, "conn-a"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	s, err := r.AddParticipant("s1", "carol", models.RoleCallee)
	if err != nil {
		t.Fatalf("AddParticipant failed: %v", err)
	}
	if len(s.Participants) != 3 {
		t.Fatalf("participants = %d, want 3", len(s.Participants))
	}

	s, err = r.AddParticipant("s1", "carol", models.RoleCallee)
	if err != nil {
		t.Fatalf("repeat AddParticipant failed: %v", err)
	}
	if len(s.Participants) != 3 {
		t.Errorf("participants after repeat add = %d, want 3", len(s.Participants))
	}
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if _, err := r.Create("s1", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Accept("s1", "bob", "conn-b")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !models.IsConflict(err) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("accepts succeeded = %d, want exactly 1", succeeded)
	}
}

func TestEvictTerminal(t *testing.T) {
	r := newTestRegistry(time.Minute)
	if _, err := r.Create("s1", models.KindCall, "alice", []string{"bob"}, "conn-a"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := r.Reject("s1", "bob"); err != nil {
		t.Fatalf("Reject failed: %v", err)
	}

	if evicted := r.EvictTerminal(time.Hour); len(evicted) != 0 {
		t.Errorf("evicted fresh terminal session: %v", evicted)
	}
	evicted := r.EvictTerminal(0)
	if len(evicted) != 1 || evicted[0] != "s1" {
		t.Errorf("evicted = %v, want [s1]", evicted)
	}
	if _, err := r.Get("s1"); !models.IsNotFound(err) {
		t.Errorf("Get after evict: err = %v, want NotFoundError", err)
	}
}
