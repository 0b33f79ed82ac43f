package presence

import (
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConnectDisconnectLifecycle(t *testing.T) {
	tr := New(20*time.Millisecond, zerolog.Nop())

	offline := make(chan string, 1)
	tr.SetOfflineHandler(func(userID string, rooms []string) { offline <- userID })

	tr.Connect("alice", "conn-1")
	if !tr.IsOnline("alice") {
		t.Fatal("alice should be online after connect")
	}

	tr.Disconnect("conn-1")
	// Still online during the grace window.
	if !tr.IsOnline("alice") {
		t.Error("alice should remain online within the grace window")
	}

	select {
	case userID := <-offline:
		if userID != "alice" {
			t.Errorf("offline user = %q, want alice", userID)
		}
	case <-time.After(time.Second):
		t.Fatal("offline handler never fired")
	}
	if tr.IsOnline("alice") {
		t.Error("alice should be offline after the grace window")
	}
}

func TestReconnectWithinGraceWindowAbsorbed(t *testing.T) {
	tr := New(30*time.Millisecond, zerolog.Nop())

	offline := make(chan string, 1)
	tr.SetOfflineHandler(func(userID string, rooms []string) { offline <- userID })

	tr.Connect("alice", "conn-1")
	tr.JoinRoom("alice", "room-1")
	tr.Disconnect("conn-1")
	tr.Connect("alice", "conn-2")

	select {
	case <-offline:
		t.Error("offline fired despite reconnect within grace window")
	case <-time.After(100 * time.Millisecond):
	}

	if !tr.InRoom("alice", "room-1") {
		t.Error("room membership should survive a reconnect")
	}
}

func TestMultiTabConnections(t *testing.T) {
	tr := New(10*time.Millisecond, zerolog.Nop())

	tr.Connect("alice", "conn-1")
	tr.Connect("alice", "conn-2")

	conns := tr.ConnectionsFor("alice")
	sort.Strings(conns)
	if len(conns) != 2 || conns[0] != "conn-1" || conns[1] != "conn-2" {
		t.Fatalf("connections = %v, want [conn-1 conn-2]", conns)
	}

	// Closing one tab keeps the user online with no grace timer involved.
	tr.Disconnect("conn-1")
	time.Sleep(50 * time.Millisecond)
	if !tr.IsOnline("alice") {
		t.Error("alice should stay online while another tab is open")
	}
	if got := tr.ConnectionsFor("alice"); len(got) != 1 || got[0] != "conn-2" {
		t.Errorf("connections = %v, want [conn-2]", got)
	}
}

func TestDisconnectUnknownConnection(t *testing.T) {
	tr := New(10*time.Millisecond, zerolog.Nop())
	if _, ok := tr.Disconnect("ghost"); ok {
		t.Error("disconnecting an unknown connection should report false")
	}
}

func TestRoomMembership(t *testing.T) {
	tr := New(10*time.Millisecond, zerolog.Nop())

	tr.Connect("alice", "conn-1")
	tr.Connect("bob", "conn-2")
	tr.JoinRoom("alice", "room-1")
	tr.JoinRoom("bob", "room-1")

	members := tr.RoomMembers("room-1")
	sort.Strings(members)
	if len(members) != 2 || members[0] != "alice" || members[1] != "bob" {
		t.Fatalf("members = %v, want [alice bob]", members)
	}

	tr.LeaveRoom("alice", "room-1")
	if tr.InRoom("alice", "room-1") {
		t.Error("alice should have left room-1")
	}
	// Leaving a room the user is not in is a no-op.
	tr.LeaveRoom("alice", "room-1")

	if got := tr.RoomMembers("room-1"); len(got) != 1 || got[0] != "bob" {
		t.Errorf("members = %v, want [bob]", got)
	}
}

func TestOfflineReportsOccupiedRooms(t *testing.T) {
	tr := New(15*time.Millisecond, zerolog.Nop())

	type offlineEvent struct {
		userID string
		rooms  []string
	}
	events := make(chan offlineEvent, 1)
	tr.SetOfflineHandler(func(userID string, rooms []string) {
		events <- offlineEvent{userID, rooms}
	})

	tr.Connect("alice", "conn-1")
	tr.JoinRoom("alice", "room-1")
	tr.JoinRoom("alice", "room-2")
	tr.Disconnect("conn-1")

	select {
	case ev := <-events:
		sort.Strings(ev.rooms)
		if len(ev.rooms) != 2 || ev.rooms[0] != "room-1" || ev.rooms[1] != "room-2" {
			t.Errorf("rooms = %v, want [room-1 room-2]", ev.rooms)
		}
	case <-time.After(time.Second):
		t.Fatal("offline handler never fired")
	}

	// The rooms were vacated before the handler ran.
	if len(tr.RoomMembers("room-1")) != 0 || len(tr.RoomMembers("room-2")) != 0 {
		t.Error("rooms should be vacated when presence expires")
	}
}

func TestLastSeen(t *testing.T) {
	tr := New(10*time.Millisecond, zerolog.Nop())

	if _, ok := tr.LastSeen("alice"); ok {
		t.Error("unknown user should have no last-seen")
	}
	before := time.Now()
	tr.Connect("alice", "conn-1")
	at, ok := tr.LastSeen("alice")
	if !ok || at.Before(before) {
		t.Errorf("last seen = (%v, %v), want a recent timestamp", at, ok)
	}
}
