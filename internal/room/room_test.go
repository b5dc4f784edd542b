package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"stockduel/internal/store"
)

func TestJoinIdempotentAndRoomFull(t *testing.T) {
	m := NewManager()

	if err := m.Join("m1", "u1"); err != nil {
		t.Fatalf("first join: %v", err)
	}
	// Re-join must succeed without duplicating the roster.
	if err := m.Join("m1", "u1"); err != nil {
		t.Fatalf("re-join: %v", err)
	}
	if err := m.Join("m1", "u2"); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if err := m.Join("m1", "u3"); err != ErrRoomFull {
		t.Errorf("expected ErrRoomFull for third player, got %v", err)
	}
	if members := m.Members("m1"); len(members) != 2 {
		t.Errorf("expected 2 members, got %v", members)
	}
}

func TestMarkReadyBothPlayers(t *testing.T) {
	m := NewManager()
	m.Join("m1", "u1")
	m.Join("m1", "u2")

	both, err := m.MarkReady("m1", "u1")
	if err != nil || both {
		t.Fatalf("one ready: both=%v err=%v", both, err)
	}
	// Idempotent per user.
	both, _ = m.MarkReady("m1", "u1")
	if both {
		t.Error("repeat ready from same user should not complete the pair")
	}
	both, err = m.MarkReady("m1", "u2")
	if err != nil || !both {
		t.Fatalf("both ready: both=%v err=%v", both, err)
	}

	if _, err := m.MarkReady("m1", "stranger"); err != ErrNotMember {
		t.Errorf("expected ErrNotMember, got %v", err)
	}
	if _, err := m.MarkReady("nope", "u1"); err != ErrRoomNotFound {
		t.Errorf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestSessionBindingLifecycle(t *testing.T) {
	m := NewManager()
	m.Join("m1", "u1")

	if err := m.BindSession("m1", "u1", "s1"); err != nil {
		t.Fatal(err)
	}
	if !m.IsConnected("m1", "u1") {
		t.Error("u1 should be connected")
	}

	matchID, userID, ok := m.UnregisterSession("s1")
	if !ok || matchID != "m1" || userID != "u1" {
		t.Fatalf("unregister: %s %s %v", matchID, userID, ok)
	}
	if m.IsConnected("m1", "u1") {
		t.Error("u1 should be disconnected")
	}
	// Membership survives the disconnect; only the session binding goes.
	if !m.IsMember("m1", "u1") {
		t.Error("u1 should still be a member")
	}

	// Applying unregister twice has no additional effect.
	if _, _, ok := m.UnregisterSession("s1"); ok {
		t.Error("second unregister should be a no-op")
	}
}

func TestBindSessionReplacesOldSession(t *testing.T) {
	m := NewManager()
	m.Join("m1", "u1")
	m.BindSession("m1", "u1", "s1")
	m.BindSession("m1", "u1", "s2")

	// The old session is unbound; unregistering it must not disconnect u1.
	if _, _, ok := m.UnregisterSession("s1"); ok {
		t.Error("stale session should no longer be bound")
	}
	if !m.IsConnected("m1", "u1") {
		t.Error("u1 should remain connected via s2")
	}
}

func TestRemoveCleansBindings(t *testing.T) {
	m := NewManager()
	m.Join("m1", "u1")
	m.BindSession("m1", "u1", "s1")
	m.Remove("m1")

	if m.Count() != 0 {
		t.Errorf("expected 0 rooms, got %d", m.Count())
	}
	if _, _, ok := m.SessionUser("s1"); ok {
		t.Error("session binding should be gone after Remove")
	}
}

type fakeMatches struct {
	match *store.Match
}

func (f *fakeMatches) GetMatch(id string) (*store.Match, error) {
	if f.match == nil || f.match.ID != id {
		return nil, store.ErrMatchNotFound
	}
	return f.match, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBus) Publish(_ context.Context, dest string, v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := v.(map[string]interface{}); ok {
		if ev, ok := m["event"].(string); ok {
			f.events = append(f.events, ev)
			return
		}
	}
	f.events = append(f.events, dest)
}

func (f *fakeBus) has(event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == event {
			return true
		}
	}
	return false
}

type fakeEnder struct {
	mu      sync.Mutex
	reasons []string
}

func (f *fakeEnder) Abandon(_ context.Context, matchID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeEnder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reasons)
}

func TestSupervisorReconnectWithinGrace(t *testing.T) {
	rooms := NewManager()
	rooms.Join("m1", "u1")
	rooms.Join("m1", "u2")
	rooms.BindSession("m1", "u1", "s1")

	matches := &fakeMatches{match: &store.Match{ID: "m1", Status: store.StatusActive, CreatorID: "u1", OpponentID: "u2"}}
	bus := &fakeBus{}
	ender := &fakeEnder{}
	sup := NewSupervisor(rooms, matches, bus, ender, 50*time.Millisecond, zerolog.Nop())
	defer sup.Stop()

	sup.OnDisconnect(context.Background(), "s1")
	if !bus.has("player-disconnected") {
		t.Fatal("player-disconnected not published")
	}

	// Reconnect inside the window.
	rooms.BindSession("m1", "u1", "s2")
	sup.OnReconnect(context.Background(), "m1", "u1")
	if !bus.has("player-reconnected") {
		t.Fatal("player-reconnected not published")
	}

	time.Sleep(100 * time.Millisecond)
	if ender.count() != 0 {
		t.Error("match abandoned despite reconnect")
	}
}

func TestSupervisorAbandonAfterGrace(t *testing.T) {
	rooms := NewManager()
	rooms.Join("m1", "u1")
	rooms.Join("m1", "u2")
	rooms.BindSession("m1", "u1", "s1")

	matches := &fakeMatches{match: &store.Match{ID: "m1", Status: store.StatusActive, CreatorID: "u1", OpponentID: "u2"}}
	bus := &fakeBus{}
	ender := &fakeEnder{}
	sup := NewSupervisor(rooms, matches, bus, ender, 30*time.Millisecond, zerolog.Nop())
	defer sup.Stop()

	sup.OnDisconnect(context.Background(), "s1")

	deadline := time.Now().Add(time.Second)
	for ender.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if ender.count() != 1 {
		t.Fatalf("expected 1 abandon, got %d", ender.count())
	}
}

func TestSupervisorCreatorLeavesWaiting(t *testing.T) {
	rooms := NewManager()
	rooms.Join("m1", "u1")
	rooms.BindSession("m1", "u1", "s1")

	matches := &fakeMatches{match: &store.Match{ID: "m1", Status: store.StatusWaiting, CreatorID: "u1"}}
	bus := &fakeBus{}
	ender := &fakeEnder{}
	sup := NewSupervisor(rooms, matches, bus, ender, time.Minute, zerolog.Nop())
	defer sup.Stop()

	sup.OnDisconnect(context.Background(), "s1")
	if ender.count() != 1 {
		t.Fatalf("waiting match should be abandoned immediately, got %d abandons", ender.count())
	}
}
