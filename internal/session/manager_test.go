package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Create("", "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" || s.ConversationID == "" {
		t.Fatalf("ids not generated: %+v", s)
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("Status = %q, want %q", got.Status, StatusActive)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || ended.EndedAt.IsZero() {
		t.Fatalf("ended session = %+v, want ended with EndedAt", ended)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerCreateWithCallerIDs(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Create("call-1", "memory-7")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID != "call-1" || s.ConversationID != "memory-7" {
		t.Fatalf("session = %+v, want caller ids", s)
	}
	if _, err := m.Create("call-1", ""); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Create() duplicate error = %v, want ErrAlreadyExists", err)
	}
	if _, err := m.End("call-1"); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if _, err := m.Create("call-1", ""); err != nil {
		t.Fatalf("Create() over ended session error = %v", err)
	}
}

func TestManagerAttachIsExclusive(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Create("call-1", "")
	if _, err := m.Attach(s.ID); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := m.Attach(s.ID); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second Attach() error = %v, want ErrAlreadyConnected", err)
	}
	detached, err := m.Detach(s.ID)
	if err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if detached.Connected || detached.Status != StatusEnded {
		t.Fatalf("detached session = %+v, want ended and disconnected", detached)
	}
	if _, err := m.Attach(s.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("Attach() on ended session error = %v, want ErrEnded", err)
	}
}

func TestManagerTurnTracking(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Create("", "")
	if err := m.StartTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("StartTurn() error = %v", err)
	}
	if err := m.EndTurn(s.ID, "turn-0"); err != nil {
		t.Fatalf("EndTurn() error = %v", err)
	}
	got, _ := m.Get(s.ID)
	if got.ActiveTurnID != "turn-1" {
		t.Fatalf("ActiveTurnID = %q, want turn-1 after stale EndTurn", got.ActiveTurnID)
	}
	if err := m.EndTurn(s.ID, "turn-1"); err != nil {
		t.Fatalf("EndTurn() error = %v", err)
	}
	got, _ = m.Get(s.ID)
	if got.ActiveTurnID != "" || got.TurnCount != 1 {
		t.Fatalf("session = %+v, want no active turn and TurnCount 1", got)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	idle, _ := m.Create("idle", "")
	live, _ := m.Create("live", "")
	if _, err := m.Attach(live.ID); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	expired := make(chan string, 4)
	m.SetExpireHook(func(s *Session) { expired <- s.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != idle.ID {
			t.Fatalf("expired %q, want %q", id, idle.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("idle session never expired")
	}

	got, err := m.Get(live.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusActive {
		t.Fatalf("connected session Status = %q, want active", got.Status)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}
}

func TestManagerForgetsLongEndedSessions(t *testing.T) {
	m := NewManager(time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	s, _ := m.Create("", "")
	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	now = now.Add(2 * time.Minute)
	m.expireInactive()
	if _, err := m.Get(s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound after retention", err)
	}
}
