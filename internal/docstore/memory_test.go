package docstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"cashcount/api/internal/counting"
)

func receive(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap, ok := <-ch:
		if !ok {
			t.Fatal("snapshot channel closed")
		}
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func TestMemoryListenStartsWithCurrentState(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()
	if err := m.MergeSession(ctx, "u1", counting.NewSession("s1", "2026-02-08", "a@x")); err != nil {
		t.Fatalf("MergeSession: %v", err)
	}
	if err := m.MergeSession(ctx, "u1", counting.NewSession("s2", "2026-02-15", "a@x")); err != nil {
		t.Fatalf("MergeSession: %v", err)
	}

	ch, err := m.Listen(ctx, "u1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	snap := receive(t, ch)
	if len(snap.Sessions) != 2 || snap.Sessions[0].ID != "s2" {
		t.Fatalf("initial snapshot = %+v, want s2 first", snap.Sessions)
	}
	if snap.Sessions[0].UpdatedAt == nil {
		t.Fatal("updatedAt not stamped")
	}

	if err := m.DeleteSession(ctx, "u1", "s2"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	snap = receive(t, ch)
	if len(snap.Sessions) != 1 || snap.Sessions[0].ID != "s1" {
		t.Fatalf("snapshot after delete = %+v", snap.Sessions)
	}
}

func TestMemoryRejectsDuplicateDate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.MergeSession(ctx, "u1", counting.NewSession("s1", "2026-02-15", "a@x")); err != nil {
		t.Fatalf("MergeSession: %v", err)
	}
	err := m.MergeSession(ctx, "u1", counting.NewSession("s2", "2026-02-15", "a@x"))
	if !errors.Is(err, ErrDuplicateDate) {
		t.Fatalf("err = %v, want ErrDuplicateDate", err)
	}
	if err := m.MergeSession(ctx, "u2", counting.NewSession("s3", "2026-02-15", "a@x")); err != nil {
		t.Fatalf("other unit should accept the same date: %v", err)
	}
}

func TestMemoryLatestSnapshotWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()
	ch, err := m.Listen(ctx, "u1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	for _, date := range []string{"2026-01-04", "2026-01-11", "2026-01-18"} {
		if err := m.MergeSession(ctx, "u1", counting.NewSession("s-"+date, date, "a@x")); err != nil {
			t.Fatalf("MergeSession: %v", err)
		}
	}
	snap := receive(t, ch)
	if len(snap.Sessions) != 3 {
		t.Fatalf("pending snapshot has %d sessions, want 3", len(snap.Sessions))
	}
}

func TestMemoryListenClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewMemory()
	ch, err := m.Listen(ctx, "u1")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	receive(t, ch)
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected snapshot after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestMemoryHooks(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	veto := errors.New("veto")
	m.SetGuard(func(unitID string, before *counting.Session, after counting.Session) error {
		if before != nil && after.Status != before.Status {
			return veto
		}
		return nil
	})
	var updates int
	m.OnUpdate(func(unitID string, before, after *counting.Session) { updates++ })

	s := counting.NewSession("s1", "2026-02-15", "a@x")
	if err := m.MergeSession(ctx, "u1", s); err != nil {
		t.Fatalf("MergeSession: %v", err)
	}
	s.Status = counting.StatusRecorded
	if err := m.MergeSession(ctx, "u1", s); !errors.Is(err, veto) {
		t.Fatalf("err = %v, want veto", err)
	}
	if updates != 1 {
		t.Fatalf("updates = %d, want 1", updates)
	}
}
