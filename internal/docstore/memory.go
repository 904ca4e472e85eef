package docstore

import (
	"context"
	"sync"
	"time"

	"cashcount/api/internal/counting"
)

// UpdateHook observes every committed change. before is nil on create and
// after is nil on delete.
type UpdateHook func(unitID string, before, after *counting.Session)

// WriteGuard may veto a merge write before it is committed.
type WriteGuard func(unitID string, before *counting.Session, after counting.Session) error

// Memory is an in-process Remote used for local development and tests.
type Memory struct {
	mu        sync.Mutex
	units     map[string]map[string]counting.Session
	listeners map[string]map[*listener]struct{}
	now       func() time.Time
	onUpdate  UpdateHook
	guard     WriteGuard
}

type listener struct {
	ch chan Snapshot
}

func NewMemory() *Memory {
	return &Memory{
		units:     make(map[string]map[string]counting.Session),
		listeners: make(map[string]map[*listener]struct{}),
		now:       time.Now,
	}
}

// OnUpdate registers a hook called after each committed change, outside the lock.
func (m *Memory) OnUpdate(hook UpdateHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = hook
}

// SetGuard registers a check run against the stored document on every merge.
func (m *Memory) SetGuard(guard WriteGuard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guard = guard
}

// SetClock overrides the clock used for updatedAt stamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) MergeSession(ctx context.Context, unitID string, s counting.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	sessions := m.units[unitID]
	if sessions == nil {
		sessions = make(map[string]counting.Session)
		m.units[unitID] = sessions
	}
	for id, other := range sessions {
		if id != s.ID && other.Date == s.Date {
			m.mu.Unlock()
			return ErrDuplicateDate
		}
	}

	var before *counting.Session
	if existing, ok := sessions[s.ID]; ok {
		prev := existing.Clone()
		before = &prev
	}
	if m.guard != nil {
		if err := m.guard(unitID, before, s); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	stored := s.Clone()
	at := m.now().UTC()
	stored.UpdatedAt = &at
	sessions[s.ID] = stored
	m.publishLocked(unitID)
	hook := m.onUpdate
	m.mu.Unlock()

	if hook != nil {
		after := stored.Clone()
		hook(unitID, before, &after)
	}
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, unitID, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	existing, ok := m.units[unitID][sessionID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.units[unitID], sessionID)
	m.publishLocked(unitID)
	hook := m.onUpdate
	m.mu.Unlock()

	if hook != nil {
		hook(unitID, &existing, nil)
	}
	return nil
}

func (m *Memory) Listen(ctx context.Context, unitID string) (<-chan Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := &listener{ch: make(chan Snapshot, 1)}

	m.mu.Lock()
	if m.listeners[unitID] == nil {
		m.listeners[unitID] = make(map[*listener]struct{})
	}
	m.listeners[unitID][l] = struct{}{}
	l.ch <- m.snapshotLocked(unitID)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.listeners[unitID], l)
		close(l.ch)
		m.mu.Unlock()
	}()
	return l.ch, nil
}

// Sessions returns the stored sessions of a unit, newest first.
func (m *Memory) Sessions(unitID string) []counting.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(unitID).Sessions
}

func (m *Memory) snapshotLocked(unitID string) Snapshot {
	sessions := make([]counting.Session, 0, len(m.units[unitID]))
	for _, s := range m.units[unitID] {
		sessions = append(sessions, s.Clone())
	}
	SortByDateDesc(sessions)
	return Snapshot{UnitID: unitID, Sessions: sessions}
}

func (m *Memory) publishLocked(unitID string) {
	if len(m.listeners[unitID]) == 0 {
		return
	}
	snap := m.snapshotLocked(unitID)
	for l := range m.listeners[unitID] {
		Offer(l.ch, snap)
	}
}
