package store

import (
	"errors"
	"time"

	"cashcount/api/internal/counting"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicateDate = errors.New("a session already exists for this date")
)

type Unit struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// MemberRecord is a member row including its bookkeeping columns.
type MemberRecord struct {
	counting.Member
	UnitID  string
	AddedAt time.Time
}

// Binding maps a signed-in identity to the unit it works in.
type Binding struct {
	MemberID string
	UnitID   string
	UnitName string
	Role     counting.Role
}

// SessionChange is the stored document before and after one write. Before is
// nil when the session was created, After is nil when it was deleted.
type SessionChange struct {
	Before *counting.Session
	After  *counting.Session
}
