package replica

import (
	"time"

	"cashcount/api/internal/counting"
)

// Mutation is one planned change: an upsert when Session is set, otherwise a
// delete of DeleteID.
type Mutation struct {
	Session  *counting.Session
	DeleteID string
}

func upsert(s counting.Session) []Mutation {
	return []Mutation{{Session: &s}}
}

// planContext is everything an intent needs to compute its next state.
type planContext struct {
	repo            Repository
	actor           string
	directory       counting.Directory
	now             time.Time
	newID           func() string
	retentionMonths int
}

// Intent is a user action against the session list. plan returns nil when
// the action is not allowed in the current state.
type Intent interface {
	plan(pc planContext) []Mutation
}

type AddSession struct {
	Date string
}

func (i AddSession) plan(pc planContext) []Mutation {
	if !counting.IsSunday(i.Date) {
		return nil
	}
	for _, s := range pc.repo.List() {
		if s.Date == i.Date {
			return nil
		}
	}
	return upsert(counting.NewSession(pc.newID(), i.Date, pc.actor))
}

type DeleteSession struct {
	ID string
}

func (i DeleteSession) plan(pc planContext) []Mutation {
	if _, ok := pc.repo.Get(i.ID); !ok {
		return nil
	}
	return []Mutation{{DeleteID: i.ID}}
}

type AddEnvelope struct {
	SessionID string
	Initial   counting.EnvelopeChanges
}

func (i AddEnvelope) plan(pc planContext) []Mutation {
	return transition(pc, i.SessionID, func(s counting.Session) (counting.Session, bool) {
		return counting.AddEnvelope(s, pc.newID(), i.Initial, pc.actor)
	})
}

type UpdateEnvelope struct {
	SessionID  string
	EnvelopeID string
	Changes    counting.EnvelopeChanges
}

func (i UpdateEnvelope) plan(pc planContext) []Mutation {
	return transition(pc, i.SessionID, func(s counting.Session) (counting.Session, bool) {
		return counting.UpdateEnvelope(s, i.EnvelopeID, i.Changes, pc.actor)
	})
}

type DeleteEnvelope struct {
	SessionID  string
	EnvelopeID string
}

func (i DeleteEnvelope) plan(pc planContext) []Mutation {
	return transition(pc, i.SessionID, func(s counting.Session) (counting.Session, bool) {
		return counting.DeleteEnvelope(s, i.EnvelopeID, pc.actor)
	})
}

type MarkRecorded struct {
	SessionID   string
	BatchNumber string
}

func (i MarkRecorded) plan(pc planContext) []Mutation {
	return transition(pc, i.SessionID, func(s counting.Session) (counting.Session, bool) {
		return counting.MarkRecorded(s, i.BatchNumber, pc.actor, pc.now)
	})
}

type InitiateDeposit struct {
	SessionID  string
	Depositor1 string
	Depositor2 string
}

func (i InitiateDeposit) plan(pc planContext) []Mutation {
	return transition(pc, i.SessionID, func(s counting.Session) (counting.Session, bool) {
		return counting.InitiateDeposit(s, i.Depositor1, i.Depositor2, pc.actor, pc.now)
	})
}

type VerifyDeposit struct {
	SessionID  string
	VerifiedBy string
}

func (i VerifyDeposit) plan(pc planContext) []Mutation {
	return transition(pc, i.SessionID, func(s counting.Session) (counting.Session, bool) {
		return counting.VerifyDeposit(s, i.VerifiedBy, pc.directory, pc.now)
	})
}

type RejectDeposit struct {
	SessionID string
}

func (i RejectDeposit) plan(pc planContext) []Mutation {
	return transition(pc, i.SessionID, func(s counting.Session) (counting.Session, bool) {
		return counting.RejectDeposit(s, pc.actor, pc.directory)
	})
}

type MarkNoDonations struct {
	SessionID string
	Reason    string
}

func (i MarkNoDonations) plan(pc planContext) []Mutation {
	return transition(pc, i.SessionID, func(s counting.Session) (counting.Session, bool) {
		return counting.MarkNoDonations(s, i.Reason, pc.actor, pc.now)
	})
}

type ReactivateSession struct {
	SessionID string
}

func (i ReactivateSession) plan(pc planContext) []Mutation {
	return transition(pc, i.SessionID, func(s counting.Session) (counting.Session, bool) {
		return counting.ReactivateSession(s, pc.actor, pc.now)
	})
}

// PurgeOldSessions deletes every session dated before the retention cutoff.
type PurgeOldSessions struct{}

func (PurgeOldSessions) plan(pc planContext) []Mutation {
	var out []Mutation
	for _, s := range pc.repo.List() {
		if counting.Expired(s.Date, pc.now, pc.retentionMonths) {
			out = append(out, Mutation{DeleteID: s.ID})
		}
	}
	return out
}

func transition(pc planContext, sessionID string, fn func(counting.Session) (counting.Session, bool)) []Mutation {
	current, ok := pc.repo.Get(sessionID)
	if !ok {
		return nil
	}
	next, ok := fn(current)
	if !ok {
		return nil
	}
	return upsert(next)
}
