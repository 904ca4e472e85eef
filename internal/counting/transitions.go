package counting

import (
	"strings"
	"time"
)

// EnvelopeChanges is a partial envelope update. Nil fields are left alone.
type EnvelopeChanges struct {
	Count100          *int   `json:"count100,omitempty" validate:"omitempty,min=0"`
	Count50           *int   `json:"count50,omitempty" validate:"omitempty,min=0"`
	Count20           *int   `json:"count20,omitempty" validate:"omitempty,min=0"`
	Count10           *int   `json:"count10,omitempty" validate:"omitempty,min=0"`
	Count5            *int   `json:"count5,omitempty" validate:"omitempty,min=0"`
	CoinsAmountCents  *int64 `json:"coinsAmountCents,omitempty" validate:"omitempty,min=0"`
	ChequeAmountCents *int64 `json:"chequeAmountCents,omitempty" validate:"omitempty,min=0"`
}

// Apply returns e with the non-nil changes applied.
func (c EnvelopeChanges) Apply(e Envelope) Envelope {
	if c.Count100 != nil {
		e.Count100 = *c.Count100
	}
	if c.Count50 != nil {
		e.Count50 = *c.Count50
	}
	if c.Count20 != nil {
		e.Count20 = *c.Count20
	}
	if c.Count10 != nil {
		e.Count10 = *c.Count10
	}
	if c.Count5 != nil {
		e.Count5 = *c.Count5
	}
	if c.CoinsAmountCents != nil {
		e.CoinsAmountCents = *c.CoinsAmountCents
	}
	if c.ChequeAmountCents != nil {
		e.ChequeAmountCents = *c.ChequeAmountCents
	}
	return e
}

// The transition functions below never mutate their input. Each returns the
// next session and true, or the unchanged session and false when the
// precondition does not hold.

func AddEnvelope(s Session, envelopeID string, initial EnvelopeChanges, actor string) (Session, bool) {
	if s.Status != StatusActive || envelopeID == "" {
		return s, false
	}
	if _, exists := s.Envelope(envelopeID); exists {
		return s, false
	}
	e := initial.Apply(Envelope{ID: envelopeID, Number: s.NextEnvelopeNumber()})
	if !e.Valid() {
		return s, false
	}
	e.LastUpdatedBy = actor
	next := s.Clone()
	next.Envelopes = append(next.Envelopes, e)
	next.LastEnvelopeNumber = e.Number
	next.LastUpdatedBy = actor
	return next, true
}

func UpdateEnvelope(s Session, envelopeID string, changes EnvelopeChanges, actor string) (Session, bool) {
	if s.Status != StatusActive {
		return s, false
	}
	next := s.Clone()
	for i, e := range next.Envelopes {
		if e.ID != envelopeID {
			continue
		}
		updated := changes.Apply(e)
		if !updated.Valid() {
			return s, false
		}
		updated.LastUpdatedBy = actor
		next.Envelopes[i] = updated
		next.LastUpdatedBy = actor
		return next, true
	}
	return s, false
}

func DeleteEnvelope(s Session, envelopeID string, actor string) (Session, bool) {
	if s.Status != StatusActive {
		return s, false
	}
	if _, ok := s.Envelope(envelopeID); !ok {
		return s, false
	}
	next := s.Clone()
	kept := next.Envelopes[:0]
	for _, e := range next.Envelopes {
		if e.ID != envelopeID {
			kept = append(kept, e)
		}
	}
	next.Envelopes = kept
	// Keep the deleted number reserved.
	if highest := s.NextEnvelopeNumber() - 1; highest > next.LastEnvelopeNumber {
		next.LastEnvelopeNumber = highest
	}
	next.LastUpdatedBy = actor
	return next, true
}

func MarkRecorded(s Session, batchNumber, actor string, now time.Time) (Session, bool) {
	batchNumber = strings.TrimSpace(batchNumber)
	if s.Status != StatusActive || batchNumber == "" {
		return s, false
	}
	next := s.Clone()
	at := now.UTC()
	next.Status = StatusRecorded
	next.RecordedAt = &at
	next.RecordedBy = actor
	next.BatchNumber = batchNumber
	next.LastUpdatedBy = actor
	return next, true
}

func InitiateDeposit(s Session, depositor1, depositor2, actor string, now time.Time) (Session, bool) {
	depositor1 = NormalizeIdentity(depositor1)
	depositor2 = NormalizeIdentity(depositor2)
	if s.Status != StatusRecorded || depositor1 == "" || depositor2 == "" || depositor1 == depositor2 {
		return s, false
	}
	next := s.Clone()
	next.Status = StatusPendingDeposit
	next.DepositInfo = &DepositInfo{
		Depositor1:  depositor1,
		Depositor2:  depositor2,
		InitiatedBy: depositor1,
		InitiatedAt: now.UTC(),
	}
	next.DepositedAt = nil
	next.LastUpdatedBy = actor
	return next, true
}

// CanVerifyDeposit reports whether actor may verify or reject the pending
// deposit of s: the second depositor or any active admin.
func CanVerifyDeposit(s Session, actor string, dir Directory) bool {
	if s.Status != StatusPendingDeposit || s.DepositInfo == nil {
		return false
	}
	actor = NormalizeIdentity(actor)
	if actor == "" {
		return false
	}
	return actor == NormalizeIdentity(s.DepositInfo.Depositor2) || dir.IsActiveAdmin(actor)
}

func VerifyDeposit(s Session, verifier string, dir Directory, now time.Time) (Session, bool) {
	if !CanVerifyDeposit(s, verifier, dir) {
		return s, false
	}
	verifier = NormalizeIdentity(verifier)
	next := s.Clone()
	at := now.UTC()
	next.Status = StatusDeposited
	next.DepositedAt = &at
	next.DepositInfo.VerifiedBy = verifier
	next.LastUpdatedBy = verifier
	return next, true
}

func RejectDeposit(s Session, rejector string, dir Directory) (Session, bool) {
	if !CanVerifyDeposit(s, rejector, dir) {
		return s, false
	}
	next := s.Clone()
	next.Status = StatusRecorded
	next.DepositInfo = nil
	next.DepositedAt = nil
	next.LastUpdatedBy = NormalizeIdentity(rejector)
	return next, true
}

func MarkNoDonations(s Session, reason, actor string, now time.Time) (Session, bool) {
	reason = strings.TrimSpace(reason)
	if s.Status != StatusActive || reason == "" {
		return s, false
	}
	next := s.Clone()
	at := now.UTC()
	next.Status = StatusNoDonations
	next.NoDonationsAt = &at
	next.NoDonationsReason = reason
	if highest := s.NextEnvelopeNumber() - 1; highest > next.LastEnvelopeNumber {
		next.LastEnvelopeNumber = highest
	}
	next.Envelopes = []Envelope{}
	next.LastUpdatedBy = actor
	return next, true
}

// ReactivateSession reopens a no-donations session. now must carry the
// unit's time zone so the reporting date is computed locally.
func ReactivateSession(s Session, actor string, now time.Time) (Session, bool) {
	if s.Status != StatusNoDonations || s.Date != ReportingDate(now) {
		return s, false
	}
	next := s.Clone()
	next.Status = StatusActive
	next.NoDonationsAt = nil
	next.NoDonationsReason = ""
	next.LastUpdatedBy = actor
	return next, true
}
