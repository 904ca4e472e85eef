package counting

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRejected  = errors.New("transition rejected")
	ErrForbidden = errors.New("transition not permitted for actor")
	ErrInvalid   = errors.New("invalid session document")
)

type edge struct{ from, to Status }

var legalEdges = map[edge]bool{
	{StatusActive, StatusRecorded}:          true,
	{StatusRecorded, StatusPendingDeposit}:  true,
	{StatusPendingDeposit, StatusDeposited}: true,
	{StatusPendingDeposit, StatusRecorded}:  true,
	{StatusActive, StatusNoDonations}:       true,
	{StatusNoDonations, StatusActive}:       true,
}

// LegalEdge reports whether a session may move from one status to another.
func LegalEdge(from, to Status) bool {
	return legalEdges[edge{from, to}]
}

// CheckWrite validates a proposed full session document against the stored
// one before it is persisted. before is nil when the session is new. now must
// carry the unit's time zone.
func CheckWrite(before *Session, after Session, actor string, dir Directory, now time.Time) error {
	if err := checkShape(after); err != nil {
		return err
	}
	if before == nil {
		if after.Status != StatusActive {
			return fmt.Errorf("%w: new session must be active", ErrRejected)
		}
		if len(after.Envelopes) != 0 {
			return fmt.Errorf("%w: new session must have no envelopes", ErrRejected)
		}
		return nil
	}
	if after.Date != before.Date {
		return fmt.Errorf("%w: session date cannot change", ErrRejected)
	}
	if err := checkEnvelopeNumbers(*before, after); err != nil {
		return err
	}

	if before.Status == after.Status {
		if after.Status == StatusActive {
			return nil
		}
		if !sameContent(*before, after) {
			return fmt.Errorf("%w: %s session is frozen", ErrRejected, after.Status)
		}
		return nil
	}

	if !LegalEdge(before.Status, after.Status) {
		return fmt.Errorf("%w: %s to %s", ErrRejected, before.Status, after.Status)
	}

	switch {
	case before.Status == StatusActive && after.Status == StatusRecorded:
		if !sameEnvelopes(before.Envelopes, after.Envelopes) {
			return fmt.Errorf("%w: envelopes changed while recording", ErrRejected)
		}
		if NormalizeIdentity(after.RecordedBy) != NormalizeIdentity(actor) {
			return fmt.Errorf("%w: recorder must be the acting identity", ErrForbidden)
		}
	case before.Status == StatusRecorded && after.Status == StatusPendingDeposit:
		if !sameRecording(*before, after) {
			return fmt.Errorf("%w: recorded fields changed", ErrRejected)
		}
	case before.Status == StatusPendingDeposit && after.Status == StatusDeposited:
		if !sameRecording(*before, after) || !sameDepositors(before.DepositInfo, after.DepositInfo) {
			return fmt.Errorf("%w: deposit fields changed during verification", ErrRejected)
		}
		verifier := after.DepositInfo.VerifiedBy
		if NormalizeIdentity(verifier) != NormalizeIdentity(actor) {
			return fmt.Errorf("%w: verifier must be the acting identity", ErrForbidden)
		}
		if !CanVerifyDeposit(*before, verifier, dir) {
			return fmt.Errorf("%w: %s cannot verify this deposit", ErrForbidden, verifier)
		}
	case before.Status == StatusPendingDeposit && after.Status == StatusRecorded:
		if !sameRecording(*before, after) {
			return fmt.Errorf("%w: recorded fields changed during rejection", ErrRejected)
		}
		if !CanVerifyDeposit(*before, actor, dir) {
			return fmt.Errorf("%w: %s cannot reject this deposit", ErrForbidden, actor)
		}
	case before.Status == StatusActive && after.Status == StatusNoDonations:
		// envelopes are wiped; checkShape already requires them empty
	case before.Status == StatusNoDonations && after.Status == StatusActive:
		if before.Date != ReportingDate(now) {
			return fmt.Errorf("%w: only the current reporting date can be reactivated", ErrRejected)
		}
	}
	return nil
}

// checkShape enforces the fields each status requires or forbids.
func checkShape(s Session) error {
	if !s.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, s.Status)
	}
	if !IsSunday(s.Date) {
		return fmt.Errorf("%w: date %q is not a Sunday", ErrInvalid, s.Date)
	}
	ids := make(map[string]struct{}, len(s.Envelopes))
	for _, e := range s.Envelopes {
		if e.ID == "" || e.Number <= 0 {
			return fmt.Errorf("%w: envelope requires an id and a positive number", ErrInvalid)
		}
		if _, dup := ids[e.ID]; dup {
			return fmt.Errorf("%w: duplicate envelope id %s", ErrInvalid, e.ID)
		}
		ids[e.ID] = struct{}{}
		if !e.Valid() {
			return fmt.Errorf("%w: envelope %d has negative amounts", ErrInvalid, e.Number)
		}
	}

	recorded := s.RecordedAt != nil && strings.TrimSpace(s.BatchNumber) != ""
	noDonations := s.NoDonationsAt != nil || s.NoDonationsReason != ""
	switch s.Status {
	case StatusActive:
		if s.DepositInfo != nil || s.DepositedAt != nil || noDonations {
			return fmt.Errorf("%w: active session carries workflow fields", ErrRejected)
		}
	case StatusRecorded:
		if !recorded {
			return fmt.Errorf("%w: recorded session needs a batch number", ErrRejected)
		}
		if s.DepositInfo != nil || s.DepositedAt != nil {
			return fmt.Errorf("%w: recorded session carries deposit fields", ErrRejected)
		}
	case StatusPendingDeposit, StatusDeposited:
		if !recorded {
			return fmt.Errorf("%w: deposit requires a recorded batch", ErrRejected)
		}
		info := s.DepositInfo
		if info == nil || info.Depositor1 == "" || info.Depositor2 == "" {
			return fmt.Errorf("%w: deposit requires two depositors", ErrRejected)
		}
		if NormalizeIdentity(info.Depositor1) == NormalizeIdentity(info.Depositor2) {
			return fmt.Errorf("%w: depositors must differ", ErrRejected)
		}
		if NormalizeIdentity(info.InitiatedBy) != NormalizeIdentity(info.Depositor1) {
			return fmt.Errorf("%w: deposit must be initiated by the first depositor", ErrRejected)
		}
		if s.Status == StatusPendingDeposit && (s.DepositedAt != nil || info.VerifiedBy != "") {
			return fmt.Errorf("%w: pending deposit is already verified", ErrRejected)
		}
		if s.Status == StatusDeposited && (s.DepositedAt == nil || info.VerifiedBy == "") {
			return fmt.Errorf("%w: deposited session needs a verifier", ErrRejected)
		}
	case StatusNoDonations:
		if s.NoDonationsAt == nil || strings.TrimSpace(s.NoDonationsReason) == "" {
			return fmt.Errorf("%w: no-donations session needs a reason", ErrRejected)
		}
		if len(s.Envelopes) != 0 {
			return fmt.Errorf("%w: no-donations session cannot hold envelopes", ErrRejected)
		}
		if s.DepositInfo != nil || s.DepositedAt != nil {
			return fmt.Errorf("%w: no-donations session carries deposit fields", ErrRejected)
		}
	}
	return nil
}

// checkEnvelopeNumbers rejects reuse of any number already issued in before.
func checkEnvelopeNumbers(before, after Session) error {
	if after.LastEnvelopeNumber < before.LastEnvelopeNumber {
		return fmt.Errorf("%w: envelope numbering cannot move backwards", ErrRejected)
	}
	issued := before.NextEnvelopeNumber() - 1
	for _, e := range after.Envelopes {
		old, existed := before.Envelope(e.ID)
		if existed {
			if old.Number != e.Number {
				return fmt.Errorf("%w: envelope %s cannot be renumbered", ErrRejected, e.ID)
			}
			continue
		}
		if e.Number <= issued {
			return fmt.Errorf("%w: envelope number %d was already issued", ErrRejected, e.Number)
		}
	}
	return nil
}

func sameEnvelopes(a, b []Envelope) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func sameRecording(a, b Session) bool {
	return sameEnvelopes(a.Envelopes, b.Envelopes) &&
		a.BatchNumber == b.BatchNumber &&
		a.RecordedBy == b.RecordedBy &&
		sameTime(a.RecordedAt, b.RecordedAt)
}

func sameDepositors(a, b *DepositInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Depositor1 == b.Depositor1 &&
		a.Depositor2 == b.Depositor2 &&
		a.InitiatedBy == b.InitiatedBy &&
		a.InitiatedAt.Equal(b.InitiatedAt)
}

// sameContent compares everything except bookkeeping fields written on every save.
func sameContent(a, b Session) bool {
	if !sameRecording(a, b) || !sameDepositors(a.DepositInfo, b.DepositInfo) {
		return false
	}
	if a.DepositInfo != nil && a.DepositInfo.VerifiedBy != b.DepositInfo.VerifiedBy {
		return false
	}
	return a.Status == b.Status &&
		a.CreatedBy == b.CreatedBy &&
		sameTime(a.DepositedAt, b.DepositedAt) &&
		sameTime(a.NoDonationsAt, b.NoDonationsAt) &&
		a.NoDonationsReason == b.NoDonationsReason
}
