// Package counting holds the counting-session domain: envelopes, sessions, the
// deposit workflow state machine and the write guard enforced before persisting.
package counting

import "time"

type Status string

const (
	StatusActive         Status = "active"
	StatusRecorded       Status = "recorded"
	StatusPendingDeposit Status = "pending_deposit"
	StatusDeposited      Status = "deposited"
	StatusNoDonations    Status = "no_donations"
)

// Valid reports whether s is one of the known session statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusRecorded, StatusPendingDeposit, StatusDeposited, StatusNoDonations:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

type MemberStatus string

const (
	MemberActive   MemberStatus = "active"
	MemberDisabled MemberStatus = "disabled"
)

// Member is a person in a unit. ID is the lower-cased email address.
type Member struct {
	ID          string       `json:"id"`
	DisplayName string       `json:"displayName"`
	Role        Role         `json:"role"`
	Status      MemberStatus `json:"status"`
}

// IsActiveAdmin reports whether the member can act on behalf of the unit.
func (m Member) IsActiveAdmin() bool {
	return m.Role == RoleAdmin && m.Status == MemberActive
}

type Envelope struct {
	ID                string `json:"id" validate:"required"`
	Number            int    `json:"number" validate:"min=1"`
	Count100          int    `json:"count100" validate:"min=0"`
	Count50           int    `json:"count50" validate:"min=0"`
	Count20           int    `json:"count20" validate:"min=0"`
	Count10           int    `json:"count10" validate:"min=0"`
	Count5            int    `json:"count5" validate:"min=0"`
	CoinsAmountCents  int64  `json:"coinsAmountCents" validate:"min=0"`
	ChequeAmountCents int64  `json:"chequeAmountCents" validate:"min=0"`
	LastUpdatedBy     string `json:"lastUpdatedBy,omitempty"`
}

// Valid reports whether every count and amount is non-negative.
func (e Envelope) Valid() bool {
	return e.Count100 >= 0 && e.Count50 >= 0 && e.Count20 >= 0 && e.Count10 >= 0 && e.Count5 >= 0 &&
		e.CoinsAmountCents >= 0 && e.ChequeAmountCents >= 0
}

type DepositInfo struct {
	Depositor1  string    `json:"depositor1"`
	Depositor2  string    `json:"depositor2"`
	InitiatedBy string    `json:"initiatedBy"`
	InitiatedAt time.Time `json:"initiatedAt"`
	VerifiedBy  string    `json:"verifiedBy,omitempty"`
}

// Session is one weekly counting session. Date is a YYYY-MM-DD Sunday.
type Session struct {
	ID                 string
	Date               string
	Envelopes          []Envelope
	Status             Status
	CreatedBy          string
	LastUpdatedBy      string
	RecordedAt         *time.Time
	RecordedBy         string
	BatchNumber        string
	DepositedAt        *time.Time
	DepositInfo        *DepositInfo
	NoDonationsAt      *time.Time
	NoDonationsReason  string
	LastEnvelopeNumber int
	UpdatedAt          *time.Time
}

// NewSession returns an empty active session.
func NewSession(id, date, createdBy string) Session {
	return Session{
		ID:            id,
		Date:          date,
		Envelopes:     []Envelope{},
		Status:        StatusActive,
		CreatedBy:     createdBy,
		LastUpdatedBy: createdBy,
	}
}

// Clone returns a deep copy so transitions never alias the caller's envelopes
// or nested pointers.
func (s Session) Clone() Session {
	out := s
	out.Envelopes = make([]Envelope, len(s.Envelopes))
	copy(out.Envelopes, s.Envelopes)
	out.RecordedAt = cloneTime(s.RecordedAt)
	out.DepositedAt = cloneTime(s.DepositedAt)
	out.NoDonationsAt = cloneTime(s.NoDonationsAt)
	out.UpdatedAt = cloneTime(s.UpdatedAt)
	if s.DepositInfo != nil {
		info := *s.DepositInfo
		out.DepositInfo = &info
	}
	return out
}

// Envelope returns the envelope with the given id.
func (s Session) Envelope(id string) (Envelope, bool) {
	for _, e := range s.Envelopes {
		if e.ID == id {
			return e, true
		}
	}
	return Envelope{}, false
}

// NextEnvelopeNumber is one past the highest number ever issued in the session.
func (s Session) NextEnvelopeNumber() int {
	highest := s.LastEnvelopeNumber
	for _, e := range s.Envelopes {
		if e.Number > highest {
			highest = e.Number
		}
	}
	return highest + 1
}

// Participants lists the distinct identities that touched the session.
func (s Session) Participants() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 4)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(s.CreatedBy)
	add(s.LastUpdatedBy)
	add(s.RecordedBy)
	for _, e := range s.Envelopes {
		add(e.LastUpdatedBy)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
