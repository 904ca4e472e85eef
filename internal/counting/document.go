package counting

import (
	"time"

	"github.com/goccy/go-json"
)

// Document is the stored and transmitted form of a Session. Optional fields
// are always present and null when unset, so merging a full document over a
// stored one clears whatever the session no longer carries.
type Document struct {
	ID                 string       `json:"id"`
	Date               string       `json:"date" validate:"required,datetime=2006-01-02"`
	Status             Status       `json:"status" validate:"omitempty,oneof=active recorded pending_deposit deposited no_donations"`
	Envelopes          []Envelope   `json:"envelopes" validate:"dive"`
	CreatedBy          *string      `json:"createdBy"`
	LastUpdatedBy      *string      `json:"lastUpdatedBy"`
	RecordedAt         *time.Time   `json:"recordedAt"`
	RecordedBy         *string      `json:"recordedBy"`
	BatchNumber        *string      `json:"batchNumber"`
	DepositedAt        *time.Time   `json:"depositedAt"`
	DepositInfo        *DepositInfo `json:"depositInfo"`
	NoDonationsAt      *time.Time   `json:"noDonationsAt"`
	NoDonationsReason  *string      `json:"noDonationsReason"`
	LastEnvelopeNumber int          `json:"lastEnvelopeNumber" validate:"min=0"`
	UpdatedAt          *time.Time   `json:"updatedAt"`
}

func (s Session) Document() Document {
	envelopes := s.Envelopes
	if envelopes == nil {
		envelopes = []Envelope{}
	}
	doc := Document{
		ID:                 s.ID,
		Date:               s.Date,
		Status:             s.Status,
		Envelopes:          envelopes,
		CreatedBy:          optional(s.CreatedBy),
		LastUpdatedBy:      optional(s.LastUpdatedBy),
		RecordedAt:         cloneTime(s.RecordedAt),
		RecordedBy:         optional(s.RecordedBy),
		BatchNumber:        optional(s.BatchNumber),
		DepositedAt:        cloneTime(s.DepositedAt),
		NoDonationsAt:      cloneTime(s.NoDonationsAt),
		NoDonationsReason:  optional(s.NoDonationsReason),
		LastEnvelopeNumber: s.LastEnvelopeNumber,
		UpdatedAt:          cloneTime(s.UpdatedAt),
	}
	if s.DepositInfo != nil {
		info := *s.DepositInfo
		doc.DepositInfo = &info
	}
	return doc
}

// Session converts the document, defaulting a missing status to active and
// missing envelopes to an empty list.
func (d Document) Session() Session {
	s := Session{
		ID:                 d.ID,
		Date:               d.Date,
		Status:             d.Status,
		Envelopes:          append([]Envelope{}, d.Envelopes...),
		CreatedBy:          deref(d.CreatedBy),
		LastUpdatedBy:      deref(d.LastUpdatedBy),
		RecordedAt:         cloneTime(d.RecordedAt),
		RecordedBy:         deref(d.RecordedBy),
		BatchNumber:        deref(d.BatchNumber),
		DepositedAt:        cloneTime(d.DepositedAt),
		NoDonationsAt:      cloneTime(d.NoDonationsAt),
		NoDonationsReason:  deref(d.NoDonationsReason),
		LastEnvelopeNumber: d.LastEnvelopeNumber,
		UpdatedAt:          cloneTime(d.UpdatedAt),
	}
	if s.Status == "" {
		s.Status = StatusActive
	}
	if d.DepositInfo != nil {
		info := *d.DepositInfo
		s.DepositInfo = &info
	}
	return s
}

func (s Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Document())
}

func (s *Session) UnmarshalJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*s = doc.Session()
	return nil
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
