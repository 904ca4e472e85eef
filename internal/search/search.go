package search

import (
	"context"
	"strings"

	"cashcount/api/internal/counting"
)

// Result is a single search hit returned to the caller.
type Result struct {
	SessionID string          `json:"sessionId"`
	Date      string          `json:"date"`
	Status    counting.Status `json:"status"`
	Title     string          `json:"title"`
	Snippet   string          `json:"snippet"`
}

// Query describes a search request. UnitID is mandatory.
type Query struct {
	UnitID string
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a search over one unit's sessions.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push sessions into a search index.
type Indexer interface {
	IndexSessions(records []SessionRecord) error
	DeleteSession(unitID, sessionID string) error
}

// SessionRecord is the data we index for a session.
type SessionRecord struct {
	ID                string          `json:"id"`
	UnitID            string          `json:"unitId"`
	SessionID         string          `json:"sessionId"`
	Date              string          `json:"date"`
	Status            counting.Status `json:"status"`
	BatchNumber       string          `json:"batchNumber"`
	NoDonationsReason string          `json:"noDonationsReason"`
	Participants      []string        `json:"participants"`
	Depositors        []string        `json:"depositors"`
}

// NewSessionRecord flattens s into its indexed form.
func NewSessionRecord(unitID string, s counting.Session) SessionRecord {
	rec := SessionRecord{
		ID:                recordID(unitID, s.ID),
		UnitID:            unitID,
		SessionID:         s.ID,
		Date:              s.Date,
		Status:            s.Status,
		BatchNumber:       s.BatchNumber,
		NoDonationsReason: s.NoDonationsReason,
		Participants:      s.Participants(),
		Depositors:        []string{},
	}
	if s.DepositInfo != nil {
		rec.Depositors = append(rec.Depositors, s.DepositInfo.Depositor1, s.DepositInfo.Depositor2)
	}
	return rec
}

var idReplacer = strings.NewReplacer(".", "-", "@", "-", " ", "-", ":", "-", "/", "-")

// recordID builds an index key that is unique across units and limited to
// the characters the index accepts.
func recordID(unitID, sessionID string) string {
	return idReplacer.Replace(unitID) + "__" + idReplacer.Replace(sessionID)
}

func title(date string, status counting.Status) string {
	if date == "" {
		date = "Unknown date"
	}
	return date + " (" + strings.ReplaceAll(string(status), "_", " ") + ")"
}

func snippet(batchNumber, reason string) string {
	switch {
	case batchNumber != "" && reason != "":
		return "Batch " + batchNumber + " · " + reason
	case batchNumber != "":
		return "Batch " + batchNumber
	default:
		return reason
	}
}
