package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"cashcount/api/internal/counting"
)

// Postgres implements Searcher with substring matching over stored session
// documents. It is the fallback when Meilisearch is unavailable.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *Postgres) Healthy() bool {
	return true
}

const sessionMatch = `
	s.unit_id = $1 AND (
		s.session_date::text ILIKE $2
		OR coalesce(s.doc->>'batchNumber', '') ILIKE $2
		OR coalesce(s.doc->>'noDonationsReason', '') ILIKE $2
		OR coalesce(s.doc->>'createdBy', '') ILIKE $2
		OR coalesce(s.doc->>'lastUpdatedBy', '') ILIKE $2
		OR coalesce(s.doc->>'recordedBy', '') ILIKE $2
		OR coalesce(s.doc->'depositInfo'->>'depositor1', '') ILIKE $2
		OR coalesce(s.doc->'depositInfo'->>'depositor2', '') ILIKE $2
	)`

func (p *Postgres) Search(ctx context.Context, q Query) ([]Result, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}
	pattern := "%" + escapeLike(text) + "%"

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM sessions s WHERE`+sessionMatch, q.UnitID, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres search count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT s.id, s.session_date::text,
			coalesce(s.doc->>'status', 'active'),
			coalesce(s.doc->>'batchNumber', ''),
			coalesce(s.doc->>'noDonationsReason', '')
		FROM sessions s
		WHERE %s
		ORDER BY s.session_date DESC
		LIMIT %d OFFSET %d`, sessionMatch, limit, offset), q.UnitID, pattern)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres search query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var status, batch, reason string
		if err := rows.Scan(&r.SessionID, &r.Date, &status, &batch, &reason); err != nil {
			return nil, 0, fmt.Errorf("postgres search scan: %w", err)
		}
		r.Status = counting.Status(status)
		r.Title = title(r.Date, r.Status)
		r.Snippet = snippet(batch, reason)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every stored session in indexed form.
func (p *Postgres) LoadAllRecords(ctx context.Context) ([]SessionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT unit_id, id, doc FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	records := make([]SessionRecord, 0)
	for rows.Next() {
		var unitID, id string
		var raw []byte
		if err := rows.Scan(&unitID, &id, &raw); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var doc counting.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", id, err)
		}
		s := doc.Session()
		s.ID = id
		records = append(records, NewSessionRecord(unitID, s))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
