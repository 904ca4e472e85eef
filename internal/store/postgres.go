package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgconn"

	"cashcount/api/internal/counting"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) UpsertUnit(ctx context.Context, id, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO units (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, id, name)
	if err != nil {
		return fmt.Errorf("upsert unit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUnit(ctx context.Context, id string) (Unit, error) {
	var u Unit
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM units WHERE id = $1`, id).Scan(&u.ID, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Unit{}, ErrNotFound
	}
	if err != nil {
		return Unit{}, fmt.Errorf("get unit: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) UpsertMember(ctx context.Context, unitID string, m counting.Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (unit_id, id, display_name, role, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (unit_id, id) DO UPDATE
		SET display_name = EXCLUDED.display_name, role = EXCLUDED.role, status = EXCLUDED.status
	`, unitID, counting.NormalizeIdentity(m.ID), m.DisplayName, string(m.Role), string(m.Status))
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

// ListMembers returns the unit's members, active first, then by id.
func (s *PostgresStore) ListMembers(ctx context.Context, unitID string) ([]counting.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, role, status
		FROM members
		WHERE unit_id = $1
		ORDER BY (status = 'active') DESC, id ASC
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]counting.Member, 0)
	for rows.Next() {
		var m counting.Member
		var role, status string
		if err := rows.Scan(&m.ID, &m.DisplayName, &role, &status); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.Role = counting.Role(role)
		m.Status = counting.MemberStatus(status)
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, unitID, memberID string) (MemberRecord, error) {
	var rec MemberRecord
	var role, status string
	err := s.db.QueryRowContext(ctx, `
		SELECT unit_id, id, display_name, role, status, added_at
		FROM members
		WHERE unit_id = $1 AND id = $2
	`, unitID, counting.NormalizeIdentity(memberID)).Scan(&rec.UnitID, &rec.ID, &rec.DisplayName, &role, &status, &rec.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return MemberRecord{}, ErrNotFound
	}
	if err != nil {
		return MemberRecord{}, fmt.Errorf("get member: %w", err)
	}
	rec.Role = counting.Role(role)
	rec.Status = counting.MemberStatus(status)
	return rec, nil
}

func (s *PostgresStore) SetBinding(ctx context.Context, memberID, unitID, unitName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_units (member_id, unit_id, unit_name) VALUES ($1, $2, $3)
		ON CONFLICT (member_id) DO UPDATE SET unit_id = EXCLUDED.unit_id, unit_name = EXCLUDED.unit_name
	`, counting.NormalizeIdentity(memberID), unitID, unitName)
	if err != nil {
		return fmt.Errorf("set binding: %w", err)
	}
	return nil
}

// LookupBinding resolves the unit of memberID. Members that are missing from
// the unit or disabled have no binding.
func (s *PostgresStore) LookupBinding(ctx context.Context, memberID string) (Binding, error) {
	var b Binding
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT uu.member_id, uu.unit_id, uu.unit_name, m.role
		FROM user_units uu
		JOIN members m ON m.unit_id = uu.unit_id AND m.id = uu.member_id
		WHERE uu.member_id = $1 AND m.status = 'active'
	`, counting.NormalizeIdentity(memberID)).Scan(&b.MemberID, &b.UnitID, &b.UnitName, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return Binding{}, ErrNotFound
	}
	if err != nil {
		return Binding{}, fmt.Errorf("lookup binding: %w", err)
	}
	b.Role = counting.Role(role)
	return b, nil
}

// ListSessions returns the unit's sessions, newest date first.
func (s *PostgresStore) ListSessions(ctx context.Context, unitID string) ([]counting.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc, updated_at
		FROM sessions
		WHERE unit_id = $1
		ORDER BY session_date DESC, id ASC
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	items := make([]counting.Session, 0)
	for rows.Next() {
		var id string
		var raw []byte
		var updatedAt time.Time
		if err := rows.Scan(&id, &raw, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		item, err := decodeSession(id, raw, updatedAt)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, unitID, sessionID string) (counting.Session, error) {
	var raw []byte
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT doc, updated_at FROM sessions WHERE unit_id = $1 AND id = $2
	`, unitID, sessionID).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return counting.Session{}, ErrNotFound
	}
	if err != nil {
		return counting.Session{}, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(sessionID, raw, updatedAt)
}

// MergeSession merges the full document of next over the stored one inside a
// transaction. check sees the stored version (nil when new) while its row is
// locked and can veto the write.
func (s *PostgresStore) MergeSession(ctx context.Context, unitID string, next counting.Session, check func(before *counting.Session) error) (SessionChange, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SessionChange{}, fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var change SessionChange
	var raw []byte
	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT doc, updated_at FROM sessions WHERE unit_id = $1 AND id = $2 FOR UPDATE
	`, unitID, next.ID).Scan(&raw, &updatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return SessionChange{}, fmt.Errorf("lock session: %w", err)
	default:
		before, err := decodeSession(next.ID, raw, updatedAt)
		if err != nil {
			return SessionChange{}, err
		}
		change.Before = &before
	}

	if check != nil {
		if err := check(change.Before); err != nil {
			return SessionChange{}, err
		}
	}

	doc := next.Document()
	doc.UpdatedAt = nil
	payload, err := json.Marshal(doc)
	if err != nil {
		return SessionChange{}, fmt.Errorf("marshal session: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO sessions (unit_id, id, session_date, doc)
		VALUES ($1, $2, $3::date, $4::jsonb)
		ON CONFLICT (unit_id, id) DO UPDATE
		SET doc = sessions.doc || EXCLUDED.doc,
			session_date = EXCLUDED.session_date,
			updated_at = NOW()
		RETURNING doc, updated_at
	`, unitID, next.ID, next.Date, string(payload)).Scan(&raw, &updatedAt)
	if err != nil {
		if isUniqueViolation(err, "sessions_unit_date_key") {
			return SessionChange{}, ErrDuplicateDate
		}
		return SessionChange{}, fmt.Errorf("write session: %w", err)
	}
	after, err := decodeSession(next.ID, raw, updatedAt)
	if err != nil {
		return SessionChange{}, err
	}
	change.After = &after

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err, "sessions_unit_date_key") {
			return SessionChange{}, ErrDuplicateDate
		}
		return SessionChange{}, fmt.Errorf("commit session: %w", err)
	}
	return change, nil
}

// DeleteSession removes a session and returns what was stored. Deleting a
// missing session returns an empty change.
func (s *PostgresStore) DeleteSession(ctx context.Context, unitID, sessionID string) (SessionChange, error) {
	var raw []byte
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM sessions WHERE unit_id = $1 AND id = $2 RETURNING doc, updated_at
	`, unitID, sessionID).Scan(&raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionChange{}, nil
	}
	if err != nil {
		return SessionChange{}, fmt.Errorf("delete session: %w", err)
	}
	before, err := decodeSession(sessionID, raw, updatedAt)
	if err != nil {
		return SessionChange{}, err
	}
	return SessionChange{Before: &before}, nil
}

// PutToken registers a delivery token. Re-registering moves it to the new owner.
func (s *PostgresStore) PutToken(ctx context.Context, unitID string, t counting.DeliveryToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_tokens (unit_id, token, owner_id) VALUES ($1, $2, $3)
		ON CONFLICT (unit_id, token) DO UPDATE SET owner_id = EXCLUDED.owner_id
	`, unitID, t.Token, counting.NormalizeIdentity(t.OwnerID))
	if err != nil {
		return fmt.Errorf("put delivery token: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTokens(ctx context.Context, unitID string) ([]counting.DeliveryToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token, owner_id, created_at FROM delivery_tokens WHERE unit_id = $1 ORDER BY created_at, token
	`, unitID)
	if err != nil {
		return nil, fmt.Errorf("list delivery tokens: %w", err)
	}
	defer rows.Close()

	items := make([]counting.DeliveryToken, 0)
	for rows.Next() {
		var t counting.DeliveryToken
		if err := rows.Scan(&t.Token, &t.OwnerID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delivery token: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate delivery tokens: %w", err)
	}
	return items, nil
}

// DeleteOwnedToken removes a token only if ownerID registered it.
func (s *PostgresStore) DeleteOwnedToken(ctx context.Context, unitID, token, ownerID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_tokens WHERE unit_id = $1 AND token = $2 AND owner_id = $3
	`, unitID, token, counting.NormalizeIdentity(ownerID))
	if err != nil {
		return fmt.Errorf("delete delivery token: %w", err)
	}
	return nil
}

// DeleteTokens removes a batch of tokens regardless of owner.
func (s *PostgresStore) DeleteTokens(ctx context.Context, unitID string, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_tokens WHERE unit_id = $1 AND token = ANY($2)
	`, unitID, tokens)
	if err != nil {
		return fmt.Errorf("delete delivery tokens: %w", err)
	}
	return nil
}

func decodeSession(id string, raw []byte, updatedAt time.Time) (counting.Session, error) {
	var doc counting.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return counting.Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	item := doc.Session()
	item.ID = id
	at := updatedAt.UTC()
	item.UpdatedAt = &at
	return item, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && (constraint == "" || pgErr.ConstraintName == constraint)
}
