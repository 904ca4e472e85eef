package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"cashcount/api/internal/counting"
)

func TestDecodeSessionAppliesReadDefaults(t *testing.T) {
	at := time.Date(2026, 2, 15, 12, 0, 0, 0, time.FixedZone("x", 3600))
	got, err := decodeSession("s1", []byte(`{"date":"2026-02-15","recordedAt":null}`), at)
	if err != nil {
		t.Fatalf("decodeSession failed: %v", err)
	}
	if got.ID != "s1" || got.Status != counting.StatusActive {
		t.Fatalf("unexpected session: %+v", got)
	}
	if got.Envelopes == nil || len(got.Envelopes) != 0 {
		t.Fatalf("envelopes = %#v, want empty list", got.Envelopes)
	}
	if got.UpdatedAt == nil || !got.UpdatedAt.Equal(at) || got.UpdatedAt.Location() != time.UTC {
		t.Fatalf("updatedAt = %v", got.UpdatedAt)
	}
}

func TestDecodeSessionRejectsMalformedDocument(t *testing.T) {
	if _, err := decodeSession("s1", []byte(`{"date":`), time.Now()); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	dup := fmt.Errorf("write: %w", &pgconn.PgError{Code: "23505", ConstraintName: "sessions_unit_date_key"})
	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{name: "matching constraint", err: dup, constraint: "sessions_unit_date_key", want: true},
		{name: "any constraint", err: dup, want: true},
		{name: "other constraint", err: dup, constraint: "sessions_pkey", want: false},
		{name: "other code", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := isUniqueViolation(tc.err, tc.constraint); got != tc.want {
				t.Fatalf("isUniqueViolation = %v, want %v", got, tc.want)
			}
		})
	}
}
