package report

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"cashcount/api/internal/counting"
	"cashcount/api/internal/store"
)

type fakeStore struct {
	getSessionFn func(unitID, sessionID string) (counting.Session, error)
}

func (f fakeStore) GetUnit(_ context.Context, id string) (store.Unit, error) {
	return store.Unit{ID: id, Name: "St. Mark"}, nil
}

func (f fakeStore) GetSession(_ context.Context, unitID, sessionID string) (counting.Session, error) {
	return f.getSessionFn(unitID, sessionID)
}

func (f fakeStore) ListMembers(context.Context, string) ([]counting.Member, error) {
	return []counting.Member{
		{ID: "alice@x", DisplayName: "Alice", Role: counting.RoleMember, Status: counting.MemberActive},
		{ID: "bob@x", DisplayName: "Bob", Role: counting.RoleMember, Status: counting.MemberActive},
	}, nil
}

type fakePDF struct{ html string }

func (f *fakePDF) RenderPDF(_ context.Context, html string) ([]byte, error) {
	f.html = html
	return []byte("%PDF-1.7"), nil
}

type fakeArchiver struct {
	keys []string
}

func (f *fakeArchiver) Put(_ context.Context, key string, _ []byte, _ string) error {
	f.keys = append(f.keys, key)
	return nil
}

func depositedSession() counting.Session {
	s := counting.NewSession("s1", "2026-02-15", "alice@x")
	s.Envelopes = []counting.Envelope{
		{ID: "e1", Number: 1, Count100: 2, Count20: 1, CoinsAmountCents: 150},
		{ID: "e2", Number: 2, ChequeAmountCents: 123456},
	}
	s.Status = counting.StatusPendingDeposit
	s.BatchNumber = "B-7"
	s.DepositInfo = &counting.DepositInfo{
		Depositor1:  "alice@x",
		Depositor2:  "bob@x",
		InitiatedBy: "alice@x",
		InitiatedAt: time.Date(2026, 2, 16, 15, 0, 0, 0, time.UTC),
	}
	return s
}

func TestFormatCents(t *testing.T) {
	cases := map[int64]string{
		0:         "$0.00",
		5:         "$0.05",
		22150:     "$221.50",
		123456789: "$1,234,567.89",
		-2500:     "-$25.00",
	}
	for cents, want := range cases {
		if got := FormatCents(cents); got != want {
			t.Fatalf("FormatCents(%d) = %q, want %q", cents, got, want)
		}
	}
}

func TestBuildHTMLReport(t *testing.T) {
	svc := NewService(fakeStore{getSessionFn: func(string, string) (counting.Session, error) {
		return depositedSession(), nil
	}}, nil, nil, time.UTC)

	result, err := svc.Build(context.Background(), Request{UnitID: "u1", SessionID: "s1"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	html := string(result.Data)
	for _, want := range []string{"St. Mark", "$220.00", "$1.50", "$1,234.56", "$1,456.06", "Alice and Bob", "Awaiting verification", "B-7"} {
		if !strings.Contains(html, want) {
			t.Fatalf("report missing %q:\n%s", want, html)
		}
	}
	if result.Filename != "session-2026-02-15.html" || result.ArchiveKey != "" {
		t.Fatalf("unexpected result metadata: %+v", result)
	}
}

func TestBuildPDFAndArchive(t *testing.T) {
	pdf := &fakePDF{}
	archive := &fakeArchiver{}
	svc := NewService(fakeStore{getSessionFn: func(string, string) (counting.Session, error) {
		return depositedSession(), nil
	}}, pdf, archive, time.UTC)

	result, err := svc.Build(context.Background(), Request{UnitID: "u1", SessionID: "s1", Format: FormatPDF, Archive: true})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if result.MimeType != "application/pdf" || !strings.Contains(pdf.html, "St. Mark") {
		t.Fatalf("pdf not rendered from html: %+v", result)
	}
	if result.ArchiveKey != "u1/session-2026-02-15.pdf" || len(archive.keys) != 1 {
		t.Fatalf("archive key = %q, stored %v", result.ArchiveKey, archive.keys)
	}
}

func TestBuildErrors(t *testing.T) {
	missing := errors.New("missing")
	svc := NewService(fakeStore{getSessionFn: func(string, string) (counting.Session, error) {
		return counting.Session{}, missing
	}}, nil, nil, nil)
	if _, err := svc.Build(context.Background(), Request{UnitID: "u1", SessionID: "s1"}); !errors.Is(err, missing) {
		t.Fatalf("err = %v, want wrapped lookup error", err)
	}

	svc = NewService(fakeStore{getSessionFn: func(string, string) (counting.Session, error) {
		return depositedSession(), nil
	}}, nil, nil, nil)
	if _, err := svc.Build(context.Background(), Request{UnitID: "u1", SessionID: "s1", Format: "docx"}); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
	if _, err := svc.Build(context.Background(), Request{UnitID: "u1", SessionID: "s1", Format: FormatPDF}); !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("err = %v, want ErrPDFDependencyMissing", err)
	}
	if _, err := svc.Build(context.Background(), Request{UnitID: "u1", SessionID: "s1", Archive: true}); !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("err = %v, want ErrArchiveDisabled", err)
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	if got := percentEncodeForDataURL("a b<é"); got != "a%20b%3C%C3%A9" {
		t.Fatalf("percentEncodeForDataURL = %q", got)
	}
}
