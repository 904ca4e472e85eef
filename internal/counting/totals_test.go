package counting

import (
	"testing"
	"time"
)

func TestEnvelopeTotals(t *testing.T) {
	e := Envelope{Count100: 2, Count20: 1, CoinsAmountCents: 150}
	if got := e.CashCents(); got != 22000 {
		t.Fatalf("CashCents = %d, want 22000", got)
	}
	if got := e.TotalCents(); got != 22150 {
		t.Fatalf("TotalCents = %d, want 22150", got)
	}
}

func TestSessionTotals(t *testing.T) {
	s := Session{Envelopes: []Envelope{
		{ID: "a", Count100: 1, Count5: 3, ChequeAmountCents: 5000},
		{ID: "b", Count50: 2, Count5: 1, CoinsAmountCents: 85},
	}}
	totals := s.Totals()
	if totals.Bills[5] != 4 || totals.Bills[50] != 2 || totals.Bills[10] != 0 {
		t.Fatalf("bills = %v", totals.Bills)
	}
	if totals.CashCents != 10000+1500+10000+500 {
		t.Fatalf("cash = %d", totals.CashCents)
	}
	if totals.GrandCents != totals.CashCents+85+5000 {
		t.Fatalf("grand = %d", totals.GrandCents)
	}
}

func TestReportingDate(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	cases := []struct {
		now  time.Time
		want string
	}{
		{time.Date(2026, 2, 15, 0, 0, 0, 0, ny), "2026-02-15"},
		{time.Date(2026, 2, 21, 23, 59, 0, 0, ny), "2026-02-15"},
		{time.Date(2026, 2, 22, 0, 1, 0, 0, ny), "2026-02-22"},
		{time.Date(2026, 3, 3, 12, 0, 0, 0, ny), "2026-03-01"},
	}
	for _, tc := range cases {
		if got := ReportingDate(tc.now); got != tc.want {
			t.Fatalf("ReportingDate(%v) = %s, want %s", tc.now, got, tc.want)
		}
	}
}

func TestLocked(t *testing.T) {
	now := time.Date(2026, 2, 22, 8, 0, 0, 0, time.UTC)
	if !Locked("2026-02-15", now) {
		t.Fatal("previous week should be locked on the following Sunday")
	}
	if Locked("2026-02-22", now) {
		t.Fatal("current week should be open")
	}
	if Locked("not-a-date", now) {
		t.Fatal("malformed dates are never locked")
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	if !Expired("2026-02-15", now, 6) {
		t.Fatal("session older than six months should expire")
	}
	if Expired("2026-02-22", now, 6) {
		t.Fatal("session within six months should be kept")
	}
}

func TestIsSunday(t *testing.T) {
	if !IsSunday("2026-02-15") || IsSunday("2026-02-16") || IsSunday("2026-13-01") {
		t.Fatal("IsSunday misclassified dates")
	}
}
