package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cashcount/api/internal/auth"
	"cashcount/api/internal/changefeed"
	"cashcount/api/internal/counting"
	"cashcount/api/internal/metrics"
	"cashcount/api/internal/report"
	"cashcount/api/internal/search"
	"cashcount/api/internal/store"
)

var testNow = time.Date(2026, 2, 18, 15, 0, 0, 0, time.UTC)

const testSecret = "test-secret"

type fakeStore struct {
	pingFn             func(context.Context) error
	lookupBindingFn    func(context.Context, string) (store.Binding, error)
	listMembersFn      func(context.Context, string) ([]counting.Member, error)
	listSessionsFn     func(context.Context, string) ([]counting.Session, error)
	getSessionFn       func(context.Context, string, string) (counting.Session, error)
	mergeSessionFn     func(context.Context, string, counting.Session, func(*counting.Session) error) (store.SessionChange, error)
	deleteSessionFn    func(context.Context, string, string) (store.SessionChange, error)
	putTokenFn         func(context.Context, string, counting.DeliveryToken) error
	deleteOwnedTokenFn func(context.Context, string, string, string) error
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) LookupBinding(ctx context.Context, memberID string) (store.Binding, error) {
	if f.lookupBindingFn != nil {
		return f.lookupBindingFn(ctx, memberID)
	}
	return store.Binding{}, store.ErrNotFound
}

func (f *fakeStore) ListMembers(ctx context.Context, unitID string) ([]counting.Member, error) {
	if f.listMembersFn != nil {
		return f.listMembersFn(ctx, unitID)
	}
	return testMembers(), nil
}

func (f *fakeStore) ListSessions(ctx context.Context, unitID string) ([]counting.Session, error) {
	if f.listSessionsFn != nil {
		return f.listSessionsFn(ctx, unitID)
	}
	return nil, nil
}

func (f *fakeStore) GetSession(ctx context.Context, unitID, sessionID string) (counting.Session, error) {
	if f.getSessionFn != nil {
		return f.getSessionFn(ctx, unitID, sessionID)
	}
	return counting.Session{}, store.ErrNotFound
}

// MergeSession defaults to a store with no existing session.
func (f *fakeStore) MergeSession(ctx context.Context, unitID string, next counting.Session, check func(*counting.Session) error) (store.SessionChange, error) {
	if f.mergeSessionFn != nil {
		return f.mergeSessionFn(ctx, unitID, next, check)
	}
	if err := check(nil); err != nil {
		return store.SessionChange{}, err
	}
	after := next.Clone()
	return store.SessionChange{After: &after}, nil
}

func (f *fakeStore) DeleteSession(ctx context.Context, unitID, sessionID string) (store.SessionChange, error) {
	if f.deleteSessionFn != nil {
		return f.deleteSessionFn(ctx, unitID, sessionID)
	}
	return store.SessionChange{}, nil
}

func (f *fakeStore) PutToken(ctx context.Context, unitID string, token counting.DeliveryToken) error {
	if f.putTokenFn != nil {
		return f.putTokenFn(ctx, unitID, token)
	}
	return nil
}

func (f *fakeStore) DeleteOwnedToken(ctx context.Context, unitID, token, ownerID string) error {
	if f.deleteOwnedTokenFn != nil {
		return f.deleteOwnedTokenFn(ctx, unitID, token, ownerID)
	}
	return nil
}

type fakeFeed struct {
	published []changefeed.Update
	publishFn func(context.Context, changefeed.Update) error
	watchFn   func(context.Context, string) (<-chan struct{}, error)
	pingFn    func(context.Context) error
}

func (f *fakeFeed) Publish(ctx context.Context, u changefeed.Update) error {
	f.published = append(f.published, u)
	if f.publishFn != nil {
		return f.publishFn(ctx, u)
	}
	return nil
}

func (f *fakeFeed) Watch(ctx context.Context, unitID string) (<-chan struct{}, error) {
	if f.watchFn != nil {
		return f.watchFn(ctx, unitID)
	}
	return make(chan struct{}), nil
}

func (f *fakeFeed) Consume(ctx context.Context, _ int, _ changefeed.Handler) error {
	<-ctx.Done()
	return nil
}

func (f *fakeFeed) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeFeed) Close() error { return nil }

type fakeSearch struct {
	indexed []string
	deleted []string
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	return search.Response{Results: []search.Result{{SessionID: "s1", Title: q.Text}}, Total: 1, Query: q.Text}
}

func (f *fakeSearch) IndexSession(_ string, s counting.Session) {
	f.indexed = append(f.indexed, s.ID)
}

func (f *fakeSearch) DeleteSession(_, sessionID string) {
	f.deleted = append(f.deleted, sessionID)
}

type fakeReports struct {
	buildFn func(context.Context, report.Request) (*report.Result, error)
}

func (f *fakeReports) Build(ctx context.Context, req report.Request) (*report.Result, error) {
	if f.buildFn != nil {
		return f.buildFn(ctx, req)
	}
	return &report.Result{Data: []byte("<html></html>"), Filename: "session-2026-02-15.html", MimeType: "text/html; charset=utf-8"}, nil
}

func testMembers() []counting.Member {
	return []counting.Member{
		{ID: "admin@x", DisplayName: "Admin", Role: counting.RoleAdmin, Status: counting.MemberActive},
		{ID: "alice@x", DisplayName: "Alice", Role: counting.RoleMember, Status: counting.MemberActive},
		{ID: "bob@x", DisplayName: "Bob", Role: counting.RoleMember, Status: counting.MemberActive},
	}
}

// bindAll binds every test member to unit u1 with its directory role.
func bindAll(_ context.Context, memberID string) (store.Binding, error) {
	for _, m := range testMembers() {
		if m.ID == memberID {
			return store.Binding{MemberID: m.ID, UnitID: "u1", UnitName: "First Unit", Role: m.Role}, nil
		}
	}
	return store.Binding{}, store.ErrNotFound
}

func newTestService(fs *fakeStore, feed *fakeFeed, searcher *fakeSearch) *Service {
	opts := Options{Location: time.UTC, Now: func() time.Time { return testNow }, Reports: &fakeReports{}}
	if searcher != nil {
		opts.Search = searcher
	}
	var f changefeed.Feed
	if feed != nil {
		f = feed
	}
	return New(fs, f, opts)
}

func testIdentity(memberID string, role counting.Role) Identity {
	return Identity{MemberID: memberID, Binding: store.Binding{MemberID: memberID, UnitID: "u1", Role: role}}
}

func bearer(t *testing.T, email string) string {
	t.Helper()
	return bearerWithTTL(t, email, time.Hour)
}

func bearerWithTTL(t *testing.T, email string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), email, "", ttl)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return "Bearer " + token
}

func TestMeReportsNoUnit(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	me, err := svc.Me(context.Background(), "nobody@x", "Nobody")
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me["status"] != "no_unit" {
		t.Fatalf("status = %v, want no_unit", me["status"])
	}
}

func TestMeReportsBinding(t *testing.T) {
	svc := newTestService(&fakeStore{lookupBindingFn: bindAll}, nil, nil)
	me, err := svc.Me(context.Background(), "admin@x", "Admin")
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me["status"] != "ready" || me["unitId"] != "u1" || me["role"] != counting.RoleAdmin {
		t.Fatalf("unexpected me: %+v", me)
	}
}

func TestAuthorizeRejectsOtherUnit(t *testing.T) {
	svc := newTestService(&fakeStore{lookupBindingFn: bindAll}, nil, nil)
	if _, err := svc.Authorize(context.Background(), "alice@x", "u2"); err == nil {
		t.Fatal("expected forbidden")
	} else {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
			t.Fatalf("error = %v, want FORBIDDEN", err)
		}
	}
	if _, err := svc.Authorize(context.Background(), "stranger@x", "u1"); err == nil {
		t.Fatal("expected NO_UNIT")
	} else {
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "NO_UNIT" {
			t.Fatalf("error = %v, want NO_UNIT", err)
		}
	}
	binding, err := svc.Authorize(context.Background(), "alice@x", "u1")
	if err != nil || binding.Role != counting.RoleMember {
		t.Fatalf("Authorize = %+v, %v", binding, err)
	}
}

func TestPutSessionPublishesAndIndexes(t *testing.T) {
	feed := &fakeFeed{}
	searcher := &fakeSearch{}
	svc := newTestService(&fakeStore{}, feed, searcher)

	doc := counting.NewSession("", "2026-02-15", "alice@x").Document()
	view, err := svc.PutSession(context.Background(), testIdentity("alice@x", counting.RoleMember), "s1", doc)
	if err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	if view.ID != "s1" || view.Date != "2026-02-15" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if len(feed.published) != 1 {
		t.Fatalf("published %d updates, want 1", len(feed.published))
	}
	u := feed.published[0]
	if u.UnitID != "u1" || u.SessionID != "s1" || u.Before != nil || u.After == nil || u.ActorID != "alice@x" {
		t.Fatalf("unexpected update: %+v", u)
	}
	if len(searcher.indexed) != 1 || searcher.indexed[0] != "s1" {
		t.Fatalf("indexed = %v", searcher.indexed)
	}
}

func TestPutSessionKeepsWriteWhenPublishFails(t *testing.T) {
	feed := &fakeFeed{publishFn: func(context.Context, changefeed.Update) error { return errors.New("redis down") }}
	svc := newTestService(&fakeStore{}, feed, nil)

	doc := counting.NewSession("s1", "2026-02-15", "alice@x").Document()
	if _, err := svc.PutSession(context.Background(), testIdentity("alice@x", counting.RoleMember), "s1", doc); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
}

func TestPutSessionRejectedByGuard(t *testing.T) {
	feed := &fakeFeed{}
	svc := newTestService(&fakeStore{}, feed, nil)

	recordedAt := testNow
	s := counting.NewSession("s1", "2026-02-15", "alice@x")
	s.Status = counting.StatusRecorded
	s.RecordedAt = &recordedAt
	s.RecordedBy = "alice@x"
	s.BatchNumber = "B-1"

	_, err := svc.PutSession(context.Background(), testIdentity("alice@x", counting.RoleMember), "s1", s.Document())
	if !errors.Is(err, counting.ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected", err)
	}
	if len(feed.published) != 0 {
		t.Fatal("rejected write must not publish")
	}
}

func TestPutSessionRequiresMatchingID(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	doc := counting.NewSession("other", "2026-02-15", "alice@x").Document()
	_, err := svc.PutSession(context.Background(), testIdentity("alice@x", counting.RoleMember), "s1", doc)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 422 {
		t.Fatalf("error = %v, want 422", err)
	}
}

func TestPutSessionPassesStoredDocumentToGuard(t *testing.T) {
	stored := counting.NewSession("s1", "2026-02-15", "alice@x")
	fs := &fakeStore{
		mergeSessionFn: func(_ context.Context, _ string, next counting.Session, check func(*counting.Session) error) (store.SessionChange, error) {
			before := stored.Clone()
			if err := check(&before); err != nil {
				return store.SessionChange{}, err
			}
			return store.SessionChange{Before: &before, After: &next}, nil
		},
	}
	svc := newTestService(fs, nil, nil)

	moved := stored.Clone()
	moved.Date = "2026-02-08"
	_, err := svc.PutSession(context.Background(), testIdentity("alice@x", counting.RoleMember), "s1", moved.Document())
	if !errors.Is(err, counting.ErrRejected) {
		t.Fatalf("error = %v, want ErrRejected for date change", err)
	}
}

func TestPutSessionStampsAuthenticatedActor(t *testing.T) {
	stored := counting.NewSession("s1", "2026-02-15", "alice@x")
	stored.Status = counting.StatusRecorded
	recordedAt := testNow
	stored.RecordedAt = &recordedAt
	stored.RecordedBy = "alice@x"
	stored.BatchNumber = "B-1"
	pending, ok := counting.InitiateDeposit(stored, "alice@x", "bob@x", "alice@x", testNow)
	if !ok {
		t.Fatal("InitiateDeposit rejected")
	}
	rejected, ok := counting.RejectDeposit(pending, "admin@x", counting.NewDirectory(testMembers()))
	if !ok {
		t.Fatal("RejectDeposit rejected")
	}
	// a stale client copy still names the depositor as the last writer
	rejected.LastUpdatedBy = "bob@x"

	var guarded counting.Session
	fs := &fakeStore{
		mergeSessionFn: func(_ context.Context, _ string, next counting.Session, check func(*counting.Session) error) (store.SessionChange, error) {
			before := pending.Clone()
			if err := check(&before); err != nil {
				return store.SessionChange{}, err
			}
			guarded = next
			return store.SessionChange{Before: &before, After: &next}, nil
		},
	}
	feed := &fakeFeed{}
	svc := newTestService(fs, feed, nil)

	view, err := svc.PutSession(context.Background(), testIdentity("admin@x", counting.RoleAdmin), "s1", rejected.Document())
	if err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	if guarded.LastUpdatedBy != "admin@x" || view.Session().LastUpdatedBy != "admin@x" {
		t.Fatalf("lastUpdatedBy = %q (view %q), want admin@x", guarded.LastUpdatedBy, view.Session().LastUpdatedBy)
	}
	if len(feed.published) != 1 || feed.published[0].After.LastUpdatedBy != "admin@x" || feed.published[0].ActorID != "admin@x" {
		t.Fatalf("published = %+v", feed.published)
	}
}

func TestPutSessionRejectsForgedRecorder(t *testing.T) {
	stored := counting.NewSession("s1", "2026-02-15", "alice@x")
	fs := &fakeStore{
		mergeSessionFn: func(_ context.Context, _ string, next counting.Session, check func(*counting.Session) error) (store.SessionChange, error) {
			before := stored.Clone()
			if err := check(&before); err != nil {
				return store.SessionChange{}, err
			}
			return store.SessionChange{Before: &before, After: &next}, nil
		},
	}
	svc := newTestService(fs, nil, nil)

	recorded, ok := counting.MarkRecorded(stored, "B-1", "bob@x", testNow)
	if !ok {
		t.Fatal("MarkRecorded rejected")
	}
	_, err := svc.PutSession(context.Background(), testIdentity("alice@x", counting.RoleMember), "s1", recorded.Document())
	if !errors.Is(err, counting.ErrForbidden) {
		t.Fatalf("error = %v, want ErrForbidden", err)
	}
}

func TestDeleteSessionPublishesOnlyExisting(t *testing.T) {
	feed := &fakeFeed{}
	searcher := &fakeSearch{}
	existing := counting.NewSession("s1", "2026-02-15", "alice@x")
	fs := &fakeStore{
		deleteSessionFn: func(_ context.Context, _, sessionID string) (store.SessionChange, error) {
			if sessionID == "s1" {
				return store.SessionChange{Before: &existing}, nil
			}
			return store.SessionChange{}, nil
		},
	}
	svc := newTestService(fs, feed, searcher)
	id := testIdentity("alice@x", counting.RoleMember)

	if err := svc.DeleteSession(context.Background(), id, "missing"); err != nil {
		t.Fatalf("DeleteSession(missing): %v", err)
	}
	if len(feed.published) != 0 {
		t.Fatal("deleting a missing session must not publish")
	}
	if err := svc.DeleteSession(context.Background(), id, "s1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if len(feed.published) != 1 || feed.published[0].After != nil {
		t.Fatalf("unexpected updates: %+v", feed.published)
	}
	if len(searcher.deleted) != 1 {
		t.Fatalf("search deletes = %v", searcher.deleted)
	}
}

func TestRegisterTokenRecordsOwner(t *testing.T) {
	var got counting.DeliveryToken
	fs := &fakeStore{
		putTokenFn: func(_ context.Context, unitID string, token counting.DeliveryToken) error {
			if unitID != "u1" {
				t.Fatalf("unitID = %s", unitID)
			}
			got = token
			return nil
		},
	}
	svc := newTestService(fs, nil, nil)
	if err := svc.RegisterToken(context.Background(), testIdentity("bob@x", counting.RoleMember), " tok "); err != nil {
		t.Fatalf("RegisterToken: %v", err)
	}
	if got.Token != "tok" || got.OwnerID != "bob@x" {
		t.Fatalf("stored token = %+v", got)
	}
	if err := svc.RegisterToken(context.Background(), testIdentity("bob@x", counting.RoleMember), " "); err == nil {
		t.Fatal("expected error for blank token")
	}
}

func TestReportArchiveRequiresAdmin(t *testing.T) {
	svc := newTestService(&fakeStore{}, nil, nil)
	_, err := svc.Report(context.Background(), testIdentity("alice@x", counting.RoleMember), "s1", report.FormatHTML, true)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != 403 {
		t.Fatalf("error = %v, want 403", err)
	}
	if _, err := svc.Report(context.Background(), testIdentity("admin@x", counting.RoleAdmin), "s1", report.FormatHTML, true); err != nil {
		t.Fatalf("admin archive: %v", err)
	}
}

func TestWriteOutcome(t *testing.T) {
	tests := map[string]error{
		"rejected":       counting.ErrRejected,
		"forbidden":      counting.ErrForbidden,
		"invalid":        counting.ErrInvalid,
		"duplicate_date": store.ErrDuplicateDate,
		"error":          errors.New("boom"),
	}
	for want, err := range tests {
		if got := writeOutcome(err); got != want {
			t.Fatalf("writeOutcome(%v) = %s, want %s", err, got, want)
		}
	}
}

func TestPutSessionCountsOutcomes(t *testing.T) {
	accepted := metrics.SessionWrites.WithLabelValues("accepted")
	duplicate := metrics.SessionWrites.WithLabelValues("duplicate_date")
	acceptedBefore := testutil.ToFloat64(accepted)
	duplicateBefore := testutil.ToFloat64(duplicate)

	doc := counting.NewSession("s1", "2026-02-15", "alice@x").Document()
	id := testIdentity("alice@x", counting.RoleMember)
	if _, err := newTestService(&fakeStore{}, nil, nil).PutSession(context.Background(), id, "s1", doc); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	dup := &fakeStore{mergeSessionFn: func(context.Context, string, counting.Session, func(*counting.Session) error) (store.SessionChange, error) {
		return store.SessionChange{}, store.ErrDuplicateDate
	}}
	if _, err := newTestService(dup, nil, nil).PutSession(context.Background(), id, "s1", doc); !errors.Is(err, store.ErrDuplicateDate) {
		t.Fatalf("error = %v, want ErrDuplicateDate", err)
	}

	if got := testutil.ToFloat64(accepted) - acceptedBefore; got != 1 {
		t.Fatalf("accepted delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(duplicate) - duplicateBefore; got != 1 {
		t.Fatalf("duplicate delta = %v, want 1", got)
	}
}
