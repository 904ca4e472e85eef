package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cashcount/api/internal/changefeed"
	"cashcount/api/internal/counting"
	"cashcount/api/internal/logging"
	"cashcount/api/internal/metrics"
	"cashcount/api/internal/rbac"
	"cashcount/api/internal/report"
	"cashcount/api/internal/search"
	"cashcount/api/internal/store"
)

// Identity is the authenticated caller and, once resolved, the unit it is
// bound to.
type Identity struct {
	MemberID string
	Name     string
	Binding  store.Binding
}

type dataStore interface {
	Ping(context.Context) error
	LookupBinding(context.Context, string) (store.Binding, error)
	ListMembers(context.Context, string) ([]counting.Member, error)
	ListSessions(context.Context, string) ([]counting.Session, error)
	GetSession(context.Context, string, string) (counting.Session, error)
	MergeSession(context.Context, string, counting.Session, func(*counting.Session) error) (store.SessionChange, error)
	DeleteSession(context.Context, string, string) (store.SessionChange, error)
	PutToken(context.Context, string, counting.DeliveryToken) error
	DeleteOwnedToken(context.Context, string, string, string) error
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexSession(unitID string, s counting.Session)
	DeleteSession(unitID, sessionID string)
}

type reportBuilder interface {
	Build(ctx context.Context, req report.Request) (*report.Result, error)
}

// Options carries the optional collaborators of Service.
type Options struct {
	Search   searchService
	Reports  reportBuilder
	Location *time.Location
	Now      func() time.Time
}

type Service struct {
	store   dataStore
	feed    changefeed.Feed
	search  searchService
	reports reportBuilder
	loc     *time.Location
	now     func() time.Time
}

func New(dataStore dataStore, feed changefeed.Feed, opts Options) *Service {
	s := &Service{
		store:   dataStore,
		feed:    feed,
		search:  opts.Search,
		reports: opts.Reports,
		loc:     opts.Location,
		now:     opts.Now,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SessionView is a session as returned by the API, with derived fields.
type SessionView struct {
	counting.Document
	Locked bool            `json:"locked"`
	Totals counting.Totals `json:"totals"`
}

func (s *Service) view(item counting.Session) SessionView {
	return SessionView{
		Document: item.Document(),
		Locked:   counting.Locked(item.Date, s.now().In(s.loc)),
		Totals:   item.Totals(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingFeed reports whether the change feed backend is reachable.
func (s *Service) PingFeed(ctx context.Context) error {
	if s.feed == nil {
		return nil
	}
	return s.feed.Ping(ctx)
}

// Me resolves the unit binding of memberID. A missing binding is not an
// error; the caller is reported as having no unit.
func (s *Service) Me(ctx context.Context, memberID, name string) (map[string]any, error) {
	binding, err := s.store.LookupBinding(ctx, memberID)
	if errors.Is(err, store.ErrNotFound) {
		return map[string]any{
			"memberId": memberID,
			"name":     name,
			"status":   "no_unit",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup binding: %w", err)
	}
	return map[string]any{
		"memberId": memberID,
		"name":     name,
		"status":   "ready",
		"unitId":   binding.UnitID,
		"unitName": binding.UnitName,
		"role":     binding.Role,
	}, nil
}

// Authorize checks that memberID is an active member bound to unitID.
func (s *Service) Authorize(ctx context.Context, memberID, unitID string) (store.Binding, error) {
	binding, err := s.store.LookupBinding(ctx, memberID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Binding{}, domainError(http.StatusForbidden, "NO_UNIT", "No unit binding for this identity", nil)
	}
	if err != nil {
		return store.Binding{}, fmt.Errorf("lookup binding: %w", err)
	}
	if binding.UnitID != unitID {
		return store.Binding{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"unitId": unitID})
	}
	return binding, nil
}

func (s *Service) Can(role counting.Role, action rbac.Action) bool {
	return rbac.Can(role, action)
}

func (s *Service) ListSessions(ctx context.Context, unitID string) ([]SessionView, error) {
	sessions, err := s.store.ListSessions(ctx, unitID)
	if err != nil {
		return nil, err
	}
	views := make([]SessionView, 0, len(sessions))
	for _, item := range sessions {
		views = append(views, s.view(item))
	}
	return views, nil
}

// Snapshot returns the unit's full session set for the feed.
func (s *Service) Snapshot(ctx context.Context, unitID string) ([]counting.Session, error) {
	return s.store.ListSessions(ctx, unitID)
}

func (s *Service) ListMembers(ctx context.Context, unitID string) ([]counting.Member, error) {
	return s.store.ListMembers(ctx, unitID)
}

// PutSession merges doc over the stored session after the write guard
// accepts it, then publishes the change.
func (s *Service) PutSession(ctx context.Context, id Identity, sessionID string, doc counting.Document) (SessionView, error) {
	if doc.ID != "" && doc.ID != sessionID {
		return SessionView{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Session id does not match the path", nil)
	}
	doc.ID = sessionID
	next := doc.Session()
	next.LastUpdatedBy = id.MemberID
	unitID := id.Binding.UnitID

	members, err := s.store.ListMembers(ctx, unitID)
	if err != nil {
		return SessionView{}, fmt.Errorf("list members: %w", err)
	}
	dir := counting.NewDirectory(members)
	now := s.now().In(s.loc)

	change, err := s.store.MergeSession(ctx, unitID, next, func(before *counting.Session) error {
		return counting.CheckWrite(before, next, id.MemberID, dir, now)
	})
	if err != nil {
		metrics.SessionWrites.WithLabelValues(writeOutcome(err)).Inc()
		if errors.Is(err, counting.ErrRejected) || errors.Is(err, counting.ErrForbidden) {
			logging.Ctx(ctx).Info().Err(err).Str("unit_id", unitID).Str("session_id", sessionID).Str("actor", id.MemberID).Msg("session write rejected")
		}
		return SessionView{}, err
	}
	metrics.SessionWrites.WithLabelValues("accepted").Inc()

	s.publish(ctx, changefeed.Update{
		UnitID:    unitID,
		SessionID: sessionID,
		Before:    change.Before,
		After:     change.After,
		ActorID:   id.MemberID,
		At:        now,
	})
	if s.search != nil {
		s.search.IndexSession(unitID, *change.After)
	}
	return s.view(*change.After), nil
}

func (s *Service) DeleteSession(ctx context.Context, id Identity, sessionID string) error {
	if !s.Can(id.Binding.Role, rbac.ActionDelete) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	unitID := id.Binding.UnitID
	change, err := s.store.DeleteSession(ctx, unitID, sessionID)
	if err != nil {
		return err
	}
	if change.Before == nil {
		return nil
	}
	s.publish(ctx, changefeed.Update{
		UnitID:    unitID,
		SessionID: sessionID,
		Before:    change.Before,
		ActorID:   id.MemberID,
		At:        s.now(),
	})
	if s.search != nil {
		s.search.DeleteSession(unitID, sessionID)
	}
	return nil
}

// publish hands the committed change to the feed. The write has already
// succeeded, so failures are only logged.
func (s *Service) publish(ctx context.Context, u changefeed.Update) {
	if s.feed == nil {
		return
	}
	if err := s.feed.Publish(ctx, u); err != nil {
		logging.Ctx(ctx).Error().Err(err).Str("unit_id", u.UnitID).Str("session_id", u.SessionID).Msg("publish session change failed")
	}
}

func (s *Service) RegisterToken(ctx context.Context, id Identity, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "token is required", nil)
	}
	return s.store.PutToken(ctx, id.Binding.UnitID, counting.DeliveryToken{Token: token, OwnerID: id.MemberID, CreatedAt: s.now()})
}

func (s *Service) UnregisterToken(ctx context.Context, id Identity, token string) error {
	return s.store.DeleteOwnedToken(ctx, id.Binding.UnitID, strings.TrimSpace(token), id.MemberID)
}

func (s *Service) Search(ctx context.Context, unitID, text string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{UnitID: unitID, Text: text, Limit: limit, Offset: offset})
}

func (s *Service) Report(ctx context.Context, id Identity, sessionID string, format report.Format, archive bool) (*report.Result, error) {
	if archive && !s.Can(id.Binding.Role, rbac.ActionArchive) {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only admins can archive reports", nil)
	}
	if s.reports == nil {
		return nil, domainError(http.StatusServiceUnavailable, "REPORT_UNAVAILABLE", "Reports are not configured", nil)
	}
	return s.reports.Build(ctx, report.Request{UnitID: id.Binding.UnitID, SessionID: sessionID, Format: format, Archive: archive})
}

func writeOutcome(err error) string {
	switch {
	case errors.Is(err, counting.ErrRejected):
		return "rejected"
	case errors.Is(err, counting.ErrForbidden):
		return "forbidden"
	case errors.Is(err, counting.ErrInvalid):
		return "invalid"
	case errors.Is(err, store.ErrDuplicateDate):
		return "duplicate_date"
	default:
		return "error"
	}
}
