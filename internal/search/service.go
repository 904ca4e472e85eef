package search

import (
	"context"

	"github.com/rs/zerolog"

	"cashcount/api/internal/counting"
)

type indexingSearcher interface {
	Searcher
	Indexer
}

// Service is the facade that tries Meilisearch first and falls back to PostgreSQL.
type Service struct {
	meili    indexingSearcher
	fallback Searcher
	logger   zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Searcher, logger zerolog.Logger) *Service {
	s := &Service{fallback: fallback, logger: logger.With().Str("component", "search").Logger()}
	if meili != nil {
		s.meili = meili
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PostgreSQL.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to postgres")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("postgres search failed")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexSession indexes a session (fire-and-forget to Meilisearch).
func (s *Service) IndexSession(unitID string, session counting.Session) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	rec := NewSessionRecord(unitID, session)
	go func() {
		if err := s.meili.IndexSessions([]SessionRecord{rec}); err != nil {
			s.logger.Warn().Err(err).Str("session_id", session.ID).Msg("index session failed")
		}
	}()
}

// DeleteSession removes a session from the search index (fire-and-forget).
func (s *Service) DeleteSession(unitID, sessionID string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteSession(unitID, sessionID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("delete indexed session failed")
		}
	}()
}

// ReindexAll pushes every stored session to Meilisearch. Called at startup.
func (s *Service) ReindexAll(ctx context.Context, loader RecordLoader) {
	if s.meili == nil || !s.meili.Healthy() || loader == nil {
		return
	}
	records, err := loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reindex load failed")
		return
	}
	if len(records) == 0 {
		return
	}
	if err := s.meili.IndexSessions(records); err != nil {
		s.logger.Error().Err(err).Int("count", len(records)).Msg("reindex sessions failed")
	}
}

// RecordLoader reads every session in indexed form.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]SessionRecord, error)
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
