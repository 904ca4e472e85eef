package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cashcount/api/internal/auth"
	"cashcount/api/internal/changefeed"
	"cashcount/api/internal/counting"
	"cashcount/api/internal/logging"
	"cashcount/api/internal/metrics"
	"cashcount/api/internal/report"
)

type HTTPServer struct {
	service    *Service
	notifier   changefeed.Notifier
	jwtSecret  []byte
	corsOrigin string
	validate   *validator.Validate
}

func NewHTTPServer(service *Service, notifier changefeed.Notifier, jwtSecret, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		notifier:   notifier,
		jwtSecret:  []byte(jwtSecret),
		corsOrigin: corsOrigin,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
	}
}

type identityKey struct{}

func identityFrom(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey{}).(Identity)
	return id
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withRequestLogging)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.withCORS)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireIdentity)
		r.Get("/api/me", s.handleMe)

		r.Route("/api/units/{unitID}", func(r chi.Router) {
			r.Use(s.requireUnit)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/feed", s.handleFeed)
			r.Put("/sessions/{sessionID}", s.handlePutSession)
			r.Delete("/sessions/{sessionID}", s.handleDeleteSession)
			r.Get("/sessions/{sessionID}/report", s.handleReport)
			r.Get("/members", s.handleListMembers)
			r.Put("/tokens/{token}", s.handlePutToken)
			r.Delete("/tokens/{token}", s.handleDeleteToken)
			r.Get("/search", s.handleSearch)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})
	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"feed":     map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingFeed(ctx); err != nil {
		status = "not_ready"
		checks["feed"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if status != "ready" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleMe(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	me, err := s.service.Me(r.Context(), id.MemberID, id.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, me)
}

func (s *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	views, err := s.service.ListSessions(r.Context(), id.Binding.UnitID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (s *HTTPServer) handlePutSession(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var doc counting.Document
	if err := decodeBody(r, &doc); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.validate.Struct(doc); err != nil {
		writeValidationError(w, err)
		return
	}
	view, err := s.service.PutSession(r.Context(), id, chi.URLParam(r, "sessionID"), doc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *HTTPServer) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := s.service.DeleteSession(r.Context(), id, chi.URLParam(r, "sessionID")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleReport(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	format := report.Format(strings.ToLower(r.URL.Query().Get("format")))
	archive := r.URL.Query().Get("archive") == "1"
	result, err := s.service.Report(r.Context(), id, chi.URLParam(r, "sessionID"), format, archive)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", result.Filename))
	if result.ArchiveKey != "" {
		w.Header().Set("X-Archive-Key", result.ArchiveKey)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	members, err := s.service.ListMembers(r.Context(), id.Binding.UnitID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *HTTPServer) handlePutToken(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := s.service.RegisterToken(r.Context(), id, chi.URLParam(r, "token")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	if err := s.service.UnregisterToken(r.Context(), id, chi.URLParam(r, "token")); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type searchParams struct {
	Text   string `validate:"required,max=200"`
	Limit  int    `validate:"min=0,max=100"`
	Offset int    `validate:"min=0"`
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	params := searchParams{Text: strings.TrimSpace(r.URL.Query().Get("q"))}
	var err error
	if params.Limit, err = queryInt(r, "limit"); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
		return
	}
	if params.Offset, err = queryInt(r, "offset"); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
		return
	}
	if err := s.validate.Struct(params); err != nil {
		writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Search(r.Context(), id.Binding.UnitID, params.Text, params.Limit, params.Offset))
}

func (s *HTTPServer) requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		claims, err := auth.ParseToken(s.jwtSecret, token)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, Identity{MemberID: claims.Subject, Name: claims.Name})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) requireUnit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := identityFrom(r.Context())
		binding, err := s.service.Authorize(r.Context(), id.MemberID, chi.URLParam(r, "unitID"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		id.Binding = binding
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *HTTPServer) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = logging.NewRequestID()
		}
		r = r.WithContext(logging.ContextWithRequestID(r.Context(), requestID))

		started := time.Now()
		writer := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		status := writer.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(started)
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		logging.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int64("duration_ms", elapsed.Milliseconds()).
			Msg("request")
	})
}

func (s *HTTPServer) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w.Header(), s.corsOrigin)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		logging.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET, PUT, DELETE, OPTIONS")
	header.Set("Access-Control-Expose-Headers", "X-Request-ID, X-Archive-Key")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeValidationError(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	fields := make([]map[string]any, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, map[string]any{
			"field": fe.Namespace(),
			"tag":   fe.Tag(),
			"param": fe.Param(),
		})
	}
	writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Validation failed", map[string]any{"fields": fields})
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return value, nil
}
