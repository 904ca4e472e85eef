package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"cashcount/api/internal/counting"
	"cashcount/api/internal/docstore"
	"cashcount/api/internal/logging"
	"cashcount/api/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      s.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkOrigin accepts native clients, which send no Origin, and browsers on
// the configured origin.
func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.corsOrigin == "*" {
		return true
	}
	return origin == s.corsOrigin
}

// handleFeed streams full snapshots of the unit's sessions. A snapshot is
// sent on connect and again after every committed change.
func (s *HTTPServer) handleFeed(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	unitID := chi.URLParam(r, "unitID")
	if s.notifier == nil {
		writeError(w, http.StatusServiceUnavailable, "FEED_UNAVAILABLE", "Session feed is not configured", nil)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	changes, err := s.notifier.Watch(ctx, unitID)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	upgrader := s.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Msg("feed upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()

	metrics.FeedSubscribers.Inc()
	defer metrics.FeedSubscribers.Dec()

	logger := logging.Ctx(r.Context()).With().Str("unit_id", unitID).Str("member_id", id.MemberID).Logger()
	logger.Debug().Msg("feed subscriber connected")

	go func() {
		defer cancel()
		readFeed(conn)
	}()

	if err := s.sendSnapshot(ctx, conn, unitID); err != nil {
		logger.Warn().Err(err).Msg("send initial snapshot failed")
		return
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.sendSnapshot(ctx, conn, unitID); err != nil {
				logger.Warn().Err(err).Msg("send snapshot failed")
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *HTTPServer) sendSnapshot(ctx context.Context, conn *websocket.Conn, unitID string) error {
	sessions, err := s.service.Snapshot(ctx, unitID)
	if err != nil {
		return err
	}
	if sessions == nil {
		sessions = []counting.Session{}
	}
	data, err := json.Marshal(docstore.FeedMessage{Type: docstore.FeedSnapshot, UnitID: unitID, Sessions: sessions})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// readFeed drains client frames so control messages are processed. It
// returns when the connection is closed or goes silent past pongWait.
func readFeed(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
