// Package remote talks to the session API on behalf of a replica client.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"cashcount/api/internal/counting"
	"cashcount/api/internal/docstore"
)

// ErrUnauthorized means the API refused the credentials. Retrying will not help.
var ErrUnauthorized = errors.New("unauthorized")

// TokenSource returns the bearer token for the next request.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

type Options struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	// MaxBackoff caps the delay between feed reconnects.
	MaxBackoff time.Duration
	Logger     zerolog.Logger
}

// Client implements docstore.Remote over the HTTP API and its WebSocket feed.
type Client struct {
	base       *url.URL
	token      TokenSource
	http       *http.Client
	dialer     *websocket.Dialer
	maxBackoff time.Duration
	logger     zerolog.Logger
}

var _ docstore.Remote = (*Client)(nil)

func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	c := &Client{
		base:       base,
		token:      opts.Token,
		http:       opts.HTTPClient,
		dialer:     opts.Dialer,
		maxBackoff: opts.MaxBackoff,
		logger:     opts.Logger.With().Str("component", "remote").Logger(),
	}
	if c.token == nil {
		c.token = StaticToken("")
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	if c.dialer == nil {
		c.dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = 30 * time.Second
	}
	return c, nil
}

type apiError struct {
	Code    string         `json:"code"`
	Message string         `json:"error"`
	Details map[string]any `json:"details"`
}

func (c *Client) endpoint(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.base.String() + "/api/units/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, target string, body any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return decodeError(resp)
}

// decodeError maps an API error response onto the docstore error vocabulary.
func decodeError(resp *http.Response) error {
	var payload apiError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &payload)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case payload.Code == "DUPLICATE_DATE":
		return docstore.ErrDuplicateDate
	case payload.Code == "TRANSITION_REJECTED", payload.Code == "VALIDATION_ERROR", resp.StatusCode == http.StatusForbidden:
		reason, _ := payload.Details["reason"].(string)
		if reason == "" {
			reason = payload.Message
		}
		return fmt.Errorf("%w: %s", docstore.ErrRejected, reason)
	}
	return fmt.Errorf("api returned %d %s: %s", resp.StatusCode, payload.Code, payload.Message)
}

func (c *Client) MergeSession(ctx context.Context, unitID string, s counting.Session) error {
	return c.do(ctx, http.MethodPut, c.endpoint(unitID, "sessions", s.ID), s.Document())
}

func (c *Client) DeleteSession(ctx context.Context, unitID, sessionID string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint(unitID, "sessions", sessionID), nil)
}

func (c *Client) RegisterToken(ctx context.Context, unitID, token string) error {
	return c.do(ctx, http.MethodPut, c.endpoint(unitID, "tokens", token), nil)
}

func (c *Client) UnregisterToken(ctx context.Context, unitID, token string) error {
	return c.do(ctx, http.MethodDelete, c.endpoint(unitID, "tokens", token), nil)
}

// Listen subscribes to the unit's session feed. The connection is re-dialed
// with exponential backoff until ctx is done or the API rejects the
// credentials; the channel is closed when listening stops.
func (c *Client) Listen(ctx context.Context, unitID string) (<-chan docstore.Snapshot, error) {
	out := make(chan docstore.Snapshot, 1)
	go func() {
		defer close(out)
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = min(500*time.Millisecond, c.maxBackoff)
		policy.MaxInterval = c.maxBackoff
		policy.MaxElapsedTime = 0
		policy.Reset()

		for ctx.Err() == nil {
			received, err := c.stream(ctx, unitID, out)
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrUnauthorized) {
				c.logger.Error().Err(err).Str("unit_id", unitID).Msg("session feed refused")
				return
			}
			if received {
				policy.Reset()
			}
			wait := policy.NextBackOff()
			c.logger.Warn().Err(err).Str("unit_id", unitID).Dur("retry_in", wait).Msg("session feed disconnected")
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return out, nil
}

// stream runs one feed connection. It reports whether any snapshot arrived so
// the caller can reset its backoff.
func (c *Client) stream(ctx context.Context, unitID string, out chan docstore.Snapshot) (bool, error) {
	target, err := c.feedURL(ctx, unitID)
	if err != nil {
		return false, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, ErrUnauthorized
		}
		return false, fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	received := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return received, err
		}
		var msg docstore.FeedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("discarding malformed feed frame")
			continue
		}
		if msg.Type != docstore.FeedSnapshot || msg.UnitID != unitID {
			continue
		}
		received = true
		sessions := msg.Sessions
		if sessions == nil {
			sessions = []counting.Session{}
		}
		docstore.Offer(out, docstore.Snapshot{UnitID: unitID, Sessions: sessions})
	}
}

func (c *Client) feedURL(ctx context.Context, unitID string) (string, error) {
	u, err := url.Parse(c.endpoint(unitID, "sessions", "feed"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	token, err := c.token(ctx)
	if err != nil {
		return "", fmt.Errorf("token: %w", err)
	}
	if token != "" {
		q := u.Query()
		q.Set("access_token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
