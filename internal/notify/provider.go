package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"cashcount/api/internal/metrics"
)

// Provider sends one multicast push and reports a result per token. A
// returned error means nothing was sent.
type Provider interface {
	Send(ctx context.Context, tokens []string, payload Payload) ([]Result, error)
}

// LogProvider records pushes in the log instead of sending them.
type LogProvider struct {
	Logger zerolog.Logger
}

func (p LogProvider) Send(_ context.Context, tokens []string, payload Payload) ([]Result, error) {
	p.Logger.Info().
		Strs("tokens", tokens).
		Str("title", payload.Title).
		Str("body", payload.Body).
		Str("url", payload.URL).
		Msg("push (log provider)")
	results := make([]Result, len(tokens))
	for i, t := range tokens {
		results[i] = Result{Token: t, Delivered: true}
	}
	return results, nil
}

type BreakerSettings struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
}

// BreakerProvider stops calling the wrapped provider after repeated
// transport failures until the timeout has passed.
type BreakerProvider struct {
	next Provider
	cb   *gobreaker.CircuitBreaker[[]Result]
	name string
}

func NewBreakerProvider(next Provider, s BreakerSettings, logger zerolog.Logger) *BreakerProvider {
	if s.Name == "" {
		s.Name = "push-provider"
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.Timeout <= 0 {
		s.Timeout = 30 * time.Second
	}
	metrics.CircuitBreakerState.WithLabelValues(s.Name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]Result](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	return &BreakerProvider{next: next, cb: cb, name: s.Name}
}

func (p *BreakerProvider) Send(ctx context.Context, tokens []string, payload Payload) ([]Result, error) {
	results, err := p.cb.Execute(func() ([]Result, error) {
		return p.next.Send(ctx, tokens, payload)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.CircuitBreakerRequests.WithLabelValues(p.name, "rejected").Inc()
	case err != nil:
		metrics.CircuitBreakerRequests.WithLabelValues(p.name, "failure").Inc()
	default:
		metrics.CircuitBreakerRequests.WithLabelValues(p.name, "success").Inc()
	}
	return results, err
}

func (p *BreakerProvider) State() gobreaker.State {
	return p.cb.State()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// NewProvider returns FCM when credentialsFile is set and the log provider
// otherwise, wrapped in a circuit breaker either way.
func NewProvider(ctx context.Context, credentialsFile string, s BreakerSettings, logger zerolog.Logger) (Provider, error) {
	var next Provider = LogProvider{Logger: logger}
	if credentialsFile != "" {
		fcm, err := NewFCMProvider(ctx, credentialsFile)
		if err != nil {
			return nil, err
		}
		next = fcm
	} else {
		logger.Warn().Msg("FCM_CREDENTIALS_FILE not set; pushes are only logged")
	}
	return NewBreakerProvider(next, s, logger), nil
}
