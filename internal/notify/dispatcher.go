package notify

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"cashcount/api/internal/changefeed"
	"cashcount/api/internal/counting"
	"cashcount/api/internal/metrics"
)

// Recipients is the per-unit member and token storage the dispatcher reads
// and prunes.
type Recipients interface {
	ListMembers(ctx context.Context, unitID string) ([]counting.Member, error)
	ListTokens(ctx context.Context, unitID string) ([]counting.DeliveryToken, error)
	DeleteTokens(ctx context.Context, unitID string, tokens []string) error
}

type Dispatcher struct {
	recipients Recipients
	provider   Provider
	logger     zerolog.Logger
}

func NewDispatcher(recipients Recipients, provider Provider, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		recipients: recipients,
		provider:   provider,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Handle processes one session update. Only lookup failures are returned;
// delivery problems are logged and swallowed.
func (d *Dispatcher) Handle(ctx context.Context, u changefeed.Update) error {
	kind := Classify(u.Before, u.After)
	if kind == KindIgnore {
		metrics.NotificationsSkipped.WithLabelValues("ignored").Inc()
		return nil
	}
	log := d.logger.With().
		Str("unit_id", u.UnitID).
		Str("session_id", u.SessionID).
		Str("kind", string(kind)).
		Logger()

	members, err := d.recipients.ListMembers(ctx, u.UnitID)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	tokens, err := d.recipients.ListTokens(ctx, u.UnitID)
	if err != nil {
		return fmt.Errorf("list delivery tokens: %w", err)
	}

	batch, ok := Plan(u.Before, u.After, u.ActorID, members, tokens)
	if !ok {
		reason := "no_tokens"
		if len(batch.Audience) == 0 {
			reason = "empty_audience"
		}
		metrics.NotificationsSkipped.WithLabelValues(reason).Inc()
		log.Debug().Str("reason", reason).Msg("no push sent")
		return nil
	}

	results, err := d.provider.Send(ctx, batch.Tokens, batch.Payload)
	if err != nil {
		metrics.NotificationsSent.WithLabelValues(string(kind), "failed").Add(float64(len(batch.Tokens)))
		log.Error().Err(err).Int("tokens", len(batch.Tokens)).Msg("push send failed")
		return nil
	}

	var delivered, failed int
	for _, r := range results {
		if r.Delivered {
			delivered++
			continue
		}
		failed++
		log.Warn().Err(r.Err).Str("code", r.ErrorCode).Msg("push delivery failed")
	}
	metrics.NotificationsSent.WithLabelValues(string(kind), "delivered").Add(float64(delivered))
	metrics.NotificationsSent.WithLabelValues(string(kind), "failed").Add(float64(failed))

	if revoke := TokensToRevoke(batch, results); len(revoke) > 0 {
		if err := d.recipients.DeleteTokens(ctx, u.UnitID, revoke); err != nil {
			log.Error().Err(err).Int("tokens", len(revoke)).Msg("delete invalid tokens")
		} else {
			metrics.TokensRevoked.Add(float64(len(revoke)))
		}
	}
	log.Info().
		Strs("audience", batch.Audience).
		Int("delivered", delivered).
		Int("failed", failed).
		Msg("push dispatched")
	return nil
}

// Worker feeds change events into a Dispatcher. It implements suture.Service.
type Worker struct {
	Consumer    changefeed.Consumer
	Dispatcher  *Dispatcher
	Concurrency int
}

func (w *Worker) Serve(ctx context.Context) error {
	return w.Consumer.Consume(ctx, w.Concurrency, w.Dispatcher.Handle)
}

func (w *Worker) String() string { return "notify-worker" }
