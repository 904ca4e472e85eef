package changefeed

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Local is the in-process feed used when no Redis is configured.
type Local struct {
	mu       sync.Mutex
	watchers map[string]map[chan struct{}]struct{}
	queue    chan Update
	logger   zerolog.Logger
}

func NewLocal(buffer int, logger zerolog.Logger) *Local {
	if buffer <= 0 {
		buffer = 256
	}
	return &Local{
		watchers: make(map[string]map[chan struct{}]struct{}),
		queue:    make(chan Update, buffer),
		logger:   logger.With().Str("component", "changefeed").Logger(),
	}
}

func (l *Local) Publish(ctx context.Context, u Update) error {
	l.mu.Lock()
	for ch := range l.watchers[u.UnitID] {
		signal(ch)
	}
	l.mu.Unlock()

	select {
	case l.queue <- u:
	default:
		l.logger.Warn().Str("unit_id", u.UnitID).Str("session_id", u.SessionID).Msg("update queue full, dropping event")
	}
	return nil
}

func (l *Local) Watch(ctx context.Context, unitID string) (<-chan struct{}, error) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	if l.watchers[unitID] == nil {
		l.watchers[unitID] = make(map[chan struct{}]struct{})
	}
	l.watchers[unitID][ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.watchers[unitID], ch)
		close(ch)
		l.mu.Unlock()
	}()
	return ch, nil
}

// Consume hands queued updates to handle until ctx is done. Failed updates
// are logged and dropped.
func (l *Local) Consume(ctx context.Context, limit int, handle Handler) error {
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case u := <-l.queue:
			g.Go(func() error {
				if err := handle(ctx, u); err != nil {
					l.logger.Error().Err(err).Str("session_id", u.SessionID).Msg("handle update")
				}
				return nil
			})
		}
	}
}

func (l *Local) Ping(context.Context) error { return nil }

func (l *Local) Close() error { return nil }
