// Package changefeed carries committed session changes from the API to the
// snapshot feed and the notification dispatcher.
package changefeed

import (
	"context"
	"time"

	"cashcount/api/internal/counting"
)

// Update is one committed change to a session document. Before is nil on
// create, After is nil on delete.
type Update struct {
	UnitID    string            `json:"unitId"`
	SessionID string            `json:"sessionId"`
	Before    *counting.Session `json:"before"`
	After     *counting.Session `json:"after"`
	ActorID   string            `json:"actorId"`
	At        time.Time         `json:"at"`
}

// Handler processes one update. Returning an error leaves it unacknowledged.
type Handler func(ctx context.Context, u Update) error

type Publisher interface {
	Publish(ctx context.Context, u Update) error
}

// Notifier signals that a unit's sessions changed. Signals coalesce; receivers
// reload the full state.
type Notifier interface {
	Watch(ctx context.Context, unitID string) (<-chan struct{}, error)
}

// Consumer delivers updates to handle, running at most limit handlers at once.
type Consumer interface {
	Consume(ctx context.Context, limit int, handle Handler) error
}

// Feed is the full set of change-feed capabilities.
type Feed interface {
	Publisher
	Notifier
	Consumer
	Ping(ctx context.Context) error
	Close() error
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
