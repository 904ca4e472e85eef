package replica

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"cashcount/api/internal/docstore"
)

// TransitionApplier carries planned mutations somewhere durable or visible.
type TransitionApplier interface {
	Apply(ctx context.Context, mutations []Mutation)
}

// LocalApplier runs mutations straight against the Store. It is used while
// no unit is bound.
type LocalApplier struct {
	Store *Store
}

func (a LocalApplier) Apply(_ context.Context, mutations []Mutation) {
	a.Store.Apply(mutations)
}

// RemoteApplier hands mutations to the client's write queue and leaves local
// state alone; the change becomes visible through the next snapshot.
type RemoteApplier struct {
	UnitID string
	Queue  *WriteQueue
}

func (a RemoteApplier) Apply(ctx context.Context, mutations []Mutation) {
	if len(mutations) == 0 {
		return
	}
	a.Queue.Push(ctx, a.UnitID, mutations)
}

type writeBatch struct {
	unitID    string
	mutations []Mutation
}

// WriteQueue sends mutation batches to the document store from a single
// goroutine, so the store sees them in the order they were planned.
type WriteQueue struct {
	remote  docstore.Remote
	logger  zerolog.Logger
	batches chan writeBatch
	pending sync.WaitGroup
}

func NewWriteQueue(remote docstore.Remote, logger zerolog.Logger, size int) *WriteQueue {
	return &WriteQueue{
		remote:  remote,
		logger:  logger,
		batches: make(chan writeBatch, size),
	}
}

// Push queues a batch. It blocks while the queue is full.
func (q *WriteQueue) Push(ctx context.Context, unitID string, mutations []Mutation) {
	q.pending.Add(1)
	select {
	case q.batches <- writeBatch{unitID: unitID, mutations: mutations}:
	case <-ctx.Done():
		q.pending.Done()
	}
}

// Run writes queued batches one at a time until ctx is done.
func (q *WriteQueue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-q.batches:
			q.write(ctx, b)
			q.pending.Done()
		}
	}
}

// discard drops batches left behind once Run has stopped.
func (q *WriteQueue) discard() {
	for {
		select {
		case <-q.batches:
			q.pending.Done()
		default:
			return
		}
	}
}

// Wait blocks until every pushed batch has been written or dropped.
func (q *WriteQueue) Wait() {
	q.pending.Wait()
}

func (q *WriteQueue) write(ctx context.Context, b writeBatch) {
	for _, m := range b.mutations {
		if m.Session != nil {
			if err := q.remote.MergeSession(ctx, b.unitID, *m.Session); err != nil {
				q.logger.Error().Err(err).
					Str("unit_id", b.unitID).
					Str("session_id", m.Session.ID).
					Msg("session write failed")
			}
			continue
		}
		if err := q.remote.DeleteSession(ctx, b.unitID, m.DeleteID); err != nil {
			q.logger.Error().Err(err).
				Str("unit_id", b.unitID).
				Str("session_id", m.DeleteID).
				Msg("session delete failed")
		}
	}
}
