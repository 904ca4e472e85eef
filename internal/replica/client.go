package replica

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cashcount/api/internal/counting"
	"cashcount/api/internal/docstore"
)

// Binding ties the client to a unit and the identity acting in it. An empty
// UnitID means unbound; intents then apply locally.
type Binding struct {
	UnitID    string
	Actor     string
	Directory counting.Directory
}

type Config struct {
	Remote          docstore.Remote
	Store           *Store
	Logger          zerolog.Logger
	Location        *time.Location
	RetentionMonths int
	Now             func() time.Time
	NewID           func() string
}

// Client serializes intents and snapshot applications on one event loop.
// Remote writes go through a single background writer in intent order and
// are never awaited by the loop.
type Client struct {
	remote          docstore.Remote
	store           *Store
	logger          zerolog.Logger
	location        *time.Location
	retentionMonths int
	now             func() time.Time
	newID           func() string

	events chan func(ctx context.Context)
	writes *WriteQueue

	// owned by the event loop
	binding    Binding
	generation uint64
	stopListen context.CancelFunc
	purged     bool
}

func NewClient(cfg Config) *Client {
	if cfg.Store == nil {
		cfg.Store = NewStore()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.RetentionMonths <= 0 {
		cfg.RetentionMonths = 6
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	logger := cfg.Logger.With().Str("component", "replica").Logger()
	return &Client{
		remote:          cfg.Remote,
		store:           cfg.Store,
		logger:          logger,
		location:        cfg.Location,
		retentionMonths: cfg.RetentionMonths,
		now:             cfg.Now,
		newID:           cfg.NewID,
		events:          make(chan func(ctx context.Context), 64),
		writes:          NewWriteQueue(cfg.Remote, logger, 64),
	}
}

func (c *Client) Store() *Store { return c.store }

// Run processes events and remote writes until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writes.Run(ctx)
	}()
	defer func() {
		if c.stopListen != nil {
			c.stopListen()
		}
		<-writerDone
		c.writes.discard()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-c.events:
			ev(ctx)
		}
	}
}

func (c *Client) enqueue(ctx context.Context, ev func(ctx context.Context)) error {
	select {
	case c.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch queues an intent. It returns once the intent is queued, not
// when its write completes.
func (c *Client) Dispatch(ctx context.Context, intent Intent) error {
	return c.enqueue(ctx, func(runCtx context.Context) {
		c.handle(runCtx, intent)
	})
}

// Bind switches the client to another unit. The previous subscription is
// torn down and snapshots still in flight from it are ignored.
func (c *Client) Bind(ctx context.Context, b Binding) error {
	b.Actor = counting.NormalizeIdentity(b.Actor)
	return c.enqueue(ctx, func(runCtx context.Context) {
		c.bind(runCtx, b)
	})
}

// Sync waits until every event queued before the call has been handled.
func (c *Client) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if err := c.enqueue(ctx, func(context.Context) { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitWrites blocks until the write queue has drained.
func (c *Client) WaitWrites() {
	c.writes.Wait()
}

func (c *Client) handle(ctx context.Context, intent Intent) {
	pc := planContext{
		repo:            c.store,
		actor:           c.actor(),
		directory:       c.binding.Directory,
		now:             c.now().In(c.location),
		newID:           c.newID,
		retentionMonths: c.retentionMonths,
	}
	mutations := intent.plan(pc)
	if len(mutations) == 0 {
		c.logger.Debug().Msgf("intent %T ignored", intent)
		return
	}
	c.applier().Apply(ctx, mutations)
}

func (c *Client) actor() string {
	if c.binding.Actor == "" {
		return "unknown"
	}
	return c.binding.Actor
}

// applier picks the strategy for one intent.
func (c *Client) applier() TransitionApplier {
	if c.binding.UnitID == "" || c.remote == nil {
		return LocalApplier{Store: c.store}
	}
	return RemoteApplier{UnitID: c.binding.UnitID, Queue: c.writes}
}

func (c *Client) bind(ctx context.Context, b Binding) {
	if c.stopListen != nil {
		c.stopListen()
		c.stopListen = nil
	}
	c.generation++
	if b.UnitID != c.binding.UnitID {
		c.store.Replace(nil)
	}
	c.binding = b
	if b.UnitID == "" || c.remote == nil {
		return
	}

	listenCtx, cancel := context.WithCancel(ctx)
	c.stopListen = cancel
	gen := c.generation
	go c.forward(listenCtx, gen, b.UnitID)
}

// forward moves snapshots from the store subscription onto the event loop.
func (c *Client) forward(ctx context.Context, gen uint64, unitID string) {
	feed, err := c.remote.Listen(ctx, unitID)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error().Err(err).Str("unit_id", unitID).Msg("subscribe to sessions failed")
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-feed:
			if !ok {
				return
			}
			if err := c.enqueue(ctx, func(runCtx context.Context) {
				c.applySnapshot(runCtx, gen, snap)
			}); err != nil {
				return
			}
		}
	}
}

func (c *Client) applySnapshot(ctx context.Context, gen uint64, snap docstore.Snapshot) {
	if gen != c.generation || snap.UnitID != c.binding.UnitID {
		return
	}
	c.store.Replace(snap.Sessions)
	if !c.purged {
		c.purged = true
		c.handle(ctx, PurgeOldSessions{})
	}
}
