package changefeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStream = "cashcount:session-updates"
	unitChannel   = "cashcount:unit:"
	payloadField  = "payload"
)

type RedisOptions struct {
	Stream   string
	Group    string
	Consumer string
	MaxLen   int64
	// Block is how long one read waits for new entries. A negative value
	// makes reads return immediately.
	Block time.Duration
}

// RedisFeed publishes updates onto a Redis stream consumed by a consumer
// group, and per-unit invalidations over pub/sub.
type RedisFeed struct {
	client *redis.Client
	opts   RedisOptions
	logger zerolog.Logger
}

// NewRedisFeed connects to redisURL and verifies the connection.
func NewRedisFeed(redisURL string, opts RedisOptions, logger zerolog.Logger) (*RedisFeed, error) {
	parsed, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(parsed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisFeedWithClient(client, opts, logger), nil
}

// NewRedisFeedWithClient wraps an existing client.
func NewRedisFeedWithClient(client *redis.Client, opts RedisOptions, logger zerolog.Logger) *RedisFeed {
	if opts.Stream == "" {
		opts.Stream = defaultStream
	}
	if opts.Group == "" {
		opts.Group = "dispatcher"
	}
	if opts.Consumer == "" {
		opts.Consumer = "worker-1"
	}
	if opts.MaxLen == 0 {
		opts.MaxLen = 10000
	}
	if opts.Block == 0 {
		opts.Block = 5 * time.Second
	}
	return &RedisFeed{
		client: client,
		opts:   opts,
		logger: logger.With().Str("component", "changefeed").Logger(),
	}
}

func (f *RedisFeed) channel(unitID string) string {
	return unitChannel + unitID
}

// Publish appends u to the stream and signals watchers of its unit.
func (f *RedisFeed) Publish(ctx context.Context, u Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	err = f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: f.opts.Stream,
		MaxLen: f.opts.MaxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(u.UnitID), u.SessionID).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

// Watch subscribes to invalidations for one unit until ctx is done.
func (f *RedisFeed) Watch(ctx context.Context, unitID string) (<-chan struct{}, error) {
	sub := f.client.Subscribe(ctx, f.channel(unitID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", unitID, err)
	}
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				signal(out)
			}
		}
	}()
	return out, nil
}

// EnsureGroup creates the consumer group, and the stream with it, if missing.
func (f *RedisFeed) EnsureGroup(ctx context.Context) error {
	err := f.client.XGroupCreateMkStream(ctx, f.opts.Stream, f.opts.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

type message struct {
	id     string
	update Update
}

// read fetches up to count new entries for this consumer. Undecodable
// entries are acknowledged and skipped.
func (f *RedisFeed) read(ctx context.Context, count int64) ([]message, error) {
	streams, err := f.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    f.opts.Group,
		Consumer: f.opts.Consumer,
		Streams:  []string{f.opts.Stream, ">"},
		Count:    count,
		Block:    f.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read updates: %w", err)
	}

	var out []message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			raw, _ := entry.Values[payloadField].(string)
			var u Update
			if err := json.Unmarshal([]byte(raw), &u); err != nil {
				f.logger.Error().Err(err).Str("entry_id", entry.ID).Msg("discarding malformed update")
				f.ack(ctx, entry.ID)
				continue
			}
			out = append(out, message{id: entry.ID, update: u})
		}
	}
	return out, nil
}

func (f *RedisFeed) ack(ctx context.Context, id string) {
	if err := f.client.XAck(ctx, f.opts.Stream, f.opts.Group, id).Err(); err != nil {
		f.logger.Error().Err(err).Str("entry_id", id).Msg("ack update")
	}
}

// Consume reads batches from the consumer group and runs handle on each entry,
// acknowledging those that succeed. Failed entries stay pending.
func (f *RedisFeed) Consume(ctx context.Context, limit int, handle Handler) error {
	if limit <= 0 {
		limit = 1
	}
	if err := f.EnsureGroup(ctx); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := f.ConsumeOnce(ctx, limit, handle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Error().Err(err).Msg("consume updates")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// ConsumeOnce handles a single batch and reports how many entries it read.
func (f *RedisFeed) ConsumeOnce(ctx context.Context, limit int, handle Handler) (int, error) {
	batch, err := f.read(ctx, int64(limit)*2)
	if err != nil {
		return 0, err
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for _, m := range batch {
		g.Go(func() error {
			if err := handle(ctx, m.update); err != nil {
				f.logger.Error().Err(err).Str("session_id", m.update.SessionID).Msg("handle update")
				return nil
			}
			f.ack(ctx, m.id)
			return nil
		})
	}
	_ = g.Wait()
	return len(batch), nil
}

func (f *RedisFeed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *RedisFeed) Close() error {
	return f.client.Close()
}
