package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cashcount/api/internal/changefeed"
	"cashcount/api/internal/config"
	"cashcount/api/internal/logging"
	"cashcount/api/internal/notify"
	"cashcount/api/internal/store"
	"cashcount/api/internal/supervisor"
)

// The worker drains the Redis change stream as one member of the dispatch
// consumer group and sends push notifications.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if strings.TrimSpace(cfg.RedisURL) == "" {
		logging.Fatal().Msg("REDIS_URL is required for the dispatch worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, "cashcount-worker")
	if err != nil {
		logging.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()
	dataStore := store.NewPostgresStore(db)

	consumer := cfg.DispatchConsumer
	if consumer == "" {
		consumer, _ = os.Hostname()
	}
	feed, err := changefeed.NewRedisFeed(cfg.RedisURL, changefeed.RedisOptions{
		Group:    cfg.DispatchGroup,
		Consumer: consumer,
	}, logging.WithComponent("changefeed"))
	if err != nil {
		logging.Fatal().Err(err).Msg("redis connection failed")
	}
	defer feed.Close()

	logger := logging.WithComponent("notify")
	provider, err := notify.NewProvider(ctx, cfg.FCMCredentialsFile, notify.BreakerSettings{
		FailureThreshold: cfg.BreakerFailures,
		Timeout:          cfg.BreakerTimeout,
	}, logger)
	if err != nil {
		logging.Fatal().Err(err).Msg("push provider init failed")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := feed.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	root := supervisor.New("cashcount-worker", logging.WithComponent("supervisor"), supervisor.Config{})
	root.Add(&notify.Worker{
		Consumer:    feed,
		Dispatcher:  notify.NewDispatcher(dataStore, provider, logger),
		Concurrency: cfg.DispatchConcurrency,
	})
	root.Add(&supervisor.HTTPService{Server: metricsServer, Name: "worker-metrics"})

	logging.Info().Str("group", cfg.DispatchGroup).Str("consumer", consumer).Int("concurrency", cfg.DispatchConcurrency).Msg("dispatch worker started")
	if err := root.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("supervisor stopped")
	}
	logging.Info().Msg("shutdown complete")
}
