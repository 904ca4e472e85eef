package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cashcount/api/internal/app"
	"cashcount/api/internal/changefeed"
	"cashcount/api/internal/config"
	"cashcount/api/internal/logging"
	"cashcount/api/internal/notify"
	"cashcount/api/internal/report"
	"cashcount/api/internal/search"
	"cashcount/api/internal/store"
	"cashcount/api/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	loc, _ := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, "cashcount-api")
	if err != nil {
		logging.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logging.Fatal().Err(err).Msg("migrations failed")
	}
	dataStore := store.NewPostgresStore(db)

	var feed changefeed.Feed
	inProcessDispatch := strings.TrimSpace(cfg.RedisURL) == ""
	if inProcessDispatch {
		logging.Warn().Msg("REDIS_URL not set; change feed and dispatch run in process")
		feed = changefeed.NewLocal(256, logging.WithComponent("changefeed"))
	} else {
		redisFeed, err := changefeed.NewRedisFeed(cfg.RedisURL, changefeed.RedisOptions{Group: cfg.DispatchGroup}, logging.WithComponent("changefeed"))
		if err != nil {
			logging.Fatal().Err(err).Msg("redis connection failed")
		}
		feed = redisFeed
	}
	defer feed.Close()

	pgSearch := search.NewPostgres(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logging.WithComponent("search"))
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, pgSearch, logging.WithComponent("search"))

	var archiver report.Archiver
	if cfg.ArchiveEnabled() {
		minioArchiver, err := report.NewMinioArchiver(ctx, report.MinioOptions{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			UseSSL:    cfg.S3UseSSL,
			Bucket:    cfg.ReportBucket,
		})
		if err != nil {
			logging.Error().Err(err).Msg("report archive unavailable")
		} else {
			archiver = minioArchiver
		}
	}
	reports := report.NewService(dataStore, report.ChromePDF{ExecPath: cfg.ChromiumPath, Timeout: 30 * time.Second}, archiver, loc)

	service := app.New(dataStore, feed, app.Options{
		Search:   searchService,
		Reports:  reports,
		Location: loc,
	})
	httpServer := app.NewHTTPServer(service, feed, cfg.JWTSecret, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	root := supervisor.New("cashcount-api", logging.WithComponent("supervisor"), supervisor.Config{})
	root.Add(&supervisor.HTTPService{Server: server, ShutdownTimeout: 10 * time.Second, Name: "api-http"})
	root.Add(supervisor.Func{Name: "search-reindex", Run: func(ctx context.Context) error {
		searchService.ReindexAll(ctx, pgSearch)
		<-ctx.Done()
		return ctx.Err()
	}})

	if inProcessDispatch {
		provider, err := notify.NewProvider(ctx, cfg.FCMCredentialsFile, notify.BreakerSettings{
			FailureThreshold: cfg.BreakerFailures,
			Timeout:          cfg.BreakerTimeout,
		}, logging.WithComponent("notify"))
		if err != nil {
			logging.Fatal().Err(err).Msg("push provider init failed")
		}
		root.Add(&notify.Worker{
			Consumer:    feed,
			Dispatcher:  notify.NewDispatcher(dataStore, provider, logging.WithComponent("notify")),
			Concurrency: cfg.DispatchConcurrency,
		})
	}

	logging.Info().Str("addr", cfg.Addr).Str("time_zone", loc.String()).Msg("cashcount api listening")
	if err := root.Serve(ctx); err != nil && ctx.Err() == nil {
		logging.Fatal().Err(err).Msg("supervisor stopped")
	}
	logging.Info().Msg("shutdown complete")
}
