package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"cashcount/api/internal/auth"
	"cashcount/api/internal/config"
	"cashcount/api/internal/counting"
	"cashcount/api/internal/logging"
	"cashcount/api/internal/store"
)

// seed creates a unit with one admin and prints a development token for it.
func main() {
	unitID := flag.String("unit", "dev-unit", "unit id")
	unitName := flag.String("name", "Development Unit", "unit display name")
	email := flag.String("admin", "admin@example.com", "admin email")
	adminName := flag.String("admin-name", "Admin", "admin display name")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("invalid configuration")
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console"})
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, "cashcount-seed")
	if err != nil {
		logging.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()
	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logging.Fatal().Err(err).Msg("migrations failed")
	}

	s := store.NewPostgresStore(db)
	memberID := counting.NormalizeIdentity(*email)
	if err := s.UpsertUnit(ctx, *unitID, *unitName); err != nil {
		logging.Fatal().Err(err).Msg("create unit")
	}
	if err := s.UpsertMember(ctx, *unitID, counting.Member{
		ID:          memberID,
		DisplayName: *adminName,
		Role:        counting.RoleAdmin,
		Status:      counting.MemberActive,
	}); err != nil {
		logging.Fatal().Err(err).Msg("create admin")
	}
	if err := s.SetBinding(ctx, memberID, *unitID, *unitName); err != nil {
		logging.Fatal().Err(err).Msg("bind admin")
	}

	token, err := auth.IssueToken([]byte(cfg.JWTSecret), memberID, *adminName, *ttl)
	if err != nil {
		logging.Fatal().Err(err).Msg("issue token")
	}
	logging.Info().Str("unit_id", *unitID).Str("member_id", memberID).Msg("seeded")
	fmt.Fprintln(os.Stdout, token)
}
