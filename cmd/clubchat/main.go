// Command clubchat serves the club chat sync API.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/anhtri22303/uni-club-chat/api"
	"github.com/anhtri22303/uni-club-chat/api/validator"
	"github.com/anhtri22303/uni-club-chat/config"
	"github.com/anhtri22303/uni-club-chat/memory"
	"github.com/anhtri22303/uni-club-chat/postgres"
	"github.com/anhtri22303/uni-club-chat/redis"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	v, err := config.LoadConfig("config")
	if err != nil {
		return err
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LoggerMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var cache api.Cache
	if cfg.Redis.Addr != "" {
		r, err := redis.Connect(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		cache = r
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	a := &api.API{
		Logger: logger,
		Store:  store,
		Cache:  cache,
		Val:    validator.New(),
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: a,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.Server.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newStore connects to Postgres when a DSN is configured and falls back to
// the in-memory store otherwise.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (api.Store, error) {
	if cfg.Postgres.DSN == "" {
		logger.Warn("No Postgres DSN configured; using in-memory store")
		s := memory.New()
		s.MaxBodyRunes = cfg.Chat.MaxBodyRunes
		s.PollBatch = cfg.Chat.PollBatch
		return s, nil
	}
	pg, err := postgres.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	pg.MaxBodyRunes = cfg.Chat.MaxBodyRunes
	pg.PollBatch = cfg.Chat.PollBatch
	logger.Info("Connected to Postgres")
	return pg, nil
}

func newLogger(mode config.LoggerMode) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(mode.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if mode.JSON {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
