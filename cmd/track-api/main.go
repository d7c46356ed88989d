package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"example.com/pixeltrack/internal/config"
	"example.com/pixeltrack/internal/dedupe"
	"example.com/pixeltrack/internal/metrics"
	"example.com/pixeltrack/internal/pipeline"
	spg "example.com/pixeltrack/internal/storage/postgres"
	transport "example.com/pixeltrack/internal/transport/http"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	setupLogging(cfg)
	log.Info().Str("port", cfg.Port).Dur("dedupe_window", cfg.DedupeWindow).Msg("config loaded")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := spg.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	defer db.Close()
	log.Info().Msg("db connected")

	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("db schema")
	}
	log.Info().Msg("db schema ensured")

	store := spg.NewStore(db)
	window := dedupe.NewWindow(cfg.DedupeWindow)
	pipe := pipeline.New(store, window)

	go reportDedupeSize(ctx, window)

	deps := &transport.ServerDeps{
		Cfg:      cfg,
		Pipeline: pipe,
		Store:    store,
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel2()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func setupLogging(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}

// reportDedupeSize keeps the dedupe gauge current while the server runs.
func reportDedupeSize(ctx context.Context, window *dedupe.Window) {
	tick := time.NewTicker(10 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			metrics.DedupeEntries.Set(float64(window.Len()))
		}
	}
}
