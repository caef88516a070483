package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nephroflow/opd-queue/internal/api"
	"github.com/nephroflow/opd-queue/internal/config"
	"github.com/nephroflow/opd-queue/internal/db"
	"github.com/nephroflow/opd-queue/internal/notify"
	"github.com/nephroflow/opd-queue/internal/patientsvc"
	"github.com/nephroflow/opd-queue/internal/queue"
	redisclient "github.com/nephroflow/opd-queue/internal/redis"
)

const version = "1.0.0"

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "api-server").Logger()
	log.Info().Msg("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("configuration loaded")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	repo := queue.NewPgRepository(pgPool)
	locker := redisclient.NewRedisQueueLocker(rdb, cfg.LockTTL)

	hub := notify.NewHub()
	bridge := notify.NewRedisBridge(rdb, log)
	notifier := notify.NewNotifier(repo, hub, bridge, cfg.AvgServiceMinutes, cfg.RecentWindow, log)

	var admitter queue.Admitter
	if cfg.PatientSvcURL != "" {
		admitter = patientsvc.NewClient(cfg.PatientSvcURL, log)
		log.Info().Str("url", cfg.PatientSvcURL).Msg("patient record service configured")
	}

	svc := queue.NewService(repo, locker, notifier, admitter, cfg, log)

	// Feed the local hub from the cross-instance channel.
	go func() {
		if err := bridge.Run(rootCtx, notifier.Dispatch); err != nil {
			log.Error().Err(err).Msg("notification bridge stopped")
		}
	}()

	router := api.NewRouter(api.RouterConfig{
		Service:  svc,
		Notifier: notifier,
		PgPool:   pgPool,
		Redis:    rdb,
		Env:      cfg.Env,
		Version:  version,
		Logger:   log,
	})

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	<-rootCtx.Done()

	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown error")
	}
}
