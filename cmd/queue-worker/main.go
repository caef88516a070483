package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/nephroflow/opd-queue/internal/config"
	"github.com/nephroflow/opd-queue/internal/db"
	"github.com/nephroflow/opd-queue/internal/notify"
	"github.com/nephroflow/opd-queue/internal/queue"
	redisclient "github.com/nephroflow/opd-queue/internal/redis"
)

// queue-worker reconciles stale NowServing entries left behind by crashed
// terminals, restoring the one-patient-serving invariant.
func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("service", "queue-worker").Logger()
	log.Info().Msg("queue-worker starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Dur("stale_serving_ttl", cfg.StaleServingTTL).
		Msg("running reconcile worker")

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

	// Publish reconciliations so observers see them like any other change.
	hub := notify.NewHub()
	bridge := notify.NewRedisBridge(rdb, log)
	notifier := notify.NewNotifier(repo, hub, bridge, cfg.AvgServiceMinutes, cfg.RecentWindow, log)

	svc := queue.NewService(repo, locker, notifier, nil, cfg, log)

	// Run once at startup
	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping queue worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

func runOnce(ctx context.Context, svc *queue.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	reconciled, err := svc.ReconcileStaleServing(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("reconcile run error")
		return
	}
	log.Info().Int("reconciled", reconciled).Dur("took", time.Since(start)).Msg("reconcile run complete")
}
