package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nephroflow/opd-queue/internal/notify"
	"github.com/nephroflow/opd-queue/internal/queue"
)

type RouterConfig struct {
	Service  *queue.Service
	Notifier *notify.Notifier
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Env      string
	Version  string
	Logger   zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(ActorMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	// Mutations
	r.Post("/queue/check-in", checkInHandler(cfg.Service))
	r.Post("/queue/{date}/call-next", callNextHandler(cfg.Service))
	r.Post("/appointments/{id}/status", setStatusHandler(cfg.Service))

	// Queries
	r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))
	r.Get("/queue/{date}", queueSnapshotHandler(cfg.Notifier))

	// Subscriptions
	sub := NewSubscribeHandler(cfg.Service, cfg.Notifier, cfg.Logger)
	r.Get("/queue/{date}/subscribe", sub.SubscribeQueue)
	r.Get("/appointments/{id}/subscribe", sub.SubscribeAppointment)

	return r
}

func queueSnapshotHandler(notifier *notify.Notifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := parseDateParam(w, r)
		if !ok {
			return
		}

		update, err := notifier.CurrentUpdate(r.Context(), date)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusOK, update)
	}
}
