package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openclinic/scheduling-engine/internal/scheduling"
)

type RouterConfig struct {
	Service *scheduling.Service
	PgPool  *pgxpool.Pool
	Redis   *redis.Client
	Logger  zerolog.Logger
	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))

	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	svc := cfg.Service

	r.Route("/rules", func(r chi.Router) {
		r.Post("/", createRuleHandler(svc))
		r.Get("/{id}", getRuleHandler(svc))
		r.Put("/{id}", updateRuleHandler(svc))
		r.Delete("/{id}", deactivateRuleHandler(svc))
		r.Post("/{id}/generate", generateSlotsHandler(svc))
	})

	r.Route("/slots", func(r chi.Router) {
		r.Get("/", listSlotsHandler(svc))
		r.Post("/", createSlotHandler(svc))
		r.Post("/{id}/block", slotToggleHandler(svc.BlockSlot))
		r.Post("/{id}/unblock", slotToggleHandler(svc.UnblockSlot))
	})

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", bookHandler(svc))
		r.Get("/", listAppointmentsHandler(svc))
		r.Get("/{id}", getAppointmentHandler(svc))
		r.Post("/{id}/confirm", appointmentActionHandler(svc.Confirm))
		r.Post("/{id}/check-in", appointmentActionHandler(svc.CheckIn))
		r.Post("/{id}/complete", appointmentActionHandler(svc.Complete))
		r.Post("/{id}/cancel", cancelHandler(svc))
		r.Post("/{id}/reschedule", rescheduleHandler(svc))
	})

	r.Route("/waitlist", func(r chi.Router) {
		r.Post("/", joinWaitlistHandler(svc))
		r.Post("/{id}/cancel", cancelWaitlistHandler(svc))
	})

	return r
}
