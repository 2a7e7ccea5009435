package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclinic/scheduling-engine/internal/config"
	"github.com/openclinic/scheduling-engine/internal/db"
	redisclient "github.com/openclinic/scheduling-engine/internal/redis"
	"github.com/openclinic/scheduling-engine/internal/scheduling"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Fatal().Err(err).Msg("config load error")
	}

	log := zerolog.New(os.Stdout).With().Timestamp().Str("component", "sweeper").Logger()
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.SweepInterval).Msg("sweeper starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
			log.Warn().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	repo := scheduling.NewPgRepository(pgPool)
	holder := redisclient.NewRedisSlotHolder(rdb)
	publisher := redisclient.NewRedisPublisher(rdb, cfg.ReminderChannel)
	svc := scheduling.NewService(repo, holder, publisher, cfg.SchedulingPolicy(), log)

	// Run once at startup
	runOnce(rootCtx, svc, log)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping sweeper")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, log)
		}
	}
}

func runOnce(ctx context.Context, svc *scheduling.Service, log zerolog.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()

	noShows, err := svc.SweepNoShows(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("no-show sweep error")
	}

	expired, err := svc.SweepWaitlist(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("waitlist sweep error")
	}

	dispatched, err := svc.DispatchDueReminders(runCtx)
	if err != nil {
		log.Error().Err(err).Msg("reminder dispatch error")
	}

	log.Info().
		Int("no_shows", noShows).
		Int("waitlist_expired", expired).
		Int("reminders_dispatched", dispatched).
		Dur("took", time.Since(start)).
		Msg("sweep run complete")
}
