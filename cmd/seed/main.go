package main

import (
	"context"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openclinic/scheduling-engine/internal/config"
	"github.com/openclinic/scheduling-engine/internal/db"
	redisclient "github.com/openclinic/scheduling-engine/internal/redis"
	"github.com/openclinic/scheduling-engine/internal/scheduling"
)

const (
	providerCount = 100
	patientCount  = 9000
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	log.Info().Msg("seed starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis")
	}
	defer rdb.Close()

	gofakeit.Seed(time.Now().UnixNano())

	providerIDs, err := seedProviders(context.Background(), pool, providerCount, log)
	if err != nil {
		log.Fatal().Err(err).Msg("seed providers")
	}
	if err := seedPatients(context.Background(), pool, patientCount, log); err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}

	repo := scheduling.NewPgRepository(pool)
	holder := redisclient.NewRedisSlotHolder(rdb)
	publisher := redisclient.NewRedisPublisher(rdb, cfg.ReminderChannel)
	svc := scheduling.NewService(repo, holder, publisher, cfg.SchedulingPolicy(), log)

	if err := seedRules(context.Background(), svc, providerIDs, log); err != nil {
		log.Fatal().Err(err).Msg("seed rules")
	}

	log.Info().Msg("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, count int, log zerolog.Logger) ([]uuid.UUID, error) {
	log.Info().Int("count", count).Msg("seeding providers")

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	log.Info().Msg("providers seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int, log zerolog.Logger) error {
	log.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}

	return nil
}

// seedRules gives every provider a weekday morning/afternoon rule for the next
// four weeks and expands it into bookable slots.
func seedRules(ctx context.Context, svc *scheduling.Service, providerIDs []uuid.UUID, log zerolog.Logger) error {
	log.Info().Int("count", len(providerIDs)).Msg("seeding availability rules")

	durations := []int{15, 20, 30}
	from := scheduling.DateOf(time.Now().AddDate(0, 0, 1))
	to := from.AddDate(0, 0, 27)

	total := 0
	for _, providerID := range providerIDs {
		rule, err := svc.CreateRule(ctx, &scheduling.AvailabilityRule{
			ProviderID:  providerID,
			From:        from,
			To:          to,
			Morning:     &scheduling.TimeWindow{Start: 9 * 60, End: 12 * 60},
			Afternoon:   &scheduling.TimeWindow{Start: 14 * 60, End: 17 * 60},
			SlotMinutes: durations[gofakeit.Number(0, len(durations)-1)],
			Weekdays: scheduling.NewWeekdays(
				time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
			),
			Site: gofakeit.City(),
			Fee:  int64(gofakeit.Number(20, 150)) * 100,
		})
		if err != nil {
			return err
		}

		created, err := svc.GenerateSlots(ctx, rule.ID)
		if err != nil {
			return err
		}
		total += created
	}

	log.Info().Int("slots", total).Msg("rules seeded and expanded")
	return nil
}
