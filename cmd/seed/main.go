package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/nephroflow/opd-queue/internal/db"
	"github.com/nephroflow/opd-queue/internal/queue"
)

var log = zerolog.New(os.Stdout).With().Timestamp().Str("service", "seed").Logger()

func main() {
	log.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		log.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	gofakeit.Seed(time.Now().UnixNano())

	today := time.Now().Format(queue.DateLayout)

	if err := seedAppointments(context.Background(), pool, today, 120); err != nil {
		log.Fatal().Err(err).Msg("seed appointments")
	}

	log.Info().Msg("seed complete")
}

// seedAppointments creates scheduled appointments for the given day, spread
// over morning and afternoon slots.
func seedAppointments(ctx context.Context, pool *pgxpool.Pool, date string, count int) error {
	log.Info().Int("count", count).Str("date", date).Msg("seeding appointments")

	appointmentTypes := []string{
		"Consultation",
		"Follow-up",
		"Dialysis Review",
		"Transplant Review",
		"Lab Review",
	}

	doctors := make([]string, 6)
	for i := range doctors {
		doctors[i] = "Dr. " + gofakeit.LastName()
	}

	const batchSize = 40

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
			patientID := uuid.New()
			name := gofakeit.Name()
			nephroID := fmt.Sprintf("NPH-%05d", gofakeit.Number(1, 99999))
			slot := slotLabel(i)
			apptType := appointmentTypes[gofakeit.Number(0, len(appointmentTypes)-1)]
			doctor := doctors[gofakeit.Number(0, len(doctors)-1)]

			_, err := tx.Exec(ctx, `
				INSERT INTO appointments (id, patient_id, patient_name, nephro_id, date, time_slot, type, doctor_name, status, notes, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL, now(), now())
			`, id, patientID, name, nephroID, date, slot, apptType, doctor, queue.StatusScheduled)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		log.Info().Int("seeded", end).Int("total", count).Msg("appointments seeded")
	}

	return nil
}

// slotLabel spreads appointments over 15-minute slots starting 08:00.
func slotLabel(i int) string {
	start := time.Date(0, 1, 1, 8, 0, 0, 0, time.UTC)
	return start.Add(time.Duration(i) * 15 * time.Minute).Format("15:04")
}
