package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, patient_id, patient_name, nephro_id, date, time_slot, type, doctor_name, status, notes, created_at, updated_at`

const entryColumns = `id, date, appointment_id, patient_id, patient_name, nephro_id, appointment_type, check_in_time, served_at, status, checked_in_by`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var notes *string
	var date time.Time

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.PatientName,
		&a.NephroID,
		&date,
		&a.TimeSlot,
		&a.Type,
		&a.DoctorName,
		&a.Status,
		&notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Date = date.Format(DateLayout)
	a.Notes = notes
	return &a, nil
}

func scanEntry(row pgx.Row) (*QueueEntry, error) {
	var e QueueEntry
	var servedAt *time.Time
	var date time.Time

	err := row.Scan(
		&e.ID,
		&date,
		&e.AppointmentID,
		&e.PatientID,
		&e.PatientName,
		&e.NephroID,
		&e.AppointmentType,
		&e.CheckInTime,
		&servedAt,
		&e.Status,
		&e.CheckedInBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}

	e.Date = date.Format(DateLayout)
	e.ServedAt = servedAt
	return &e, nil
}

// bumpDayVersion advances the per-day version inside the caller's
// transaction, so the version commits atomically with the mutation it stamps.
func bumpDayVersion(ctx context.Context, tx pgx.Tx, date string) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `
		INSERT INTO queue_days (date, version)
		VALUES ($1, 1)
		ON CONFLICT (date) DO UPDATE SET version = queue_days.version + 1
		RETURNING version
	`, date).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("bump day version: %w", err)
	}
	return version, nil
}

// Interface methods

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) CheckIn(ctx context.Context, appointmentID uuid.UUID, entry *QueueEntry) (*QueueEntry, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin check-in: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
	`, appointmentID, StatusWaiting, StatusScheduled)
	if err != nil {
		return nil, 0, fmt.Errorf("check-in appointment update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, 0, ErrConflict
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO queue_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9, $10)
		RETURNING `+entryColumns+`
	`, entry.ID, entry.Date, entry.AppointmentID, entry.PatientID, entry.PatientName,
		entry.NephroID, entry.AppointmentType, entry.CheckInTime, entry.Status, entry.CheckedInBy)

	created, err := scanEntry(row)
	if err != nil {
		return nil, 0, fmt.Errorf("insert queue entry: %w", err)
	}

	version, err := bumpDayVersion(ctx, tx, entry.Date)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit check-in: %w", err)
	}

	return created, version, nil
}

func (r *PgRepository) CreateWalkIn(ctx context.Context, appt *Appointment, entry *QueueEntry) (*QueueEntry, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin walk-in: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
	`, appt.ID, appt.PatientID, appt.PatientName, appt.NephroID, appt.Date,
		appt.TimeSlot, appt.Type, appt.DoctorName, appt.Status, appt.Notes)
	if err != nil {
		return nil, 0, fmt.Errorf("insert walk-in appointment: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO queue_entries (`+entryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL, $9, $10)
		RETURNING `+entryColumns+`
	`, entry.ID, entry.Date, entry.AppointmentID, entry.PatientID, entry.PatientName,
		entry.NephroID, entry.AppointmentType, entry.CheckInTime, entry.Status, entry.CheckedInBy)

	created, err := scanEntry(row)
	if err != nil {
		return nil, 0, fmt.Errorf("insert walk-in entry: %w", err)
	}

	version, err := bumpDayVersion(ctx, tx, entry.Date)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit walk-in: %w", err)
	}

	return created, version, nil
}

func (r *PgRepository) SetStatus(ctx context.Context, appointmentID uuid.UUID, from, to Status, retire bool) (*Appointment, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin set-status: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns+`
	`, appointmentID, to, from)

	updated, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, 0, ErrConflict
		}
		return nil, 0, fmt.Errorf("set-status update: %w", err)
	}

	if retire {
		// Best-effort on the entry: Scheduled appointments never had one.
		_, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = $3
			WHERE date = $1
			  AND appointment_id = $2
			  AND status <> $3
		`, updated.Date, appointmentID, EntryCompleted)
		if err != nil {
			return nil, 0, fmt.Errorf("retire queue entry: %w", err)
		}
	}

	version, err := bumpDayVersion(ctx, tx, updated.Date)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit set-status: %w", err)
	}

	return updated, version, nil
}

func (r *PgRepository) GetServingEntry(ctx context.Context, date string) (*QueueEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT e.id, e.date, e.appointment_id, e.patient_id, e.patient_name, e.nephro_id,
		       e.appointment_type, e.check_in_time, e.served_at, e.status, e.checked_in_by
		FROM queue_entries e
		WHERE e.date = $1 AND e.status = $2
	`, date, EntryServing)
	return scanEntry(row)
}

func (r *PgRepository) ListWaiting(ctx context.Context, date string) ([]QueueEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.id, e.date, e.appointment_id, e.patient_id, e.patient_name, e.nephro_id,
		       e.appointment_type, e.check_in_time, e.served_at, e.status, e.checked_in_by
		FROM queue_entries e
		JOIN appointments a ON a.id = e.appointment_id
		WHERE e.date = $1 AND e.status = $2
		ORDER BY e.check_in_time ASC, a.time_slot ASC, e.appointment_id ASC
	`, date, EntryWaiting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) CompleteAndPromote(ctx context.Context, date string, finishID *uuid.UUID, promoteID uuid.UUID, now time.Time) (*QueueEntry, int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin call-next: %w", err)
	}
	defer tx.Rollback(ctx)

	if finishID != nil {
		tag, err := tx.Exec(ctx, `
			UPDATE appointments
			SET status = $2, updated_at = now()
			WHERE id = $1 AND status = $3
		`, *finishID, StatusCompleted, StatusNowServing)
		if err != nil {
			return nil, 0, fmt.Errorf("finish current appointment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, 0, ErrConflict
		}

		tag, err = tx.Exec(ctx, `
			UPDATE queue_entries
			SET status = $3
			WHERE date = $1 AND appointment_id = $2 AND status = $4
		`, date, *finishID, EntryCompleted, EntryServing)
		if err != nil {
			return nil, 0, fmt.Errorf("finish current entry: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, 0, ErrConflict
		}
	}

	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
	`, promoteID, StatusNowServing, StatusWaiting)
	if err != nil {
		return nil, 0, fmt.Errorf("promote appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, 0, ErrConflict
	}

	row := tx.QueryRow(ctx, `
		UPDATE queue_entries
		SET status = $3, served_at = $5
		WHERE date = $1 AND appointment_id = $2 AND status = $4
		RETURNING `+entryColumns+`
	`, date, promoteID, EntryServing, EntryWaiting, now)

	promoted, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil, 0, ErrConflict
		}
		return nil, 0, fmt.Errorf("promote entry: %w", err)
	}

	version, err := bumpDayVersion(ctx, tx, date)
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit call-next: %w", err)
	}

	return promoted, version, nil
}

func (r *PgRepository) Snapshot(ctx context.Context, date string, recentLimit int) (*Snapshot, error) {
	snap := &Snapshot{Date: date}

	err := r.pool.QueryRow(ctx, `
		SELECT version FROM queue_days WHERE date = $1
	`, date).Scan(&snap.Version)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("load day version: %w", err)
	}

	serving, err := r.GetServingEntry(ctx, date)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return nil, fmt.Errorf("load serving entry: %w", err)
	}
	snap.NowServing = serving

	waiting, err := r.ListWaiting(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("load waiting set: %w", err)
	}
	snap.Waiting = waiting

	// Retired entries carry the appointment outcome: a cancelled or no-show
	// patient must never read back as completed.
	rows, err := r.pool.Query(ctx, `
		SELECT e.id, e.date, e.appointment_id, e.patient_id, e.patient_name, e.nephro_id,
		       e.appointment_type, e.check_in_time, e.served_at, e.status, e.checked_in_by,
		       a.status
		FROM queue_entries e
		JOIN appointments a ON a.id = e.appointment_id
		WHERE e.date = $1 AND e.status = $2
		ORDER BY e.check_in_time DESC
		LIMIT $3
	`, date, EntryCompleted, recentLimit)
	if err != nil {
		return nil, fmt.Errorf("load retired entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e QueueEntry
		var servedAt *time.Time
		var d time.Time
		var apptStatus Status

		err := rows.Scan(
			&e.ID, &d, &e.AppointmentID, &e.PatientID, &e.PatientName, &e.NephroID,
			&e.AppointmentType, &e.CheckInTime, &servedAt, &e.Status, &e.CheckedInBy,
			&apptStatus,
		)
		if err != nil {
			return nil, err
		}
		e.Date = d.Format(DateLayout)
		e.ServedAt = servedAt

		snap.Recent = append(snap.Recent, RetiredEntry{QueueEntry: e, Outcome: apptStatus})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return snap, nil
}

func (r *PgRepository) FindStaleServing(ctx context.Context, olderThan time.Time) ([]QueueEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM queue_entries
		WHERE status = $1
		  AND served_at IS NOT NULL
		  AND served_at < $2
	`, EntryServing, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
