package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrEntryNotFound       = errors.New("queue entry not found")

	// ErrConflict means a conditional write found the row changed underneath
	// it. The engine re-reads and retries; it never overwrites blindly.
	ErrConflict = errors.New("concurrent update conflict")
)

// Repository contains all storage interactions needed by the engine. Every
// mutating method is atomic, writes are conditional on the state the caller
// read, and each returns the day version committed with the change.
type Repository interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// CheckIn moves a Scheduled appointment to Waiting and inserts its queue
	// entry in one transaction. Returns ErrConflict if the appointment is no
	// longer Scheduled.
	CheckIn(ctx context.Context, appointmentID uuid.UUID, entry *QueueEntry) (*QueueEntry, int64, error)

	// CreateWalkIn inserts an ad-hoc appointment (already Waiting) together
	// with its queue entry.
	CreateWalkIn(ctx context.Context, appt *Appointment, entry *QueueEntry) (*QueueEntry, int64, error)

	// SetStatus applies a validated transition conditioned on the current
	// status; when retire is set the live entry (if any) is retired in the
	// same transaction. Returns ErrConflict if the condition no longer holds.
	SetStatus(ctx context.Context, appointmentID uuid.UUID, from, to Status, retire bool) (*Appointment, int64, error)

	GetServingEntry(ctx context.Context, date string) (*QueueEntry, error)

	// ListWaiting returns the waiting set ordered by check-in time, then
	// appointment time slot, then appointment id.
	ListWaiting(ctx context.Context, date string) ([]QueueEntry, error)

	// CompleteAndPromote finishes the current serving appointment (when
	// finishID is non-nil) and promotes promoteID from waiting to serving as
	// a single transaction. Either both conditional writes land or neither
	// does; a lost race surfaces as ErrConflict.
	CompleteAndPromote(ctx context.Context, date string, finishID *uuid.UUID, promoteID uuid.UUID, now time.Time) (*QueueEntry, int64, error)

	Snapshot(ctx context.Context, date string, recentLimit int) (*Snapshot, error)

	// FindStaleServing returns serving entries whose served_at predates the
	// cutoff, for crash reconciliation.
	FindStaleServing(ctx context.Context, olderThan time.Time) ([]QueueEntry, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
