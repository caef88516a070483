package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nephroflow/opd-queue/internal/config"
	redisclient "github.com/nephroflow/opd-queue/internal/redis"
)

const (
	EventCheckedIn         = "QUEUE_CHECKED_IN"
	EventCalledNext        = "QUEUE_CALLED_NEXT"
	EventStatusChanged     = "APPOINTMENT_STATUS_CHANGED"
	EventServingReconciled = "QUEUE_SERVING_RECONCILED"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTransientFailure is returned once bounded conflict retries are
	// exhausted; the initiating terminal may retry manually.
	ErrTransientFailure = errors.New("queue is busy, please retry")
)

// Notifier receives the date and committed day version after every mutation.
type Notifier interface {
	QueueChanged(ctx context.Context, date string, version int64)
}

// Admitter is the patient-record collaborator signalled on Admitted
// transitions. Its failure never rolls back the queue transition.
type Admitter interface {
	AdmitPatient(ctx context.Context, patientID uuid.UUID) error
}

// Service is the status transition engine: the only component permitted to
// mutate appointment and queue-entry status.
type Service struct {
	repo     Repository
	locker   redisclient.Locker
	notifier Notifier
	admitter Admitter
	cfg      config.Config
	log      zerolog.Logger

	// Now is the clock; replaceable in tests.
	Now func() time.Time

	// backoff spaces call-next retries while the day lock is contended.
	backoff func(attempt int) time.Duration
}

func NewService(repo Repository, locker redisclient.Locker, notifier Notifier, admitter Admitter, cfg config.Config, log zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		notifier: notifier,
		admitter: admitter,
		cfg:      cfg,
		log:      log,
		Now:      time.Now,
		backoff:  retryBackoff,
	}
}

// retryBackoff grows with the attempt and adds jitter, so a terminal that
// lost the day lock waits for the holder instead of burning every attempt
// within microseconds.
func retryBackoff(attempt int) time.Duration {
	base := time.Duration(attempt+1) * 25 * time.Millisecond
	return base + time.Duration(rand.Intn(25))*time.Millisecond
}

// CheckIn moves a Scheduled appointment into today's waiting line. The entry
// gets a server-assigned check-in timestamp that fixes its FIFO position.
func (s *Service) CheckIn(ctx context.Context, appointmentID uuid.UUID, by CheckInOrigin) (*QueueEntry, error) {
	for attempt := 0; attempt < s.cfg.MutationRetries; attempt++ {
		appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
		if err != nil {
			return nil, err
		}
		if !CanTransition(appt.Status, StatusWaiting) {
			return nil, ErrInvalidTransition
		}

		entry := newEntryForAppointment(appt, s.Now(), by)

		created, version, err := s.repo.CheckIn(ctx, appointmentID, entry)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("check in appointment: %w", err)
		}

		s.logEvent(ctx, appointmentID, EventCheckedIn, map[string]any{
			"checked_in_by": string(by),
			"date":          created.Date,
		})
		s.notifyChanged(ctx, created.Date, version)

		return created, nil
	}
	return nil, ErrTransientFailure
}

// WalkInPatient is an ad-hoc patient reference for same-day check-in without
// a prior appointment.
type WalkInPatient struct {
	PatientID   uuid.UUID
	PatientName string
	NephroID    string
	Type        string
	DoctorName  string
}

// CheckInWalkIn creates the appointment (already Waiting) and its queue entry
// atomically.
func (s *Service) CheckInWalkIn(ctx context.Context, p WalkInPatient, by CheckInOrigin) (*QueueEntry, error) {
	now := s.Now()

	patientID := p.PatientID
	if patientID == uuid.Nil {
		patientID = uuid.New()
	}

	appt := &Appointment{
		ID:          uuid.New(),
		PatientID:   patientID,
		PatientName: p.PatientName,
		NephroID:    p.NephroID,
		Date:        now.Format(DateLayout),
		TimeSlot:    now.Format("15:04"),
		Type:        p.Type,
		DoctorName:  p.DoctorName,
		Status:      StatusWaiting,
	}
	entry := newEntryForAppointment(appt, now, by)

	created, version, err := s.repo.CreateWalkIn(ctx, appt, entry)
	if err != nil {
		return nil, fmt.Errorf("create walk-in: %w", err)
	}

	s.logEvent(ctx, appt.ID, EventCheckedIn, map[string]any{
		"checked_in_by": string(by),
		"walk_in":       true,
		"date":          created.Date,
	})
	s.notifyChanged(ctx, created.Date, version)

	return created, nil
}

// CallNextResult is the outcome of a call-next: either a newly serving entry
// or the empty-queue sentinel. Empty is a normal variant, not an error.
type CallNextResult struct {
	Served *QueueEntry
	Empty  bool
}

// CallNext finishes the current serving patient (if any) and promotes the
// head of the waiting line, as one atomic unit. The engine selects the
// patient; callers cannot. Lost races are retried against post-commit state,
// so two concurrent calls can never promote two patients.
func (s *Service) CallNext(ctx context.Context, date string) (CallNextResult, error) {
	var res CallNextResult

	for attempt := 0; attempt < s.cfg.MutationRetries; attempt++ {
		err := s.locker.WithQueueLock(ctx, date, func(lockCtx context.Context) error {
			return s.callNextOnce(lockCtx, date, &res)
		})
		if err == nil {
			return res, nil
		}
		if errors.Is(err, redisclient.ErrLockNotAcquired) || errors.Is(err, ErrConflict) {
			s.log.Debug().Str("date", date).Int("attempt", attempt+1).Msg("call-next lost a race, retrying")
			if attempt+1 < s.cfg.MutationRetries {
				select {
				case <-ctx.Done():
					return CallNextResult{}, ctx.Err()
				case <-time.After(s.backoff(attempt)):
				}
			}
			continue
		}
		return CallNextResult{}, err
	}
	return CallNextResult{}, ErrTransientFailure
}

func (s *Service) callNextOnce(ctx context.Context, date string, res *CallNextResult) error {
	serving, err := s.repo.GetServingEntry(ctx, date)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		return fmt.Errorf("load serving entry: %w", err)
	}

	waiting, err := s.repo.ListWaiting(ctx, date)
	if err != nil {
		return fmt.Errorf("load waiting set: %w", err)
	}
	if len(waiting) == 0 {
		res.Served = nil
		res.Empty = true
		return nil
	}

	head := waiting[0]
	var finishID *uuid.UUID
	if serving != nil {
		finishID = &serving.AppointmentID
	}

	promoted, version, err := s.repo.CompleteAndPromote(ctx, date, finishID, head.AppointmentID, s.Now())
	if err != nil {
		return err
	}

	res.Served = promoted
	res.Empty = false

	payload := map[string]any{"date": date}
	if finishID != nil {
		payload["finished_appointment_id"] = finishID.String()
	}
	s.logEvent(ctx, promoted.AppointmentID, EventCalledNext, payload)
	s.notifyChanged(ctx, date, version)

	return nil
}

// SetStatusResult carries the transitioned appointment plus a warning flag
// when the admission collaborator could not be reached.
type SetStatusResult struct {
	Appointment       *Appointment
	AdmitSignalFailed bool
}

// SetStatus applies an explicit transition (cancel, no-show, admit, mark
// completed). Terminal states and illegal edges are rejected with
// ErrInvalidTransition and no mutation.
func (s *Service) SetStatus(ctx context.Context, appointmentID uuid.UUID, newStatus Status, actor string) (SetStatusResult, error) {
	// Promotion is owned by CallNext; check-in owns the Waiting edge so the
	// queue entry always exists alongside it.
	if newStatus == StatusNowServing {
		return SetStatusResult{}, ErrInvalidTransition
	}
	if newStatus == StatusWaiting {
		if _, err := s.CheckIn(ctx, appointmentID, OriginStaff); err != nil {
			return SetStatusResult{}, err
		}
		appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
		if err != nil {
			return SetStatusResult{}, err
		}
		return SetStatusResult{Appointment: appt}, nil
	}

	for attempt := 0; attempt < s.cfg.MutationRetries; attempt++ {
		appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
		if err != nil {
			return SetStatusResult{}, err
		}
		if !CanTransition(appt.Status, newStatus) {
			return SetStatusResult{}, ErrInvalidTransition
		}

		updated, version, err := s.repo.SetStatus(ctx, appointmentID, appt.Status, newStatus, retiresEntry(newStatus))
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return SetStatusResult{}, fmt.Errorf("set status: %w", err)
		}

		res := SetStatusResult{Appointment: updated}

		if newStatus == StatusAdmitted {
			res.AdmitSignalFailed = s.signalAdmission(ctx, updated)
		}

		s.logEvent(ctx, appointmentID, EventStatusChanged, map[string]any{
			"from":  string(appt.Status),
			"to":    string(newStatus),
			"actor": actor,
		})
		s.notifyChanged(ctx, updated.Date, version)

		return res, nil
	}
	return SetStatusResult{}, ErrTransientFailure
}

// signalAdmission tells the patient-record service the patient is now an
// inpatient. The queue transition is the primary effect: a collaborator
// failure is logged and reported, never rolled back.
func (s *Service) signalAdmission(ctx context.Context, appt *Appointment) (failed bool) {
	if s.admitter == nil {
		s.log.Debug().Stringer("patient_id", appt.PatientID).Msg("no admitter configured, skipping admission signal")
		return false
	}
	if err := s.admitter.AdmitPatient(ctx, appt.PatientID); err != nil {
		s.log.Warn().
			Err(err).
			Stringer("appointment_id", appt.ID).
			Stringer("patient_id", appt.PatientID).
			Msg("admission signal failed, queue transition kept")
		return true
	}
	return false
}

// ReconcileStaleServing completes serving entries older than the configured
// TTL. A crashed terminal can leave a NowServing entry behind; this is the
// explicit expiry rule that restores the single-server invariant. Run
// periodically by the queue worker.
func (s *Service) ReconcileStaleServing(ctx context.Context) (int, error) {
	cutoff := s.Now().Add(-s.cfg.StaleServingTTL)

	stale, err := s.repo.FindStaleServing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale serving entries: %w", err)
	}

	reconciled := 0
	for _, e := range stale {
		_, version, err := s.repo.SetStatus(ctx, e.AppointmentID, StatusNowServing, StatusCompleted, true)
		if err != nil {
			// Someone else already moved it; that is the outcome we wanted.
			if errors.Is(err, ErrConflict) {
				continue
			}
			s.log.Error().Err(err).Stringer("appointment_id", e.AppointmentID).Msg("failed to reconcile stale serving entry")
			continue
		}

		reconciled++
		s.logEvent(ctx, e.AppointmentID, EventServingReconciled, map[string]any{
			"date":      e.Date,
			"served_at": e.ServedAt,
		})
		s.notifyChanged(ctx, e.Date, version)
	}

	return reconciled, nil
}

// GetAppointment reads an appointment by id.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

// QueueSnapshot returns the current consistent view of one day's queue.
func (s *Service) QueueSnapshot(ctx context.Context, date string) (*Snapshot, error) {
	return s.repo.Snapshot(ctx, date, s.cfg.RecentWindow)
}

func (s *Service) notifyChanged(ctx context.Context, date string, version int64) {
	if s.notifier == nil {
		return
	}
	s.notifier.QueueChanged(ctx, date, version)
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("event", eventType).Stringer("appointment_id", appointmentID).Msg("failed to insert event log")
	}
}
