package queue

import (
	"time"

	"github.com/google/uuid"
)

// Status is the authoritative appointment status held in the appointment store.
type Status string

const (
	StatusScheduled  Status = "Scheduled"
	StatusWaiting    Status = "Waiting"
	StatusNowServing Status = "NowServing"
	StatusCompleted  Status = "Completed"
	StatusCancelled  Status = "Cancelled"
	StatusNotShowed  Status = "NotShowed"
	StatusAdmitted   Status = "Admitted"
)

// EntryStatus is the lighter-weight status a daily queue entry carries.
// An entry is retired (completed) when its appointment leaves the live queue
// for any reason; the appointment status records which reason.
type EntryStatus string

const (
	EntryWaiting   EntryStatus = "waiting"
	EntryServing   EntryStatus = "serving"
	EntryCompleted EntryStatus = "completed"
)

// CheckInOrigin records who performed a check-in.
type CheckInOrigin string

const (
	OriginPatient CheckInOrigin = "patient"
	OriginStaff   CheckInOrigin = "staff"
)

// DateLayout is the calendar-day key format for queue partitions.
const DateLayout = "2006-01-02"

// Appointment is the durable record, one per (patient, date, slot). It
// outlives the daily queue partition and is keyed by its id indefinitely.
type Appointment struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	PatientName string
	NephroID    string
	Date        string // DateLayout
	TimeSlot    string
	Type        string
	DoctorName  string
	Status      Status
	Notes       *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueueEntry is the same-day projection used for live position tracking.
// Entries never migrate across days.
type QueueEntry struct {
	ID              uuid.UUID
	Date            string
	AppointmentID   uuid.UUID
	PatientID       uuid.UUID
	PatientName     string
	NephroID        string
	AppointmentType string
	CheckInTime     time.Time
	ServedAt        *time.Time
	Status          EntryStatus
	CheckedInBy     CheckInOrigin
}

// RetiredEntry pairs a retired queue entry with the appointment outcome that
// retired it: Completed, Cancelled, NotShowed or Admitted. The entry status
// alone cannot distinguish these, so the outcome travels with it.
type RetiredEntry struct {
	QueueEntry
	Outcome Status
}

// Snapshot is a consistent view of one day's queue, stamped with the day
// version committed alongside the mutation that produced it. Recent holds
// retired entries newest first.
type Snapshot struct {
	Date       string
	Version    int64
	NowServing *QueueEntry
	Waiting    []QueueEntry
	Recent     []RetiredEntry
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// newEntryForAppointment is the single place denormalized patient fields are
// copied from an appointment onto a queue entry. Keep it that way: a future
// rename path has exactly one projection to update.
func newEntryForAppointment(a *Appointment, now time.Time, by CheckInOrigin) *QueueEntry {
	return &QueueEntry{
		ID:              uuid.New(),
		Date:            a.Date,
		AppointmentID:   a.ID,
		PatientID:       a.PatientID,
		PatientName:     a.PatientName,
		NephroID:        a.NephroID,
		AppointmentType: a.Type,
		CheckInTime:     now,
		Status:          EntryWaiting,
		CheckedInBy:     by,
	}
}
