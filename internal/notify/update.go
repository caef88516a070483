package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/nephroflow/opd-queue/internal/queue"
)

// EntryView is the observer-facing shape of a queue entry.
type EntryView struct {
	AppointmentID   uuid.UUID  `json:"appointment_id"`
	PatientID       uuid.UUID  `json:"patient_id"`
	PatientName     string     `json:"patient_name"`
	NephroID        string     `json:"nephro_id"`
	AppointmentType string     `json:"appointment_type"`
	CheckInTime     time.Time  `json:"check_in_time"`
	ServedAt        *time.Time `json:"served_at,omitempty"`
	CheckedInBy     string     `json:"checked_in_by"`
}

// WaitingView is a waiting entry with its computed position.
type WaitingView struct {
	EntryView
	Position             int `json:"position"`
	EstimatedWaitMinutes int `json:"estimated_wait_minutes"`
}

// RetiredView is a retired entry with the terminal appointment status that
// retired it.
type RetiredView struct {
	EntryView
	Status string `json:"status"`
}

// QueueUpdate is the snapshot pushed to whole-queue observers. NowServing is
// nil when the queue has not started. Retired entries are bucketed by
// outcome; RecentLeft holds cancellations and no-shows.
type QueueUpdate struct {
	Date            string        `json:"date"`
	Version         int64         `json:"version"`
	NowServing      *EntryView    `json:"now_serving,omitempty"`
	Waiting         []WaitingView `json:"waiting"`
	RecentCompleted []RetiredView `json:"recent_completed,omitempty"`
	RecentAdmitted  []RetiredView `json:"recent_admitted,omitempty"`
	RecentLeft      []RetiredView `json:"recent_left,omitempty"`
}

// PatientUpdate is the single-patient projection of the same snapshot.
// Position and the wait estimate are present only while waiting.
type PatientUpdate struct {
	AppointmentID        uuid.UUID `json:"appointment_id"`
	Version              int64     `json:"version"`
	Status               string    `json:"status"`
	Position             *int      `json:"position,omitempty"`
	EstimatedWaitMinutes *int      `json:"estimated_wait_minutes,omitempty"`
}

func entryView(e *queue.QueueEntry) *EntryView {
	if e == nil {
		return nil
	}
	return &EntryView{
		AppointmentID:   e.AppointmentID,
		PatientID:       e.PatientID,
		PatientName:     e.PatientName,
		NephroID:        e.NephroID,
		AppointmentType: e.AppointmentType,
		CheckInTime:     e.CheckInTime,
		ServedAt:        e.ServedAt,
		CheckedInBy:     string(e.CheckedInBy),
	}
}

// BuildQueueUpdate projects a snapshot into the observer shape, deriving
// positions and wait estimates and bucketing retired entries by outcome.
func BuildQueueUpdate(snap *queue.Snapshot, avgServiceMinutes int) QueueUpdate {
	u := QueueUpdate{
		Date:       snap.Date,
		Version:    snap.Version,
		NowServing: entryView(snap.NowServing),
		Waiting:    []WaitingView{},
	}

	positions := queue.WaitingPositions(snap.Waiting, avgServiceMinutes)
	for i := range snap.Waiting {
		u.Waiting = append(u.Waiting, WaitingView{
			EntryView:            *entryView(&snap.Waiting[i]),
			Position:             positions[i].Position,
			EstimatedWaitMinutes: positions[i].EstimatedWaitMinutes,
		})
	}

	for i := range snap.Recent {
		re := &snap.Recent[i]
		v := RetiredView{EntryView: *entryView(&re.QueueEntry), Status: string(re.Outcome)}
		switch re.Outcome {
		case queue.StatusAdmitted:
			u.RecentAdmitted = append(u.RecentAdmitted, v)
		case queue.StatusCancelled, queue.StatusNotShowed:
			u.RecentLeft = append(u.RecentLeft, v)
		default:
			u.RecentCompleted = append(u.RecentCompleted, v)
		}
	}

	return u
}

// PatientUpdates derives the per-appointment projections from a queue update.
func PatientUpdates(u QueueUpdate) []PatientUpdate {
	var updates []PatientUpdate

	if u.NowServing != nil {
		updates = append(updates, PatientUpdate{
			AppointmentID: u.NowServing.AppointmentID,
			Version:       u.Version,
			Status:        string(queue.StatusNowServing),
		})
	}

	for _, w := range u.Waiting {
		pos := w.Position
		wait := w.EstimatedWaitMinutes
		updates = append(updates, PatientUpdate{
			AppointmentID:        w.AppointmentID,
			Version:              u.Version,
			Status:               string(queue.StatusWaiting),
			Position:             &pos,
			EstimatedWaitMinutes: &wait,
		})
	}

	for _, retired := range [][]RetiredView{u.RecentCompleted, u.RecentAdmitted, u.RecentLeft} {
		for _, e := range retired {
			updates = append(updates, PatientUpdate{
				AppointmentID: e.AppointmentID,
				Version:       u.Version,
				Status:        e.Status,
			})
		}
	}

	return updates
}
