package queue

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is a mutex-guarded Repository with the same conditional
// write semantics as the Postgres implementation. It backs the engine tests
// and the simulator's offline mode.
type MemoryRepository struct {
	mu           sync.Mutex
	appointments map[uuid.UUID]*Appointment
	entries      map[string]map[uuid.UUID]*QueueEntry // date -> appointment id -> entry
	versions     map[string]int64
	events       []EventLog
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		appointments: make(map[uuid.UUID]*Appointment),
		entries:      make(map[string]map[uuid.UUID]*QueueEntry),
		versions:     make(map[string]int64),
	}
}

// SeedAppointment inserts an appointment directly, bypassing the state
// machine. Test setup only.
func (r *MemoryRepository) SeedAppointment(a *Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = cp.CreatedAt
	r.appointments[cp.ID] = &cp
}

func (r *MemoryRepository) bumpVersion(date string) int64 {
	r.versions[date]++
	return r.versions[date]
}

func (r *MemoryRepository) dayEntries(date string) map[uuid.UUID]*QueueEntry {
	if r.entries[date] == nil {
		r.entries[date] = make(map[uuid.UUID]*QueueEntry)
	}
	return r.entries[date]
}

func (r *MemoryRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) CheckIn(ctx context.Context, appointmentID uuid.UUID, entry *QueueEntry) (*QueueEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[appointmentID]
	if !ok {
		return nil, 0, ErrAppointmentNotFound
	}
	if a.Status != StatusScheduled {
		return nil, 0, ErrConflict
	}

	a.Status = StatusWaiting
	a.UpdatedAt = time.Now()

	cp := *entry
	r.dayEntries(entry.Date)[entry.AppointmentID] = &cp

	out := cp
	return &out, r.bumpVersion(entry.Date), nil
}

func (r *MemoryRepository) CreateWalkIn(ctx context.Context, appt *Appointment, entry *QueueEntry) (*QueueEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	acp := *appt
	acp.CreatedAt = time.Now()
	acp.UpdatedAt = acp.CreatedAt
	r.appointments[acp.ID] = &acp

	ecp := *entry
	r.dayEntries(entry.Date)[entry.AppointmentID] = &ecp

	out := ecp
	return &out, r.bumpVersion(entry.Date), nil
}

func (r *MemoryRepository) SetStatus(ctx context.Context, appointmentID uuid.UUID, from, to Status, retire bool) (*Appointment, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[appointmentID]
	if !ok {
		return nil, 0, ErrAppointmentNotFound
	}
	if a.Status != from {
		return nil, 0, ErrConflict
	}

	a.Status = to
	a.UpdatedAt = time.Now()

	if retire {
		if e, ok := r.dayEntries(a.Date)[appointmentID]; ok && e.Status != EntryCompleted {
			e.Status = EntryCompleted
		}
	}

	cp := *a
	return &cp, r.bumpVersion(a.Date), nil
}

func (r *MemoryRepository) GetServingEntry(ctx context.Context, date string) (*QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries[date] {
		if e.Status == EntryServing {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrEntryNotFound
}

func (r *MemoryRepository) ListWaiting(ctx context.Context, date string) ([]QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.listWaitingLocked(date), nil
}

func (r *MemoryRepository) listWaitingLocked(date string) []QueueEntry {
	var result []QueueEntry
	for _, e := range r.entries[date] {
		if e.Status == EntryWaiting {
			result = append(result, *e)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CheckInTime.Equal(b.CheckInTime) {
			return a.CheckInTime.Before(b.CheckInTime)
		}
		slotA, slotB := r.slotOf(a.AppointmentID), r.slotOf(b.AppointmentID)
		if slotA != slotB {
			return slotA < slotB
		}
		return strings.Compare(a.AppointmentID.String(), b.AppointmentID.String()) < 0
	})

	return result
}

func (r *MemoryRepository) slotOf(appointmentID uuid.UUID) string {
	if a, ok := r.appointments[appointmentID]; ok {
		return a.TimeSlot
	}
	return ""
}

func (r *MemoryRepository) CompleteAndPromote(ctx context.Context, date string, finishID *uuid.UUID, promoteID uuid.UUID, now time.Time) (*QueueEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := r.dayEntries(date)

	if finishID != nil {
		a, ok := r.appointments[*finishID]
		if !ok || a.Status != StatusNowServing {
			return nil, 0, ErrConflict
		}
		e, ok := day[*finishID]
		if !ok || e.Status != EntryServing {
			return nil, 0, ErrConflict
		}
		a.Status = StatusCompleted
		a.UpdatedAt = now
		e.Status = EntryCompleted
	}

	a, ok := r.appointments[promoteID]
	if !ok || a.Status != StatusWaiting {
		return nil, 0, ErrConflict
	}
	e, ok := day[promoteID]
	if !ok || e.Status != EntryWaiting {
		return nil, 0, ErrConflict
	}

	a.Status = StatusNowServing
	a.UpdatedAt = now
	e.Status = EntryServing
	served := now
	e.ServedAt = &served

	cp := *e
	return &cp, r.bumpVersion(date), nil
}

func (r *MemoryRepository) Snapshot(ctx context.Context, date string, recentLimit int) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &Snapshot{
		Date:    date,
		Version: r.versions[date],
		Waiting: r.listWaitingLocked(date),
	}

	var retired []RetiredEntry
	for _, e := range r.entries[date] {
		switch e.Status {
		case EntryServing:
			cp := *e
			snap.NowServing = &cp
		case EntryCompleted:
			outcome := StatusCompleted
			if a, ok := r.appointments[e.AppointmentID]; ok {
				outcome = a.Status
			}
			retired = append(retired, RetiredEntry{QueueEntry: *e, Outcome: outcome})
		}
	}

	sort.Slice(retired, func(i, j int) bool {
		return retired[i].CheckInTime.After(retired[j].CheckInTime)
	})
	if recentLimit > 0 && len(retired) > recentLimit {
		retired = retired[:recentLimit]
	}
	snap.Recent = retired

	return snap, nil
}

func (r *MemoryRepository) FindStaleServing(ctx context.Context, olderThan time.Time) ([]QueueEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []QueueEntry
	for _, day := range r.entries {
		for _, e := range day {
			if e.Status == EntryServing && e.ServedAt != nil && e.ServedAt.Before(olderThan) {
				result = append(result, *e)
			}
		}
	}
	return result, nil
}

func (r *MemoryRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev.ID = int64(len(r.events) + 1)
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the audit trail. Test assertions only.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]EventLog, len(r.events))
	copy(out, r.events)
	return out
}
