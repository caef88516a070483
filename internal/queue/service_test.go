package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nephroflow/opd-queue/internal/config"
	redisclient "github.com/nephroflow/opd-queue/internal/redis"
)

const testDate = "2025-03-10"

type passLocker struct{}

func (passLocker) WithQueueLock(ctx context.Context, date string, fn func(context.Context) error) error {
	return fn(ctx)
}

type recordingNotifier struct {
	mu       sync.Mutex
	versions []int64
}

func (n *recordingNotifier) QueueChanged(ctx context.Context, date string, version int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.versions = append(n.versions, version)
}

func (n *recordingNotifier) Versions() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int64, len(n.versions))
	copy(out, n.versions)
	return out
}

type fakeAdmitter struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (a *fakeAdmitter) AdmitPatient(ctx context.Context, patientID uuid.UUID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, patientID)
	return a.err
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testConfig() config.Config {
	return config.Config{
		AvgServiceMinutes: 10,
		StaleServingTTL:   2 * time.Hour,
		MutationRetries:   3,
		RecentWindow:      20,
	}
}

func newTestService(admitter Admitter) (*Service, *MemoryRepository, *recordingNotifier, *fakeClock) {
	repo := NewMemoryRepository()
	notifier := &recordingNotifier{}
	clock := &fakeClock{t: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}

	svc := NewService(repo, passLocker{}, notifier, admitter, testConfig(), zerolog.Nop())
	svc.Now = clock.Now

	return svc, repo, notifier, clock
}

func seedScheduled(repo *MemoryRepository, name, slot string) uuid.UUID {
	id := uuid.New()
	repo.SeedAppointment(&Appointment{
		ID:          id,
		PatientID:   uuid.New(),
		PatientName: name,
		NephroID:    "NPH-00001",
		Date:        testDate,
		TimeSlot:    slot,
		Type:        "Consultation",
		DoctorName:  "Dr. Rao",
		Status:      StatusScheduled,
	})
	return id
}

func TestCheckIn(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	ctx := context.Background()

	id := seedScheduled(repo, "Alice", "09:00")

	entry, err := svc.CheckIn(ctx, id, OriginStaff)
	if err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	if entry.Status != EntryWaiting {
		t.Fatalf("entry status = %s, want %s", entry.Status, EntryWaiting)
	}
	if entry.CheckedInBy != OriginStaff {
		t.Fatalf("checked_in_by = %s, want %s", entry.CheckedInBy, OriginStaff)
	}

	appt, err := repo.GetAppointmentByID(ctx, id)
	if err != nil {
		t.Fatalf("load appointment: %v", err)
	}
	if appt.Status != StatusWaiting {
		t.Fatalf("appointment status = %s, want %s", appt.Status, StatusWaiting)
	}

	// Second check-in is no longer a legal edge.
	if _, err := svc.CheckIn(ctx, id, OriginStaff); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second check-in: got %v, want ErrInvalidTransition", err)
	}
}

func TestCheckInDenormalizesPatientFields(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	ctx := context.Background()

	id := seedScheduled(repo, "Alice Wong", "09:00")

	entry, err := svc.CheckIn(ctx, id, OriginPatient)
	if err != nil {
		t.Fatalf("check-in failed: %v", err)
	}
	if entry.PatientName != "Alice Wong" || entry.NephroID != "NPH-00001" {
		t.Fatalf("denormalized fields not copied: %+v", entry)
	}
}

func TestCheckInWalkIn(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	ctx := context.Background()

	entry, err := svc.CheckInWalkIn(ctx, WalkInPatient{
		PatientName: "Walk In",
		NephroID:    "NPH-00099",
		Type:        "Consultation",
	}, OriginPatient)
	if err != nil {
		t.Fatalf("walk-in check-in failed: %v", err)
	}

	appt, err := repo.GetAppointmentByID(ctx, entry.AppointmentID)
	if err != nil {
		t.Fatalf("load walk-in appointment: %v", err)
	}
	if appt.Status != StatusWaiting {
		t.Fatalf("walk-in appointment status = %s, want %s", appt.Status, StatusWaiting)
	}

	waiting, err := repo.ListWaiting(ctx, entry.Date)
	if err != nil {
		t.Fatalf("list waiting: %v", err)
	}
	if len(waiting) != 1 || waiting[0].AppointmentID != entry.AppointmentID {
		t.Fatalf("walk-in not in waiting set: %+v", waiting)
	}
}

// The spec scenario: A (09:00), B (09:05), C (09:10). First call-next serves
// A with B at position 1 (10 min) and C at position 2 (20 min); the second
// completes A, serves B, and moves C to position 1.
func TestCallNextScenario(t *testing.T) {
	svc, repo, _, clock := newTestService(nil)
	ctx := context.Background()

	a := seedScheduled(repo, "A", "09:00")
	b := seedScheduled(repo, "B", "09:15")
	c := seedScheduled(repo, "C", "09:30")

	for _, id := range []uuid.UUID{a, b, c} {
		if _, err := svc.CheckIn(ctx, id, OriginStaff); err != nil {
			t.Fatalf("check-in %s: %v", id, err)
		}
		clock.Advance(5 * time.Minute)
	}

	res, err := svc.CallNext(ctx, testDate)
	if err != nil {
		t.Fatalf("first call-next: %v", err)
	}
	if res.Empty || res.Served == nil {
		t.Fatal("first call-next returned empty")
	}
	if res.Served.AppointmentID != a {
		t.Fatalf("first served = %s, want A (%s)", res.Served.AppointmentID, a)
	}

	snap, err := svc.QueueSnapshot(ctx, testDate)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	positions := WaitingPositions(snap.Waiting, 10)
	if len(positions) != 2 {
		t.Fatalf("expected 2 waiting, got %d", len(positions))
	}
	if positions[0].AppointmentID != b || positions[0].Position != 1 || positions[0].EstimatedWaitMinutes != 10 {
		t.Fatalf("B: got %+v, want position 1 / 10 min", positions[0])
	}
	if positions[1].AppointmentID != c || positions[1].Position != 2 || positions[1].EstimatedWaitMinutes != 20 {
		t.Fatalf("C: got %+v, want position 2 / 20 min", positions[1])
	}

	res, err = svc.CallNext(ctx, testDate)
	if err != nil {
		t.Fatalf("second call-next: %v", err)
	}
	if res.Served.AppointmentID != b {
		t.Fatalf("second served = %s, want B (%s)", res.Served.AppointmentID, b)
	}

	apptA, _ := repo.GetAppointmentByID(ctx, a)
	if apptA.Status != StatusCompleted {
		t.Fatalf("A status = %s, want %s after second call-next", apptA.Status, StatusCompleted)
	}

	snap, _ = svc.QueueSnapshot(ctx, testDate)
	positions = WaitingPositions(snap.Waiting, 10)
	if len(positions) != 1 || positions[0].AppointmentID != c || positions[0].Position != 1 || positions[0].EstimatedWaitMinutes != 10 {
		t.Fatalf("after second call-next C: got %+v, want position 1 / 10 min", positions)
	}
}

func TestCallNextFIFO(t *testing.T) {
	svc, repo, _, clock := newTestService(nil)
	ctx := context.Background()

	var order []uuid.UUID
	for _, name := range []string{"T1", "T2", "T3"} {
		id := seedScheduled(repo, name, "09:00")
		if _, err := svc.CheckIn(ctx, id, OriginStaff); err != nil {
			t.Fatalf("check-in: %v", err)
		}
		order = append(order, id)
		clock.Advance(time.Minute)
	}

	for i, want := range order {
		res, err := svc.CallNext(ctx, testDate)
		if err != nil {
			t.Fatalf("call-next %d: %v", i, err)
		}
		if res.Served.AppointmentID != want {
			t.Fatalf("promotion %d = %s, want %s", i, res.Served.AppointmentID, want)
		}
	}
}

func TestCallNextTieBreakOnSlot(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	ctx := context.Background()

	// Same check-in instant: the earlier time slot wins.
	late := seedScheduled(repo, "Late Slot", "10:30")
	early := seedScheduled(repo, "Early Slot", "08:15")

	for _, id := range []uuid.UUID{late, early} {
		if _, err := svc.CheckIn(ctx, id, OriginStaff); err != nil {
			t.Fatalf("check-in: %v", err)
		}
	}

	res, err := svc.CallNext(ctx, testDate)
	if err != nil {
		t.Fatalf("call-next: %v", err)
	}
	if res.Served.AppointmentID != early {
		t.Fatalf("served = %s, want the earlier slot (%s)", res.Served.AppointmentID, early)
	}
}

func TestCallNextEmptyQueue(t *testing.T) {
	svc, _, notifier, _ := newTestService(nil)
	ctx := context.Background()

	res, err := svc.CallNext(ctx, testDate)
	if err != nil {
		t.Fatalf("call-next on empty queue: %v", err)
	}
	if !res.Empty || res.Served != nil {
		t.Fatalf("expected empty result, got %+v", res)
	}
	if len(notifier.Versions()) != 0 {
		t.Fatal("empty call-next must not publish a change")
	}

	snap, err := svc.QueueSnapshot(ctx, testDate)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Version != 0 {
		t.Fatalf("empty call-next mutated state: version = %d", snap.Version)
	}
}

// Two concurrent call-next calls must never leave two patients serving. The
// loser retries against post-commit state and promotes the next in line.
func TestCallNextConcurrent(t *testing.T) {
	svc, repo, _, clock := newTestService(nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		id := seedScheduled(repo, "P", "09:00")
		if _, err := svc.CheckIn(ctx, id, OriginStaff); err != nil {
			t.Fatalf("check-in: %v", err)
		}
		clock.Advance(time.Minute)
	}

	const callers = 2
	results := make([]CallNextResult, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.CallNext(ctx, testDate)
		}(i)
	}
	wg.Wait()

	served := make(map[uuid.UUID]bool)
	for i := 0; i < callers; i++ {
		if errs[i] != nil && !errors.Is(errs[i], ErrTransientFailure) {
			t.Fatalf("caller %d: unexpected error %v", i, errs[i])
		}
		if errs[i] == nil && !results[i].Empty {
			if served[results[i].Served.AppointmentID] {
				t.Fatalf("appointment %s promoted twice", results[i].Served.AppointmentID)
			}
			served[results[i].Served.AppointmentID] = true
		}
	}

	// Exactly one entry serving afterwards, regardless of interleaving.
	snap, err := svc.QueueSnapshot(ctx, testDate)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.NowServing == nil {
		t.Fatal("no serving entry after concurrent call-next")
	}

	serving := 0
	for id := range served {
		appt, err := repo.GetAppointmentByID(ctx, id)
		if err != nil {
			t.Fatalf("load appointment: %v", err)
		}
		if appt.Status == StatusNowServing {
			serving++
		}
	}
	if serving > 1 {
		t.Fatalf("%d appointments NowServing, want at most 1", serving)
	}
}

type contendedLocker struct{}

func (contendedLocker) WithQueueLock(ctx context.Context, date string, fn func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

// A held day lock must make the caller wait between attempts instead of
// burning all of them instantly.
func TestCallNextBacksOffOnLockContention(t *testing.T) {
	svc, _, _, _ := newTestService(nil)
	svc.locker = contendedLocker{}

	var pauses []int
	svc.backoff = func(attempt int) time.Duration {
		pauses = append(pauses, attempt)
		return 0
	}

	_, err := svc.CallNext(context.Background(), testDate)
	if !errors.Is(err, ErrTransientFailure) {
		t.Fatalf("got %v, want ErrTransientFailure", err)
	}

	// Three attempts, a pause after each but the last.
	if len(pauses) != 2 || pauses[0] != 0 || pauses[1] != 1 {
		t.Fatalf("backoff pauses = %v, want [0 1]", pauses)
	}
}

func TestCallNextBackoffHonorsContext(t *testing.T) {
	svc, _, _, _ := newTestService(nil)
	svc.locker = contendedLocker{}
	svc.backoff = func(int) time.Duration { return time.Minute }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.CallNext(ctx, testDate)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestSetStatusCancel(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	ctx := context.Background()

	id := seedScheduled(repo, "Alice", "09:00")
	if _, err := svc.CheckIn(ctx, id, OriginStaff); err != nil {
		t.Fatalf("check-in: %v", err)
	}

	res, err := svc.SetStatus(ctx, id, StatusCancelled, "staff-01")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if res.Appointment.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", res.Appointment.Status, StatusCancelled)
	}

	// The entry left the waiting line.
	waiting, _ := repo.ListWaiting(ctx, testDate)
	if len(waiting) != 0 {
		t.Fatalf("cancelled patient still waiting: %+v", waiting)
	}

	// The retired entry keeps the cancellation as its outcome; it must not
	// read back as a completed visit.
	snap, err := svc.QueueSnapshot(ctx, testDate)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Recent) != 1 {
		t.Fatalf("retired entries = %d, want 1", len(snap.Recent))
	}
	if snap.Recent[0].Outcome != StatusCancelled {
		t.Fatalf("retired outcome = %s, want %s", snap.Recent[0].Outcome, StatusCancelled)
	}
}

func TestSnapshotOutcomePerTerminalStatus(t *testing.T) {
	for _, outcome := range []Status{StatusCancelled, StatusNotShowed, StatusAdmitted} {
		svc, repo, _, _ := newTestService(nil)
		ctx := context.Background()

		id := seedScheduled(repo, "Alice", "09:00")
		if _, err := svc.CheckIn(ctx, id, OriginStaff); err != nil {
			t.Fatalf("check-in: %v", err)
		}
		if _, err := svc.SetStatus(ctx, id, outcome, "staff-01"); err != nil {
			t.Fatalf("set status %s: %v", outcome, err)
		}

		snap, err := svc.QueueSnapshot(ctx, testDate)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if len(snap.Recent) != 1 || snap.Recent[0].Outcome != outcome {
			t.Fatalf("retired outcome = %+v, want %s", snap.Recent, outcome)
		}
	}
}

func TestSetStatusCancelledToWaitingRejected(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	ctx := context.Background()

	id := seedScheduled(repo, "Alice", "09:00")
	if _, err := svc.SetStatus(ctx, id, StatusCancelled, "staff-01"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := svc.SetStatus(ctx, id, StatusWaiting, "staff-01"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestSetStatusTerminalIdempotent(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusCancelled, StatusNotShowed, StatusAdmitted}
	targets := []Status{StatusScheduled, StatusWaiting, StatusCompleted, StatusCancelled, StatusNotShowed, StatusAdmitted}

	for _, from := range terminal {
		svc, repo, _, _ := newTestService(nil)
		ctx := context.Background()

		id := uuid.New()
		repo.SeedAppointment(&Appointment{
			ID:        id,
			PatientID: uuid.New(),
			Date:      testDate,
			TimeSlot:  "09:00",
			Status:    from,
		})

		for _, to := range targets {
			if _, err := svc.SetStatus(ctx, id, to, "staff-01"); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("%s -> %s: got %v, want ErrInvalidTransition", from, to, err)
			}
			appt, _ := repo.GetAppointmentByID(ctx, id)
			if appt.Status != from {
				t.Fatalf("%s mutated to %s on rejected transition", from, appt.Status)
			}
		}
	}
}

func TestSetStatusNowServingRejected(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	ctx := context.Background()

	id := seedScheduled(repo, "Alice", "09:00")
	if _, err := svc.CheckIn(ctx, id, OriginStaff); err != nil {
		t.Fatalf("check-in: %v", err)
	}

	// Promotion belongs to call-next, not to setStatus.
	if _, err := svc.SetStatus(ctx, id, StatusNowServing, "staff-01"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got %v, want ErrInvalidTransition", err)
	}
}

func TestSetStatusAdmittedSignalsCollaborator(t *testing.T) {
	admitter := &fakeAdmitter{}
	svc, repo, _, _ := newTestService(admitter)
	ctx := context.Background()

	id := seedScheduled(repo, "Alice", "09:00")
	if _, err := svc.CheckIn(ctx, id, OriginStaff); err != nil {
		t.Fatalf("check-in: %v", err)
	}

	res, err := svc.SetStatus(ctx, id, StatusAdmitted, "staff-01")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if res.AdmitSignalFailed {
		t.Fatal("admit signal flagged as failed")
	}

	appt, _ := repo.GetAppointmentByID(ctx, id)
	if len(admitter.calls) != 1 || admitter.calls[0] != appt.PatientID {
		t.Fatalf("admitter calls = %v, want one call with %s", admitter.calls, appt.PatientID)
	}
}

// A collaborator failure is a warning, never a rollback.
func TestSetStatusAdmittedCollaboratorFailureNonFatal(t *testing.T) {
	admitter := &fakeAdmitter{err: errors.New("record service down")}
	svc, repo, _, _ := newTestService(admitter)
	ctx := context.Background()

	id := seedScheduled(repo, "Alice", "09:00")

	res, err := svc.SetStatus(ctx, id, StatusAdmitted, "staff-01")
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !res.AdmitSignalFailed {
		t.Fatal("expected admit signal failure to be reported")
	}

	appt, _ := repo.GetAppointmentByID(ctx, id)
	if appt.Status != StatusAdmitted {
		t.Fatalf("status = %s, want %s despite collaborator failure", appt.Status, StatusAdmitted)
	}
}

func TestReconcileStaleServing(t *testing.T) {
	svc, repo, _, clock := newTestService(nil)
	ctx := context.Background()

	id := seedScheduled(repo, "Alice", "09:00")
	if _, err := svc.CheckIn(ctx, id, OriginStaff); err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if _, err := svc.CallNext(ctx, testDate); err != nil {
		t.Fatalf("call-next: %v", err)
	}

	// Within the TTL nothing is stale.
	clock.Advance(time.Hour)
	n, err := svc.ReconcileStaleServing(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 0 {
		t.Fatalf("reconciled %d entries inside the TTL, want 0", n)
	}

	// A crashed terminal left the entry serving past the TTL.
	clock.Advance(2 * time.Hour)
	n, err = svc.ReconcileStaleServing(ctx)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("reconciled %d entries, want 1", n)
	}

	appt, _ := repo.GetAppointmentByID(ctx, id)
	if appt.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s after reconciliation", appt.Status, StatusCompleted)
	}

	snap, _ := svc.QueueSnapshot(ctx, testDate)
	if snap.NowServing != nil {
		t.Fatal("serving entry survived reconciliation")
	}
}

// Observers rely on versions advancing with every committed mutation.
func TestNotifierVersionsStrictlyIncrease(t *testing.T) {
	svc, repo, notifier, clock := newTestService(nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := seedScheduled(repo, "P", "09:00")
		if _, err := svc.CheckIn(ctx, id, OriginStaff); err != nil {
			t.Fatalf("check-in: %v", err)
		}
		clock.Advance(time.Minute)
	}
	if _, err := svc.CallNext(ctx, testDate); err != nil {
		t.Fatalf("call-next: %v", err)
	}

	versions := notifier.Versions()
	if len(versions) != 4 {
		t.Fatalf("expected 4 notifications, got %d", len(versions))
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Fatalf("versions not strictly increasing: %v", versions)
		}
	}
}

func TestEventLogWritten(t *testing.T) {
	svc, repo, _, _ := newTestService(nil)
	ctx := context.Background()

	id := seedScheduled(repo, "Alice", "09:00")
	if _, err := svc.CheckIn(ctx, id, OriginPatient); err != nil {
		t.Fatalf("check-in: %v", err)
	}
	if _, err := svc.CallNext(ctx, testDate); err != nil {
		t.Fatalf("call-next: %v", err)
	}

	events := repo.Events()
	if len(events) != 2 {
		t.Fatalf("expected 2 audit events, got %d", len(events))
	}
	if events[0].EventType != EventCheckedIn || events[1].EventType != EventCalledNext {
		t.Fatalf("unexpected event types: %s, %s", events[0].EventType, events[1].EventType)
	}
}
