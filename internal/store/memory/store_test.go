package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"
)

var baseTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(Options{
		Now:                   func() time.Time { return baseTime },
		AutoTransitionSeconds: 120,
	})
	s.SeedClinic("clinic-1")
	s.SeedService(models.Service{
		ServiceID:       "svc-cleaning",
		ClinicID:        "clinic-1",
		Name:            "Cleaning",
		Code:            "CLN",
		DurationMinutes: 30,
		Active:          true,
	})
	return s
}

func seedRooms(s *Store, n int) {
	for i := 0; i < n; i++ {
		s.SeedRoom(models.Room{
			RoomID:   "room-" + string(rune('a'+i)),
			ClinicID: "clinic-1",
			Name:     "Room " + string(rune('A'+i)),
			Active:   true,
		})
		s.SeedDentist(models.Dentist{
			DentistID: "dent-" + string(rune('a'+i)),
			ClinicID:  "clinic-1",
			Name:      "Dr " + string(rune('A'+i)),
			Active:    true,
		})
	}
}

func createWaiting(t *testing.T, s *Store) models.Visit {
	t.Helper()
	ctx := context.Background()
	visit, created, err := s.CreateVisit(ctx, store.CreateVisitInput{
		ClinicID:    "clinic-1",
		ServiceID:   "svc-cleaning",
		PatientName: "Pat",
		ScheduledAt: baseTime,
	})
	if err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	if !created {
		t.Fatalf("expected a fresh visit")
	}
	visit, _, err = s.CheckIn(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID})
	if err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	return visit
}

func TestCreateVisitIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	input := store.CreateVisitInput{
		RequestID:   "req-1",
		ClinicID:    "clinic-1",
		ServiceID:   "svc-cleaning",
		PatientName: "Pat",
		ScheduledAt: baseTime,
	}
	first, created, err := s.CreateVisit(ctx, input)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	second, created, err := s.CreateVisit(ctx, input)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatalf("duplicate request must not create a second visit")
	}
	if second.VisitID != first.VisitID {
		t.Fatalf("duplicate request returned a different visit: %s vs %s", second.VisitID, first.VisitID)
	}
}

func TestCreateVisitUnknownService(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.CreateVisit(context.Background(), store.CreateVisitInput{
		ClinicID:    "clinic-1",
		ServiceID:   "svc-missing",
		ScheduledAt: baseTime,
	})
	if !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestCheckInAssignsSequentialPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		visit := createWaiting(t, s)
		pos, ok, err := s.PositionFor(ctx, "clinic-1", visit.VisitID)
		if err != nil || !ok {
			t.Fatalf("PositionFor: ok=%v err=%v", ok, err)
		}
		if pos != want {
			t.Fatalf("position = %d, want %d", pos, want)
		}
	}
}

func TestConcurrentCheckInPositionsUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 40
	visitIDs := make([]string, n)
	for i := range visitIDs {
		visit, _, err := s.CreateVisit(ctx, store.CreateVisitInput{
			ClinicID:    "clinic-1",
			ServiceID:   "svc-cleaning",
			ScheduledAt: baseTime,
		})
		if err != nil {
			t.Fatalf("CreateVisit: %v", err)
		}
		visitIDs[i] = visit.VisitID
	}

	var wg sync.WaitGroup
	for _, visitID := range visitIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, _, err := s.CheckIn(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: id}); err != nil {
				t.Errorf("CheckIn %s: %v", id, err)
			}
		}(visitID)
	}
	wg.Wait()

	seen := make(map[int]string, n)
	for _, visitID := range visitIDs {
		pos, ok, err := s.PositionFor(ctx, "clinic-1", visitID)
		if err != nil || !ok {
			t.Fatalf("PositionFor %s: ok=%v err=%v", visitID, ok, err)
		}
		if holder, dup := seen[pos]; dup {
			t.Fatalf("position %d assigned to both %s and %s", pos, holder, visitID)
		}
		seen[pos] = visitID
		if pos < 1 || pos > n {
			t.Fatalf("position %d out of range 1..%d", pos, n)
		}
	}
}

func TestCallNextBindsResources(t *testing.T) {
	s := newTestStore(t)
	seedRooms(s, 1)
	ctx := context.Background()

	visit := createWaiting(t, s)
	visit, entry, err := s.CallNext(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID})
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if visit.Status != models.StatusCalled {
		t.Fatalf("status = %s, want called", visit.Status)
	}
	if entry.RoomID == nil || entry.DentistID == nil {
		t.Fatalf("expected room and dentist bound, got %+v", entry)
	}
	if entry.CalledAt == nil {
		t.Fatalf("expected called_at set")
	}
}

func TestCreateVisitRejectsDentistFromOtherClinic(t *testing.T) {
	s := newTestStore(t)
	s.SeedClinic("clinic-2")
	s.SeedDentist(models.Dentist{
		DentistID: "dent-foreign",
		ClinicID:  "clinic-2",
		Name:      "Dr Elsewhere",
		Active:    true,
	})
	ctx := context.Background()

	_, _, err := s.CreateVisit(ctx, store.CreateVisitInput{
		ClinicID:    "clinic-1",
		ServiceID:   "svc-cleaning",
		DentistID:   "dent-foreign",
		PatientName: "Pat",
		ScheduledAt: baseTime,
	})
	if !errors.Is(err, store.ErrResourceNotFound) {
		t.Fatalf("CreateVisit err = %v, want ErrResourceNotFound", err)
	}
}

// A preferred dentist registered at another clinic must never be bound;
// callNext falls back to the clinic's own free dentists.
func TestCallNextIgnoresForeignPreferredDentist(t *testing.T) {
	s := newTestStore(t)
	seedRooms(s, 1)
	s.SeedClinic("clinic-2")
	s.SeedDentist(models.Dentist{
		DentistID: "dent-foreign",
		ClinicID:  "clinic-2",
		Name:      "Dr Elsewhere",
		Active:    true,
	})
	ctx := context.Background()

	visit := createWaiting(t, s)
	s.mu.Lock()
	foreign := "dent-foreign"
	s.visits[visit.VisitID].DentistID = &foreign
	s.mu.Unlock()

	_, entry, err := s.CallNext(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID})
	if err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if entry.DentistID == nil {
		t.Fatalf("expected a dentist bound, got %+v", entry)
	}
	if *entry.DentistID != "dent-a" {
		t.Fatalf("bound dentist = %s, want the clinic's own dent-a", *entry.DentistID)
	}
}

// One free room, two concurrent calls: exactly one wins, the other gets
// a no-resource error so it can surface to staff.
func TestConcurrentCallNextOneRoom(t *testing.T) {
	s := newTestStore(t)
	seedRooms(s, 1)
	ctx := context.Background()

	first := createWaiting(t, s)
	second := createWaiting(t, s)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, visitID := range []string{first.VisitID, second.VisitID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _, err := s.CallNext(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: id})
			errs <- err
		}(visitID)
	}
	wg.Wait()
	close(errs)

	wins, losses := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrNoResourceAvailable):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || losses != 1 {
		t.Fatalf("wins=%d losses=%d, want exactly one of each", wins, losses)
	}
}

func TestCallNextNoFreeRoom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	visit := createWaiting(t, s)
	_, _, err := s.CallNext(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID})
	if !errors.Is(err, store.ErrNoResourceAvailable) {
		t.Fatalf("expected ErrNoResourceAvailable, got %v", err)
	}
}

func TestAssignResourcesRejectsBoundRoom(t *testing.T) {
	s := newTestStore(t)
	seedRooms(s, 2)
	ctx := context.Background()

	holder := createWaiting(t, s)
	if _, err := s.AssignResources(ctx, store.AssignInput{
		ClinicID: "clinic-1", VisitID: holder.VisitID, RoomID: "room-a", DentistID: "dent-a",
	}); err != nil {
		t.Fatalf("first assign: %v", err)
	}

	intruder := createWaiting(t, s)
	_, err := s.AssignResources(ctx, store.AssignInput{
		ClinicID: "clinic-1", VisitID: intruder.VisitID, RoomID: "room-a", DentistID: "dent-b",
	})
	if !errors.Is(err, store.ErrResourceAlreadyBound) {
		t.Fatalf("expected ErrResourceAlreadyBound, got %v", err)
	}
}

func TestBeginTreatmentIdempotent(t *testing.T) {
	s := newTestStore(t)
	seedRooms(s, 1)
	ctx := context.Background()

	visit := createWaiting(t, s)
	action := store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID}
	if _, _, err := s.CallNext(ctx, action); err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	first, _, err := s.BeginTreatment(ctx, action)
	if err != nil {
		t.Fatalf("BeginTreatment: %v", err)
	}
	// staff button and auto-transition timer may race on the same visit
	second, _, err := s.BeginTreatment(ctx, action)
	if err != nil {
		t.Fatalf("repeat BeginTreatment: %v", err)
	}
	if second.Status != models.StatusInTreatment {
		t.Fatalf("status = %s after repeat, want in_treatment", second.Status)
	}
	if first.TreatmentStartedAt == nil || second.TreatmentStartedAt == nil ||
		!first.TreatmentStartedAt.Equal(*second.TreatmentStartedAt) {
		t.Fatalf("repeat begin must not move treatment_started_at")
	}
}

// Cancelling a visit in treatment releases its room so the next call
// can bind it.
func TestCancelReleasesResources(t *testing.T) {
	s := newTestStore(t)
	seedRooms(s, 1)
	ctx := context.Background()

	first := createWaiting(t, s)
	action := store.VisitActionInput{ClinicID: "clinic-1", VisitID: first.VisitID}
	if _, _, err := s.CallNext(ctx, action); err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if _, _, err := s.BeginTreatment(ctx, action); err != nil {
		t.Fatalf("BeginTreatment: %v", err)
	}
	if _, err := s.CancelVisit(ctx, store.VisitActionInput{
		ClinicID: "clinic-1", VisitID: first.VisitID, Reason: "patient left",
	}); err != nil {
		t.Fatalf("CancelVisit: %v", err)
	}

	second := createWaiting(t, s)
	_, entry, err := s.CallNext(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: second.VisitID})
	if err != nil {
		t.Fatalf("CallNext after cancel: %v", err)
	}
	if entry.RoomID == nil || *entry.RoomID != "room-a" {
		t.Fatalf("expected released room rebound, got %+v", entry.RoomID)
	}
}

func TestCompleteSchedulesFeedback(t *testing.T) {
	s := newTestStore(t)
	seedRooms(s, 1)
	ctx := context.Background()

	visit := createWaiting(t, s)
	action := store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID}
	if _, _, err := s.CallNext(ctx, action); err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if _, _, err := s.BeginTreatment(ctx, action); err != nil {
		t.Fatalf("BeginTreatment: %v", err)
	}
	done, _, err := s.CompleteTreatment(ctx, action)
	if err != nil {
		t.Fatalf("CompleteTreatment: %v", err)
	}
	if done.FeedbackDueAt == nil {
		t.Fatalf("expected feedback_due_at set on completion")
	}
	want := baseTime.Add(time.Hour)
	if !done.FeedbackDueAt.Equal(want) {
		t.Fatalf("feedback_due_at = %v, want %v", done.FeedbackDueAt, want)
	}

	due, err := s.ListFeedbackDue(ctx, want, 10)
	if err != nil {
		t.Fatalf("ListFeedbackDue: %v", err)
	}
	if len(due) != 1 || due[0].VisitID != visit.VisitID {
		t.Fatalf("feedback due list = %+v", due)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	visit, _, err := s.CreateVisit(ctx, store.CreateVisitInput{
		ClinicID:    "clinic-1",
		ServiceID:   "svc-cleaning",
		ScheduledAt: baseTime,
	})
	if err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	// booked visit has no queue entry, so treatment cannot begin
	_, _, err = s.BeginTreatment(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID})
	if !errors.Is(err, store.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}

	if _, err := s.CancelVisit(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID}); err != nil {
		t.Fatalf("CancelVisit: %v", err)
	}
	_, err = s.ConfirmVisit(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from terminal state, got %v", err)
	}
}

func TestListQueueExcludesTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	keep := createWaiting(t, s)
	drop := createWaiting(t, s)
	if _, err := s.MarkNoShow(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: drop.VisitID}); err != nil {
		t.Fatalf("MarkNoShow: %v", err)
	}

	rows, err := s.ListQueue(ctx, "clinic-1", models.QueueDay(baseTime))
	if err != nil {
		t.Fatalf("ListQueue: %v", err)
	}
	if len(rows) != 1 || rows[0].Entry.VisitID != keep.VisitID {
		t.Fatalf("queue rows = %+v, want only %s", rows, keep.VisitID)
	}

	// next check-in continues the sequence past the voided entry
	next := createWaiting(t, s)
	pos, _, err := s.PositionFor(ctx, "clinic-1", next.VisitID)
	if err != nil {
		t.Fatalf("PositionFor: %v", err)
	}
	if pos != 3 {
		t.Fatalf("position = %d, want 3 (gaps stay)", pos)
	}
}

func TestAutoBeginDueRespectsPauseAndWindow(t *testing.T) {
	now := baseTime
	s := NewStore(Options{
		Now:                   func() time.Time { return now },
		AutoTransitionSeconds: 120,
	})
	s.SeedClinic("clinic-1")
	s.SeedService(models.Service{
		ServiceID: "svc-cleaning", ClinicID: "clinic-1", Code: "CLN",
		DurationMinutes: 30, Active: true,
	})
	seedRooms(s, 1)
	ctx := context.Background()

	visit := createWaiting(t, s)
	if _, _, err := s.CallNext(ctx, store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID}); err != nil {
		t.Fatalf("CallNext: %v", err)
	}

	// window not elapsed yet
	promoted, err := s.AutoBeginDue(ctx, 10)
	if err != nil || promoted != 0 {
		t.Fatalf("early tick: promoted=%d err=%v", promoted, err)
	}

	now = baseTime.Add(121 * time.Second)
	if _, err := s.PauseQueue(ctx, "clinic-1", now); err != nil {
		t.Fatalf("PauseQueue: %v", err)
	}
	promoted, err = s.AutoBeginDue(ctx, 10)
	if err != nil || promoted != 0 {
		t.Fatalf("paused tick: promoted=%d err=%v", promoted, err)
	}

	if _, err := s.ResumeQueue(ctx, "clinic-1", now); err != nil {
		t.Fatalf("ResumeQueue: %v", err)
	}
	promoted, err = s.AutoBeginDue(ctx, 10)
	if err != nil || promoted != 1 {
		t.Fatalf("resumed tick: promoted=%d err=%v", promoted, err)
	}

	got, err := s.GetVisit(ctx, "clinic-1", visit.VisitID)
	if err != nil {
		t.Fatalf("GetVisit: %v", err)
	}
	if got.Status != models.StatusInTreatment {
		t.Fatalf("status = %s, want in_treatment after auto promotion", got.Status)
	}
}

func TestReconcileAndReset(t *testing.T) {
	s := newTestStore(t)
	seedRooms(s, 1)
	ctx := context.Background()

	// fabricate drift: stored flag occupied with no in-treatment binding
	s.mu.Lock()
	s.roomStatus["room-a"] = "occupied"
	s.mu.Unlock()

	stale, err := s.ReconcileResources(ctx, "clinic-1")
	if err != nil {
		t.Fatalf("ReconcileResources: %v", err)
	}
	if len(stale) != 1 || stale[0].ResourceID != "room-a" || stale[0].Kind != models.ResourceRoom {
		t.Fatalf("stale = %+v, want room-a", stale)
	}

	if err := s.ResetResourceStatus(ctx, "clinic-1", models.ResourceRoom, "room-a"); err != nil {
		t.Fatalf("ResetResourceStatus: %v", err)
	}
	stale, err = s.ReconcileResources(ctx, "clinic-1")
	if err != nil {
		t.Fatalf("ReconcileResources after reset: %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("expected no stale resources after reset, got %+v", stale)
	}
}

func TestResetRefusesLiveBinding(t *testing.T) {
	s := newTestStore(t)
	seedRooms(s, 1)
	ctx := context.Background()

	visit := createWaiting(t, s)
	action := store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID}
	if _, _, err := s.CallNext(ctx, action); err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if _, _, err := s.BeginTreatment(ctx, action); err != nil {
		t.Fatalf("BeginTreatment: %v", err)
	}

	err := s.ResetResourceStatus(ctx, "clinic-1", models.ResourceRoom, "room-a")
	if !errors.Is(err, store.ErrResourceAlreadyBound) {
		t.Fatalf("expected ErrResourceAlreadyBound for live binding, got %v", err)
	}
}

func TestOutboxRecordsEveryTransition(t *testing.T) {
	s := newTestStore(t)
	seedRooms(s, 1)
	ctx := context.Background()

	visit := createWaiting(t, s)
	action := store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID}
	if _, _, err := s.CallNext(ctx, action); err != nil {
		t.Fatalf("CallNext: %v", err)
	}

	events, err := s.ListOutboxEvents(ctx, "clinic-1", time.Time{}, 100)
	if err != nil {
		t.Fatalf("ListOutboxEvents: %v", err)
	}
	// booked, checked_in, waiting, called
	wantSequence := []string{
		models.StatusBooked,
		models.StatusCheckedIn,
		models.StatusWaiting,
		models.StatusCalled,
	}
	if len(events) != len(wantSequence) {
		t.Fatalf("got %d events, want %d", len(events), len(wantSequence))
	}
	for i, event := range events {
		if event.Type != store.EventVisitStateChanged {
			t.Fatalf("event %d type = %s", i, event.Type)
		}
		change, err := store.DecodeStateChange(event.Payload)
		if err != nil {
			t.Fatalf("decode event %d: %v", i, err)
		}
		if change.Next != wantSequence[i] {
			t.Fatalf("event %d next = %s, want %s", i, change.Next, wantSequence[i])
		}
	}
}

func TestEstimateSnapshotShape(t *testing.T) {
	s := newTestStore(t)
	seedRooms(s, 2)
	ctx := context.Background()

	first := createWaiting(t, s)
	firstAction := store.VisitActionInput{ClinicID: "clinic-1", VisitID: first.VisitID}
	if _, _, err := s.CallNext(ctx, firstAction); err != nil {
		t.Fatalf("CallNext: %v", err)
	}
	if _, _, err := s.BeginTreatment(ctx, firstAction); err != nil {
		t.Fatalf("BeginTreatment: %v", err)
	}
	second := createWaiting(t, s)
	target := createWaiting(t, s)

	input, err := s.EstimateSnapshot(ctx, "clinic-1", target.VisitID)
	if err != nil {
		t.Fatalf("EstimateSnapshot: %v", err)
	}
	if len(input.Ahead) != 2 {
		t.Fatalf("ahead = %d, want 2 (in-treatment and waiting entries)", len(input.Ahead))
	}
	if input.Ahead[0].VisitID != first.VisitID || input.Ahead[1].VisitID != second.VisitID {
		t.Fatalf("ahead order wrong: %+v", input.Ahead)
	}
	if input.FreeRooms != 1 {
		t.Fatalf("free rooms = %d, want 1 (one of two in treatment)", input.FreeRooms)
	}
	if len(input.InTreatment) != 1 || input.InTreatment[0].VisitID != first.VisitID {
		t.Fatalf("in treatment = %+v", input.InTreatment)
	}
}
