package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"clinicq/internal/models"
	"clinicq/internal/store"
	"clinicq/internal/store/memory"

	"github.com/rs/zerolog"
)

var baseTime = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func completedVisit(t *testing.T, s *memory.Store) models.Visit {
	t.Helper()
	ctx := context.Background()
	visit, _, err := s.CreateVisit(ctx, store.CreateVisitInput{
		ClinicID:     "clinic-1",
		ServiceID:    "svc-cleaning",
		PatientPhone: "+60123456789",
		ScheduledAt:  baseTime,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	action := store.VisitActionInput{ClinicID: "clinic-1", VisitID: visit.VisitID}
	if _, _, err := s.CheckIn(ctx, action); err != nil {
		t.Fatalf("check in: %v", err)
	}
	if _, _, err := s.CallNext(ctx, action); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, _, err := s.BeginTreatment(ctx, action); err != nil {
		t.Fatalf("begin: %v", err)
	}
	done, _, err := s.CompleteTreatment(ctx, action)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return done
}

func newSeededStore() *memory.Store {
	s := memory.NewStore(memory.Options{
		Now:           func() time.Time { return baseTime },
		FeedbackDelay: time.Hour,
	})
	s.SeedClinic("clinic-1")
	s.SeedService(models.Service{
		ServiceID: "svc-cleaning", ClinicID: "clinic-1", Code: "CLN",
		DurationMinutes: 30, Active: true,
	})
	s.SeedRoom(models.Room{RoomID: "room-a", ClinicID: "clinic-1", Name: "Room A", Active: true})
	s.SeedDentist(models.Dentist{DentistID: "dent-a", ClinicID: "clinic-1", Name: "Dr A", Active: true})
	return s
}

func TestTickSendsDueFeedback(t *testing.T) {
	s := newSeededStore()
	visit := completedVisit(t, s)

	var sent []string
	sender := FuncSender(func(ctx context.Context, v models.Visit) error {
		sent = append(sent, v.VisitID)
		return nil
	})
	d := New(s, sender, zerolog.Nop(), Config{
		Now: func() time.Time { return baseTime.Add(2 * time.Hour) },
	})
	d.Tick(context.Background())

	if len(sent) != 1 || sent[0] != visit.VisitID {
		t.Fatalf("sent = %v, want [%s]", sent, visit.VisitID)
	}
	got, err := s.GetVisit(context.Background(), "clinic-1", visit.VisitID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusFeedbackSent {
		t.Fatalf("status = %s, want feedback_sent", got.Status)
	}
	if got.FeedbackSentAt == nil {
		t.Fatalf("feedback_sent_at missing")
	}
}

func TestTickSkipsNotYetDue(t *testing.T) {
	s := newSeededStore()
	completedVisit(t, s)

	calls := 0
	sender := FuncSender(func(ctx context.Context, v models.Visit) error {
		calls++
		return nil
	})
	// half an hour after completion, the one-hour delay has not elapsed
	d := New(s, sender, zerolog.Nop(), Config{
		Now: func() time.Time { return baseTime.Add(30 * time.Minute) },
	})
	d.Tick(context.Background())

	if calls != 0 {
		t.Fatalf("sender called %d times before due", calls)
	}
}

func TestTickLeavesScheduledOnSendFailure(t *testing.T) {
	s := newSeededStore()
	visit := completedVisit(t, s)

	sender := FuncSender(func(ctx context.Context, v models.Visit) error {
		return errors.New("gateway down")
	})
	d := New(s, sender, zerolog.Nop(), Config{
		Now: func() time.Time { return baseTime.Add(2 * time.Hour) },
	})
	d.Tick(context.Background())

	got, err := s.GetVisit(context.Background(), "clinic-1", visit.VisitID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusFeedbackScheduled {
		t.Fatalf("status = %s, want feedback_scheduled after failed send", got.Status)
	}

	// the next tick must not pick the scheduled visit up again
	d.Tick(context.Background())
	got, _ = s.GetVisit(context.Background(), "clinic-1", visit.VisitID)
	if got.Status != models.StatusFeedbackScheduled {
		t.Fatalf("status = %s after second tick, want feedback_scheduled", got.Status)
	}
}
