package store

import (
	"testing"

	"clinicq/internal/models"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from string
		to   string
		want bool
	}{
		{models.StatusBooked, models.StatusConfirmed, true},
		{models.StatusBooked, models.StatusCheckedIn, true},
		{models.StatusBooked, models.StatusInTreatment, false},
		{models.StatusConfirmed, models.StatusCheckedIn, true},
		{models.StatusConfirmed, models.StatusBooked, false},
		{models.StatusCheckedIn, models.StatusWaiting, true},
		{models.StatusWaiting, models.StatusCalled, true},
		{models.StatusWaiting, models.StatusInTreatment, false},
		{models.StatusCalled, models.StatusInTreatment, true},
		{models.StatusCalled, models.StatusWaiting, false},
		{models.StatusInTreatment, models.StatusCompleted, true},
		{models.StatusInTreatment, models.StatusCancelled, true},
		{models.StatusCompleted, models.StatusFeedbackScheduled, true},
		{models.StatusCompleted, models.StatusCancelled, false},
		{models.StatusFeedbackScheduled, models.StatusFeedbackSent, true},
		{models.StatusFeedbackSent, models.StatusFeedbackScheduled, false},
		{models.StatusCancelled, models.StatusWaiting, false},
		{models.StatusNoShow, models.StatusCheckedIn, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCancellableFromEveryPreTreatmentState(t *testing.T) {
	for _, from := range []string{
		models.StatusBooked,
		models.StatusConfirmed,
		models.StatusCheckedIn,
		models.StatusWaiting,
		models.StatusCalled,
		models.StatusInTreatment,
	} {
		if !CanTransition(from, models.StatusCancelled) {
			t.Errorf("expected %s -> cancelled to be allowed", from)
		}
		if !CanTransition(from, models.StatusNoShow) {
			t.Errorf("expected %s -> no_show to be allowed", from)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, status := range []string{models.StatusFeedbackSent, models.StatusCancelled, models.StatusNoShow} {
		if !Terminal(status) {
			t.Errorf("expected %s to be terminal", status)
		}
	}
	for _, status := range []string{models.StatusWaiting, models.StatusCompleted, models.StatusFeedbackScheduled} {
		if Terminal(status) {
			t.Errorf("expected %s to be non-terminal", status)
		}
	}
	if Terminal("unknown") {
		t.Errorf("unknown status must not report terminal")
	}
}

func TestActiveInQueue(t *testing.T) {
	active := map[string]bool{
		models.StatusWaiting:     true,
		models.StatusCalled:      true,
		models.StatusInTreatment: true,
		models.StatusBooked:      false,
		models.StatusCompleted:   false,
		models.StatusCancelled:   false,
		models.StatusNoShow:      false,
	}
	for status, want := range active {
		if got := ActiveInQueue(status); got != want {
			t.Errorf("ActiveInQueue(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestNormalizeStatus(t *testing.T) {
	cases := map[string]string{
		"in_service":             models.StatusInTreatment,
		"serving":                models.StatusInTreatment,
		"done":                   models.StatusCompleted,
		"canceled":               models.StatusCancelled,
		"noshow":                 models.StatusNoShow,
		models.StatusWaiting:     models.StatusWaiting,
		models.StatusInTreatment: models.StatusInTreatment,
	}
	for raw, want := range cases {
		if got := NormalizeStatus(raw); got != want {
			t.Errorf("NormalizeStatus(%s) = %s, want %s", raw, got, want)
		}
	}
}
