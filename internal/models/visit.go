package models

import "time"

// Visit is one patient's scheduled treatment episode. It is created by the
// booking collaborator and mutated only through the store's transition
// operations. Visits are never deleted; terminal states stay on record.
type Visit struct {
	VisitID      string     `json:"visit_id"`
	VisitCode    string     `json:"visit_code"`
	VisitToken   string     `json:"visit_token,omitempty"`
	ClinicID     string     `json:"clinic_id,omitempty"`
	ServiceID    string     `json:"service_id,omitempty"`
	DentistID    *string    `json:"dentist_id,omitempty"`
	PatientName  string     `json:"patient_name,omitempty"`
	PatientPhone string     `json:"patient_phone,omitempty"`
	PatientEmail string     `json:"patient_email,omitempty"`
	Status       string     `json:"status"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	CreatedAt    time.Time  `json:"created_at"`
	RequestID    string     `json:"request_id,omitempty"`

	// ServiceMinutes is the expected treatment duration, denormalized from
	// the service so ETA reads need no extra lookup.
	ServiceMinutes int `json:"service_minutes,omitempty"`

	CheckedInAt        *time.Time `json:"checked_in_at,omitempty"`
	TreatmentStartedAt *time.Time `json:"treatment_started_at,omitempty"`
	TreatmentEndedAt   *time.Time `json:"treatment_ended_at,omitempty"`
	FeedbackDueAt      *time.Time `json:"feedback_due_at,omitempty"`
	FeedbackSentAt     *time.Time `json:"feedback_sent_at,omitempty"`
	CancelReason       string     `json:"cancel_reason,omitempty"`
}

const (
	StatusBooked            = "booked"
	StatusConfirmed         = "confirmed"
	StatusCheckedIn         = "checked_in"
	StatusWaiting           = "waiting"
	StatusCalled            = "called"
	StatusInTreatment       = "in_treatment"
	StatusCompleted         = "completed"
	StatusFeedbackScheduled = "feedback_scheduled"
	StatusFeedbackSent      = "feedback_sent"
	StatusCancelled         = "cancelled"
	StatusNoShow            = "no_show"
)

// Service defines a treatment type and its expected duration in minutes.
type Service struct {
	ServiceID       string `json:"service_id"`
	ClinicID        string `json:"clinic_id"`
	Name            string `json:"name"`
	Code            string `json:"code"`
	DurationMinutes int    `json:"duration_minutes"`
	Active          bool   `json:"active"`
}
