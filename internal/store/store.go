package store

import (
	"context"
	"time"

	"clinicq/internal/eta"
	"clinicq/internal/models"
)

// CreateVisitInput describes a booking-collaborator visit creation.
type CreateVisitInput struct {
	RequestID    string
	ClinicID     string
	ServiceID    string
	DentistID    string
	PatientName  string
	PatientPhone string
	PatientEmail string
	ScheduledAt  time.Time
	Confirmed    bool
	CreatedAt    time.Time
}

// VisitActionInput drives one transition command against a visit.
type VisitActionInput struct {
	RequestID  string
	ClinicID   string
	VisitID    string
	Reason     string
	OccurredAt time.Time
}

// AssignInput binds a specific room and dentist to a visit's queue entry,
// either from callNext's automatic pick or a manual staff override.
type AssignInput struct {
	RequestID  string
	ClinicID   string
	VisitID    string
	RoomID     string
	DentistID  string
	OccurredAt time.Time
}

// QueueRow is a ledger entry joined with the visit fields queue readers need.
type QueueRow struct {
	Entry          models.QueueEntry `json:"entry"`
	VisitCode      string            `json:"visit_code"`
	VisitStatus    string            `json:"visit_status"`
	PatientName    string            `json:"patient_name,omitempty"`
	ServiceMinutes int               `json:"service_minutes"`
}

// StaleResource is one reconciliation finding: a resource whose stored flag
// says occupied while no in-treatment entry binds it.
type StaleResource struct {
	Kind       string `json:"kind"`
	ResourceID string `json:"resource_id"`
	ClinicID   string `json:"clinic_id"`
	Stored     string `json:"stored_status"`
}

// VisitStore is the authoritative interface over visits, the queue ledger,
// resources, and the event outbox. All mutations go through it; no caller
// touches entry rows directly.
type VisitStore interface {
	// Booking surface.
	CreateVisit(ctx context.Context, input CreateVisitInput) (models.Visit, bool, error)
	GetVisit(ctx context.Context, clinicID, visitID string) (models.Visit, error)
	GetVisitByToken(ctx context.Context, token string) (models.Visit, error)
	ConfirmVisit(ctx context.Context, input VisitActionInput) (models.Visit, error)

	// Command surface.
	CheckIn(ctx context.Context, input VisitActionInput) (models.Visit, models.QueueEntry, error)
	CallNext(ctx context.Context, input VisitActionInput) (models.Visit, models.QueueEntry, error)
	AssignResources(ctx context.Context, input AssignInput) (models.QueueEntry, error)
	BeginTreatment(ctx context.Context, input VisitActionInput) (models.Visit, models.QueueEntry, error)
	CompleteTreatment(ctx context.Context, input VisitActionInput) (models.Visit, models.QueueEntry, error)
	CancelVisit(ctx context.Context, input VisitActionInput) (models.Visit, error)
	MarkNoShow(ctx context.Context, input VisitActionInput) (models.Visit, error)

	// Queue ledger reads.
	ListQueue(ctx context.Context, clinicID, queueDate string) ([]QueueRow, error)
	PositionFor(ctx context.Context, clinicID, visitID string) (int, bool, error)
	ActiveAhead(ctx context.Context, clinicID, visitID string) ([]QueueRow, error)
	EstimateSnapshot(ctx context.Context, clinicID, visitID string) (eta.Input, error)

	// Resource registry.
	FreeRooms(ctx context.Context, clinicID string) ([]models.Room, error)
	FreeDentists(ctx context.Context, clinicID string) ([]models.Dentist, error)
	OccupancySnapshot(ctx context.Context, clinicID string) ([]models.Room, []models.Dentist, error)
	ReconcileResources(ctx context.Context, clinicID string) ([]StaleResource, error)
	ResetResourceStatus(ctx context.Context, clinicID, kind, resourceID string) error

	// Pause control.
	PauseQueue(ctx context.Context, clinicID string, at time.Time) (models.QueueControl, error)
	ResumeQueue(ctx context.Context, clinicID string, at time.Time) (models.QueueControl, error)
	GetQueueControl(ctx context.Context, clinicID string) (models.QueueControl, error)

	// Background loops.
	AutoBeginDue(ctx context.Context, batchSize int) (int, error)
	ListFeedbackDue(ctx context.Context, before time.Time, limit int) ([]models.Visit, error)
	MarkFeedbackScheduled(ctx context.Context, clinicID, visitID string, at time.Time) (models.Visit, error)
	MarkFeedbackSent(ctx context.Context, clinicID, visitID string, at time.Time) (models.Visit, error)

	// Event stream (push source and poll fallback).
	ListOutboxEvents(ctx context.Context, clinicID string, after time.Time, limit int) ([]OutboxEvent, error)
}
