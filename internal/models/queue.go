package models

import "time"

// QueueEntry is the scheduling record for one checked-in Visit. The position
// is unique per clinic-day, assigned once, and never renumbered; gaps appear
// when earlier entries are cancelled or marked no-show.
type QueueEntry struct {
	EntryID     string     `json:"entry_id"`
	VisitID     string     `json:"visit_id"`
	ClinicID    string     `json:"clinic_id"`
	QueueDate   string     `json:"queue_date"`
	Position    *int       `json:"position,omitempty"`
	Status      string     `json:"status"`
	RoomID      *string    `json:"room_id,omitempty"`
	DentistID   *string    `json:"dentist_id,omitempty"`
	CheckedInAt time.Time  `json:"checked_in_at"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
}

const (
	QueueWaiting     = "waiting"
	QueueCalled      = "called"
	QueueInTreatment = "in_treatment"
	QueueCompleted   = "completed"
)

// QueueControl holds the per-clinic pause switch and the delay before a
// called entry is auto-promoted to treatment. Read by the timer on every
// tick, written only by explicit staff pause/resume actions.
type QueueControl struct {
	ClinicID              string     `json:"clinic_id"`
	Paused                bool       `json:"paused"`
	PausedAt              *time.Time `json:"paused_at,omitempty"`
	ResumedAt             *time.Time `json:"resumed_at,omitempty"`
	AutoTransitionSeconds int        `json:"auto_transition_seconds"`
}

// QueueDay formats the clinic-day key for a timestamp.
func QueueDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
