package store

import (
	"encoding/json"
	"time"
)

// EventVisitStateChanged is the single event type the core emits. Every
// transition produces one, written to the outbox in the same transaction
// as the state change.
const EventVisitStateChanged = "visit.state_changed"

// StateChange is the payload of a visit.state_changed event.
type StateChange struct {
	VisitID    string     `json:"visit_id"`
	VisitCode  string     `json:"visit_code"`
	ClinicID   string     `json:"clinic_id"`
	Previous   string     `json:"previous_status"`
	Next       string     `json:"new_status"`
	Reason     string     `json:"reason,omitempty"`
	Position   *int       `json:"position,omitempty"`
	RoomID     *string    `json:"room_id,omitempty"`
	DentistID  *string    `json:"dentist_id,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// OutboxEvent is one durable event row. Consumers poll by created_at and
// must tolerate missed events; the queue query surface is the fallback.
type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	ClinicID  string          `json:"clinic_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// DecodeStateChange unmarshals an outbox payload.
func DecodeStateChange(payload []byte) (StateChange, error) {
	var change StateChange
	err := json.Unmarshal(payload, &change)
	return change, err
}
