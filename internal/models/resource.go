package models

// Room is a schedulable treatment room. Occupied is derived on read from
// whether any queue entry currently holds the room in treatment; the stored
// status column exists only so reconciliation can detect drift.
type Room struct {
	RoomID   string `json:"room_id"`
	ClinicID string `json:"clinic_id"`
	Name     string `json:"name"`
	Active   bool   `json:"active"`
	Occupied bool   `json:"occupied"`
}

// Dentist is a schedulable practitioner, tracked the same way as a room.
type Dentist struct {
	DentistID string `json:"dentist_id"`
	ClinicID  string `json:"clinic_id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	Occupied  bool   `json:"occupied"`
}

const (
	ResourceRoom    = "room"
	ResourceDentist = "dentist"
)
