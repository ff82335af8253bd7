// Package memory implements the visit store on in-process state guarded by
// a single mutex. Every command is one critical section, which makes
// position assignment and resource binding linearizable the same way the
// Postgres store's transactions do. It backs the unit and concurrency tests
// and serves as the dev backend when no database is configured.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"clinicq/internal/eta"
	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
)

type Store struct {
	mu sync.Mutex

	now           func() time.Time
	feedbackDelay time.Duration
	autoSeconds   int

	clinics  map[string]bool
	services map[string]models.Service
	visits   map[string]*models.Visit
	tokens   map[string]string
	entries  map[string]*models.QueueEntry
	rooms    map[string]*models.Room
	dentists map[string]*models.Dentist

	// stored occupancy flags, kept separately from derived state so
	// reconciliation has something to disagree with.
	roomStatus    map[string]string
	dentistStatus map[string]string

	controls map[string]*models.QueueControl
	requests map[string]string
	lastPos  map[string]int
	codeSeq  map[string]int
	outbox   []store.OutboxEvent
}

type Options struct {
	// Now overrides the clock, for tests.
	Now func() time.Time
	// FeedbackDelay is the gap between treatment end and the feedback
	// request. Defaults to one hour.
	FeedbackDelay time.Duration
	// AutoTransitionSeconds seeds new clinic controls.
	AutoTransitionSeconds int
}

func NewStore(options Options) *Store {
	now := options.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	delay := options.FeedbackDelay
	if delay <= 0 {
		delay = time.Hour
	}
	autoSeconds := options.AutoTransitionSeconds
	if autoSeconds <= 0 {
		autoSeconds = 120
	}
	return &Store{
		now:           now,
		feedbackDelay: delay,
		autoSeconds:   autoSeconds,
		clinics:       make(map[string]bool),
		services:      make(map[string]models.Service),
		visits:        make(map[string]*models.Visit),
		tokens:        make(map[string]string),
		entries:       make(map[string]*models.QueueEntry),
		rooms:         make(map[string]*models.Room),
		dentists:      make(map[string]*models.Dentist),
		roomStatus:    make(map[string]string),
		dentistStatus: make(map[string]string),
		controls:      make(map[string]*models.QueueControl),
		requests:      make(map[string]string),
		lastPos:       make(map[string]int),
		codeSeq:       make(map[string]int),
	}
}

// Seeding, used by tests and the dev backend at startup.

func (s *Store) SeedClinic(clinicID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clinics[clinicID] = true
}

func (s *Store) SeedService(svc models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clinics[svc.ClinicID] = true
	s.services[svc.ServiceID] = svc
}

func (s *Store) SeedRoom(room models.Room) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clinics[room.ClinicID] = true
	copied := room
	s.rooms[room.RoomID] = &copied
	s.roomStatus[room.RoomID] = "available"
}

func (s *Store) SeedDentist(dentist models.Dentist) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clinics[dentist.ClinicID] = true
	copied := dentist
	s.dentists[dentist.DentistID] = &copied
	s.dentistStatus[dentist.DentistID] = "available"
}

func (s *Store) CreateVisit(ctx context.Context, input store.CreateVisitInput) (models.Visit, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if input.RequestID != "" {
		if visitID, ok := s.requests["create|"+input.RequestID]; ok {
			return *s.visits[visitID], false, nil
		}
	}
	if !s.clinics[input.ClinicID] {
		return models.Visit{}, false, store.ErrClinicNotFound
	}
	svc, ok := s.services[input.ServiceID]
	if !ok || !svc.Active || svc.ClinicID != input.ClinicID {
		return models.Visit{}, false, store.ErrServiceNotFound
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	status := models.StatusBooked
	if input.Confirmed {
		status = models.StatusConfirmed
	}

	visit := &models.Visit{
		VisitID:        uuid.NewString(),
		VisitCode:      s.nextVisitCode(svc, input.ScheduledAt),
		VisitToken:     uuid.NewString(),
		ClinicID:       input.ClinicID,
		ServiceID:      input.ServiceID,
		PatientName:    input.PatientName,
		PatientPhone:   input.PatientPhone,
		PatientEmail:   input.PatientEmail,
		Status:         status,
		ScheduledAt:    input.ScheduledAt,
		CreatedAt:      createdAt,
		RequestID:      input.RequestID,
		ServiceMinutes: svc.DurationMinutes,
	}
	if input.DentistID != "" {
		dentist, ok := s.dentists[input.DentistID]
		if !ok || dentist.ClinicID != input.ClinicID {
			return models.Visit{}, false, store.ErrResourceNotFound
		}
		dentistID := input.DentistID
		visit.DentistID = &dentistID
	}

	s.visits[visit.VisitID] = visit
	s.tokens[visit.VisitToken] = visit.VisitID
	if input.RequestID != "" {
		s.requests["create|"+input.RequestID] = visit.VisitID
	}
	s.emit(visit, "", status, "booked", createdAt, nil)
	return *visit, true, nil
}

func (s *Store) GetVisit(ctx context.Context, clinicID, visitID string) (models.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	visit, err := s.findVisit(clinicID, visitID)
	if err != nil {
		return models.Visit{}, err
	}
	return *visit, nil
}

func (s *Store) GetVisitByToken(ctx context.Context, token string) (models.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	visitID, ok := s.tokens[token]
	if !ok {
		return models.Visit{}, store.ErrVisitNotFound
	}
	return *s.visits[visitID], nil
}

func (s *Store) ConfirmVisit(ctx context.Context, input store.VisitActionInput) (models.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, err := s.findVisit(input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, err
	}
	if visit.Status == models.StatusConfirmed {
		return *visit, nil
	}
	if !store.CanTransition(visit.Status, models.StatusConfirmed) {
		return models.Visit{}, store.ErrInvalidTransition
	}
	previous := visit.Status
	visit.Status = models.StatusConfirmed
	s.emit(visit, previous, visit.Status, input.Reason, s.occurredAt(input.OccurredAt), nil)
	return *visit, nil
}

// CheckIn admits a booked or confirmed visit into the queue ledger. The
// visit passes through checked_in straight to waiting with no staff gate,
// and the entry takes the next position for its clinic-day.
func (s *Store) CheckIn(ctx context.Context, input store.VisitActionInput) (models.Visit, models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, err := s.findVisit(input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if visit.Status == models.StatusWaiting {
		if entry, ok := s.entries[visit.VisitID]; ok {
			return *visit, *entry, nil
		}
	}
	if !store.CanTransition(visit.Status, models.StatusCheckedIn) {
		return models.Visit{}, models.QueueEntry{}, store.ErrInvalidTransition
	}

	at := s.occurredAt(input.OccurredAt)
	day := models.QueueDay(at)
	position := s.nextPosition(visit.ClinicID, day)

	entry := &models.QueueEntry{
		EntryID:     uuid.NewString(),
		VisitID:     visit.VisitID,
		ClinicID:    visit.ClinicID,
		QueueDate:   day,
		Position:    &position,
		Status:      models.QueueWaiting,
		CheckedInAt: at,
	}
	s.entries[visit.VisitID] = entry

	previous := visit.Status
	visit.Status = models.StatusCheckedIn
	checkedInAt := at
	visit.CheckedInAt = &checkedInAt
	s.emit(visit, previous, models.StatusCheckedIn, input.Reason, at, entry)

	visit.Status = models.StatusWaiting
	s.emit(visit, models.StatusCheckedIn, models.StatusWaiting, "", at, entry)

	return *visit, *entry, nil
}

// CallNext binds a free room and dentist to a waiting visit and starts its
// auto-transition window. The pick and the bind happen under the same lock,
// so two concurrent calls cannot take the same resource.
func (s *Store) CallNext(ctx context.Context, input store.VisitActionInput) (models.Visit, models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, entry, err := s.findQueued(input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if visit.Status != models.StatusWaiting {
		return models.Visit{}, models.QueueEntry{}, store.ErrInvalidTransition
	}

	roomID := s.pickFreeRoom(visit.ClinicID)
	dentistID := s.pickFreeDentist(visit.ClinicID, visit.DentistID)
	if roomID == "" || dentistID == "" {
		return models.Visit{}, models.QueueEntry{}, store.ErrNoResourceAvailable
	}

	at := s.occurredAt(input.OccurredAt)
	s.bind(entry, roomID, dentistID, at)

	previous := visit.Status
	visit.Status = models.StatusCalled
	if visit.DentistID == nil {
		visit.DentistID = entry.DentistID
	}
	s.emit(visit, previous, models.StatusCalled, input.Reason, at, entry)
	return *visit, *entry, nil
}

// AssignResources is the manual override: staff choose the exact room and
// dentist. Fails if either is bound to a different active entry.
func (s *Store) AssignResources(ctx context.Context, input store.AssignInput) (models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, entry, err := s.findQueued(input.ClinicID, input.VisitID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if visit.Status != models.StatusWaiting && visit.Status != models.StatusCalled {
		return models.QueueEntry{}, store.ErrInvalidTransition
	}

	room, ok := s.rooms[input.RoomID]
	if !ok || room.ClinicID != input.ClinicID || !room.Active {
		return models.QueueEntry{}, store.ErrResourceNotFound
	}
	dentist, ok := s.dentists[input.DentistID]
	if !ok || dentist.ClinicID != input.ClinicID || !dentist.Active {
		return models.QueueEntry{}, store.ErrResourceNotFound
	}
	if holder := s.roomHolder(input.RoomID); holder != "" && holder != entry.EntryID {
		return models.QueueEntry{}, store.ErrResourceAlreadyBound
	}
	if holder := s.dentistHolder(input.DentistID); holder != "" && holder != entry.EntryID {
		return models.QueueEntry{}, store.ErrResourceAlreadyBound
	}

	at := s.occurredAt(input.OccurredAt)
	s.bind(entry, input.RoomID, input.DentistID, at)

	if visit.Status == models.StatusWaiting {
		previous := visit.Status
		visit.Status = models.StatusCalled
		s.emit(visit, previous, models.StatusCalled, "manual assignment", at, entry)
	}
	return *entry, nil
}

// BeginTreatment promotes a called visit. Calling it again while already in
// treatment is a no-op success so the staff button and the timer can race
// without harm.
func (s *Store) BeginTreatment(ctx context.Context, input store.VisitActionInput) (models.Visit, models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beginLocked(input)
}

func (s *Store) beginLocked(input store.VisitActionInput) (models.Visit, models.QueueEntry, error) {
	visit, entry, err := s.findQueued(input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if visit.Status == models.StatusInTreatment {
		return *visit, *entry, nil
	}
	if visit.Status != models.StatusCalled {
		return models.Visit{}, models.QueueEntry{}, store.ErrInvalidTransition
	}

	at := s.occurredAt(input.OccurredAt)
	previous := visit.Status
	visit.Status = models.StatusInTreatment
	startedAt := at
	visit.TreatmentStartedAt = &startedAt
	entry.Status = models.QueueInTreatment
	if entry.RoomID != nil {
		s.roomStatus[*entry.RoomID] = "occupied"
	}
	if entry.DentistID != nil {
		s.dentistStatus[*entry.DentistID] = "occupied"
	}
	s.emit(visit, previous, models.StatusInTreatment, input.Reason, at, entry)
	return *visit, *entry, nil
}

func (s *Store) CompleteTreatment(ctx context.Context, input store.VisitActionInput) (models.Visit, models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, entry, err := s.findQueued(input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if visit.Status != models.StatusInTreatment {
		return models.Visit{}, models.QueueEntry{}, store.ErrInvalidTransition
	}

	at := s.occurredAt(input.OccurredAt)
	s.release(entry)
	entry.Status = models.QueueCompleted

	previous := visit.Status
	visit.Status = models.StatusCompleted
	endedAt := at
	visit.TreatmentEndedAt = &endedAt
	due := at.Add(s.feedbackDelay)
	visit.FeedbackDueAt = &due
	s.emit(visit, previous, models.StatusCompleted, input.Reason, at, entry)
	return *visit, *entry, nil
}

func (s *Store) CancelVisit(ctx context.Context, input store.VisitActionInput) (models.Visit, error) {
	return s.terminate(input, models.StatusCancelled)
}

func (s *Store) MarkNoShow(ctx context.Context, input store.VisitActionInput) (models.Visit, error) {
	return s.terminate(input, models.StatusNoShow)
}

func (s *Store) terminate(input store.VisitActionInput, terminal string) (models.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, err := s.findVisit(input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, err
	}
	if !store.CanTransition(visit.Status, terminal) {
		return models.Visit{}, store.ErrInvalidTransition
	}

	at := s.occurredAt(input.OccurredAt)
	entry := s.entries[visit.VisitID]
	if entry != nil && entry.Status != models.QueueCompleted {
		s.release(entry)
		// Voided entries leave the ledger; later positions keep their
		// numbers, gaps are fine.
		delete(s.entries, visit.VisitID)
		entry = nil
	}

	previous := visit.Status
	visit.Status = terminal
	visit.CancelReason = input.Reason
	s.emit(visit, previous, terminal, input.Reason, at, entry)
	return *visit, nil
}

func (s *Store) ListQueue(ctx context.Context, clinicID, queueDate string) ([]store.QueueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.clinics[clinicID] {
		return nil, store.ErrClinicNotFound
	}
	var rows []store.QueueRow
	for _, entry := range s.entries {
		if entry.ClinicID != clinicID || entry.QueueDate != queueDate {
			continue
		}
		visit := s.visits[entry.VisitID]
		if !store.ActiveInQueue(visit.Status) {
			continue
		}
		rows = append(rows, s.row(entry, visit))
	}
	sortRows(rows)
	return rows, nil
}

func (s *Store) PositionFor(ctx context.Context, clinicID, visitID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.findVisit(clinicID, visitID); err != nil {
		return 0, false, err
	}
	entry, ok := s.entries[visitID]
	if !ok || entry.Position == nil {
		return 0, false, nil
	}
	return *entry.Position, true, nil
}

func (s *Store) ActiveAhead(ctx context.Context, clinicID, visitID string) ([]store.QueueRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeAheadLocked(clinicID, visitID)
}

func (s *Store) activeAheadLocked(clinicID, visitID string) ([]store.QueueRow, error) {
	if _, err := s.findVisit(clinicID, visitID); err != nil {
		return nil, err
	}
	target, ok := s.entries[visitID]
	if !ok || target.Position == nil {
		return nil, store.ErrEntryNotFound
	}

	var rows []store.QueueRow
	for _, entry := range s.entries {
		if entry.ClinicID != clinicID || entry.QueueDate != target.QueueDate {
			continue
		}
		if entry.Position == nil || *entry.Position >= *target.Position {
			continue
		}
		visit := s.visits[entry.VisitID]
		if !store.ActiveInQueue(visit.Status) {
			continue
		}
		rows = append(rows, s.row(entry, visit))
	}
	sortRows(rows)
	return rows, nil
}

func (s *Store) EstimateSnapshot(ctx context.Context, clinicID, visitID string) (eta.Input, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, err := s.findVisit(clinicID, visitID)
	if err != nil {
		return eta.Input{}, err
	}
	ahead, err := s.activeAheadLocked(clinicID, visitID)
	if err != nil {
		return eta.Input{}, err
	}

	input := eta.Input{
		ServiceMinutes: visit.ServiceMinutes,
		FreeRooms:      s.freeRoomCount(clinicID),
		Now:            s.now(),
	}
	for _, row := range ahead {
		position := 0
		if row.Entry.Position != nil {
			position = *row.Entry.Position
		}
		input.Ahead = append(input.Ahead, eta.AheadEntry{
			VisitID:        row.Entry.VisitID,
			Position:       position,
			ServiceMinutes: row.ServiceMinutes,
		})
	}
	for _, entry := range s.entries {
		if entry.ClinicID != clinicID || entry.Status != models.QueueInTreatment {
			continue
		}
		other := s.visits[entry.VisitID]
		startedAt := input.Now
		if other.TreatmentStartedAt != nil {
			startedAt = *other.TreatmentStartedAt
		}
		input.InTreatment = append(input.InTreatment, eta.InTreatment{
			VisitID:        other.VisitID,
			ServiceMinutes: other.ServiceMinutes,
			StartedAt:      startedAt,
		})
	}
	return input, nil
}

func (s *Store) FreeRooms(ctx context.Context, clinicID string) ([]models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rooms []models.Room
	for _, room := range s.rooms {
		if room.ClinicID != clinicID || !room.Active {
			continue
		}
		if s.roomHolder(room.RoomID) != "" {
			continue
		}
		rooms = append(rooms, *room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms, nil
}

func (s *Store) FreeDentists(ctx context.Context, clinicID string) ([]models.Dentist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dentists []models.Dentist
	for _, dentist := range s.dentists {
		if dentist.ClinicID != clinicID || !dentist.Active {
			continue
		}
		if s.dentistHolder(dentist.DentistID) != "" {
			continue
		}
		dentists = append(dentists, *dentist)
	}
	sort.Slice(dentists, func(i, j int) bool { return dentists[i].Name < dentists[j].Name })
	return dentists, nil
}

func (s *Store) OccupancySnapshot(ctx context.Context, clinicID string) ([]models.Room, []models.Dentist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rooms []models.Room
	for _, room := range s.rooms {
		if room.ClinicID != clinicID {
			continue
		}
		snapshot := *room
		snapshot.Occupied = s.roomInTreatment(room.RoomID)
		rooms = append(rooms, snapshot)
	}
	var dentists []models.Dentist
	for _, dentist := range s.dentists {
		if dentist.ClinicID != clinicID {
			continue
		}
		snapshot := *dentist
		snapshot.Occupied = s.dentistInTreatment(dentist.DentistID)
		dentists = append(dentists, snapshot)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	sort.Slice(dentists, func(i, j int) bool { return dentists[i].Name < dentists[j].Name })
	return rooms, dentists, nil
}

// ReconcileResources reports resources whose stored flag says occupied while
// no in-treatment entry binds them. Findings are reported, never corrected
// here; ResetResourceStatus is the explicit administrative fix.
func (s *Store) ReconcileResources(ctx context.Context, clinicID string) ([]store.StaleResource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []store.StaleResource
	for id, room := range s.rooms {
		if room.ClinicID != clinicID {
			continue
		}
		if s.roomStatus[id] == "occupied" && !s.roomInTreatment(id) {
			stale = append(stale, store.StaleResource{Kind: models.ResourceRoom, ResourceID: id, ClinicID: clinicID, Stored: "occupied"})
		}
	}
	for id, dentist := range s.dentists {
		if dentist.ClinicID != clinicID {
			continue
		}
		if s.dentistStatus[id] == "occupied" && !s.dentistInTreatment(id) {
			stale = append(stale, store.StaleResource{Kind: models.ResourceDentist, ResourceID: id, ClinicID: clinicID, Stored: "occupied"})
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].ResourceID < stale[j].ResourceID })
	return stale, nil
}

func (s *Store) ResetResourceStatus(ctx context.Context, clinicID, kind, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch kind {
	case models.ResourceRoom:
		room, ok := s.rooms[resourceID]
		if !ok || room.ClinicID != clinicID {
			return store.ErrResourceNotFound
		}
		if s.roomInTreatment(resourceID) {
			return store.ErrResourceAlreadyBound
		}
		s.roomStatus[resourceID] = "available"
	case models.ResourceDentist:
		dentist, ok := s.dentists[resourceID]
		if !ok || dentist.ClinicID != clinicID {
			return store.ErrResourceNotFound
		}
		if s.dentistInTreatment(resourceID) {
			return store.ErrResourceAlreadyBound
		}
		s.dentistStatus[resourceID] = "available"
	default:
		return store.ErrResourceNotFound
	}
	return nil
}

func (s *Store) PauseQueue(ctx context.Context, clinicID string, at time.Time) (models.QueueControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	control, err := s.controlLocked(clinicID)
	if err != nil {
		return models.QueueControl{}, err
	}
	control.Paused = true
	pausedAt := at
	control.PausedAt = &pausedAt
	return *control, nil
}

func (s *Store) ResumeQueue(ctx context.Context, clinicID string, at time.Time) (models.QueueControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	control, err := s.controlLocked(clinicID)
	if err != nil {
		return models.QueueControl{}, err
	}
	control.Paused = false
	resumedAt := at
	control.ResumedAt = &resumedAt
	return *control, nil
}

func (s *Store) GetQueueControl(ctx context.Context, clinicID string) (models.QueueControl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	control, err := s.controlLocked(clinicID)
	if err != nil {
		return models.QueueControl{}, err
	}
	return *control, nil
}

// AutoBeginDue promotes called entries whose auto-transition window has
// elapsed, skipping clinics that are paused. Entries that left the called
// state in the meantime are skipped, not treated as errors.
func (s *Store) AutoBeginDue(ctx context.Context, batchSize int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if batchSize <= 0 {
		batchSize = 100
	}
	now := s.now()
	promoted := 0
	for visitID, entry := range s.entries {
		if promoted >= batchSize {
			break
		}
		if entry.Status != models.QueueCalled || entry.CalledAt == nil {
			continue
		}
		control, err := s.controlLocked(entry.ClinicID)
		if err != nil || control.Paused {
			continue
		}
		due := entry.CalledAt.Add(time.Duration(control.AutoTransitionSeconds) * time.Second)
		if now.Before(due) {
			continue
		}
		visit := s.visits[visitID]
		if visit.Status != models.StatusCalled {
			continue
		}
		if _, _, err := s.beginLocked(store.VisitActionInput{
			ClinicID:   entry.ClinicID,
			VisitID:    visitID,
			Reason:     "auto transition",
			OccurredAt: now,
		}); err != nil {
			continue
		}
		promoted++
	}
	return promoted, nil
}

func (s *Store) ListFeedbackDue(ctx context.Context, before time.Time, limit int) ([]models.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var due []models.Visit
	for _, visit := range s.visits {
		if visit.Status != models.StatusCompleted || visit.FeedbackDueAt == nil {
			continue
		}
		if visit.FeedbackDueAt.After(before) {
			continue
		}
		due = append(due, *visit)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FeedbackDueAt.Before(*due[j].FeedbackDueAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) MarkFeedbackScheduled(ctx context.Context, clinicID, visitID string, at time.Time) (models.Visit, error) {
	return s.feedbackTransition(clinicID, visitID, models.StatusFeedbackScheduled, at, nil)
}

func (s *Store) MarkFeedbackSent(ctx context.Context, clinicID, visitID string, at time.Time) (models.Visit, error) {
	return s.feedbackTransition(clinicID, visitID, models.StatusFeedbackSent, at, func(visit *models.Visit, when time.Time) {
		sentAt := when
		visit.FeedbackSentAt = &sentAt
	})
}

func (s *Store) feedbackTransition(clinicID, visitID, next string, at time.Time, apply func(*models.Visit, time.Time)) (models.Visit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visit, err := s.findVisit(clinicID, visitID)
	if err != nil {
		return models.Visit{}, err
	}
	if !store.CanTransition(visit.Status, next) {
		return models.Visit{}, store.ErrInvalidTransition
	}
	if at.IsZero() {
		at = s.now()
	}
	previous := visit.Status
	visit.Status = next
	if apply != nil {
		apply(visit, at)
	}
	s.emit(visit, previous, next, "", at, nil)
	return *visit, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, clinicID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var events []store.OutboxEvent
	for _, event := range s.outbox {
		if clinicID != "" && event.ClinicID != clinicID {
			continue
		}
		if !after.IsZero() && !event.CreatedAt.After(after) {
			continue
		}
		events = append(events, event)
		if len(events) >= limit {
			break
		}
	}
	return events, nil
}

// Internal helpers. All assume s.mu is held.

func (s *Store) findVisit(clinicID, visitID string) (*models.Visit, error) {
	visit, ok := s.visits[visitID]
	if !ok || visit.ClinicID != clinicID {
		return nil, store.ErrVisitNotFound
	}
	return visit, nil
}

func (s *Store) findQueued(clinicID, visitID string) (*models.Visit, *models.QueueEntry, error) {
	visit, err := s.findVisit(clinicID, visitID)
	if err != nil {
		return nil, nil, err
	}
	entry, ok := s.entries[visitID]
	if !ok {
		return nil, nil, store.ErrEntryNotFound
	}
	return visit, entry, nil
}

func (s *Store) controlLocked(clinicID string) (*models.QueueControl, error) {
	if !s.clinics[clinicID] {
		return nil, store.ErrClinicNotFound
	}
	control, ok := s.controls[clinicID]
	if !ok {
		control = &models.QueueControl{ClinicID: clinicID, AutoTransitionSeconds: s.autoSeconds}
		s.controls[clinicID] = control
	}
	return control, nil
}

func (s *Store) occurredAt(at time.Time) time.Time {
	if at.IsZero() {
		return s.now()
	}
	return at
}

func (s *Store) nextPosition(clinicID, day string) int {
	key := clinicID + "|" + day
	s.lastPos[key]++
	return s.lastPos[key]
}

func (s *Store) nextVisitCode(svc models.Service, scheduledAt time.Time) string {
	day := scheduledAt.UTC().Format("20060102")
	key := svc.ClinicID + "|" + day
	s.codeSeq[key]++
	return fmt.Sprintf("%s-%s-%03d", strings.ToUpper(svc.Code), day, s.codeSeq[key])
}

func (s *Store) bind(entry *models.QueueEntry, roomID, dentistID string, at time.Time) {
	entry.RoomID = &roomID
	entry.DentistID = &dentistID
	entry.Status = models.QueueCalled
	calledAt := at
	entry.CalledAt = &calledAt
}

func (s *Store) release(entry *models.QueueEntry) {
	if entry.RoomID != nil {
		s.roomStatus[*entry.RoomID] = "available"
	}
	if entry.DentistID != nil {
		s.dentistStatus[*entry.DentistID] = "available"
	}
}

// roomHolder returns the entry currently holding the room in a called or
// in-treatment state. Called entries block allocation too: the room is
// promised the moment the patient is called, even though derived occupancy
// only reports rooms with treatment underway.
func (s *Store) roomHolder(roomID string) string {
	for _, entry := range s.entries {
		if entry.RoomID == nil || *entry.RoomID != roomID {
			continue
		}
		if entry.Status == models.QueueCalled || entry.Status == models.QueueInTreatment {
			return entry.EntryID
		}
	}
	return ""
}

func (s *Store) dentistHolder(dentistID string) string {
	for _, entry := range s.entries {
		if entry.DentistID == nil || *entry.DentistID != dentistID {
			continue
		}
		if entry.Status == models.QueueCalled || entry.Status == models.QueueInTreatment {
			return entry.EntryID
		}
	}
	return ""
}

func (s *Store) roomInTreatment(roomID string) bool {
	for _, entry := range s.entries {
		if entry.RoomID != nil && *entry.RoomID == roomID && entry.Status == models.QueueInTreatment {
			return true
		}
	}
	return false
}

func (s *Store) dentistInTreatment(dentistID string) bool {
	for _, entry := range s.entries {
		if entry.DentistID != nil && *entry.DentistID == dentistID && entry.Status == models.QueueInTreatment {
			return true
		}
	}
	return false
}

func (s *Store) freeRoomCount(clinicID string) int {
	count := 0
	for _, room := range s.rooms {
		if room.ClinicID != clinicID || !room.Active {
			continue
		}
		if s.roomInTreatment(room.RoomID) {
			continue
		}
		count++
	}
	return count
}

func (s *Store) pickFreeRoom(clinicID string) string {
	var candidates []string
	for _, room := range s.rooms {
		if room.ClinicID != clinicID || !room.Active {
			continue
		}
		if s.roomHolder(room.RoomID) != "" {
			continue
		}
		candidates = append(candidates, room.RoomID)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[0]
}

func (s *Store) pickFreeDentist(clinicID string, preferred *string) string {
	if preferred != nil {
		if dentist, ok := s.dentists[*preferred]; ok && dentist.ClinicID == clinicID && dentist.Active && s.dentistHolder(*preferred) == "" {
			return *preferred
		}
	}
	var candidates []string
	for _, dentist := range s.dentists {
		if dentist.ClinicID != clinicID || !dentist.Active {
			continue
		}
		if s.dentistHolder(dentist.DentistID) != "" {
			continue
		}
		candidates = append(candidates, dentist.DentistID)
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[0]
}

func (s *Store) emit(visit *models.Visit, previous, next, reason string, at time.Time, entry *models.QueueEntry) {
	change := store.StateChange{
		VisitID:    visit.VisitID,
		VisitCode:  visit.VisitCode,
		ClinicID:   visit.ClinicID,
		Previous:   previous,
		Next:       next,
		Reason:     reason,
		OccurredAt: at,
	}
	if entry != nil {
		change.Position = entry.Position
		change.RoomID = entry.RoomID
		change.DentistID = entry.DentistID
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	s.outbox = append(s.outbox, store.OutboxEvent{
		EventID:   uuid.NewString(),
		ClinicID:  visit.ClinicID,
		Type:      store.EventVisitStateChanged,
		Payload:   payload,
		CreatedAt: at,
	})
}

func (s *Store) row(entry *models.QueueEntry, visit *models.Visit) store.QueueRow {
	return store.QueueRow{
		Entry:          *entry,
		VisitCode:      visit.VisitCode,
		VisitStatus:    visit.Status,
		PatientName:    visit.PatientName,
		ServiceMinutes: visit.ServiceMinutes,
	}
}

func sortRows(rows []store.QueueRow) {
	sort.Slice(rows, func(i, j int) bool {
		pi, pj := 0, 0
		if rows[i].Entry.Position != nil {
			pi = *rows[i].Entry.Position
		}
		if rows[j].Entry.Position != nil {
			pj = *rows[j].Entry.Position
		}
		return pi < pj
	})
}
