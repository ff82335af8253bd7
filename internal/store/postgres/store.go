// Package postgres implements the visit store on PostgreSQL. Each command
// runs in its own transaction: the idempotency check, the state change, the
// resource binding, and the outbox row either all land or none do.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicq/internal/eta"
	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const visitCodePad = 3

type Store struct {
	pool          *pgxpool.Pool
	feedbackDelay time.Duration
}

type Options struct {
	// FeedbackDelay is the gap between treatment end and the feedback
	// request. Defaults to one hour.
	FeedbackDelay time.Duration
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	delay := options.FeedbackDelay
	if delay <= 0 {
		delay = time.Hour
	}
	return &Store{pool: pool, feedbackDelay: delay}
}

func (s *Store) CreateVisit(ctx context.Context, input store.CreateVisitInput) (models.Visit, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if input.RequestID != "" {
		existing, found, ferr := findVisitByRequestID(ctx, tx, input.RequestID)
		if ferr != nil {
			err = ferr
			return models.Visit{}, false, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Visit{}, false, err
			}
			return existing, false, nil
		}
	}

	svc, err := lookupService(ctx, tx, input.ClinicID, input.ServiceID)
	if err != nil {
		return models.Visit{}, false, err
	}

	seq, err := nextVisitNumber(ctx, tx, input.ClinicID, input.ScheduledAt)
	if err != nil {
		return models.Visit{}, false, err
	}
	visitCode := fmt.Sprintf("%s-%s-%0*d", strings.ToUpper(svc.Code), input.ScheduledAt.UTC().Format("20060102"), visitCodePad, seq)

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := models.StatusBooked
	if input.Confirmed {
		status = models.StatusConfirmed
	}

	visit := models.Visit{
		VisitID:        uuid.NewString(),
		VisitCode:      visitCode,
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
		var dentistID string
		row := tx.QueryRow(ctx, `
			SELECT dentist_id FROM dentists WHERE dentist_id = $1 AND clinic_id = $2
		`, input.DentistID, input.ClinicID)
		if err = row.Scan(&dentistID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				err = store.ErrResourceNotFound
			}
			return models.Visit{}, false, err
		}
		visit.DentistID = &dentistID
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO visits (
			visit_id, visit_code, visit_token, request_id, clinic_id, service_id, dentist_id,
			patient_name, patient_phone, patient_email, status, scheduled_at, created_at, service_minutes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, visit.VisitID, visit.VisitCode, visit.VisitToken, nullIfEmpty(input.RequestID), visit.ClinicID, visit.ServiceID,
		visit.DentistID, visit.PatientName, visit.PatientPhone, visit.PatientEmail, visit.Status,
		visit.ScheduledAt, visit.CreatedAt, visit.ServiceMinutes)
	if err != nil {
		return models.Visit{}, false, err
	}

	if err = insertStateChange(ctx, tx, visit, "", status, "booked", createdAt, nil); err != nil {
		return models.Visit{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, false, err
	}
	return visit, true, nil
}

func (s *Store) GetVisit(ctx context.Context, clinicID, visitID string) (models.Visit, error) {
	row := s.pool.QueryRow(ctx, visitSelect+` WHERE visit_id = $1 AND clinic_id = $2`, visitID, clinicID)
	return scanVisit(row)
}

func (s *Store) GetVisitByToken(ctx context.Context, token string) (models.Visit, error) {
	row := s.pool.QueryRow(ctx, visitSelect+` WHERE visit_token = $1`, token)
	return scanVisit(row)
}

func (s *Store) ConfirmVisit(ctx context.Context, input store.VisitActionInput) (models.Visit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	visit, err := lockVisit(ctx, tx, input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, err
	}
	if visit.Status == models.StatusConfirmed {
		if err = tx.Commit(ctx); err != nil {
			return models.Visit{}, err
		}
		return visit, nil
	}
	if !store.CanTransition(visit.Status, models.StatusConfirmed) {
		err = store.ErrInvalidTransition
		return models.Visit{}, err
	}

	at := occurredAt(input.OccurredAt)
	previous := visit.Status
	visit.Status = models.StatusConfirmed
	if _, err = tx.Exec(ctx, `UPDATE visits SET status = $1 WHERE visit_id = $2`, visit.Status, visit.VisitID); err != nil {
		return models.Visit{}, err
	}
	if err = insertStateChange(ctx, tx, visit, previous, visit.Status, input.Reason, at, nil); err != nil {
		return models.Visit{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, err
	}
	return visit, nil
}

// CheckIn admits a booked or confirmed visit into the queue ledger. The
// position comes from the per-clinic-day sequence row, so concurrent
// check-ins serialize on that row and never share a number.
func (s *Store) CheckIn(ctx context.Context, input store.VisitActionInput) (models.Visit, models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	visit, err := lockVisit(ctx, tx, input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if visit.Status == models.StatusWaiting {
		entry, found, ferr := findEntry(ctx, tx, visit.VisitID)
		if ferr != nil {
			err = ferr
			return models.Visit{}, models.QueueEntry{}, err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return models.Visit{}, models.QueueEntry{}, err
			}
			return visit, entry, nil
		}
	}
	if !store.CanTransition(visit.Status, models.StatusCheckedIn) {
		err = store.ErrInvalidTransition
		return models.Visit{}, models.QueueEntry{}, err
	}

	at := occurredAt(input.OccurredAt)
	day := models.QueueDay(at)
	position, err := nextQueuePosition(ctx, tx, visit.ClinicID, day)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}

	pos := int(position)
	entry := models.QueueEntry{
		EntryID:     uuid.NewString(),
		VisitID:     visit.VisitID,
		ClinicID:    visit.ClinicID,
		QueueDate:   day,
		Position:    &pos,
		Status:      models.QueueWaiting,
		CheckedInAt: at,
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO queue_entries (entry_id, visit_id, clinic_id, queue_date, position, status, checked_in_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, entry.EntryID, entry.VisitID, entry.ClinicID, entry.QueueDate, pos, entry.Status, entry.CheckedInAt)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}

	previous := visit.Status
	checkedInAt := at
	visit.CheckedInAt = &checkedInAt
	visit.Status = models.StatusWaiting
	_, err = tx.Exec(ctx, `
		UPDATE visits SET status = $1, checked_in_at = $2 WHERE visit_id = $3
	`, visit.Status, at, visit.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}

	// two ledger facts: the admit and the immediate move to waiting
	if err = insertStateChange(ctx, tx, visit, previous, models.StatusCheckedIn, input.Reason, at, &entry); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if err = insertStateChange(ctx, tx, visit, models.StatusCheckedIn, models.StatusWaiting, "", at, &entry); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	return visit, entry, nil
}

// CallNext binds the first free room and dentist to a waiting visit. The
// candidate rows are taken FOR UPDATE SKIP LOCKED, so two staff terminals
// calling at once settle on different resources or one of them gets
// ErrNoResourceAvailable.
func (s *Store) CallNext(ctx context.Context, input store.VisitActionInput) (models.Visit, models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	visit, err := lockVisit(ctx, tx, input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if visit.Status != models.StatusWaiting {
		err = store.ErrInvalidTransition
		return models.Visit{}, models.QueueEntry{}, err
	}
	entry, found, err := findEntry(ctx, tx, visit.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if !found {
		err = store.ErrEntryNotFound
		return models.Visit{}, models.QueueEntry{}, err
	}

	roomID, err := lockFreeRoom(ctx, tx, visit.ClinicID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	dentistID, err := lockFreeDentist(ctx, tx, visit.ClinicID, visit.DentistID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if roomID == "" || dentistID == "" {
		err = store.ErrNoResourceAvailable
		return models.Visit{}, models.QueueEntry{}, err
	}

	at := occurredAt(input.OccurredAt)
	if err = bindEntry(ctx, tx, &entry, roomID, dentistID, at); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}

	previous := visit.Status
	visit.Status = models.StatusCalled
	if visit.DentistID == nil {
		visit.DentistID = &dentistID
	}
	_, err = tx.Exec(ctx, `UPDATE visits SET status = $1, dentist_id = $2 WHERE visit_id = $3`,
		visit.Status, visit.DentistID, visit.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}

	if err = insertStateChange(ctx, tx, visit, previous, models.StatusCalled, input.Reason, at, &entry); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	return visit, entry, nil
}

// AssignResources is the manual override path: staff name the exact room
// and dentist instead of taking the allocator's pick.
func (s *Store) AssignResources(ctx context.Context, input store.AssignInput) (models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	visit, err := lockVisit(ctx, tx, input.ClinicID, input.VisitID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if visit.Status != models.StatusWaiting && visit.Status != models.StatusCalled {
		err = store.ErrInvalidTransition
		return models.QueueEntry{}, err
	}
	entry, found, err := findEntry(ctx, tx, visit.VisitID)
	if err != nil {
		return models.QueueEntry{}, err
	}
	if !found {
		err = store.ErrEntryNotFound
		return models.QueueEntry{}, err
	}

	if err = lockNamedResource(ctx, tx, "rooms", "room_id", input.ClinicID, input.RoomID); err != nil {
		return models.QueueEntry{}, err
	}
	if err = lockNamedResource(ctx, tx, "dentists", "dentist_id", input.ClinicID, input.DentistID); err != nil {
		return models.QueueEntry{}, err
	}
	if err = ensureUnbound(ctx, tx, "room_id", input.RoomID, entry.EntryID); err != nil {
		return models.QueueEntry{}, err
	}
	if err = ensureUnbound(ctx, tx, "dentist_id", input.DentistID, entry.EntryID); err != nil {
		return models.QueueEntry{}, err
	}

	at := occurredAt(input.OccurredAt)
	if err = bindEntry(ctx, tx, &entry, input.RoomID, input.DentistID, at); err != nil {
		return models.QueueEntry{}, err
	}

	if visit.Status == models.StatusWaiting {
		previous := visit.Status
		visit.Status = models.StatusCalled
		if _, err = tx.Exec(ctx, `UPDATE visits SET status = $1 WHERE visit_id = $2`, visit.Status, visit.VisitID); err != nil {
			return models.QueueEntry{}, err
		}
		if err = insertStateChange(ctx, tx, visit, previous, models.StatusCalled, "manual assignment", at, &entry); err != nil {
			return models.QueueEntry{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return models.QueueEntry{}, err
	}
	return entry, nil
}

// BeginTreatment promotes a called visit. A repeat call while already in
// treatment commits nothing and reports success, so the staff button and
// the auto-transition timer can race on the same visit.
func (s *Store) BeginTreatment(ctx context.Context, input store.VisitActionInput) (models.Visit, models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	visit, entry, err := beginTreatmentTx(ctx, tx, input)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	return visit, entry, nil
}

func beginTreatmentTx(ctx context.Context, tx pgx.Tx, input store.VisitActionInput) (models.Visit, models.QueueEntry, error) {
	visit, err := lockVisit(ctx, tx, input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	entry, found, err := findEntry(ctx, tx, visit.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if !found {
		return models.Visit{}, models.QueueEntry{}, store.ErrEntryNotFound
	}
	if visit.Status == models.StatusInTreatment {
		return visit, entry, nil
	}
	if visit.Status != models.StatusCalled {
		return models.Visit{}, models.QueueEntry{}, store.ErrInvalidTransition
	}

	at := occurredAt(input.OccurredAt)
	previous := visit.Status
	visit.Status = models.StatusInTreatment
	startedAt := at
	visit.TreatmentStartedAt = &startedAt
	if _, err = tx.Exec(ctx, `
		UPDATE visits SET status = $1, treatment_started_at = $2 WHERE visit_id = $3
	`, visit.Status, at, visit.VisitID); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}

	entry.Status = models.QueueInTreatment
	if _, err = tx.Exec(ctx, `UPDATE queue_entries SET status = $1 WHERE entry_id = $2`, entry.Status, entry.EntryID); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if err = setResourceStatus(ctx, tx, entry, "occupied"); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if err = insertStateChange(ctx, tx, visit, previous, models.StatusInTreatment, input.Reason, at, &entry); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	return visit, entry, nil
}

func (s *Store) CompleteTreatment(ctx context.Context, input store.VisitActionInput) (models.Visit, models.QueueEntry, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	visit, err := lockVisit(ctx, tx, input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if visit.Status != models.StatusInTreatment {
		err = store.ErrInvalidTransition
		return models.Visit{}, models.QueueEntry{}, err
	}
	entry, found, err := findEntry(ctx, tx, visit.VisitID)
	if err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if !found {
		err = store.ErrEntryNotFound
		return models.Visit{}, models.QueueEntry{}, err
	}

	at := occurredAt(input.OccurredAt)
	if err = setResourceStatus(ctx, tx, entry, "available"); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	entry.Status = models.QueueCompleted
	if _, err = tx.Exec(ctx, `UPDATE queue_entries SET status = $1 WHERE entry_id = $2`, entry.Status, entry.EntryID); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}

	previous := visit.Status
	visit.Status = models.StatusCompleted
	endedAt := at
	visit.TreatmentEndedAt = &endedAt
	due := at.Add(s.feedbackDelay)
	visit.FeedbackDueAt = &due
	if _, err = tx.Exec(ctx, `
		UPDATE visits SET status = $1, treatment_ended_at = $2, feedback_due_at = $3 WHERE visit_id = $4
	`, visit.Status, at, due, visit.VisitID); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}

	if err = insertStateChange(ctx, tx, visit, previous, models.StatusCompleted, input.Reason, at, &entry); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, models.QueueEntry{}, err
	}
	return visit, entry, nil
}

func (s *Store) CancelVisit(ctx context.Context, input store.VisitActionInput) (models.Visit, error) {
	return s.terminate(ctx, input, models.StatusCancelled)
}

func (s *Store) MarkNoShow(ctx context.Context, input store.VisitActionInput) (models.Visit, error) {
	return s.terminate(ctx, input, models.StatusNoShow)
}

func (s *Store) terminate(ctx context.Context, input store.VisitActionInput, terminal string) (models.Visit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	visit, err := lockVisit(ctx, tx, input.ClinicID, input.VisitID)
	if err != nil {
		return models.Visit{}, err
	}
	if !store.CanTransition(visit.Status, terminal) {
		err = store.ErrInvalidTransition
		return models.Visit{}, err
	}

	at := occurredAt(input.OccurredAt)
	entry, found, err := findEntry(ctx, tx, visit.VisitID)
	if err != nil {
		return models.Visit{}, err
	}
	var eventEntry *models.QueueEntry
	if found && entry.Status != models.QueueCompleted {
		if err = setResourceStatus(ctx, tx, entry, "available"); err != nil {
			return models.Visit{}, err
		}
		// voided entries leave the ledger; later positions keep their numbers
		if _, err = tx.Exec(ctx, `DELETE FROM queue_entries WHERE entry_id = $1`, entry.EntryID); err != nil {
			return models.Visit{}, err
		}
	} else if found {
		eventEntry = &entry
	}

	previous := visit.Status
	visit.Status = terminal
	visit.CancelReason = input.Reason
	if _, err = tx.Exec(ctx, `
		UPDATE visits SET status = $1, cancel_reason = $2 WHERE visit_id = $3
	`, visit.Status, nullIfEmpty(input.Reason), visit.VisitID); err != nil {
		return models.Visit{}, err
	}

	if err = insertStateChange(ctx, tx, visit, previous, terminal, input.Reason, at, eventEntry); err != nil {
		return models.Visit{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, err
	}
	return visit, nil
}

func (s *Store) ListQueue(ctx context.Context, clinicID, queueDate string) ([]store.QueueRow, error) {
	rows, err := s.pool.Query(ctx, queueRowSelect+`
		WHERE e.clinic_id = $1 AND e.queue_date = $2 AND v.status IN ('waiting','called','in_treatment')
		ORDER BY e.position ASC
	`, clinicID, queueDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanQueueRows(rows)
}

func (s *Store) PositionFor(ctx context.Context, clinicID, visitID string) (int, bool, error) {
	var position int
	row := s.pool.QueryRow(ctx, `
		SELECT e.position
		FROM queue_entries e
		WHERE e.visit_id = $1 AND e.clinic_id = $2
	`, visitID, clinicID)
	if err := row.Scan(&position); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := s.GetVisit(ctx, clinicID, visitID); gerr != nil {
				return 0, false, gerr
			}
			return 0, false, nil
		}
		return 0, false, err
	}
	return position, true, nil
}

func (s *Store) ActiveAhead(ctx context.Context, clinicID, visitID string) ([]store.QueueRow, error) {
	rows, err := s.pool.Query(ctx, queueRowSelect+`
		JOIN queue_entries target ON target.visit_id = $1 AND target.clinic_id = $2
		WHERE e.clinic_id = target.clinic_id AND e.queue_date = target.queue_date
			AND e.position < target.position
			AND v.status IN ('waiting','called','in_treatment')
		ORDER BY e.position ASC
	`, visitID, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result, err := scanQueueRows(rows)
	if err != nil {
		return nil, err
	}
	if result == nil {
		// distinguish "nobody ahead" from "never queued"
		if _, _, perr := s.PositionFor(ctx, clinicID, visitID); perr != nil {
			return nil, perr
		}
	}
	return result, nil
}

// EstimateSnapshot reads the ledger inside one repeatable-read transaction
// so the ahead set, the room count, and the in-treatment timings describe
// the same instant.
func (s *Store) EstimateSnapshot(ctx context.Context, clinicID, visitID string) (eta.Input, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return eta.Input{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var serviceMinutes int
	row := tx.QueryRow(ctx, `
		SELECT service_minutes FROM visits WHERE visit_id = $1 AND clinic_id = $2
	`, visitID, clinicID)
	if err := row.Scan(&serviceMinutes); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eta.Input{}, store.ErrVisitNotFound
		}
		return eta.Input{}, err
	}

	input := eta.Input{ServiceMinutes: serviceMinutes, Now: time.Now().UTC()}

	aheadRows, err := tx.Query(ctx, `
		SELECT e.visit_id, e.position, v.service_minutes
		FROM queue_entries e
		JOIN visits v ON v.visit_id = e.visit_id
		JOIN queue_entries target ON target.visit_id = $1 AND target.clinic_id = $2
		WHERE e.clinic_id = target.clinic_id AND e.queue_date = target.queue_date
			AND e.position < target.position
			AND v.status IN ('waiting','called','in_treatment')
		ORDER BY e.position ASC
	`, visitID, clinicID)
	if err != nil {
		return eta.Input{}, err
	}
	defer aheadRows.Close()
	for aheadRows.Next() {
		var ahead eta.AheadEntry
		if err := aheadRows.Scan(&ahead.VisitID, &ahead.Position, &ahead.ServiceMinutes); err != nil {
			return eta.Input{}, err
		}
		input.Ahead = append(input.Ahead, ahead)
	}
	if err := aheadRows.Err(); err != nil {
		return eta.Input{}, err
	}

	row = tx.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM rooms r
		WHERE r.clinic_id = $1 AND r.active = TRUE
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries e
				WHERE e.room_id = r.room_id AND e.status = 'in_treatment'
			)
	`, clinicID)
	if err := row.Scan(&input.FreeRooms); err != nil {
		return eta.Input{}, err
	}

	treatRows, err := tx.Query(ctx, `
		SELECT v.visit_id, v.service_minutes, COALESCE(v.treatment_started_at, NOW())
		FROM queue_entries e
		JOIN visits v ON v.visit_id = e.visit_id
		WHERE e.clinic_id = $1 AND e.status = 'in_treatment'
	`, clinicID)
	if err != nil {
		return eta.Input{}, err
	}
	defer treatRows.Close()
	for treatRows.Next() {
		var t eta.InTreatment
		if err := treatRows.Scan(&t.VisitID, &t.ServiceMinutes, &t.StartedAt); err != nil {
			return eta.Input{}, err
		}
		input.InTreatment = append(input.InTreatment, t)
	}
	if err := treatRows.Err(); err != nil {
		return eta.Input{}, err
	}

	return input, nil
}

func (s *Store) FreeRooms(ctx context.Context, clinicID string) ([]models.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.room_id, r.clinic_id, r.name, r.active
		FROM rooms r
		WHERE r.clinic_id = $1 AND r.active = TRUE
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries e
				WHERE e.room_id = r.room_id AND e.status IN ('called','in_treatment')
			)
		ORDER BY r.name ASC
	`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.RoomID, &room.ClinicID, &room.Name, &room.Active); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *Store) FreeDentists(ctx context.Context, clinicID string) ([]models.Dentist, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.dentist_id, d.clinic_id, d.name, d.active
		FROM dentists d
		WHERE d.clinic_id = $1 AND d.active = TRUE
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries e
				WHERE e.dentist_id = d.dentist_id AND e.status IN ('called','in_treatment')
			)
		ORDER BY d.name ASC
	`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dentists []models.Dentist
	for rows.Next() {
		var dentist models.Dentist
		if err := rows.Scan(&dentist.DentistID, &dentist.ClinicID, &dentist.Name, &dentist.Active); err != nil {
			return nil, err
		}
		dentists = append(dentists, dentist)
	}
	return dentists, rows.Err()
}

func (s *Store) OccupancySnapshot(ctx context.Context, clinicID string) ([]models.Room, []models.Dentist, error) {
	roomRows, err := s.pool.Query(ctx, `
		SELECT r.room_id, r.clinic_id, r.name, r.active,
			EXISTS (
				SELECT 1 FROM queue_entries e
				WHERE e.room_id = r.room_id AND e.status = 'in_treatment'
			)
		FROM rooms r
		WHERE r.clinic_id = $1
		ORDER BY r.name ASC
	`, clinicID)
	if err != nil {
		return nil, nil, err
	}
	defer roomRows.Close()

	var rooms []models.Room
	for roomRows.Next() {
		var room models.Room
		if err := roomRows.Scan(&room.RoomID, &room.ClinicID, &room.Name, &room.Active, &room.Occupied); err != nil {
			return nil, nil, err
		}
		rooms = append(rooms, room)
	}
	if err := roomRows.Err(); err != nil {
		return nil, nil, err
	}

	dentistRows, err := s.pool.Query(ctx, `
		SELECT d.dentist_id, d.clinic_id, d.name, d.active,
			EXISTS (
				SELECT 1 FROM queue_entries e
				WHERE e.dentist_id = d.dentist_id AND e.status = 'in_treatment'
			)
		FROM dentists d
		WHERE d.clinic_id = $1
		ORDER BY d.name ASC
	`, clinicID)
	if err != nil {
		return nil, nil, err
	}
	defer dentistRows.Close()

	var dentists []models.Dentist
	for dentistRows.Next() {
		var dentist models.Dentist
		if err := dentistRows.Scan(&dentist.DentistID, &dentist.ClinicID, &dentist.Name, &dentist.Active, &dentist.Occupied); err != nil {
			return nil, nil, err
		}
		dentists = append(dentists, dentist)
	}
	return rooms, dentists, dentistRows.Err()
}

// ReconcileResources reports rows whose stored status says occupied while
// no in-treatment entry binds them. It never corrects anything itself;
// ResetResourceStatus is the explicit administrative fix.
func (s *Store) ReconcileResources(ctx context.Context, clinicID string) ([]store.StaleResource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT 'room', r.room_id, r.clinic_id, r.status
		FROM rooms r
		WHERE r.clinic_id = $1 AND r.status = 'occupied'
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries e
				WHERE e.room_id = r.room_id AND e.status = 'in_treatment'
			)
		UNION ALL
		SELECT 'dentist', d.dentist_id, d.clinic_id, d.status
		FROM dentists d
		WHERE d.clinic_id = $1 AND d.status = 'occupied'
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries e
				WHERE e.dentist_id = d.dentist_id AND e.status = 'in_treatment'
			)
		ORDER BY 2 ASC
	`, clinicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stale []store.StaleResource
	for rows.Next() {
		var finding store.StaleResource
		if err := rows.Scan(&finding.Kind, &finding.ResourceID, &finding.ClinicID, &finding.Stored); err != nil {
			return nil, err
		}
		stale = append(stale, finding)
	}
	return stale, rows.Err()
}

func (s *Store) ResetResourceStatus(ctx context.Context, clinicID, kind, resourceID string) error {
	var table, column string
	switch kind {
	case models.ResourceRoom:
		table, column = "rooms", "room_id"
	case models.ResourceDentist:
		table, column = "dentists", "dentist_id"
	default:
		return store.ErrResourceNotFound
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var bound bool
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM queue_entries e
			WHERE e.%s = $1 AND e.status = 'in_treatment'
		)
	`, column), resourceID)
	if err = row.Scan(&bound); err != nil {
		return err
	}
	if bound {
		err = store.ErrResourceAlreadyBound
		return err
	}

	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'available' WHERE %s = $1 AND clinic_id = $2
	`, table, column), resourceID, clinicID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		err = store.ErrResourceNotFound
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) PauseQueue(ctx context.Context, clinicID string, at time.Time) (models.QueueControl, error) {
	return s.setPaused(ctx, clinicID, true, at)
}

func (s *Store) ResumeQueue(ctx context.Context, clinicID string, at time.Time) (models.QueueControl, error) {
	return s.setPaused(ctx, clinicID, false, at)
}

func (s *Store) setPaused(ctx context.Context, clinicID string, paused bool, at time.Time) (models.QueueControl, error) {
	if err := s.ensureClinic(ctx, clinicID); err != nil {
		return models.QueueControl{}, err
	}
	column := "resumed_at"
	if paused {
		column = "paused_at"
	}
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO queue_controls (clinic_id, paused, %s)
		VALUES ($1, $2, $3)
		ON CONFLICT (clinic_id)
		DO UPDATE SET paused = $2, %s = $3
		RETURNING clinic_id, paused, paused_at, resumed_at, auto_transition_seconds
	`, column, column), clinicID, paused, at)
	return scanControl(row)
}

func (s *Store) GetQueueControl(ctx context.Context, clinicID string) (models.QueueControl, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT clinic_id, paused, paused_at, resumed_at, auto_transition_seconds
		FROM queue_controls
		WHERE clinic_id = $1
	`, clinicID)
	control, err := scanControl(row)
	if errors.Is(err, store.ErrClinicNotFound) {
		if cerr := s.ensureClinic(ctx, clinicID); cerr != nil {
			return models.QueueControl{}, cerr
		}
		row = s.pool.QueryRow(ctx, `
			INSERT INTO queue_controls (clinic_id, paused)
			VALUES ($1, FALSE)
			ON CONFLICT (clinic_id) DO UPDATE SET paused = queue_controls.paused
			RETURNING clinic_id, paused, paused_at, resumed_at, auto_transition_seconds
		`, clinicID)
		return scanControl(row)
	}
	return control, err
}

// AutoBeginDue promotes called entries whose window has elapsed, skipping
// paused clinics. Candidates are locked SKIP LOCKED so concurrent ticks
// and staff commands do not collide.
func (s *Store) AutoBeginDue(ctx context.Context, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	// LEFT JOIN: a clinic gets a control row only once staff touch the
	// pause switch, and an absent row means running with defaults.
	rows, err := tx.Query(ctx, `
		SELECT e.clinic_id, e.visit_id
		FROM queue_entries e
		LEFT JOIN queue_controls c ON c.clinic_id = e.clinic_id
		WHERE e.status = 'called'
			AND COALESCE(c.paused, FALSE) = FALSE
			AND e.called_at + make_interval(secs => COALESCE(c.auto_transition_seconds, 120)) <= NOW()
		ORDER BY e.called_at ASC
		FOR UPDATE OF e SKIP LOCKED
		LIMIT $1
	`, batchSize)
	if err != nil {
		return 0, err
	}

	type candidate struct {
		clinicID string
		visitID  string
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err = rows.Scan(&c.clinicID, &c.visitID); err != nil {
			rows.Close()
			return 0, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	promoted := 0
	for _, c := range candidates {
		_, _, berr := beginTreatmentTx(ctx, tx, store.VisitActionInput{
			ClinicID: c.clinicID,
			VisitID:  c.visitID,
			Reason:   "auto transition",
		})
		if berr != nil {
			// visit moved under us, leave it to the next tick
			if errors.Is(berr, store.ErrInvalidTransition) || errors.Is(berr, store.ErrVisitNotFound) {
				continue
			}
			err = berr
			return 0, err
		}
		promoted++
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return promoted, nil
}

func (s *Store) ListFeedbackDue(ctx context.Context, before time.Time, limit int) ([]models.Visit, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, visitSelect+`
		WHERE status = 'completed' AND feedback_due_at IS NOT NULL AND feedback_due_at <= $1
		ORDER BY feedback_due_at ASC
		LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []models.Visit
	for rows.Next() {
		visit, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, visit)
	}
	return due, rows.Err()
}

func (s *Store) MarkFeedbackScheduled(ctx context.Context, clinicID, visitID string, at time.Time) (models.Visit, error) {
	return s.feedbackTransition(ctx, clinicID, visitID, models.StatusCompleted, models.StatusFeedbackScheduled, at, "")
}

func (s *Store) MarkFeedbackSent(ctx context.Context, clinicID, visitID string, at time.Time) (models.Visit, error) {
	return s.feedbackTransition(ctx, clinicID, visitID, models.StatusFeedbackScheduled, models.StatusFeedbackSent, at, "feedback_sent_at")
}

func (s *Store) feedbackTransition(ctx context.Context, clinicID, visitID, from, to string, at time.Time, stampColumn string) (models.Visit, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Visit{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if at.IsZero() {
		at = time.Now().UTC()
	}
	query := `UPDATE visits SET status = $1 WHERE visit_id = $2 AND clinic_id = $3 AND status = $4`
	args := []interface{}{to, visitID, clinicID, from}
	if stampColumn != "" {
		query = fmt.Sprintf(`UPDATE visits SET status = $1, %s = $5 WHERE visit_id = $2 AND clinic_id = $3 AND status = $4`, stampColumn)
		args = append(args, at)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return models.Visit{}, err
	}
	if tag.RowsAffected() == 0 {
		if _, gerr := s.GetVisit(ctx, clinicID, visitID); gerr != nil {
			err = gerr
			return models.Visit{}, err
		}
		err = store.ErrInvalidTransition
		return models.Visit{}, err
	}

	visit, err := lockVisit(ctx, tx, clinicID, visitID)
	if err != nil {
		return models.Visit{}, err
	}
	if err = insertStateChange(ctx, tx, visit, from, to, "", at, nil); err != nil {
		return models.Visit{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Visit{}, err
	}
	return visit, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, clinicID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT event_id, clinic_id, type, payload_json, created_at
		FROM outbox_events
	`
	var args []interface{}
	var clauses []string
	if clinicID != "" {
		args = append(args, clinicID)
		clauses = append(clauses, fmt.Sprintf("clinic_id = $%d", len(args)))
	}
	if !after.IsZero() {
		args = append(args, after)
		clauses = append(clauses, fmt.Sprintf("created_at > $%d", len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.ClinicID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ensureClinic(ctx context.Context, clinicID string) error {
	var exists bool
	row := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM clinics WHERE clinic_id = $1)`, clinicID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrClinicNotFound
	}
	return nil
}

const visitSelect = `
	SELECT visit_id, visit_code, visit_token, request_id, clinic_id, service_id, dentist_id,
		patient_name, patient_phone, patient_email, status, scheduled_at, created_at, service_minutes,
		checked_in_at, treatment_started_at, treatment_ended_at, feedback_due_at, feedback_sent_at, cancel_reason
	FROM visits
`

func scanVisit(row pgx.Row) (models.Visit, error) {
	var visit models.Visit
	var requestID, dentistID, cancelReason sql.NullString
	var checkedIn, started, ended, feedbackDue, feedbackSent sql.NullTime
	err := row.Scan(
		&visit.VisitID, &visit.VisitCode, &visit.VisitToken, &requestID, &visit.ClinicID, &visit.ServiceID,
		&dentistID, &visit.PatientName, &visit.PatientPhone, &visit.PatientEmail, &visit.Status,
		&visit.ScheduledAt, &visit.CreatedAt, &visit.ServiceMinutes,
		&checkedIn, &started, &ended, &feedbackDue, &feedbackSent, &cancelReason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Visit{}, store.ErrVisitNotFound
		}
		return models.Visit{}, err
	}
	if requestID.Valid {
		visit.RequestID = requestID.String
	}
	visit.DentistID = nullStringPtr(dentistID)
	visit.CheckedInAt = nullTimePtr(checkedIn)
	visit.TreatmentStartedAt = nullTimePtr(started)
	visit.TreatmentEndedAt = nullTimePtr(ended)
	visit.FeedbackDueAt = nullTimePtr(feedbackDue)
	visit.FeedbackSentAt = nullTimePtr(feedbackSent)
	if cancelReason.Valid {
		visit.CancelReason = cancelReason.String
	}
	visit.Status = store.NormalizeStatus(visit.Status)
	return visit, nil
}

func lockVisit(ctx context.Context, tx pgx.Tx, clinicID, visitID string) (models.Visit, error) {
	row := tx.QueryRow(ctx, visitSelect+` WHERE visit_id = $1 AND clinic_id = $2 FOR UPDATE`, visitID, clinicID)
	return scanVisit(row)
}

func findVisitByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Visit, bool, error) {
	row := tx.QueryRow(ctx, visitSelect+` WHERE request_id = $1`, requestID)
	visit, err := scanVisit(row)
	if errors.Is(err, store.ErrVisitNotFound) {
		return models.Visit{}, false, nil
	}
	if err != nil {
		return models.Visit{}, false, err
	}
	return visit, true, nil
}

func findEntry(ctx context.Context, tx pgx.Tx, visitID string) (models.QueueEntry, bool, error) {
	var entry models.QueueEntry
	var position sql.NullInt64
	var roomID, dentistID sql.NullString
	var calledAt sql.NullTime
	row := tx.QueryRow(ctx, `
		SELECT entry_id, visit_id, clinic_id, queue_date::text, position, status, room_id, dentist_id, checked_in_at, called_at
		FROM queue_entries
		WHERE visit_id = $1
		FOR UPDATE
	`, visitID)
	err := row.Scan(&entry.EntryID, &entry.VisitID, &entry.ClinicID, &entry.QueueDate, &position,
		&entry.Status, &roomID, &dentistID, &entry.CheckedInAt, &calledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueEntry{}, false, nil
		}
		return models.QueueEntry{}, false, err
	}
	if position.Valid {
		pos := int(position.Int64)
		entry.Position = &pos
	}
	entry.RoomID = nullStringPtr(roomID)
	entry.DentistID = nullStringPtr(dentistID)
	entry.CalledAt = nullTimePtr(calledAt)
	return entry, true, nil
}

func lookupService(ctx context.Context, tx pgx.Tx, clinicID, serviceID string) (models.Service, error) {
	var svc models.Service
	row := tx.QueryRow(ctx, `
		SELECT s.service_id, s.clinic_id, s.name, s.code, s.duration_minutes, s.active
		FROM services s
		JOIN clinics c ON c.clinic_id = s.clinic_id
		WHERE s.service_id = $1 AND s.clinic_id = $2 AND s.active = TRUE
	`, serviceID, clinicID)
	if err := row.Scan(&svc.ServiceID, &svc.ClinicID, &svc.Name, &svc.Code, &svc.DurationMinutes, &svc.Active); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	return svc, nil
}

func nextQueuePosition(ctx context.Context, tx pgx.Tx, clinicID, queueDate string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_position_seq (clinic_id, queue_date, next_position)
		VALUES ($1, $2, 1)
		ON CONFLICT (clinic_id, queue_date)
		DO UPDATE SET next_position = queue_position_seq.next_position + 1
		RETURNING next_position
	`, clinicID, queueDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func nextVisitNumber(ctx context.Context, tx pgx.Tx, clinicID string, scheduledAt time.Time) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO visit_code_seq (clinic_id, code_date, next_number)
		VALUES ($1, $2, 1)
		ON CONFLICT (clinic_id, code_date)
		DO UPDATE SET next_number = visit_code_seq.next_number + 1
		RETURNING next_number
	`, clinicID, scheduledAt.UTC().Format("2006-01-02"))
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func lockFreeRoom(ctx context.Context, tx pgx.Tx, clinicID string) (string, error) {
	var roomID string
	row := tx.QueryRow(ctx, `
		SELECT r.room_id
		FROM rooms r
		WHERE r.clinic_id = $1 AND r.active = TRUE
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries e
				WHERE e.room_id = r.room_id AND e.status IN ('called','in_treatment')
			)
		ORDER BY r.name ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, clinicID)
	if err := row.Scan(&roomID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return roomID, nil
}

func lockFreeDentist(ctx context.Context, tx pgx.Tx, clinicID string, preferred *string) (string, error) {
	if preferred != nil {
		var dentistID string
		row := tx.QueryRow(ctx, `
			SELECT d.dentist_id
			FROM dentists d
			WHERE d.dentist_id = $1 AND d.clinic_id = $2 AND d.active = TRUE
				AND NOT EXISTS (
					SELECT 1 FROM queue_entries e
					WHERE e.dentist_id = d.dentist_id AND e.status IN ('called','in_treatment')
				)
			FOR UPDATE SKIP LOCKED
		`, *preferred, clinicID)
		if err := row.Scan(&dentistID); err == nil {
			return dentistID, nil
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return "", err
		}
		// preferred dentist busy, fall through to any free one
	}

	var dentistID string
	row := tx.QueryRow(ctx, `
		SELECT d.dentist_id
		FROM dentists d
		WHERE d.clinic_id = $1 AND d.active = TRUE
			AND NOT EXISTS (
				SELECT 1 FROM queue_entries e
				WHERE e.dentist_id = d.dentist_id AND e.status IN ('called','in_treatment')
			)
		ORDER BY d.name ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, clinicID)
	if err := row.Scan(&dentistID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return dentistID, nil
}

func lockNamedResource(ctx context.Context, tx pgx.Tx, table, column, clinicID, resourceID string) error {
	var id string
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE %s = $1 AND clinic_id = $2 AND active = TRUE
		FOR UPDATE
	`, column, table, column), resourceID, clinicID)
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrResourceNotFound
		}
		return err
	}
	return nil
}

func ensureUnbound(ctx context.Context, tx pgx.Tx, column, resourceID, ownEntryID string) error {
	var bound bool
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM queue_entries e
			WHERE e.%s = $1 AND e.entry_id <> $2 AND e.status IN ('called','in_treatment')
		)
	`, column), resourceID, ownEntryID)
	if err := row.Scan(&bound); err != nil {
		return err
	}
	if bound {
		return store.ErrResourceAlreadyBound
	}
	return nil
}

func bindEntry(ctx context.Context, tx pgx.Tx, entry *models.QueueEntry, roomID, dentistID string, at time.Time) error {
	entry.RoomID = &roomID
	entry.DentistID = &dentistID
	entry.Status = models.QueueCalled
	calledAt := at
	entry.CalledAt = &calledAt
	_, err := tx.Exec(ctx, `
		UPDATE queue_entries
		SET status = $1, room_id = $2, dentist_id = $3, called_at = $4
		WHERE entry_id = $5
	`, entry.Status, roomID, dentistID, at, entry.EntryID)
	return err
}

func setResourceStatus(ctx context.Context, tx pgx.Tx, entry models.QueueEntry, status string) error {
	if entry.RoomID != nil {
		if _, err := tx.Exec(ctx, `UPDATE rooms SET status = $1 WHERE room_id = $2`, status, *entry.RoomID); err != nil {
			return err
		}
	}
	if entry.DentistID != nil {
		if _, err := tx.Exec(ctx, `UPDATE dentists SET status = $1 WHERE dentist_id = $2`, status, *entry.DentistID); err != nil {
			return err
		}
	}
	return nil
}

func insertStateChange(ctx context.Context, tx pgx.Tx, visit models.Visit, previous, next, reason string, at time.Time, entry *models.QueueEntry) error {
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
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, clinic_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), visit.ClinicID, store.EventVisitStateChanged, payload, at)
	return err
}

const queueRowSelect = `
	SELECT e.entry_id, e.visit_id, e.clinic_id, e.queue_date::text, e.position, e.status,
		e.room_id, e.dentist_id, e.checked_in_at, e.called_at,
		v.visit_code, v.status, v.patient_name, v.service_minutes
	FROM queue_entries e
	JOIN visits v ON v.visit_id = e.visit_id
`

func scanQueueRows(rows pgx.Rows) ([]store.QueueRow, error) {
	var result []store.QueueRow
	for rows.Next() {
		var row store.QueueRow
		var position sql.NullInt64
		var roomID, dentistID sql.NullString
		var calledAt sql.NullTime
		err := rows.Scan(&row.Entry.EntryID, &row.Entry.VisitID, &row.Entry.ClinicID, &row.Entry.QueueDate,
			&position, &row.Entry.Status, &roomID, &dentistID, &row.Entry.CheckedInAt, &calledAt,
			&row.VisitCode, &row.VisitStatus, &row.PatientName, &row.ServiceMinutes)
		if err != nil {
			return nil, err
		}
		if position.Valid {
			pos := int(position.Int64)
			row.Entry.Position = &pos
		}
		row.Entry.RoomID = nullStringPtr(roomID)
		row.Entry.DentistID = nullStringPtr(dentistID)
		row.Entry.CalledAt = nullTimePtr(calledAt)
		row.VisitStatus = store.NormalizeStatus(row.VisitStatus)
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanControl(row pgx.Row) (models.QueueControl, error) {
	var control models.QueueControl
	var pausedAt, resumedAt sql.NullTime
	if err := row.Scan(&control.ClinicID, &control.Paused, &pausedAt, &resumedAt, &control.AutoTransitionSeconds); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueControl{}, store.ErrClinicNotFound
		}
		return models.QueueControl{}, err
	}
	control.PausedAt = nullTimePtr(pausedAt)
	control.ResumedAt = nullTimePtr(resumedAt)
	return control, nil
}

func occurredAt(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}
