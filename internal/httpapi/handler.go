package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinicq/internal/eta"
	"clinicq/internal/hub"
	"clinicq/internal/models"
	"clinicq/internal/store"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	store store.VisitStore
	hub   *hub.Hub
}

type createVisitRequest struct {
	RequestID    string `json:"request_id"`
	ClinicID     string `json:"clinic_id"`
	ServiceID    string `json:"service_id"`
	DentistID    string `json:"dentist_id"`
	PatientName  string `json:"patient_name"`
	PatientPhone string `json:"patient_phone"`
	PatientEmail string `json:"patient_email"`
	ScheduledAt  string `json:"scheduled_at"`
	Confirmed    bool   `json:"confirmed"`
}

type visitActionRequest struct {
	RequestID string `json:"request_id"`
	ClinicID  string `json:"clinic_id"`
	Reason    string `json:"reason"`
}

type assignRequest struct {
	RequestID string `json:"request_id"`
	ClinicID  string `json:"clinic_id"`
	RoomID    string `json:"room_id"`
	DentistID string `json:"dentist_id"`
}

type clinicRequest struct {
	ClinicID string `json:"clinic_id"`
}

type etaResponse struct {
	VisitID              string `json:"visit_id"`
	Status               string `json:"status"`
	Position             *int   `json:"position,omitempty"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
}

type occupancyResponse struct {
	Rooms    []models.Room    `json:"rooms"`
	Dentists []models.Dentist `json:"dentists"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(store store.VisitStore, h *hub.Hub) *Handler {
	return &Handler{store: store, hub: h}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/visits", h.handleVisits)
	mux.HandleFunc("/api/visits/by-token/", h.handleVisitByToken)
	mux.HandleFunc("/api/visits/", h.handleVisitSubtree)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/queue/eta", h.handleETA)
	mux.HandleFunc("/api/queue/pause", h.handlePause)
	mux.HandleFunc("/api/queue/resume", h.handleResume)
	mux.HandleFunc("/api/queue/control", h.handleControl)
	mux.HandleFunc("/api/resources", h.handleResources)
	mux.HandleFunc("/api/resources/reconcile", h.handleReconcile)
	mux.HandleFunc("/api/resources/", h.handleResourceReset)
	mux.HandleFunc("/api/events", h.handleEvents)
	mux.HandleFunc("/api/events/stream", h.handleStream)
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleVisits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req createVisitRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ClinicID = strings.TrimSpace(req.ClinicID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.DentistID = strings.TrimSpace(req.DentistID)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.PatientPhone = strings.TrimSpace(req.PatientPhone)
	req.PatientEmail = strings.TrimSpace(req.PatientEmail)

	if req.RequestID == "" || req.ClinicID == "" || req.ServiceID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, clinic_id, and service_id are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.PatientPhone != "" && !isValidPhone(req.PatientPhone) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "patient_phone must be 8-16 digits")
		return
	}

	scheduledAt := time.Now().UTC()
	if req.ScheduledAt != "" {
		parsed, err := time.Parse(time.RFC3339, req.ScheduledAt)
		if err != nil {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "scheduled_at must be RFC3339 timestamp")
			return
		}
		scheduledAt = parsed.UTC()
	}

	visit, _, err := h.store.CreateVisit(r.Context(), store.CreateVisitInput{
		RequestID:    req.RequestID,
		ClinicID:     req.ClinicID,
		ServiceID:    req.ServiceID,
		DentistID:    req.DentistID,
		PatientName:  req.PatientName,
		PatientPhone: req.PatientPhone,
		PatientEmail: req.PatientEmail,
		ScheduledAt:  scheduledAt,
		Confirmed:    req.Confirmed,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (h *Handler) handleVisitByToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	token := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/visits/by-token/"), "/")
	if token == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "visit token is required")
		return
	}
	visit, err := h.store.GetVisitByToken(r.Context(), token)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	// the public tracker view hides staff-only fields
	visit.PatientPhone = ""
	visit.PatientEmail = ""
	visit.RequestID = ""
	writeJSON(w, http.StatusOK, visit)
}

func (h *Handler) handleVisitSubtree(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/visits/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGetVisit(w, r, parts[0])
	case len(parts) == 3 && parts[1] == "actions" && r.Method == http.MethodPost:
		h.handleVisitAction(w, r, parts[0], parts[2])
	case len(parts) == 1 || (len(parts) == 3 && parts[1] == "actions"):
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetVisit(w http.ResponseWriter, r *http.Request, visitID string) {
	clinicID := strings.TrimSpace(r.URL.Query().Get("clinic_id"))
	if clinicID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return
	}
	if !isValidUUID(visitID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "visit_id must be a UUID")
		return
	}
	visit, err := h.store.GetVisit(r.Context(), clinicID, visitID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (h *Handler) handleVisitAction(w http.ResponseWriter, r *http.Request, visitID, action string) {
	if !isValidUUID(visitID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "visit_id must be a UUID")
		return
	}
	if action == "assign" {
		h.handleAssign(w, r, visitID)
		return
	}

	var req visitActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ClinicID = strings.TrimSpace(req.ClinicID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.ClinicID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return
	}

	input := store.VisitActionInput{
		RequestID:  req.RequestID,
		ClinicID:   req.ClinicID,
		VisitID:    visitID,
		Reason:     req.Reason,
		OccurredAt: time.Now().UTC(),
	}

	switch action {
	case "confirm":
		visit, err := h.store.ConfirmVisit(r.Context(), input)
		h.writeVisitResult(w, req.RequestID, visit, err)
	case "checkin":
		visit, entry, err := h.store.CheckIn(r.Context(), input)
		h.writeVisitEntryResult(w, req.RequestID, visit, entry, err)
	case "call":
		visit, entry, err := h.store.CallNext(r.Context(), input)
		h.writeVisitEntryResult(w, req.RequestID, visit, entry, err)
	case "begin":
		visit, entry, err := h.store.BeginTreatment(r.Context(), input)
		h.writeVisitEntryResult(w, req.RequestID, visit, entry, err)
	case "complete":
		visit, entry, err := h.store.CompleteTreatment(r.Context(), input)
		h.writeVisitEntryResult(w, req.RequestID, visit, entry, err)
	case "cancel":
		visit, err := h.store.CancelVisit(r.Context(), input)
		h.writeVisitResult(w, req.RequestID, visit, err)
	case "no-show":
		visit, err := h.store.MarkNoShow(r.Context(), input)
		h.writeVisitResult(w, req.RequestID, visit, err)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type visitEntryResponse struct {
	Visit models.Visit      `json:"visit"`
	Entry models.QueueEntry `json:"entry"`
}

func (h *Handler) writeVisitResult(w http.ResponseWriter, requestID string, visit models.Visit, err error) {
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, visit)
}

func (h *Handler) writeVisitEntryResult(w http.ResponseWriter, requestID string, visit models.Visit, entry models.QueueEntry, err error) {
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, visitEntryResponse{Visit: visit, Entry: entry})
}

func (h *Handler) handleAssign(w http.ResponseWriter, r *http.Request, visitID string) {
	var req assignRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ClinicID = strings.TrimSpace(req.ClinicID)
	req.RoomID = strings.TrimSpace(req.RoomID)
	req.DentistID = strings.TrimSpace(req.DentistID)
	if req.ClinicID == "" || req.RoomID == "" || req.DentistID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "clinic_id, room_id, and dentist_id are required")
		return
	}

	entry, err := h.store.AssignResources(r.Context(), store.AssignInput{
		RequestID:  req.RequestID,
		ClinicID:   req.ClinicID,
		VisitID:    visitID,
		RoomID:     req.RoomID,
		DentistID:  req.DentistID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	clinicID := strings.TrimSpace(r.URL.Query().Get("clinic_id"))
	if clinicID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return
	}
	queueDate := strings.TrimSpace(r.URL.Query().Get("date"))
	if queueDate == "" {
		queueDate = models.QueueDay(time.Now().UTC())
	} else if _, err := time.Parse("2006-01-02", queueDate); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "date must be YYYY-MM-DD")
		return
	}

	rows, err := h.store.ListQueue(r.Context(), clinicID, queueDate)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if rows == nil {
		rows = []store.QueueRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) handleETA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	clinicID := strings.TrimSpace(r.URL.Query().Get("clinic_id"))
	visitID := strings.TrimSpace(r.URL.Query().Get("visit_id"))
	if clinicID == "" || visitID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "clinic_id and visit_id are required")
		return
	}

	visit, err := h.store.GetVisit(r.Context(), clinicID, visitID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}

	resp := etaResponse{VisitID: visit.VisitID, Status: visit.Status}
	if !store.ActiveInQueue(visit.Status) {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	position, queued, err := h.store.PositionFor(r.Context(), clinicID, visitID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if queued {
		resp.Position = &position
	}

	snapshot, err := h.store.EstimateSnapshot(r.Context(), clinicID, visitID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	resp.EstimatedWaitMinutes = eta.Estimate(snapshot)
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	h.handleQueueControlChange(w, r, true)
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	h.handleQueueControlChange(w, r, false)
}

func (h *Handler) handleQueueControlChange(w http.ResponseWriter, r *http.Request, pause bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req clinicRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.ClinicID = strings.TrimSpace(req.ClinicID)
	if req.ClinicID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return
	}

	var control models.QueueControl
	var err error
	if pause {
		control, err = h.store.PauseQueue(r.Context(), req.ClinicID, time.Now().UTC())
	} else {
		control, err = h.store.ResumeQueue(r.Context(), req.ClinicID, time.Now().UTC())
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, control)
}

func (h *Handler) handleControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	clinicID := strings.TrimSpace(r.URL.Query().Get("clinic_id"))
	if clinicID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return
	}
	control, err := h.store.GetQueueControl(r.Context(), clinicID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, control)
}

func (h *Handler) handleResources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	clinicID := strings.TrimSpace(r.URL.Query().Get("clinic_id"))
	if clinicID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return
	}
	rooms, dentists, err := h.store.OccupancySnapshot(r.Context(), clinicID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if rooms == nil {
		rooms = []models.Room{}
	}
	if dentists == nil {
		dentists = []models.Dentist{}
	}
	writeJSON(w, http.StatusOK, occupancyResponse{Rooms: rooms, Dentists: dentists})
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	clinicID := strings.TrimSpace(r.URL.Query().Get("clinic_id"))
	if clinicID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return
	}
	stale, err := h.store.ReconcileResources(r.Context(), clinicID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if stale == nil {
		stale = []store.StaleResource{}
	}
	writeJSON(w, http.StatusOK, stale)
}

func (h *Handler) handleResourceReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/resources/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[2] != "reset" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	kind := parts[0]
	resourceID := parts[1]
	if kind != models.ResourceRoom && kind != models.ResourceDentist {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "resource kind must be room or dentist")
		return
	}

	var req clinicRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.ClinicID = strings.TrimSpace(req.ClinicID)
	if req.ClinicID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return
	}

	if err := h.store.ResetResourceStatus(r.Context(), req.ClinicID, kind, resourceID); err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	clinicID := strings.TrimSpace(r.URL.Query().Get("clinic_id"))
	if clinicID == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "clinic_id is required")
		return
	}

	var after time.Time
	if afterRaw := strings.TrimSpace(r.URL.Query().Get("after")); afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be RFC3339 timestamp")
			return
		}
		after = parsed
	}

	limit := 100
	if limitRaw := strings.TrimSpace(r.URL.Query().Get("limit")); limitRaw != "" {
		parsed, err := strconv.Atoi(limitRaw)
		if err != nil || parsed <= 0 {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	events, err := h.store.ListOutboxEvents(r.Context(), clinicID, after, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if events == nil {
		events = []store.OutboxEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func isValidPhone(value string) bool {
	trimmed := strings.TrimPrefix(value, "+")
	if len(trimmed) < 8 || len(trimmed) > 16 {
		return false
	}
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrVisitNotFound):
		return http.StatusNotFound, "visit_not_found", "visit not found"
	case errors.Is(err, store.ErrEntryNotFound):
		return http.StatusNotFound, "entry_not_found", "visit has no queue entry"
	case errors.Is(err, store.ErrClinicNotFound):
		return http.StatusNotFound, "clinic_not_found", "clinic not found"
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrResourceNotFound):
		return http.StatusNotFound, "resource_not_found", "resource not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "visit state does not allow this action"
	case errors.Is(err, store.ErrNoResourceAvailable):
		return http.StatusConflict, "no_resource_available", "no free room or dentist"
	case errors.Is(err, store.ErrResourceAlreadyBound):
		return http.StatusConflict, "resource_already_bound", "resource is bound to another visit"
	case errors.Is(err, store.ErrStaleOccupancy):
		return http.StatusConflict, "stale_occupancy", "stored occupancy disagrees with the ledger"
	case errors.Is(err, store.ErrUnauthorized):
		return http.StatusForbidden, "access_denied", "access denied"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
