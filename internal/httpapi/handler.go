package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/queueview"
	"clinicq/queue-service/internal/scheduler"
	"clinicq/queue-service/internal/store"

	"github.com/google/uuid"
)

type Handler struct {
	store store.TicketStore
	sched *scheduler.Scheduler
	view  *queueview.View
}

func NewHandler(st store.TicketStore, sched *scheduler.Scheduler, view *queueview.View) *Handler {
	return &Handler{store: st, sched: sched, view: view}
}

func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.HandleFunc("/api/tickets", h.handleTickets)
	mux.HandleFunc("/api/tickets/actions/call-next", h.handleCallNext)
	mux.HandleFunc("/api/tickets/actions/call", h.handleCallSpecific)
	mux.HandleFunc("/api/tickets/actions/cancel-current", h.handleCancelCurrent)
	mux.HandleFunc("/api/tickets/", h.handleTicketSubroutes)
	mux.HandleFunc("/api/appointments/", h.handleAppointmentActions)
	mux.HandleFunc("/api/slots", h.handleSlots)
	mux.HandleFunc("/api/serving", h.handleServing)
	mux.HandleFunc("/api/queue", h.handleQueue)
	mux.HandleFunc("/api/events", h.handleEvents)
	return mux
}

type createTicketRequest struct {
	RequestID         string `json:"request_id"`
	PatientName       string `json:"patient_name"`
	PatientType       string `json:"patient_type"`
	IsPriority        bool   `json:"is_priority"`
	PriorityReason    string `json:"priority_reason"`
	AppointmentWindow string `json:"appointment_window"`
}

type callRequest struct {
	RequestID   string `json:"request_id"`
	QueueNumber int64  `json:"queue_no"`
}

type appointmentActionRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

type callResponse struct {
	Found   bool                `json:"found"`
	Ticket  *models.Ticket      `json:"ticket,omitempty"`
	Serving models.ServingState `json:"serving"`
}

type historyResponse struct {
	Ticket   models.Ticket `json:"ticket"`
	Terminal bool          `json:"terminal"`
	Events   int           `json:"events"`
}

type servingResponse struct {
	Serving models.ServingState `json:"serving"`
	Idle    bool                `json:"idle"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleTickets(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tickets, err := h.store.ListTickets(r.Context())
		if err != nil {
			status, code, msg := mapError(err)
			writeError(w, "", status, code, msg)
			return
		}
		writeJSON(w, http.StatusOK, tickets)
	case http.MethodPost:
		h.handleCreateTicket(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleCreateTicket(w http.ResponseWriter, r *http.Request) {
	var req createTicketRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	req.RequestID = strings.TrimSpace(req.RequestID)
	req.PatientName = strings.TrimSpace(req.PatientName)
	req.PatientType = strings.TrimSpace(req.PatientType)
	req.PriorityReason = strings.TrimSpace(req.PriorityReason)
	req.AppointmentWindow = strings.TrimSpace(req.AppointmentWindow)

	if req.RequestID == "" || req.PatientName == "" || req.PatientType == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id, patient_name, and patient_type are required")
		return
	}
	if !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.PatientType != models.TypeWalkIn && req.PatientType != models.TypeAppointment {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "patient_type must be walk_in or appointment")
		return
	}

	var window time.Time
	if req.PatientType == models.TypeAppointment {
		if req.AppointmentWindow == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "appointment_window is required for appointments")
			return
		}
		parsed, err := time.Parse(time.RFC3339, req.AppointmentWindow)
		if err != nil {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "appointment_window must be an RFC3339 timestamp")
			return
		}
		window = parsed
	}

	ticket, _, err := h.store.CreateTicket(r.Context(), store.CreateTicketInput{
		RequestID:         req.RequestID,
		PatientName:       req.PatientName,
		PatientType:       req.PatientType,
		IsPriority:        req.IsPriority,
		PriorityReason:    req.PriorityReason,
		AppointmentWindow: window,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	h.reconcile(r)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	requestID, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}

	result, err := h.sched.CallNext(r.Context(), requestID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}

	h.reconcile(r)
	writeCallResult(w, result)
}

func (h *Handler) handleCallSpecific(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req callRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" || !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}
	if req.QueueNumber <= 0 {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "queue_no must be a positive integer")
		return
	}

	result, err := h.sched.CallSpecific(r.Context(), req.RequestID, req.QueueNumber)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	h.reconcile(r)
	writeCallResult(w, result)
}

func (h *Handler) handleCancelCurrent(w http.ResponseWriter, r *http.Request) {
	requestID, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}

	result, err := h.sched.Cancel(r.Context(), requestID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}

	h.reconcile(r)
	writeCallResult(w, result)
}

func (h *Handler) handleTicketSubroutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tickets/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	ticketID := parts[0]
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	switch {
	case len(parts) == 1:
		h.handleGetTicket(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "events":
		h.handleTicketEvents(w, r, ticketID)
	case len(parts) == 2 && parts[1] == "history":
		h.handleTicketHistory(w, r, ticketID)
	case len(parts) == 3 && parts[1] == "actions" && parts[2] == "requeue":
		h.handleRequeue(w, r, ticketID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ticket, err := h.store.GetTicket(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleTicketEvents(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	events, err := h.store.ListTicketEvents(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if err := store.VerifyTicketEvents(events); err != nil {
		writeError(w, "", http.StatusInternalServerError, "audit_chain_broken", "ticket event chain failed verification")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// handleTicketHistory replays the audit chain instead of reading the tickets
// table, so it doubles as a cross-check that the recorded events reproduce the
// stored row.
func (h *Handler) handleTicketHistory(w http.ResponseWriter, r *http.Request, ticketID string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	events, err := h.store.ListTicketEvents(r.Context(), ticketID)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	if len(events) == 0 {
		writeError(w, "", http.StatusNotFound, "ticket_not_found", "ticket not found")
		return
	}
	if err := store.VerifyTicketEvents(events); err != nil {
		writeError(w, "", http.StatusInternalServerError, "audit_chain_broken", "ticket event chain failed verification")
		return
	}
	ticket, err := store.RehydrateTicket(events)
	if err != nil {
		writeError(w, "", http.StatusInternalServerError, "audit_chain_broken", "ticket event chain failed verification")
		return
	}
	writeJSON(w, http.StatusOK, historyResponse{
		Ticket:   ticket,
		Terminal: models.Terminal(ticket.Status),
		Events:   len(events),
	})
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request, ticketID string) {
	requestID, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}

	ticket, _, err := h.store.RequeueTicket(r.Context(), store.RequeueInput{
		RequestID:  requestID,
		TicketID:   ticketID,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, requestID, status, code, msg)
		return
	}

	h.reconcile(r)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleAppointmentActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/appointments/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ticketID := parts[0]
	action := parts[1]
	if !isValidUUID(ticketID) {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "ticket_id must be a UUID")
		return
	}

	var req appointmentActionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.RequestID == "" || !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return
	}

	input := store.AppointmentActionInput{
		RequestID:  req.RequestID,
		TicketID:   ticketID,
		Reason:     req.Reason,
		OccurredAt: time.Now().UTC(),
	}

	var ticket models.Ticket
	var err error
	switch action {
	case "accept":
		ticket, _, err = h.store.AcceptAppointment(r.Context(), input)
	case "reject":
		if req.Reason == "" {
			writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "reason is required to reject an appointment")
			return
		}
		ticket, _, err = h.store.RejectAppointment(r.Context(), input)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, req.RequestID, status, code, msg)
		return
	}

	h.reconcile(r)
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleSlots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	windowRaw := strings.TrimSpace(r.URL.Query().Get("window"))
	if windowRaw == "" {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "window is required")
		return
	}
	window, err := time.Parse(time.RFC3339, windowRaw)
	if err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_request", "window must be an RFC3339 timestamp")
		return
	}

	remaining, err := h.store.CheckSlot(r.Context(), window)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window":    window.UTC().Format(time.RFC3339),
		"remaining": remaining,
	})
}

func (h *Handler) handleServing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, servingResponse{
		Serving: h.view.Serving(r.Context()),
		Idle:    h.view.Idle(),
	})
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"serving": h.view.Serving(r.Context()),
		"waiting": h.view.Waiting(),
	})
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	afterRaw := strings.TrimSpace(r.URL.Query().Get("after"))
	var offset store.OutboxOffset
	if afterRaw != "" {
		parsed, err := time.Parse(time.RFC3339, afterRaw)
		if err != nil {
			writeError(w, "", http.StatusBadRequest, "invalid_request", "after must be an RFC3339 timestamp")
			return
		}
		offset.LastEventTime = parsed
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

	events, err := h.store.ListOutboxEvents(r.Context(), offset, limit)
	if err != nil {
		status, code, msg := mapError(err)
		writeError(w, "", status, code, msg)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// reconcile refreshes the local view after a mutation. A failure here is not
// surfaced: the mutation already committed and the next change signal or
// request retries the sync.
func (h *Handler) reconcile(r *http.Request) {
	if h.view == nil {
		return
	}
	_ = h.view.Reconcile(r.Context())
}

func decodeActionRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return "", false
	}

	var req struct {
		RequestID string `json:"request_id"`
	}
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, "", http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return "", false
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	if req.RequestID == "" || !isValidUUID(req.RequestID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "request_id must be a UUID")
		return "", false
	}
	return req.RequestID, true
}

func writeCallResult(w http.ResponseWriter, result scheduler.Result) {
	resp := callResponse{Found: result.Found, Serving: result.Serving}
	if result.Found {
		ticket := result.Ticket
		resp.Ticket = &ticket
	}
	writeJSON(w, http.StatusOK, resp)
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "validation_failed", "request failed validation"
	case errors.Is(err, store.ErrSlotExhausted):
		return http.StatusConflict, "slot_exhausted", "no remaining capacity for this appointment window"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition", "ticket state does not allow this action"
	case errors.Is(err, store.ErrNoTicket):
		return http.StatusConflict, "queue_empty", "no ticket available"
	case errors.Is(err, scheduler.ErrBusy):
		return http.StatusConflict, "busy", "a queue operation is already in flight"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable", "ticket store unavailable"
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
