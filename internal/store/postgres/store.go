package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ticketColumns = `ticket_id, queue_no, patient_name, patient_type, status, appointment_status,
	appointment_window, in_queue, is_priority, priority_reason, is_inactive,
	requeued_from, requeued_to, rejection_reason, created_at`

type Store struct {
	pool         *pgxpool.Pool
	slotCapacity int
}

type Options struct {
	SlotCapacity int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	capacity := options.SlotCapacity
	if capacity <= 0 {
		capacity = 5
	}
	return &Store{pool: pool, slotCapacity: capacity}
}

func (s *Store) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	if strings.TrimSpace(input.PatientName) == "" {
		return models.Ticket{}, false, store.ErrValidation
	}
	if input.PatientType != models.TypeWalkIn && input.PatientType != models.TypeAppointment {
		return models.Ticket{}, false, store.ErrValidation
	}
	if input.PatientType == models.TypeAppointment && input.AppointmentWindow.IsZero() {
		return models.Ticket{}, false, store.ErrValidation
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, dbErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, err := findTicketByRequestID(ctx, tx, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, dbErr(err)
		}
		return existing, false, nil
	}

	appointmentStatus := models.AppointmentNone
	inQueue := true
	var window interface{}
	if input.PatientType == models.TypeAppointment {
		// Reservation is atomic with the capacity check: the advisory lock
		// serializes concurrent registrations for the same window.
		if err = reserveSlot(ctx, tx, input.AppointmentWindow, s.slotCapacity); err != nil {
			return models.Ticket{}, false, err
		}
		appointmentStatus = models.AppointmentPending
		inQueue = false
		window = input.AppointmentWindow.UTC()
	}

	queueNo, err := nextQueueNumber(ctx, tx)
	if err != nil {
		return models.Ticket{}, false, err
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	ticketID := uuid.NewString()

	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, queue_no, patient_name, patient_type, status,
			appointment_status, appointment_window, in_queue, is_priority, priority_reason,
			is_inactive, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,FALSE,$12)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING `+ticketColumns+`
	`, ticketID, input.RequestID, queueNo, strings.TrimSpace(input.PatientName), input.PatientType,
		models.StatusWaiting, appointmentStatus, window, inQueue, input.IsPriority,
		nullIfEmpty(input.PriorityReason), createdAt)

	var ticket models.Ticket
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// A duplicate of this request committed between the lookup and
			// the insert. Replay its result instead of failing.
			existing, found, err = findTicketByRequestID(ctx, tx, input.RequestID)
			if err != nil {
				return models.Ticket{}, false, err
			}
			if found {
				if err = tx.Commit(ctx); err != nil {
					return models.Ticket{}, false, dbErr(err)
				}
				return existing, false, nil
			}
			err = pgx.ErrNoRows
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertOutboxEvent(ctx, tx, "ticket.created", ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, dbErr(err)
	}
	return ticket, true, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, dbErr(err)
	}
	return ticket, nil
}

func (s *Store) ListTickets(ctx context.Context) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		ORDER BY queue_no ASC
	`)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, dbErr(err)
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err)
	}
	return tickets, nil
}

func (s *Store) UpdateStatus(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, dbErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	action := "status:" + input.NewStatus
	existing, found, empty, err := findActionRequest(ctx, tx, action, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, dbErr(err)
		}
		if empty {
			return models.Ticket{}, false, store.ErrInvalidTransition
		}
		return existing, false, nil
	}

	current, exists, err := loadTicketStatus(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if !exists {
		err = store.ErrTicketNotFound
		return models.Ticket{}, false, err
	}
	if !store.ValidTransition(current, input.NewStatus) {
		err = store.ErrInvalidTransition
		return models.Ticket{}, false, err
	}

	// The WHERE clause repeats the status check so a concurrent transition
	// between the read above and this write leaves zero rows, not a double
	// apply.
	query := `
		UPDATE tickets
		SET status = $1,
			in_queue = CASE WHEN $1 IN ('done','cancelled') THEN FALSE ELSE in_queue END
		WHERE ticket_id = $2 AND status = $3 AND NOT is_inactive
	`
	if input.NewStatus == models.StatusInProgress {
		// Single service point: refuse a second in-progress ticket.
		query += `
			AND in_queue
			AND NOT EXISTS (SELECT 1 FROM tickets busy WHERE busy.status = 'in_progress')
		`
	}
	query += " RETURNING " + ticketColumns

	row := tx.QueryRow(ctx, query, input.NewStatus, input.TicketID, current)
	var ticket models.Ticket
	if ticket, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrInvalidTransition
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, action, input.RequestID, ticket.TicketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, "ticket."+input.NewStatus, ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, dbErr(err)
	}
	return ticket, true, nil
}

func (s *Store) AcceptAppointment(ctx context.Context, input store.AppointmentActionInput) (models.Ticket, bool, error) {
	return s.resolveAppointment(ctx, input, models.AppointmentAccepted, "ticket.appointment_accepted")
}

func (s *Store) RejectAppointment(ctx context.Context, input store.AppointmentActionInput) (models.Ticket, bool, error) {
	if strings.TrimSpace(input.Reason) == "" {
		return models.Ticket{}, false, store.ErrValidation
	}
	return s.resolveAppointment(ctx, input, models.AppointmentRejected, "ticket.appointment_rejected")
}

func (s *Store) resolveAppointment(ctx context.Context, input store.AppointmentActionInput, toStatus, eventType string) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, dbErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	action := "appointment:" + toStatus
	existing, found, empty, err := findActionRequest(ctx, tx, action, input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, dbErr(err)
		}
		if empty {
			return models.Ticket{}, false, store.ErrInvalidTransition
		}
		return existing, false, nil
	}

	current, exists, err := loadAppointmentStatus(ctx, tx, input.TicketID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if !exists {
		err = store.ErrTicketNotFound
		return models.Ticket{}, false, err
	}
	if !store.ValidAppointmentTransition(current, toStatus) {
		err = store.ErrInvalidTransition
		return models.Ticket{}, false, err
	}

	var ticket models.Ticket
	if toStatus == models.AppointmentAccepted {
		row := tx.QueryRow(ctx, `
			UPDATE tickets
			SET appointment_status = 'accepted',
				in_queue = TRUE
			WHERE ticket_id = $1 AND patient_type = 'appointment' AND appointment_status = 'pending'
				AND status = 'waiting' AND NOT is_inactive
			RETURNING `+ticketColumns+`
		`, input.TicketID)
		ticket, err = scanTicket(row)
	} else {
		row := tx.QueryRow(ctx, `
			UPDATE tickets
			SET appointment_status = 'rejected',
				in_queue = FALSE,
				rejection_reason = $2
			WHERE ticket_id = $1 AND patient_type = 'appointment' AND appointment_status = 'pending'
				AND NOT is_inactive
			RETURNING `+ticketColumns+`
		`, input.TicketID, strings.TrimSpace(input.Reason))
		ticket, err = scanTicket(row)
	}
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrInvalidTransition
		}
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if err = insertActionRequest(ctx, tx, action, input.RequestID, ticket.TicketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, eventType, ticket); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, dbErr(err)
	}
	return ticket, true, nil
}

func (s *Store) RequeueTicket(ctx context.Context, input store.RequeueInput) (models.Ticket, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, false, dbErr(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	existing, found, empty, err := findActionRequest(ctx, tx, "requeue", input.RequestID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if found {
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, dbErr(err)
		}
		if empty {
			return models.Ticket{}, false, store.ErrInvalidTransition
		}
		return existing, false, nil
	}

	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
		FOR UPDATE
	`, input.TicketID)
	source, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, store.ErrTicketNotFound
		}
		return models.Ticket{}, false, err
	}

	// Already superseded: hand back the existing replacement so the chain
	// keeps exactly one live tail.
	if source.RequeuedTo != nil {
		var replacement models.Ticket
		if replacement, err = getTicketByID(ctx, tx, *source.RequeuedTo); err != nil {
			return models.Ticket{}, false, err
		}
		if err = tx.Commit(ctx); err != nil {
			return models.Ticket{}, false, dbErr(err)
		}
		return replacement, false, nil
	}

	if source.Status != models.StatusCancelled {
		err = store.ErrInvalidTransition
		return models.Ticket{}, false, err
	}

	queueNo, err := nextQueueNumber(ctx, tx)
	if err != nil {
		return models.Ticket{}, false, err
	}

	// The replacement re-enters the live queue immediately, so only an
	// accepted appointment keeps its slot binding. Pending or rejected
	// sub-state would contradict in_queue and is reset.
	appointmentStatus := source.AppointmentStatus
	appointmentWindow := source.AppointmentWindow
	if appointmentStatus != models.AppointmentAccepted {
		appointmentStatus = models.AppointmentNone
		appointmentWindow = nil
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	newID := uuid.NewString()

	row = tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, request_id, queue_no, patient_name, patient_type, status,
			appointment_status, appointment_window, in_queue, is_priority, priority_reason,
			is_inactive, requeued_from, created_at
		) VALUES ($1,$2,$3,$4,$5,'waiting',$6,$7,TRUE,$8,$9,FALSE,$10,$11)
		RETURNING `+ticketColumns+`
	`, newID, input.RequestID, queueNo, source.PatientName, source.PatientType,
		appointmentStatus, appointmentWindow, source.IsPriority,
		nullIfEmpty(source.PriorityReason), source.TicketID, occurredAt)

	ticket, err := scanTicket(row)
	if err != nil {
		return models.Ticket{}, false, err
	}
	ticket.RequestID = input.RequestID

	if _, err = tx.Exec(ctx, `
		UPDATE tickets
		SET is_inactive = TRUE,
			requeued_to = $2
		WHERE ticket_id = $1
	`, source.TicketID, newID); err != nil {
		return models.Ticket{}, false, err
	}

	if err = insertActionRequest(ctx, tx, "requeue", input.RequestID, ticket.TicketID); err != nil {
		return models.Ticket{}, false, err
	}
	if err = insertOutboxEvent(ctx, tx, "ticket.requeued", ticket); err != nil {
		return models.Ticket{}, false, err
	}
	source.IsInactive = true
	source.RequeuedTo = &newID
	if err = insertOutboxEvent(ctx, tx, "ticket.superseded", source); err != nil {
		return models.Ticket{}, false, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, false, dbErr(err)
	}
	return ticket, true, nil
}

func (s *Store) CheckSlot(ctx context.Context, window time.Time) (int, error) {
	count, err := countSlotTickets(ctx, s.pool, window)
	if err != nil {
		return 0, dbErr(err)
	}
	remaining := s.slotCapacity - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

func (s *Store) GetServing(ctx context.Context) (models.ServingState, error) {
	var state models.ServingState
	var activeNull sql.NullString
	row := s.pool.QueryRow(ctx, `
		SELECT serving_no, active_ticket_id, updated_at
		FROM serving_state
		WHERE singleton
	`)
	if err := row.Scan(&state.ServingNumber, &activeNull, &state.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ServingState{ServingNumber: 1}, nil
		}
		return models.ServingState{}, dbErr(err)
	}
	state.ActiveTicketID = nullStringPtr(activeNull)
	return state, nil
}

func (s *Store) SetServing(ctx context.Context, servingNo int64, activeTicketID string) (models.ServingState, error) {
	var state models.ServingState
	var activeNull sql.NullString
	row := s.pool.QueryRow(ctx, `
		INSERT INTO serving_state (singleton, serving_no, active_ticket_id, updated_at)
		VALUES (TRUE, $1, $2, $3)
		ON CONFLICT (singleton)
		DO UPDATE SET serving_no = $1, active_ticket_id = $2, updated_at = $3
		RETURNING serving_no, active_ticket_id, updated_at
	`, servingNo, nullIfEmpty(activeTicketID), time.Now().UTC())
	if err := row.Scan(&state.ServingNumber, &activeNull, &state.UpdatedAt); err != nil {
		return models.ServingState{}, dbErr(err)
	}
	state.ActiveTicketID = nullStringPtr(activeNull)
	return state, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT event_id, type, payload_json, created_at
		FROM outbox_events
		WHERE (created_at, event_id) > ($1, $2)
		ORDER BY created_at ASC, event_id ASC
		LIMIT $3
	`, after.LastEventTime, after.LastEventID, limit)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, dbErr(err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err)
	}
	return events, nil
}

func (s *Store) GetOffset(ctx context.Context) (store.OutboxOffset, error) {
	var offset store.OutboxOffset
	row := s.pool.QueryRow(ctx, `
		SELECT last_event_time, last_event_id
		FROM outbox_offsets
		WHERE singleton
	`)
	if err := row.Scan(&offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OutboxOffset{}, nil
		}
		return store.OutboxOffset{}, dbErr(err)
	}
	return offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, offset store.OutboxOffset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO outbox_offsets (singleton, last_event_time, last_event_id)
		VALUES (TRUE, $1, $2)
		ON CONFLICT (singleton)
		DO UPDATE SET last_event_time = $1, last_event_id = $2
	`, offset.LastEventTime, offset.LastEventID)
	return dbErr(err)
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE created_at < $1
	`, before)
	return dbErr(err)
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, dbErr(err)
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, dbErr(err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, dbErr(err)
	}
	return events, nil
}

// dbErr classifies infrastructure failures as ErrStoreUnavailable. Errors the
// server itself produced (constraint violations, statement errors) and the
// caller's own cancellation pass through untouched.
func dbErr(err error) error {
	if err == nil || errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return err
	}
	return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func countSlotTickets(ctx context.Context, q queryer, window time.Time) (int, error) {
	var count int
	row := q.QueryRow(ctx, `
		SELECT COUNT(1)
		FROM tickets
		WHERE appointment_window = $1
			AND appointment_status IN ('pending', 'accepted')
			AND status <> 'cancelled'
			AND NOT is_inactive
	`, window.UTC())
	if err := row.Scan(&count); err != nil {
		return 0, dbErr(err)
	}
	return count, nil
}

func reserveSlot(ctx context.Context, tx pgx.Tx, window time.Time, capacity int) error {
	key := window.UTC().Format(time.RFC3339)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key); err != nil {
		return dbErr(err)
	}
	count, err := countSlotTickets(ctx, tx, window)
	if err != nil {
		return dbErr(err)
	}
	if count >= capacity {
		return store.ErrSlotExhausted
	}
	return nil
}

func nextQueueNumber(ctx context.Context, tx pgx.Tx) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO queue_sequence (singleton, next_number)
		VALUES (TRUE, 1)
		ON CONFLICT (singleton)
		DO UPDATE SET next_number = queue_sequence.next_number + 1
		RETURNING next_number
	`)
	if err := row.Scan(&next); err != nil {
		return 0, dbErr(err)
	}
	return next, nil
}

func findTicketByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Ticket, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE request_id = $1
	`, requestID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, dbErr(err)
	}
	ticket.RequestID = requestID
	return ticket, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Ticket, bool, bool, error) {
	var ticketID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_id
		FROM action_requests
		WHERE request_id = $1 AND action = $2
	`, requestID, action)
	if err := row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, false, nil
		}
		return models.Ticket{}, false, false, dbErr(err)
	}
	if !ticketID.Valid {
		return models.Ticket{}, true, true, nil
	}

	ticket, err := getTicketByID(ctx, tx, ticketID.String)
	if err != nil {
		return models.Ticket{}, false, false, err
	}
	ticket.RequestID = requestID
	return ticket, true, false, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action, requestID, ticketID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO action_requests (request_id, action, ticket_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (request_id) DO NOTHING
	`, requestID, action, nullIfEmpty(ticketID))
	return dbErr(err)
}

func loadTicketStatus(ctx context.Context, tx pgx.Tx, ticketID string) (string, bool, error) {
	var status string
	row := tx.QueryRow(ctx, `
		SELECT status
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, dbErr(err)
	}
	return status, true, nil
}

func loadAppointmentStatus(ctx context.Context, tx pgx.Tx, ticketID string) (string, bool, error) {
	var status string
	row := tx.QueryRow(ctx, `
		SELECT appointment_status
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, dbErr(err)
	}
	return status, true, nil
}

func getTicketByID(ctx context.Context, tx pgx.Tx, ticketID string) (models.Ticket, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE ticket_id = $1
	`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, dbErr(err)
	}
	return ticket, nil
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, ticket models.Ticket) error {
	inQueue := ticket.InQueue
	isInactive := ticket.IsInactive
	payload := map[string]interface{}{
		"ticket_id":          ticket.TicketID,
		"queue_no":           ticket.QueueNumber,
		"status":             ticket.Status,
		"appointment_status": ticket.AppointmentStatus,
		"in_queue":           inQueue,
		"is_inactive":        isInactive,
		"requeued_to":        ticket.RequeuedTo,
		"rejection_reason":   ticket.RejectionReason,
		"request_id":         ticket.RequestID,
		"created_at":         ticket.CreatedAt,
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), eventType, payloadJSON, time.Now().UTC()); err != nil {
		return dbErr(err)
	}
	return insertTicketEvent(ctx, tx, ticket.TicketID, eventType, payloadJSON)
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticketID, eventType string, payload []byte) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticketID); err != nil {
		return dbErr(err)
	}

	var lastSeq int
	var prevHash sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
		FOR UPDATE
	`, ticketID)
	if err := row.Scan(&lastSeq, &prevHash); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return dbErr(err)
	}
	nextSeq := lastSeq + 1
	prev := ""
	if prevHash.Valid {
		prev = prevHash.String
	}
	createdAt := time.Now().UTC()
	hash := store.ComputeTicketEventHash(prev, ticketID, eventType, payload, createdAt, nextSeq)

	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ticketID, nextSeq, eventType, payload, createdAt, prev, hash)
	return dbErr(err)
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var windowNull sql.NullTime
	var priorityReasonNull sql.NullString
	var requeuedFromNull sql.NullString
	var requeuedToNull sql.NullString
	var rejectionNull sql.NullString
	if err := row.Scan(
		&ticket.TicketID, &ticket.QueueNumber, &ticket.PatientName, &ticket.PatientType,
		&ticket.Status, &ticket.AppointmentStatus, &windowNull, &ticket.InQueue,
		&ticket.IsPriority, &priorityReasonNull, &ticket.IsInactive,
		&requeuedFromNull, &requeuedToNull, &rejectionNull, &ticket.CreatedAt,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.AppointmentWindow = nullTimePtr(windowNull)
	ticket.RequeuedFrom = nullStringPtr(requeuedFromNull)
	ticket.RequeuedTo = nullStringPtr(requeuedToNull)
	if priorityReasonNull.Valid {
		ticket.PriorityReason = priorityReasonNull.String
	}
	if rejectionNull.Valid {
		ticket.RejectionReason = rejectionNull.String
	}
	return ticket, nil
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
	return &value.Time
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
