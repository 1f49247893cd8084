package store

import (
	"context"
	"encoding/json"
	"time"

	"clinicq/queue-service/internal/models"
)

type CreateTicketInput struct {
	RequestID         string
	PatientName       string
	PatientType       string
	IsPriority        bool
	PriorityReason    string
	AppointmentWindow time.Time
	CreatedAt         time.Time
}

type UpdateStatusInput struct {
	RequestID  string
	TicketID   string
	NewStatus  string
	OccurredAt time.Time
}

type AppointmentActionInput struct {
	RequestID  string
	TicketID   string
	Reason     string
	OccurredAt time.Time
}

type RequeueInput struct {
	RequestID  string
	TicketID   string
	OccurredAt time.Time
}

// TicketStore is the durable record of tickets. Every invariant that must
// hold across concurrent clients (unique increasing queue numbers, a single
// in-progress ticket, exact-window slot capacity) is enforced here with
// conditional writes, not by callers.
type TicketStore interface {
	CreateTicket(ctx context.Context, input CreateTicketInput) (models.Ticket, bool, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	ListTickets(ctx context.Context) ([]models.Ticket, error)
	UpdateStatus(ctx context.Context, input UpdateStatusInput) (models.Ticket, bool, error)
	AcceptAppointment(ctx context.Context, input AppointmentActionInput) (models.Ticket, bool, error)
	RejectAppointment(ctx context.Context, input AppointmentActionInput) (models.Ticket, bool, error)
	RequeueTicket(ctx context.Context, input RequeueInput) (models.Ticket, bool, error)
	CheckSlot(ctx context.Context, window time.Time) (int, error)
	GetServing(ctx context.Context) (models.ServingState, error)
	SetServing(ctx context.Context, servingNo int64, activeTicketID string) (models.ServingState, error)
	ListOutboxEvents(ctx context.Context, after OutboxOffset, limit int) ([]OutboxEvent, error)
	GetOffset(ctx context.Context) (OutboxOffset, error)
	UpdateOffset(ctx context.Context, offset OutboxOffset) error
	CleanupOutbox(ctx context.Context, before time.Time) error
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type OutboxOffset struct {
	LastEventTime time.Time
	LastEventID   string
}
