package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"clinicq/queue-service/internal/models"
)

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type eventPayload struct {
	TicketID          string     `json:"ticket_id"`
	QueueNumber       int64      `json:"queue_no"`
	Status            string     `json:"status"`
	AppointmentStatus string     `json:"appointment_status"`
	InQueue           *bool      `json:"in_queue"`
	IsInactive        *bool      `json:"is_inactive"`
	RequeuedTo        *string    `json:"requeued_to"`
	RejectionReason   string     `json:"rejection_reason"`
	CreatedAt         *time.Time `json:"created_at"`
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyTicketEvents walks the per-ticket hash chain and reports the first
// broken link, if any.
func VerifyTicketEvents(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.PrevHash != prev {
			return fmt.Errorf("event %d: prev hash mismatch", i)
		}
		want := ComputeTicketEventHash(event.PrevHash, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("event %d: hash mismatch", i)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateTicket folds an ordered event chain back into the last known
// ticket state. Used for audit views of superseded tickets.
func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload eventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.QueueNumber != 0 {
			ticket.QueueNumber = payload.QueueNumber
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		if payload.AppointmentStatus != "" {
			ticket.AppointmentStatus = payload.AppointmentStatus
		}
		if payload.InQueue != nil {
			ticket.InQueue = *payload.InQueue
		}
		if payload.IsInactive != nil {
			ticket.IsInactive = *payload.IsInactive
		}
		if payload.RequeuedTo != nil {
			ticket.RequeuedTo = payload.RequeuedTo
		}
		if payload.RejectionReason != "" {
			ticket.RejectionReason = payload.RejectionReason
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
	}
	return ticket, nil
}
