package models

import "time"

// ServingState is the single-row "currently serving" record. ActiveTicketID
// is nil when the pointer was advanced past an empty queue (idle state).
type ServingState struct {
	ServingNumber  int64     `json:"serving_no"`
	ActiveTicketID *string   `json:"active_ticket_id,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
