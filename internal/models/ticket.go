package models

import "time"

type Ticket struct {
	TicketID          string     `json:"ticket_id"`
	QueueNumber       int64      `json:"queue_no"`
	PatientName       string     `json:"patient_name"`
	PatientType       string     `json:"patient_type"`
	Status            string     `json:"status"`
	AppointmentStatus string     `json:"appointment_status"`
	AppointmentWindow *time.Time `json:"appointment_window,omitempty"`
	InQueue           bool       `json:"in_queue"`
	IsPriority        bool       `json:"is_priority"`
	PriorityReason    string     `json:"priority_reason,omitempty"`
	IsInactive        bool       `json:"is_inactive"`
	RequeuedFrom      *string    `json:"requeued_from,omitempty"`
	RequeuedTo        *string    `json:"requeued_to,omitempty"`
	RejectionReason   string     `json:"rejection_reason,omitempty"`
	RequestID         string     `json:"request_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

const (
	StatusWaiting    = "waiting"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusCancelled  = "cancelled"
)

const (
	TypeWalkIn      = "walk_in"
	TypeAppointment = "appointment"
)

const (
	AppointmentNone     = "none"
	AppointmentPending  = "pending"
	AppointmentAccepted = "accepted"
	AppointmentRejected = "rejected"
)

// Schedulable reports whether the ticket counts toward "who is next".
func (t Ticket) Schedulable() bool {
	return t.InQueue && !t.IsInactive && t.Status == StatusWaiting
}

// Terminal reports whether no further status transition is permitted.
func Terminal(status string) bool {
	return status == StatusDone || status == StatusCancelled
}
