package store

import "errors"

var (
	ErrValidation        = errors.New("validation failed")
	ErrSlotExhausted     = errors.New("appointment slot exhausted")
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrNoTicket          = errors.New("no ticket available")
	ErrStoreUnavailable  = errors.New("store unavailable")
)
