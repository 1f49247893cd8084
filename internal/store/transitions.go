package store

import "clinicq/queue-service/internal/models"

var transitionMap = map[string][]string{
	models.StatusInProgress: {models.StatusWaiting},
	models.StatusDone:       {models.StatusInProgress},
	models.StatusCancelled:  {models.StatusWaiting, models.StatusInProgress},
}

// ValidTransition reports whether a ticket may move from fromStatus to
// toStatus. Done and cancelled are terminal; waiting is never re-entered
// (a requeue creates a fresh ticket instead).
func ValidTransition(fromStatus, toStatus string) bool {
	allowed, ok := transitionMap[toStatus]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}

var appointmentTransitionMap = map[string][]string{
	models.AppointmentAccepted: {models.AppointmentPending},
	models.AppointmentRejected: {models.AppointmentPending},
}

// ValidAppointmentTransition covers the orthogonal appointment sub-state.
// Accepted and rejected are terminal.
func ValidAppointmentTransition(fromStatus, toStatus string) bool {
	allowed, ok := appointmentTransitionMap[toStatus]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == fromStatus {
			return true
		}
	}
	return false
}
