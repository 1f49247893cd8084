package scheduler

import (
	"context"
	"errors"
	"sync/atomic"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"
)

// ErrBusy is returned when a call arrives while a previous multi-step
// operation is still in flight. The caller should retry after the current
// operation settles, not queue behind it.
var ErrBusy = errors.New("scheduler operation in flight")

// Scheduler decides who is served next and owns every write to the
// current-serving pointer. Its multi-step operations issue independent store
// writes; a crash between "finish previous" and "serve next" leaves the queue
// idle, which reconciliation treats as ready-for-next-call.
type Scheduler struct {
	store store.TicketStore
	busy  int32
}

func New(st store.TicketStore) *Scheduler {
	return &Scheduler{store: st}
}

// Result reports the outcome of a scheduling operation. Found is false when
// the queue was empty and the pointer advanced unbound.
type Result struct {
	Ticket  models.Ticket
	Serving models.ServingState
	Found   bool
}

func priorityRank(t models.Ticket) int {
	if t.IsPriority {
		return 0
	}
	return 1
}

// NextCandidate picks the next ticket to serve: priority tickets first, FIFO
// by queue number within each tier. Evaluated fresh on every call so a late
// priority arrival still jumps ahead.
func NextCandidate(tickets []models.Ticket) (models.Ticket, bool) {
	return NextCandidateAfter(tickets, 0)
}

// NextCandidateAfter restricts selection to queue numbers strictly greater
// than afterQueueNo. Used by Cancel so a cancellation never rewinds to an
// earlier ticket that was already skipped.
func NextCandidateAfter(tickets []models.Ticket, afterQueueNo int64) (models.Ticket, bool) {
	var best models.Ticket
	found := false
	for _, ticket := range tickets {
		if !ticket.Schedulable() || ticket.QueueNumber <= afterQueueNo {
			continue
		}
		if !found || candidateLess(ticket, best) {
			best = ticket
			found = true
		}
	}
	return best, found
}

func candidateLess(a, b models.Ticket) bool {
	if priorityRank(a) != priorityRank(b) {
		return priorityRank(a) < priorityRank(b)
	}
	return a.QueueNumber < b.QueueNumber
}

// CallNext finishes the active ticket (if any), promotes the next candidate
// to in-progress, and moves the serving pointer. With an empty queue the
// pointer advances by one position with no ticket bound.
func (s *Scheduler) CallNext(ctx context.Context, requestID string) (Result, error) {
	if !atomic.CompareAndSwapInt32(&s.busy, 0, 1) {
		return Result{}, ErrBusy
	}
	defer atomic.StoreInt32(&s.busy, 0)

	tickets, err := s.store.ListTickets(ctx)
	if err != nil {
		return Result{}, err
	}

	if err := s.finishActive(ctx, requestID, tickets); err != nil {
		return Result{}, err
	}

	candidate, found := NextCandidate(tickets)
	if !found {
		return s.advanceIdle(ctx)
	}
	return s.serve(ctx, requestID, candidate)
}

// CallSpecific serves the ticket with the given queue number out of order.
// Staff override: the target only needs to be schedulable, not first in line.
func (s *Scheduler) CallSpecific(ctx context.Context, requestID string, queueNo int64) (Result, error) {
	if !atomic.CompareAndSwapInt32(&s.busy, 0, 1) {
		return Result{}, ErrBusy
	}
	defer atomic.StoreInt32(&s.busy, 0)

	tickets, err := s.store.ListTickets(ctx)
	if err != nil {
		return Result{}, err
	}

	var target models.Ticket
	targetFound := false
	for _, ticket := range tickets {
		if ticket.QueueNumber == queueNo && !ticket.IsInactive {
			target = ticket
			targetFound = true
			break
		}
	}
	if !targetFound {
		return Result{}, store.ErrTicketNotFound
	}
	if !target.Schedulable() {
		return Result{}, store.ErrInvalidTransition
	}

	if err := s.finishActive(ctx, requestID, tickets); err != nil {
		return Result{}, err
	}
	return s.serve(ctx, requestID, target)
}

// Cancel voids the active ticket and calls the next candidate with a queue
// number strictly greater than the cancelled one.
func (s *Scheduler) Cancel(ctx context.Context, requestID string) (Result, error) {
	if !atomic.CompareAndSwapInt32(&s.busy, 0, 1) {
		return Result{}, ErrBusy
	}
	defer atomic.StoreInt32(&s.busy, 0)

	tickets, err := s.store.ListTickets(ctx)
	if err != nil {
		return Result{}, err
	}

	active, found := findInProgress(tickets)
	if !found {
		return Result{}, store.ErrNoTicket
	}

	if _, _, err := s.store.UpdateStatus(ctx, store.UpdateStatusInput{
		RequestID: requestID + ":cancel",
		TicketID:  active.TicketID,
		NewStatus: models.StatusCancelled,
	}); err != nil {
		return Result{}, err
	}

	candidate, found := NextCandidateAfter(tickets, active.QueueNumber)
	if !found {
		return s.advanceIdleFrom(ctx, active.QueueNumber)
	}
	return s.serve(ctx, requestID, candidate)
}

func (s *Scheduler) finishActive(ctx context.Context, requestID string, tickets []models.Ticket) error {
	active, found := findInProgress(tickets)
	if !found {
		return nil
	}
	_, _, err := s.store.UpdateStatus(ctx, store.UpdateStatusInput{
		RequestID: requestID + ":done",
		TicketID:  active.TicketID,
		NewStatus: models.StatusDone,
	})
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		// An invalid transition here means another client already settled
		// the active ticket; the store remains authoritative.
		return err
	}
	return nil
}

func (s *Scheduler) serve(ctx context.Context, requestID string, candidate models.Ticket) (Result, error) {
	ticket, _, err := s.store.UpdateStatus(ctx, store.UpdateStatusInput{
		RequestID: requestID + ":serve",
		TicketID:  candidate.TicketID,
		NewStatus: models.StatusInProgress,
	})
	if err != nil {
		return Result{}, err
	}
	serving, err := s.store.SetServing(ctx, ticket.QueueNumber, ticket.TicketID)
	if err != nil {
		return Result{}, err
	}
	return Result{Ticket: ticket, Serving: serving, Found: true}, nil
}

func (s *Scheduler) advanceIdle(ctx context.Context) (Result, error) {
	serving, err := s.store.GetServing(ctx)
	if err != nil {
		return Result{}, err
	}
	return s.advanceIdleFrom(ctx, serving.ServingNumber)
}

func (s *Scheduler) advanceIdleFrom(ctx context.Context, from int64) (Result, error) {
	serving, err := s.store.SetServing(ctx, from+1, "")
	if err != nil {
		return Result{}, err
	}
	return Result{Serving: serving}, nil
}

func findInProgress(tickets []models.Ticket) (models.Ticket, bool) {
	for _, ticket := range tickets {
		if ticket.Status == models.StatusInProgress && !ticket.IsInactive {
			return ticket, true
		}
	}
	return models.Ticket{}, false
}
