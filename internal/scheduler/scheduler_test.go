package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"
)

type fakeStore struct {
	createFn       func(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error)
	getTicketFn    func(ctx context.Context, ticketID string) (models.Ticket, error)
	listFn         func(ctx context.Context) ([]models.Ticket, error)
	updateStatusFn func(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, bool, error)
	acceptFn       func(ctx context.Context, input store.AppointmentActionInput) (models.Ticket, bool, error)
	rejectFn       func(ctx context.Context, input store.AppointmentActionInput) (models.Ticket, bool, error)
	requeueFn      func(ctx context.Context, input store.RequeueInput) (models.Ticket, bool, error)
	checkSlotFn    func(ctx context.Context, window time.Time) (int, error)
	getServingFn   func(ctx context.Context) (models.ServingState, error)
	setServingFn   func(ctx context.Context, servingNo int64, activeTicketID string) (models.ServingState, error)
	listOutboxFn   func(ctx context.Context, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error)
	getOffsetFn    func(ctx context.Context) (store.OutboxOffset, error)
	updateOffsetFn func(ctx context.Context, offset store.OutboxOffset) error
	cleanupFn      func(ctx context.Context, before time.Time) error
	ticketEventsFn func(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
}

func (f fakeStore) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	if f.createFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.createFn(ctx, input)
}

func (f fakeStore) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	if f.getTicketFn == nil {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return f.getTicketFn(ctx, ticketID)
}

func (f fakeStore) ListTickets(ctx context.Context) ([]models.Ticket, error) {
	if f.listFn == nil {
		return nil, nil
	}
	return f.listFn(ctx)
}

func (f fakeStore) UpdateStatus(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, bool, error) {
	if f.updateStatusFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.updateStatusFn(ctx, input)
}

func (f fakeStore) AcceptAppointment(ctx context.Context, input store.AppointmentActionInput) (models.Ticket, bool, error) {
	if f.acceptFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.acceptFn(ctx, input)
}

func (f fakeStore) RejectAppointment(ctx context.Context, input store.AppointmentActionInput) (models.Ticket, bool, error) {
	if f.rejectFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.rejectFn(ctx, input)
}

func (f fakeStore) RequeueTicket(ctx context.Context, input store.RequeueInput) (models.Ticket, bool, error) {
	if f.requeueFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.requeueFn(ctx, input)
}

func (f fakeStore) CheckSlot(ctx context.Context, window time.Time) (int, error) {
	if f.checkSlotFn == nil {
		return 0, nil
	}
	return f.checkSlotFn(ctx, window)
}

func (f fakeStore) GetServing(ctx context.Context) (models.ServingState, error) {
	if f.getServingFn == nil {
		return models.ServingState{ServingNumber: 1}, nil
	}
	return f.getServingFn(ctx)
}

func (f fakeStore) SetServing(ctx context.Context, servingNo int64, activeTicketID string) (models.ServingState, error) {
	if f.setServingFn == nil {
		return models.ServingState{ServingNumber: servingNo}, nil
	}
	return f.setServingFn(ctx, servingNo, activeTicketID)
}

func (f fakeStore) ListOutboxEvents(ctx context.Context, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if f.listOutboxFn == nil {
		return nil, nil
	}
	return f.listOutboxFn(ctx, after, limit)
}

func (f fakeStore) GetOffset(ctx context.Context) (store.OutboxOffset, error) {
	if f.getOffsetFn == nil {
		return store.OutboxOffset{}, nil
	}
	return f.getOffsetFn(ctx)
}

func (f fakeStore) UpdateOffset(ctx context.Context, offset store.OutboxOffset) error {
	if f.updateOffsetFn == nil {
		return nil
	}
	return f.updateOffsetFn(ctx, offset)
}

func (f fakeStore) CleanupOutbox(ctx context.Context, before time.Time) error {
	if f.cleanupFn == nil {
		return nil
	}
	return f.cleanupFn(ctx, before)
}

func (f fakeStore) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if f.ticketEventsFn == nil {
		return nil, nil
	}
	return f.ticketEventsFn(ctx, ticketID)
}

func waitingTicket(id string, queueNo int64, priority bool) models.Ticket {
	return models.Ticket{
		TicketID:    id,
		QueueNumber: queueNo,
		Status:      models.StatusWaiting,
		InQueue:     true,
		IsPriority:  priority,
	}
}

func TestNextCandidatePriorityBeforeFIFO(t *testing.T) {
	tickets := []models.Ticket{
		waitingTicket("t-1", 1, false),
		waitingTicket("t-2", 2, true),
		waitingTicket("t-3", 3, false),
	}

	candidate, found := NextCandidate(tickets)
	if !found {
		t.Fatalf("expected a candidate")
	}
	if candidate.TicketID != "t-2" {
		t.Fatalf("expected priority ticket t-2, got %s", candidate.TicketID)
	}
}

func TestNextCandidateFIFOWithinTier(t *testing.T) {
	tickets := []models.Ticket{
		waitingTicket("t-9", 9, true),
		waitingTicket("t-4", 4, true),
		waitingTicket("t-1", 1, false),
	}

	candidate, found := NextCandidate(tickets)
	if !found {
		t.Fatalf("expected a candidate")
	}
	if candidate.TicketID != "t-4" {
		t.Fatalf("expected earliest priority ticket t-4, got %s", candidate.TicketID)
	}
}

func TestNextCandidateSkipsUnschedulable(t *testing.T) {
	done := waitingTicket("t-1", 1, true)
	done.Status = models.StatusDone
	parked := waitingTicket("t-2", 2, true)
	parked.InQueue = false
	inactive := waitingTicket("t-3", 3, true)
	inactive.IsInactive = true

	candidate, found := NextCandidate([]models.Ticket{done, parked, inactive, waitingTicket("t-4", 4, false)})
	if !found {
		t.Fatalf("expected a candidate")
	}
	if candidate.TicketID != "t-4" {
		t.Fatalf("expected t-4, got %s", candidate.TicketID)
	}
}

func TestCallNextFinishesActiveThenServes(t *testing.T) {
	active := waitingTicket("t-1", 1, false)
	active.Status = models.StatusInProgress
	next := waitingTicket("t-2", 2, false)

	var updates []store.UpdateStatusInput
	st := fakeStore{
		listFn: func(ctx context.Context) ([]models.Ticket, error) {
			return []models.Ticket{active, next}, nil
		},
		updateStatusFn: func(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, bool, error) {
			updates = append(updates, input)
			ticket := next
			ticket.Status = input.NewStatus
			if input.TicketID == active.TicketID {
				ticket = active
				ticket.Status = input.NewStatus
			}
			return ticket, true, nil
		},
	}

	result, err := New(st).CallNext(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if !result.Found {
		t.Fatalf("expected a served ticket")
	}
	if result.Ticket.TicketID != "t-2" {
		t.Fatalf("expected t-2 served, got %s", result.Ticket.TicketID)
	}
	if len(updates) != 2 {
		t.Fatalf("expected 2 status updates, got %d", len(updates))
	}
	if updates[0].TicketID != "t-1" || updates[0].NewStatus != models.StatusDone {
		t.Fatalf("expected first update to finish t-1, got %+v", updates[0])
	}
	if updates[1].TicketID != "t-2" || updates[1].NewStatus != models.StatusInProgress {
		t.Fatalf("expected second update to serve t-2, got %+v", updates[1])
	}
	if result.Serving.ServingNumber != 2 {
		t.Fatalf("expected serving pointer at 2, got %d", result.Serving.ServingNumber)
	}
}

func TestCallNextToleratesAlreadySettledActive(t *testing.T) {
	active := waitingTicket("t-1", 1, false)
	active.Status = models.StatusInProgress
	next := waitingTicket("t-2", 2, false)

	st := fakeStore{
		listFn: func(ctx context.Context) ([]models.Ticket, error) {
			return []models.Ticket{active, next}, nil
		},
		updateStatusFn: func(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, bool, error) {
			if input.TicketID == active.TicketID {
				return models.Ticket{}, false, store.ErrInvalidTransition
			}
			ticket := next
			ticket.Status = input.NewStatus
			return ticket, true, nil
		},
	}

	result, err := New(st).CallNext(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if result.Ticket.TicketID != "t-2" {
		t.Fatalf("expected t-2 served, got %s", result.Ticket.TicketID)
	}
}

func TestCallNextEmptyQueueAdvancesPointer(t *testing.T) {
	var setNo int64
	var setTicketID string
	st := fakeStore{
		getServingFn: func(ctx context.Context) (models.ServingState, error) {
			return models.ServingState{ServingNumber: 5}, nil
		},
		setServingFn: func(ctx context.Context, servingNo int64, activeTicketID string) (models.ServingState, error) {
			setNo = servingNo
			setTicketID = activeTicketID
			return models.ServingState{ServingNumber: servingNo}, nil
		},
	}

	result, err := New(st).CallNext(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("call next: %v", err)
	}
	if result.Found {
		t.Fatalf("expected no ticket on empty queue")
	}
	if setNo != 6 {
		t.Fatalf("expected pointer advanced to 6, got %d", setNo)
	}
	if setTicketID != "" {
		t.Fatalf("expected unbound pointer, got %s", setTicketID)
	}
}

func TestCallSpecific(t *testing.T) {
	target := waitingTicket("t-5", 5, false)
	st := fakeStore{
		listFn: func(ctx context.Context) ([]models.Ticket, error) {
			return []models.Ticket{waitingTicket("t-2", 2, false), target}, nil
		},
		updateStatusFn: func(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, bool, error) {
			ticket := target
			ticket.Status = input.NewStatus
			return ticket, true, nil
		},
	}

	result, err := New(st).CallSpecific(context.Background(), "req-1", 5)
	if err != nil {
		t.Fatalf("call specific: %v", err)
	}
	if result.Ticket.TicketID != "t-5" {
		t.Fatalf("expected t-5 served, got %s", result.Ticket.TicketID)
	}
}

func TestCallSpecificNotFound(t *testing.T) {
	st := fakeStore{
		listFn: func(ctx context.Context) ([]models.Ticket, error) {
			return []models.Ticket{waitingTicket("t-2", 2, false)}, nil
		},
	}

	if _, err := New(st).CallSpecific(context.Background(), "req-1", 9); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ErrTicketNotFound, got %v", err)
	}
}

func TestCallSpecificNotSchedulable(t *testing.T) {
	done := waitingTicket("t-2", 2, false)
	done.Status = models.StatusDone
	st := fakeStore{
		listFn: func(ctx context.Context) ([]models.Ticket, error) {
			return []models.Ticket{done}, nil
		},
	}

	if _, err := New(st).CallSpecific(context.Background(), "req-1", 2); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancelSkipsEarlierTickets(t *testing.T) {
	active := waitingTicket("t-3", 3, false)
	active.Status = models.StatusInProgress
	earlierPriority := waitingTicket("t-2", 2, true)
	later := waitingTicket("t-5", 5, false)

	var updates []store.UpdateStatusInput
	st := fakeStore{
		listFn: func(ctx context.Context) ([]models.Ticket, error) {
			return []models.Ticket{earlierPriority, active, later}, nil
		},
		updateStatusFn: func(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, bool, error) {
			updates = append(updates, input)
			ticket := later
			if input.TicketID == active.TicketID {
				ticket = active
			}
			ticket.Status = input.NewStatus
			return ticket, true, nil
		},
	}

	result, err := New(st).Cancel(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updates[0].TicketID != "t-3" || updates[0].NewStatus != models.StatusCancelled {
		t.Fatalf("expected t-3 cancelled first, got %+v", updates[0])
	}
	if result.Ticket.TicketID != "t-5" {
		t.Fatalf("expected t-5 served after cancel, got %s", result.Ticket.TicketID)
	}
}

func TestCancelWithNoLaterTicketAdvancesPastCancelled(t *testing.T) {
	active := waitingTicket("t-3", 3, false)
	active.Status = models.StatusInProgress
	earlier := waitingTicket("t-2", 2, false)

	var setNo int64
	st := fakeStore{
		listFn: func(ctx context.Context) ([]models.Ticket, error) {
			return []models.Ticket{earlier, active}, nil
		},
		updateStatusFn: func(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, bool, error) {
			ticket := active
			ticket.Status = input.NewStatus
			return ticket, true, nil
		},
		setServingFn: func(ctx context.Context, servingNo int64, activeTicketID string) (models.ServingState, error) {
			setNo = servingNo
			return models.ServingState{ServingNumber: servingNo}, nil
		},
	}

	result, err := New(st).Cancel(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if result.Found {
		t.Fatalf("expected no ticket served")
	}
	if setNo != 4 {
		t.Fatalf("expected pointer at 4 (cancelled + 1), got %d", setNo)
	}
}

func TestCancelWithoutActiveTicket(t *testing.T) {
	st := fakeStore{
		listFn: func(ctx context.Context) ([]models.Ticket, error) {
			return []models.Ticket{waitingTicket("t-2", 2, false)}, nil
		},
	}

	if _, err := New(st).Cancel(context.Background(), "req-1"); !errors.Is(err, store.ErrNoTicket) {
		t.Fatalf("expected ErrNoTicket, got %v", err)
	}
}

func TestBusyGuard(t *testing.T) {
	sched := New(fakeStore{})
	atomic.StoreInt32(&sched.busy, 1)

	if _, err := sched.CallNext(context.Background(), "req-1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := sched.Cancel(context.Background(), "req-1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if _, err := sched.CallSpecific(context.Background(), "req-1", 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}
