package queueview

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"
)

// ServingCache is the non-authoritative pointer cache. Satisfied by
// servingcache.Cache; faked in tests.
type ServingCache interface {
	Get(ctx context.Context) (models.ServingState, bool, error)
	Set(ctx context.Context, state models.ServingState) error
}

// View is the synchronization layer: it reconciles a local snapshot with the
// authoritative store after mutations and change notifications, and keeps a
// selected-ticket reference bound across requeues. During store outages it
// keeps answering reads from the last good snapshot.
type View struct {
	store store.TicketStore
	cache ServingCache

	mu       sync.RWMutex
	tickets  []models.Ticket
	byID     map[string]models.Ticket
	serving  models.ServingState
	synced   bool
	selected string
	lastSync time.Time
}

func New(st store.TicketStore, cache ServingCache) *View {
	return &View{store: st, cache: cache, byID: make(map[string]models.Ticket)}
}

// Reconcile refetches the ticket set and serving pointer. The fetched truth
// always wins over whatever the local snapshot optimistically assumed.
func (v *View) Reconcile(ctx context.Context) error {
	tickets, err := v.store.ListTickets(ctx)
	if err != nil {
		return err
	}
	serving, err := v.store.GetServing(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]models.Ticket, len(tickets))
	for _, ticket := range tickets {
		byID[ticket.TicketID] = ticket
	}

	v.mu.Lock()
	v.tickets = tickets
	v.byID = byID
	v.serving = serving
	v.synced = true
	v.lastSync = time.Now().UTC()
	v.selected = resolveLive(byID, v.selected)
	v.mu.Unlock()

	if v.cache != nil {
		if err := v.cache.Set(ctx, serving); err != nil {
			log.Printf("serving cache write error: %v", err)
		}
	}
	return nil
}

// Run reconciles on every change signal until ctx is cancelled.
func (v *View) Run(ctx context.Context, signals <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-signals:
			if !ok {
				return
			}
			if err := v.Reconcile(ctx); err != nil {
				log.Printf("reconcile error: %v", err)
			}
		}
	}
}

// Snapshot returns a copy of the last known ticket set.
func (v *View) Snapshot() []models.Ticket {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]models.Ticket, len(v.tickets))
	copy(out, v.tickets)
	return out
}

// Waiting returns the schedulable tickets in serving order: priority tier
// first, FIFO by queue number within each tier.
func (v *View) Waiting() []models.Ticket {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var waiting []models.Ticket
	for _, ticket := range v.tickets {
		if ticket.Schedulable() {
			waiting = append(waiting, ticket)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		a, b := waiting[i], waiting[j]
		if a.IsPriority != b.IsPriority {
			return a.IsPriority
		}
		return a.QueueNumber < b.QueueNumber
	})
	return waiting
}

// Serving returns the current-serving pointer. Before the first successful
// reconcile it falls back to the redis cache so a reload is not stuck on a
// stale default while the store round-trip is in flight.
func (v *View) Serving(ctx context.Context) models.ServingState {
	v.mu.RLock()
	synced := v.synced
	serving := v.serving
	v.mu.RUnlock()
	if synced {
		return serving
	}
	if v.cache != nil {
		if cached, ok, err := v.cache.Get(ctx); err == nil && ok {
			return cached
		}
	}
	return models.ServingState{ServingNumber: 1}
}

// Idle reports whether no ticket is in progress. A crash between "finish
// previous" and "serve next" lands here, and it simply means the queue is
// ready for the next call.
func (v *View) Idle() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	for _, ticket := range v.tickets {
		if ticket.Status == models.StatusInProgress && !ticket.IsInactive {
			return false
		}
	}
	return true
}

// Select binds the view to one ticket by identity, typically a patient's own
// ticket. The binding survives requeues: Reconcile follows the requeued_to
// chain to the live replacement.
func (v *View) Select(ticketID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.selected = resolveLive(v.byID, ticketID)
}

func (v *View) Selected() (models.Ticket, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.selected == "" {
		return models.Ticket{}, false
	}
	ticket, ok := v.byID[v.selected]
	return ticket, ok
}

// LastSync reports when the snapshot was last confirmed against the store.
func (v *View) LastSync() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastSync
}

// resolveLive follows requeued_to links until it reaches a ticket that has
// not been superseded. The chain is finite: queue numbers strictly increase
// along it.
func resolveLive(byID map[string]models.Ticket, ticketID string) string {
	if ticketID == "" {
		return ""
	}
	current := ticketID
	for {
		ticket, ok := byID[current]
		if !ok {
			return current
		}
		if !ticket.IsInactive || ticket.RequeuedTo == nil {
			return current
		}
		current = *ticket.RequeuedTo
	}
}
