package notifier

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"clinicq/queue-service/internal/hub"
	"clinicq/queue-service/internal/store"
)

type envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Notifier drains the outbox and broadcasts "something changed" envelopes
// through the hub. Consumers must reconcile via ListTickets; the payload is
// informational only.
type Notifier struct {
	store     store.TicketStore
	hub       *hub.Hub
	interval  time.Duration
	batchSize int
	retention time.Duration
	running   int32
}

type Options struct {
	Interval  time.Duration
	BatchSize int
	Retention time.Duration
}

func New(st store.TicketStore, h *hub.Hub, options Options) *Notifier {
	interval := options.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	retention := options.Retention
	if retention <= 0 {
		retention = time.Hour
	}
	return &Notifier{
		store:     st,
		hub:       h,
		interval:  interval,
		batchSize: batchSize,
		retention: retention,
	}
}

// Run polls until ctx is cancelled. The CAS guard keeps a slow drain from
// overlapping with the next tick.
func (n *Notifier) Run(ctx context.Context) {
	offset, err := n.store.GetOffset(ctx)
	if err != nil {
		log.Printf("load offset error: %v", err)
	}
	if offset.LastEventTime.IsZero() {
		offset.LastEventTime = time.Unix(0, 0).UTC()
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !atomic.CompareAndSwapInt32(&n.running, 0, 1) {
			continue
		}
		offset = n.drain(ctx, offset)
		atomic.StoreInt32(&n.running, 0)
	}
}

func (n *Notifier) drain(ctx context.Context, offset store.OutboxOffset) store.OutboxOffset {
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	events, err := n.store.ListOutboxEvents(drainCtx, offset, n.batchSize)
	if err != nil {
		log.Printf("list outbox error: %v", err)
		return offset
	}
	for _, event := range events {
		offset.LastEventTime = event.CreatedAt
		offset.LastEventID = event.EventID
		payload, _ := json.Marshal(envelope{Type: event.Type, Payload: event.Payload, CreatedAt: event.CreatedAt})
		n.hub.Broadcast(payload, event.Type)
	}
	if len(events) == 0 {
		return offset
	}
	if err := n.store.UpdateOffset(drainCtx, offset); err != nil {
		log.Printf("update offset error: %v", err)
	}
	if err := n.store.CleanupOutbox(drainCtx, offset.LastEventTime.Add(-n.retention)); err != nil {
		log.Printf("cleanup outbox error: %v", err)
	}
	return offset
}
