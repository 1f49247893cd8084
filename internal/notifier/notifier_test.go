package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"clinicq/queue-service/internal/hub"
	"clinicq/queue-service/internal/models"
	"clinicq/queue-service/internal/store"
)

type fakeStore struct {
	events        []store.OutboxEvent
	updatedOffset *store.OutboxOffset
	cleanedBefore *time.Time
}

func (f *fakeStore) CreateTicket(ctx context.Context, input store.CreateTicketInput) (models.Ticket, bool, error) {
	return models.Ticket{}, false, nil
}

func (f *fakeStore) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return models.Ticket{}, store.ErrTicketNotFound
}

func (f *fakeStore) ListTickets(ctx context.Context) ([]models.Ticket, error) {
	return nil, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, input store.UpdateStatusInput) (models.Ticket, bool, error) {
	return models.Ticket{}, false, nil
}

func (f *fakeStore) AcceptAppointment(ctx context.Context, input store.AppointmentActionInput) (models.Ticket, bool, error) {
	return models.Ticket{}, false, nil
}

func (f *fakeStore) RejectAppointment(ctx context.Context, input store.AppointmentActionInput) (models.Ticket, bool, error) {
	return models.Ticket{}, false, nil
}

func (f *fakeStore) RequeueTicket(ctx context.Context, input store.RequeueInput) (models.Ticket, bool, error) {
	return models.Ticket{}, false, nil
}

func (f *fakeStore) CheckSlot(ctx context.Context, window time.Time) (int, error) {
	return 0, nil
}

func (f *fakeStore) GetServing(ctx context.Context) (models.ServingState, error) {
	return models.ServingState{ServingNumber: 1}, nil
}

func (f *fakeStore) SetServing(ctx context.Context, servingNo int64, activeTicketID string) (models.ServingState, error) {
	return models.ServingState{ServingNumber: servingNo}, nil
}

func (f *fakeStore) ListOutboxEvents(ctx context.Context, after store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	var out []store.OutboxEvent
	for _, event := range f.events {
		if event.CreatedAt.After(after.LastEventTime) {
			out = append(out, event)
		}
	}
	return out, nil
}

func (f *fakeStore) GetOffset(ctx context.Context) (store.OutboxOffset, error) {
	return store.OutboxOffset{}, nil
}

func (f *fakeStore) UpdateOffset(ctx context.Context, offset store.OutboxOffset) error {
	f.updatedOffset = &offset
	return nil
}

func (f *fakeStore) CleanupOutbox(ctx context.Context, before time.Time) error {
	f.cleanedBefore = &before
	return nil
}

func (f *fakeStore) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	return nil, nil
}

func TestDrainBroadcastsAndAdvancesOffset(t *testing.T) {
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	st := &fakeStore{
		events: []store.OutboxEvent{
			{EventID: "e-1", Type: "ticket.created", Payload: json.RawMessage(`{"queue_no":1}`), CreatedAt: base},
			{EventID: "e-2", Type: "ticket.done", Payload: json.RawMessage(`{"queue_no":1}`), CreatedAt: base.Add(time.Second)},
		},
	}
	h := hub.New()
	client := &hub.Client{ID: "c", Send: make(chan []byte, 4)}
	h.Register(client)

	n := New(st, h, Options{Retention: time.Hour})
	offset := n.drain(context.Background(), store.OutboxOffset{LastEventTime: time.Unix(0, 0).UTC()})

	if offset.LastEventID != "e-2" {
		t.Fatalf("expected offset at e-2, got %s", offset.LastEventID)
	}
	if st.updatedOffset == nil || st.updatedOffset.LastEventID != "e-2" {
		t.Fatalf("expected offset persisted")
	}
	if st.cleanedBefore == nil || !st.cleanedBefore.Equal(base.Add(time.Second).Add(-time.Hour)) {
		t.Fatalf("expected cleanup anchored to retention window")
	}

	if len(client.Send) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(client.Send))
	}
	var env envelope
	if err := json.Unmarshal(<-client.Send, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Type != "ticket.created" {
		t.Fatalf("expected ticket.created, got %s", env.Type)
	}
}

func TestDrainNoEventsLeavesOffset(t *testing.T) {
	st := &fakeStore{}
	n := New(st, hub.New(), Options{})

	start := store.OutboxOffset{LastEventTime: time.Unix(0, 0).UTC(), LastEventID: "e-0"}
	offset := n.drain(context.Background(), start)
	if offset != start {
		t.Fatalf("expected unchanged offset, got %+v", offset)
	}
	if st.updatedOffset != nil {
		t.Fatalf("expected no offset write without events")
	}
}
