package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"clinicq/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

type fakeSource struct {
	events []store.OutboxEvent
}

func (f *fakeSource) ListOutboxEvents(ctx context.Context, clinicID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	return f.events, nil
}

func stateChangeEvent(t *testing.T, clinicID, next string, at time.Time) store.OutboxEvent {
	t.Helper()
	payload, err := json.Marshal(store.StateChange{
		VisitID:    "v1",
		ClinicID:   clinicID,
		Next:       next,
		OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return store.OutboxEvent{
		EventID:   "e1",
		ClinicID:  clinicID,
		Type:      store.EventVisitStateChanged,
		Payload:   payload,
		CreatedAt: at,
	}
}

func TestBroadcasterDeliversAndAdvancesWatermark(t *testing.T) {
	h := New(zerolog.Nop())
	client := newTestClient("c1", "clinic-1")
	h.Register(client)

	at := time.Now().UTC().Add(time.Second)
	source := &fakeSource{events: []store.OutboxEvent{stateChangeEvent(t, "clinic-1", "waiting", at)}}
	b := NewBroadcaster(h, source, zerolog.Nop(), time.Second, 10)

	b.tick(context.Background())

	if len(client.Send) != 1 {
		t.Fatalf("client got %d messages, want 1", len(client.Send))
	}
	if !b.after.Equal(at) {
		t.Fatalf("watermark = %v, want %v", b.after, at)
	}
}

func TestBroadcasterCountsTransitions(t *testing.T) {
	h := New(zerolog.Nop())
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "test_visit_transitions_total"},
		[]string{"status"},
	)

	at := time.Now().UTC().Add(time.Second)
	source := &fakeSource{events: []store.OutboxEvent{
		stateChangeEvent(t, "clinic-1", "waiting", at),
		{EventID: "e2", ClinicID: "clinic-1", Type: "other.event", Payload: []byte(`{}`), CreatedAt: at},
	}}
	b := NewBroadcaster(h, source, zerolog.Nop(), time.Second, 10)
	b.SetTransitionCounter(counter)

	b.tick(context.Background())

	if got := testutil.ToFloat64(counter.WithLabelValues("waiting")); got != 1 {
		t.Fatalf("waiting transitions = %v, want 1", got)
	}
}
