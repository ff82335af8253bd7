package hub

import (
	"context"
	"time"

	"clinicq/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// EventSource is the slice of the store the broadcaster reads.
type EventSource interface {
	ListOutboxEvents(ctx context.Context, clinicID string, after time.Time, limit int) ([]store.OutboxEvent, error)
}

// Broadcaster polls the outbox and pushes new events into the hub. It keeps
// a created_at watermark in memory; after a restart clients may see a burst
// of recent events again, which they must tolerate.
type Broadcaster struct {
	hub      *Hub
	source   EventSource
	log      zerolog.Logger
	interval time.Duration
	batch    int
	after    time.Time

	transitions *prometheus.CounterVec
}

// SetTransitionCounter reports each streamed state change by target status.
func (b *Broadcaster) SetTransitionCounter(counter *prometheus.CounterVec) {
	b.transitions = counter
}

func NewBroadcaster(h *Hub, source EventSource, log zerolog.Logger, interval time.Duration, batch int) *Broadcaster {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	return &Broadcaster{
		hub:      h,
		source:   source,
		log:      log,
		interval: interval,
		batch:    batch,
		after:    time.Now().UTC(),
	}
}

func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Broadcaster) tick(ctx context.Context) {
	events, err := b.source.ListOutboxEvents(ctx, "", b.after, b.batch)
	if err != nil {
		b.log.Error().Err(err).Msg("poll outbox")
		return
	}
	for _, event := range events {
		b.hub.Broadcast(event.Payload, Subscription{ClinicID: event.ClinicID})
		if b.transitions != nil && event.Type == store.EventVisitStateChanged {
			if change, err := store.DecodeStateChange(event.Payload); err == nil {
				b.transitions.WithLabelValues(change.Next).Inc()
			}
		}
		if event.CreatedAt.After(b.after) {
			b.after = event.CreatedAt
		}
	}
}
