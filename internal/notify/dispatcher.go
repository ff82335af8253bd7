// Package notify runs the post-visit feedback flow. Completed visits carry
// a feedback_due_at stamp; once it passes, the dispatcher schedules the
// request, hands it to a sender, and records the send.
package notify

import (
	"context"
	"fmt"
	"time"

	"clinicq/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Sender delivers one feedback request to a patient.
type Sender interface {
	Send(ctx context.Context, visit models.Visit) error
}

// FeedbackStore is the slice of the visit store the dispatcher drives.
type FeedbackStore interface {
	ListFeedbackDue(ctx context.Context, before time.Time, limit int) ([]models.Visit, error)
	MarkFeedbackScheduled(ctx context.Context, clinicID, visitID string, at time.Time) (models.Visit, error)
	MarkFeedbackSent(ctx context.Context, clinicID, visitID string, at time.Time) (models.Visit, error)
}

type Dispatcher struct {
	store     FeedbackStore
	sender    Sender
	log       zerolog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
	sent      prometheus.Counter
}

// SetSentCounter reports delivered feedback requests through the counter.
func (d *Dispatcher) SetSentCounter(counter prometheus.Counter) {
	d.sent = counter
}

type Config struct {
	Interval  time.Duration
	BatchSize int
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func New(store FeedbackStore, sender Sender, log zerolog.Logger, cfg Config) *Dispatcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 50
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		store:     store,
		sender:    sender,
		log:       log,
		interval:  interval,
		batchSize: batch,
		now:       now,
	}
}

func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick processes one batch. A visit that fails to send stays in
// feedback_scheduled; there is no retry path, staff follow up manually.
func (d *Dispatcher) Tick(ctx context.Context) {
	now := d.now()
	due, err := d.store.ListFeedbackDue(ctx, now, d.batchSize)
	if err != nil {
		d.log.Error().Err(err).Msg("list feedback due")
		return
	}
	for _, visit := range due {
		scheduled, err := d.store.MarkFeedbackScheduled(ctx, visit.ClinicID, visit.VisitID, now)
		if err != nil {
			// another instance claimed it first
			d.log.Debug().Err(err).Str("visit_id", visit.VisitID).Msg("skip feedback claim")
			continue
		}
		if err := d.sender.Send(ctx, scheduled); err != nil {
			d.log.Error().Err(err).Str("visit_id", visit.VisitID).Msg("send feedback request")
			continue
		}
		if _, err := d.store.MarkFeedbackSent(ctx, visit.ClinicID, visit.VisitID, d.now()); err != nil {
			d.log.Error().Err(err).Str("visit_id", visit.VisitID).Msg("mark feedback sent")
			continue
		}
		if d.sent != nil {
			d.sent.Inc()
		}
	}
}

// LogSender writes the request to the log instead of a real channel. It is
// the default when no webhook is configured.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) Send(ctx context.Context, visit models.Visit) error {
	s.Log.Info().
		Str("visit_id", visit.VisitID).
		Str("visit_code", visit.VisitCode).
		Str("patient_phone", visit.PatientPhone).
		Msg("feedback request")
	return nil
}

// FuncSender adapts a function to the Sender interface, for tests.
type FuncSender func(ctx context.Context, visit models.Visit) error

func (f FuncSender) Send(ctx context.Context, visit models.Visit) error {
	if f == nil {
		return fmt.Errorf("nil sender")
	}
	return f(ctx, visit)
}
