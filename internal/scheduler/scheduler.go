// Package scheduler runs the auto-transition timer: called visits whose
// window has elapsed are promoted to treatment on a fixed tick. The pause
// switch lives in the store's scan, so a paused clinic simply yields no
// candidates.
package scheduler

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type Promoter interface {
	AutoBeginDue(ctx context.Context, batchSize int) (int, error)
}

type Scheduler struct {
	store      Promoter
	log        zerolog.Logger
	interval   time.Duration
	batchSize  int
	promotions prometheus.Counter
}

func New(store Promoter, log zerolog.Logger, interval time.Duration, batchSize int) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scheduler{store: store, log: log, interval: interval, batchSize: batchSize}
}

// SetPromotionCounter reports promoted visits through the given counter.
func (s *Scheduler) SetPromotionCounter(counter prometheus.Counter) {
	s.promotions = counter
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

func (s *Scheduler) Tick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	count, err := s.store.AutoBeginDue(tickCtx, s.batchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("auto begin scan")
		return
	}
	if count > 0 {
		if s.promotions != nil {
			s.promotions.Add(float64(count))
		}
		s.log.Info().Int("promoted", count).Msg("auto-promoted called visits")
	}
}
