package threat

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// SchedulerCaller is recorded as requested_by for scheduled runs.
const SchedulerCaller = "system:scheduler"

// Scheduler runs a stored-events analysis on a fixed interval.
type Scheduler struct {
	pipeline *Pipeline
	interval time.Duration
	logger   zerolog.Logger
}

func NewScheduler(p *Pipeline, interval time.Duration, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		pipeline: p,
		interval: interval,
		logger:   logger.With().Str("component", "analysis_scheduler").Logger(),
	}
}

// Start runs until ctx is done. A non-positive interval disables it.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
	s.logger.Info().Dur("interval", s.interval).Msg("scheduled analysis enabled")
}

// RunOnce performs one scheduled analysis. It reports whether the reasoning
// service was called; with no stored events the run is skipped.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	recent, err := s.pipeline.store.RecentEvents(ctx, 1)
	if err != nil {
		s.logger.Warn().Err(err).Msg("scheduled analysis: cannot read events")
		return false
	}
	if len(recent) == 0 {
		s.logger.Debug().Msg("scheduled analysis skipped, no events")
		return false
	}
	if _, err := s.pipeline.Run(ctx, Request{AnalysisType: TypeScheduled}, SchedulerCaller); err != nil {
		s.logger.Warn().Err(err).Msg("scheduled analysis failed")
	}
	return true
}
