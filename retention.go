package bullroom

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
)

// DefaultRetentionCron runs the sweep every ten minutes.
const DefaultRetentionCron = "*/10 * * * *"

// Purger deletes history older than a cutoff.
type Purger interface {
	PurgeExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionSweeper enforces RetentionWindow on a cron schedule.
type RetentionSweeper struct {
	purger Purger
	cron   string
	window time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewRetentionSweeper validates cronExpr and returns a sweeper. An empty
// expression selects DefaultRetentionCron.
func NewRetentionSweeper(purger Purger, cronExpr string, opts ...Option) (*RetentionSweeper, error) {
	if cronExpr == "" {
		cronExpr = DefaultRetentionCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid retention cron expression: %s", cronExpr)
	}
	o := buildOptions(opts)
	return &RetentionSweeper{
		purger: purger,
		cron:   cronExpr,
		window: RetentionWindow,
		logger: o.logger,
		now:    o.now,
	}, nil
}

// RunOnce deletes everything older than the retention window.
func (s *RetentionSweeper) RunOnce(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.window)
	n, err := s.purger.PurgeExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.logger.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("retention_run")
	return n, nil
}

// Next returns the next scheduled run after t.
func (s *RetentionSweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Run sleeps until each cron tick and sweeps, until ctx is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context) {
	s.logger.Info().Str("cron", s.cron).Dur("window", s.window).Msg("retention_scheduler_started")
	for {
		next, err := s.Next(s.now().UTC())
		if err != nil {
			s.logger.Error().Err(err).Str("cron", s.cron).Msg("retention_nexttick_failed")
			next = s.now().Add(30 * time.Second)
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("retention_scheduler_stopping")
			return
		case <-time.After(time.Until(next)):
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("retention_run_error")
		}
	}
}
