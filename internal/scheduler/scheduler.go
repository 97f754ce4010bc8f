package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/executor"
	"github.com/Sh00ty/patrol/internal/metrics"
	"github.com/Sh00ty/patrol/internal/models"
)

type Config struct {
	PollInterval time.Duration `envconfig:"SCHEDULER_POLL_INTERVAL,default=5s"`
}

type CheckSource interface {
	ListDueChecks(ctx context.Context, now time.Time) ([]models.CheckDefinition, error)
	StampChecked(ctx context.Context, ids []models.CheckID, now time.Time) error
}

type Submitter interface {
	Submit(ctx context.Context, check models.CheckDefinition) error
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// Scheduler hands due checks to the executor and never waits for them to finish.
type Scheduler struct {
	cfg       Config
	source    CheckSource
	submitter Submitter
	now       func() time.Time
	metrics   metrics.Metrics
}

func New(cfg Config, source CheckSource, submitter Submitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		source:    source,
		submitter: submitter,
		now:       time.Now,
		metrics:   metrics.Noop{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PollDue submits every due check and then stamps the accepted ones as
// checked in one batch. Submission waits while the executor is saturated;
// checks left over after a shutdown stay due for the next poll.
func (s *Scheduler) PollDue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.source.ListDueChecks(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to list due checks: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}
	s.metrics.Gauge("scheduler.due", len(due))

	ids := make([]models.CheckID, 0, len(due))
	var submitErr error
	for _, check := range due {
		submitErr = s.submitter.Submit(ctx, check)
		if submitErr != nil {
			log.Warn().Err(submitErr).Msgf("stopped submitting: %d of %d due checks left for the next poll", len(due)-len(ids), len(due))
			s.metrics.Increment("scheduler.submit.interrupted")
			break
		}
		ids = append(ids, check.ID)
	}
	if len(ids) == 0 {
		return 0, submitErr
	}

	// the stamp must land even if ctx was cancelled mid-batch, otherwise
	// accepted checks would be dispatched again on the next start
	err = s.source.StampChecked(context.WithoutCancel(ctx), ids, now)
	if err != nil {
		return len(ids), fmt.Errorf("failed to stamp %d checks: %w", len(ids), err)
	}
	return len(ids), submitErr
}

func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Msgf("started scheduler: poll every %s", s.cfg.PollInterval)
	for {
		n, err := s.PollDue(ctx)
		switch {
		case err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, executor.ErrClosed)):
			return nil
		case err != nil:
			log.Error().Err(err).Msg("scheduler poll failed")
		case n > 0:
			log.Debug().Msgf("submitted %d due checks", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.PollInterval):
		}
	}
}
