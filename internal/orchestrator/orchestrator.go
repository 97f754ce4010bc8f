package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/Sh00ty/patrol/internal/metrics"
	"github.com/Sh00ty/patrol/internal/models"
)

var ErrQuorumUnavailable = errors.New("quorum unavailable")

type QuorumSource interface {
	RequestQuorum(ctx context.Context, capability models.Capability) ([]string, error)
}

type WorkerCaller interface {
	Check(ctx context.Context, endpoint string, path string, payload any) string
}

type StatusStore interface {
	GetStatus(ctx context.Context, id models.CheckID) (models.CheckState, error)
	SetStatus(ctx context.Context, id models.CheckID, status string, errorState bool, changedAt time.Time) error
	SetErrorFlag(ctx context.Context, id models.CheckID, errorState bool) error
}

type Notifier interface {
	NotifyStatusChange(ctx context.Context, change models.StatusChange) error
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

type Orchestrator struct {
	quorum   QuorumSource
	workers  WorkerCaller
	store    StatusStore
	notifier Notifier
	metrics  metrics.Metrics
	now      func() time.Time
}

func New(
	quorum QuorumSource,
	workers WorkerCaller,
	store StatusStore,
	notifier Notifier,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		quorum:   quorum,
		workers:  workers,
		store:    store,
		notifier: notifier,
		metrics:  metrics.Noop{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Orchestrate runs one cycle for the check, logging instead of returning errors.
func (o *Orchestrator) Orchestrate(ctx context.Context, check models.CheckDefinition) {
	start := o.now()
	action, err := o.Run(ctx, check)
	o.metrics.Duration("orchestrator.duration", o.now().Sub(start))
	if err != nil {
		if errors.Is(err, ErrQuorumUnavailable) {
			log.Warn().Err(err).Int64("check_id", int64(check.ID)).Msg("skipping check cycle")
			return
		}
		log.Error().Err(err).Int64("check_id", int64(check.ID)).Msg("check cycle abandoned")
		o.metrics.Increment("orchestrator.abandoned")
		return
	}
	o.metrics.Increment("orchestrator.action." + action.String())
}

// Run dispatches the check to a quorum, reduces the outcomes and applies
// the resulting transition. It returns the applied action.
func (o *Orchestrator) Run(ctx context.Context, check models.CheckDefinition) (Action, error) {
	capability := check.Type.Capability()
	endpoints, err := o.quorum.RequestQuorum(ctx, capability)
	if err != nil {
		o.metrics.Increment("orchestrator.quorum.unavailable")
		return ActionNone, fmt.Errorf("%w for %s: %v", ErrQuorumUnavailable, capability, err)
	}
	if len(endpoints) != models.QuorumSize {
		o.metrics.Increment("orchestrator.quorum.unavailable")
		return ActionNone, fmt.Errorf("%w for %s: got %d workers", ErrQuorumUnavailable, capability, len(endpoints))
	}

	payload, err := BuildPayload(check)
	if err != nil {
		return ActionNone, fmt.Errorf("failed to build payload: %w", err)
	}

	outcomes := o.gather(ctx, endpoints, check.Type.Path(), payload)
	consensus := Reduce(outcomes)
	log.Debug().
		Int64("check_id", int64(check.ID)).
		Strs("outcomes", outcomes[:]).
		Str("consensus", consensus).
		Msg("reduced check outcomes")

	state, err := o.store.GetStatus(ctx, check.ID)
	if err != nil {
		return ActionNone, fmt.Errorf("failed to read check state: %w", err)
	}
	action := Transition(state, consensus)
	err = o.apply(ctx, check, state, consensus, action)
	if err != nil {
		return ActionNone, err
	}
	return action, nil
}

// gather always waits for every slot; each slot is bounded by the worker
// caller's own timeout and falls back to the error outcome.
func (o *Orchestrator) gather(ctx context.Context, endpoints []string, path string, payload any) [models.QuorumSize]string {
	var (
		outcomes [models.QuorumSize]string
		g        errgroup.Group
	)
	for i, endpoint := range endpoints {
		g.Go(func() error {
			outcomes[i] = o.workers.Check(ctx, endpoint, path, payload)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (o *Orchestrator) apply(
	ctx context.Context,
	check models.CheckDefinition,
	state models.CheckState,
	consensus string,
	action Action,
) error {
	logger := log.With().Int64("check_id", int64(check.ID)).Logger()

	switch action {
	case ActionNone:
		return nil
	case ActionFlagError:
		err := o.store.SetErrorFlag(ctx, check.ID, true)
		if err != nil {
			return fmt.Errorf("failed to set error flag: %w", err)
		}
		logger.Info().Msg("check entered error state")
	case ActionClearError:
		err := o.store.SetErrorFlag(ctx, check.ID, false)
		if err != nil {
			return fmt.Errorf("failed to clear error flag: %w", err)
		}
		logger.Info().Str("status", state.Status).Msg("check recovered from error state")
	case ActionChangeStatus:
		now := o.now()
		err := o.store.SetStatus(ctx, check.ID, consensus, false, now)
		if err != nil {
			return fmt.Errorf("failed to persist status %q: %w", consensus, err)
		}
		if state.Known() {
			logger.Info().Str("old", state.Status).Str("new", consensus).Msg("check status changed")
		} else {
			logger.Info().Str("new", consensus).Msg("first status recorded for check")
		}

		err = o.notifier.NotifyStatusChange(ctx, models.StatusChange{
			CheckID:   check.ID,
			UserID:    check.UserID,
			CheckName: check.Name,
			CheckType: check.Type,
			OldStatus: state.Status,
			NewStatus: consensus,
			ChangedAt: now,
		})
		if err != nil {
			return fmt.Errorf("failed to notify status change: %w", err)
		}
	}
	return nil
}
