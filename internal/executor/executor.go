package executor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/models"
)

var ErrClosed = errors.New("executor already closed")

type Config struct {
	Concurrency uint16 `envconfig:"EXECUTOR_CONCURRENCY,default=32"`
	Buffer      uint32 `envconfig:"EXECUTOR_BUFFER,default=1024"`
}

type Orchestrator interface {
	Orchestrate(ctx context.Context, check models.CheckDefinition)
}

// Executor bounds the number of orchestrations in flight: at most
// Concurrency run at once and at most Buffer wait in the queue.
type Executor struct {
	concurrency  uint16
	inputChan    chan models.CheckDefinition
	orchestrator Orchestrator

	closed     atomic.Bool
	inProgress atomic.Int64
	close      chan struct{}
	workers    sync.WaitGroup
}

func New(cfg Config, orchestrator Orchestrator) *Executor {
	return &Executor{
		concurrency:  max(cfg.Concurrency, 1),
		inputChan:    make(chan models.CheckDefinition, cfg.Buffer),
		orchestrator: orchestrator,
		close:        make(chan struct{}),
	}
}

func (e *Executor) Run(ctx context.Context) {
	for i := range e.concurrency {
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			for check := range e.inputChan {
				log.Debug().Msgf("executor [%d] received check %d", i, check.ID)
				e.orchestrator.Orchestrate(ctx, check)
			}
		}()
	}
}

// Submit hands a check to the pool, waiting for queue space while the
// pool is saturated. It gives up only on Close or when ctx is done.
func (e *Executor) Submit(ctx context.Context, check models.CheckDefinition) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.inProgress.Add(1)
	defer e.inProgress.Add(-1)

	select {
	case <-e.close:
		return ErrClosed
	default:
	}
	select {
	case e.inputChan <- check:
		return nil
	case <-e.close:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting checks and waits for queued ones to finish.
func (e *Executor) Close() {
	if e.closed.Swap(true) {
		return
	}
	close(e.close)
	for e.inProgress.Load() != 0 {
		// a submit may still be between the closed check and the send
		runtime.Gosched()
	}
	close(e.inputChan)
	e.workers.Wait()
}
