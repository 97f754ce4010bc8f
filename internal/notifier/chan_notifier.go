package notifier

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/models"
)

var ErrClosed = errors.New("notifier already closed")

// ChanNotifier decouples the orchestrator from slow alert sinks: status
// changes are queued on a channel drained by the sender.
type ChanNotifier struct {
	eventChan chan models.StatusChange
	mu        sync.RWMutex
	closed    bool
	close     chan struct{}
	closeOnce sync.Once
}

func NewNotifier(buf int) *ChanNotifier {
	return &ChanNotifier{
		eventChan: make(chan models.StatusChange, buf),
		close:     make(chan struct{}),
	}
}

func (n *ChanNotifier) NotifyStatusChange(ctx context.Context, change models.StatusChange) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}

	select {
	case n.eventChan <- change:
		return nil
	default:
	}
	log.Warn().Int64("check_id", int64(change.CheckID)).Msg("notification queue is full, waiting for sender")
	select {
	case n.eventChan <- change:
		return nil
	case <-n.close:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *ChanNotifier) GetEventChan() <-chan models.StatusChange {
	return n.eventChan
}

// Close wakes blocked senders and closes the event channel once no
// NotifyStatusChange call can still write to it.
func (n *ChanNotifier) Close() {
	n.closeOnce.Do(func() {
		close(n.close)

		n.mu.Lock()
		defer n.mu.Unlock()
		n.closed = true
		close(n.eventChan)
	})
}
