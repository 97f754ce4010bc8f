package sender

import (
	"context"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/metrics"
	"github.com/Sh00ty/patrol/internal/models"
)

type Config struct {
	ResendInterval time.Duration `envconfig:"RESEND_INTERVAL,default=30s"`
	Attempts       uint          `envconfig:"SENDER_ATTEMPTS,default=3"`
	RetryDelay     time.Duration `envconfig:"SENDER_RETRY_DELAY,default=200ms"`
	UnsentLimit    int           `envconfig:"SENDER_UNSENT_LIMIT,default=10000"`
}

// Sink delivers one status change to the owning user through one channel.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, change models.StatusChange) error
}

type unsentEvent struct {
	change models.StatusChange
	sink   Sink
}

func NewSenderController(
	cfg Config,
	eventCh <-chan models.StatusChange,
	m metrics.Metrics,
	sinks ...Sink,
) *SenderController {
	if m == nil {
		m = metrics.Noop{}
	}
	return &SenderController{
		cfg:     cfg,
		events:  eventCh,
		sinks:   sinks,
		metrics: m,
		unsent:  make([]unsentEvent, 0),
	}
}

// SenderController drains status changes into every sink. Deliveries that
// keep failing are parked and retried on every resend tick.
type SenderController struct {
	cfg     Config
	events  <-chan models.StatusChange
	sinks   []Sink
	metrics metrics.Metrics

	unsentGuard sync.Mutex
	unsent      []unsentEvent
}

// Run returns once the event channel is closed and drained or ctx is done.
func (c *SenderController) Run(ctx context.Context) {
	ticker := time.NewTicker(max(c.cfg.ResendInterval, time.Second))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendUnsentEvents(ctx)
		case event, ok := <-c.events:
			if !ok {
				c.sendUnsentEvents(ctx)
				return
			}
			for _, sink := range c.sinks {
				err := c.deliver(ctx, sink, event)
				if err != nil {
					log.Error().Err(err).
						Str("sink", sink.Name()).
						Int64("check_id", int64(event.CheckID)).
						Msg("failed to deliver status change, put it into unsent queue")
					c.park(unsentEvent{change: event, sink: sink})
				}
			}
		}
	}
}

func (c *SenderController) deliver(ctx context.Context, sink Sink, event models.StatusChange) error {
	err := retry.Do(
		func() error {
			return sink.Deliver(ctx, event)
		},
		retry.Context(ctx),
		retry.Attempts(max(c.cfg.Attempts, 1)),
		retry.Delay(c.cfg.RetryDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		c.metrics.Increment("sender." + sink.Name() + ".failed")
		return err
	}
	c.metrics.Increment("sender." + sink.Name() + ".delivered")
	return nil
}

func (c *SenderController) park(event unsentEvent) {
	c.unsentGuard.Lock()
	defer c.unsentGuard.Unlock()

	if c.cfg.UnsentLimit > 0 && len(c.unsent) >= c.cfg.UnsentLimit {
		dropped := c.unsent[0]
		c.unsent = c.unsent[1:]
		log.Warn().
			Str("sink", dropped.sink.Name()).
			Int64("check_id", int64(dropped.change.CheckID)).
			Msg("unsent queue overflow, dropping oldest status change")
		c.metrics.Increment("sender.unsent.dropped")
	}
	c.unsent = append(c.unsent, event)
	c.metrics.Gauge("sender.unsent", len(c.unsent))
}

func (c *SenderController) sendUnsentEvents(ctx context.Context) {
	c.unsentGuard.Lock()
	defer c.unsentGuard.Unlock()

	if len(c.unsent) == 0 {
		return
	}
	stillUnsent := make([]unsentEvent, 0, len(c.unsent))
	for _, event := range c.unsent {
		if ctx.Err() != nil {
			stillUnsent = append(stillUnsent, event)
			continue
		}
		err := event.sink.Deliver(ctx, event.change)
		if err != nil {
			stillUnsent = append(stillUnsent, event)
		}
	}
	if len(stillUnsent) > 0 {
		log.Warn().Msgf("failed to resend unsent events: done %d of %d", len(c.unsent)-len(stillUnsent), len(c.unsent))
	}
	c.unsent = stillUnsent
	c.metrics.Gauge("sender.unsent", len(c.unsent))
}

func (c *SenderController) Unsent() int {
	c.unsentGuard.Lock()
	defer c.unsentGuard.Unlock()
	return len(c.unsent)
}
