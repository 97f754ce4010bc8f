package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/metrics"
	"github.com/Sh00ty/patrol/internal/models"
	"github.com/Sh00ty/patrol/internal/registry"
)

type Selector interface {
	SelectQuorum(capability models.Capability, n int) ([]models.Worker, error)
}

type Service struct {
	selector Selector
	metrics  metrics.Metrics
}

func NewService(selector Selector, m metrics.Metrics) *Service {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Service{
		selector: selector,
		metrics:  m,
	}
}

// Select returns the endpoints of a fresh quorum or nil when none is available.
func (s *Service) Select(capability string) []string {
	cp, ok := models.ParseCapability(capability)
	if !ok {
		log.Warn().Msgf("dispatcher got request for unknown capability %q", capability)
		return nil
	}
	workers, err := s.selector.SelectQuorum(cp, registry.QuorumSize)
	if err != nil {
		log.Debug().Err(err).Str("capability", capability).Msg("no quorum")
		s.metrics.Increment("dispatch.quorum.unavailable")
		return nil
	}
	endpoints := make([]string, 0, len(workers))
	for _, w := range workers {
		endpoints = append(endpoints, w.Endpoint.String())
	}
	s.metrics.Increment("dispatch.quorum.served")
	return endpoints
}

// Handle turns one raw request into exactly one raw reply. Any fault,
// including a panic in selection, is answered with null.
func (s *Service) Handle(data []byte) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("dispatcher recovered from panic: %v", r)
			reply = nullReply
		}
	}()

	req := Request{}
	err := json.Unmarshal(data, &req)
	if err != nil {
		log.Warn().Err(err).Msg("failed to decode dispatch request")
		return nullReply
	}
	endpoints := s.Select(req.Request)
	if endpoints == nil {
		return nullReply
	}
	reply, err = json.Marshal(endpoints)
	if err != nil {
		log.Error().Err(err).Msg("failed to encode dispatch reply")
		return nullReply
	}
	return reply
}

// Serve answers requests on cfg.Subject until ctx is done.
func (s *Service) Serve(ctx context.Context, nc *nats.Conn, cfg Config) error {
	sub, err := nc.QueueSubscribe(cfg.Subject, cfg.QueueGroup, func(msg *nats.Msg) {
		err := msg.Respond(s.Handle(msg.Data))
		if err != nil {
			log.Error().Err(err).Msg("failed to send dispatch reply")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe on %s: %w", cfg.Subject, err)
	}
	log.Info().Msgf("dispatcher serving on subject %s", cfg.Subject)

	<-ctx.Done()
	err = sub.Drain()
	if err != nil {
		return fmt.Errorf("failed to drain dispatch subscription: %w", err)
	}
	return nil
}
