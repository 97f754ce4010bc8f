package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/models"
)

func Connect(ctx context.Context, cfg Config) (*nats.Conn, error) {
	var nc *nats.Conn
	err := retry.Do(
		func() error {
			var err error
			nc, err = nats.Connect(cfg.NatsURL, nats.Name("patrol-orchestrator"))
			return err
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			log.Warn().Err(err).Msgf("failed to connect to nats, attempt %d", n+1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", cfg.NatsURL, err)
	}
	return nc, nil
}

// Client asks a remote dispatcher for quorums over NATS.
type Client struct {
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

func NewClient(nc *nats.Conn, cfg Config) *Client {
	return &Client{
		nc:      nc,
		subject: cfg.Subject,
		timeout: cfg.Timeout,
	}
}

func (c *Client) RequestQuorum(ctx context.Context, capability models.Capability) ([]string, error) {
	data, err := json.Marshal(Request{Request: string(capability)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispatch request: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return nil, fmt.Errorf("failed to request quorum: %w", err)
	}
	return decodeReply(msg.Data)
}

// LocalClient serves quorums from an in-process dispatcher, used when no
// NATS url is configured.
type LocalClient struct {
	svc *Service
}

func NewLocalClient(svc *Service) *LocalClient {
	return &LocalClient{svc: svc}
}

func (c *LocalClient) RequestQuorum(ctx context.Context, capability models.Capability) ([]string, error) {
	data, err := json.Marshal(Request{Request: string(capability)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode dispatch request: %w", err)
	}
	return decodeReply(c.svc.Handle(data))
}

func decodeReply(data []byte) ([]string, error) {
	var endpoints []string
	err := json.Unmarshal(data, &endpoints)
	if err != nil {
		return nil, fmt.Errorf("failed to decode dispatch reply: %w", err)
	}
	if endpoints == nil {
		return nil, ErrNoQuorum
	}
	return endpoints, nil
}
