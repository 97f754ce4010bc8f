package workerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/models"
)

const maxResponseSize = 1 << 20

var ErrMalformedResponse = errors.New("malformed worker response")

type Config struct {
	Timeout time.Duration `envconfig:"WORKER_RPC_TIMEOUT,default=10s"`
}

type Client struct {
	client  *http.Client
	timeout time.Duration
}

func New(cfg Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSHandshakeTimeout = cfg.Timeout
	return &Client{
		client: &http.Client{
			Transport: transport,
		},
		timeout: cfg.Timeout,
	}
}

type checkResponse struct {
	Status *string `json:"status"`
}

// Call posts payload to endpoint+path and returns the reported status.
func (c *Client) Call(ctx context.Context, endpoint string, path string, payload any) (string, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode check payload: %w", err)
	}
	url := strings.TrimRight(endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to form check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request do error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return "", fmt.Errorf("%w: status code %d", ErrMalformedResponse, resp.StatusCode)
	}
	result := checkResponse{}
	err = json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&result)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if result.Status == nil || *result.Status == "" {
		return "", fmt.Errorf("%w: no status field", ErrMalformedResponse)
	}
	return *result.Status, nil
}

// Check is Call with every failure folded into the error outcome.
func (c *Client) Check(ctx context.Context, endpoint string, path string, payload any) string {
	status, err := c.Call(ctx, endpoint, path, payload)
	if err != nil {
		log.Debug().Err(err).Msgf("worker %s failed check %s", endpoint, path)
		return models.OutcomeError
	}
	return status
}
