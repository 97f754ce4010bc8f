package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/metrics"
	"github.com/Sh00ty/patrol/internal/models"
)

const QuorumSize = models.QuorumSize

var (
	ErrUnauthorized     = errors.New("worker presented unknown secret")
	ErrInvalidHeartbeat = errors.New("heartbeat without worker name")
	ErrNoQuorum         = errors.New("not enough capable workers for quorum")
)

type Config struct {
	InactivityInterval time.Duration `envconfig:"WORKER_INACTIVITY_INTERVAL,default=30s"`
	Secrets            []string      `envconfig:"WORKER_SECRETS"`
}

// EvictionThreshold is the silence a worker may keep before it is dropped.
func (c Config) EvictionThreshold() time.Duration {
	return c.InactivityInterval * 3 / 2
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

func WithRand(rnd *rand.Rand) Option {
	return func(r *Registry) {
		r.rnd = rnd
	}
}

func WithMetrics(m metrics.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// Registry owns the worker membership table. Heartbeat, EvictStale and
// SelectQuorum all serialize on mu and never do I/O while holding it.
type Registry struct {
	mu      sync.Mutex
	workers map[string]*models.Worker
	rnd     *rand.Rand

	secrets map[string]struct{}
	cfg     Config
	now     func() time.Time
	metrics metrics.Metrics
}

func New(cfg Config, opts ...Option) *Registry {
	secrets := make(map[string]struct{}, len(cfg.Secrets))
	for _, secret := range cfg.Secrets {
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		secrets[secret] = struct{}{}
	}
	r := &Registry{
		workers: make(map[string]*models.Worker, 64),
		rnd:     rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		secrets: secrets,
		cfg:     cfg,
		now:     time.Now,
		metrics: metrics.Noop{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Heartbeat(hb models.Heartbeat) error {
	if _, ok := r.secrets[hb.Secret]; !ok {
		log.Warn().Str("worker", hb.Name).Msg("rejected unauthorized worker")
		r.metrics.Increment("registry.heartbeat.rejected")
		return ErrUnauthorized
	}
	if hb.Name == "" {
		return ErrInvalidHeartbeat
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if w, exists := r.workers[hb.Name]; exists {
		if now.After(w.LastHeartbeat) {
			w.LastHeartbeat = now
		}
		return nil
	}
	worker := models.WorkerFromHeartbeat(hb, now)
	r.workers[hb.Name] = &worker

	log.Info().
		Str("worker", worker.Name).
		Str("endpoint", worker.Endpoint.String()).
		Bool("ipv4", worker.IPv4).
		Bool("ipv6", worker.IPv6).
		Msg("added worker")
	return nil
}

// EvictStale drops every worker silent for strictly longer than threshold.
func (r *Registry) EvictStale(threshold time.Duration) []string {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for name, w := range r.workers {
		if now.Sub(w.LastHeartbeat) <= threshold {
			continue
		}
		delete(r.workers, name)
		evicted = append(evicted, name)
		log.Info().Str("worker", name).Msg("removing worker due to inactivity")
	}
	return evicted
}

// SelectQuorum picks n distinct capable workers uniformly at random. The
// eligible set is computed first, so an empty capability fails immediately.
func (r *Registry) SelectQuorum(capability models.Capability, n int) ([]models.Worker, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid quorum size %d", n)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	eligible := make([]*models.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		if w.Can(capability) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) < n {
		return nil, ErrNoQuorum
	}
	// partial fisher-yates: the first n slots end up a uniform sample
	for i := 0; i < n; i++ {
		j := i + r.rnd.IntN(len(eligible)-i)
		eligible[i], eligible[j] = eligible[j], eligible[i]
	}
	quorum := make([]models.Worker, n)
	for i := range quorum {
		quorum[i] = *eligible[i]
	}
	return quorum, nil
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Snapshot returns copies of all live workers ordered by name.
func (r *Registry) Snapshot() []models.Worker {
	r.mu.Lock()
	out := make([]models.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, *w)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b models.Worker) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

func (r *Registry) RunEviction(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.InactivityInterval)
	defer ticker.Stop()

	threshold := r.cfg.EvictionThreshold()
	log.Info().Msgf("started worker eviction: every %s, threshold %s", r.cfg.InactivityInterval, threshold)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		evicted := r.EvictStale(threshold)
		if len(evicted) > 0 {
			r.metrics.Gauge("registry.workers.evicted", len(evicted))
		}
		r.metrics.Gauge("registry.workers.live", r.Len())
	}
}
