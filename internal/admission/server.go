package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/Sh00ty/patrol/internal/models"
)

type Config struct {
	Addr              string        `envconfig:"ADMISSION_ADDR,default=0.0.0.0:6667"`
	MessagesPerSecond float64       `envconfig:"ADMISSION_RATE,default=10"`
	Burst             int           `envconfig:"ADMISSION_BURST,default=20"`
	IdleTimeout       time.Duration `envconfig:"ADMISSION_IDLE_TIMEOUT,default=5m"`
}

type HeartbeatSink interface {
	Heartbeat(hb models.Heartbeat) error
}

// Server accepts persistent worker connections, each carrying a stream of
// JSON heartbeat objects. Heartbeats are never acknowledged.
type Server struct {
	cfg  Config
	sink HeartbeatSink

	ls    net.Listener
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	// closing is set once shutdown swept conns; later accepts are closed on arrival.
	closing bool
	wg      sync.WaitGroup
}

func NewServer(cfg Config, sink HeartbeatSink) *Server {
	return &Server{
		cfg:   cfg,
		sink:  sink,
		conns: make(map[net.Conn]struct{}),
	}
}

func (s *Server) Listen() (net.Addr, error) {
	ls, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind admission addr %s: %w", s.cfg.Addr, err)
	}
	s.ls = ls
	return ls.Addr(), nil
}

func (s *Server) Serve(ctx context.Context) error {
	if s.ls == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}
	log.Info().Msgf("admission endpoint listening on %s", s.ls.Addr())

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.closing = true
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		_ = s.ls.Close()
	}()

	for {
		conn, err := s.ls.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			log.Error().Err(err).Msg("failed to accept worker connection")
			continue
		}
		if !s.track(conn, true) {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.track(conn, false)
			s.handleConn(ctx, conn)
		}()
	}
}

// track reports false when the connection arrived after shutdown started.
func (s *Server) track(conn net.Conn, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add && !s.closing {
		s.conns[conn] = struct{}{}
		return true
	}
	delete(s.conns, conn)
	_ = conn.Close()
	return false
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	limit := rate.Inf
	if s.cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(s.cfg.MessagesPerSecond)
	}
	var (
		dec     = json.NewDecoder(conn)
		limiter = rate.NewLimiter(limit, max(s.cfg.Burst, 1))
		remote  = conn.RemoteAddr().String()
	)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		hb := models.Heartbeat{}
		err := dec.Decode(&hb)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			case errors.Is(err, os.ErrDeadlineExceeded):
				log.Debug().Msgf("closing idle worker connection from %s", remote)
			default:
				log.Warn().Err(err).Msgf("dropping worker connection from %s: malformed heartbeat", remote)
			}
			return
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		err = s.sink.Heartbeat(hb)
		if err != nil {
			log.Debug().Err(err).Str("worker", hb.Name).Msgf("heartbeat from %s dropped", remote)
		}
	}
}
