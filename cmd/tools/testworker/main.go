package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"github.com/vrischmann/envconfig"

	"github.com/Sh00ty/patrol/internal/models"
)

type Config struct {
	Name          string        `envconfig:"TESTWORKER_NAME,default=testworker"`
	ListenIP      string        `envconfig:"TESTWORKER_IP,default=127.0.0.1"`
	ListenPort    uint16        `envconfig:"TESTWORKER_PORT,default=8000"`
	IPv4          bool          `envconfig:"TESTWORKER_IPV4,default=true"`
	IPv6          bool          `envconfig:"TESTWORKER_IPV6,default=false"`
	Status        string        `envconfig:"TESTWORKER_STATUS,default=up"`
	Secret        string        `envconfig:"TESTWORKER_SECRET"`
	AdmissionAddr string        `envconfig:"ADMISSION_ADDR,default=127.0.0.1:6667"`
	Interval      time.Duration `envconfig:"TESTWORKER_HEARTBEAT_INTERVAL,default=10s"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := Config{}
	err := envconfig.Init(&cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read testworker config")
	}

	srv := http.Server{
		Handler:           newCheckMux(cfg.Status),
		Addr:              net.JoinHostPort(cfg.ListenIP, fmt.Sprint(cfg.ListenPort)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start check server")
		}
	}()
	defer srv.Close()

	hb := models.Heartbeat{
		Name:   cfg.Name,
		IP:     cfg.ListenIP,
		Port:   cfg.ListenPort,
		IPv4:   cfg.IPv4,
		IPv6:   cfg.IPv6,
		Secret: cfg.Secret,
	}
	for ctx.Err() == nil {
		err := heartbeat(ctx, cfg.AdmissionAddr, hb, cfg.Interval)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("admission connection lost, reconnecting")
		}
	}
}

// heartbeat keeps one admission connection open and writes a heartbeat
// every interval until the connection or ctx fails.
func heartbeat(ctx context.Context, addr string, hb models.Heartbeat, interval time.Duration) error {
	var conn net.Conn
	err := retry.Do(
		func() error {
			var err error
			conn, err = (&net.Dialer{Timeout: 5 * time.Second}).DialContext(ctx, "tcp", addr)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().Err(err).Msgf("admission endpoint unreachable, attempt %d", n+1)
		}),
	)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Info().Msgf("connected to admission endpoint %s as %s", addr, hb.Name)

	enc := json.NewEncoder(conn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		err := enc.Encode(hb)
		if err != nil {
			return fmt.Errorf("failed to send heartbeat: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func newCheckMux(status string) *http.ServeMux {
	mux := http.NewServeMux()
	mu := sync.Mutex{}
	lastReq := time.Now()
	for i := models.CheckTypeStatus; i.Valid(); i++ {
		path := i.Path()
		mux.HandleFunc("POST "+path, func(w http.ResponseWriter, r *http.Request) {
			defer r.Body.Close()

			mu.Lock()
			log.Info().Msgf("got %s check from %s since %s", path, r.RemoteAddr, time.Since(lastReq))
			lastReq = time.Now()
			mu.Unlock()

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
		})
	}
	return mux
}
