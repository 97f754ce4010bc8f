package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/models"
)

type workerLister interface {
	Snapshot() []models.Worker
}

type workerView struct {
	Name          string    `json:"name"`
	Endpoint      string    `json:"endpoint"`
	IPv4          bool      `json:"ipv4"`
	IPv6          bool      `json:"ipv6"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func newProbeMux(workers workerLister) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		w.WriteHeader(http.StatusOK)
	})
	// ready once at least one quorum of workers has checked in
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		if len(workers.Snapshot()) < models.QuorumSize {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/workers", func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		snapshot := workers.Snapshot()
		views := make([]workerView, 0, len(snapshot))
		for _, wrk := range snapshot {
			views = append(views, workerView{
				Name:          wrk.Name,
				Endpoint:      wrk.Endpoint.String(),
				IPv4:          wrk.IPv4,
				IPv6:          wrk.IPv6,
				LastHeartbeat: wrk.LastHeartbeat,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		err := json.NewEncoder(w).Encode(views)
		if err != nil {
			log.Error().Err(err).Msg("failed to write workers snapshot")
		}
	})
	return mux
}

func startProbeServer(addr string, workers workerLister) func() {
	srv := http.Server{
		Handler:           newProbeMux(workers),
		Addr:              addr,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("failed to start http server")
		}
	}()
	return func() {
		_ = srv.Close()
	}
}
