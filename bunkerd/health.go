package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/bunker/relay"
)

// HealthServer provides HTTP health check endpoints
type HealthServer struct {
	port    int
	server  *http.Server
	relays  func() []relay.Status
	started time.Time

	mu     sync.RWMutex
	status HealthStatus
}

// HealthStatus represents the current health status
type HealthStatus struct {
	Healthy         bool      `json:"healthy"`
	NATSConnected   bool      `json:"nats_connected"`
	RelaysConnected int       `json:"relays_connected"`
	RelaysTotal     int       `json:"relays_total"`
	LastCheck       time.Time `json:"last_check"`
	Uptime          string    `json:"uptime"`
	Version         string    `json:"version"`
}

// NewHealthServer creates a new health server. relays reports the
// current relay connections.
func NewHealthServer(port int, relays func() []relay.Status) *HealthServer {
	return &HealthServer{
		port:    port,
		relays:  relays,
		started: time.Now(),
		status:  HealthStatus{Version: Version},
	}
}

// Router builds the HTTP routes
func (h *HealthServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", h.handleHealth)
	r.Get("/ready", h.handleReady)
	r.Get("/relays", h.handleRelays)
	r.Get("/metrics", h.handleMetrics)
	return r
}

// Run serves until ctx is cancelled
func (h *HealthServer) Run(ctx context.Context) error {
	h.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", h.port),
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Int("port", h.port).Msg("Starting health server")

	errCh := make(chan error, 1)
	go func() { errCh <- h.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.server.Shutdown(shutdownCtx)
	}
}

// UpdateNATS records the NATS connection state. Without NATS configured
// the daemon still counts as healthy.
func (h *HealthServer) UpdateNATS(connected bool) {
	h.mu.Lock()
	h.status.NATSConnected = connected
	h.mu.Unlock()
}

func (h *HealthServer) snapshot() HealthStatus {
	h.mu.RLock()
	status := h.status
	h.mu.RUnlock()

	status.RelaysConnected, status.RelaysTotal = 0, 0
	if h.relays != nil {
		for _, s := range h.relays() {
			status.RelaysTotal++
			if s.Connected {
				status.RelaysConnected++
			}
		}
	}
	// Healthy while at least one relay is reachable, or none are configured yet.
	status.Healthy = status.RelaysTotal == 0 || status.RelaysConnected > 0
	status.LastCheck = time.Now()
	status.Uptime = time.Since(h.started).Round(time.Second).String()
	return status
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := h.snapshot()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// handleReady handles the /ready endpoint (for readiness probes)
func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.snapshot().Healthy {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	w.Write([]byte("not ready"))
}

func (h *HealthServer) handleRelays(w http.ResponseWriter, r *http.Request) {
	var statuses []relay.Status
	if h.relays != nil {
		statuses = h.relays()
	}
	if statuses == nil {
		statuses = []relay.Status{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

// handleMetrics handles the /metrics endpoint (Prometheus format)
func (h *HealthServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	status := h.snapshot()

	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "# HELP bunker_healthy Whether the daemon is healthy\n")
	fmt.Fprintf(w, "# TYPE bunker_healthy gauge\n")
	fmt.Fprintf(w, "bunker_healthy %d\n", boolGauge(status.Healthy))
	fmt.Fprintf(w, "# HELP bunker_nats_connected Whether connected to NATS\n")
	fmt.Fprintf(w, "# TYPE bunker_nats_connected gauge\n")
	fmt.Fprintf(w, "bunker_nats_connected %d\n", boolGauge(status.NATSConnected))
	fmt.Fprintf(w, "# HELP bunker_relays_connected Relay connections currently open\n")
	fmt.Fprintf(w, "# TYPE bunker_relays_connected gauge\n")
	fmt.Fprintf(w, "bunker_relays_connected %d\n", status.RelaysConnected)
	fmt.Fprintf(w, "# HELP bunker_relays_total Relay connections configured\n")
	fmt.Fprintf(w, "# TYPE bunker_relays_total gauge\n")
	fmt.Fprintf(w, "bunker_relays_total %d\n", status.RelaysTotal)
	fmt.Fprintf(w, "# HELP bunker_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE bunker_uptime_seconds counter\n")
	fmt.Fprintf(w, "bunker_uptime_seconds %.0f\n", time.Since(h.started).Seconds())
}

func boolGauge(b bool) int {
	if b {
		return 1
	}
	return 0
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
