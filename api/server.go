// Package api serves the gateway's local admin surface: health, status,
// maintenance actions, and prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"talos/alert"
	"talos/health"
	"talos/sender"
	"talos/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config tunes the admin server.
type Config struct {
	Listen   string
	AdminKey string
	// RetentionDays bounds the manual cleanup cutoff.
	RetentionDays float64
}

// Server is the admin HTTP server.
type Server struct {
	cfg       Config
	gatewayID string
	health    *health.Manager
	alerts    *alert.Manager
	store     *store.Store
	sender    *sender.Sender

	http *http.Server
}

// New wires the admin server. alerts, store, and snd may be nil when the
// corresponding subsystem is disabled.
func New(cfg Config, gatewayID string, hm *health.Manager, alerts *alert.Manager, st *store.Store, snd *sender.Sender) *Server {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:9380"
	}
	s := &Server{
		cfg:       cfg,
		gatewayID: gatewayID,
		health:    hm,
		alerts:    alerts,
		store:     st,
		sender:    snd,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /admin/cleanup", s.requireKey(s.handleCleanup))
	mux.HandleFunc("POST /admin/vacuum", s.requireKey(s.handleVacuum))
	mux.Handle("GET /metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	slog.Info("admin server listening", "addr", s.cfg.Listen)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutCtx)
		return ctx.Err()
	}
}

func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminKey == "" || r.Header.Get("X-Admin-Key") != s.cfg.AdminKey {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// statusResponse is the /status body.
type statusResponse struct {
	GatewayID     string                  `json:"gateway_id"`
	Devices       map[string]deviceStatus `json:"devices"`
	ActiveAlerts  int                     `json:"active_alerts"`
	LastPostOkAt  *time.Time              `json:"last_post_ok_at,omitempty"`
	OutboxPending int                     `json:"outbox_pending"`
}

type deviceStatus struct {
	Phase    string `json:"phase"`
	Failures int    `json:"consecutive_failures"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		GatewayID: s.gatewayID,
		Devices:   make(map[string]deviceStatus),
	}
	for id, st := range s.health.Snapshot() {
		resp.Devices[id] = deviceStatus{
			Phase:    st.Phase.String(),
			Failures: st.ConsecutiveFailures,
		}
	}
	if s.alerts != nil {
		for _, byCode := range s.alerts.ActiveStates() {
			resp.ActiveAlerts += len(byCode)
		}
	}
	if s.sender != nil {
		if t := s.sender.LastPostOkAt(); !t.IsZero() {
			resp.LastPostOkAt = &t
		}
		resp.OutboxPending = s.sender.Outbox().PendingCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCleanup(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	days := s.cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().Add(-time.Duration(days * 24 * float64(time.Hour)))
	n, err := s.store.CleanupOldSnapshots(cutoff)
	if err != nil {
		slog.Warn("manual cleanup failed", "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n, "cutoff": cutoff})
}

func (s *Server) handleVacuum(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusServiceUnavailable)
		return
	}
	ran, err := s.store.VacuumDatabase()
	if err != nil {
		slog.Warn("manual vacuum failed", "err", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	stats, err := s.store.GetDBStats()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vacuumed": ran, "stats": stats})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("write admin response", "err", err)
	}
}
