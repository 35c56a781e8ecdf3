// Package api exposes the keeper's minimal operator health/status
// surface: a liveness probe and a point-in-time snapshot of recent
// executions and risk state. It is deliberately small — the teacher's
// dashboard (a WebSocket hub streaming live order-book/inventory state to
// a browser UI) has no equivalent here; this surface exists for an
// operator's curl/uptime-check, not a UI.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/fundingkeeper/keeper/internal/config"
)

// StatusProvider supplies the data the /status endpoint reports.
// keeper.Scheduler implements it over the risk guard and loss tracker it
// holds; cmd/keeper passes the scheduler to NewServer.
type StatusProvider interface {
	Status() Status
}

// Status is the JSON body returned by GET /status.
type Status struct {
	DryRun           bool      `json:"dryRun"`
	KillSwitchActive bool      `json:"killSwitchActive"`
	CumulativeLoss   string    `json:"cumulativeLoss"`
	LastExecutionAt  time.Time `json:"lastExecutionAt,omitempty"`
	ActiveSymbols    []string  `json:"activeSymbols,omitempty"`
}

// Server runs the health/status HTTP surface.
type Server struct {
	cfg      config.DashboardConfig
	provider StatusProvider
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a Server bound to cfg.Port. It does not start
// listening until Start is called.
func NewServer(cfg config.DashboardConfig, provider StatusProvider, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{cfg: cfg, provider: provider, logger: logger.With("component", "api")}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins serving in the background. Call Stop to shut down.
func (s *Server) Start() {
	if !s.cfg.Enabled {
		return
	}
	go func() {
		s.logger.Info("health surface listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health surface stopped", "error", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if !s.cfg.Enabled {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.provider.Status()); err != nil {
		s.logger.Error("encode status response", "error", err)
	}
}
