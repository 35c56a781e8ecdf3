package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fundingkeeper/keeper/internal/config"
)

type stubProvider struct{ status Status }

func (s stubProvider) Status() Status { return s.status }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	s := NewServer(config.DashboardConfig{Enabled: true, Port: 0}, stubProvider{}, testLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()
	want := Status{DryRun: true, KillSwitchActive: false, CumulativeLoss: "12.50", LastExecutionAt: time.Now().UTC().Truncate(time.Second), ActiveSymbols: []string{"ETHUSD"}}
	s := NewServer(config.DashboardConfig{Enabled: true, Port: 0}, stubProvider{status: want}, testLogger())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	s.server.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, want.CumulativeLoss, got.CumulativeLoss)
	require.Equal(t, want.ActiveSymbols, got.ActiveSymbols)
}
