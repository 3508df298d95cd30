package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sandboxd/internal/logging"
	"sandboxd/internal/metrics"
)

func TestHandleLogsReturnsBufferedEntries(t *testing.T) {
	logger := logging.NewLoggerWithOutput(nil, logging.LevelDebug, nil)
	logger.Info("sandbox spawned", map[string]string{"user_id": "7"})

	rest := &RestHandler{Logger: logger}
	w := httptest.NewRecorder()
	if apiErr := rest.handleLogs(w, httptest.NewRequest(http.MethodGet, "/api/logs", nil)); apiErr != nil {
		t.Fatalf("handleLogs: %+v", apiErr)
	}

	var entries []logging.LogEntry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "sandbox spawned" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestHandleMetricsWritesPrometheusText(t *testing.T) {
	registry := &metrics.Registry{}
	registry.IncSandboxSpawned()

	rest := &RestHandler{Metrics: registry}
	w := httptest.NewRecorder()
	rest.handleMetrics(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "sandboxd_sandboxes_spawned_total 1") {
		t.Fatalf("missing counter in output:\n%s", w.Body.String())
	}
}

func TestHandleStatusRejectsPost(t *testing.T) {
	rest := &RestHandler{}
	w := httptest.NewRecorder()
	apiErr := rest.handleStatus(w, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	if apiErr == nil || apiErr.Status != http.StatusMethodNotAllowed {
		t.Fatalf("expected method not allowed, got %+v", apiErr)
	}
}
