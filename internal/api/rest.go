package api

import (
	"net/http"
	"time"

	"sandboxd/internal/logging"
	"sandboxd/internal/metrics"
	"sandboxd/internal/sandbox"
)

type RestHandler struct {
	Supervisor *sandbox.Supervisor
	Sessions   sandbox.SessionCounter
	Logger     *logging.Logger
	Metrics    *metrics.Registry
}

type statusResponse struct {
	ServerTime   time.Time       `json:"server_time"`
	SandboxCount int             `json:"sandbox_count"`
	Sandboxes    []sandboxStatus `json:"sandboxes"`
}

type sandboxStatus struct {
	UserID    string `json:"user_id"`
	Container string `json:"container"`
	State     string `json:"state"`
	Sessions  int    `json:"sessions"`
	PortStart int    `json:"port_start,omitempty"`
	PortEnd   int    `json:"port_end,omitempty"`
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if h.Supervisor == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "supervisor unavailable"}
	}

	records := h.Supervisor.Records()
	response := statusResponse{
		ServerTime:   time.Now().UTC(),
		SandboxCount: len(records),
		Sandboxes:    make([]sandboxStatus, 0, len(records)),
	}
	for _, record := range records {
		status := sandboxStatus{
			UserID:    record.UserID,
			Container: record.Container,
			State:     string(record.State),
			PortStart: record.Ports.Start,
			PortEnd:   record.Ports.End,
		}
		if h.Sessions != nil {
			status.Sessions = h.Sessions.ActiveSessions(record.UserID)
		}
		response.Sandboxes = append(response.Sandboxes, status)
	}

	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	if r.Method != http.MethodGet {
		return methodNotAllowed(w, "GET")
	}
	if h.Logger == nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "logger unavailable"}
	}

	writeJSON(w, http.StatusOK, h.Logger.Buffer().List())
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	registry := h.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	registry.WritePrometheus(w)
}
