package exporter

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/bitlabstudio/pypispy-agent/internal/agent"
)

// HTTPAPI exposes the state of the last collection run.
type HTTPAPI struct {
	serverName string
	version    string
	store      *agent.Store
}

// NewHTTPAPI builds a HTTPAPI bound to the run store.
func NewHTTPAPI(serverName, version string, store *agent.Store) *HTTPAPI {
	return &HTTPAPI{serverName: serverName, version: version, store: store}
}

// Register wires endpoints into the provided mux.
func (h *HTTPAPI) Register(mux *http.ServeMux) {
	mux.HandleFunc("/agent/v1/health", h.health)
	mux.HandleFunc("/agent/v1/readyz", h.readyz)
	mux.HandleFunc("/agent/v1/runs/latest", h.latest)
}

func (h *HTTPAPI) health(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":     "initializing",
		"serverName": h.serverName,
		"version":    h.version,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	if summary, ok := h.store.Latest(); ok {
		payload["status"] = "ok"
		payload["lastRunAt"] = summary.FinishedAt.UTC().Format(time.RFC3339Nano)
		payload["submitted"] = summary.Submitted()
		payload["failed"] = summary.Failed()
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *HTTPAPI) readyz(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.store.Latest(); ok {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	respondError(w, http.StatusServiceUnavailable, "no run completed yet")
}

func (h *HTTPAPI) latest(w http.ResponseWriter, r *http.Request) {
	if summary, ok := h.store.Latest(); ok {
		respondJSON(w, http.StatusOK, summary)
		return
	}
	respondError(w, http.StatusServiceUnavailable, "no run completed yet")
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
