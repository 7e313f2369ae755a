// Package control exposes the core's own operability surface: health,
// cache/audit/router stats, and a listing/detail/cancel view over
// in-flight agent runs. Adapted from
// internal/control/api.go (mux routing, Bearer/X-API-Key auth, writeJSON
// helper), re-pointed from session/voice/TTS stats at this core's
// orchestrator, cache, audit, and router.
package control

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"elidacore/internal/audit"
	"elidacore/internal/cache"
	"elidacore/internal/classify"
	"elidacore/internal/core"
	"elidacore/internal/llm"
	"elidacore/internal/orchestrator"
)

// Handler serves the admin control API.
type Handler struct {
	orch   *orchestrator.Orchestrator
	cache  *cache.Manager
	audit  *audit.Sink
	router *llm.Router
	mux    *http.ServeMux

	authEnabled bool
	apiKey      string
}

// New creates a control API handler with authentication disabled.
func New(orch *orchestrator.Orchestrator, cacheMgr *cache.Manager, auditSink *audit.Sink, router *llm.Router) *Handler {
	return NewWithAuth(orch, cacheMgr, auditSink, router, false, "")
}

// NewWithAuth creates a control API handler requiring a bearer/X-API-Key
// token on every /control/* request when authEnabled is true.
func NewWithAuth(orch *orchestrator.Orchestrator, cacheMgr *cache.Manager, auditSink *audit.Sink, router *llm.Router, authEnabled bool, apiKey string) *Handler {
	h := &Handler{
		orch:        orch,
		cache:       cacheMgr,
		audit:       auditSink,
		router:      router,
		mux:         http.NewServeMux(),
		authEnabled: authEnabled,
		apiKey:      apiKey,
	}

	h.mux.HandleFunc("/control/health", h.handleHealth)
	h.mux.HandleFunc("/control/stats", h.handleStats)
	h.mux.HandleFunc("/control/runs", h.handleRuns)
	h.mux.HandleFunc("/control/runs/", h.handleRun)

	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if h.authEnabled && strings.HasPrefix(r.URL.Path, "/control/") {
		if !h.checkAuth(r) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="elidacore Control API"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":   "unauthorized",
				"message": "Valid API key required. Use 'Authorization: Bearer <api_key>' header.",
			})
			return
		}
	}

	h.mux.ServeHTTP(w, r)
}

// checkAuth verifies the request carries a valid API key.
func (h *Handler) checkAuth(r *http.Request) bool {
	authHeader := r.Header.Get("Authorization")
	if authHeader != "" {
		if strings.HasPrefix(authHeader, "Bearer ") {
			if strings.TrimPrefix(authHeader, "Bearer ") == h.apiKey {
				return true
			}
		}
		if authHeader == h.apiKey {
			return true
		}
	}
	if apiKey := r.Header.Get("X-API-Key"); apiKey == h.apiKey {
		return true
	}
	return false
}

// HealthResponse is the body of GET /control/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Timestamp: time.Now()})
}

// StatsResponse is the body of GET /control/stats.
type StatsResponse struct {
	Cache       cache.Stats                                    `json:"cache"`
	Audit       audit.Stats                                    `json:"audit"`
	RouteCounts map[classify.Reason]map[core.BackendID]int64 `json:"route_counts"`
	ActiveRuns  int                                            `json:"active_runs"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatsResponse{
		RouteCounts: h.router.Counters(),
		ActiveRuns:  len(h.orch.ListRuns(orchestrator.ActiveFilter)),
	}
	if h.cache != nil {
		resp.Cache = h.cache.Stats()
	}
	if h.audit != nil {
		resp.Audit = h.audit.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

// RunInfo is the response shape for a single run, in listings and detail.
type RunInfo struct {
	ID           string          `json:"id"`
	Query        string          `json:"query"`
	State        core.AgentState `json:"state"`
	Confidential bool            `json:"confidential"`
}

func runInfo(r *orchestrator.Run) RunInfo {
	return RunInfo{ID: r.ID, Query: r.Query, State: r.State(), Confidential: r.Confidential()}
}

// RunsResponse is the body of GET /control/runs.
type RunsResponse struct {
	Total int       `json:"total"`
	Runs  []RunInfo `json:"runs"`
}

// handleRuns handles GET /control/runs, optionally filtered to active
// runs with ?active=true and/or confidential runs with ?confidential=true.
func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	active := r.URL.Query().Get("active") == "true"
	confidentialOnly := r.URL.Query().Get("confidential") == "true"

	var filter func(*orchestrator.Run) bool
	switch {
	case active && confidentialOnly:
		filter = func(run *orchestrator.Run) bool { return orchestrator.ActiveFilter(run) && run.Confidential() }
	case active:
		filter = orchestrator.ActiveFilter
	case confidentialOnly:
		filter = func(run *orchestrator.Run) bool { return run.Confidential() }
	}

	runs := h.orch.ListRuns(filter)
	resp := RunsResponse{Runs: make([]RunInfo, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runInfo(run))
	}
	resp.Total = len(resp.Runs)

	writeJSON(w, http.StatusOK, resp)
}

// handleRun handles requests to /control/runs/{id} and
// /control/runs/{id}/cancel.
func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/control/runs/")
	parts := strings.Split(path, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "Run ID required", http.StatusBadRequest)
		return
	}
	runID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	run, ok := h.orch.Lookup(runID)
	if !ok {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, runInfo(run))
	case http.MethodPost:
		if action != "cancel" {
			http.Error(w, "Unknown action", http.StatusBadRequest)
			return
		}
		slog.Info("run cancel requested", "run_id", runID)
		run.Cancel()
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling", "run_id": runID})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
