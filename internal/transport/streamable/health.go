package streamable

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/hatago/gateway/internal/session"
)

// HealthResponse is the JSON body returned by the health endpoints.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthChecker backs the /health/live, /health/ready, and /health/startup
// endpoints. Liveness only confirms the process can answer HTTP at all;
// readiness additionally requires every plugin to have finished loading
// (C9) and the gateway to not be draining; startup reflects whether the
// one-time boot sequence has completed.
type HealthChecker struct {
	sessions *session.Store

	ready     atomic.Bool
	draining  atomic.Bool
	startedUp atomic.Bool
}

// NewHealthChecker creates a HealthChecker. sessions may be nil.
func NewHealthChecker(sessions *session.Store) *HealthChecker {
	return &HealthChecker{sessions: sessions}
}

// SetReady marks whether the plugin host has finished registering every
// plugin.
func (h *HealthChecker) SetReady(ready bool) { h.ready.Store(ready) }

// SetDraining marks the gateway as refusing new work ahead of shutdown.
func (h *HealthChecker) SetDraining(draining bool) { h.draining.Store(draining) }

// SetStartupComplete marks the one-time boot sequence as finished.
func (h *HealthChecker) SetStartupComplete(done bool) { h.startedUp.Store(done) }

// Draining reports whether the gateway is currently draining.
func (h *HealthChecker) Draining() bool { return h.draining.Load() }

func (h *HealthChecker) writeStatus(w http.ResponseWriter, ok bool, checks map[string]string) {
	status := "ok"
	code := http.StatusOK
	if !ok {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: status, Checks: checks})
}

// LiveHandler always reports ok: if the process can run this handler, it
// is alive.
func (h *HealthChecker) LiveHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.writeStatus(w, true, map[string]string{"process": "ok"})
	})
}

// ReadyHandler reports ready only once plugins have loaded and the
// gateway isn't draining.
func (h *HealthChecker) ReadyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{}
		ready := h.ready.Load()
		if ready {
			checks["plugins"] = "loaded"
		} else {
			checks["plugins"] = "loading"
		}
		if h.draining.Load() {
			checks["drain"] = "draining"
			ready = false
		}
		if h.sessions != nil {
			checks["sessions"] = strconv.Itoa(h.sessions.Len())
		}
		h.writeStatus(w, ready, checks)
	})
}

// StartupHandler reports ok once the one-time boot sequence has finished.
func (h *HealthChecker) StartupHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		done := h.startedUp.Load()
		status := "starting"
		if done {
			status = "started"
		}
		h.writeStatus(w, done, map[string]string{"startup": status})
	})
}

// DrainHandler flips the draining flag on; intended for an operator-
// triggered graceful shutdown ahead of process termination.
func (h *HealthChecker) DrainHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		h.draining.Store(true)
		w.WriteHeader(http.StatusAccepted)
	})
}
