package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"

	"github.com/noah-isme/backend-tracking/internal/carrier"
)

var ready atomic.Bool

func init() {
	ready.Store(true)
}

// SetReady flips the global readiness gate. Called with false during
// graceful shutdown so load balancers drain the instance.
func SetReady(value bool) {
	ready.Store(value)
}

// Handler exposes HTTP handlers for health endpoints.
type Handler struct {
	// Enabled lists the carriers with usable credentials.
	Enabled []carrier.Carrier
}

// Live reports liveness status.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready reports readiness. The service is ready when it is not draining and
// at least one carrier has credentials; carriers without credentials are
// reported but do not fail the probe.
func (h Handler) Ready(w http.ResponseWriter, _ *http.Request) {
	enabled := make(map[carrier.Carrier]bool, len(h.Enabled))
	for _, name := range h.Enabled {
		enabled[name] = true
	}

	carriers := make(map[string]string, len(carrier.All()))
	for _, name := range carrier.All() {
		if enabled[name] {
			carriers[string(name)] = "ok"
		} else {
			carriers[string(name)] = "credentials missing"
		}
	}

	status := http.StatusOK
	if !ready.Load() || len(h.Enabled) == 0 {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"draining": !ready.Load(),
		"carriers": carriers,
	})
}
