package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/your-org/regime-allocator/internal/engine"
)

const healthProbeTimeout = 2 * time.Second

// NewHealthCheckHandler returns 200 OK while the engine answers state
// queries and is RUNNING, 503 otherwise. Docker probes use it.
func NewHealthCheckHandler(ctrl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
		defer cancel()

		state, err := ctrl.State(ctx)
		if err != nil || state.Status != engine.StatusRunning {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("UNAVAILABLE"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}
}
