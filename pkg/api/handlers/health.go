package handlers

import (
	"context"
	"net/http"
	"time"
)

// HealthHandler handles health check endpoints.
//
// Health endpoints are unauthenticated:
//   - Liveness probe: is the process serving HTTP?
//   - Readiness probe: is the broker able to persist?
type HealthHandler struct {
	broker Broker
}

// NewHealthHandler creates a new health handler.
//
// The broker may be nil, in which case readiness reports unhealthy.
func NewHealthHandler(broker Broker) *HealthHandler {
	return &HealthHandler{broker: broker}
}

// Liveness handles GET /health.
//
// Returns 200 OK as long as the HTTP server is responsive.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "dittomq",
	}))
}

// Readiness handles GET /health/ready.
//
// Returns 503 Service Unavailable when the broker is missing, stopping, or
// its storage has failed.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("broker not initialized"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if err := h.broker.Healthcheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, healthyResponse(map[string]interface{}{
		"sessions": len(h.broker.Sessions()),
		"queues":   len(h.broker.Queues()),
		"latency":  time.Since(start).String(),
	}))
}
