package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// pingTimeout bounds each store ping.
const pingTimeout = 2 * time.Second

// sagaBacklogLimit is the saga queue depth above which the node is unhealthy.
const sagaBacklogLimit = 10_000

// HealthResponse is the JSON response from the /health endpoint.
type HealthResponse struct {
	Status  string            `json:"status"`            // "healthy" or "unhealthy"
	Checks  map[string]string `json:"checks"`            // Component check results
	Version string            `json:"version,omitempty"` // Optional version info
}

// Pinger is a store that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// AuditQueue reports the audit pipeline backlog.
type AuditQueue interface {
	ChannelDepth() int
	ChannelCapacity() int
	DroppedRecords() int64
}

// SagaQueue reports the number of queued saga inputs.
type SagaQueue interface {
	Pending() int
}

// HealthChecker verifies component health. Nil components report
// "not configured".
type HealthChecker struct {
	store   Pinger
	audit   AuditQueue
	sagas   SagaQueue
	version string
}

// NewHealthChecker creates a HealthChecker. Pass nil for components that
// aren't available.
func NewHealthChecker(store Pinger, audit AuditQueue, sagas SagaQueue, version string) *HealthChecker {
	return &HealthChecker{store: store, audit: audit, sagas: sagas, version: version}
}

// Check performs health checks on all components.
func (h *HealthChecker) Check(ctx context.Context) HealthResponse {
	checks := make(map[string]string)
	healthy := true

	if h.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err := h.store.Ping(pingCtx)
		cancel()
		if err != nil {
			checks["event_store"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["event_store"] = "ok"
		}
	} else {
		checks["event_store"] = "not configured"
	}

	if h.audit != nil {
		depth, capacity := h.audit.ChannelDepth(), h.audit.ChannelCapacity()
		percentFull := 0
		if capacity > 0 {
			percentFull = depth * 100 / capacity
		}
		if percentFull > 90 {
			checks["audit"] = fmt.Sprintf("degraded: %d/%d (%d%%)", depth, capacity, percentFull)
			healthy = false
		} else {
			checks["audit"] = fmt.Sprintf("ok: %d/%d (%d%%)", depth, capacity, percentFull)
		}
		if drops := h.audit.DroppedRecords(); drops > 0 {
			checks["audit_drops"] = fmt.Sprintf("%d dropped", drops)
		}
	} else {
		checks["audit"] = "not configured"
	}

	if h.sagas != nil {
		pending := h.sagas.Pending()
		if pending > sagaBacklogLimit {
			checks["sagas"] = fmt.Sprintf("degraded: %d pending", pending)
			healthy = false
		} else {
			checks["sagas"] = fmt.Sprintf("ok: %d pending", pending)
		}
	} else {
		checks["sagas"] = "not configured"
	}

	checks["goroutines"] = fmt.Sprintf("%d", runtime.NumGoroutine())

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	return HealthResponse{Status: status, Checks: checks, Version: h.version}
}

// Handler returns an HTTP handler for the health endpoint.
func (h *HealthChecker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := h.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	})
}
