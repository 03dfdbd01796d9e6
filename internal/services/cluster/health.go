package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// CheckFunc performs one health check and returns an error when unhealthy.
type CheckFunc func(ctx context.Context) error

// HealthAggregator runs every registered check behind a single endpoint.
type HealthAggregator struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

func NewHealthAggregator(timeout time.Duration) *HealthAggregator {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthAggregator{timeout: timeout, checks: make(map[string]CheckFunc)}
}

func (h *HealthAggregator) AddCheck(name string, check CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Run executes all checks and returns the failures by name.
func (h *HealthAggregator) Run(ctx context.Context) map[string]string {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	h.mu.RLock()
	defer h.mu.RUnlock()
	failures := make(map[string]string)
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	return failures
}

// Handler answers 200 when every check passes and 503 otherwise.
func (h *HealthAggregator) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		failures := h.Run(r.Context())
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if len(failures) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(failures)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	}
}
