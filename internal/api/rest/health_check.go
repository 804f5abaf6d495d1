package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/davidleathers/space-broker/internal/infrastructure/telemetry"
)

// HealthChecker checks the health of a dependency
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

type checkFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkFunc) Name() string                    { return c.name }
func (c checkFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// Check adapts fn into a named HealthChecker.
func Check(name string, fn func(ctx context.Context) error) HealthChecker {
	return checkFunc{name: name, fn: fn}
}

// HealthStatus represents the health status
type HealthStatus string

const (
	HealthStatusPass HealthStatus = "pass"
	HealthStatusFail HealthStatus = "fail"
)

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status       HealthStatus  `json:"status"`
	Error        string        `json:"error,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status        HealthStatus                 `json:"status"`
	Version       string                       `json:"version"`
	NodeID        string                       `json:"node_id"`
	UptimeSeconds float64                      `json:"uptime_seconds"`
	Checks        map[string]HealthCheckResult `json:"checks,omitempty"`
}

// HealthService runs dependency checks for /healthz.
type HealthService struct {
	mu        sync.RWMutex
	checkers  []HealthChecker
	timeout   time.Duration
	version   string
	nodeID    string
	startTime time.Time
	tracer    trace.Tracer
}

func NewHealthService(version, nodeID string, timeout time.Duration) *HealthService {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthService{
		timeout:   timeout,
		version:   version,
		nodeID:    nodeID,
		startTime: time.Now(),
		tracer:    telemetry.Tracer("space-broker/health"),
	}
}

// RegisterChecker adds a dependency check.
func (h *HealthService) RegisterChecker(checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
	sort.Slice(h.checkers, func(i, j int) bool { return h.checkers[i].Name() < h.checkers[j].Name() })
}

// ServeHTTP answers 200 when every check passes and 503 otherwise.
func (h *HealthService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "health.check")
	defer span.End()

	resp := HealthResponse{
		Status:        HealthStatusPass,
		Version:       h.version,
		NodeID:        h.nodeID,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		Checks:        h.runChecks(ctx),
	}
	for _, res := range resp.Checks {
		if res.Status == HealthStatusFail {
			resp.Status = HealthStatusFail
		}
	}
	span.SetAttributes(attribute.String("health.status", string(resp.Status)))

	status := http.StatusOK
	if resp.Status == HealthStatusFail {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/health+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func (h *HealthService) runChecks(ctx context.Context) map[string]HealthCheckResult {
	h.mu.RLock()
	checkers := append([]HealthChecker(nil), h.checkers...)
	h.mu.RUnlock()

	results := make(map[string]HealthCheckResult, len(checkers))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, c := range checkers {
		wg.Add(1)
		go func(c HealthChecker) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			res := HealthCheckResult{Status: HealthStatusPass}
			if err := c.Check(ctx); err != nil {
				res.Status = HealthStatusFail
				res.Error = err.Error()
			}
			res.ResponseTime = time.Since(start)

			mu.Lock()
			results[c.Name()] = res
			mu.Unlock()
		}(c)
	}
	wg.Wait()
	return results
}
