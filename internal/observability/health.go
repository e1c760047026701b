// Package observability provides health checks, metrics, and tracing for the credential broker.
package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
)

// Token states reported by /healthz. They never make the broker unhealthy: a missing or
// expired token only means the next request will run the browser.
const (
	TokenValid   = "valid"
	TokenExpired = "expired"
	TokenMissing = "missing"
	TokenFailed  = "failed"
)

// HealthChecker defines an interface for components that can report their health status
type HealthChecker interface {
	// HealthCheck returns nil if healthy, error if unhealthy
	HealthCheck(ctx context.Context) error
	// Name returns the name of the component being checked
	Name() string
}

// HealthStatus represents the health status of a component
type HealthStatus struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// TokenStatus summarizes the cached bearer token.
type TokenStatus struct {
	State     string     `json:"state"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Components []HealthStatus `json:"components"`
	Token      *TokenStatus   `json:"token,omitempty"`
}

// HealthManager runs the registered health checks concurrently and reports them in
// registration order.
type HealthManager struct {
	logger   *zap.SugaredLogger
	checkers []HealthChecker
	token    func() TokenStatus
	timeout  time.Duration
}

// NewHealthManager creates a new health manager
func NewHealthManager(logger *zap.SugaredLogger) *HealthManager {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &HealthManager{
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// AddHealthChecker registers a health checker
func (hm *HealthManager) AddHealthChecker(checker HealthChecker) {
	hm.checkers = append(hm.checkers, checker)
}

// SetTokenReporter attaches the token summary to every response.
func (hm *HealthManager) SetTokenReporter(report func() TokenStatus) {
	hm.token = report
}

// SetTimeout sets the timeout for health checks
func (hm *HealthManager) SetTimeout(timeout time.Duration) {
	hm.timeout = timeout
}

// HealthzHandler serves the health report: 200 when healthy, 503 otherwise.
func (hm *HealthManager) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), hm.timeout)
		defer cancel()

		response := hm.CheckHealth(ctx)

		statusCode := http.StatusOK
		if response.Status != statusHealthy {
			statusCode = http.StatusServiceUnavailable
		}
		hm.writeJSONResponse(w, statusCode, response)
	}
}

// CheckHealth performs all health checks
func (hm *HealthManager) CheckHealth(ctx context.Context) HealthResponse {
	statuses := make([]HealthStatus, len(hm.checkers))

	var wg sync.WaitGroup
	for i, checker := range hm.checkers {
		wg.Add(1)
		go func(i int, checker HealthChecker) {
			defer wg.Done()
			statuses[i] = hm.check(ctx, checker)
		}(i, checker)
	}
	wg.Wait()

	response := HealthResponse{
		Status:     statusHealthy,
		Timestamp:  time.Now(),
		Components: statuses,
	}
	for _, s := range statuses {
		if s.Status != statusHealthy {
			response.Status = statusUnhealthy
		}
	}
	if hm.token != nil {
		token := hm.token()
		response.Token = &token
	}
	return response
}

func (hm *HealthManager) check(ctx context.Context, checker HealthChecker) HealthStatus {
	start := time.Now()
	status := HealthStatus{Name: checker.Name(), Status: statusHealthy}
	if err := checker.HealthCheck(ctx); err != nil {
		status.Status = statusUnhealthy
		status.Error = err.Error()
		hm.logger.Warnw("Health check failed",
			"component", checker.Name(),
			"error", err)
	}
	status.Latency = time.Since(start).String()
	return status
}

func (hm *HealthManager) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		hm.logger.Errorw("Failed to encode health response", "error", err)
	}
}

// IsHealthy returns true if all health checks pass
func (hm *HealthManager) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), hm.timeout)
	defer cancel()
	return hm.CheckHealth(ctx).Status == statusHealthy
}
