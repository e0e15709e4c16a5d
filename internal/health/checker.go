// Package health backs the liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"
)

// ReadinessChecker verifies a dependency is ready to serve. The Docker
// sandbox implements it.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's probe result.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the probe payload.
type Response struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// IsHealthy reports whether the overall status is healthy.
func (r *Response) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Checker caches readiness results briefly so probes do not hammer the
// container runtime.
type Checker struct {
	sandbox ReadinessChecker
	timeout time.Duration

	mu           sync.RWMutex
	lastCheck    time.Time
	cached       *Response
	shuttingDown bool
}

// NewChecker creates a checker over the sandbox.
func NewChecker(sandbox ReadinessChecker) *Checker {
	return &Checker{sandbox: sandbox, timeout: 5 * time.Second}
}

// Liveness never consults dependencies; failing it should restart the
// process.
func (c *Checker) Liveness(ctx context.Context) *Response {
	return &Response{Status: StatusHealthy}
}

// Readiness checks the sandbox, serving a cached result for up to a
// second. A shutting-down service is immediately unready so traffic
// drains away.
func (c *Checker) Readiness(ctx context.Context) *Response {
	c.mu.RLock()
	if c.shuttingDown {
		c.mu.RUnlock()
		return &Response{
			Status: StatusUnhealthy,
			Checks: map[string]CheckResult{
				"shutdown": {Status: StatusUnhealthy, Message: "service is shutting down"},
			},
		}
	}
	if c.cached != nil && time.Since(c.lastCheck) < time.Second {
		cached := c.cached
		c.mu.RUnlock()
		return cached
	}
	c.mu.RUnlock()

	sandboxCheck := c.checkSandbox(ctx)
	resp := &Response{
		Status: sandboxCheck.Status,
		Checks: map[string]CheckResult{"sandbox": sandboxCheck},
	}

	c.mu.Lock()
	c.cached = resp
	c.lastCheck = time.Now()
	c.mu.Unlock()
	return resp
}

func (c *Checker) checkSandbox(ctx context.Context) CheckResult {
	if c.sandbox == nil {
		return CheckResult{Status: StatusUnhealthy, Message: "sandbox not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.sandbox.Ready(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Message: err.Error()}
	}
	return CheckResult{Status: StatusHealthy}
}

// SetShuttingDown flips readiness to unhealthy for the rest of the
// process lifetime.
func (c *Checker) SetShuttingDown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shuttingDown = true
	c.cached = nil
}
