// Package health provides health check functionality for the relay server.
//
// Features:
//   - Liveness check (is the process serving)
//   - Readiness check (may traffic be routed here)
//   - Component checks with critical and non-critical components
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

type component struct {
	critical bool
	check    Check
	timeout  time.Duration
}

// DefaultTimeout bounds a single check.
const DefaultTimeout = 5 * time.Second

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
	}
}

// Register adds a check. A failing critical check makes the overall status
// unhealthy; a failing non-critical one only degrades it.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = component{critical: critical, check: check, timeout: DefaultTimeout}
	c.results[name] = CheckResult{Status: StatusUnknown}
}

// SetReady sets the readiness state.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs all registered checks concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make(map[string]component, len(c.components))
	for name, comp := range c.components {
		comps[name] = comp
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult, len(comps))
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
	)
	for name, comp := range comps {
		name, comp := name, comp
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := run(ctx, comp)
			rmu.Lock()
			results[name] = res
			rmu.Unlock()
		}()
	}
	wg.Wait()

	c.mu.Lock()
	for name, res := range results {
		if _, ok := c.components[name]; ok {
			c.results[name] = res
		}
	}
	c.mu.Unlock()
	return results
}

func run(ctx context.Context, comp component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(r)}
			}
		}()
		done <- comp.check(ctx)
	}()

	var res CheckResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res = CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
	res.LastChecked = start
	res.Duration = time.Since(start)
	return res
}

// OverallStatus aggregates the last results.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var unknown, degraded bool
	for name, res := range c.results {
		comp, ok := c.components[name]
		if !ok {
			continue
		}
		switch res.Status {
		case StatusUnhealthy:
			if comp.critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		case StatusUnknown:
			if comp.critical {
				unknown = true
			}
		}
	}
	switch {
	case unknown:
		return StatusUnknown
	case degraded:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Response is the body of the health endpoints.
type Response struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report runs the checks and builds a Response.
func (c *Checker) Report(ctx context.Context) Response {
	components := c.Check(ctx)
	c.mu.RLock()
	ready, uptime := c.ready, time.Since(c.startTime)
	c.mu.RUnlock()
	return Response{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.Round(time.Second).String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// Names lists the registered checks, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.components))
	for name := range c.components {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Handler serves /healthz (liveness with component detail) and /readyz.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := c.Report(r.Context())
		code := http.StatusOK
		if resp.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready"})
			return
		}
		c.Check(r.Context())
		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy || status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// FuncCheck turns fn into a Check: an error is unhealthy.
func FuncCheck(fn func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
		}
		return CheckResult{Status: StatusHealthy}
	}
}

// ThresholdCheck reports the value of count in Details and degrades when
// it exceeds limit.
func ThresholdCheck(name string, limit int, count func() int) Check {
	return func(ctx context.Context) CheckResult {
		n := count()
		res := CheckResult{Status: StatusHealthy, Details: map[string]any{name: n, "limit": limit}}
		if limit > 0 && n > limit {
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("%s above %d", name, limit)
		}
		return res
	}
}
