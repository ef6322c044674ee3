// Package handlers contains the health checking and middleware pieces of the
// HTTP interface.
package handlers

import (
	"context"
	"slices"
	"sync"
	"time"
)

// HealthChecker reports the health of the ledger and its backing stores.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus
}

// HealthCheckFunc probes one dependency. A nil error means healthy.
type HealthCheckFunc func(ctx context.Context) error

// HealthStatus is the body served by /healthz.
type HealthStatus struct {
	Healthy   bool                   `json:"healthy"`
	Failing   []string               `json:"failing,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// CheckResult is the outcome of a single probe.
type CheckResult struct {
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration"`
}

// ══════════════════════════════════════════════════════════════════════════════
// COMPOSITE HEALTH CHECKER
// ══════════════════════════════════════════════════════════════════════════════

// DefaultCheckTimeout bounds each probe.
const DefaultCheckTimeout = 3 * time.Second

// CompositeHealthChecker runs every registered probe concurrently. The
// service is healthy only when all of them pass.
type CompositeHealthChecker struct {
	mu      sync.RWMutex
	checks  map[string]HealthCheckFunc
	started time.Time
	version string
	timeout time.Duration
}

// NewCompositeHealthChecker creates a checker with no probes.
func NewCompositeHealthChecker(version string) *CompositeHealthChecker {
	return &CompositeHealthChecker{
		checks:  make(map[string]HealthCheckFunc),
		started: time.Now(),
		version: version,
		timeout: DefaultCheckTimeout,
	}
}

// SetTimeout changes the per-probe timeout.
func (c *CompositeHealthChecker) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// AddCheck registers or replaces the probe called name.
func (c *CompositeHealthChecker) AddCheck(name string, check HealthCheckFunc) {
	c.mu.Lock()
	c.checks[name] = check
	c.mu.Unlock()
}

// Check runs all probes and aggregates their results.
func (c *CompositeHealthChecker) Check(ctx context.Context) HealthStatus {
	c.mu.RLock()
	checks := make(map[string]HealthCheckFunc, len(c.checks))
	for name, fn := range c.checks {
		checks[name] = fn
	}
	c.mu.RUnlock()

	status := HealthStatus{
		Healthy:   true,
		Checks:    make(map[string]CheckResult, len(checks)),
		Uptime:    time.Since(c.started).Round(time.Second).String(),
		Version:   c.version,
		Timestamp: time.Now().UTC(),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.probe(ctx, fn)

			mu.Lock()
			defer mu.Unlock()
			status.Checks[name] = res
			if !res.Healthy {
				status.Healthy = false
				status.Failing = append(status.Failing, name)
			}
		}()
	}
	wg.Wait()

	slices.Sort(status.Failing)
	return status
}

func (c *CompositeHealthChecker) probe(ctx context.Context, fn HealthCheckFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	res := CheckResult{
		Healthy:  err == nil,
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// ══════════════════════════════════════════════════════════════════════════════
// PROBES
// ══════════════════════════════════════════════════════════════════════════════

// Pinger is implemented by the postgres and sqlite stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewDatabaseCheck probes a ledger store.
func NewDatabaseCheck(db Pinger) HealthCheckFunc {
	return db.Ping
}

// ErrChecker is satisfied by command results that carry an error, such as
// the redis status replies.
type ErrChecker interface {
	Err() error
}

// NewCacheCheck probes a cache through its ping command.
func NewCacheCheck[R ErrChecker](ping func(ctx context.Context) R) HealthCheckFunc {
	return func(ctx context.Context) error {
		return ping(ctx).Err()
	}
}

// alwaysHealthy is used when no checker is configured.
type alwaysHealthy struct{ started time.Time }

// NewNoopHealthChecker returns a checker that always reports healthy.
func NewNoopHealthChecker() HealthChecker {
	return alwaysHealthy{started: time.Now()}
}

func (a alwaysHealthy) Check(context.Context) HealthStatus {
	return HealthStatus{
		Healthy:   true,
		Uptime:    time.Since(a.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
	}
}
