// Package health runs readiness checks against the document store and the collections a
// program depends on.
package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nimburion/docorm/pkg/docstore"
)

const defaultTimeout = 5 * time.Second

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name     string        `json:"name" yaml:"name"`
	Status   Status        `json:"status" yaml:"status"`
	Error    string        `json:"error,omitempty" yaml:"error,omitempty"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Checker is implemented by every health check.
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// FuncChecker turns a function into a Checker. The function gets at most timeout to
// finish.
type FuncChecker struct {
	name    string
	timeout time.Duration
	fn      func(ctx context.Context) error
}

// NewFuncChecker creates a checker named name. A zero timeout means five seconds.
func NewFuncChecker(name string, timeout time.Duration, fn func(ctx context.Context) error) *FuncChecker {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &FuncChecker{name: name, timeout: timeout, fn: fn}
}

// NewStoreChecker checks that the store behind driver is reachable.
func NewStoreChecker(driver docstore.Driver, timeout time.Duration) *FuncChecker {
	return NewFuncChecker(driver.Name(), timeout, driver.HealthCheck)
}

// Check implements Checker.
func (c *FuncChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := c.fn(ctx)
	res := CheckResult{Name: c.name, Status: StatusHealthy, Duration: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
	}
	return res
}

// Name implements Checker.
func (c *FuncChecker) Name() string { return c.name }

// Registry runs a set of named checks.
type Registry struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds checker, replacing any checker with the same name.
func (r *Registry) Register(checker Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[checker.Name()] = checker
}

// AggregatedResult holds the outcome of every check. Status is unhealthy when any check is.
type AggregatedResult struct {
	Status   Status        `json:"status" yaml:"status"`
	Checks   []CheckResult `json:"checks" yaml:"checks"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// IsHealthy reports whether every check passed.
func (r AggregatedResult) IsHealthy() bool {
	return r.Status == StatusHealthy
}

// Check runs every registered check concurrently. Results are sorted by name.
func (r *Registry) Check(ctx context.Context) AggregatedResult {
	r.mu.RLock()
	checkers := make([]Checker, 0, len(r.checkers))
	for _, c := range r.checkers {
		checkers = append(checkers, c)
	}
	r.mu.RUnlock()

	start := time.Now()
	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Check(ctx)
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	status := StatusHealthy
	for _, res := range results {
		if res.Status != StatusHealthy {
			status = StatusUnhealthy
		}
	}
	return AggregatedResult{Status: status, Checks: results, Duration: time.Since(start)}
}
