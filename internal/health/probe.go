// Package health runs readiness checks against the credential backend and
// other runtime dependencies.
package health

import (
	"context"
	"sync"
	"time"
)

type CheckResult struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type Checker interface {
	Check(ctx context.Context) CheckResult
}

// CheckFunc adapts a ping-style function into a named Checker.
type CheckFunc struct {
	Name string
	Fn   func(ctx context.Context) error
}

func (c CheckFunc) Check(ctx context.Context) CheckResult {
	if err := c.Fn(ctx); err != nil {
		return CheckResult{Name: c.Name, Error: err.Error()}
	}
	return CheckResult{Name: c.Name, Healthy: true}
}

// ProbeRunner runs every checker concurrently under one timeout. Results are
// reused for cacheTTL so frequent probes do not hammer the backends.
type ProbeRunner struct {
	timeout  time.Duration
	cacheTTL time.Duration
	checkers []Checker
	now      func() time.Time

	mu       sync.Mutex
	cachedAt time.Time
	cached   []CheckResult
}

func NewProbeRunner(timeout, cacheTTL time.Duration, checkers ...Checker) *ProbeRunner {
	if timeout <= 0 {
		timeout = time.Second
	}
	return &ProbeRunner{timeout: timeout, cacheTTL: cacheTTL, checkers: checkers, now: time.Now}
}

func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	results := p.run(ctx)
	for _, r := range results {
		if !r.Healthy {
			return false, results
		}
	}
	return true, results
}

func (p *ProbeRunner) run(ctx context.Context) []CheckResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil && p.cacheTTL > 0 && p.now().Sub(p.cachedAt) < p.cacheTTL {
		return p.cached
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	results := make([]CheckResult, len(p.checkers))
	var wg sync.WaitGroup
	for i, c := range p.checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			start := p.now()
			done := make(chan CheckResult, 1)
			go func() { done <- c.Check(ctx) }()
			select {
			case r := <-done:
				r.LatencyMS = p.now().Sub(start).Milliseconds()
				results[i] = r
			case <-ctx.Done():
				results[i] = CheckResult{Name: checkerName(c), Error: ctx.Err().Error(), LatencyMS: p.now().Sub(start).Milliseconds()}
			}
		}(i, c)
	}
	wg.Wait()

	p.cached = results
	p.cachedAt = p.now()
	return results
}

func checkerName(c Checker) string {
	if n, ok := c.(CheckFunc); ok {
		return n.Name
	}
	return "unknown"
}
