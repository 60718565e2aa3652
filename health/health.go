// Package health reports component health for liveness and readiness probes.
package health

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"sync"
	"time"
)

// Status represents the health state of a component.
type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// Probe checks one dependency, e.g. a catalog ping.
type Probe func(ctx context.Context) error

const (
	defaultProbeTimeout = 2 * time.Second
	defaultSlowAfter    = 500 * time.Millisecond
)

// Checker tracks the health of registered components. A component either
// has a probe, run on every request, or a status set with SetStatus.
type Checker struct {
	mu           sync.RWMutex
	components   map[string]Status
	probes       map[string]Probe
	probeTimeout time.Duration
	slowAfter    time.Duration
}

// NewChecker creates a Checker with no registered components.
func NewChecker() *Checker {
	return &Checker{
		components:   make(map[string]Status),
		probes:       make(map[string]Probe),
		probeTimeout: defaultProbeTimeout,
		slowAfter:    defaultSlowAfter,
	}
}

// Register adds a component with an initial status of down.
func (c *Checker) Register(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = StatusDown
}

// RegisterProbe adds a component whose status comes from p: down when it
// fails, degraded when it answers slower than the slow threshold.
func (c *Checker) RegisterProbe(name string, p Probe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[name] = p
}

// SetStatus updates the health status of a named component.
func (c *Checker) SetStatus(name string, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[name] = status
}

type response struct {
	Status     Status            `json:"status"`
	Components map[string]Status `json:"components"`
	Errors     map[string]string `json:"errors,omitempty"`
}

// Check runs all probes and aggregates the result.
func (c *Checker) Check(ctx context.Context) (Status, map[string]Status, map[string]string) {
	c.mu.RLock()
	comps := maps.Clone(c.components)
	probes := maps.Clone(c.probes)
	c.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make(map[string]string)
	)
	for name, p := range probes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
			defer cancel()
			start := time.Now()
			err := p(pctx)
			status := StatusUp
			switch {
			case err != nil:
				status = StatusDown
			case time.Since(start) > c.slowAfter:
				status = StatusDegraded
			}
			mu.Lock()
			comps[name] = status
			if err != nil {
				errs[name] = err.Error()
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	overall := StatusUp
	for _, status := range comps {
		switch status {
		case StatusDown:
			overall = StatusDown
		case StatusDegraded:
			if overall == StatusUp {
				overall = StatusDegraded
			}
		}
	}
	return overall, comps, errs
}

// ServeHTTP responds with the aggregated health status.
// Returns 200 unless a component is down, then 503.
func (c *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	overall, comps, errs := c.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if overall == StatusDown {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if len(errs) == 0 {
		errs = nil
	}
	_ = json.NewEncoder(w).Encode(response{
		Status:     overall,
		Components: comps,
		Errors:     errs,
	})
}

// ReadinessChecker tracks whether the server is ready to serve traffic.
type ReadinessChecker struct {
	mu    sync.RWMutex
	ready bool
}

// NewReadinessChecker creates a ReadinessChecker in not-ready state.
func NewReadinessChecker() *ReadinessChecker {
	return &ReadinessChecker{}
}

// SetReady updates the readiness state.
func (r *ReadinessChecker) SetReady(ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = ready
}

// ServeHTTP responds 200 when ready and 503 otherwise.
func (r *ReadinessChecker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	r.mu.RLock()
	ready := r.ready
	r.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"ready": ready})
}
