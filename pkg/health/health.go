// Package health provides readiness state tracking and HTTP health check handlers.
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// State constants for the readiness state machine.
const (
	stateStarting int32 = iota
	stateReady
	stateDraining
)

// Checker tracks the readiness state of the trainer and the health of the
// progress store's write-ahead queue. It is safe for concurrent use.
type Checker struct {
	state atomic.Int32

	mu          sync.Mutex
	pending     func() int
	lastFailure string
	failedAt    time.Time
}

// NewChecker creates a Checker in the Starting state.
func NewChecker() *Checker {
	return &Checker{}
}

// SetReady transitions to the Ready state.
func (c *Checker) SetReady() {
	c.state.Store(stateReady)
}

// SetDraining transitions to the Draining state.
func (c *Checker) SetDraining() {
	c.state.Store(stateDraining)
}

// IsReady returns true when the state is Ready.
func (c *Checker) IsReady() bool {
	return c.state.Load() == stateReady
}

// State returns the current state as a human-readable string.
func (c *Checker) State() string {
	switch c.state.Load() {
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	default:
		return "starting"
	}
}

// SetPendingSource registers the function reporting queued progress writes.
func (c *Checker) SetPendingSource(fn func() int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = fn
}

// ReconcileFailed records a failed store reconciliation.
func (c *Checker) ReconcileFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFailure = err.Error()
	c.failedAt = time.Now()
}

// Reconciled records a successful reconciliation. Once the queue drains the
// store is considered healthy again.
func (c *Checker) Reconciled(pending int) {
	if pending > 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFailure = ""
	c.failedAt = time.Time{}
}

// Report is the JSON body returned by the readiness endpoint.
type Report struct {
	Status         string     `json:"status"`
	PendingWrites  int        `json:"pending_writes"`
	StoreDegraded  bool       `json:"store_degraded,omitempty"`
	LastStoreError string     `json:"last_store_error,omitempty"`
	LastFailureAt  *time.Time `json:"last_failure_at,omitempty"`
}

// Report returns the current readiness report.
func (c *Checker) Report() Report {
	c.mu.Lock()
	pending := c.pending
	r := Report{Status: c.State(), LastStoreError: c.lastFailure}
	if !c.failedAt.IsZero() {
		at := c.failedAt
		r.LastFailureAt = &at
	}
	c.mu.Unlock()

	if pending != nil {
		r.PendingWrites = pending()
	}
	r.StoreDegraded = r.LastStoreError != "" && r.PendingWrites > 0
	return r
}

// healthResponse is the JSON body returned by the liveness endpoint.
type healthResponse struct {
	Status string `json:"status"`
}

// LivenessHandler returns an http.HandlerFunc that always responds 200 OK.
// Use this for K8s livenessProbe (/healthz).
func (*Checker) LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
	}
}

// ReadinessHandler returns an http.HandlerFunc that responds 200 when ready
// and 503 when starting or draining. A degraded store does not fail
// readiness; calls keep running on cached progress.
// Use this for K8s readinessProbe (/readyz).
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusServiceUnavailable
		if c.IsReady() {
			code = http.StatusOK
		}
		writeJSON(w, code, c.Report())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
