// Package metrics provides lightweight, lock-free counters for
// tracking what a firmhack run did: processes launched and lost,
// network mutations applied and reverted, teardown failures.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a firmhack run.
// A nil Collector is safe to use; all methods become no-ops.
type Collector struct {
	servicesActive    atomic.Int64
	servicesLaunched  atomic.Int64
	unexpectedExits   atomic.Int64
	terminationErrors atomic.Int64
	networkApplied    atomic.Int64
	networkReverted   atomic.Int64
	revertErrors      atomic.Int64
	errorsTotal       atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	state        string
	stateSince   time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	now := time.Now()
	return &Collector{startTime: now, stateSince: now}
}

// ── Service metrics ──────────────────────────────────────────────────

// ServiceLaunched increments both the active and launched counters.
func (c *Collector) ServiceLaunched() {
	if c == nil {
		return
	}
	c.servicesActive.Add(1)
	c.servicesLaunched.Add(1)
}

// ServiceExited decrements the active service counter.
func (c *Collector) ServiceExited() {
	if c == nil {
		return
	}
	c.servicesActive.Add(-1)
}

// ActiveServices returns the number of supervised processes still alive.
func (c *Collector) ActiveServices() int64 {
	if c == nil {
		return 0
	}
	return c.servicesActive.Load()
}

// LaunchedServices returns the number of successful launches.
func (c *Collector) LaunchedServices() int64 {
	if c == nil {
		return 0
	}
	return c.servicesLaunched.Load()
}

// UnexpectedExit records a process that died on its own.
func (c *Collector) UnexpectedExit() {
	if c == nil {
		return
	}
	c.unexpectedExits.Add(1)
}

// UnexpectedExits returns the unexpected exit count.
func (c *Collector) UnexpectedExits() int64 {
	if c == nil {
		return 0
	}
	return c.unexpectedExits.Load()
}

// TerminationError records a failed or timed-out terminate call.
func (c *Collector) TerminationError() {
	if c == nil {
		return
	}
	c.terminationErrors.Add(1)
}

// TerminationErrors returns the number of failed terminate calls.
func (c *Collector) TerminationErrors() int64 {
	if c == nil {
		return 0
	}
	return c.terminationErrors.Load()
}

// ── Network metrics ──────────────────────────────────────────────────

// NetworkApplied records one completed network mutation.
func (c *Collector) NetworkApplied() {
	if c == nil {
		return
	}
	c.networkApplied.Add(1)
}

// NetworkReverted records one reverted network mutation.
func (c *Collector) NetworkReverted() {
	if c == nil {
		return
	}
	c.networkReverted.Add(1)
}

// RevertError records a revert step that failed.
func (c *Collector) RevertError() {
	if c == nil {
		return
	}
	c.revertErrors.Add(1)
}

// NetworkSteps returns applied and reverted mutation counts.
func (c *Collector) NetworkSteps() (applied, reverted int64) {
	if c == nil {
		return 0, 0
	}
	return c.networkApplied.Load(), c.networkReverted.Load()
}

// RevertErrors returns the number of failed revert steps.
func (c *Collector) RevertErrors() int64 {
	if c == nil {
		return 0
	}
	return c.revertErrors.Load()
}

// ── Errors and state ─────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// RecordState stores the current orchestrator state.
func (c *Collector) RecordState(state string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.state = state
	c.stateSince = time.Now()
	c.mu.Unlock()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime            string `json:"uptime"`
	State             string `json:"state,omitempty"`
	StateSince        string `json:"state_since,omitempty"`
	ServicesActive    int64  `json:"services_active"`
	ServicesLaunched  int64  `json:"services_launched"`
	UnexpectedExits   int64  `json:"unexpected_exits"`
	TerminationErrors int64  `json:"termination_errors"`
	NetworkApplied    int64  `json:"network_applied"`
	NetworkReverted   int64  `json:"network_reverted"`
	RevertErrors      int64  `json:"revert_errors"`
	ErrorsTotal       int64  `json:"errors_total"`
	LastError         string `json:"last_error,omitempty"`
	LastErrorMessage  string `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Uptime:            time.Since(c.startTime).Truncate(time.Second).String(),
		State:             c.state,
		ServicesActive:    c.servicesActive.Load(),
		ServicesLaunched:  c.servicesLaunched.Load(),
		UnexpectedExits:   c.unexpectedExits.Load(),
		TerminationErrors: c.terminationErrors.Load(),
		NetworkApplied:    c.networkApplied.Load(),
		NetworkReverted:   c.networkReverted.Load(),
		RevertErrors:      c.revertErrors.Load(),
		ErrorsTotal:       c.errorsTotal.Load(),
	}
	if c.state != "" {
		s.StateSince = c.stateSince.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}
