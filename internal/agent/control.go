package agent

import (
	"sync"
	"time"
)

// ControlSnapshot is a point-in-time view of the worker's externally visible
// state, served by the supervisor API.
type ControlSnapshot struct {
	Status     Status    `json:"status"`
	HangReason string    `json:"hang_reason,omitempty"`
	Step       int       `json:"step"`
	Paused     bool      `json:"paused"`
	StopRaised bool      `json:"stop_raised"`
	Pending    int       `json:"pending_injections"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	UpdatedAt  time.Time `json:"updated_at,omitzero"`
}

// WorkerControl is the shared control block between the loop thread and
// outside supervisors (HTTP handlers, signal handlers, tests). The loop polls
// it between steps; controllers flip flags and queue injections at any time.
type WorkerControl struct {
	mu         sync.Mutex
	status     Status
	hangReason string
	step       int
	paused     bool
	stopped    bool
	pending    []string
	startedAt  time.Time
	updatedAt  time.Time
}

// NewWorkerControl returns a control block in the INIT state.
func NewWorkerControl() *WorkerControl {
	return &WorkerControl{status: StatusInit}
}

// Pause requests the loop to gate before its next step.
func (c *WorkerControl) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.touchLocked()
}

// Resume releases a pause. A resume on a running worker is a no-op.
func (c *WorkerControl) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.touchLocked()
}

// Stop raises the cooperative stop flag. The loop honors it at the next
// checkpoint; it is never force-killed mid-action.
func (c *WorkerControl) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.paused = false
	c.touchLocked()
}

// Inject queues a human guidance message. The loop drains one queued message
// per step and feeds it to the model as a user turn before deciding.
func (c *WorkerControl) Inject(text string) {
	if text == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, text)
	c.touchLocked()
}

// Snapshot returns the current control state.
func (c *WorkerControl) Snapshot() ControlSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControlSnapshot{
		Status:     c.status,
		HangReason: c.hangReason,
		Step:       c.step,
		Paused:     c.paused,
		StopRaised: c.stopped,
		Pending:    len(c.pending),
		StartedAt:  c.startedAt,
		UpdatedAt:  c.updatedAt,
	}
}

// Status returns the current lifecycle status.
func (c *WorkerControl) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// --- loop-side accessors ---

func (c *WorkerControl) setStatus(s Status, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
	c.hangReason = reason
	if s == StatusRunning && c.startedAt.IsZero() {
		c.startedAt = time.Now()
	}
	c.touchLocked()
}

func (c *WorkerControl) setStep(step int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
	c.touchLocked()
}

func (c *WorkerControl) stopRaised() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *WorkerControl) pausedNow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// popInjected dequeues the oldest pending guidance message, if any.
func (c *WorkerControl) popInjected() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return "", false
	}
	msg := c.pending[0]
	c.pending = c.pending[1:]
	c.touchLocked()
	return msg, true
}

func (c *WorkerControl) touchLocked() {
	c.updatedAt = time.Now()
}
