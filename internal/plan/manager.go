// Package plan implements the per-session tool-approval state machine: a
// proposed plan accumulates steps, is approved or rejected by a human, and
// expires after a fixed timeout.
package plan

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is a plan's position in the proposed → approved/rejected →
// executing → completed state machine.
type Status string

const (
	StatusProposed  Status = "proposed"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
)

// Step is one tool call queued for approval.
type Step struct {
	ToolName  string `json:"tool_name"`
	ToolInput []byte `json:"tool_input"`
	Preview   string `json:"preview"`
}

// Plan is an ExecutionPlan for one session.
type Plan struct {
	SessionKey string    `json:"session_key"`
	Status     Status    `json:"status"`
	Steps      []Step    `json:"steps"`
	CreatedAt  time.Time `json:"created_at"`
}

// activeFor is how long a proposed plan remains valid before it is treated
// as absent.
const activeFor = 5 * time.Minute

type entry struct {
	plan    Plan
	waiters []chan Status
}

// Manager is the process-wide Plan Manager: one plan per session_key.
type Manager struct {
	mu      sync.Mutex
	plans   map[string]*entry
	nowFunc func() time.Time
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{plans: make(map[string]*entry), nowFunc: time.Now}
}

func (m *Manager) now() time.Time {
	if m.nowFunc != nil {
		return m.nowFunc()
	}
	return time.Now()
}

// AddStep appends a step to the proposed plan for sessionKey, creating one
// if none exists.
func (m *Manager) AddStep(sessionKey, toolName string, toolInput []byte, preview string) Plan {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.plans[sessionKey]
	if !ok || m.expiredLocked(e) {
		e = &entry{plan: Plan{SessionKey: sessionKey, Status: StatusProposed, CreatedAt: m.now()}}
		m.plans[sessionKey] = e
	}
	e.plan.Steps = append(e.plan.Steps, Step{ToolName: toolName, ToolInput: toolInput, Preview: preview})
	return e.plan
}

// CreatePlan replaces any existing plan for sessionKey regardless of its
// status; a waiter on the prior plan receives "rejected".
func (m *Manager) CreatePlan(sessionKey string) Plan {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replaceLocked(sessionKey)
}

func (m *Manager) replaceLocked(sessionKey string) Plan {
	if prior, ok := m.plans[sessionKey]; ok {
		m.releaseWaitersLocked(prior, StatusRejected)
	}
	e := &entry{plan: Plan{SessionKey: sessionKey, Status: StatusProposed, CreatedAt: m.now()}}
	m.plans[sessionKey] = e
	return e.plan
}

// Approve transitions a proposed plan to approved and releases waiters.
func (m *Manager) Approve(sessionKey string) (Plan, bool) {
	return m.transition(sessionKey, StatusApproved)
}

// Reject transitions a proposed plan to rejected and releases waiters.
func (m *Manager) Reject(sessionKey string) (Plan, bool) {
	return m.transition(sessionKey, StatusRejected)
}

func (m *Manager) transition(sessionKey string, to Status) (Plan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.plans[sessionKey]
	if !ok || m.expiredLocked(e) || e.plan.Status != StatusProposed {
		return Plan{}, false
	}
	e.plan.Status = to
	m.releaseWaitersLocked(e, to)
	return e.plan, true
}

func (m *Manager) releaseWaitersLocked(e *entry, status Status) {
	for _, w := range e.waiters {
		select {
		case w <- status:
		default:
		}
		close(w)
	}
	e.waiters = nil
}

// MarkExecuting transitions an approved plan to executing.
func (m *Manager) MarkExecuting(sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.plans[sessionKey]; ok && e.plan.Status == StatusApproved {
		e.plan.Status = StatusExecuting
	}
}

// MarkCompleted transitions an executing plan to completed.
func (m *Manager) MarkCompleted(sessionKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.plans[sessionKey]; ok && e.plan.Status == StatusExecuting {
		e.plan.Status = StatusCompleted
	}
}

// GetActive returns the active plan for sessionKey, or false if none exists
// or the 5-minute proposed timeout has passed. An expired entry is purged.
func (m *Manager) GetActive(sessionKey string) (Plan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.plans[sessionKey]
	if !ok {
		return Plan{}, false
	}
	if m.expiredLocked(e) {
		delete(m.plans, sessionKey)
		return Plan{}, false
	}
	return e.plan, true
}

func (m *Manager) expiredLocked(e *entry) bool {
	return e.plan.Status == StatusProposed && m.now().Sub(e.plan.CreatedAt) > activeFor
}

// ErrTimeout is returned by WaitForApproval when the plan is still proposed
// after timeout elapses.
var ErrTimeout = context.DeadlineExceeded

// WaitForApproval blocks until the plan for sessionKey leaves "proposed" or
// timeout elapses, returning the final status.
func (m *Manager) WaitForApproval(ctx context.Context, sessionKey string, timeout time.Duration) (Status, error) {
	m.mu.Lock()
	e, ok := m.plans[sessionKey]
	if !ok || m.expiredLocked(e) {
		m.mu.Unlock()
		return "", ErrTimeout
	}
	if e.plan.Status != StatusProposed {
		status := e.plan.Status
		m.mu.Unlock()
		return status, nil
	}
	ch := make(chan Status, 1)
	e.waiters = append(e.waiters, ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case status, ok := <-ch:
		if !ok {
			return "", ErrTimeout
		}
		return status, nil
	case <-timer.C:
		return "", ErrTimeout
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// NewStepID generates an opaque identifier for correlating plan steps with
// their originating tool call.
func NewStepID() string {
	return uuid.NewString()
}
