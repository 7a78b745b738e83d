// Package timeout tracks per-workflow response deadlines. This is the
// conversation timeout (did the customer get a reply recently); the approval
// queue keeps its own, unrelated manager-action timeout.
package timeout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/collectra/orchestrator/internal/core"
)

// DefaultThreshold is how long a conversation may go without an AI response
// before it escalates.
const DefaultThreshold = 36 * time.Hour

// WarningWindow is how close to expiry an entry gets before a warning.
const WarningWindow = 6 * time.Hour

// escalatedRetention is how long frozen entries are kept before Cleanup may
// purge them.
const escalatedRetention = 7 * 24 * time.Hour

// CheckResult is one scan's classification of all active entries.
type CheckResult struct {
	Expired  []core.WorkflowTimeout
	Warnings []core.WorkflowTimeout
}

// Monitor is the in-memory deadline registry with a periodic scan.
type Monitor struct {
	mu        sync.RWMutex
	entries   map[string]*core.WorkflowTimeout
	threshold time.Duration
	now       func() time.Time
}

// NewMonitor creates a monitor with the given default threshold.
func NewMonitor(threshold time.Duration) *Monitor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Monitor{
		entries:   make(map[string]*core.WorkflowTimeout),
		threshold: threshold,
		now:       time.Now,
	}
}

// NewMonitorAt pins the monitor's clock, for tests.
func NewMonitorAt(threshold time.Duration, now func() time.Time) *Monitor {
	m := NewMonitor(threshold)
	m.now = now
	return m
}

// Register upserts a deadline entry for a workflow. Called at workflow start
// and after every outbound AI response.
func (m *Monitor) Register(workflowID, customerPhone string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[workflowID]; ok {
		if e.EscalationTriggered {
			return // frozen
		}
		e.LastAIResponse = now
		e.State = core.TimeoutActive
		e.WarningSent = false
		e.UpdatedAt = now
		return
	}
	m.entries[workflowID] = &core.WorkflowTimeout{
		WorkflowID:     workflowID,
		CustomerPhone:  customerPhone,
		LastAIResponse: now,
		Threshold:      m.threshold,
		State:          core.TimeoutActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// UpdateResponse resets the deadline after an outbound AI response.
func (m *Monitor) UpdateResponse(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[workflowID]
	if !ok || e.EscalationTriggered {
		return
	}
	now := m.now()
	e.LastAIResponse = now
	e.State = core.TimeoutActive
	e.WarningSent = false
	e.UpdatedAt = now
}

// Remove deletes an entry on workflow termination.
func (m *Monitor) Remove(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, workflowID)
}

// MarkEscalated freezes an entry permanently. Idempotent: only the first
// call returns true, so callers emit exactly one escalation event.
func (m *Monitor) MarkEscalated(workflowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[workflowID]
	if !ok || e.EscalationTriggered {
		return false
	}
	e.EscalationTriggered = true
	e.State = core.TimeoutEscalated
	e.UpdatedAt = m.now()
	return true
}

// Get returns a copy of the entry, if registered.
func (m *Monitor) Get(workflowID string) (core.WorkflowTimeout, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[workflowID]
	if !ok {
		return core.WorkflowTimeout{}, false
	}
	return *e, true
}

// Len reports the number of tracked entries.
func (m *Monitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Check classifies every entry. An entry expires strictly after its
// threshold has elapsed; inside the warning window it is flagged once.
func (m *Monitor) Check() CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var result CheckResult
	for _, e := range m.entries {
		if e.EscalationTriggered {
			continue
		}
		remaining := e.LastAIResponse.Add(e.Threshold).Sub(now)
		switch {
		case remaining < 0:
			e.State = core.TimeoutExpired
			e.UpdatedAt = now
			result.Expired = append(result.Expired, *e)
		case remaining <= WarningWindow && !e.WarningSent:
			e.State = core.TimeoutWarning
			e.WarningSent = true
			e.UpdatedAt = now
			result.Warnings = append(result.Warnings, *e)
		}
	}
	return result
}

// Cleanup purges escalated entries older than the retention period and
// returns how many were removed.
func (m *Monitor) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-escalatedRetention)
	removed := 0
	for id, e := range m.entries {
		if e.EscalationTriggered && e.CreatedAt.Before(cutoff) {
			delete(m.entries, id)
			removed++
		}
	}
	return removed
}

// Start runs the periodic scan until ctx is cancelled, handing each result
// to onCheck (typically the escalation engine).
func (m *Monitor) Start(ctx context.Context, interval time.Duration, onCheck func(CheckResult)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result := m.Check()
				if len(result.Expired)+len(result.Warnings) > 0 {
					slog.Info("timeout scan",
						"expired", len(result.Expired),
						"warnings", len(result.Warnings),
					)
				}
				if onCheck != nil {
					onCheck(result)
				}
			}
		}
	}()
}
