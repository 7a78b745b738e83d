// Package approval is the human-in-the-loop queue: mid-confidence AI
// replies wait here until a manager approves, edits, escalates or rejects
// them.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collectra/orchestrator/internal/core"
)

// DefaultActionCeiling is how long an entry may stay pending before the
// sweep auto-escalates it. This is the approval timeout, unrelated to the
// conversation timeout.
const DefaultActionCeiling = 24 * time.Hour

// ErrAlreadyActioned is returned on a second action against the same entry.
// The first completing action wins.
var ErrAlreadyActioned = core.NewError(core.KindWorkflow, "entry already actioned")

// ReplySender delivers the final reply to the customer.
type ReplySender interface {
	SendReply(ctx context.Context, conversationID, body string) error
}

// Escalator hands an entry off for human takeover.
type Escalator interface {
	EscalateFromApproval(ctx context.Context, workflowID, reason string) error
}

// Recorder persists queue entries and their audit records. Persistence is
// best effort: the in-memory queue stays authoritative for a live process,
// the recorder keeps the trail across restarts.
type Recorder interface {
	SaveQueueEntry(ctx context.Context, e *core.QueueEntry) error
	SaveAuditRecord(ctx context.Context, r *core.AuditRecord) error
}

// entry pairs a queue record with its own lock. The per-entry lock
// serializes competing manager actions; the queue lock only guards lookup.
type entry struct {
	mu     sync.Mutex
	record core.QueueEntry
}

// Queue is the approval queue. Audit records are append-only.
type Queue struct {
	mu      sync.RWMutex
	entries map[string]*entry
	audit   map[string][]core.AuditRecord

	sender    ReplySender
	escalator Escalator
	recorder  Recorder
	ceiling   time.Duration
	now       func() time.Time

	onActioned func(core.QueueEntry)
}

// NewQueue creates a queue with the given collaborators. sender and
// escalator may be nil in read-only deployments; actions needing them fail.
func NewQueue(sender ReplySender, escalator Escalator, ceiling time.Duration) *Queue {
	if ceiling <= 0 {
		ceiling = DefaultActionCeiling
	}
	return &Queue{
		entries:   make(map[string]*entry),
		audit:     make(map[string][]core.AuditRecord),
		sender:    sender,
		escalator: escalator,
		ceiling:   ceiling,
		now:       time.Now,
	}
}

// NewQueueAt pins the queue's clock, for tests.
func NewQueueAt(sender ReplySender, escalator Escalator, ceiling time.Duration, now func() time.Time) *Queue {
	q := NewQueue(sender, escalator, ceiling)
	q.now = now
	return q
}

// SetSender installs the reply sender after construction. The queue and the
// pipeline reference each other, so one side has to be wired late.
func (q *Queue) SetSender(sender ReplySender) {
	q.sender = sender
}

// SetRecorder installs the persistence layer for entries and audit records.
func (q *Queue) SetRecorder(r Recorder) {
	q.recorder = r
}

// OnActioned registers a hook invoked after every terminal transition
// (event publication, workflow status updates).
func (q *Queue) OnActioned(fn func(core.QueueEntry)) {
	q.onActioned = fn
}

// Enqueue creates a pending entry for a candidate reply and returns its id.
func (q *Queue) Enqueue(workflowID, conversationID, tenantMessage, aiReply string, confidence float64) string {
	e := &entry{record: core.QueueEntry{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		ConversationID: conversationID,
		TenantMessage:  tenantMessage,
		AIReply:        aiReply,
		Confidence:     confidence,
		Status:         core.ApprovalPending,
		CreatedAt:      q.now(),
	}}

	q.mu.Lock()
	q.entries[e.record.ID] = e
	q.mu.Unlock()

	q.persistEntry(e.record)
	slog.Info("reply queued for approval",
		"queue_id", e.record.ID,
		"workflow_id", workflowID,
		"confidence", confidence,
	)
	return e.record.ID
}

// Get returns a copy of an entry.
func (q *Queue) Get(queueID string) (core.QueueEntry, bool) {
	q.mu.RLock()
	e, ok := q.entries[queueID]
	q.mu.RUnlock()
	if !ok {
		return core.QueueEntry{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record, true
}

// Pending lists pending entries, oldest first.
func (q *Queue) Pending() []core.QueueEntry {
	q.mu.RLock()
	snapshot := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		snapshot = append(snapshot, e)
	}
	q.mu.RUnlock()

	out := make([]core.QueueEntry, 0, len(snapshot))
	for _, e := range snapshot {
		e.mu.Lock()
		if e.record.Status == core.ApprovalPending {
			out = append(out, e.record)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingCount reports the current queue depth.
func (q *Queue) PendingCount() int {
	return len(q.Pending())
}

// AuditTrail returns the append-only audit records for an entry.
func (q *Queue) AuditTrail(queueID string) []core.AuditRecord {
	q.mu.RLock()
	defer q.mu.RUnlock()
	records := q.audit[queueID]
	out := make([]core.AuditRecord, len(records))
	copy(out, records)
	return out
}

// Action applies a manager decision to a pending entry. Exactly-once: a
// second action returns ErrAlreadyActioned without side effects.
func (q *Queue) Action(ctx context.Context, queueID string, action core.ManagerAction) (core.QueueEntry, error) {
	if err := validateAction(action); err != nil {
		return core.QueueEntry{}, err
	}

	q.mu.RLock()
	e, ok := q.entries[queueID]
	q.mu.RUnlock()
	if !ok {
		return core.QueueEntry{}, core.Errorf(core.KindValidation, "unknown queue entry %s", queueID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.record.Status != core.ApprovalPending {
		return e.record, ErrAlreadyActioned
	}

	switch action.Type {
	case core.ActionApprove:
		if err := q.send(ctx, e.record.ConversationID, e.record.AIReply); err != nil {
			return e.record, err
		}
		q.finalize(e, action, core.ApprovalApproved, e.record.AIReply)

	case core.ActionModify:
		if err := q.send(ctx, e.record.ConversationID, action.ModifiedText); err != nil {
			return e.record, err
		}
		q.finalize(e, action, core.ApprovalModified, action.ModifiedText)

	case core.ActionEscalate:
		if q.escalator != nil {
			if err := q.escalator.EscalateFromApproval(ctx, e.record.WorkflowID, action.Reason); err != nil {
				return e.record, err
			}
		}
		q.finalize(e, action, core.ApprovalEscalated, "")

	case core.ActionReject:
		q.finalize(e, action, core.ApprovalExpired, "")
	}

	slog.Info("approval entry actioned",
		"queue_id", queueID,
		"action", action.Type,
		"actor", action.Actor,
		"status", e.record.Status,
	)
	return e.record, nil
}

// Sweep auto-escalates pending entries older than the ceiling and returns
// the entries it expired. An expired entry records action "escalate" in the
// audit trail (what the sweep did on the manager's behalf) under status
// ApprovalExpired (why it left the queue); the pairing is deliberate.
func (q *Queue) Sweep(ctx context.Context) []core.QueueEntry {
	q.mu.RLock()
	snapshot := make([]*entry, 0, len(q.entries))
	for _, e := range q.entries {
		snapshot = append(snapshot, e)
	}
	q.mu.RUnlock()

	cutoff := q.now().Add(-q.ceiling)
	var expired []core.QueueEntry
	for _, e := range snapshot {
		e.mu.Lock()
		if e.record.Status == core.ApprovalPending && e.record.CreatedAt.Before(cutoff) {
			if q.escalator != nil {
				if err := q.escalator.EscalateFromApproval(ctx, e.record.WorkflowID, "approval timeout"); err != nil {
					slog.Error("sweep escalation failed", "queue_id", e.record.ID, "error", err)
					e.mu.Unlock()
					continue
				}
			}
			q.finalize(e, core.ManagerAction{Type: core.ActionEscalate, Reason: "approval timeout", Actor: "system"}, core.ApprovalExpired, "")
			expired = append(expired, e.record)
		}
		e.mu.Unlock()
	}
	if len(expired) > 0 {
		slog.Warn("approval sweep expired entries", "count", len(expired))
	}
	return expired
}

// StartSweepLoop runs Sweep periodically until ctx is cancelled.
func (q *Queue) StartSweepLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Sweep(ctx)
			}
		}
	}()
}

// finalize stamps the terminal state and appends the audit record. Caller
// holds the entry lock.
func (q *Queue) finalize(e *entry, action core.ManagerAction, status core.ApprovalStatus, finalReply string) {
	now := q.now()
	e.record.Status = status
	e.record.ManagerAction = string(action.Type)
	e.record.FinalReply = finalReply
	e.record.ActionedBy = action.Actor
	e.record.ActionedAt = &now

	record := core.AuditRecord{
		ID:            uuid.NewString(),
		QueueEntryID:  e.record.ID,
		Action:        string(action.Type),
		OriginalReply: e.record.AIReply,
		FinalReply:    finalReply,
		Reason:        action.Reason,
		Actor:         action.Actor,
		CreatedAt:     now,
	}
	q.mu.Lock()
	q.audit[e.record.ID] = append(q.audit[e.record.ID], record)
	q.mu.Unlock()

	q.persistEntry(e.record)
	q.persistAudit(record)

	if q.onActioned != nil {
		q.onActioned(e.record)
	}
}

func (q *Queue) persistEntry(record core.QueueEntry) {
	if q.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.recorder.SaveQueueEntry(ctx, &record); err != nil {
		slog.Error("queue entry not persisted", "queue_id", record.ID, "error", err)
	}
}

func (q *Queue) persistAudit(record core.AuditRecord) {
	if q.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.recorder.SaveAuditRecord(ctx, &record); err != nil {
		slog.Error("audit record not persisted", "queue_id", record.QueueEntryID, "error", err)
	}
}

func (q *Queue) send(ctx context.Context, conversationID, body string) error {
	if q.sender == nil {
		return core.NewError(core.KindWorkflow, "no reply sender configured")
	}
	if err := q.sender.SendReply(ctx, conversationID, body); err != nil {
		return fmt.Errorf("sending approved reply: %w", err)
	}
	return nil
}

func validateAction(action core.ManagerAction) error {
	if action.Actor == "" {
		return core.NewError(core.KindValidation, "manager action requires an actor")
	}
	switch action.Type {
	case core.ActionApprove, core.ActionReject:
		return nil
	case core.ActionModify:
		if action.ModifiedText == "" {
			return core.NewError(core.KindValidation, "modify action requires modified text")
		}
		return nil
	case core.ActionEscalate:
		if action.Reason == "" {
			return core.NewError(core.KindValidation, "escalate action requires a reason")
		}
		return nil
	default:
		return core.Errorf(core.KindValidation, "unknown action type %q", action.Type)
	}
}
