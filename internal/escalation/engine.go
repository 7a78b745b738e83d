// Package escalation turns trigger hits, expired conversation deadlines and
// manual requests into human-takeover events, and fans each event out to
// the interested parties.
package escalation

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/collectra/orchestrator/internal/core"
	"github.com/collectra/orchestrator/internal/metrics"
	"github.com/collectra/orchestrator/internal/timeout"
	"github.com/collectra/orchestrator/internal/triggers"
)

// EventStore persists escalation events.
type EventStore interface {
	SaveEscalation(ctx context.Context, event *core.EscalationEvent) error
}

// TenantNotifier tells the tenant-data service a human is taking over.
type TenantNotifier interface {
	NotifyHumanTakeover(ctx context.Context, workflowID, customerPhone string) error
}

// SMSController pauses outbound messaging for an escalated conversation.
type SMSController interface {
	PauseOutbound(ctx context.Context, workflowID, customerPhone string) error
}

// OperatorNotifier reaches the internal operations team.
type OperatorNotifier interface {
	NotifyOperators(ctx context.Context, event core.EscalationEvent) error
	NotifyWarning(ctx context.Context, entry core.WorkflowTimeout) error
}

// PhoneDirectory resolves a workflow to its customer phone. Used by entry
// points that only carry a workflow id.
type PhoneDirectory interface {
	PhoneFor(workflowID string) (string, bool)
}

// Engine is the escalation engine. All collaborators except the store may
// be nil; missing ones are skipped in the fan-out.
type Engine struct {
	store     EventStore
	tenants   TenantNotifier
	sms       SMSController
	operators OperatorNotifier
	monitor   *timeout.Monitor
	directory PhoneDirectory
	sink      *metrics.Sink
	prom      *metrics.PromMetrics
	now       func() time.Time
}

// NewEngine wires the engine's collaborators.
func NewEngine(store EventStore, tenants TenantNotifier, sms SMSController, operators OperatorNotifier, monitor *timeout.Monitor, sink *metrics.Sink) *Engine {
	return &Engine{
		store:     store,
		tenants:   tenants,
		sms:       sms,
		operators: operators,
		monitor:   monitor,
		sink:      sink,
		now:       time.Now,
	}
}

// SetPhoneDirectory installs the workflow-to-phone resolver.
func (e *Engine) SetPhoneDirectory(d PhoneDirectory) {
	e.directory = d
}

// SetPromMetrics installs the optional Prometheus bridge.
func (e *Engine) SetPromMetrics(p *metrics.PromMetrics) {
	e.prom = p
}

// FromTriggers escalates on the primary detected trigger. Callers decide
// whether the trigger set crosses the escalation bar; an empty set is a
// no-op.
func (e *Engine) FromTriggers(ctx context.Context, workflowID, customerPhone string, trigs []core.Trigger) (*core.EscalationEvent, error) {
	primary, ok := triggers.Primary(trigs)
	if !ok {
		return nil, nil
	}
	event := &core.EscalationEvent{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		CustomerPhone: customerPhone,
		Kind:          core.EscalationTriggerBased,
		Reason:        primary.Reason,
		Confidence:    primary.Confidence,
		MatchedText:   primary.MatchedText,
		Timestamp:     e.now(),
		Status:        "open",
	}
	err := e.trigger(ctx, event)
	return event, err
}

// HandleTimeouts escalates every expired entry of a scan and emits the
// lighter notification for warnings. Designed as the monitor's scan hook.
func (e *Engine) HandleTimeouts(ctx context.Context, result timeout.CheckResult) {
	for _, entry := range result.Expired {
		event := &core.EscalationEvent{
			ID:            uuid.NewString(),
			WorkflowID:    entry.WorkflowID,
			CustomerPhone: entry.CustomerPhone,
			Kind:          core.EscalationTimeoutBased,
			Reason:        core.ReasonDissatisfaction,
			Confidence:    1.0,
			MatchedText:   "timeout exceeded",
			Timestamp:     e.now(),
			Status:        "open",
		}
		if err := e.trigger(ctx, event); err != nil {
			slog.Error("timeout escalation incomplete",
				"workflow_id", entry.WorkflowID, "error", err)
		}
		if e.monitor != nil {
			e.monitor.MarkEscalated(entry.WorkflowID)
		}
	}

	for _, entry := range result.Warnings {
		if e.operators == nil {
			continue
		}
		if err := e.operators.NotifyWarning(ctx, entry); err != nil {
			slog.Warn("timeout warning notification failed",
				"workflow_id", entry.WorkflowID, "error", err)
			e.count("escalations.warning_notify_failures")
		}
	}
}

// Manual escalates on direct request, confidence 1.0.
func (e *Engine) Manual(ctx context.Context, workflowID, customerPhone string, reason core.TriggerReason, note string) (*core.EscalationEvent, error) {
	event := &core.EscalationEvent{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		CustomerPhone: customerPhone,
		Kind:          core.EscalationManual,
		Reason:        reason,
		Confidence:    1.0,
		MatchedText:   note,
		Timestamp:     e.now(),
		Status:        "open",
	}
	err := e.trigger(ctx, event)
	return event, err
}

// EscalateFromApproval satisfies the approval queue's hand-off. The phone
// is resolved through the directory when available.
func (e *Engine) EscalateFromApproval(ctx context.Context, workflowID, reason string) error {
	phone := ""
	if e.directory != nil {
		phone, _ = e.directory.PhoneFor(workflowID)
	}
	_, err := e.Manual(ctx, workflowID, phone, core.ReasonDissatisfaction, reason)
	return err
}

// trigger runs the ordered best-effort fan-out. The event is persisted
// first and never rolled back; later failures are logged and counted, and
// the first one is returned so callers can observe partial completion.
func (e *Engine) trigger(ctx context.Context, event *core.EscalationEvent) error {
	var firstErr error
	fail := func(step string, err error) {
		slog.Error("escalation fan-out step failed",
			"step", step,
			"escalation_id", event.ID,
			"workflow_id", event.WorkflowID,
			"error", err,
		)
		e.count("escalations.fanout_failures")
		if firstErr == nil {
			firstErr = core.WrapError(core.KindExternalService, "escalation fan-out: "+step, err)
		}
	}

	if err := e.store.SaveEscalation(ctx, event); err != nil {
		fail("persist", err)
	}
	if e.tenants != nil {
		if err := e.tenants.NotifyHumanTakeover(ctx, event.WorkflowID, event.CustomerPhone); err != nil {
			fail("tenant_notify", err)
		}
	}
	if e.sms != nil {
		if err := e.sms.PauseOutbound(ctx, event.WorkflowID, event.CustomerPhone); err != nil {
			fail("sms_pause", err)
		}
	}
	if e.operators != nil {
		if err := e.operators.NotifyOperators(ctx, *event); err != nil {
			fail("operator_notify", err)
		}
	}
	if event.Kind == core.EscalationTriggerBased && e.monitor != nil {
		e.monitor.MarkEscalated(event.WorkflowID)
	}

	e.count("escalations." + string(event.Kind))
	if e.prom != nil {
		e.prom.EscalationsRaised.WithLabelValues(string(event.Kind), string(event.Reason)).Inc()
	}
	slog.Info("escalation raised",
		"escalation_id", event.ID,
		"workflow_id", event.WorkflowID,
		"kind", event.Kind,
		"reason", event.Reason,
		"confidence", event.Confidence,
	)
	return firstErr
}

func (e *Engine) count(name string) {
	if e.sink != nil {
		e.sink.Inc(name)
	}
}
