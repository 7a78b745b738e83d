// Package orchestrator runs the per-message pipeline: ingest, protected
// context fetches, LLM generation, trigger and payment-plan analysis, and
// confidence-based routing to auto-send, approval or escalation.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/collectra/orchestrator/internal/approval"
	"github.com/collectra/orchestrator/internal/circuitbreaker"
	"github.com/collectra/orchestrator/internal/core"
	"github.com/collectra/orchestrator/internal/degradation"
	"github.com/collectra/orchestrator/internal/escalation"
	"github.com/collectra/orchestrator/internal/events"
	"github.com/collectra/orchestrator/internal/metrics"
	"github.com/collectra/orchestrator/internal/paymentplan"
	"github.com/collectra/orchestrator/internal/retry"
	"github.com/collectra/orchestrator/internal/timeout"
	"github.com/collectra/orchestrator/internal/triggers"
)

// Service names used for breakers, retries and degradation tracking.
const (
	ServiceTenantData = "tenant_data"
	ServiceLLM        = "llm"
	ServiceSMS        = "sms_gateway"
)

// Thresholds route candidate replies by confidence.
type Thresholds struct {
	AutoApproval   float64 // >= sends without a human (default 0.85)
	ManualApproval float64 // >= queues for approval (default 0.60)
}

// DefaultThresholds is the production routing tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoApproval: 0.85, ManualApproval: 0.60}
}

// TenantFetcher reads debtor account context.
type TenantFetcher interface {
	GetTenant(ctx context.Context, tenantID string) (*core.TenantContext, error)
}

// ConversationFetcher reads SMS history for a phone number.
type ConversationFetcher interface {
	Conversation(ctx context.Context, phone string) ([]core.ConversationTurn, error)
}

// ReplyGenerator produces a candidate reply.
type ReplyGenerator interface {
	Generate(ctx context.Context, tenant *core.TenantContext, history []core.ConversationTurn, inbound string) (*core.CandidateReply, error)
}

// SMSSender delivers one outbound message.
type SMSSender interface {
	Send(ctx context.Context, to, body, conversationID string) error
}

// ApprovalNotifier tells managers a reply awaits review. Optional; a nil
// notifier means the approval queue is polled only.
type ApprovalNotifier interface {
	NotifyApprovalNeeded(ctx context.Context, entry core.QueueEntry) error
}

// Store is the persistence surface the pipeline needs.
type Store interface {
	SaveWorkflow(ctx context.Context, w *core.Workflow) error
	UpdateWorkflow(ctx context.Context, w *core.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*core.Workflow, error)
	SaveRetryAttempt(ctx context.Context, id, workflowID, reason, requestedBy string, forced bool, at time.Time) error
	SavePaymentPlanAttempt(ctx context.Context, id, workflowID string, plan *core.ExtractedPaymentPlan, status core.ValidationStatus, at time.Time) error
}

// ContextCache is the optional read-through cache backing degraded-mode
// fallbacks for tenant context and conversation history.
type ContextCache interface {
	PutTenant(ctx context.Context, tenant *core.TenantContext) error
	GetTenant(ctx context.Context, tenantID string) (*core.TenantContext, bool)
	PutConversation(ctx context.Context, phone string, turns []core.ConversationTurn) error
	GetConversation(ctx context.Context, phone string) ([]core.ConversationTurn, bool)
	Invalidate(ctx context.Context, tenantID, phone string) error
}

// Orchestrator wires every component together. One instance serves all
// tenants; each message runs in the caller's goroutine.
type Orchestrator struct {
	store      Store
	cache      ContextCache
	tenants    TenantFetcher
	history    ConversationFetcher
	llm        ReplyGenerator
	sms        SMSSender
	breakers   *circuitbreaker.Manager
	controller *degradation.Controller
	detector   *triggers.Detector
	extractor  *paymentplan.Extractor
	validator  *paymentplan.Validator
	queue      *approval.Queue
	escalator  *escalation.Engine
	monitor    *timeout.Monitor
	sink       *metrics.Sink
	emitter    events.EventEmitter
	notifier   ApprovalNotifier
	prom       *metrics.PromMetrics
	thresholds Thresholds

	egressPolicy retry.Policy

	// phone maps let components that only hold an id reach the customer.
	mu         sync.RWMutex
	phoneByWF  map[string]string
	phoneByCnv map[string]string
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Store      Store
	Cache      ContextCache
	Tenants    TenantFetcher
	History    ConversationFetcher
	LLM        ReplyGenerator
	SMS        SMSSender
	Breakers   *circuitbreaker.Manager
	Controller *degradation.Controller
	Detector   *triggers.Detector
	Extractor  *paymentplan.Extractor
	Validator  *paymentplan.Validator
	Queue      *approval.Queue
	Escalator  *escalation.Engine
	Monitor    *timeout.Monitor
	Sink       *metrics.Sink
	Emitter    events.EventEmitter
	Notifier   ApprovalNotifier
	Prom       *metrics.PromMetrics // optional Prometheus bridge
	Thresholds Thresholds
	Retry      retry.Policy
}

// New assembles the orchestrator. Zero-value thresholds and retry policy
// take defaults.
func New(d Deps) *Orchestrator {
	if d.Thresholds.AutoApproval == 0 {
		d.Thresholds = DefaultThresholds()
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = retry.ExternalServicePolicy()
	}
	o := &Orchestrator{
		store:        d.Store,
		cache:        d.Cache,
		tenants:      d.Tenants,
		history:      d.History,
		llm:          d.LLM,
		sms:          d.SMS,
		breakers:     d.Breakers,
		controller:   d.Controller,
		detector:     d.Detector,
		extractor:    d.Extractor,
		validator:    d.Validator,
		queue:        d.Queue,
		escalator:    d.Escalator,
		monitor:      d.Monitor,
		sink:         d.Sink,
		emitter:      d.Emitter,
		notifier:     d.Notifier,
		prom:         d.Prom,
		thresholds:   d.Thresholds,
		egressPolicy: d.Retry,
		phoneByWF:    make(map[string]string),
		phoneByCnv:   make(map[string]string),
	}
	if o.escalator != nil {
		o.escalator.SetPhoneDirectory(o)
	}
	if o.queue != nil {
		o.queue.OnActioned(o.onApprovalActioned)
	}
	return o
}

// PhoneFor resolves a workflow to its customer phone.
func (o *Orchestrator) PhoneFor(workflowID string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	phone, ok := o.phoneByWF[workflowID]
	return phone, ok
}

// SendReply satisfies the approval queue's sender: the recipient is
// resolved from the conversation.
func (o *Orchestrator) SendReply(ctx context.Context, conversationID, body string) error {
	o.mu.RLock()
	phone, ok := o.phoneByCnv[conversationID]
	o.mu.RUnlock()
	if !ok {
		return core.Errorf(core.KindWorkflow, "no phone known for conversation %s", conversationID)
	}
	_, err := o.protected(ctx, ServiceSMS, func(ctx context.Context) (interface{}, error) {
		return nil, o.sms.Send(ctx, phone, body, conversationID)
	})
	return err
}

// Process runs the full pipeline for one inbound message.
func (o *Orchestrator) Process(ctx context.Context, msg core.InboundMessage) (*core.Workflow, error) {
	if err := validateMessage(msg); err != nil {
		o.count("messages.rejected")
		return nil, err
	}
	o.count("messages.received")
	if o.prom != nil {
		o.prom.MessagesIngested.WithLabelValues(msg.TenantID).Inc()
	}

	wf := core.NewWorkflow(msg.TenantID, msg.ConversationID)
	wf.Metadata["customer_phone"] = msg.PhoneNumber
	wf.Metadata["content"] = msg.Content
	if err := o.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	o.rememberPhone(wf.ID, msg.ConversationID, msg.PhoneNumber)
	o.emitStatus(wf)

	o.setStatus(ctx, wf, core.StatusProcessing)
	return o.run(ctx, wf, msg)
}

// Retry re-enters a failed or escalated workflow.
func (o *Orchestrator) Retry(ctx context.Context, workflowID, reason, requestedBy string, force bool) (*core.Workflow, error) {
	wf, err := o.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !force && wf.Status != core.StatusFailed && wf.Status != core.StatusEscalated {
		return nil, core.Errorf(core.KindWorkflow,
			"workflow %s in status %s is not retryable", workflowID, wf.Status)
	}

	if err := o.store.SaveRetryAttempt(ctx, uuid.NewString(), workflowID, reason, requestedBy, force, time.Now().UTC()); err != nil {
		return nil, err
	}

	msg, err := messageFromMetadata(wf)
	if err != nil {
		return nil, err
	}
	o.rememberPhone(wf.ID, msg.ConversationID, msg.PhoneNumber)

	wf.Error = ""
	o.setStatus(ctx, wf, core.StatusProcessing)
	o.count("workflows.retried")
	return o.run(ctx, wf, msg)
}

// run executes steps 3..9 for a workflow already in Processing.
func (o *Orchestrator) run(ctx context.Context, wf *core.Workflow, msg core.InboundMessage) (*core.Workflow, error) {
	started := time.Now()

	tenant, err := o.fetchTenant(ctx, msg.TenantID)
	if err != nil {
		return o.fail(ctx, wf, "tenant context unavailable", err)
	}

	history, err := o.fetchHistory(ctx, msg.PhoneNumber)
	if err != nil {
		return o.fail(ctx, wf, "conversation history unavailable", err)
	}

	reply, err := o.generate(ctx, tenant, history, msg.Content)
	if err != nil {
		return o.fail(ctx, wf, "reply generation failed", err)
	}
	o.observeConfidence(reply.Confidence)

	reply.Triggers = o.detector.Detect(msg.Content)
	plan, report := o.analyzePlan(ctx, wf, msg.Content, reply.Content)
	reply.PaymentPlan = plan

	escalate := o.detector.ShouldEscalate(reply.Triggers)

	switch {
	case escalate:
		// Escalation wins over auto-send.
		o.count("replies.escalated_by_trigger")
		o.promRoute("escalate")
		if _, eerr := o.escalator.FromTriggers(ctx, wf.ID, msg.PhoneNumber, reply.Triggers); eerr != nil {
			slog.Warn("trigger escalation partially failed", "workflow_id", wf.ID, "error", eerr)
		}
		o.monitor.Remove(wf.ID)
		o.invalidateContext(ctx, wf.TenantID, msg.PhoneNumber)
		o.setStatus(ctx, wf, core.StatusEscalated)

	case reply.Confidence >= o.thresholds.AutoApproval:
		deferred, err := o.autoSend(ctx, wf, msg, reply)
		if err != nil {
			return o.fail(ctx, wf, "auto-send failed", err)
		}
		if !deferred {
			o.count("replies.auto_sent")
			o.promRoute("auto_send")
			o.setStatus(ctx, wf, core.StatusCompleted)
		}

	case reply.Confidence >= o.thresholds.ManualApproval:
		queueID := o.queue.Enqueue(wf.ID, msg.ConversationID, msg.Content, reply.Content, reply.Confidence)
		o.count("replies.queued")
		o.promRoute("approval_queue")
		o.emit(events.TypeApprovalQueued, wf.ID, map[string]interface{}{
			"queue_id":   queueID,
			"confidence": reply.Confidence,
			"tenant_id":  wf.TenantID,
		})
		if o.notifier != nil {
			entry := core.QueueEntry{
				ID:             queueID,
				WorkflowID:     wf.ID,
				ConversationID: msg.ConversationID,
				TenantMessage:  msg.Content,
				AIReply:        reply.Content,
				Confidence:     reply.Confidence,
				Status:         core.ApprovalPending,
			}
			if nerr := o.notifier.NotifyApprovalNeeded(ctx, entry); nerr != nil {
				slog.Warn("approval notification failed", "queue_id", queueID, "error", nerr)
			}
		}
		o.setStatus(ctx, wf, core.StatusAwaitingApproval)

	default:
		// Low confidence reads as an unhandled customer; a human takes over.
		o.count("replies.low_confidence")
		o.promRoute("escalate")
		trig := core.Trigger{
			Reason:      core.ReasonDissatisfaction,
			Confidence:  1 - reply.Confidence,
			MatchedText: msg.Content,
			PatternKind: "confidence",
		}
		if _, eerr := o.escalator.FromTriggers(ctx, wf.ID, msg.PhoneNumber, []core.Trigger{trig}); eerr != nil {
			slog.Warn("low-confidence escalation partially failed", "workflow_id", wf.ID, "error", eerr)
		}
		o.monitor.Remove(wf.ID)
		o.invalidateContext(ctx, wf.TenantID, msg.PhoneNumber)
		o.setStatus(ctx, wf, core.StatusEscalated)
	}

	o.applyPlanStatus(ctx, wf, plan, report)

	o.sink.ObserveDuration("pipeline.duration", time.Since(started))
	if o.prom != nil {
		o.prom.PipelineDuration.WithLabelValues(string(wf.Status)).Observe(time.Since(started).Seconds())
	}
	slog.Info("pipeline finished",
		"workflow_id", wf.ID,
		"status", wf.Status,
		"confidence", reply.Confidence,
		"triggers", len(reply.Triggers),
		"elapsed", time.Since(started),
	)
	return wf, nil
}

// fetchTenant is step 3: protected fetch with cache fallback in degraded
// modes.
func (o *Orchestrator) fetchTenant(ctx context.Context, tenantID string) (*core.TenantContext, error) {
	res, err := o.protected(ctx, ServiceTenantData, func(ctx context.Context) (interface{}, error) {
		return o.tenants.GetTenant(ctx, tenantID)
	})
	if err == nil {
		tenant := res.(*core.TenantContext)
		if o.cache != nil {
			if cerr := o.cache.PutTenant(ctx, tenant); cerr != nil {
				slog.Debug("tenant cache write failed", "error", cerr)
			}
		}
		return tenant, nil
	}

	if o.degradedRead(err) {
		if o.cache != nil {
			if tenant, ok := o.cache.GetTenant(ctx, tenantID); ok {
				o.count("fallbacks.tenant_cache")
				return tenant, nil
			}
		}
		if fb, used, ferr := o.controller.TryFallback(ctx, ServiceTenantData, "get_tenant",
			map[string]interface{}{"tenant_id": tenantID}); used && ferr == nil {
			if tenant, ok := fb.Value.(*core.TenantContext); ok {
				o.count("fallbacks.tenant_synthetic")
				return tenant, nil
			}
		}
	}
	return nil, err
}

// fetchHistory is step 4, same shape as step 3.
func (o *Orchestrator) fetchHistory(ctx context.Context, phone string) ([]core.ConversationTurn, error) {
	res, err := o.protected(ctx, ServiceSMS, func(ctx context.Context) (interface{}, error) {
		return o.history.Conversation(ctx, phone)
	})
	if err == nil {
		turns := res.([]core.ConversationTurn)
		if o.cache != nil {
			if cerr := o.cache.PutConversation(ctx, phone, turns); cerr != nil {
				slog.Debug("conversation cache write failed", "error", cerr)
			}
		}
		return turns, nil
	}

	if o.degradedRead(err) && o.cache != nil {
		if turns, ok := o.cache.GetConversation(ctx, phone); ok {
			o.count("fallbacks.conversation_cache")
			return turns, nil
		}
	}
	return nil, err
}

// generate is step 5.
func (o *Orchestrator) generate(ctx context.Context, tenant *core.TenantContext, history []core.ConversationTurn, inbound string) (*core.CandidateReply, error) {
	res, err := o.protected(ctx, ServiceLLM, func(ctx context.Context) (interface{}, error) {
		return o.llm.Generate(ctx, tenant, history, inbound)
	})
	if err != nil {
		return nil, err
	}
	return res.(*core.CandidateReply), nil
}

// analyzePlan is steps 5 and 6: extraction from both texts, then policy
// validation. When both texts carry a plan the higher-confidence one wins.
// Plan errors never abort the pipeline.
func (o *Orchestrator) analyzePlan(ctx context.Context, wf *core.Workflow, inbound, aiReply string) (*core.ExtractedPaymentPlan, *core.ValidationReport) {
	plan := o.extractor.ExtractFromMessage(inbound)
	if ai := o.extractor.ExtractFromAIResponse(aiReply); ai != nil {
		if plan == nil || ai.ConfidenceScore > plan.ConfidenceScore {
			plan = ai
		}
	}
	if plan == nil {
		return nil, nil
	}
	o.count("plans.extracted")

	report := o.validator.Validate(plan, nil)
	if o.prom != nil {
		o.prom.PaymentPlans.WithLabelValues(string(report.Status)).Inc()
	}
	o.emit(events.TypePaymentPlan, wf.ID, map[string]interface{}{
		"weekly_amount":  plan.WeeklyAmount,
		"duration_weeks": plan.DurationWeeks,
		"status":         string(report.Status),
		"tenant_id":      wf.TenantID,
	})
	if err := o.store.SavePaymentPlanAttempt(ctx, uuid.NewString(), wf.ID, plan, report.Status, time.Now().UTC()); err != nil {
		slog.Warn("payment plan attempt not persisted", "workflow_id", wf.ID, "error", err)
	}
	return plan, report
}

// applyPlanStatus is step 8: plan outcomes override the confidence routing
// for non-escalated workflows.
func (o *Orchestrator) applyPlanStatus(ctx context.Context, wf *core.Workflow, plan *core.ExtractedPaymentPlan, report *core.ValidationReport) {
	if plan == nil || wf.Status == core.StatusEscalated || wf.Status == core.StatusFailed {
		return
	}
	switch {
	case report.IsAutoApprovable:
		o.count("plans.auto_approved")
		o.setStatus(ctx, wf, core.StatusPaymentPlanApproved)
	case wf.Status == core.StatusAwaitingApproval:
		o.count("plans.needs_review")
		o.setStatus(ctx, wf, core.StatusPaymentPlanNeedsReview)
	}
}

// autoSend is the high-confidence branch of step 7, gated by the
// degradation controller's back-pressure. The deferred return means the
// message was queued for the drain loop and the workflow stays open.
func (o *Orchestrator) autoSend(ctx context.Context, wf *core.Workflow, msg core.InboundMessage, reply *core.CandidateReply) (deferred bool, err error) {
	allowed, decision := o.controller.CanExecute(ServiceSMS, degradation.OpWrite, false)
	if !allowed {
		if decision != nil && decision.Defer {
			o.deferSend(wf, msg, reply)
			return true, nil
		}
		return false, core.Errorf(core.KindDegradedService, "outbound messaging rejected: %s", decision.Reason)
	}

	_, err = o.protected(ctx, ServiceSMS, func(ctx context.Context) (interface{}, error) {
		return nil, o.sms.Send(ctx, msg.PhoneNumber, reply.Content, msg.ConversationID)
	})
	if err != nil {
		return false, err
	}

	o.monitor.Register(wf.ID, msg.PhoneNumber)
	o.emit(events.TypeReplyRouted, wf.ID, map[string]interface{}{
		"route":      "auto_send",
		"confidence": reply.Confidence,
		"tenant_id":  wf.TenantID,
	})
	return false, nil
}

// deferSend queues the outbound message for the controller's drain loop.
func (o *Orchestrator) deferSend(wf *core.Workflow, msg core.InboundMessage, reply *core.CandidateReply) {
	wf.Metadata["send_deferred"] = true
	o.count("sends.deferred")
	o.controller.Defer(&degradation.DeferredOp{
		ID:       uuid.NewString(),
		Service:  ServiceSMS,
		Kind:     degradation.OpWrite,
		Priority: 5,
		QueuedAt: time.Now(),
		Execute: func(ctx context.Context) error {
			_, err := o.protected(ctx, ServiceSMS, func(ctx context.Context) (interface{}, error) {
				return nil, o.sms.Send(ctx, msg.PhoneNumber, reply.Content, msg.ConversationID)
			})
			if err != nil {
				return err
			}
			o.monitor.Register(wf.ID, msg.PhoneNumber)
			o.setStatus(ctx, wf, core.StatusCompleted)
			return nil
		},
	})
	slog.Info("outbound send deferred", "workflow_id", wf.ID, "mode", o.controller.Mode())
}

// protected runs op behind the service's breaker and the retry policy, and
// feeds the result into the degradation controller.
func (o *Orchestrator) protected(ctx context.Context, service string, op retry.Operation) (interface{}, error) {
	cb := o.breakers.GetOrCreate(service, circuitbreaker.DefaultConfig(service))
	policy := o.egressPolicy
	if o.prom != nil {
		policy.OnRetry = func(int) { o.prom.RetryAttempts.WithLabelValues(service).Inc() }
	}
	start := time.Now()
	res, err := retry.Protected(ctx, policy, cb, op)
	elapsed := time.Since(start)

	st := cb.Status()
	o.controller.UpdateServiceStatus(service,
		err == nil || !core.IsKind(err, core.KindServiceUnavailable),
		time.Duration(st.Metrics.MeanLatencyMS)*time.Millisecond,
		st.Metrics.FailureRate,
		st.State == circuitbreaker.StateOpen,
	)
	o.sink.ObserveDuration("external."+service+".latency", elapsed)
	if o.prom != nil {
		o.prom.ExternalCallDuration.WithLabelValues(service).Observe(elapsed.Seconds())
	}
	if err != nil {
		o.count("external." + service + ".errors")
		if o.prom != nil {
			o.prom.ExternalCallErrors.WithLabelValues(service, string(core.KindOf(err))).Inc()
			if core.IsKind(err, core.KindServiceUnavailable) {
				o.prom.BreakerRejections.WithLabelValues(service).Inc()
			}
		}
	}
	return res, err
}

// degradedRead reports whether a failed read may use cached or synthetic
// data: the dependency short-circuited and the controller has left Full
// service.
func (o *Orchestrator) degradedRead(err error) bool {
	if !core.IsKind(err, core.KindServiceUnavailable) {
		return false
	}
	mode := o.controller.Mode()
	return mode == degradation.ModeReadOnly || mode == degradation.ModeOffline ||
		mode == degradation.ModePartial || mode == degradation.ModeEmergency
}

// onApprovalActioned reflects a manager decision back onto the workflow.
func (o *Orchestrator) onApprovalActioned(entry core.QueueEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	wf, err := o.store.GetWorkflow(ctx, entry.WorkflowID)
	if err != nil {
		slog.Warn("actioned workflow not found", "workflow_id", entry.WorkflowID, "error", err)
		return
	}

	switch entry.Status {
	case core.ApprovalApproved, core.ApprovalModified:
		if phone, ok := o.PhoneFor(entry.WorkflowID); ok {
			o.monitor.Register(entry.WorkflowID, phone)
		}
		o.setStatus(ctx, wf, core.StatusCompleted)
	case core.ApprovalEscalated, core.ApprovalExpired:
		o.monitor.Remove(entry.WorkflowID)
		if phone, ok := o.PhoneFor(entry.WorkflowID); ok {
			o.invalidateContext(ctx, wf.TenantID, phone)
		}
		o.setStatus(ctx, wf, core.StatusEscalated)
	}

	o.count("approvals." + entry.ManagerAction)
	if o.prom != nil {
		o.prom.ManagerActions.WithLabelValues(entry.ManagerAction).Inc()
	}
	o.emit(events.TypeApprovalActioned, entry.WorkflowID, map[string]interface{}{
		"queue_id":  entry.ID,
		"action":    entry.ManagerAction,
		"actor":     entry.ActionedBy,
		"tenant_id": wf.TenantID,
	})
}

func (o *Orchestrator) fail(ctx context.Context, wf *core.Workflow, msg string, err error) (*core.Workflow, error) {
	wf.Error = fmt.Sprintf("%s: %v", msg, err)
	o.monitor.Remove(wf.ID)
	o.count("workflows.failed")
	o.setStatus(ctx, wf, core.StatusFailed)
	return wf, err
}

func (o *Orchestrator) setStatus(ctx context.Context, wf *core.Workflow, status core.WorkflowStatus) {
	wf.SetStatus(status)
	if status.IsTerminal() && o.prom != nil {
		o.prom.WorkflowsTotal.WithLabelValues(string(status)).Inc()
	}
	if err := o.store.UpdateWorkflow(ctx, wf); err != nil {
		slog.Error("workflow status not persisted",
			"workflow_id", wf.ID, "status", status, "error", err)
	}
	o.emitStatus(wf)
}

func (o *Orchestrator) emitStatus(wf *core.Workflow) {
	o.count("workflows.status." + string(wf.Status))
	o.emit(events.TypeWorkflowStatus, wf.ID, map[string]interface{}{
		"status":    string(wf.Status),
		"tenant_id": wf.TenantID,
	})
}

func (o *Orchestrator) emit(eventType, subject string, data map[string]interface{}) {
	if o.emitter != nil {
		o.emitter.Emit(eventType, subject, data)
	}
}

func (o *Orchestrator) count(name string) {
	if o.sink != nil {
		o.sink.Inc(name)
	}
}

func (o *Orchestrator) observeConfidence(confidence float64) {
	if o.sink != nil {
		o.sink.Observe("ai.confidence", confidence)
	}
	if o.prom != nil {
		o.prom.AIConfidence.Observe(confidence)
	}
}

func (o *Orchestrator) promRoute(route string) {
	if o.prom != nil {
		o.prom.RepliesRouted.WithLabelValues(route).Inc()
	}
}

// invalidateContext drops cached reads once a human takes over; the next
// fetch must see live data.
func (o *Orchestrator) invalidateContext(ctx context.Context, tenantID, phone string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.Invalidate(ctx, tenantID, phone); err != nil {
		slog.Debug("context cache invalidation failed", "tenant_id", tenantID, "error", err)
	}
}

func (o *Orchestrator) rememberPhone(workflowID, conversationID, phone string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phoneByWF[workflowID] = phone
	o.phoneByCnv[conversationID] = phone
}

func validateMessage(msg core.InboundMessage) error {
	switch {
	case msg.TenantID == "":
		return core.NewError(core.KindValidation, "tenant_id is required")
	case msg.ConversationID == "":
		return core.NewError(core.KindValidation, "conversation_id is required")
	case len(msg.Content) == 0:
		return core.NewError(core.KindValidation, "content is empty")
	case len(msg.Content) > 1600:
		return core.Errorf(core.KindValidation, "content exceeds 1600 characters (%d)", len(msg.Content))
	case !validPhone(msg.PhoneNumber):
		return core.Errorf(core.KindValidation, "phone number %q is not E.164", msg.PhoneNumber)
	}
	return nil
}

// validPhone accepts E.164: +, then 8..15 digits, first nonzero.
func validPhone(phone string) bool {
	if !strings.HasPrefix(phone, "+") {
		return false
	}
	digits := phone[1:]
	if len(digits) < 8 || len(digits) > 15 {
		return false
	}
	if digits[0] == '0' {
		return false
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return false
		}
	}
	return true
}

func messageFromMetadata(wf *core.Workflow) (core.InboundMessage, error) {
	phone, _ := wf.Metadata["customer_phone"].(string)
	content, _ := wf.Metadata["content"].(string)
	if phone == "" || content == "" {
		return core.InboundMessage{}, core.Errorf(core.KindWorkflow,
			"workflow %s carries no replayable message", wf.ID)
	}
	return core.InboundMessage{
		TenantID:       wf.TenantID,
		PhoneNumber:    phone,
		Content:        content,
		ConversationID: wf.ConversationID,
		Timestamp:      wf.StartedAt,
	}, nil
}
