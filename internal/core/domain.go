// Package core holds the domain entities shared across the orchestrator.
// Entities are owned by exactly one component; cross-component references
// travel by ID only.
package core

import (
	"time"

	"github.com/google/uuid"
)

// WorkflowStatus enumerates the lifecycle states of a message workflow.
type WorkflowStatus string

const (
	StatusReceived               WorkflowStatus = "received"
	StatusProcessing             WorkflowStatus = "processing"
	StatusAwaitingApproval       WorkflowStatus = "awaiting_approval"
	StatusSent                   WorkflowStatus = "sent"
	StatusEscalated              WorkflowStatus = "escalated"
	StatusFailed                 WorkflowStatus = "failed"
	StatusCompleted              WorkflowStatus = "completed"
	StatusPaymentPlanDetected    WorkflowStatus = "payment_plan_detected"
	StatusPaymentPlanApproved    WorkflowStatus = "payment_plan_approved"
	StatusPaymentPlanNeedsReview WorkflowStatus = "payment_plan_needs_review"
)

// IsTerminal reports whether the status closes the workflow. CompletedAt is
// set iff the workflow reaches one of these.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusSent, StatusCompleted, StatusFailed, StatusEscalated:
		return true
	}
	return false
}

// Workflow is the persistent record of one inbound-to-terminal interaction.
type Workflow struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversation_id"`
	TenantID       string                 `json:"tenant_id"`
	Status         WorkflowStatus         `json:"status"`
	StartedAt      time.Time              `json:"started_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	Error          string                 `json:"error,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// NewWorkflow creates a workflow in the Received state.
func NewWorkflow(tenantID, conversationID string) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		TenantID:       tenantID,
		Status:         StatusReceived,
		StartedAt:      now,
		UpdatedAt:      now,
		Metadata:       make(map[string]interface{}),
	}
}

// SetStatus transitions the workflow. CompletedAt is stamped on terminal
// states and cleared again when the workflow reopens, so the timestamp is
// set exactly when the status is terminal.
func (w *Workflow) SetStatus(s WorkflowStatus) {
	w.Status = s
	now := time.Now().UTC()
	w.UpdatedAt = now
	if s.IsTerminal() {
		w.CompletedAt = &now
	} else {
		w.CompletedAt = nil
	}
}

// InboundMessage is an immutable customer text message.
type InboundMessage struct {
	TenantID       string    `json:"tenant_id"`
	PhoneNumber    string    `json:"phone_number"` // E.164
	Content        string    `json:"content"`      // 1..1600 chars
	ConversationID string    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// CandidateReply is the LLM-produced reply plus everything the router needs.
type CandidateReply struct {
	Content     string                `json:"content"`
	Confidence  float64               `json:"confidence"` // [0,1]
	Language    string                `json:"language"`
	ModelID     string                `json:"model_id"`
	LatencyMS   int64                 `json:"latency_ms"`
	PaymentPlan *ExtractedPaymentPlan `json:"payment_plan,omitempty"`
	Triggers    []Trigger             `json:"triggers,omitempty"`
}

// ApprovalStatus enumerates approval queue entry states.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalModified  ApprovalStatus = "modified"
	ApprovalEscalated ApprovalStatus = "escalated"
	ApprovalAutoSent  ApprovalStatus = "auto_sent"
	ApprovalExpired   ApprovalStatus = "expired"
)

// ManagerActionType is the tagged variant of a manager decision.
type ManagerActionType string

const (
	ActionApprove  ManagerActionType = "approve"
	ActionModify   ManagerActionType = "modify"
	ActionEscalate ManagerActionType = "escalate"
	ActionReject   ManagerActionType = "reject"
)

// ManagerAction carries only the fields its type requires.
type ManagerAction struct {
	Type         ManagerActionType `json:"type"`
	ModifiedText string            `json:"modified_text,omitempty"` // required for modify
	Reason       string            `json:"reason,omitempty"`        // required for escalate
	Actor        string            `json:"actor"`
}

// QueueEntry is one pending (or actioned) human-approval item.
type QueueEntry struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflow_id"`
	ConversationID string         `json:"conversation_id"`
	TenantMessage  string         `json:"tenant_message"`
	AIReply        string         `json:"ai_reply"`
	Confidence     float64        `json:"confidence"`
	Status         ApprovalStatus `json:"status"`
	ManagerAction  string         `json:"manager_action,omitempty"`
	FinalReply     string         `json:"final_reply,omitempty"`
	ActionedBy     string         `json:"actioned_by,omitempty"`
	ActionedAt     *time.Time     `json:"actioned_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// AuditRecord is one append-only entry of the approval audit log.
type AuditRecord struct {
	ID            string    `json:"id"`
	QueueEntryID  string    `json:"queue_entry_id"`
	Action        string    `json:"action"`
	OriginalReply string    `json:"original_reply"`
	FinalReply    string    `json:"final_reply"`
	Reason        string    `json:"reason,omitempty"`
	Actor         string    `json:"actor"`
	CreatedAt     time.Time `json:"created_at"`
}

// PlanConfidence grades an extracted payment plan.
type PlanConfidence string

const (
	PlanConfidenceLow    PlanConfidence = "low"
	PlanConfidenceMedium PlanConfidence = "medium"
	PlanConfidenceHigh   PlanConfidence = "high"
)

// PlanSource identifies which text the plan came from.
type PlanSource string

const (
	SourceTenantMessage PlanSource = "tenant_message"
	SourceAIResponse    PlanSource = "ai_response"
)

// ExtractedPaymentPlan is the result of parsing payment terms from free text.
// Level/score coupling: high ⇒ score ≥ 0.85, medium ⇒ 0.6 ≤ score < 0.85.
type ExtractedPaymentPlan struct {
	WeeklyAmount    float64        `json:"weekly_amount,omitempty"` // 2dp
	DurationWeeks   int            `json:"duration_weeks,omitempty"`
	StartDate       *time.Time     `json:"start_date,omitempty"`
	ConfidenceLevel PlanConfidence `json:"confidence_level"`
	ConfidenceScore float64        `json:"confidence_score"`
	Source          PlanSource     `json:"source"`
	PatternsMatched []string       `json:"patterns_matched,omitempty"`
}

// ValidationStatus summarizes a plan validation outcome.
type ValidationStatus string

const (
	ValidationValid        ValidationStatus = "valid"
	ValidationInvalid      ValidationStatus = "invalid"
	ValidationNeedsReview  ValidationStatus = "needs_review"
	ValidationAutoApproved ValidationStatus = "auto_approved"
)

// ValidationReport is the business-rule check result for an extracted plan.
type ValidationReport struct {
	Status           ValidationStatus `json:"status"`
	IsValid          bool             `json:"is_valid"`
	IsAutoApprovable bool             `json:"is_auto_approvable"`
	Errors           []string         `json:"errors,omitempty"`
	Warnings         []string         `json:"warnings,omitempty"`
	Summary          string           `json:"summary"`
}

// TriggerReason classifies why a human should take over.
type TriggerReason string

const (
	ReasonAnger           TriggerReason = "anger"
	ReasonLegalRequest    TriggerReason = "legal_request"
	ReasonComplaint       TriggerReason = "complaint"
	ReasonConfusion       TriggerReason = "confusion"
	ReasonDissatisfaction TriggerReason = "dissatisfaction"
)

// Trigger is one detected escalation signal.
type Trigger struct {
	Reason      TriggerReason `json:"reason"`
	Confidence  float64       `json:"confidence"`
	MatchedText string        `json:"matched_text"`
	PatternKind string        `json:"pattern_kind"` // "regex" or "keyword"
}

// TimeoutState enumerates conversation-timeout entry states.
type TimeoutState string

const (
	TimeoutActive    TimeoutState = "active"
	TimeoutWarning   TimeoutState = "warning"
	TimeoutExpired   TimeoutState = "expired"
	TimeoutEscalated TimeoutState = "escalated"
)

// WorkflowTimeout tracks the 36-hour response deadline of one workflow.
type WorkflowTimeout struct {
	WorkflowID          string        `json:"workflow_id"`
	CustomerPhone       string        `json:"customer_phone"`
	LastAIResponse      time.Time     `json:"last_ai_response"`
	Threshold           time.Duration `json:"threshold"`
	State               TimeoutState  `json:"state"`
	WarningSent         bool          `json:"warning_sent"`
	EscalationTriggered bool          `json:"escalation_triggered"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// EscalationKind distinguishes how an escalation was raised.
type EscalationKind string

const (
	EscalationTriggerBased EscalationKind = "trigger_based"
	EscalationTimeoutBased EscalationKind = "timeout_based"
	EscalationManual       EscalationKind = "manual"
)

// EscalationEvent is immutable after creation.
type EscalationEvent struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	CustomerPhone string         `json:"customer_phone"`
	Kind          EscalationKind `json:"kind"`
	Reason        TriggerReason  `json:"reason"`
	Confidence    float64        `json:"confidence"`
	MatchedText   string         `json:"matched_text,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Status        string         `json:"status"`
}

// TenantContext is the tenant-data service view of one debtor account.
type TenantContext struct {
	TenantID           string  `json:"tenant_id"`
	DebtorName         string  `json:"debtor_name"`
	AmountOwed         float64 `json:"amount_owed"`
	TenantPortion      float64 `json:"tenant_portion"`
	DaysLate           int     `json:"days_late"`
	ReliabilityScore   float64 `json:"reliability_score"`
	FailedPaymentPlans int     `json:"failed_payment_plans"`
	LanguagePreference string  `json:"language_preference"`
}

// ConversationTurn is one prior message in a conversation history.
type ConversationTurn struct {
	Direction string    `json:"direction"` // "inbound" or "outbound"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PlanContext carries optional account data for context-aware plan validation.
type PlanContext struct {
	AverageMonthlyIncome float64 `json:"average_monthly_income,omitempty"`
	TotalBalance         float64 `json:"total_balance,omitempty"`
	ExistingPaymentPlans int     `json:"existing_payment_plans,omitempty"`
	MissedPayments       int     `json:"missed_payments,omitempty"`
}
