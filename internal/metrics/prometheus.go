package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics holds the Prometheus instruments for the orchestrator. These
// mirror the sink's hot paths onto the default registry for scraping.
type PromMetrics struct {
	// Pipeline metrics
	MessagesIngested *prometheus.CounterVec
	WorkflowsTotal   *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec

	// Routing metrics
	RepliesRouted     *prometheus.CounterVec
	AIConfidence      prometheus.Histogram
	PaymentPlans      *prometheus.CounterVec
	EscalationsRaised *prometheus.CounterVec

	// Approval metrics
	ApprovalQueueDepth prometheus.Gauge
	ManagerActions     *prometheus.CounterVec

	// Resilience metrics
	BreakerState       *prometheus.GaugeVec
	BreakerRejections  *prometheus.CounterVec
	RetryAttempts      *prometheus.CounterVec
	DegradationMode    prometheus.Gauge
	DeferredQueueDepth prometheus.Gauge

	// Egress metrics
	ExternalCallDuration *prometheus.HistogramVec
	ExternalCallErrors   *prometheus.CounterVec
}

// NewPromMetrics creates the instruments on the default registry.
func NewPromMetrics() *PromMetrics {
	return NewPromMetricsOn(prometheus.DefaultRegisterer)
}

// NewPromMetricsOn creates and registers all instruments on reg. Tests use
// a fresh registry to keep instruments isolated.
func NewPromMetricsOn(reg prometheus.Registerer) *PromMetrics {
	factory := promauto.With(reg)
	return &PromMetrics{
		MessagesIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_messages_ingested_total",
				Help: "Inbound customer messages accepted for processing",
			},
			[]string{"tenant_id"},
		),

		WorkflowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_workflows_total",
				Help: "Workflows by terminal status",
			},
			[]string{"status"}, // sent, completed, failed, escalated
		),

		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_pipeline_duration_seconds",
				Help:    "End-to-end duration of one message pipeline run",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		RepliesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_replies_routed_total",
				Help: "Candidate replies by routing decision",
			},
			[]string{"route"}, // auto_send, approval_queue, escalate
		),

		AIConfidence: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "orchestrator_ai_confidence",
				Help:    "Confidence of candidate replies from the LLM",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.85, 0.9, 0.95, 1.0},
			},
		),

		PaymentPlans: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_payment_plans_total",
				Help: "Payment plans by extraction outcome",
			},
			[]string{"status"}, // auto_approved, needs_review, invalid
		),

		EscalationsRaised: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_escalations_total",
				Help: "Escalation events by kind and reason",
			},
			[]string{"kind", "reason"},
		),

		ApprovalQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_approval_queue_depth",
				Help: "Entries currently pending manager action",
			},
		),

		ManagerActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_manager_actions_total",
				Help: "Manager actions on approval entries",
			},
			[]string{"action"}, // approve, modify, escalate, expired
		),

		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orchestrator_breaker_state",
				Help: "Circuit state per dependency (0 closed, 1 half-open, 2 open)",
			},
			[]string{"service"},
		),

		BreakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_breaker_rejections_total",
				Help: "Calls short-circuited by an open breaker",
			},
			[]string{"service"},
		),

		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_retry_attempts_total",
				Help: "Retry attempts per dependency",
			},
			[]string{"service"},
		),

		DegradationMode: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_degradation_mode",
				Help: "Current mode (0 full, 1 partial, 2 read-only, 3 offline, 4 emergency)",
			},
		),

		DeferredQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "orchestrator_deferred_queue_depth",
				Help: "Write operations deferred by the degradation controller",
			},
		),

		ExternalCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_external_call_duration_seconds",
				Help:    "Latency of calls to external dependencies",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),

		ExternalCallErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_external_call_errors_total",
				Help: "Failed calls to external dependencies by error kind",
			},
			[]string{"service", "kind"},
		),
	}
}
