package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// memStore backs the pipeline and doubles as the escalation event store.
type memStore struct {
	mu           sync.Mutex
	workflows    map[string]*core.Workflow
	escalations  []*core.EscalationEvent
	retries      int
	planAttempts []core.ValidationStatus
}

func newMemStore() *memStore {
	return &memStore{workflows: make(map[string]*core.Workflow)}
}

func (s *memStore) SaveWorkflow(_ context.Context, w *core.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *w
	s.workflows[w.ID] = &cp
	return nil
}

func (s *memStore) UpdateWorkflow(ctx context.Context, w *core.Workflow) error {
	return s.SaveWorkflow(ctx, w)
}

func (s *memStore) GetWorkflow(_ context.Context, id string) (*core.Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, core.Errorf(core.KindWorkflow, "workflow %s not found", id)
	}
	cp := *w
	return &cp, nil
}

func (s *memStore) SaveRetryAttempt(_ context.Context, _, _, _, _ string, _ bool, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	return nil
}

func (s *memStore) SavePaymentPlanAttempt(_ context.Context, _, _ string, _ *core.ExtractedPaymentPlan, status core.ValidationStatus, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.planAttempts = append(s.planAttempts, status)
	return nil
}

func (s *memStore) SaveEscalation(_ context.Context, event *core.EscalationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalations = append(s.escalations, event)
	return nil
}

func (s *memStore) escalationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.escalations)
}

type memCache struct {
	mu      sync.Mutex
	tenants map[string]*core.TenantContext
	convs   map[string][]core.ConversationTurn
}

func newMemCache() *memCache {
	return &memCache{
		tenants: make(map[string]*core.TenantContext),
		convs:   make(map[string][]core.ConversationTurn),
	}
}

func (c *memCache) PutTenant(_ context.Context, t *core.TenantContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tenants[t.TenantID] = t
	return nil
}

func (c *memCache) GetTenant(_ context.Context, id string) (*core.TenantContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tenants[id]
	return t, ok
}

func (c *memCache) PutConversation(_ context.Context, phone string, turns []core.ConversationTurn) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convs[phone] = turns
	return nil
}

func (c *memCache) GetConversation(_ context.Context, phone string) ([]core.ConversationTurn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns, ok := c.convs[phone]
	return turns, ok
}

func (c *memCache) Invalidate(_ context.Context, tenantID, phone string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tenants, tenantID)
	delete(c.convs, phone)
	return nil
}

type fakeTenants struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeTenants) GetTenant(_ context.Context, tenantID string) (*core.TenantContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &core.TenantContext{TenantID: tenantID, AmountOwed: 1200, DaysLate: 30}, nil
}

func (f *fakeTenants) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fakeHistory struct{ err error }

func (f *fakeHistory) Conversation(context.Context, string) ([]core.ConversationTurn, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []core.ConversationTurn{{Direction: "inbound", Content: "hello"}}, nil
}

type fakeLLM struct {
	confidence float64
	content    string
	err        error
}

func (f *fakeLLM) Generate(context.Context, *core.TenantContext, []core.ConversationTurn, string) (*core.CandidateReply, error) {
	if f.err != nil {
		return nil, f.err
	}
	content := f.content
	if content == "" {
		content = "Thanks, we can set that up."
	}
	return &core.CandidateReply{Content: content, Confidence: f.confidence, ModelID: "collections-v2"}, nil
}

type sentMessage struct{ to, body, conversationID string }

type fakeSMS struct {
	mu    sync.Mutex
	sends []sentMessage
	err   error
}

func (f *fakeSMS) Send(_ context.Context, to, body, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, sentMessage{to, body, conversationID})
	return nil
}

func (f *fakeSMS) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

// senderProxy breaks the queue/orchestrator construction cycle in tests.
type senderProxy struct{ target approval.ReplySender }

func (p *senderProxy) SendReply(ctx context.Context, conversationID, body string) error {
	return p.target.SendReply(ctx, conversationID, body)
}

type harness struct {
	o          *Orchestrator
	store      *memStore
	cache      *memCache
	tenants    *fakeTenants
	history    *fakeHistory
	llm        *fakeLLM
	sms        *fakeSMS
	monitor    *timeout.Monitor
	queue      *approval.Queue
	controller *degradation.Controller
	sink       *metrics.Sink
	prom       *metrics.PromMetrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newMemStore()
	cache := newMemCache()
	tenants := &fakeTenants{}
	history := &fakeHistory{}
	llm := &fakeLLM{confidence: 0.95}
	sms := &fakeSMS{}
	monitor := timeout.NewMonitor(timeout.DefaultThreshold)
	sink := metrics.NewSink(1000, 1000)
	prom := metrics.NewPromMetricsOn(prometheus.NewRegistry())
	engine := escalation.NewEngine(store, nil, nil, nil, monitor, sink)
	engine.SetPromMetrics(prom)
	proxy := &senderProxy{}
	queue := approval.NewQueue(proxy, engine, approval.DefaultActionCeiling)

	o := New(Deps{
		Store:      store,
		Cache:      cache,
		Tenants:    tenants,
		History:    history,
		LLM:        llm,
		SMS:        sms,
		Breakers:   circuitbreaker.NewManager(circuitbreaker.DefaultConfig("")),
		Controller: degradation.NewController(ServiceTenantData, ServiceSMS),
		Detector:   triggers.NewDetector(0.8),
		Extractor:  paymentplan.NewExtractor(),
		Validator:  paymentplan.NewValidator(),
		Queue:      queue,
		Escalator:  engine,
		Monitor:    monitor,
		Sink:       sink,
		Emitter:    events.NewBus(),
		Prom:       prom,
		Retry: retry.Policy{
			MaxAttempts:     1,
			BaseDelay:       time.Millisecond,
			MaxDelay:        time.Millisecond,
			ExponentialBase: 2,
		},
	})
	proxy.target = o

	return &harness{
		o: o, store: store, cache: cache, tenants: tenants, history: history,
		llm: llm, sms: sms, monitor: monitor, queue: queue,
		controller: o.controller, sink: sink, prom: prom,
	}
}

func inbound() core.InboundMessage {
	return core.InboundMessage{
		TenantID:       "ten-1",
		PhoneNumber:    "+15551230000",
		Content:        "Sure, that works for me",
		ConversationID: "conv-1",
		Timestamp:      time.Now(),
	}
}

func TestHighConfidenceAutoSends(t *testing.T) {
	h := newHarness(t)
	h.llm.confidence = 0.95

	wf, err := h.o.Process(context.Background(), inbound())
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, wf.Status)
	require.Equal(t, 1, h.sms.count())
	assert.Equal(t, "+15551230000", h.sms.sends[0].to)

	// the conversation is now on the response clock
	_, ok := h.monitor.Get(wf.ID)
	assert.True(t, ok)

	stored, err := h.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
}

func TestMidConfidenceQueuesThenApprovalSends(t *testing.T) {
	h := newHarness(t)
	h.llm.confidence = 0.72

	wf, err := h.o.Process(context.Background(), inbound())
	require.NoError(t, err)
	assert.Equal(t, core.StatusAwaitingApproval, wf.Status)
	assert.Equal(t, 0, h.sms.count(), "nothing goes out before a manager acts")

	pending := h.queue.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, wf.ID, pending[0].WorkflowID)

	entry, err := h.queue.Action(context.Background(), pending[0].ID, core.ManagerAction{
		Type:  core.ActionApprove,
		Actor: "mgr-7",
	})
	require.NoError(t, err)
	assert.Equal(t, core.ApprovalApproved, entry.Status)
	require.Equal(t, 1, h.sms.count())
	assert.Equal(t, "conv-1", h.sms.sends[0].conversationID)

	stored, err := h.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, stored.Status)
	_, ok := h.monitor.Get(wf.ID)
	assert.True(t, ok)
}

func TestApprovalEscalateMarksWorkflow(t *testing.T) {
	h := newHarness(t)
	h.llm.confidence = 0.65

	wf, err := h.o.Process(context.Background(), inbound())
	require.NoError(t, err)
	pending := h.queue.Pending()
	require.Len(t, pending, 1)

	_, err = h.queue.Action(context.Background(), pending[0].ID, core.ManagerAction{
		Type:   core.ActionEscalate,
		Reason: "tone is off",
		Actor:  "mgr-7",
	})
	require.NoError(t, err)

	stored, err := h.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusEscalated, stored.Status)
	assert.Equal(t, 1, h.store.escalationCount())
	assert.Equal(t, 0, h.sms.count())
}

func TestLegalTriggerEscalatesDespiteConfidence(t *testing.T) {
	h := newHarness(t)
	h.llm.confidence = 0.97

	msg := inbound()
	msg.Content = "Stop texting me, I have hired an attorney"
	wf, err := h.o.Process(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, core.StatusEscalated, wf.Status)
	assert.Equal(t, 0, h.sms.count(), "escalation wins over auto-send")
	require.Equal(t, 1, h.store.escalationCount())
	assert.Equal(t, core.ReasonLegalRequest, h.store.escalations[0].Reason)
	assert.Equal(t, core.EscalationTriggerBased, h.store.escalations[0].Kind)

	// the cached context was dropped on takeover so the human sees live data
	_, ok := h.cache.GetTenant(context.Background(), "ten-1")
	assert.False(t, ok)
	_, ok = h.cache.GetConversation(context.Background(), msg.PhoneNumber)
	assert.False(t, ok)
}

func TestLowConfidenceEscalates(t *testing.T) {
	h := newHarness(t)
	h.llm.confidence = 0.40

	wf, err := h.o.Process(context.Background(), inbound())
	require.NoError(t, err)
	assert.Equal(t, core.StatusEscalated, wf.Status)
	require.Equal(t, 1, h.store.escalationCount())
	assert.InDelta(t, 0.60, h.store.escalations[0].Confidence, 1e-9)
	assert.Equal(t, 0, h.sms.count())
}

func TestStructuredPlanMarkerAutoApproves(t *testing.T) {
	h := newHarness(t)
	h.llm.confidence = 0.95
	h.llm.content = "We can do $50 weekly. PAYMENT_PLAN: weekly=50, weeks=8"

	wf, err := h.o.Process(context.Background(), inbound())
	require.NoError(t, err)

	assert.Equal(t, core.StatusPaymentPlanApproved, wf.Status)
	assert.Equal(t, 1, h.sms.count())
	require.Len(t, h.store.planAttempts, 1)
	assert.Equal(t, core.ValidationAutoApproved, h.store.planAttempts[0])

	// the plan override reopened the workflow, so the completion stamp is gone
	assert.Nil(t, wf.CompletedAt)
	stored, err := h.store.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.CompletedAt)
}

func TestCustomerPlanNeedsReviewWhenQueued(t *testing.T) {
	h := newHarness(t)
	h.llm.confidence = 0.70

	msg := inbound()
	msg.Content = "I can pay $50 per week for 8 weeks"
	wf, err := h.o.Process(context.Background(), msg)
	require.NoError(t, err)

	// medium-confidence extraction on a queued workflow flags plan review
	assert.Equal(t, core.StatusPaymentPlanNeedsReview, wf.Status)
	require.Len(t, h.queue.Pending(), 1)
	require.Len(t, h.store.planAttempts, 1)
	assert.Equal(t, core.ValidationNeedsReview, h.store.planAttempts[0])
}

func TestTenantFailureFailsWorkflowThenRetrySucceeds(t *testing.T) {
	h := newHarness(t)
	h.tenants.setErr(core.ExternalServiceError("tenant_data", 500, errors.New("boom")))

	wf, err := h.o.Process(context.Background(), inbound())
	require.Error(t, err)
	assert.Equal(t, core.StatusFailed, wf.Status)
	assert.Contains(t, wf.Error, "tenant context unavailable")

	h.tenants.setErr(nil)
	retried, err := h.o.Retry(context.Background(), wf.ID, "dependency recovered", "mgr-7", false)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, retried.Status)
	assert.Empty(t, retried.Error)
	assert.Equal(t, 1, h.store.retries)
	assert.Equal(t, 1, h.sms.count())
}

func TestRetryRejectedForOpenWorkflowUnlessForced(t *testing.T) {
	h := newHarness(t)
	h.llm.confidence = 0.70

	wf, err := h.o.Process(context.Background(), inbound())
	require.NoError(t, err)
	require.Equal(t, core.StatusAwaitingApproval, wf.Status)

	_, err = h.o.Retry(context.Background(), wf.ID, "impatient", "mgr-7", false)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindWorkflow))

	forced, err := h.o.Retry(context.Background(), wf.ID, "supervisor override", "mgr-7", true)
	require.NoError(t, err)
	assert.NotEqual(t, core.StatusFailed, forced.Status)
	assert.Equal(t, 1, h.store.retries)
}

func TestOpenBreakerFallsBackToCacheAndDefersSend(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// warm the cache with the last good tenant context
	require.NoError(t, h.cache.PutTenant(ctx, &core.TenantContext{
		TenantID: "ten-1", DebtorName: "Jordan Smith", AmountOwed: 1200,
	}))

	// five straight failures open the tenant-data breaker
	h.tenants.setErr(core.ExternalServiceError("tenant_data", 503, errors.New("down")))
	for i := 0; i < 5; i++ {
		msg := inbound()
		msg.ConversationID = fmt.Sprintf("conv-fail-%d", i)
		_, err := h.o.Process(ctx, msg)
		require.Error(t, err)
	}
	require.NotEqual(t, degradation.ModeFull, h.controller.Mode())

	// next message short-circuits on the breaker and serves from cache;
	// the outbound send is deferred, not dropped
	wf, err := h.o.Process(ctx, inbound())
	require.NoError(t, err)
	assert.Equal(t, core.StatusProcessing, wf.Status)
	assert.Equal(t, 0, h.sms.count())
	assert.Equal(t, 1, h.controller.DeferredLen())
	assert.EqualValues(t, 1, h.sink.Counter("fallbacks.tenant_cache"))

	executed, requeued, dropped := h.controller.DrainDeferred(ctx)
	assert.Equal(t, 1, executed)
	assert.Zero(t, requeued)
	assert.Zero(t, dropped)
	assert.Equal(t, 1, h.sms.count())

	stored, err := h.store.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusCompleted, stored.Status)
}

func TestValidationRejectsBadMessages(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name   string
		mutate func(*core.InboundMessage)
	}{
		{"missing tenant", func(m *core.InboundMessage) { m.TenantID = "" }},
		{"missing conversation", func(m *core.InboundMessage) { m.ConversationID = "" }},
		{"empty content", func(m *core.InboundMessage) { m.Content = "" }},
		{"no plus prefix", func(m *core.InboundMessage) { m.PhoneNumber = "15551230000" }},
		{"leading zero", func(m *core.InboundMessage) { m.PhoneNumber = "+05551230000" }},
		{"letters in phone", func(m *core.InboundMessage) { m.PhoneNumber = "+1555abc0000" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := inbound()
			tc.mutate(&msg)
			_, err := h.o.Process(context.Background(), msg)
			require.Error(t, err)
			assert.True(t, core.IsKind(err, core.KindValidation))
		})
	}

	long := inbound()
	for len(long.Content) <= 1600 {
		long.Content += long.Content
	}
	_, err := h.o.Process(context.Background(), long)
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestPrometheusBridgeObservesPipeline(t *testing.T) {
	h := newHarness(t)
	h.llm.confidence = 0.95

	_, err := h.o.Process(context.Background(), inbound())
	require.NoError(t, err)

	assert.EqualValues(t, 1, testutil.ToFloat64(h.prom.MessagesIngested.WithLabelValues("ten-1")))
	assert.EqualValues(t, 1, testutil.ToFloat64(h.prom.RepliesRouted.WithLabelValues("auto_send")))
	assert.EqualValues(t, 1, testutil.ToFloat64(h.prom.WorkflowsTotal.WithLabelValues("completed")))

	// a legal trigger routes to escalate and raises the escalation counter
	msg := inbound()
	msg.ConversationID = "conv-2"
	msg.Content = "You will hear from my attorney"
	_, err = h.o.Process(context.Background(), msg)
	require.NoError(t, err)

	assert.EqualValues(t, 1, testutil.ToFloat64(h.prom.RepliesRouted.WithLabelValues("escalate")))
	assert.EqualValues(t, 1, testutil.ToFloat64(h.prom.WorkflowsTotal.WithLabelValues("escalated")))
	assert.EqualValues(t, 1, testutil.ToFloat64(
		h.prom.EscalationsRaised.WithLabelValues(string(core.EscalationTriggerBased), string(core.ReasonLegalRequest))))

	// structured plan markers count under the validation outcome
	planMsg := inbound()
	planMsg.ConversationID = "conv-3"
	h.llm.content = "We can do $50 weekly. PAYMENT_PLAN: weekly=50, weeks=8"
	_, err = h.o.Process(context.Background(), planMsg)
	require.NoError(t, err)
	assert.EqualValues(t, 1, testutil.ToFloat64(
		h.prom.PaymentPlans.WithLabelValues(string(core.ValidationAutoApproved))))
}

func TestLLMFailureFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.llm.err = core.NewError(core.KindAITimeout, "generation deadline exceeded")

	wf, err := h.o.Process(context.Background(), inbound())
	require.Error(t, err)
	assert.Equal(t, core.StatusFailed, wf.Status)
	assert.True(t, core.IsKind(err, core.KindAITimeout))
	_, ok := h.monitor.Get(wf.ID)
	assert.False(t, ok)
}
