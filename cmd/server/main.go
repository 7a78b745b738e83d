package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/collectra/orchestrator/internal/api"
	"github.com/collectra/orchestrator/internal/approval"
	"github.com/collectra/orchestrator/internal/circuitbreaker"
	"github.com/collectra/orchestrator/internal/clients"
	"github.com/collectra/orchestrator/internal/config"
	"github.com/collectra/orchestrator/internal/degradation"
	"github.com/collectra/orchestrator/internal/escalation"
	"github.com/collectra/orchestrator/internal/events"
	"github.com/collectra/orchestrator/internal/metrics"
	"github.com/collectra/orchestrator/internal/middleware"
	"github.com/collectra/orchestrator/internal/orchestrator"
	"github.com/collectra/orchestrator/internal/paymentplan"
	"github.com/collectra/orchestrator/internal/retry"
	"github.com/collectra/orchestrator/internal/storage"
	"github.com/collectra/orchestrator/internal/timeout"
	"github.com/collectra/orchestrator/internal/triggers"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load() // .env is optional; real env always wins

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return err
	}
	slog.Info("configuration loaded",
		"env", cfg.Server.Env,
		"port", cfg.Server.Port,
		"auto_threshold", cfg.Routing.AutoApprovalThreshold,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Persistence.
	store, err := storage.NewPostgres(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	cache, err := storage.NewCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer cache.Close()

	// Events: local fan-out plus the Redis bridge for sibling instances.
	bus := events.NewRedisBus(cache.Client(), cfg.Redis.Channel)

	// Telemetry.
	sink := metrics.NewSink(cfg.Metrics.WindowPoints, cfg.Metrics.HistogramCapacity)
	prom := metrics.NewPromMetrics()

	// Resilience layer.
	breakerDefaults := circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.BreakerTimeout(),
		HalfOpenMaxCalls: cfg.Breaker.HalfOpenMaxCalls,
		OnStateChange: func(service string, from, to circuitbreaker.State) {
			prom.BreakerState.WithLabelValues(service).Set(float64(to))
			bus.Emit(events.TypeBreakerTransition, service, map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		},
	}
	breakers := circuitbreaker.NewManager(breakerDefaults)

	controller := degradation.NewController(
		orchestrator.ServiceTenantData,
		orchestrator.ServiceSMS,
	)
	controller.OnModeChange(func(from, to degradation.Mode) error {
		prom.DegradationMode.Set(float64(to))
		bus.Emit(events.TypeDegradationMode, "controller", map[string]interface{}{
			"from": from.String(),
			"to":   to.String(),
		})
		return nil
	})

	retryPolicy := retry.DefaultPolicy()
	retryPolicy.MaxAttempts = cfg.Retry.MaxAttempts
	retryPolicy.BaseDelay = time.Duration(cfg.Retry.BaseDelaySeconds) * time.Second
	retryPolicy.MaxDelay = time.Duration(cfg.Retry.MaxDelaySeconds) * time.Second

	// Egress clients.
	deps := cfg.Dependencies
	tenantClient := clients.NewTenantClient(deps.TenantData.URL, deps.TenantData.Timeout())
	llmClient := clients.NewLLMClient(deps.LLM.URL, deps.LLM.Token, clients.LLMConfig{}, deps.LLM.Timeout())
	smsClient := clients.NewSMSClient(deps.SMSGateway.URL, deps.SMSGateway.Timeout())
	notifyClient := clients.NewNotificationClient(deps.Notification.URL, "", deps.Notification.Timeout())

	// Degraded-mode fallback: serve the last good tenant context.
	controller.RegisterFallback(orchestrator.ServiceTenantData,
		func(ctx context.Context, operation string, params map[string]interface{}) (interface{}, error) {
			tenantID, _ := params["tenant_id"].(string)
			if tenant, ok := cache.GetTenant(ctx, tenantID); ok {
				return tenant, nil
			}
			return nil, context.Canceled
		})

	// Business components.
	monitor := timeout.NewMonitor(cfg.EscalationTimeout())
	engine := escalation.NewEngine(store, tenantClient, smsClient, notifyClient, monitor, sink)
	engine.SetPromMetrics(prom)
	queue := approval.NewQueue(nil, engine, cfg.ApprovalTimeout())
	queue.SetRecorder(store)

	detector := triggers.NewDetector(triggers.DefaultEscalationThreshold)
	extractor := paymentplan.NewExtractor()
	validator := paymentplan.NewValidatorWith(
		cfg.PaymentPlan.MinWeeklyPayment,
		cfg.PaymentPlan.MaxWeeklyPayment,
		cfg.PaymentPlan.MaxPaymentWeeks,
		nil,
	)

	orch := orchestrator.New(orchestrator.Deps{
		Store:      store,
		Cache:      cache,
		Tenants:    tenantClient,
		History:    smsClient,
		LLM:        llmClient,
		SMS:        smsSender{smsClient},
		Breakers:   breakers,
		Controller: controller,
		Detector:   detector,
		Extractor:  extractor,
		Validator:  validator,
		Queue:      queue,
		Escalator:  engine,
		Monitor:    monitor,
		Sink:       sink,
		Emitter:    bus,
		Notifier:   notifyClient,
		Prom:       prom,
		Thresholds: orchestrator.Thresholds{
			AutoApproval:   cfg.Routing.AutoApprovalThreshold,
			ManualApproval: cfg.Routing.ManualApprovalThreshold,
		},
		Retry: retryPolicy,
	})
	queue.SetSender(orch)

	// Background loops. Start methods spawn their own goroutines.
	monitor.Start(ctx, cfg.MonitorScanInterval(), func(result timeout.CheckResult) {
		engine.HandleTimeouts(ctx, result)
	})
	queue.StartSweepLoop(ctx, time.Hour)
	sink.StartSweepLoop(ctx.Done(), time.Hour, 24*time.Hour)
	go drainLoop(ctx, controller)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				prom.ApprovalQueueDepth.Set(float64(queue.PendingCount()))
				prom.DeferredQueueDepth.Set(float64(controller.DeferredLen()))
			}
		}
	}()

	limiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.RateLimit.MaxCallsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	})

	server := api.NewServer(orch, store, queue, engine, breakers, controller, monitor, sink, bus.Bus, limiter)
	return server.Start(ctx, cfg.Server.Port)
}

// smsSender narrows the SMS client to the pipeline's sender interface; the
// pipeline does not care about provider message ids.
type smsSender struct{ c *clients.SMSClient }

func (s smsSender) Send(ctx context.Context, to, body, conversationID string) error {
	_, err := s.c.Send(ctx, to, body, conversationID)
	return err
}

// drainLoop retries deferred operations whenever the controller leaves the
// deferring modes.
func drainLoop(ctx context.Context, controller *degradation.Controller) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mode := controller.Mode()
			if mode == degradation.ModeOffline || mode == degradation.ModeEmergency {
				continue
			}
			if controller.DeferredLen() == 0 {
				continue
			}
			executed, requeued, dropped := controller.DrainDeferred(ctx)
			slog.Info("deferred queue drained",
				"executed", executed, "requeued", requeued, "dropped", dropped)
		}
	}
}
