// Package api is the thin HTTP layer: it maps ingress operations onto the
// orchestrator and its collaborators, and serves the live event stream and
// Prometheus exposition.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/collectra/orchestrator/internal/approval"
	"github.com/collectra/orchestrator/internal/circuitbreaker"
	"github.com/collectra/orchestrator/internal/core"
	"github.com/collectra/orchestrator/internal/degradation"
	"github.com/collectra/orchestrator/internal/escalation"
	"github.com/collectra/orchestrator/internal/events"
	"github.com/collectra/orchestrator/internal/metrics"
	"github.com/collectra/orchestrator/internal/middleware"
	"github.com/collectra/orchestrator/internal/timeout"
)

// Pipeline is the orchestrator surface the HTTP layer needs.
type Pipeline interface {
	Process(ctx context.Context, msg core.InboundMessage) (*core.Workflow, error)
	Retry(ctx context.Context, workflowID, reason, requestedBy string, force bool) (*core.Workflow, error)
}

// Reader is the persisted-state surface the read endpoints need.
type Reader interface {
	GetWorkflow(ctx context.Context, id string) (*core.Workflow, error)
	ListEscalations(ctx context.Context, limit int) ([]core.EscalationEvent, error)
}

// Server exposes the orchestrator over REST/JSON.
type Server struct {
	pipeline   Pipeline
	workflows  Reader
	queue      *approval.Queue
	escalator  *escalation.Engine
	breakers   *circuitbreaker.Manager
	controller *degradation.Controller
	monitor    *timeout.Monitor
	sink       *metrics.Sink
	bus        *events.Bus
	stream     *Streamer
	limiter    *middleware.RateLimiter
}

// NewServer wires the HTTP layer. bus may be the local half of a RedisBus.
func NewServer(
	pipeline Pipeline,
	workflows Reader,
	queue *approval.Queue,
	escalator *escalation.Engine,
	breakers *circuitbreaker.Manager,
	controller *degradation.Controller,
	monitor *timeout.Monitor,
	sink *metrics.Sink,
	bus *events.Bus,
	limiter *middleware.RateLimiter,
) *Server {
	return &Server{
		pipeline:   pipeline,
		workflows:  workflows,
		queue:      queue,
		escalator:  escalator,
		breakers:   breakers,
		controller: controller,
		monitor:    monitor,
		sink:       sink,
		bus:        bus,
		stream:     NewStreamer(bus),
		limiter:    limiter,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Correlation)
	if s.limiter != nil {
		r.Use(s.limiter.Middleware)
	}

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/messages", s.handleIngest).Methods(http.MethodPost)
	v1.HandleFunc("/approvals", s.handleListApprovals).Methods(http.MethodGet)
	v1.HandleFunc("/approvals/{id}/action", s.handleApprovalAction).Methods(http.MethodPost)
	v1.HandleFunc("/escalations", s.handleListEscalations).Methods(http.MethodGet)
	v1.HandleFunc("/escalations/manual", s.handleManualEscalation).Methods(http.MethodPost)
	v1.HandleFunc("/workflows/{id}", s.handleGetWorkflow).Methods(http.MethodGet)
	v1.HandleFunc("/workflows/{id}/retry", s.handleRetry).Methods(http.MethodPost)
	v1.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	v1.HandleFunc("/metrics/dashboard", s.handleDashboard).Methods(http.MethodGet)
	v1.HandleFunc("/events/live", s.stream.Handle).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

// Start blocks serving HTTP until the listener fails or ctx is cancelled.
func (s *Server) Start(ctx context.Context, port int) error {
	go s.stream.Run(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// --- Handlers ---

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var msg core.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, core.WrapError(core.KindValidation, "malformed request body", err))
		return
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	wf, err := s.pipeline.Process(r.Context(), msg)
	if err != nil && wf == nil {
		writeError(w, err)
		return
	}
	// a workflow that reached a terminal error state is still 202: the
	// message was accepted and its outcome is inspectable
	writeJSON(w, http.StatusAccepted, wf)
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && status != string(core.ApprovalPending) {
		writeError(w, core.Errorf(core.KindValidation, "unsupported status filter %q", status))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": s.queue.Pending(),
	})
}

func (s *Server) handleApprovalAction(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["id"]
	var action core.ManagerAction
	if err := json.NewDecoder(r.Body).Decode(&action); err != nil {
		writeError(w, core.WrapError(core.KindValidation, "malformed request body", err))
		return
	}

	entry, err := s.queue.Action(r.Context(), queueID, action)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleManualEscalation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkflowID    string `json:"workflow_id"`
		CustomerPhone string `json:"customer_phone"`
		Reason        string `json:"reason"`
		Note          string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.WrapError(core.KindValidation, "malformed request body", err))
		return
	}
	if req.WorkflowID == "" {
		writeError(w, core.NewError(core.KindValidation, "workflow_id is required"))
		return
	}
	reason, ok := parseReason(req.Reason)
	if !ok {
		writeError(w, core.Errorf(core.KindValidation, "unknown escalation reason %q", req.Reason))
		return
	}

	event, err := s.escalator.Manual(r.Context(), req.WorkflowID, req.CustomerPhone, reason, req.Note)
	if err != nil {
		// fan-out is best effort; the event itself was persisted
		slog.Warn("manual escalation fan-out incomplete", "workflow_id", req.WorkflowID, "error", err)
	}
	writeJSON(w, http.StatusAccepted, event)
}

func (s *Server) handleListEscalations(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, core.Errorf(core.KindValidation, "invalid limit %q", raw))
			return
		}
		limit = n
	}
	events, err := s.workflows.ListEscalations(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"escalations": events,
	})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.workflows.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	workflowID := mux.Vars(r)["id"]
	var req struct {
		Reason      string `json:"reason"`
		RequestedBy string `json:"requested_by"`
		Force       bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, core.WrapError(core.KindValidation, "malformed request body", err))
		return
	}

	wf, err := s.pipeline.Retry(r.Context(), workflowID, req.Reason, req.RequestedBy, req.Force)
	if err != nil && wf == nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, wf)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := s.breakers.Statuses()
	mode := s.controller.Mode()

	healthy := true
	breakerView := make(map[string]interface{}, len(statuses))
	for name, st := range statuses {
		if st.State != circuitbreaker.StateClosed {
			healthy = false
		}
		breakerView[name] = map[string]interface{}{
			"state":        st.State.String(),
			"failure_rate": st.Metrics.FailureRate,
			"open_count":   st.Metrics.OpenCount,
		}
	}
	if mode != degradation.ModeFull {
		healthy = false
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"healthy":           healthy,
		"degradation_mode":  mode.String(),
		"breakers":          breakerView,
		"approvals_pending": s.queue.PendingCount(),
		"monitored":         s.monitor.Len(),
		"deferred_ops":      s.controller.DeferredLen(),
	})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sink.Dashboard())
}

// --- Helpers ---

func parseReason(raw string) (core.TriggerReason, bool) {
	switch core.TriggerReason(raw) {
	case core.ReasonAnger, core.ReasonLegalRequest, core.ReasonComplaint,
		core.ReasonConfusion, core.ReasonDissatisfaction:
		return core.TriggerReason(raw), true
	case "":
		return core.ReasonDissatisfaction, true
	}
	return "", false
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encoding failed", "error", err)
	}
}

type errorBody struct {
	ErrorCode  string `json:"error_code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	body := errorBody{ErrorCode: "ORC_500_INTERNAL", Message: err.Error()}

	var oe *core.Error
	if errors.As(err, &oe) {
		body.ErrorCode = oe.Code
		body.Message = oe.Message
		if oe.RetryAfter > 0 {
			body.RetryAfter = int(oe.RetryAfter / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
		}
		code = httpStatusFor(oe.Kind)
	}
	writeJSON(w, code, body)
}

func httpStatusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindBusinessRule:
		return http.StatusUnprocessableEntity
	case core.KindWorkflow:
		return http.StatusConflict
	case core.KindServiceUnavailable, core.KindDegradedService:
		return http.StatusServiceUnavailable
	case core.KindExternalService, core.KindAIAuthentication:
		return http.StatusBadGateway
	case core.KindAITimeout:
		return http.StatusGatewayTimeout
	case core.KindAIRateLimit:
		return http.StatusTooManyRequests
	case core.KindDatabase:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}

