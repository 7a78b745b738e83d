package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/collectra/orchestrator/internal/core"
)

func TestTenantClientGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/monitor/tenant/ten-42", r.URL.Path)
		json.NewEncoder(w).Encode(core.TenantContext{
			TenantID:   "ten-42",
			AmountOwed: 1200.50,
			DaysLate:   14,
		})
	}))
	defer srv.Close()

	c := NewTenantClient(srv.URL, 0)
	tenant, err := c.GetTenant(context.Background(), "ten-42")
	require.NoError(t, err)
	assert.Equal(t, "ten-42", tenant.TenantID)
	assert.Equal(t, 1200.50, tenant.AmountOwed)
	assert.Equal(t, 14, tenant.DaysLate)
}

func TestTenantClientMapsStatusCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewTenantClient(srv.URL, 0)
	_, err := c.GetTenant(context.Background(), "missing")
	require.Error(t, err)
	var oe *core.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, core.KindExternalService, oe.Kind)
	assert.Equal(t, http.StatusNotFound, oe.StatusCode)
	assert.Equal(t, "tenant_data", oe.Service)

	_, err = c.GetTenant(context.Background(), "")
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestTenantClientUnreachable(t *testing.T) {
	c := NewTenantClient("http://127.0.0.1:1", time.Second)
	_, err := c.GetTenant(context.Background(), "ten-1")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindExternalService), "network errors are retryable external failures")
}

func TestLLMClientGenerate(t *testing.T) {
	var captured completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(completionResponse{
			Content:    "I can set up $100 per week for 8 weeks.",
			Confidence: 0.91,
			Language:   "en",
			Model:      "collections-v2",
		})
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "sk-test", LLMConfig{}, 0)
	history := make([]core.ConversationTurn, 0, 15)
	for i := 0; i < 15; i++ {
		history = append(history, core.ConversationTurn{Direction: "inbound", Content: "older"})
	}
	tenant := &core.TenantContext{AmountOwed: 800, DaysLate: 30}

	reply, err := c.Generate(context.Background(), tenant, history, "can I do a payment plan?")
	require.NoError(t, err)
	assert.Equal(t, 0.91, reply.Confidence)
	assert.Equal(t, "collections-v2", reply.ModelID)
	assert.GreaterOrEqual(t, reply.LatencyMS, int64(0))

	// Prompt shape: system + last 10 turns + the new message.
	require.Len(t, captured.Messages, 12)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Contains(t, captured.Messages[0].Content, "$800.00")
	assert.Equal(t, "can I do a payment plan?", captured.Messages[11].Content)
	assert.Equal(t, 0.7, captured.Temperature)
	assert.Equal(t, 200, captured.MaxTokens)
}

func TestLLMClientErrorKinds(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "30")
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "sk-test", LLMConfig{}, 0)

	_, err := c.Generate(context.Background(), nil, nil, "hi")
	require.Error(t, err)
	var oe *core.Error
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, core.KindAIRateLimit, oe.Kind)
	assert.Equal(t, 30*time.Second, oe.RetryAfter)

	status = http.StatusUnauthorized
	_, err = c.Generate(context.Background(), nil, nil, "hi")
	assert.True(t, core.IsKind(err, core.KindAIAuthentication))

	status = http.StatusInternalServerError
	_, err = c.Generate(context.Background(), nil, nil, "hi")
	assert.True(t, core.IsKind(err, core.KindExternalService))
}

func TestLLMClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewLLMClient(srv.URL, "sk-test", LLMConfig{}, 20*time.Millisecond)
	_, err := c.Generate(context.Background(), nil, nil, "hi")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindAITimeout))
}

func TestSMSClientSendAndConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sms/send":
			var req sendRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "+15551234567", req.To)
			assert.Equal(t, "conv-1", req.ConversationID)
			json.NewEncoder(w).Encode(SendResult{MessageID: "msg-9", Status: "queued"})
		case "/conversations/+15551234567":
			json.NewEncoder(w).Encode(conversationResponse{Messages: []core.ConversationTurn{
				{Direction: "inbound", Content: "hello"},
				{Direction: "outbound", Content: "hi there"},
			}})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewSMSClient(srv.URL, 0)
	res, err := c.Send(context.Background(), "+15551234567", "your plan is confirmed", "conv-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-9", res.MessageID)

	turns, err := c.Conversation(context.Background(), "+15551234567")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "inbound", turns[0].Direction)

	_, err = c.Send(context.Background(), "+15551234567", "", "conv-1")
	assert.True(t, core.IsKind(err, core.KindValidation))
}

func TestSMSClientPauseOutbound(t *testing.T) {
	var paused map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sms/pause", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&paused)
	}))
	defer srv.Close()

	c := NewSMSClient(srv.URL, 0)
	require.NoError(t, c.PauseOutbound(context.Background(), "wf-1", "+15551234567"))
	assert.Equal(t, "wf-1", paused["workflow_id"])
	assert.Equal(t, "+15551234567", paused["phone"])
}

func TestNotificationClient(t *testing.T) {
	var got notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/notifications/send", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := NewNotificationClient(srv.URL, "ops", 0)
	event := core.EscalationEvent{
		ID:            "esc-1",
		WorkflowID:    "wf-1",
		CustomerPhone: "+15551234567",
		Kind:          core.EscalationTriggerBased,
		Reason:        core.ReasonLegalRequest,
		Confidence:    0.85,
		MatchedText:   "my attorney",
	}
	require.NoError(t, c.NotifyOperators(context.Background(), event))
	assert.Equal(t, "ops", got.Channel)
	assert.Equal(t, "high", got.Priority)
	assert.Contains(t, got.Content.Subject, "legal_request")
	assert.Equal(t, "wf-1", got.Metadata["workflow_id"])

	require.NoError(t, c.NotifyWarning(context.Background(), core.WorkflowTimeout{WorkflowID: "wf-2"}))
	assert.Equal(t, "normal", got.Priority)
}
