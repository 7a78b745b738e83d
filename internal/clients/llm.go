package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/collectra/orchestrator/internal/core"
)

// DefaultLLMTimeout is the per-call budget for the LLM provider.
const DefaultLLMTimeout = 30 * time.Second

// historyTurns is how many trailing conversation turns go into the prompt.
const historyTurns = 10

const llmService = "llm"

// LLMConfig tunes the completion request.
type LLMConfig struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// DefaultLLMConfig is the production completion tuning.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{Model: "collections-v2", Temperature: 0.7, MaxTokens: 200}
}

// LLMClient calls the completion endpoint of the LLM provider.
type LLMClient struct {
	baseURL string
	apiKey  string
	cfg     LLMConfig
	http    *http.Client
}

// NewLLMClient creates a client; zero timeout and zero-value config take
// defaults.
func NewLLMClient(baseURL, apiKey string, cfg LLMConfig, timeout time.Duration) *LLMClient {
	if timeout <= 0 {
		timeout = DefaultLLMTimeout
	}
	def := DefaultLLMConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = def.Temperature
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	return &LLMClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
	}
}

type completionRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type completionResponse struct {
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	Model      string  `json:"model"`
}

// Generate produces a candidate reply for the new inbound message given the
// tenant context and the trailing conversation history.
func (c *LLMClient) Generate(ctx context.Context, tenant *core.TenantContext, history []core.ConversationTurn, inbound string) (*core.CandidateReply, error) {
	req := completionRequest{
		Model:       c.cfg.Model,
		Messages:    buildPrompt(tenant, history, inbound),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}

	start := time.Now()
	var out completionResponse
	err := c.post(ctx, "/v1/completions", req, &out)
	latency := time.Since(start)
	if err != nil {
		return nil, classifyLLMError(err)
	}

	reply := &core.CandidateReply{
		Content:    out.Content,
		Confidence: out.Confidence,
		Language:   out.Language,
		ModelID:    out.Model,
		LatencyMS:  latency.Milliseconds(),
	}
	if reply.ModelID == "" {
		reply.ModelID = c.cfg.Model
	}
	return reply, nil
}

func (c *LLMClient) post(ctx context.Context, path string, body, out interface{}) error {
	return doJSONWithAuth(ctx, c.http, llmService, c.baseURL+path, c.apiKey, body, out)
}

// buildPrompt assembles the system context and the last turns into a
// chat-style message list. Oldest history first, the new message last.
func buildPrompt(tenant *core.TenantContext, history []core.ConversationTurn, inbound string) []message {
	var sys strings.Builder
	sys.WriteString("You are a payment collections assistant negotiating over SMS. ")
	sys.WriteString("Offer weekly payment plans between $25 and $1000 per week, 12 weeks maximum. ")
	sys.WriteString("When a plan is agreed, restate it on one line as PAYMENT_PLAN: weekly=<amount>, weeks=<n>.")
	if tenant != nil {
		fmt.Fprintf(&sys, " Account: owes $%.2f, %d days late, reliability %.2f, %d failed plans.",
			tenant.AmountOwed, tenant.DaysLate, tenant.ReliabilityScore, tenant.FailedPaymentPlans)
		if tenant.LanguagePreference != "" {
			fmt.Fprintf(&sys, " Respond in %s.", tenant.LanguagePreference)
		}
	}

	msgs := []message{{Role: "system", Content: sys.String()}}

	if len(history) > historyTurns {
		history = history[len(history)-historyTurns:]
	}
	for _, turn := range history {
		role := "assistant"
		if turn.Direction == "inbound" {
			role = "user"
		}
		msgs = append(msgs, message{Role: role, Content: turn.Content})
	}

	return append(msgs, message{Role: "user", Content: inbound})
}

// classifyLLMError refines generic egress errors into the AI-specific kinds.
func classifyLLMError(err error) error {
	var oe *core.Error
	if errors.As(err, &oe) {
		switch {
		case oe.StatusCode == http.StatusTooManyRequests:
			e := core.WrapError(core.KindAIRateLimit, "provider rate limited", err)
			e.Service = llmService
			e.RetryAfter = oe.RetryAfter
			return e
		case oe.StatusCode == http.StatusUnauthorized || oe.StatusCode == http.StatusForbidden:
			e := core.WrapError(core.KindAIAuthentication, "provider rejected credentials", err)
			e.Service = llmService
			return e
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e := core.WrapError(core.KindAITimeout, "completion timed out", err)
		e.Service = llmService
		return e
	}
	return err
}
