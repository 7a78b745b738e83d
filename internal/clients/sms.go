package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/collectra/orchestrator/internal/core"
)

// DefaultSMSTimeout is the per-call budget for the SMS gateway.
const DefaultSMSTimeout = 30 * time.Second

const smsService = "sms_gateway"

// SMSClient sends outbound messages and reads conversation history from
// the SMS gateway.
type SMSClient struct {
	baseURL string
	http    *http.Client
}

// NewSMSClient creates a client; a zero timeout takes the default.
func NewSMSClient(baseURL string, timeout time.Duration) *SMSClient {
	if timeout <= 0 {
		timeout = DefaultSMSTimeout
	}
	return &SMSClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// SendResult is the gateway's acknowledgment of one outbound message.
type SendResult struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

type sendRequest struct {
	To             string `json:"to"`
	Body           string `json:"body"`
	ConversationID string `json:"conversation_id"`
}

// Send delivers one outbound SMS.
func (c *SMSClient) Send(ctx context.Context, to, body, conversationID string) (*SendResult, error) {
	if body == "" {
		return nil, core.NewError(core.KindValidation, "message body is empty")
	}
	var out SendResult
	req := sendRequest{To: to, Body: body, ConversationID: conversationID}
	if err := doJSON(ctx, c.http, smsService, http.MethodPost, c.baseURL+"/sms/send", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type conversationResponse struct {
	Messages []core.ConversationTurn `json:"messages"`
}

// Conversation fetches the message history for a phone number, oldest
// first.
func (c *SMSClient) Conversation(ctx context.Context, phone string) ([]core.ConversationTurn, error) {
	var out conversationResponse
	u := fmt.Sprintf("%s/conversations/%s", c.baseURL, url.PathEscape(phone))
	if err := doJSON(ctx, c.http, smsService, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// PauseOutbound stops automated outbound messaging for an escalated
// conversation until a human releases it.
func (c *SMSClient) PauseOutbound(ctx context.Context, workflowID, customerPhone string) error {
	body := map[string]string{
		"workflow_id": workflowID,
		"phone":       customerPhone,
	}
	return doJSON(ctx, c.http, smsService, http.MethodPost, c.baseURL+"/sms/pause", body, nil)
}
