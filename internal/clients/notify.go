package clients

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/collectra/orchestrator/internal/core"
)

// DefaultNotifyTimeout is the per-call budget for the notification service.
const DefaultNotifyTimeout = 30 * time.Second

const notifyService = "notification"

// NotificationClient pushes operator-facing notifications.
type NotificationClient struct {
	baseURL string
	channel string
	http    *http.Client
}

// NewNotificationClient creates a client; a zero timeout takes the default.
func NewNotificationClient(baseURL, channel string, timeout time.Duration) *NotificationClient {
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	if channel == "" {
		channel = "ops"
	}
	return &NotificationClient{
		baseURL: baseURL,
		channel: channel,
		http:    &http.Client{Timeout: timeout},
	}
}

type notification struct {
	Channel   string            `json:"channel"`
	Recipient string            `json:"recipient"`
	Content   notifyContent     `json:"content"`
	Priority  string            `json:"priority"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type notifyContent struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (c *NotificationClient) send(ctx context.Context, n notification) error {
	return doJSON(ctx, c.http, notifyService, http.MethodPost, c.baseURL+"/notifications/send", n, nil)
}

// NotifyOperators alerts the operations team about an escalation.
func (c *NotificationClient) NotifyOperators(ctx context.Context, event core.EscalationEvent) error {
	return c.send(ctx, notification{
		Channel:   c.channel,
		Recipient: "operators",
		Content: notifyContent{
			Subject: fmt.Sprintf("Escalation: %s (%s)", event.Reason, event.Kind),
			Body: fmt.Sprintf("Workflow %s for %s escalated (%s, confidence %.2f). Matched: %q",
				event.WorkflowID, event.CustomerPhone, event.Reason, event.Confidence, event.MatchedText),
		},
		Priority: "high",
		Metadata: map[string]string{
			"escalation_id": event.ID,
			"workflow_id":   event.WorkflowID,
			"kind":          string(event.Kind),
		},
	})
}

// NotifyApprovalNeeded tells managers a mid-confidence reply awaits review.
func (c *NotificationClient) NotifyApprovalNeeded(ctx context.Context, entry core.QueueEntry) error {
	return c.send(ctx, notification{
		Channel:   c.channel,
		Recipient: "managers",
		Content: notifyContent{
			Subject: "Reply awaiting approval",
			Body: fmt.Sprintf("Workflow %s: AI reply at confidence %.2f needs review.\nCustomer: %q\nProposed: %q",
				entry.WorkflowID, entry.Confidence, entry.TenantMessage, entry.AIReply),
		},
		Priority: "normal",
		Metadata: map[string]string{
			"queue_id":    entry.ID,
			"workflow_id": entry.WorkflowID,
		},
	})
}

// NotifyWarning emits the lighter heads-up for a conversation nearing its
// response deadline.
func (c *NotificationClient) NotifyWarning(ctx context.Context, entry core.WorkflowTimeout) error {
	return c.send(ctx, notification{
		Channel:   c.channel,
		Recipient: "operators",
		Content: notifyContent{
			Subject: "Conversation approaching timeout",
			Body: fmt.Sprintf("Workflow %s (%s) has had no AI response since %s.",
				entry.WorkflowID, entry.CustomerPhone, entry.LastAIResponse.Format(time.RFC3339)),
		},
		Priority: "normal",
		Metadata: map[string]string{"workflow_id": entry.WorkflowID},
	})
}
