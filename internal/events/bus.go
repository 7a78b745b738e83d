// Package events is the in-process pub/sub bus. Every workflow transition,
// escalation, approval action and mode change is emitted as a CloudEvents
// 1.0 envelope; the live websocket stream and the Redis bridge subscribe.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Source is the CloudEvents source for everything this service emits.
const Source = "/collections/orchestrator"

// Event types emitted by the orchestrator.
const (
	TypeWorkflowStatus    = "collectra.workflow.status"
	TypeReplyRouted       = "collectra.reply.routed"
	TypeEscalationRaised  = "collectra.escalation.raised"
	TypeApprovalQueued    = "collectra.approval.queued"
	TypeApprovalActioned  = "collectra.approval.actioned"
	TypePaymentPlan       = "collectra.paymentplan.detected"
	TypeDegradationMode   = "collectra.degradation.mode"
	TypeTimeoutWarning    = "collectra.timeout.warning"
	TypeBreakerTransition = "collectra.breaker.transition"
)

// EventEmitter is the publishing interface. The in-memory bus and the
// Redis-backed bus both satisfy it.
type EventEmitter interface {
	Emit(eventType, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event.
func NewCloudEvent(eventType, subject string, data map[string]interface{}) *CloudEvent {
	ce := &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      Source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
	if tid, ok := data["tenant_id"].(string); ok {
		ce.TenantID = tid
	}
	return ce
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat returns the event in Server-Sent Events framing.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

// Bus is an in-process pub/sub event bus. Delivery is best-effort: a slow
// subscriber drops events rather than blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // eventType -> channels
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates an in-memory bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		allSubs:     make([]chan *CloudEvent, 0),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel receiving events of the given types; pass no
// types to receive everything.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}

	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers an event to all matching subscribers.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber is behind; drop rather than stall the pipeline.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event.
func (b *Bus) Emit(eventType, subject string, data map[string]interface{}) {
	b.Publish(NewCloudEvent(eventType, subject, data))
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ EventEmitter = (*Bus)(nil)
