package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus wraps the in-memory Bus and additionally publishes every event
// to a Redis channel for cross-instance delivery.
//
// Fan-out strategy:
//   - Redis pub/sub: delivery to sibling instances and external consumers
//   - In-memory: immediate push to live websocket subscribers
type RedisBus struct {
	*Bus // embedded, local subscribers keep working

	rdb     *redis.Client
	channel string
	logger  *log.Logger
}

// NewRedisBus creates a Redis-backed event bus on the given channel.
func NewRedisBus(rdb *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = "collectra:events"
	}
	return &RedisBus{
		Bus:     NewBus(),
		rdb:     rdb,
		channel: channel,
		logger:  log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
	}
}

// Emit creates a CloudEvent, publishes it to Redis, and fans out to local
// subscribers.
func (rb *RedisBus) Emit(eventType, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, subject, data)
	rb.publishToRedis(event)
	rb.Bus.Publish(event)
}

// publishToRedis is non-blocking for the hot path; failures are logged.
func (rb *RedisBus) publishToRedis(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		rb.logger.Printf("failed to marshal event %s: %v", event.ID, err)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rb.rdb.Publish(ctx, rb.channel, payload).Err(); err != nil {
			rb.logger.Printf("redis publish failed: %s: %v", event.ID, err)
		}
	}()
}

// HealthCheck verifies Redis is reachable.
func (rb *RedisBus) HealthCheck(ctx context.Context) error {
	if err := rb.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("event bus redis ping: %w", err)
	}
	return nil
}

// Stats returns basic telemetry about the bus.
func (rb *RedisBus) Stats() map[string]interface{} {
	return map[string]interface{}{
		"backend":           "redis",
		"channel":           rb.channel,
		"local_subscribers": rb.Bus.SubscriberCount(),
	}
}

var _ EventEmitter = (*RedisBus)(nil)
