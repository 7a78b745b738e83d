package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/collectra/orchestrator/internal/core"
)

// Cache TTLs. Tenant context changes slowly; conversation history is only a
// degradation fallback and may be slightly stale.
const (
	tenantTTL       = 15 * time.Minute
	conversationTTL = 5 * time.Minute
)

// Cache is the Redis layer backing degraded-mode fallbacks: the last good
// tenant context and conversation history survive a dependency outage.
type Cache struct {
	rdb *redis.Client
}

// NewCache connects to Redis and verifies connectivity.
func NewCache(addr, password string, db int) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &Cache{rdb: rdb}, nil
}

// Close shuts down the Redis client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Client exposes the underlying connection so the event bus can share it.
func (c *Cache) Client() *redis.Client {
	return c.rdb
}

func tenantKey(tenantID string) string { return "tenant:" + tenantID }
func convKey(phone string) string      { return "conv:" + phone }

// PutTenant caches the last good tenant context.
func (c *Cache) PutTenant(ctx context.Context, tenant *core.TenantContext) error {
	payload, err := json.Marshal(tenant)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, tenantKey(tenant.TenantID), payload, tenantTTL).Err()
}

// GetTenant returns the cached context, or false on a miss.
func (c *Cache) GetTenant(ctx context.Context, tenantID string) (*core.TenantContext, bool) {
	payload, err := c.rdb.Get(ctx, tenantKey(tenantID)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Warn("tenant cache read failed", "tenant_id", tenantID, "error", err)
		return nil, false
	}
	var tenant core.TenantContext
	if err := json.Unmarshal(payload, &tenant); err != nil {
		return nil, false
	}
	return &tenant, true
}

// PutConversation caches the last fetched history for a phone number.
func (c *Cache) PutConversation(ctx context.Context, phone string, turns []core.ConversationTurn) error {
	payload, err := json.Marshal(turns)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, convKey(phone), payload, conversationTTL).Err()
}

// GetConversation returns the cached history, or false on a miss.
func (c *Cache) GetConversation(ctx context.Context, phone string) ([]core.ConversationTurn, bool) {
	payload, err := c.rdb.Get(ctx, convKey(phone)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Warn("conversation cache read failed", "phone", phone, "error", err)
		return nil, false
	}
	var turns []core.ConversationTurn
	if err := json.Unmarshal(payload, &turns); err != nil {
		return nil, false
	}
	return turns, true
}

// Invalidate drops cached entries for a tenant and phone pair.
func (c *Cache) Invalidate(ctx context.Context, tenantID, phone string) error {
	return c.rdb.Del(ctx, tenantKey(tenantID), convKey(phone)).Err()
}
