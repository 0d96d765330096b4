// Package fabric — Redis-backed Hub Store for multi-pod subscriber fan-out.
//
// In a multi-pod deployment each pod runs its own Hub instance. Without a
// shared store, subscriber registrations on pod 1 are invisible to pod 2.
// This RedisHubStore backs the subscriber registry and claim index with
// Redis so any pod can discover who is watching a claim.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// RedisClient is a minimal interface that any Redis library (go-redis, redigo)
// can satisfy. The Hub doesn't import a specific driver — code in cmd/api
// creates the concrete client and injects it.
type RedisClient interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Publish(ctx context.Context, channel string, message []byte) error
}

// RedisHubStore persists subscriber registrations in Redis so that all pods
// in a multi-instance deployment share the same claim index.
type RedisHubStore struct {
	client       RedisClient
	keyPrefix    string // e.g. "shield:hub:" to namespace keys
	subscriberTTL time.Duration
}

// NewRedisHubStore creates a new Redis-backed hub store.
func NewRedisHubStore(client RedisClient, keyPrefix string, subscriberTTL time.Duration) *RedisHubStore {
	if keyPrefix == "" {
		keyPrefix = "shield:hub:"
	}
	if subscriberTTL == 0 {
		subscriberTTL = 10 * time.Minute // entries expire this long after they are written
	}
	return &RedisHubStore{
		client:        client,
		keyPrefix:     keyPrefix,
		subscriberTTL: subscriberTTL,
	}
}

// subscriberJSON is the serializable form of Subscriber for Redis storage.
type subscriberJSON struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	ClaimID     string `json:"claim_id"`
	ConnectedAt string `json:"connected_at"`
}

func subscriberToJSON(s *Subscriber) *subscriberJSON {
	return &subscriberJSON{
		ID:          string(s.ID),
		TenantID:    s.TenantID,
		ClaimID:     s.ClaimID,
		ConnectedAt: s.ConnectedAt.Format(time.RFC3339),
	}
}

// SaveSubscriber persists a subscriber registration to Redis.
func (rs *RedisHubStore) SaveSubscriber(ctx context.Context, sub *Subscriber) error {
	data, err := json.Marshal(subscriberToJSON(sub))
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}

	subKey := rs.keyPrefix + "sub:" + string(sub.ID)
	if err := rs.client.Set(ctx, subKey, data, rs.subscriberTTL); err != nil {
		return fmt.Errorf("redis SET subscriber: %w", err)
	}

	claimKey := rs.keyPrefix + "claim:" + sub.ClaimID
	if err := rs.client.SAdd(ctx, claimKey, string(sub.ID)); err != nil {
		return fmt.Errorf("redis SADD claim: %w", err)
	}

	tenantKey := rs.keyPrefix + "tenant:" + sub.TenantID
	if err := rs.client.SAdd(ctx, tenantKey, string(sub.ID)); err != nil {
		slog.Warn("[RedisHubStore] failed to index tenant", "tenant", sub.TenantID, "error", err)
	}

	slog.Info("[RedisHubStore] saved subscriber", "subscriber_id", sub.ID, "claim_id", sub.ClaimID)
	return nil
}

// LoadSubscriber retrieves a subscriber registration from Redis.
func (rs *RedisHubStore) LoadSubscriber(ctx context.Context, id SubscriberID) (*Subscriber, error) {
	subKey := rs.keyPrefix + "sub:" + string(id)
	data, err := rs.client.Get(ctx, subKey)
	if err != nil {
		return nil, fmt.Errorf("redis GET subscriber: %w", err)
	}

	var sj subscriberJSON
	if err := json.Unmarshal(data, &sj); err != nil {
		return nil, fmt.Errorf("unmarshal subscriber: %w", err)
	}

	connectedAt, _ := time.Parse(time.RFC3339, sj.ConnectedAt)
	sub := &Subscriber{
		ID:          SubscriberID(sj.ID),
		TenantID:    sj.TenantID,
		ClaimID:     sj.ClaimID,
		ConnectedAt: connectedAt,
	}
	sub.LastSeen.Store(time.Now())
	return sub, nil
}

// DeleteSubscriber removes a subscriber and its index entries from Redis.
func (rs *RedisHubStore) DeleteSubscriber(ctx context.Context, sub *Subscriber) error {
	subKey := rs.keyPrefix + "sub:" + string(sub.ID)
	claimKey := rs.keyPrefix + "claim:" + sub.ClaimID
	tenantKey := rs.keyPrefix + "tenant:" + sub.TenantID

	_ = rs.client.SRem(ctx, claimKey, string(sub.ID))
	_ = rs.client.SRem(ctx, tenantKey, string(sub.ID))

	return rs.client.Del(ctx, subKey)
}

// GetSubscribersByClaim returns all subscriber IDs watching a given claim.
func (rs *RedisHubStore) GetSubscribersByClaim(ctx context.Context, claimID string) ([]SubscriberID, error) {
	claimKey := rs.keyPrefix + "claim:" + claimID
	members, err := rs.client.SMembers(ctx, claimKey)
	if err != nil {
		return nil, err
	}
	ids := make([]SubscriberID, len(members))
	for i, m := range members {
		ids[i] = SubscriberID(m)
	}
	return ids, nil
}

// GetSubscribersByTenant returns all subscriber IDs for a given tenant.
func (rs *RedisHubStore) GetSubscribersByTenant(ctx context.Context, tenantID string) ([]SubscriberID, error) {
	tenantKey := rs.keyPrefix + "tenant:" + tenantID
	members, err := rs.client.SMembers(ctx, tenantKey)
	if err != nil {
		return nil, err
	}
	ids := make([]SubscriberID, len(members))
	for i, m := range members {
		ids[i] = SubscriberID(m)
	}
	return ids, nil
}
