// Package fabric fans out claim status updates to subscribed dashboard
// connections over WebSocket. Adapted from the teacher's Hub-and-Spoke
// agent message router: spokes become dashboard subscribers, virtual
// addresses become claim IDs, and routing collapses to topic fan-out since
// there is exactly one kind of destination (a subscriber watching a claim).
package fabric

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

func marshalClaimUpdate(update ClaimUpdate) ([]byte, error) {
	return json.Marshal(update)
}

// HubID uniquely identifies a fabric Hub instance (one per pod).
type HubID string

// SubscriberID uniquely identifies a dashboard WebSocket connection.
type SubscriberID string

// ============================================================================
// SUBSCRIBER REGISTRATION
// ============================================================================

// Subscriber is a dashboard connection watching one claim's status, or every
// claim in its tenant when ClaimID is the wildcard "*".
type Subscriber struct {
	ID           SubscriberID
	TenantID     string
	ClaimID      string
	ConnectedAt  time.Time
	LastSeen     atomic.Value // time.Time
	MessageCount atomic.Int64
	BytesSent    atomic.Int64
	BytesRecv    atomic.Int64
}

// Touch atomically updates subscriber stats from the WebSocket read goroutine.
func (s *Subscriber) Touch(bytesRecv int64) {
	s.LastSeen.Store(time.Now())
	s.MessageCount.Add(1)
	s.BytesRecv.Add(bytesRecv)
}

const wildcardClaim = "*"

// ============================================================================
// HUB IMPLEMENTATION
// ============================================================================

// Hub is the fan-out point for claim status updates.
//
// All subscriber registrations and claim indexes are in-memory maps. A
// second Hub instance on another pod has zero awareness of subscribers
// connected to pod 1, so claim updates must also be pushed through the
// Redis-backed event bus for cross-pod delivery (SetFabricEventBus).
type Hub struct {
	ID        HubID
	Region    string
	Namespace string

	mu sync.RWMutex

	// Subscriber registry: SubscriberID -> Subscriber
	subscribers map[SubscriberID]*Subscriber

	// Claim index: claim ID (or "*" for tenant-wide) -> []SubscriberID
	claimIndex map[string][]SubscriberID

	// Tenant index, used to scope wildcard subscriptions
	tenantIndex map[string][]SubscriberID

	// Per-subscriber send functions, registered by HandleWebSocket to push
	// frames over each subscriber's own live connection.
	senders map[SubscriberID]func([]byte)

	metrics *HubMetrics

	// Optional Redis-backed store for cross-pod subscriber persistence
	store *RedisHubStore

	// Optional Redis-backed event bus for cross-pod event distribution
	fabricEventBus *RedisEventBus

	logger *log.Logger
}

// HubMetrics tracks hub performance. All fields are atomic so they can be
// read and incremented without holding Hub.mu.
type HubMetrics struct {
	UpdatesPublished   atomic.Int64
	UpdatesFailed      atomic.Int64
	SubscribersOnline  atomic.Int32
	AvgDeliveryLatency atomic.Int64 // stored as nanoseconds
}

// ClaimUpdate is the payload fanned out to subscribers of a claim.
type ClaimUpdate struct {
	ClaimID   string                 `json:"claim_id"`
	Type      string                 `json:"type"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewHub creates a new fabric Hub.
func NewHub(id HubID, region, namespace string) *Hub {
	return &Hub{
		ID:          id,
		Region:      region,
		Namespace:   namespace,
		subscribers: make(map[SubscriberID]*Subscriber),
		claimIndex:  make(map[string][]SubscriberID),
		tenantIndex: make(map[string][]SubscriberID),
		senders:     make(map[SubscriberID]func([]byte)),
		metrics:     &HubMetrics{},
		logger:      log.New(log.Writer(), fmt.Sprintf("[Hub:%s] ", id), log.LstdFlags),
	}
}

// SetStore injects a Redis-backed store for cross-pod subscriber persistence.
func (h *Hub) SetStore(s *RedisHubStore) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.store = s
}

// SetFabricEventBus injects a Redis-backed event bus for cross-pod claim
// update distribution.
func (h *Hub) SetFabricEventBus(bus *RedisEventBus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fabricEventBus = bus
}

// RegisterSender attaches the push function for a subscriber's live
// connection. Called by HandleWebSocket once the connection is established.
func (h *Hub) RegisterSender(id SubscriberID, fn func([]byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.senders[id] = fn
}

// ============================================================================
// SUBSCRIBER MANAGEMENT
// ============================================================================

// RegisterSubscriber registers a new dashboard connection watching claimID
// (or every claim in tenantID when claimID is "*").
func (h *Hub) RegisterSubscriber(tenantID, claimID string) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.generateSubscriberID(tenantID, claimID)
	sub := &Subscriber{
		ID:          id,
		TenantID:    tenantID,
		ClaimID:     claimID,
		ConnectedAt: time.Now(),
	}
	sub.LastSeen.Store(time.Now())

	h.subscribers[id] = sub
	h.claimIndex[claimID] = append(h.claimIndex[claimID], id)
	h.tenantIndex[tenantID] = append(h.tenantIndex[tenantID], id)
	h.metrics.SubscribersOnline.Add(1)

	if h.store != nil {
		if err := h.store.SaveSubscriber(context.Background(), sub); err != nil {
			h.logger.Printf("failed to persist subscriber %s: %v", id, err)
		}
	}

	h.logger.Printf("registered subscriber %s (tenant=%s, claim=%s)", id, tenantID, claimID)
	return sub, nil
}

// UnregisterSubscriber removes a dashboard connection from the hub.
func (h *Hub) UnregisterSubscriber(id SubscriberID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, exists := h.subscribers[id]
	if !exists {
		return fmt.Errorf("subscriber %s not found", id)
	}

	delete(h.subscribers, id)
	delete(h.senders, id)
	h.claimIndex[sub.ClaimID] = removeSubscriberID(h.claimIndex[sub.ClaimID], id)
	h.tenantIndex[sub.TenantID] = removeSubscriberID(h.tenantIndex[sub.TenantID], id)
	h.metrics.SubscribersOnline.Add(-1)

	if h.store != nil {
		if err := h.store.DeleteSubscriber(context.Background(), sub); err != nil {
			h.logger.Printf("failed to delete persisted subscriber %s: %v", id, err)
		}
	}

	h.logger.Printf("unregistered subscriber %s", id)
	return nil
}

func removeSubscriberID(slice []SubscriberID, id SubscriberID) []SubscriberID {
	for i, v := range slice {
		if v == id {
			return append(slice[:i], slice[i+1:]...)
		}
	}
	return slice
}

// ============================================================================
// CLAIM UPDATE FAN-OUT
// ============================================================================

// PublishClaimUpdate fans a claim status update out to every subscriber
// watching claimID, plus every wildcard subscriber in the claim's tenant.
// If a cross-pod event bus is configured and at least one local subscriber
// matched, the update is also published there as EventClaimStatusChanged.
// No Hub subscribes to that event, so subscribers connected to other pods
// do not receive the update.
func (h *Hub) PublishClaimUpdate(ctx context.Context, tenantID string, update ClaimUpdate) error {
	start := time.Now()
	defer func() {
		h.metrics.UpdatesPublished.Add(1)
		h.metrics.AvgDeliveryLatency.Store(time.Since(start).Nanoseconds())
	}()

	if update.Timestamp.IsZero() {
		update.Timestamp = time.Now()
	}

	h.mu.RLock()
	targets := make([]*Subscriber, 0, 4)
	seen := make(map[SubscriberID]bool)
	for _, id := range h.claimIndex[update.ClaimID] {
		if sub := h.subscribers[id]; sub != nil && !seen[id] {
			targets = append(targets, sub)
			seen[id] = true
		}
	}
	for _, id := range h.tenantIndex[tenantID] {
		if sub := h.subscribers[id]; sub != nil && sub.ClaimID == wildcardClaim && !seen[id] {
			targets = append(targets, sub)
			seen[id] = true
		}
	}
	senders := make(map[SubscriberID]func([]byte), len(targets))
	for _, sub := range targets {
		if fn, ok := h.senders[sub.ID]; ok {
			senders[sub.ID] = fn
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return nil
	}

	payload, err := marshalClaimUpdate(update)
	if err != nil {
		h.metrics.UpdatesFailed.Add(1)
		return fmt.Errorf("marshal claim update: %w", err)
	}

	for _, sub := range targets {
		if fn, ok := senders[sub.ID]; ok {
			fn(payload)
		}
		sub.MessageCount.Add(1)
		sub.BytesSent.Add(int64(len(payload)))
		sub.LastSeen.Store(time.Now())
	}

	if h.fabricEventBus != nil {
		_ = h.fabricEventBus.Publish(ctx, &Event{
			Type:     EventClaimStatusChanged,
			Source:   string(h.ID),
			TenantID: tenantID,
			Payload: map[string]interface{}{
				"claim_id": update.ClaimID,
				"type":     update.Type,
				"detail":   update.Detail,
			},
			Timestamp: update.Timestamp,
		})
	}

	return nil
}

func (h *Hub) generateSubscriberID(tenantID, claimID string) SubscriberID {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", tenantID, claimID, time.Now().UnixNano())))
	return SubscriberID(hex.EncodeToString(hash[:8]))
}

// ============================================================================
// METRICS & STATUS
// ============================================================================

// GetMetrics returns hub metrics.
func (h *Hub) GetMetrics() *HubMetrics {
	return h.metrics
}

// GetSubscribers returns all registered subscribers.
func (h *Hub) GetSubscribers() []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, s := range h.subscribers {
		subs = append(subs, s)
	}
	return subs
}

// GetSubscribersByClaim returns subscribers watching a specific claim ID.
func (h *Hub) GetSubscribersByClaim(claimID string) []*Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := h.claimIndex[claimID]
	subs := make([]*Subscriber, 0, len(ids))
	for _, id := range ids {
		if s := h.subscribers[id]; s != nil {
			subs = append(subs, s)
		}
	}
	return subs
}
