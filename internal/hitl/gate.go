package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// waiter holds the in-process channel an AwaitRelease caller blocks on, mirroring
// EscrowGate.HeldItem.done — a buffered channel signalled exactly once.
type waiter struct {
	done chan Decision
}

// Gate is the Human-in-the-Loop Gate. It is the exactly-once delivery point
// between a reviewer's decision (or a timeout) and whoever waits on it: a
// goroutine in AwaitRelease, or the expiry handler set by SetExpiryHandler.
type Gate struct {
	mu        sync.Mutex
	waiters   map[string]*waiter
	store     Store
	scheduler ExpiryScheduler
	onExpire  func(ctx context.Context, ticketID string)
	logger    *slog.Logger
}

// New wires a Store into a Gate with an in-process timer scheduler;
// SetScheduler replaces that scheduler.
func New(store Store, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		waiters: make(map[string]*waiter),
		store:   store,
		logger:  logger,
	}
	g.scheduler = NewTimerScheduler(g.onTimerExpiry)
	return g
}

// SetScheduler overrides the default in-process timer with a durable
// scheduler (e.g. CloudTasksScheduler), to be called once during wiring.
func (g *Gate) SetScheduler(s ExpiryScheduler) { g.scheduler = s }

// SetExpiryHandler registers the callback Expire invokes once a ticket has
// been force-resolved. The orchestrator never blocks on AwaitRelease, so
// this is the only path that resumes a suspended instance on deadline —
// without it a timed-out review would sit in StatusSuspended forever.
// Wired once during startup to Orchestrator.ResumeFromHITL.
func (g *Gate) SetExpiryHandler(f func(ctx context.Context, ticketID string)) { g.onExpire = f }

func (g *Gate) onTimerExpiry(ticketID string) {
	// 30s covers Expire's store write plus, when this is the call that wins
	// the race, the synchronous resume-to-Sign it triggers below.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := g.Expire(ctx, ticketID); err != nil {
		g.logger.Warn("hitl timer expiry failed", "ticket_id", ticketID, "error", err)
	}
}

// Open creates a new review ticket for a claim and schedules its deadline.
// It does not block. A caller may wait with AwaitRelease; the pipeline
// orchestrator does not, and resumes through its own ResumeFromHITL.
func (g *Gate) Open(ctx context.Context, claimID, domain, reason string, timeout time.Duration) (*Ticket, error) {
	t := &Ticket{
		TicketID:  uuid.NewString(),
		ClaimID:   claimID,
		Domain:    domain,
		Reason:    reason,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(timeout),
	}
	if err := g.store.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("hitl: create ticket: %w", err)
	}

	g.mu.Lock()
	g.waiters[t.TicketID] = &waiter{done: make(chan Decision, 1)}
	g.mu.Unlock()

	if err := g.scheduler.ScheduleExpiry(ctx, t.TicketID, t.ExpiresAt); err != nil {
		g.logger.Warn("hitl expiry scheduling failed, ticket still covered by durable deadline check", "ticket_id", t.TicketID, "error", err)
	}

	g.logger.Info("hitl ticket opened", "ticket_id", t.TicketID, "claim_id", claimID, "domain", domain, "reason", reason)
	return t, nil
}

// AwaitRelease blocks until the ticket is resolved, expires, or ctx is
// cancelled. If the in-process waiter is missing — e.g. this process
// restarted after Open ran elsewhere — it falls back to polling the durable
// store, so a crash never strands the pipeline on a ticket nobody will ever
// signal.
func (g *Gate) AwaitRelease(ctx context.Context, ticketID string) (Decision, error) {
	g.mu.Lock()
	w, ok := g.waiters[ticketID]
	g.mu.Unlock()

	if !ok {
		return g.awaitByPolling(ctx, ticketID)
	}

	select {
	case d := <-w.done:
		return d, nil
	case <-ctx.Done():
		return Decision{}, fmt.Errorf("hitl: await release cancelled for %s: %w", ticketID, ctx.Err())
	}
}

func (g *Gate) awaitByPolling(ctx context.Context, ticketID string) (Decision, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		t, err := g.store.Get(ctx, ticketID)
		if err != nil {
			return Decision{}, fmt.Errorf("hitl: poll ticket %s: %w", ticketID, err)
		}
		if t.Status != StatusPending {
			return Decision{Status: t.Status, ResolverID: t.ResolverID, Notes: t.Notes, ResolvedAt: t.ResolvedAt}, nil
		}
		select {
		case <-ticker.C:
			continue
		case <-ctx.Done():
			return Decision{}, fmt.Errorf("hitl: await release cancelled for %s: %w", ticketID, ctx.Err())
		}
	}
}

// Resolve records a reviewer's decision and releases any waiter.
func (g *Gate) Resolve(ctx context.Context, ticketID, resolverID, notes string, approve bool) (*Ticket, error) {
	status := StatusRejected
	if approve {
		status = StatusApproved
	}
	t, err := g.store.Resolve(ctx, ticketID, status, resolverID, notes)
	if err != nil {
		return nil, fmt.Errorf("hitl: resolve ticket %s: %w", ticketID, err)
	}
	g.signal(ticketID, Decision{Status: t.Status, ResolverID: t.ResolverID, Notes: t.Notes, ResolvedAt: t.ResolvedAt})
	g.logger.Info("hitl ticket resolved", "ticket_id", ticketID, "status", t.Status, "resolver_id", resolverID)
	return t, nil
}

// Expire force-resolves an unanswered ticket according to TimeoutDeny
// (spec.md §4.3: an expired review halts the claim, it never silently
// approves it).
func (g *Gate) Expire(ctx context.Context, ticketID string) error {
	t, err := g.store.Resolve(ctx, ticketID, StatusExpired, "", "deadline exceeded")
	if err != nil {
		return fmt.Errorf("hitl: expire ticket %s: %w", ticketID, err)
	}
	g.signal(ticketID, Decision{Status: t.Status, ResolvedAt: t.ResolvedAt})
	g.logger.Warn("hitl ticket expired", "ticket_id", ticketID, "claim_id", t.ClaimID)
	// Resolve is a CAS against status='pending', so a ticket a reviewer already
	// answered comes back with its real status instead of being overwritten.
	// Only fire the resume callback when this call is the one that actually
	// expired it — otherwise ResumeFromHITL would run a second time against
	// an instance the approve/reject path already carried to Sign.
	if g.onExpire != nil && t.Status == StatusExpired {
		g.onExpire(ctx, ticketID)
	}
	return nil
}

func (g *Gate) signal(ticketID string, d Decision) {
	g.mu.Lock()
	w, ok := g.waiters[ticketID]
	if ok {
		delete(g.waiters, ticketID)
	}
	g.mu.Unlock()
	if ok {
		select {
		case w.done <- d:
		default:
		}
	}
}

// RecoverPending re-registers waiters for any ticket the store shows as
// still pending on process startup, so a crash mid-review does not strand
// AwaitRelease callers that get restarted alongside the gate.
func (g *Gate) RecoverPending(ctx context.Context) (int, error) {
	pending, err := g.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("hitl: recover pending: %w", err)
	}
	g.mu.Lock()
	for _, t := range pending {
		if _, exists := g.waiters[t.TicketID]; !exists {
			g.waiters[t.TicketID] = &waiter{done: make(chan Decision, 1)}
		}
	}
	g.mu.Unlock()

	for _, t := range pending {
		if err := g.scheduler.ScheduleExpiry(ctx, t.TicketID, t.ExpiresAt); err != nil {
			g.logger.Warn("hitl expiry re-scheduling failed on recovery", "ticket_id", t.TicketID, "error", err)
		}
	}
	return len(pending), nil
}

// Get returns the current ticket state.
func (g *Gate) Get(ctx context.Context, ticketID string) (*Ticket, error) {
	return g.store.Get(ctx, ticketID)
}
