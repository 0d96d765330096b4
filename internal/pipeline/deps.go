package pipeline

import (
	"context"
	"time"

	"github.com/shield/verify/internal/audit"
	"github.com/shield/verify/internal/consensus"
	"github.com/shield/verify/internal/evidence"
	"github.com/shield/verify/internal/hitl"
	"github.com/shield/verify/internal/vectorindex"
)

// VectorIndex is the Search/Embed stages' view of internal/vectorindex.Index.
type VectorIndex interface {
	Upsert(ctx context.Context, e vectorindex.Embedding) error
	TopK(ctx context.Context, domain, selfClaimID string, query []float64, k int) ([]vectorindex.Match, error)
}

// ModelGateway is the Verify stage's view of internal/modelgw.Gateway.
type ModelGateway interface {
	PollAll(ctx context.Context, claimID, claimText string, evidence []string) []consensus.Vote
}

// ConsensusEngine is the Verify stage's view of internal/consensus.Engine.
type ConsensusEngine interface {
	Open(sessionID, domain string) consensus.Snapshot
	SubmitVote(sessionID string, v consensus.Vote) (consensus.Snapshot, error)
	Seal(sessionID string) (consensus.Snapshot, error)
}

// EvidenceStore is the Sign stage's view of internal/evidence.Store.
type EvidenceStore interface {
	WriteProof(ctx context.Context, domain, instanceID string, bundle evidence.ProofBundle, halts evidence.HaltFlags, verdict string, confidence float64) (*evidence.ProofRecord, error)
}

// AuditLedger is the orchestrator's view of internal/audit.Ledger.
type AuditLedger interface {
	Record(ctx context.Context, ev audit.Event) error
}

// Cache is the orchestrator's view of internal/cache.Cache.
type Cache interface {
	PutJSON(ctx context.Context, key string, v interface{}, ttl time.Duration)
	Invalidate(ctx context.Context, key string)
}

// HITLGate is the orchestrator's view of internal/hitl.Gate. The
// orchestrator only ever calls Open — it never blocks on AwaitRelease,
// since holding a goroutine for up to the 7-day review window would
// contradict spec.md §4.3's "orchestrator does not hold resources while
// suspended". Resolution drives the orchestrator back via ResumeFromHITL,
// called by whichever goroutine handles the reviewer's HTTP request or the
// expiry callback — never by a thread the orchestrator itself parked.
type HITLGate interface {
	Open(ctx context.Context, claimID, domain, reason string, timeout time.Duration) (*hitl.Ticket, error)
}

// EventEmitter is the best-effort stage-event fan-out (spec.md §4.2:
// "Stage-start/stage-complete/stage-fail events publish to the Pub/Sub
// audit topic"). Satisfied by internal/events.EventBus and PubSubEventBus.
type EventEmitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Deps bundles every leaf dependency a Stage needs, so stages stay pure
// functions of (ctx, *Instance, Deps) instead of closing over package
// globals (spec.md §9's re-architecture note, made concrete).
type Deps struct {
	VectorIndex  VectorIndex
	ModelGateway ModelGateway
	Consensus    ConsensusEngine
	Evidence     EvidenceStore
	Audit        AuditLedger
	Cache        Cache
	HITL         HITLGate
	Events       EventEmitter
}
