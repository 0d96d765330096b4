// Package audit is the append-only Audit Ledger (spec.md §4.5): every stage
// transition, halt, HITL decision, and proof signature leaves an event here.
//
// Grounded on internal/database/supabase.go's per-entity insert shape
// (typed struct in, raw SQL out) and internal/evidence/vault.go's
// log-on-append discipline, adapted to a raw lib/pq ledger since this table
// has no Supabase-specific requirement.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// EventType enumerates the kinds of events recorded in the ledger.
type EventType string

const (
	EventClaimOpened        EventType = "claim_opened"
	EventStageStarted       EventType = "stage_started"
	EventStageCompleted     EventType = "stage_completed"
	EventStageFailed        EventType = "stage_failed"
	EventVoteRecorded       EventType = "vote_recorded"
	EventConsensusReached   EventType = "consensus_reached"
	EventVarianceHalt       EventType = "variance_halt"
	EventConstitutionalHalt EventType = "constitutional_halt"
	EventHITLOpened         EventType = "hitl_opened"
	EventHITLResolved       EventType = "hitl_resolved"
	EventHITLExpired        EventType = "hitl_expired"
	EventProofSigned        EventType = "proof_signed"
	EventQuotaDenied        EventType = "quota_denied"
)

// durable names the event types that must be written before the caller's
// operation is allowed to report success (spec.md §7: "Audit ledger write
// fails ... stage-complete and proof-signed audit writes are durable
// before the stage reports success; all other audit writes are
// best-effort").
var durable = map[EventType]bool{
	EventStageCompleted: true,
	EventProofSigned:    true,
}

// Event is one row in the ledger.
type Event struct {
	EventID   string
	ClaimID   string
	Domain    string
	Type      EventType
	Detail    map[string]interface{}
	CreatedAt time.Time
}

// Ledger persists Events to Postgres.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// New wraps an open *sql.DB.
//
// Schema (SPEC_FULL.md §3 [AMBIENT]):
//
//	CREATE TABLE audit_events (
//	    event_id   TEXT PRIMARY KEY,
//	    claim_id   TEXT NOT NULL,
//	    domain     TEXT NOT NULL,
//	    event_type TEXT NOT NULL,
//	    detail     JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX audit_events_claim_idx ON audit_events (claim_id, created_at);
func New(db *sql.DB, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: db, logger: logger}
}

// Record writes an event. Durable event types block on the insert and
// return its error; all others are dispatched on a goroutine and only
// logged on failure, mirroring SessionAuditor.LogEvent's non-blocking
// persist for low-stakes telemetry.
func (l *Ledger) Record(ctx context.Context, ev Event) error {
	if durable[ev.Type] {
		return l.insert(ctx, ev)
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.insert(bgCtx, ev); err != nil {
			l.logger.Warn("audit write failed", "event_type", ev.Type, "claim_id", ev.ClaimID, "error", err)
		}
	}()
	return nil
}

func (l *Ledger) insert(ctx context.Context, ev Event) error {
	if l.db == nil {
		// No database configured: the event is dropped, not recorded.
		return nil
	}
	if ev.Detail == nil {
		ev.Detail = map[string]interface{}{}
	}
	detail, err := json.Marshal(ev.Detail)
	if err != nil {
		return err
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO audit_events (event_id, claim_id, domain, event_type, detail, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.EventID, ev.ClaimID, ev.Domain, string(ev.Type), detail, ev.CreatedAt)
	return err
}

// ForClaim range-scans the ledger for a single claim's history, ordered
// causally by created_at.
func (l *Ledger) ForClaim(ctx context.Context, claimID string) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT event_id, claim_id, domain, event_type, detail, created_at
		 FROM audit_events WHERE claim_id = $1 ORDER BY created_at ASC`, claimID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var detail []byte
		var typ string
		if err := rows.Scan(&ev.EventID, &ev.ClaimID, &ev.Domain, &typ, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(typ)
		if err := json.Unmarshal(detail, &ev.Detail); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
