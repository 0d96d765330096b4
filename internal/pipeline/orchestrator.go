// Orchestrator drives a Pipeline Instance through the fixed stage sequence.
//
// Grounded on the teacher's per-resource-mutex discipline
// (internal/escrow/gate.go, internal/governance/task_gate.go): the
// Orchestrator itself holds no instance state in memory between calls —
// every stage transition round-trips through the CheckpointStore, so a
// crash between any two stages resumes exactly where it left off with no
// replayed side effects (spec.md §4.2's idempotence contract).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shield/verify/internal/audit"
	"github.com/shield/verify/internal/evidence"
)

// Orchestrator drives Pipeline Instances through Sanitize -> Embed ->
// Search -> Verify -> Detect -> (HITL) -> Sign.
type Orchestrator struct {
	store  CheckpointStore
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New wires a CheckpointStore and Deps into an Orchestrator.
func New(store CheckpointStore, deps Deps, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:   store,
		deps:    deps,
		logger:  logger,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit creates a new Pipeline Instance and starts driving it in the
// background, returning immediately with the created instance (spec.md
// §4.2's "Parallel threads across independent claims" scheduling model —
// the HTTP layer does not block a request thread for the whole run).
func (o *Orchestrator) Submit(ctx context.Context, claimID, domain string, priority Priority, claimText string, claimEvidence []string) (*Instance, error) {
	now := time.Now()
	inst := &Instance{
		InstanceID:   uuid.NewString(),
		ClaimID:      claimID,
		Domain:       domain,
		Priority:     priority,
		ClaimText:    claimText,
		Evidence:     claimEvidence,
		Status:       StatusRunning,
		CurrentStage: "",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.store.CreateInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("pipeline: submit %s: %w", claimID, err)
	}

	o.recordAudit(context.Background(), audit.EventClaimOpened, claimID, domain, map[string]interface{}{"instance_id": inst.InstanceID})
	o.emitEvent("claim.submitted", claimID, map[string]interface{}{"instance_id": inst.InstanceID, "domain": domain})

	runCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancels[inst.InstanceID] = cancel
	o.mu.Unlock()

	go o.run(runCtx, inst.InstanceID, now)

	return inst, nil
}

// Cancel marks an instance cancelled and stops it at its next retry
// boundary (spec.md §4.2 Cancellation: "the currently running stage
// completes or is aborted at its next retry boundary").
func (o *Orchestrator) Cancel(ctx context.Context, instanceID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[instanceID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return o.store.UpdateStatus(ctx, instanceID, StatusCancelled, "")
}

// Get returns the current instance state.
func (o *Orchestrator) Get(ctx context.Context, instanceID string) (*Instance, error) {
	return o.store.LoadInstance(ctx, instanceID)
}

// GetByClaimID returns the current instance state for the most recent run
// of a claim, the lookup the API surface uses since its routes are
// addressed by claim ID.
func (o *Orchestrator) GetByClaimID(ctx context.Context, claimID string) (*Instance, error) {
	return o.store.LoadInstanceByClaimID(ctx, claimID)
}

// run drives an instance from its current checkpoint through Detect, then
// either opens a HITL ticket (and returns, holding nothing) or signs
// directly via the auto-approval bypass.
func (o *Orchestrator) run(ctx context.Context, instanceID string, startedAt time.Time) {
	inst, err := o.store.LoadInstance(ctx, instanceID)
	if err != nil {
		o.logger.Error("pipeline: failed to load instance for run", "instance_id", instanceID, "error", err)
		return
	}
	defer o.clearCancel(instanceID)

	for _, stage := range []StageName{StageSanitize, StageEmbed, StageSearch, StageVerify, StageDetect} {
		if ctx.Err() != nil {
			return
		}
		if _, done := inst.checkpointed(stage); done {
			continue
		}

		if err := o.runStage(ctx, inst, stage); err != nil {
			o.failInstance(ctx, inst, stage, err)
			return
		}

		// Reload so downstream stages see their own freshly-saved checkpoint.
		inst, err = o.store.LoadInstance(ctx, instanceID)
		if err != nil {
			o.logger.Error("pipeline: failed to reload instance after stage", "instance_id", instanceID, "stage", stage, "error", err)
			return
		}
	}

	if ctx.Err() != nil {
		return
	}

	detectOut := inst.Checkpoints[StageDetect]
	if needsHITL(inst, detectOut) {
		o.suspendForReview(ctx, inst, detectOut)
		return
	}

	o.finishWithSign(ctx, inst, autoApprove, startedAt)
}

// runStage executes one stage under its retry policy and persists its
// checkpoint atomically with a durable stage-complete audit event.
func (o *Orchestrator) runStage(ctx context.Context, inst *Instance, stage StageName) error {
	o.recordAudit(ctx, audit.EventStageStarted, inst.ClaimID, inst.Domain, map[string]interface{}{"stage": string(stage), "instance_id": inst.InstanceID})
	o.emitEvent("pipeline.stage.started", inst.ClaimID, map[string]interface{}{"instance_id": inst.InstanceID, "stage": string(stage)})

	var output map[string]interface{}
	runner := stageRunner(stage)

	err := runWithRetry(ctx, stage, o.logger, func(stageCtx context.Context) error {
		out, runErr := runner(stageCtx, inst, o.deps)
		if runErr != nil {
			return runErr
		}
		output = out
		return nil
	})
	if err != nil {
		o.recordAudit(ctx, audit.EventStageFailed, inst.ClaimID, inst.Domain, map[string]interface{}{"stage": string(stage), "error": err.Error()})
		o.emitEvent("pipeline.stage.failed", inst.ClaimID, map[string]interface{}{"instance_id": inst.InstanceID, "stage": string(stage), "error": err.Error()})
		return err
	}

	if err := o.store.SaveCheckpoint(ctx, inst.InstanceID, stage, output); err != nil {
		return fmt.Errorf("pipeline: save checkpoint %s/%s: %w", inst.InstanceID, stage, err)
	}

	// stage-complete is durable-before-success (spec.md §7).
	if err := o.deps.Audit.Record(ctx, audit.Event{
		EventID: uuid.NewString(), ClaimID: inst.ClaimID, Domain: inst.Domain,
		Type: audit.EventStageCompleted, Detail: map[string]interface{}{"stage": string(stage), "instance_id": inst.InstanceID},
	}); err != nil {
		return fmt.Errorf("pipeline: durable audit write for %s/%s: %w", inst.InstanceID, stage, err)
	}
	o.emitEvent("pipeline.stage.completed", inst.ClaimID, map[string]interface{}{"instance_id": inst.InstanceID, "stage": string(stage)})

	if stage == StageVerify {
		if snap, ok := output["variance_halt"].(bool); ok && snap {
			o.recordAudit(ctx, audit.EventVarianceHalt, inst.ClaimID, inst.Domain, output)
		}
		if ch, ok := output["constitutional_halt"].(bool); ok && ch {
			o.recordAudit(ctx, audit.EventConstitutionalHalt, inst.ClaimID, inst.Domain, output)
		}
		o.recordAudit(ctx, audit.EventConsensusReached, inst.ClaimID, inst.Domain, output)
	}

	return nil
}

type stageFunc func(context.Context, *Instance, Deps) (map[string]interface{}, error)

func stageRunner(stage StageName) stageFunc {
	switch stage {
	case StageSanitize:
		return sanitizeStage
	case StageEmbed:
		return embedStage
	case StageSearch:
		return searchStage
	case StageVerify:
		return verifyStage
	case StageDetect:
		return detectStage
	default:
		return func(context.Context, *Instance, Deps) (map[string]interface{}, error) {
			return nil, Terminal(fmt.Errorf("pipeline: no runner for stage %s", stage))
		}
	}
}

func (o *Orchestrator) suspendForReview(ctx context.Context, inst *Instance, detect map[string]interface{}) {
	risk, _ := detect["risk"].(string)
	ticket, err := o.deps.HITL.Open(ctx, inst.ClaimID, inst.Domain, fmt.Sprintf("risk=%s", risk), HITLDefaultTimeout)
	if err != nil {
		o.failInstance(ctx, inst, StageDetect, fmt.Errorf("pipeline: open hitl ticket: %w", err))
		return
	}

	if err := o.store.UpdateStatus(ctx, inst.InstanceID, StatusSuspended, ticket.TicketID); err != nil {
		o.logger.Error("pipeline: failed to persist suspended status", "instance_id", inst.InstanceID, "error", err)
		return
	}

	o.recordAudit(ctx, audit.EventHITLOpened, inst.ClaimID, inst.Domain, map[string]interface{}{"ticket_id": ticket.TicketID, "risk": risk})
	o.emitEvent("pipeline.hitl.opened", inst.ClaimID, map[string]interface{}{"instance_id": inst.InstanceID, "ticket_id": ticket.TicketID})
}

// ResumeFromHITL is called by the reviewer-facing API handler (or the HITL
// expiry callback) once a ticket resolves — never by a goroutine the
// orchestrator itself blocked waiting for the answer. It loads the
// suspended instance by ticket id and transitions straight to Sign,
// recording the decision in the proof bundle (spec.md §4.3).
func (o *Orchestrator) ResumeFromHITL(ctx context.Context, ticketID string, decision ReviewDecision) error {
	inst, err := o.loadByTicket(ctx, ticketID)
	if err != nil {
		return err
	}
	if inst.Status == StatusFailed {
		return ErrAlreadyFailed
	}

	eventType := audit.EventHITLResolved
	if !decision.Approved && decision.ReviewerID == "" {
		eventType = audit.EventHITLExpired
	}
	o.recordAudit(ctx, eventType, inst.ClaimID, inst.Domain, map[string]interface{}{
		"ticket_id": ticketID, "approved": decision.Approved, "reviewer_id": decision.ReviewerID,
	})
	o.emitEvent("pipeline.hitl.resolved", inst.ClaimID, map[string]interface{}{"instance_id": inst.InstanceID, "ticket_id": ticketID, "approved": decision.Approved})

	o.finishWithSign(ctx, inst, decision, inst.CreatedAt)
	return nil
}

func (o *Orchestrator) loadByTicket(ctx context.Context, ticketID string) (*Instance, error) {
	return o.store.LoadInstanceByTicket(ctx, ticketID)
}

func (o *Orchestrator) finishWithSign(ctx context.Context, inst *Instance, review ReviewDecision, startedAt time.Time) {
	var rec *evidence.ProofRecord
	err := runWithRetry(ctx, StageSign, o.logger, func(stageCtx context.Context) error {
		r, signErr := signStage(stageCtx, inst, o.deps, review, startedAt)
		if signErr != nil {
			return signErr
		}
		rec = r
		return nil
	})
	if err != nil {
		o.failInstance(ctx, inst, StageSign, err)
		return
	}

	// proof-signed is a durable audit write (spec.md §7): a failure here
	// fails the instance even though the Evidence Store already has the
	// record. This write sits outside Sign's retry loop and is not retried.
	if err := o.deps.Audit.Record(ctx, audit.Event{
		EventID: uuid.NewString(), ClaimID: inst.ClaimID, Domain: inst.Domain,
		Type: audit.EventProofSigned, Detail: map[string]interface{}{"proof_id": rec.ProofID, "instance_id": inst.InstanceID},
	}); err != nil {
		o.failInstance(ctx, inst, StageSign, fmt.Errorf("pipeline: durable proof-signed audit write: %w", err))
		return
	}

	if err := o.store.UpdateStatus(ctx, inst.InstanceID, StatusCompleted, inst.HITLTicketID); err != nil {
		o.logger.Error("pipeline: failed to persist completed status", "instance_id", inst.InstanceID, "error", err)
	}

	o.emitEvent("pipeline.stage.completed", inst.ClaimID, map[string]interface{}{"instance_id": inst.InstanceID, "stage": string(StageSign)})
	o.emitEvent("claim.completed", inst.ClaimID, map[string]interface{}{"instance_id": inst.InstanceID, "verdict": rec.Verdict, "halt": rec.IsHaltProof})

	o.deps.Cache.PutJSON(ctx, cacheProofKey(inst.ClaimID), rec, 10*time.Minute)
	o.deps.Cache.Invalidate(ctx, cacheSnapshotKey(inst.ClaimID))
}

func (o *Orchestrator) failInstance(ctx context.Context, inst *Instance, stage StageName, cause error) {
	o.logger.Error("pipeline: instance failed", "instance_id", inst.InstanceID, "stage", stage, "error", cause)
	if err := o.store.UpdateStatus(ctx, inst.InstanceID, StatusFailed, inst.HITLTicketID); err != nil {
		o.logger.Error("pipeline: failed to persist failed status", "instance_id", inst.InstanceID, "error", err)
	}
	o.emitEvent("claim.failed", inst.ClaimID, map[string]interface{}{"instance_id": inst.InstanceID, "stage": string(stage), "error": cause.Error()})
}

func (o *Orchestrator) clearCancel(instanceID string) {
	o.mu.Lock()
	delete(o.cancels, instanceID)
	o.mu.Unlock()
}

func (o *Orchestrator) recordAudit(ctx context.Context, typ audit.EventType, claimID, domain string, detail map[string]interface{}) {
	if err := o.deps.Audit.Record(ctx, audit.Event{
		EventID: uuid.NewString(), ClaimID: claimID, Domain: domain, Type: typ, Detail: detail,
	}); err != nil {
		o.logger.Warn("pipeline: audit record failed", "event_type", typ, "claim_id", claimID, "error", err)
	}
}

func (o *Orchestrator) emitEvent(eventType, subject string, data map[string]interface{}) {
	if o.deps.Events == nil {
		return
	}
	o.deps.Events.Emit(eventType, "shield.pipeline", subject, data)
}

func cacheSnapshotKey(claimID string) string { return "snapshot:" + claimID }
func cacheProofKey(claimID string) string    { return "proof:" + claimID }
