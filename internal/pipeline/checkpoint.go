// Checkpoint persistence for Pipeline Instances.
//
// Grounded on internal/evidence/postgres_store.go's CAS-guarded UPDATE
// shape, repurposed from chain-tip advancement to stage-order enforcement:
// a checkpoint write only succeeds when it names the stage immediately
// after the instance's currently recorded stage, so a crash-and-resume
// can never replay a stage twice or skip one (spec.md §4.2).
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// CheckpointStore persists Pipeline Instances and their per-stage outputs.
type CheckpointStore interface {
	CreateInstance(ctx context.Context, inst *Instance) error
	LoadInstance(ctx context.Context, instanceID string) (*Instance, error)
	SaveCheckpoint(ctx context.Context, instanceID string, stage StageName, output map[string]interface{}) error
	UpdateStatus(ctx context.Context, instanceID string, status Status, hitlTicketID string) error
	LoadInstanceByTicket(ctx context.Context, ticketID string) (*Instance, error)
	LoadInstanceByClaimID(ctx context.Context, claimID string) (*Instance, error)
}

// PostgresCheckpointStore is the durable CheckpointStore backing production
// deployments.
//
// Schema (SPEC_FULL.md §3 [AMBIENT]):
//
//	CREATE TABLE pipeline_instances (
//	    instance_id    TEXT PRIMARY KEY,
//	    claim_id       TEXT NOT NULL,
//	    domain         TEXT NOT NULL,
//	    priority       TEXT NOT NULL,
//	    claim_text     TEXT NOT NULL,
//	    evidence       JSONB NOT NULL,
//	    status         TEXT NOT NULL,
//	    current_stage  TEXT NOT NULL,
//	    hitl_ticket_id TEXT NOT NULL DEFAULT '',
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    updated_at     TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE stage_log (
//	    instance_id  TEXT NOT NULL REFERENCES pipeline_instances(instance_id),
//	    stage        TEXT NOT NULL,
//	    output       JSONB NOT NULL,
//	    completed_at TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (instance_id, stage)
//	);
type PostgresCheckpointStore struct {
	db *sql.DB
}

// NewPostgresCheckpointStore wraps an open *sql.DB.
func NewPostgresCheckpointStore(db *sql.DB) *PostgresCheckpointStore {
	return &PostgresCheckpointStore{db: db}
}

func (p *PostgresCheckpointStore) CreateInstance(ctx context.Context, inst *Instance) error {
	evidence, err := json.Marshal(inst.Evidence)
	if err != nil {
		return fmt.Errorf("pipeline: marshal evidence: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO pipeline_instances
		 (instance_id, claim_id, domain, priority, claim_text, evidence, status, current_stage, hitl_ticket_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		inst.InstanceID, inst.ClaimID, inst.Domain, string(inst.Priority), inst.ClaimText, evidence,
		string(inst.Status), string(inst.CurrentStage), inst.HITLTicketID, inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pipeline: create instance %s: %w", inst.InstanceID, err)
	}
	return nil
}

func (p *PostgresCheckpointStore) LoadInstance(ctx context.Context, instanceID string) (*Instance, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT instance_id, claim_id, domain, priority, claim_text, evidence, status, current_stage, hitl_ticket_id, created_at, updated_at
		 FROM pipeline_instances WHERE instance_id = $1`, instanceID)

	var inst Instance
	var priority, status, stage string
	var evidence []byte
	if err := row.Scan(&inst.InstanceID, &inst.ClaimID, &inst.Domain, &priority, &inst.ClaimText, &evidence,
		&status, &stage, &inst.HITLTicketID, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pipeline: load instance %s: %w", instanceID, err)
	}
	inst.Priority = Priority(priority)
	inst.Status = Status(status)
	inst.CurrentStage = StageName(stage)
	if err := json.Unmarshal(evidence, &inst.Evidence); err != nil {
		return nil, fmt.Errorf("pipeline: unmarshal evidence for %s: %w", instanceID, err)
	}

	inst.Checkpoints = make(map[StageName]map[string]interface{})
	rows, err := p.db.QueryContext(ctx, `SELECT stage, output FROM stage_log WHERE instance_id = $1`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load checkpoints for %s: %w", instanceID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var stageName string
		var raw []byte
		if err := rows.Scan(&stageName, &raw); err != nil {
			return nil, fmt.Errorf("pipeline: scan checkpoint for %s: %w", instanceID, err)
		}
		var output map[string]interface{}
		if err := json.Unmarshal(raw, &output); err != nil {
			return nil, fmt.Errorf("pipeline: unmarshal checkpoint for %s: %w", instanceID, err)
		}
		inst.Checkpoints[StageName(stageName)] = output
	}
	return &inst, rows.Err()
}

// SaveCheckpoint records a stage's output and advances current_stage. The
// UPDATE only succeeds when the instance's current_stage still matches the
// stage that precedes the one being saved, enforcing "never runs twice /
// never moves backward" (spec.md §4.2) even under concurrent recovery
// attempts racing the same instance.
func (p *PostgresCheckpointStore) SaveCheckpoint(ctx context.Context, instanceID string, stage StageName, output map[string]interface{}) error {
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("pipeline: marshal checkpoint output: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pipeline: begin checkpoint tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stage_log (instance_id, stage, output, completed_at) VALUES ($1,$2,$3,$4)
		 ON CONFLICT (instance_id, stage) DO NOTHING`,
		instanceID, string(stage), raw, time.Now()); err != nil {
		return fmt.Errorf("pipeline: insert stage_log: %w", err)
	}

	idx := stageIndex(stage)
	var expectedPrev StageName
	if idx > 0 {
		expectedPrev = StageOrder[idx-1]
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE pipeline_instances SET current_stage = $1, updated_at = $2
		 WHERE instance_id = $3 AND (current_stage = $4 OR current_stage = $1)`,
		string(stage), time.Now(), instanceID, string(expectedPrev))
	if err != nil {
		return fmt.Errorf("pipeline: advance current_stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("pipeline: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: instance %s stage %s", ErrStageOutOfOrder, instanceID, stage)
	}

	return tx.Commit()
}

func (p *PostgresCheckpointStore) UpdateStatus(ctx context.Context, instanceID string, status Status, hitlTicketID string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE pipeline_instances SET status = $1, hitl_ticket_id = $2, updated_at = $3 WHERE instance_id = $4`,
		string(status), hitlTicketID, time.Now(), instanceID)
	if err != nil {
		return fmt.Errorf("pipeline: update status for %s: %w", instanceID, err)
	}
	return nil
}

// LoadInstanceByTicket finds the suspended instance holding a given HITL
// ticket, so ResumeFromHITL can resolve a ticket back to its Instance
// without the orchestrator having kept anything in memory while suspended.
func (p *PostgresCheckpointStore) LoadInstanceByTicket(ctx context.Context, ticketID string) (*Instance, error) {
	row := p.db.QueryRowContext(ctx, `SELECT instance_id FROM pipeline_instances WHERE hitl_ticket_id = $1`, ticketID)
	var instanceID string
	if err := row.Scan(&instanceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pipeline: load instance by ticket %s: %w", ticketID, err)
	}
	return p.LoadInstance(ctx, instanceID)
}

// LoadInstanceByClaimID finds an instance by the caller-supplied claim ID,
// used by the API surface's GET /v1/claims/{id} and
// approve/reject/proof routes, which are all addressed by claim ID rather
// than the orchestrator's internal instance ID. Ties (a claim resubmitted
// after a prior run) resolve to the most recently created instance.
func (p *PostgresCheckpointStore) LoadInstanceByClaimID(ctx context.Context, claimID string) (*Instance, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT instance_id FROM pipeline_instances WHERE claim_id = $1 ORDER BY created_at DESC LIMIT 1`, claimID)
	var instanceID string
	if err := row.Scan(&instanceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pipeline: load instance by claim %s: %w", claimID, err)
	}
	return p.LoadInstance(ctx, instanceID)
}

// MemoryCheckpointStore is an in-memory CheckpointStore for tests and local
// development.
type MemoryCheckpointStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{instances: make(map[string]*Instance)}
}

func (m *MemoryCheckpointStore) CreateInstance(ctx context.Context, inst *Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *inst
	clone.Checkpoints = make(map[StageName]map[string]interface{})
	m.instances[inst.InstanceID] = &clone
	return nil
}

func (m *MemoryCheckpointStore) LoadInstance(ctx context.Context, instanceID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *inst
	clone.Checkpoints = make(map[StageName]map[string]interface{}, len(inst.Checkpoints))
	for k, v := range inst.Checkpoints {
		clone.Checkpoints[k] = v
	}
	return &clone, nil
}

func (m *MemoryCheckpointStore) SaveCheckpoint(ctx context.Context, instanceID string, stage StageName, output map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return ErrNotFound
	}
	idx := stageIndex(stage)
	var expectedPrev StageName
	if idx > 0 {
		expectedPrev = StageOrder[idx-1]
	}
	if inst.CurrentStage != expectedPrev && inst.CurrentStage != stage {
		return fmt.Errorf("%w: instance %s stage %s", ErrStageOutOfOrder, instanceID, stage)
	}
	inst.Checkpoints[stage] = output
	inst.CurrentStage = stage
	inst.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryCheckpointStore) UpdateStatus(ctx context.Context, instanceID string, status Status, hitlTicketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[instanceID]
	if !ok {
		return ErrNotFound
	}
	inst.Status = status
	inst.HITLTicketID = hitlTicketID
	inst.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryCheckpointStore) LoadInstanceByTicket(ctx context.Context, ticketID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inst := range m.instances {
		if inst.HITLTicketID == ticketID {
			clone := *inst
			clone.Checkpoints = make(map[StageName]map[string]interface{}, len(inst.Checkpoints))
			for k, v := range inst.Checkpoints {
				clone.Checkpoints[k] = v
			}
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryCheckpointStore) LoadInstanceByClaimID(ctx context.Context, claimID string) (*Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *Instance
	for _, inst := range m.instances {
		if inst.ClaimID != claimID {
			continue
		}
		if latest == nil || inst.CreatedAt.After(latest.CreatedAt) {
			latest = inst
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	clone := *latest
	clone.Checkpoints = make(map[StageName]map[string]interface{}, len(latest.Checkpoints))
	for k, v := range latest.Checkpoints {
		clone.Checkpoints[k] = v
	}
	return &clone, nil
}
