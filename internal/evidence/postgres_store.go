package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresBackend persists proof chains in Postgres. Chain tip advancement
// uses an optimistic-concurrency UPDATE guarded by a version column, the
// same CAS shape as internal/ledger/merkle.go's append path, generalized
// from an in-memory slice to a real row so multiple API replicas can write
// to the same domain's chain safely.
//
// Schema (see SPEC_FULL.md §3 [AMBIENT] persistence shapes):
//
//	CREATE TABLE proof_chain_tips (
//	    domain        TEXT PRIMARY KEY,
//	    tip_hash      TEXT NOT NULL,
//	    tip_proof_id  TEXT NOT NULL,
//	    version       BIGINT NOT NULL DEFAULT 0
//	);
//	CREATE TABLE proof_records (
//	    proof_id      TEXT PRIMARY KEY,
//	    domain        TEXT NOT NULL,
//	    claim_id      TEXT NOT NULL,
//	    instance_id   TEXT NOT NULL UNIQUE,
//	    bundle        JSONB NOT NULL,
//	    proof_hash    TEXT NOT NULL,
//	    previous_hash TEXT NOT NULL,
//	    verdict       TEXT NOT NULL,
//	    confidence    DOUBLE PRECISION NOT NULL,
//	    halts         JSONB NOT NULL,
//	    is_halt_proof BOOLEAN NOT NULL,
//	    signature     BYTEA,
//	    created_at    TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX proof_records_domain_created_idx ON proof_records (domain, created_at);
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend wraps an open *sql.DB. Callers own the connection
// lifecycle (spec.md [AMBIENT]: one pool per process, shared across stores).
func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

func (p *PostgresBackend) ReadTip(ctx context.Context, domain string) (string, int64, error) {
	var hash string
	var version int64
	err := p.db.QueryRowContext(ctx,
		`SELECT tip_hash, version FROM proof_chain_tips WHERE domain = $1`, domain,
	).Scan(&hash, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("evidence: read tip: %w", err)
	}
	return hash, version, nil
}

func (p *PostgresBackend) CASAdvanceTip(ctx context.Context, domain string, expectedVersion int64, newHash, proofID string) error {
	if expectedVersion == 0 {
		res, err := p.db.ExecContext(ctx,
			`INSERT INTO proof_chain_tips (domain, tip_hash, tip_proof_id, version)
			 VALUES ($1, $2, $3, 1)
			 ON CONFLICT (domain) DO NOTHING`,
			domain, newHash, proofID)
		if err != nil {
			return fmt.Errorf("evidence: insert tip: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("evidence: insert tip rows affected: %w", err)
		}
		if n == 0 {
			return ErrCASConflict
		}
		return nil
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE proof_chain_tips SET tip_hash = $1, tip_proof_id = $2, version = version + 1
		 WHERE domain = $3 AND version = $4`,
		newHash, proofID, domain, expectedVersion)
	if err != nil {
		return fmt.Errorf("evidence: advance tip: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("evidence: advance tip rows affected: %w", err)
	}
	if n == 0 {
		return ErrCASConflict
	}
	return nil
}

func (p *PostgresBackend) SaveRecord(ctx context.Context, rec *ProofRecord) error {
	bundleJSON, err := json.Marshal(rec.Bundle)
	if err != nil {
		return fmt.Errorf("evidence: marshal bundle: %w", err)
	}
	haltsJSON, err := json.Marshal(rec.Halts)
	if err != nil {
		return fmt.Errorf("evidence: marshal halts: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO proof_records
		 (proof_id, domain, claim_id, instance_id, bundle, proof_hash, previous_hash,
		  verdict, confidence, halts, is_halt_proof, signature, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (instance_id) DO NOTHING`,
		rec.ProofID, rec.Domain, rec.ClaimID, rec.InstanceID, bundleJSON, rec.ProofHash,
		rec.PreviousHash, rec.Verdict, rec.Confidence, haltsJSON, rec.IsHaltProof,
		rec.Signature, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("evidence: insert record: %w", err)
	}
	return nil
}

func (p *PostgresBackend) LoadRecord(ctx context.Context, domain, proofID string) (*ProofRecord, error) {
	return p.scanOne(ctx,
		`SELECT proof_id, domain, claim_id, instance_id, bundle, proof_hash, previous_hash,
		        verdict, confidence, halts, is_halt_proof, signature, created_at
		 FROM proof_records WHERE domain = $1 AND proof_id = $2`, domain, proofID)
}

func (p *PostgresBackend) LoadByInstance(ctx context.Context, domain, instanceID string) (*ProofRecord, error) {
	return p.scanOne(ctx,
		`SELECT proof_id, domain, claim_id, instance_id, bundle, proof_hash, previous_hash,
		        verdict, confidence, halts, is_halt_proof, signature, created_at
		 FROM proof_records WHERE domain = $1 AND instance_id = $2`, domain, instanceID)
}

func (p *PostgresBackend) scanOne(ctx context.Context, query string, args ...interface{}) (*ProofRecord, error) {
	row := p.db.QueryRowContext(ctx, query, args...)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// rowScanner abstracts *sql.Row/*sql.Rows so scanRecord serves both.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*ProofRecord, error) {
	var rec ProofRecord
	var bundleJSON, haltsJSON []byte
	err := row.Scan(&rec.ProofID, &rec.Domain, &rec.ClaimID, &rec.InstanceID, &bundleJSON,
		&rec.ProofHash, &rec.PreviousHash, &rec.Verdict, &rec.Confidence, &haltsJSON,
		&rec.IsHaltProof, &rec.Signature, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(bundleJSON, &rec.Bundle); err != nil {
		return nil, fmt.Errorf("evidence: unmarshal bundle: %w", err)
	}
	if err := json.Unmarshal(haltsJSON, &rec.Halts); err != nil {
		return nil, fmt.Errorf("evidence: unmarshal halts: %w", err)
	}
	return &rec, nil
}

func (p *PostgresBackend) ListChain(ctx context.Context, domain string) ([]*ProofRecord, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT proof_id, domain, claim_id, instance_id, bundle, proof_hash, previous_hash,
		        verdict, confidence, halts, is_halt_proof, signature, created_at
		 FROM proof_records WHERE domain = $1 ORDER BY created_at ASC`, domain)
	if err != nil {
		return nil, fmt.Errorf("evidence: list chain: %w", err)
	}
	defer rows.Close()

	var records []*ProofRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("evidence: scan chain row: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
