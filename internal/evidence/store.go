package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shield/verify/internal/signing"
)

// ErrCASConflict is returned by a Backend when the tip changed concurrently;
// Store retries it internally up to a bound before surfacing ErrChainBusy.
var ErrCASConflict = errors.New("evidence: tip cas conflict")

// ErrChainBusy surfaces after CAS retries are exhausted (spec.md §7:
// "Evidence-store CAS conflict ... after limit, surfaces as internal error").
var ErrChainBusy = errors.New("evidence: chain tip contention exceeded retry budget")

// ErrNotFound is returned when a proof record or chain does not exist.
var ErrNotFound = errors.New("evidence: not-found")

// Backend is the storage-layer contract a Store drives. It addresses records
// by {domain}/{instance-id}/{proof-id} per spec.md §4.4. A Backend need not
// implement CAS retries itself — Store.WriteProof does — but must report
// ErrCASConflict (not a generic error) when a version check fails, so Store
// can tell "lost the race" from "the database is actually down".
type Backend interface {
	ReadTip(ctx context.Context, domain string) (tipHash string, version int64, err error)
	CASAdvanceTip(ctx context.Context, domain string, expectedVersion int64, newHash, proofID string) error
	SaveRecord(ctx context.Context, rec *ProofRecord) error
	LoadRecord(ctx context.Context, domain, proofID string) (*ProofRecord, error)
	LoadByInstance(ctx context.Context, domain, instanceID string) (*ProofRecord, error)
	ListChain(ctx context.Context, domain string) ([]*ProofRecord, error)
}

// Store is the Evidence Store & Proof Chain (spec.md §4.4).
type Store struct {
	backend    Backend
	signer     *signing.Signer
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

// NewStore wires a Backend and Signer into a Store.
func NewStore(backend Backend, signer *signing.Signer, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend:    backend,
		signer:     signer,
		maxRetries: 5,
		backoff:    20 * time.Millisecond,
		logger:     logger,
	}
}

// WriteProof appends a new Proof Record to the given domain's chain,
// chaining previous_hash to the current tip via CAS (spec.md §4.4). On a CAS
// loss it re-reads the tip and retries, bounded by maxRetries.
//
// Idempotent with respect to instanceID: re-signing an already-completed
// instance returns the existing record instead of appending a duplicate,
// satisfying the "Running Sign twice ... yields ... a single Evidence Store
// record" round-trip law (spec.md §8).
func (s *Store) WriteProof(ctx context.Context, domain, instanceID string, bundle ProofBundle, halts HaltFlags, verdict string, confidence float64) (*ProofRecord, error) {
	if existing, err := s.backend.LoadByInstance(ctx, domain, instanceID); err == nil && existing != nil {
		return existing, nil
	}

	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		tipHash, version, err := s.backend.ReadTip(ctx, domain)
		if err != nil {
			return nil, fmt.Errorf("evidence: read tip: %w", err)
		}
		if tipHash == "" {
			tipHash = GenesisHash
		}

		bundle.PreviousHash = tipHash
		bundle.ProofHash = ""
		proofHash, err := bundle.Hash()
		if err != nil {
			return nil, fmt.Errorf("evidence: hash bundle: %w", err)
		}
		bundle.ProofHash = proofHash

		rec := &ProofRecord{
			ProofID:      uuid.NewString(),
			Domain:       domain,
			ClaimID:      bundle.ClaimID,
			InstanceID:   instanceID,
			Bundle:       bundle,
			ProofHash:    proofHash,
			PreviousHash: tipHash,
			Verdict:      verdict,
			Confidence:   confidence,
			Halts:        halts,
			IsHaltProof:  halts.any() || verdict == "halt",
			CreatedAt:    time.Now(),
		}
		if s.signer != nil {
			rec.Signature = s.signer.Sign(proofHash)
		}

		if err := s.backend.SaveRecord(ctx, rec); err != nil {
			return nil, fmt.Errorf("evidence: save record: %w", err)
		}

		if err := s.backend.CASAdvanceTip(ctx, domain, version, proofHash, rec.ProofID); err != nil {
			if errors.Is(err, ErrCASConflict) {
				lastErr = err
				s.logger.Warn("evidence chain tip CAS lost, retrying", "domain", domain, "attempt", attempt)
				time.Sleep(s.backoff * time.Duration(attempt+1))
				continue
			}
			return nil, fmt.Errorf("evidence: advance tip: %w", err)
		}

		s.logger.Info("proof record written", "domain", domain, "proof_id", rec.ProofID,
			"instance_id", instanceID, "verdict", verdict, "halt", rec.IsHaltProof)
		return rec, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrChainBusy, lastErr)
}

// GetProof loads a proof record by domain + proof id.
func (s *Store) GetProof(ctx context.Context, domain, proofID string) (*ProofRecord, error) {
	return s.backend.LoadRecord(ctx, domain, proofID)
}

// GetProofByInstance loads the proof record written for a pipeline instance,
// if any (spec.md §3 invariant: at most one Proof Record per instance).
func (s *Store) GetProofByInstance(ctx context.Context, domain, instanceID string) (*ProofRecord, error) {
	return s.backend.LoadByInstance(ctx, domain, instanceID)
}

// ValidateChain walks a domain's chain and verifies every hash link
// (spec.md §8 invariant 4: causal order implies previous_hash linkage).
func (s *Store) ValidateChain(ctx context.Context, domain string) (bool, int, error) {
	records, err := s.backend.ListChain(ctx, domain)
	if err != nil {
		return false, -1, err
	}

	prev := GenesisHash
	for i, rec := range records {
		recomputed, err := rec.Bundle.Hash()
		if err != nil {
			return false, i, err
		}
		if recomputed != rec.ProofHash {
			return false, i, nil
		}
		if rec.PreviousHash != prev {
			return false, i, nil
		}
		prev = rec.ProofHash
	}
	return true, -1, nil
}
