// Package consensus implements the Shield Consensus Engine: per-claim voting
// sessions, Byzantine-tolerant quorum math, and the Variance/Constitutional
// halt discipline.
package consensus

import (
	"math"
	"time"
)

// Verdict is the closed set of opinions a model may cast.
type Verdict string

const (
	VerdictVerified            Verdict = "verified"
	VerdictUnverified          Verdict = "unverified"
	VerdictInsufficientEvidence Verdict = "insufficient_evidence"
	VerdictNeedsReview         Verdict = "needs_review"
	VerdictError               Verdict = "error"
	// VerdictHalt is never cast by a model; it is a derived final verdict.
	VerdictHalt Verdict = "halt"
)

func validVerdict(v Verdict) bool {
	switch v {
	case VerdictVerified, VerdictUnverified, VerdictInsufficientEvidence, VerdictNeedsReview, VerdictError:
		return true
	default:
		return false
	}
}

// maxReasoningLen bounds the free-text reasoning field.
const maxReasoningLen = 4096

// Vote is a single model's opinion on a claim.
type Vote struct {
	ModelID    string
	Verdict    Verdict
	Confidence float64
	Coherence  float64
	Reasoning  string
	Weight     float64
	Timestamp  time.Time
}

func (v Vote) validate() error {
	if !validVerdict(v.Verdict) {
		return ErrInvalidInput
	}
	// NaN/Inf fail every ordered comparison, so they'd otherwise slip past
	// the range checks below undetected.
	if math.IsNaN(v.Confidence) || math.IsInf(v.Confidence, 0) {
		return ErrInvalidInput
	}
	if math.IsNaN(v.Coherence) || math.IsInf(v.Coherence, 0) {
		return ErrInvalidInput
	}
	if math.IsNaN(v.Weight) || math.IsInf(v.Weight, 0) {
		return ErrInvalidInput
	}
	if v.Confidence < 0.0 || v.Confidence > 1.0 {
		return ErrInvalidInput
	}
	if v.Coherence < 0.0 || v.Coherence > 1.0 {
		return ErrInvalidInput
	}
	if v.Weight <= 0 {
		return ErrInvalidInput
	}
	if len(v.Reasoning) > maxReasoningLen {
		return ErrInvalidInput
	}
	if v.ModelID == "" {
		return ErrInvalidInput
	}
	return nil
}

// isCountable reports whether the vote participates in quorum/snapshot math.
// Error votes are recorded but excluded from V per spec.md §4.1.
func (v Vote) isCountable() bool {
	return v.Verdict != VerdictError
}
