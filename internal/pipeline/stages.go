// Stage implementations for the six fixed pipeline stages (spec.md §4.2).
// Every stage function is pure in the sense spec.md §9 asks for: it reads
// only from the Instance and its own checkpoint inputs, and returns a
// fresh output map with no side effects outside the Deps it was given.
package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/shield/verify/internal/consensus"
	"github.com/shield/verify/internal/sanitize"
	"github.com/shield/verify/internal/vectorindex"
)

// sanitizeStage scans the claim text and evidence for PII and redacts it
// (spec.md §4.2 stage 1).
func sanitizeStage(ctx context.Context, inst *Instance, deps Deps) (map[string]interface{}, error) {
	claimResult := sanitize.Scan(inst.ClaimText)

	redactedEvidence := make([]string, len(inst.Evidence))
	categories := map[string]bool{}
	for _, f := range claimResult.Findings {
		categories[string(f.Category)] = true
	}
	for i, e := range inst.Evidence {
		r := sanitize.Scan(e)
		redactedEvidence[i] = r.CleanedText
		for _, f := range r.Findings {
			categories[string(f.Category)] = true
		}
	}

	cats := make([]string, 0, len(categories))
	for c := range categories {
		cats = append(cats, c)
	}

	return map[string]interface{}{
		"redacted_claim_text": claimResult.CleanedText,
		"redacted_evidence":   redactedEvidence,
		"categories":          cats,
		"pii_found":           len(cats) > 0,
	}, nil
}

// embedStage produces 768-dim vectors for the redacted claim body and the
// concatenated evidence, persists the claim vector into the Vector Index,
// and computes their cosine similarity (spec.md §4.2 stage 2).
func embedStage(ctx context.Context, inst *Instance, deps Deps) (map[string]interface{}, error) {
	sanitizeOut, ok := inst.checkpointed(StageSanitize)
	if !ok {
		return nil, Terminal(fmt.Errorf("pipeline: embed stage ran before sanitize checkpoint for %s", inst.InstanceID))
	}
	redactedText, _ := sanitizeOut["redacted_claim_text"].(string)
	redactedEvidence, _ := sanitizeOut["redacted_evidence"].([]interface{})

	evidenceText := joinEvidence(redactedEvidence)

	claimVec := embedText(redactedText)
	evidenceVec := embedText(evidenceText)
	similarity := cosineSimilarity(claimVec, evidenceVec)

	if err := deps.VectorIndex.Upsert(ctx, vectorindex.Embedding{
		ClaimID: inst.ClaimID,
		Domain:  inst.Domain,
		Vector:  claimVec,
	}); err != nil {
		return nil, fmt.Errorf("pipeline: embed upsert: %w", err)
	}

	return map[string]interface{}{
		"claim_vector":           claimVec,
		"claim_evidence_cosine":  similarity,
	}, nil
}

func joinEvidence(items []interface{}) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// searchStage finds the top-K most similar prior claims in the same domain
// (spec.md §4.2 stage 3).
func searchStage(ctx context.Context, inst *Instance, deps Deps) (map[string]interface{}, error) {
	embedOut, ok := inst.checkpointed(StageEmbed)
	if !ok {
		return nil, Terminal(fmt.Errorf("pipeline: search stage ran before embed checkpoint for %s", inst.InstanceID))
	}
	vec, err := floatSlice(embedOut["claim_vector"])
	if err != nil {
		return nil, Terminal(fmt.Errorf("pipeline: search stage bad claim_vector: %w", err))
	}

	const topK = 5
	matches, err := deps.VectorIndex.TopK(ctx, inst.Domain, inst.ClaimID, vec, topK)
	if err != nil {
		return nil, fmt.Errorf("pipeline: search top-k: %w", err)
	}

	similar := make([]map[string]interface{}, 0, len(matches))
	for _, m := range matches {
		similar = append(similar, map[string]interface{}{
			"claim_id": m.ClaimID,
			"score":    m.Score,
		})
	}
	return map[string]interface{}{"similar_claims": similar}, nil
}

// floatSlice converts a JSON-round-tripped []interface{} (or a still-native
// []float64, on the first pass before any checkpoint serialization) into a
// []float64.
func floatSlice(v interface{}) ([]float64, error) {
	switch t := v.(type) {
	case []float64:
		return t, nil
	case []interface{}:
		out := make([]float64, len(t))
		for i, x := range t {
			f, ok := x.(float64)
			if !ok {
				return nil, fmt.Errorf("element %d is not a number", i)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported vector type %T", v)
	}
}

// verifyStage opens a Voting Session, polls every configured verifier model
// concurrently, submits each opinion as a Vote, and seals the session to
// read the final Snapshot (spec.md §4.2 stage 4).
func verifyStage(ctx context.Context, inst *Instance, deps Deps) (map[string]interface{}, error) {
	sanitizeOut, ok := inst.checkpointed(StageSanitize)
	if !ok {
		return nil, Terminal(fmt.Errorf("pipeline: verify stage ran before sanitize checkpoint for %s", inst.InstanceID))
	}
	redactedText, _ := sanitizeOut["redacted_claim_text"].(string)
	redactedEvidence, _ := sanitizeOut["redacted_evidence"].([]interface{})
	evidenceStrs := toStringSlice(redactedEvidence)

	deps.Consensus.Open(inst.ClaimID, inst.Domain)

	votes := deps.ModelGateway.PollAll(ctx, inst.ClaimID, redactedText, evidenceStrs)
	for _, v := range votes {
		if _, err := deps.Consensus.SubmitVote(inst.ClaimID, v); err != nil {
			// A single rejected vote (bad range, stale timestamp) does not
			// fail Verify — the remaining votes still count toward quorum.
			continue
		}
	}

	snap, err := deps.Consensus.Seal(inst.ClaimID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: seal voting session for %s: %w", inst.ClaimID, err)
	}

	return snapshotToMap(snap), nil
}

func snapshotToMap(snap consensus.Snapshot) map[string]interface{} {
	return map[string]interface{}{
		"majority_verdict":    string(snap.MajorityVerdict),
		"weighted_confidence": snap.WeightedConfidence,
		"confidence_stddev":   snap.ConfidenceStdDev,
		"agreement_ratio":     snap.AgreementRatio,
		"bft_reached":         snap.BFTReached,
		"variance_halt":       snap.VarianceHalt,
		"constitutional_halt": snap.ConstitutionalHalt,
		"no_quorum":           snap.NoQuorum,
		"final_verdict":       string(snap.FinalVerdict),
		"valid_vote_count":    snap.ValidVoteCount,
		"total_vote_count":    snap.TotalVoteCount,
	}
}

func toStringSlice(items []interface{}) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
