package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/shield/verify/internal/evidence"
)

// ReviewDecision carries the human (or synthetic auto-approval) outcome
// into Sign (spec.md §4.2: "On resume it transitions directly to Sign
// (recording the human decision inside the proof bundle)").
type ReviewDecision struct {
	Approved   bool
	ReviewerID string
	Notes      string
	Auto       bool
}

// autoApprove is the synthetic decision for claims that bypass the HITL
// Gate entirely (spec.md §4.3: "a synthetic decision {approved,
// reviewer=\"auto\", auto=true} is fed into Sign directly").
var autoApprove = ReviewDecision{Approved: true, ReviewerID: "auto", Auto: true}

// composeBundle assembles the canonical proof bundle from every stage's
// checkpointed output (spec.md §3, §6).
func composeBundle(inst *Instance, review ReviewDecision, startedAt time.Time) evidence.ProofBundle {
	toMap := func(stage StageName) map[string]interface{} {
		if out, ok := inst.Checkpoints[stage]; ok {
			return out
		}
		return map[string]interface{}{}
	}

	detect := cloneMap(toMap(StageDetect))
	verify := toMap(StageVerify)

	verdict, _ := verify["final_verdict"].(string)
	confidence, _ := verify["weighted_confidence"].(float64)
	trust, _ := detect["trust"].(float64)
	haltRequired, _ := detect["halt_required"].(bool)

	// A rejected or expired review never signs the consensus verdict as-is.
	if haltRequired || !review.Approved {
		verdict = "halt"
	}

	stages := evidence.StageOutputs{
		Sanitize: toMap(StageSanitize),
		Embed:    toMap(StageEmbed),
		Search:   toMap(StageSearch),
		Verify:   verify,
		Detect:   detect,
	}
	stages.Detect["review"] = map[string]interface{}{
		"approved":    review.Approved,
		"reviewer_id": review.ReviewerID,
		"notes":       review.Notes,
		"auto":        review.Auto,
	}

	return evidence.ProofBundle{
		ClaimID:         inst.ClaimID,
		PipelineVersion: "1",
		Stages:          stages,
		Verdict:         verdict,
		FinalConfidence: confidence,
		TrustScore:      trust,
		Timestamp:       time.Now(),
		DurationMs:      time.Since(startedAt).Milliseconds(),
	}
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// haltFlagsFrom derives the evidence package's HaltFlags from the Detect
// checkpoint, for the ProofRecord's halt tagging (spec.md §3: "Halts
// produce a Proof Record tagged as a halt proof").
func haltFlagsFrom(detect map[string]interface{}) evidence.HaltFlags {
	variance, _ := detect["variance_halt"].(bool)
	constitutional, _ := detect["constitutional_halt"].(bool)
	trustHalt, _ := detect["trust_halt"].(bool)
	return evidence.HaltFlags{Variance: variance, Constitutional: constitutional, Trust: trustHalt}
}

// signStage composes and writes the Proof Record, the final stage in the
// pipeline (spec.md §4.2 stage 6). Unlike the other five stages it does not
// return a plain checkpoint map — it also needs the written ProofRecord to
// hand back to the caller and to the cache.
func signStage(ctx context.Context, inst *Instance, deps Deps, review ReviewDecision, startedAt time.Time) (*evidence.ProofRecord, error) {
	bundle := composeBundle(inst, review, startedAt)
	halts := haltFlagsFrom(inst.Checkpoints[StageDetect])

	rec, err := deps.Evidence.WriteProof(ctx, inst.Domain, inst.InstanceID, bundle, halts, bundle.Verdict, bundle.FinalConfidence)
	if err != nil {
		return nil, fmt.Errorf("pipeline: sign stage write proof for %s: %w", inst.InstanceID, err)
	}
	return rec, nil
}
