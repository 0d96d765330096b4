package pipeline

import (
	"context"
	"fmt"
)

// trustHaltThreshold is the minimum derived trust score before Detect flags
// a trust-halt on its own, independent of the Variance/Constitutional
// halts the Consensus Engine already computed. Not specified numerically in
// spec.md §4.2 beyond the flag formula; fixed at 0.5 to match the c̄ < 0.5
// flag already in the same formula — trust and weighted confidence share a
// scale, so a trust score that has fallen below the same line the
// consensus snapshot uses for "agreement too thin" should halt too. See
// DESIGN.md's Open Question resolution for this package.
const trustHaltThreshold = 0.5

// mandatoryReviewDomains always require a human decision regardless of the
// computed risk level (spec.md §4.2: "domain policy mandates review").
// These are the domains where an unreviewed false "verified" has the
// highest real-world cost.
var mandatoryReviewDomains = map[string]bool{
	"health":   true,
	"aviation": true,
	"legal":    true,
}

// detectOutput is the Detect stage's structured result, kept as a typed
// value internally even though it is persisted as a generic map like every
// other stage's checkpoint.
type detectOutput struct {
	Flags               []string
	FlagCount           int
	Trust               float64
	TrustHalt           bool
	VarianceHalt        bool
	ConstitutionalHalt  bool
	HaltRequired        bool
	Risk                string
	ClaimEvidenceCosine float64
}

// riskLevel buckets a trust score into the {low, normal, high, critical}
// scale spec.md §4.2's HITL trigger references ("risk ∈ {high, critical}").
func riskLevel(trust float64) string {
	switch {
	case trust < 0.3:
		return "critical"
	case trust < 0.6:
		return "high"
	case trust < 0.8:
		return "normal"
	default:
		return "low"
	}
}

// detectStage derives trust flags from the Verify snapshot and the Embed
// stage's claim-evidence similarity (spec.md §4.2 stage 5).
func detectStage(ctx context.Context, inst *Instance, deps Deps) (map[string]interface{}, error) {
	verifyOut, ok := inst.checkpointed(StageVerify)
	if !ok {
		return nil, Terminal(fmt.Errorf("pipeline: detect stage ran before verify checkpoint for %s", inst.InstanceID))
	}
	embedOut, ok := inst.checkpointed(StageEmbed)
	if !ok {
		return nil, Terminal(fmt.Errorf("pipeline: detect stage ran before embed checkpoint for %s", inst.InstanceID))
	}

	stdDev, _ := verifyOut["confidence_stddev"].(float64)
	weightedConfidence, _ := verifyOut["weighted_confidence"].(float64)
	bftReached, _ := verifyOut["bft_reached"].(bool)
	varianceHalt, _ := verifyOut["variance_halt"].(bool)
	constitutionalHalt, _ := verifyOut["constitutional_halt"].(bool)
	similarity, _ := embedOut["claim_evidence_cosine"].(float64)

	const sigmaVar = 0.25 // matches consensus.DefaultVarianceHalt; see DESIGN.md

	var flags []string
	if stdDev > sigmaVar {
		flags = append(flags, "stddev_above_sigma_var")
	}
	if !bftReached {
		flags = append(flags, "bft_not_reached")
	}
	if weightedConfidence < 0.5 {
		flags = append(flags, "weighted_confidence_below_half")
	}
	if stdDev > 0.30 {
		flags = append(flags, "stddev_above_point_three")
	}
	if similarity < 0.4 {
		flags = append(flags, "claim_evidence_similarity_below_point_four")
	}

	trust := 1.0 - 0.2*float64(len(flags))
	if trust < 0 {
		trust = 0
	}
	trustHalt := trust < trustHaltThreshold

	out := detectOutput{
		Flags:               flags,
		FlagCount:           len(flags),
		Trust:               trust,
		TrustHalt:           trustHalt,
		VarianceHalt:        varianceHalt,
		ConstitutionalHalt:  constitutionalHalt,
		HaltRequired:        trustHalt || varianceHalt || len(flags) >= 3,
		Risk:                riskLevel(trust),
		ClaimEvidenceCosine: similarity,
	}

	return map[string]interface{}{
		"flags":                 out.Flags,
		"flag_count":            out.FlagCount,
		"trust":                 out.Trust,
		"trust_halt":            out.TrustHalt,
		"variance_halt":         out.VarianceHalt,
		"constitutional_halt":   out.ConstitutionalHalt,
		"halt_required":         out.HaltRequired,
		"risk":                  out.Risk,
		"claim_evidence_cosine": out.ClaimEvidenceCosine,
	}, nil
}

// needsHITL implements spec.md §4.2's "Interactions with HITL" trigger:
// "if risk ∈ {high, critical} OR Constitutional-Halt is set OR the caller
// marked priority=high OR domain policy mandates review".
func needsHITL(inst *Instance, detect map[string]interface{}) bool {
	risk, _ := detect["risk"].(string)
	constitutionalHalt, _ := detect["constitutional_halt"].(bool)
	if risk == "high" || risk == "critical" {
		return true
	}
	if constitutionalHalt {
		return true
	}
	if inst.Priority == PriorityHigh {
		return true
	}
	if mandatoryReviewDomains[inst.Domain] {
		return true
	}
	return false
}
