package consensus

import (
	"math"
	"sort"
)

// haltEpsilon resolves floating-point representational noise at threshold
// boundaries. Halts win ties (spec.md §4.1).
const haltEpsilon = 1e-9

// Thresholds bundles the tunables for a single domain. Engine.Open uses the
// package defaults below; a caller can pass its own set per session through
// Engine.OpenWithThresholds. internal/config has no threshold settings.
type Thresholds struct {
	DomainHaltConfidence float64 // θ_dom
	VarianceHalt         float64 // σ_var
	MinVoteCount         int
}

// DefaultVarianceHalt and DefaultMinVoteCount are the spec.md §6 defaults.
const (
	DefaultVarianceHalt = 0.25
	DefaultMinVoteCount = 3
)

// DefaultDomainThresholds are the closed-set domain halt thresholds from
// spec.md §6.
var DefaultDomainThresholds = map[string]float64{
	"vetproof":  0.67,
	"legal":     0.70,
	"finance":   0.75,
	"health":    0.80,
	"education": 0.65,
	"aviation":  0.85,
}

// ThresholdsForDomain resolves a domain's thresholds, falling back to a
// conservative default for unknown domains.
func ThresholdsForDomain(domain string) Thresholds {
	theta, ok := DefaultDomainThresholds[domain]
	if !ok {
		theta = 0.75
	}
	return Thresholds{
		DomainHaltConfidence: theta,
		VarianceHalt:         DefaultVarianceHalt,
		MinVoteCount:         DefaultMinVoteCount,
	}
}

// Snapshot is the derived, recomputed-on-every-vote consensus view of a
// Voting Session (spec.md §3).
type Snapshot struct {
	SessionID            string
	MajorityVerdict      Verdict
	WeightedConfidence   float64
	ConfidenceStdDev     float64
	AgreementRatio       float64
	BFTReached           bool
	VarianceHalt         bool
	ConstitutionalHalt   bool
	NoQuorum             bool
	FinalVerdict         Verdict
	ValidVoteCount       int
	TotalVoteCount       int
}

// lessVerdict is the lexicographic tie-break order for majority verdicts
// (spec.md §4.1 step 1: "tie-break by lexicographic order of the verdict tag").
func lessVerdict(a, b Verdict) bool { return a < b }

// computeSnapshot implements the algorithm in spec.md §4.1 over the current
// vote set. votes must already be deduplicated by model id (last write wins
// is the caller's responsibility — see session.go).
func computeSnapshot(sessionID string, votes map[string]Vote, th Thresholds) Snapshot {
	snap := Snapshot{SessionID: sessionID, TotalVoteCount: len(votes)}

	var valid []Vote
	for _, v := range votes {
		if v.isCountable() {
			valid = append(valid, v)
		}
	}
	snap.ValidVoteCount = len(valid)

	if len(valid) < th.MinVoteCount {
		snap.NoQuorum = true
		snap.BFTReached = false
		snap.FinalVerdict = VerdictHalt
		return snap
	}

	weightByVerdict := map[Verdict]float64{}
	var totalWeight float64
	var weightedConfSum float64
	for _, v := range valid {
		weightByVerdict[v.Verdict] += v.Weight
		totalWeight += v.Weight
		weightedConfSum += v.Weight * v.Confidence
	}

	// Majority verdict: argmax weight, lexicographic tie-break.
	var majority Verdict
	var majorityWeight float64 = -1
	tags := make([]Verdict, 0, len(weightByVerdict))
	for k := range weightByVerdict {
		tags = append(tags, k)
	}
	sort.Slice(tags, func(i, j int) bool { return lessVerdict(tags[i], tags[j]) })
	for _, tag := range tags {
		w := weightByVerdict[tag]
		if w > majorityWeight {
			majorityWeight = w
			majority = tag
		}
	}
	snap.MajorityVerdict = majority

	if totalWeight > 0 {
		snap.AgreementRatio = majorityWeight / totalWeight
		snap.WeightedConfidence = weightedConfSum / totalWeight
	}

	// Unweighted stddev over confidences of valid votes (documented quirk —
	// weighted confidence feeds BFT/constitutional math, but stddev does not
	// weight by model weight; spec.md §9 flags this as preserved-as-specified).
	snap.ConfidenceStdDev = unweightedStdDev(valid)

	n := float64(len(valid))
	bftThreshold := (2*n + 2) / (3 * n)
	snap.BFTReached = snap.AgreementRatio > bftThreshold+haltEpsilon

	snap.VarianceHalt = snap.ConfidenceStdDev > th.VarianceHalt-haltEpsilon
	snap.ConstitutionalHalt = snap.WeightedConfidence < th.DomainHaltConfidence+haltEpsilon

	if snap.VarianceHalt || snap.ConstitutionalHalt || !snap.BFTReached {
		snap.FinalVerdict = VerdictHalt
	} else {
		snap.FinalVerdict = majority
	}

	return snap
}

func unweightedStdDev(votes []Vote) float64 {
	if len(votes) <= 1 {
		return 0
	}
	var sum float64
	for _, v := range votes {
		sum += v.Confidence
	}
	mean := sum / float64(len(votes))

	var sqDiff float64
	for _, v := range votes {
		d := v.Confidence - mean
		sqDiff += d * d
	}
	return math.Sqrt(sqDiff / float64(len(votes)))
}
