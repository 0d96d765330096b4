package consensus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vote(model string, verdict Verdict, confidence, coherence, weight float64) Vote {
	return Vote{
		ModelID:    model,
		Verdict:    verdict,
		Confidence: confidence,
		Coherence:  coherence,
		Weight:     weight,
		Timestamp:  time.Now(),
	}
}

func TestScenarioA_CleanVerify(t *testing.T) {
	e := NewEngine(nil)
	e.Open("c1", "vetproof")

	_, err := e.SubmitVote("c1", vote("M1", VerdictVerified, 0.90, 0.88, 1.0))
	require.NoError(t, err)
	_, err = e.SubmitVote("c1", vote("M2", VerdictVerified, 0.88, 0.85, 1.2))
	require.NoError(t, err)
	snap, err := e.SubmitVote("c1", vote("M3", VerdictVerified, 0.86, 0.84, 1.0))
	require.NoError(t, err)

	assert.True(t, snap.BFTReached)
	assert.InDelta(t, 1.0, snap.AgreementRatio, 1e-9)
	assert.InDelta(t, 0.881, snap.WeightedConfidence, 0.01)
	assert.InDelta(t, 0.0163, snap.ConfidenceStdDev, 0.005)
	assert.False(t, snap.VarianceHalt)
	assert.False(t, snap.ConstitutionalHalt)
	assert.Equal(t, VerdictVerified, snap.FinalVerdict)
}

func TestScenarioB_VarianceHalt(t *testing.T) {
	e := NewEngine(nil)
	e.Open("c2", "vetproof")

	e.SubmitVote("c2", vote("M1", VerdictVerified, 0.95, 0.9, 1.0))
	e.SubmitVote("c2", vote("M2", VerdictUnverified, 0.30, 0.9, 1.0))
	snap, err := e.SubmitVote("c2", vote("M3", VerdictVerified, 0.85, 0.9, 1.0))
	require.NoError(t, err)

	assert.InDelta(t, 0.287, snap.ConfidenceStdDev, 0.01)
	assert.True(t, snap.VarianceHalt)
	assert.Equal(t, VerdictHalt, snap.FinalVerdict)
}

func TestScenarioC_ConstitutionalHalt(t *testing.T) {
	e := NewEngine(nil)
	e.Open("c3", "health")

	e.SubmitVote("c3", vote("M1", VerdictVerified, 0.72, 0.9, 1.0))
	e.SubmitVote("c3", vote("M2", VerdictVerified, 0.72, 0.9, 1.0))
	snap, err := e.SubmitVote("c3", vote("M3", VerdictVerified, 0.72, 0.9, 1.0))
	require.NoError(t, err)

	assert.True(t, snap.BFTReached)
	assert.False(t, snap.VarianceHalt)
	assert.True(t, snap.ConstitutionalHalt)
	assert.Equal(t, VerdictHalt, snap.FinalVerdict)
}

func TestBFT_ExactTwoThirds_NotReached(t *testing.T) {
	e := NewEngine(nil)
	e.Open("c4", "vetproof")

	e.SubmitVote("c4", vote("M1", VerdictVerified, 0.9, 0.9, 1.0))
	e.SubmitVote("c4", vote("M2", VerdictVerified, 0.9, 0.9, 1.0))
	snap, err := e.SubmitVote("c4", vote("M3", VerdictUnverified, 0.9, 0.9, 1.0))
	require.NoError(t, err)

	assert.InDelta(t, 2.0/3.0, snap.AgreementRatio, 1e-9)
	assert.False(t, snap.BFTReached)
}

func TestMinVoteCount_NoQuorum(t *testing.T) {
	e := NewEngine(nil)
	e.Open("c5", "vetproof")

	e.SubmitVote("c5", vote("M1", VerdictVerified, 0.9, 0.9, 1.0))
	snap, err := e.SubmitVote("c5", vote("M2", VerdictVerified, 0.9, 0.9, 1.0))
	require.NoError(t, err)

	assert.True(t, snap.NoQuorum)
	assert.False(t, snap.BFTReached)
}

func TestAllConfidenceOne_NoVarianceHalt(t *testing.T) {
	e := NewEngine(nil)
	e.Open("c6", "vetproof")

	e.SubmitVote("c6", vote("M1", VerdictVerified, 1.0, 1.0, 1.0))
	e.SubmitVote("c6", vote("M2", VerdictVerified, 1.0, 1.0, 1.0))
	snap, err := e.SubmitVote("c6", vote("M3", VerdictVerified, 1.0, 1.0, 1.0))
	require.NoError(t, err)

	assert.False(t, snap.VarianceHalt)
}

func TestVarianceHalt_ExactBoundaryTriggers(t *testing.T) {
	th := Thresholds{DomainHaltConfidence: 0.0, VarianceHalt: DefaultVarianceHalt, MinVoteCount: 2}
	// Two votes with confidences 0.5±sigma give population stddev == sigma.
	snap := computeSnapshot("x", map[string]Vote{
		"a": vote("a", VerdictVerified, 0.5+DefaultVarianceHalt, 0.9, 1.0),
		"b": vote("b", VerdictVerified, 0.5-DefaultVarianceHalt, 0.9, 1.0),
	}, th)
	require.InDelta(t, DefaultVarianceHalt, snap.ConfidenceStdDev, 1e-9)
	assert.True(t, snap.VarianceHalt, "halts win ties at sigma == sigma_var")
}

func TestConstitutionalHalt_ExactBoundaryTriggers(t *testing.T) {
	th := Thresholds{DomainHaltConfidence: 0.80, VarianceHalt: 1.0, MinVoteCount: 3}
	snap := computeSnapshot("x", map[string]Vote{
		"a": vote("a", VerdictVerified, 0.80, 0.9, 1.0),
		"b": vote("b", VerdictVerified, 0.80, 0.9, 1.0),
		"c": vote("c", VerdictVerified, 0.80, 0.9, 1.0),
	}, th)
	assert.True(t, snap.ConstitutionalHalt)
	assert.Equal(t, VerdictHalt, snap.FinalVerdict)
}

func TestSubmitVote_InvalidInput(t *testing.T) {
	e := NewEngine(nil)
	e.Open("c7", "vetproof")

	_, err := e.SubmitVote("c7", vote("M1", "bogus", 0.5, 0.5, 1.0))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.SubmitVote("c7", vote("M1", VerdictVerified, 1.5, 0.5, 1.0))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = e.SubmitVote("c7", vote("M1", VerdictVerified, 0.5, 0.5, 0))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSubmitVote_SessionSealedRejectsFurtherVotes(t *testing.T) {
	e := NewEngine(nil)
	e.Open("c8", "vetproof")
	e.SubmitVote("c8", vote("M1", VerdictVerified, 0.9, 0.9, 1.0))
	_, err := e.Seal("c8")
	require.NoError(t, err)

	_, err = e.SubmitVote("c8", vote("M2", VerdictVerified, 0.9, 0.9, 1.0))
	assert.ErrorIs(t, err, ErrSessionSealed)

	// get still returns the final snapshot after seal.
	snap, err := e.GetSnapshot("c8")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.TotalVoteCount)
}

func TestSubmitVote_OverwriteSameModel(t *testing.T) {
	e := NewEngine(nil)
	e.Open("c9", "vetproof")
	e.SubmitVote("c9", vote("M1", VerdictVerified, 0.9, 0.9, 1.0))
	e.SubmitVote("c9", vote("M2", VerdictVerified, 0.9, 0.9, 1.0))
	e.SubmitVote("c9", vote("M3", VerdictUnverified, 0.4, 0.9, 1.0))

	snap1, _ := e.GetSnapshot("c9")

	// Same model overwrites; submitting an identical vote twice yields the
	// same snapshot (idempotence law, spec.md §8).
	snap2, err := e.SubmitVote("c9", vote("M3", VerdictUnverified, 0.4, 0.9, 1.0))
	require.NoError(t, err)

	assert.Equal(t, snap1.AgreementRatio, snap2.AgreementRatio)
	assert.Equal(t, snap1.WeightedConfidence, snap2.WeightedConfidence)
}

func TestGetSnapshot_NotFound(t *testing.T) {
	e := NewEngine(nil)
	_, err := e.GetSnapshot("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestErrorVotesExcludedFromQuorum(t *testing.T) {
	e := NewEngine(nil)
	e.Open("c10", "vetproof")
	e.SubmitVote("c10", vote("M1", VerdictVerified, 0.9, 0.9, 1.0))
	e.SubmitVote("c10", vote("M2", VerdictVerified, 0.9, 0.9, 1.0))
	snap, err := e.SubmitVote("c10", vote("M3", VerdictError, 0, 0, 1.0))
	require.NoError(t, err)

	assert.Equal(t, 3, snap.TotalVoteCount)
	assert.Equal(t, 2, snap.ValidVoteCount)
	assert.True(t, snap.NoQuorum)
}
