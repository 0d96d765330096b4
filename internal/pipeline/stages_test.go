package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shield/verify/internal/consensus"
	"github.com/shield/verify/internal/vectorindex"
)

type fakeVectorIndex struct {
	upserts []vectorindex.Embedding
	matches []vectorindex.Match
	topKErr error
}

func (f *fakeVectorIndex) Upsert(ctx context.Context, e vectorindex.Embedding) error {
	f.upserts = append(f.upserts, e)
	return nil
}

func (f *fakeVectorIndex) TopK(ctx context.Context, domain, selfClaimID string, query []float64, k int) ([]vectorindex.Match, error) {
	if f.topKErr != nil {
		return nil, f.topKErr
	}
	return f.matches, nil
}

type fakeModelGateway struct {
	votes []consensus.Vote
}

func (f *fakeModelGateway) PollAll(ctx context.Context, claimID, claimText string, evidence []string) []consensus.Vote {
	return f.votes
}

func TestSanitizeStage_RedactsPIIAndReportsCategories(t *testing.T) {
	inst := &Instance{
		InstanceID: "i1",
		ClaimText:  "contact me at jane@example.com",
		Evidence:   []string{"call 555-123-4567 for details"},
	}
	out, err := sanitizeStage(context.Background(), inst, Deps{})
	require.NoError(t, err)

	assert.True(t, out["pii_found"].(bool))
	assert.NotContains(t, out["redacted_claim_text"].(string), "jane@example.com")
	cats := out["categories"].([]string)
	assert.Contains(t, cats, "email")
}

func TestSanitizeStage_CleanTextNoFindings(t *testing.T) {
	inst := &Instance{InstanceID: "i2", ClaimText: "the sky is blue", Evidence: nil}
	out, err := sanitizeStage(context.Background(), inst, Deps{})
	require.NoError(t, err)
	assert.False(t, out["pii_found"].(bool))
}

func TestEmbedStage_UpsertsVectorAndComputesCosine(t *testing.T) {
	vi := &fakeVectorIndex{}
	inst := &Instance{
		InstanceID: "i3",
		ClaimID:    "claim-3",
		Domain:     "vetproof",
		Checkpoints: map[StageName]map[string]interface{}{
			StageSanitize: {
				"redacted_claim_text": "a claim about something",
				"redacted_evidence":   []interface{}{"supporting evidence text"},
			},
		},
	}
	out, err := embedStage(context.Background(), inst, Deps{VectorIndex: vi})
	require.NoError(t, err)

	require.Len(t, vi.upserts, 1)
	assert.Equal(t, "claim-3", vi.upserts[0].ClaimID)
	vec, ok := out["claim_vector"].([]float64)
	require.True(t, ok)
	assert.Len(t, vec, embeddingDim)

	cos, ok := out["claim_evidence_cosine"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, cos, -1.0)
	assert.LessOrEqual(t, cos, 1.0)
}

func TestEmbedStage_DeterministicForSameInput(t *testing.T) {
	a := embedText("the same claim text")
	b := embedText("the same claim text")
	assert.Equal(t, a, b)

	c := embedText("a different claim text")
	assert.NotEqual(t, a, c)
}

func TestEmbedStage_MissingSanitizeCheckpointIsTerminal(t *testing.T) {
	inst := &Instance{InstanceID: "i4", Checkpoints: map[StageName]map[string]interface{}{}}
	_, err := embedStage(context.Background(), inst, Deps{VectorIndex: &fakeVectorIndex{}})
	require.Error(t, err)
	assert.True(t, isTerminal(err))
}

func TestSearchStage_ReturnsSimilarClaims(t *testing.T) {
	vec := embedText("some claim")
	vi := &fakeVectorIndex{matches: []vectorindex.Match{{ClaimID: "other-1", Score: 0.81}}}
	inst := &Instance{
		InstanceID: "i5",
		Domain:     "vetproof",
		Checkpoints: map[StageName]map[string]interface{}{
			StageEmbed: {"claim_vector": vec},
		},
	}
	out, err := searchStage(context.Background(), inst, Deps{VectorIndex: vi})
	require.NoError(t, err)

	similar := out["similar_claims"].([]map[string]interface{})
	require.Len(t, similar, 1)
	assert.Equal(t, "other-1", similar[0]["claim_id"])
}

func TestSearchStage_AcceptsJSONRoundTrippedVector(t *testing.T) {
	raw := []interface{}{0.1, 0.2, 0.3}
	vi := &fakeVectorIndex{}
	inst := &Instance{
		InstanceID: "i6",
		Checkpoints: map[StageName]map[string]interface{}{
			StageEmbed: {"claim_vector": raw},
		},
	}
	_, err := searchStage(context.Background(), inst, Deps{VectorIndex: vi})
	require.NoError(t, err)
}

func TestVerifyStage_OpensVotesSealsAndReturnsSnapshot(t *testing.T) {
	eng := consensus.NewEngine(nil)
	gw := &fakeModelGateway{votes: []consensus.Vote{
		{ModelID: "m1", Verdict: consensus.VerdictVerified, Confidence: 0.9, Coherence: 0.9, Weight: 1.0},
		{ModelID: "m2", Verdict: consensus.VerdictVerified, Confidence: 0.88, Coherence: 0.9, Weight: 1.0},
		{ModelID: "m3", Verdict: consensus.VerdictVerified, Confidence: 0.86, Coherence: 0.9, Weight: 1.0},
	}}
	inst := &Instance{
		InstanceID: "i7",
		ClaimID:    "claim-7",
		Domain:     "vetproof",
		Checkpoints: map[StageName]map[string]interface{}{
			StageSanitize: {"redacted_claim_text": "claim", "redacted_evidence": []interface{}{"ev"}},
		},
	}
	out, err := verifyStage(context.Background(), inst, Deps{Consensus: eng, ModelGateway: gw})
	require.NoError(t, err)

	assert.Equal(t, string(consensus.VerdictVerified), out["final_verdict"])
	assert.True(t, out["bft_reached"].(bool))
}

func TestVerifyStage_SkipsInvalidVotesWithoutFailingStage(t *testing.T) {
	eng := consensus.NewEngine(nil)
	gw := &fakeModelGateway{votes: []consensus.Vote{
		{ModelID: "", Verdict: consensus.VerdictVerified, Confidence: 0.9, Coherence: 0.9, Weight: 1.0}, // invalid: empty model id
		{ModelID: "m2", Verdict: consensus.VerdictVerified, Confidence: 0.88, Coherence: 0.9, Weight: 1.0},
		{ModelID: "m3", Verdict: consensus.VerdictVerified, Confidence: 0.86, Coherence: 0.9, Weight: 1.0},
		{ModelID: "m4", Verdict: consensus.VerdictVerified, Confidence: 0.85, Coherence: 0.9, Weight: 1.0},
	}}
	inst := &Instance{
		InstanceID: "i8",
		ClaimID:    "claim-8",
		Domain:     "vetproof",
		Checkpoints: map[StageName]map[string]interface{}{
			StageSanitize: {"redacted_claim_text": "claim", "redacted_evidence": []interface{}{}},
		},
	}
	out, err := verifyStage(context.Background(), inst, Deps{Consensus: eng, ModelGateway: gw})
	require.NoError(t, err)
	assert.EqualValues(t, 3, out["valid_vote_count"])
}

func TestDetectStage_NoFlagsYieldsFullTrustAndLowRisk(t *testing.T) {
	inst := &Instance{
		InstanceID: "i9",
		Domain:     "vetproof",
		Checkpoints: map[StageName]map[string]interface{}{
			StageVerify: {
				"confidence_stddev":   0.05,
				"weighted_confidence": 0.9,
				"bft_reached":         true,
				"variance_halt":       false,
				"constitutional_halt": false,
			},
			StageEmbed: {"claim_evidence_cosine": 0.8},
		},
	}
	out, err := detectStage(context.Background(), inst, Deps{})
	require.NoError(t, err)

	assert.InDelta(t, 1.0, out["trust"].(float64), 1e-9)
	assert.Equal(t, "low", out["risk"])
	assert.False(t, out["halt_required"].(bool))
}

func TestDetectStage_LowSimilarityAndBadConsensusFlagsHalt(t *testing.T) {
	inst := &Instance{
		InstanceID: "i10",
		Domain:     "vetproof",
		Checkpoints: map[StageName]map[string]interface{}{
			StageVerify: {
				"confidence_stddev":   0.4,
				"weighted_confidence": 0.3,
				"bft_reached":         false,
				"variance_halt":       true,
				"constitutional_halt": false,
			},
			StageEmbed: {"claim_evidence_cosine": 0.1},
		},
	}
	out, err := detectStage(context.Background(), inst, Deps{})
	require.NoError(t, err)

	flags := out["flags"].([]string)
	assert.GreaterOrEqual(t, len(flags), 3)
	assert.True(t, out["halt_required"].(bool))
	assert.Equal(t, "critical", out["risk"])
}

func TestDetectStage_MissingVerifyCheckpointIsTerminal(t *testing.T) {
	inst := &Instance{InstanceID: "i11", Checkpoints: map[StageName]map[string]interface{}{}}
	_, err := detectStage(context.Background(), inst, Deps{})
	require.Error(t, err)
	assert.True(t, isTerminal(err))
}

func TestNeedsHITL_HighRiskTriggers(t *testing.T) {
	inst := &Instance{Domain: "vetproof", Priority: PriorityNormal}
	detect := map[string]interface{}{"risk": "high", "constitutional_halt": false}
	assert.True(t, needsHITL(inst, detect))
}

func TestNeedsHITL_HighPriorityTriggersRegardlessOfRisk(t *testing.T) {
	inst := &Instance{Domain: "vetproof", Priority: PriorityHigh}
	detect := map[string]interface{}{"risk": "low", "constitutional_halt": false}
	assert.True(t, needsHITL(inst, detect))
}

func TestNeedsHITL_MandatoryDomainTriggersRegardlessOfRisk(t *testing.T) {
	inst := &Instance{Domain: "health", Priority: PriorityNormal}
	detect := map[string]interface{}{"risk": "low", "constitutional_halt": false}
	assert.True(t, needsHITL(inst, detect))
}

func TestNeedsHITL_LowRiskNormalPriorityNoTrigger(t *testing.T) {
	inst := &Instance{Domain: "vetproof", Priority: PriorityNormal}
	detect := map[string]interface{}{"risk": "low", "constitutional_halt": false}
	assert.False(t, needsHITL(inst, detect))
}
