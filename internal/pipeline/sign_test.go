package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shield/verify/internal/evidence"
	"github.com/shield/verify/internal/signing"
)

func newTestEvidenceStore(t *testing.T) *evidence.Store {
	t.Helper()
	signer, err := signing.GenerateSigner()
	require.NoError(t, err)
	return evidence.NewStore(evidence.NewMemoryBackend(), signer, nil)
}

func fullyCheckpointedInstance() *Instance {
	return &Instance{
		InstanceID: "sign-inst-1",
		ClaimID:    "sign-claim-1",
		Domain:     "vetproof",
		Checkpoints: map[StageName]map[string]interface{}{
			StageSanitize: {"redacted_claim_text": "clean text", "pii_found": false},
			StageEmbed:    {"claim_evidence_cosine": 0.8},
			StageSearch:   {"similar_claims": []map[string]interface{}{}},
			StageVerify:   {"final_verdict": "verified", "weighted_confidence": 0.9},
			StageDetect:   {"trust": 1.0, "halt_required": false},
		},
	}
}

func TestComposeBundle_CarriesReviewDecisionWithoutMutatingCheckpoint(t *testing.T) {
	inst := fullyCheckpointedInstance()
	originalDetect := inst.Checkpoints[StageDetect]

	bundle := composeBundle(inst, autoApprove, time.Now().Add(-time.Second))

	review, ok := bundle.Stages.Detect["review"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, review["approved"])
	assert.Equal(t, "auto", review["reviewer_id"])

	_, mutated := originalDetect["review"]
	assert.False(t, mutated, "composing a bundle must not mutate the instance's stored Detect checkpoint")
}

func TestComposeBundle_HaltRequiredOverridesVerdict(t *testing.T) {
	inst := fullyCheckpointedInstance()
	inst.Checkpoints[StageDetect] = map[string]interface{}{"trust": 0.1, "halt_required": true}

	bundle := composeBundle(inst, autoApprove, time.Now())
	assert.Equal(t, "halt", bundle.Verdict)
}

func TestHaltFlagsFrom_ReadsAllThreeFlags(t *testing.T) {
	detect := map[string]interface{}{
		"variance_halt":       true,
		"constitutional_halt": false,
		"trust_halt":          true,
	}
	flags := haltFlagsFrom(detect)
	assert.True(t, flags.Variance)
	assert.False(t, flags.Constitutional)
	assert.True(t, flags.Trust)
}

func TestSignStage_WritesProofRecord(t *testing.T) {
	store := newTestEvidenceStore(t)
	inst := fullyCheckpointedInstance()

	rec, err := signStage(context.Background(), inst, Deps{Evidence: store}, autoApprove, time.Now().Add(-500*time.Millisecond))
	require.NoError(t, err)

	assert.Equal(t, "verified", rec.Verdict)
	assert.False(t, rec.IsHaltProof)
	assert.NotEmpty(t, rec.ProofHash)
}

func TestSignStage_IsIdempotentAcrossRetries(t *testing.T) {
	store := newTestEvidenceStore(t)
	inst := fullyCheckpointedInstance()

	rec1, err := signStage(context.Background(), inst, Deps{Evidence: store}, autoApprove, time.Now())
	require.NoError(t, err)

	rec2, err := signStage(context.Background(), inst, Deps{Evidence: store}, autoApprove, time.Now())
	require.NoError(t, err)

	assert.Equal(t, rec1.ProofID, rec2.ProofID)
	assert.Equal(t, rec1.ProofHash, rec2.ProofHash)
}

func TestSignStage_HaltedClaimProducesHaltProof(t *testing.T) {
	store := newTestEvidenceStore(t)
	inst := fullyCheckpointedInstance()
	inst.Checkpoints[StageDetect] = map[string]interface{}{
		"trust": 0.1, "halt_required": true, "constitutional_halt": true,
	}

	rec, err := signStage(context.Background(), inst, Deps{Evidence: store}, autoApprove, time.Now())
	require.NoError(t, err)

	assert.True(t, rec.IsHaltProof)
	assert.Equal(t, "halt", rec.Verdict)
}
