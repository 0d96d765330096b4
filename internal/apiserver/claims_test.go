package apiserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/shield/verify/internal/audit"
	"github.com/shield/verify/internal/consensus"
	"github.com/shield/verify/internal/database"
	"github.com/shield/verify/internal/evidence"
	"github.com/shield/verify/internal/fabric"
	"github.com/shield/verify/internal/hitl"
	"github.com/shield/verify/internal/middleware"
	"github.com/shield/verify/internal/multitenancy"
	"github.com/shield/verify/internal/pipeline"
	"github.com/shield/verify/internal/quota"
	"github.com/shield/verify/internal/signing"
	"github.com/shield/verify/internal/vectorindex"
)

// fakeVectorIndex and fakeModelGateway are minimal stand-ins for the pipeline
// stages' real dependencies, scoped to what submitting and resolving a claim
// through the Server needs — these are not a test of the pipeline itself,
// that lives in internal/pipeline.
type fakeVectorIndex struct{}

func (fakeVectorIndex) Upsert(ctx context.Context, e vectorindex.Embedding) error { return nil }
func (fakeVectorIndex) TopK(ctx context.Context, domain, selfClaimID string, query []float64, k int) ([]vectorindex.Match, error) {
	return nil, nil
}

type fakeModelGateway struct{ votes []consensus.Vote }

func (f fakeModelGateway) PollAll(ctx context.Context, claimID, claimText string, evidence []string) []consensus.Vote {
	return f.votes
}

type fakeAudit struct{}

func (fakeAudit) Record(ctx context.Context, ev audit.Event) error { return nil }

type fakeCache struct{}

func (fakeCache) PutJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) {}
func (fakeCache) Invalidate(ctx context.Context, key string)                                {}

func cleanVotes() []consensus.Vote {
	return []consensus.Vote{
		{ModelID: "m1", Verdict: consensus.VerdictVerified, Confidence: 0.92, Coherence: 0.9, Weight: 1.0},
		{ModelID: "m2", Verdict: consensus.VerdictVerified, Confidence: 0.9, Coherence: 0.9, Weight: 1.0},
		{ModelID: "m3", Verdict: consensus.VerdictVerified, Confidence: 0.88, Coherence: 0.9, Weight: 1.0},
	}
}

func haltingVotes() []consensus.Vote {
	return []consensus.Vote{
		{ModelID: "m1", Verdict: consensus.VerdictVerified, Confidence: 0.95, Coherence: 0.9, Weight: 1.0},
		{ModelID: "m2", Verdict: consensus.VerdictUnverified, Confidence: 0.2, Coherence: 0.9, Weight: 1.0},
		{ModelID: "m3", Verdict: consensus.VerdictVerified, Confidence: 0.5, Coherence: 0.9, Weight: 1.0},
	}
}

// newTestServer builds a fully in-memory Server. Auth (multitenancy, which
// wraps a real Supabase client) is bypassed by the test helpers below,
// which populate the request context the way middleware.RequireKey would.
func newTestServer(t *testing.T, votes []consensus.Vote) *Server {
	t.Helper()
	signer, err := signing.GenerateSigner()
	require.NoError(t, err)

	store := pipeline.NewMemoryCheckpointStore()
	gate := hitl.New(hitl.NewMemoryStore(), nil)
	evidenceStore := evidence.NewStore(evidence.NewMemoryBackend(), signer, nil)
	consensusEngine := consensus.NewEngine(nil)

	deps := pipeline.Deps{
		VectorIndex:  fakeVectorIndex{},
		ModelGateway: fakeModelGateway{votes: votes},
		Consensus:    consensusEngine,
		Evidence:     evidenceStore,
		Audit:        fakeAudit{},
		Cache:        fakeCache{},
		HITL:         gate,
	}
	orch := pipeline.New(store, deps, nil)

	return &Server{
		Orchestrator: orch,
		HITL:         gate,
		Consensus:    consensusEngine,
		Evidence:     evidenceStore,
		Quota:        quota.New(nil),
		Hub:          fabric.NewHub("test", "local", "test"),
		RateLimiter:  middleware.NewRateLimiter(middleware.RateLimitConfig{MaxCallsPerMinute: 1000}),
	}
}

func withAuth(r *http.Request, tenantID string, role database.KeyRole) *http.Request {
	ctx := multitenancy.WithTenant(r.Context(), tenantID)
	ctx = multitenancy.WithKey(ctx, role, "key-1")
	return r.WithContext(ctx)
}

func TestHandleSubmitClaim_Accepted(t *testing.T) {
	s := newTestServer(t, cleanVotes())

	body, _ := json.Marshal(submitClaimRequest{Domain: "vetproof", ClaimText: "a verifiable claim"})
	req := withAuth(httptest.NewRequest(http.MethodPost, "/v1/claims", bytes.NewReader(body)), "tenant-1", database.KeyRoleAPI)
	rr := httptest.NewRecorder()

	s.handleSubmitClaim(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp submitClaimResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.InstanceID)
}

func TestHandleSubmitClaim_RejectsMissingFields(t *testing.T) {
	s := newTestServer(t, cleanVotes())

	req := withAuth(httptest.NewRequest(http.MethodPost, "/v1/claims", bytes.NewReader([]byte(`{}`))), "tenant-1", database.KeyRoleAPI)
	rr := httptest.NewRecorder()

	s.handleSubmitClaim(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleSubmitClaim_QuotaExceededReturns402(t *testing.T) {
	s := newTestServer(t, cleanVotes())
	s.Quota = quota.New(map[quota.Tier]quota.Pricing{
		quota.TierFree: {MonthlyIncluded: 0, OveragePrice: 0, Currency: "USD"},
	})

	body, _ := json.Marshal(submitClaimRequest{Domain: "vetproof", ClaimText: "claim text"})
	req := withAuth(httptest.NewRequest(http.MethodPost, "/v1/claims", bytes.NewReader(body)), "tenant-1", database.KeyRoleAPI)
	rr := httptest.NewRecorder()

	s.handleSubmitClaim(rr, req)

	require.Equal(t, http.StatusPaymentRequired, rr.Code)
	require.Equal(t, "USD", rr.Header().Get("X-Currency"))
}

func TestHandleGetClaim_NotFound(t *testing.T) {
	s := newTestServer(t, cleanVotes())

	req := httptest.NewRequest(http.MethodGet, "/v1/claims/nope", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "nope"})
	rr := httptest.NewRecorder()

	s.handleGetClaim(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestResolveReview_AlreadyResolvedReturns409(t *testing.T) {
	s := newTestServer(t, haltingVotes())
	ctx := context.Background()

	inst, err := s.Orchestrator.Submit(ctx, "claim-review-1", "vetproof", pipeline.PriorityNormal, "a shaky claim", nil)
	require.NoError(t, err)

	var ticketID string
	require.Eventually(t, func() bool {
		cur, err := s.Orchestrator.Get(ctx, inst.InstanceID)
		require.NoError(t, err)
		ticketID = cur.HITLTicketID
		return ticketID != ""
	}, 2*time.Second, 5*time.Millisecond)

	_, err = s.HITL.Resolve(ctx, ticketID, "reviewer-1", "", true)
	require.NoError(t, err)

	req := withAuth(httptest.NewRequest(http.MethodPost, "/v1/claims/claim-review-1/approve", nil), "tenant-1", database.KeyRoleReviewer)
	req = mux.SetURLVars(req, map[string]string{"id": "claim-review-1"})
	rr := httptest.NewRecorder()

	s.resolveReview(rr, req, true)
	require.Equal(t, http.StatusConflict, rr.Code)
}
