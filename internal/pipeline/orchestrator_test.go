package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shield/verify/internal/audit"
	"github.com/shield/verify/internal/consensus"
	"github.com/shield/verify/internal/evidence"
	"github.com/shield/verify/internal/hitl"
	"github.com/shield/verify/internal/signing"
	"github.com/shield/verify/internal/vectorindex"
)

// fakeAudit collects every event recorded, for assertions on ordering/content
// without standing up Postgres.
type fakeAudit struct {
	mu     sync.Mutex
	events []audit.Event
	failOn map[audit.EventType]bool
}

func newFakeAudit() *fakeAudit { return &fakeAudit{failOn: map[audit.EventType]bool{}} }

func (f *fakeAudit) Record(ctx context.Context, ev audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[ev.Type] {
		return assertErr
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeAudit) has(t audit.EventType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

var assertErr = &testAuditError{}

type testAuditError struct{}

func (*testAuditError) Error() string { return "fake audit write failure" }

type fakeCache struct {
	mu         sync.Mutex
	put        map[string]interface{}
	invalidated []string
}

func newFakeCache() *fakeCache { return &fakeCache{put: map[string]interface{}{}} }

func (f *fakeCache) PutJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.put[key] = v
}

func (f *fakeCache) Invalidate(ctx context.Context, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated = append(f.invalidated, key)
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) Emit(eventType, source, subject string, data map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeEvents) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type fakeHITL struct {
	mu      sync.Mutex
	tickets map[string]*hitl.Ticket
}

func newFakeHITL() *fakeHITL { return &fakeHITL{tickets: map[string]*hitl.Ticket{}} }

func (f *fakeHITL) Open(ctx context.Context, claimID, domain, reason string, timeout time.Duration) (*hitl.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &hitl.Ticket{TicketID: "ticket-" + claimID, ClaimID: claimID, Domain: domain, Reason: reason, Status: hitl.StatusPending}
	f.tickets[t.TicketID] = t
	return t, nil
}

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

func newTestDeps(t *testing.T, votes []consensus.Vote) (Deps, *fakeAudit, *fakeCache, *fakeEvents, *fakeHITL) {
	t.Helper()
	signer, err := signing.GenerateSigner()
	require.NoError(t, err)

	a := newFakeAudit()
	c := newFakeCache()
	e := &fakeEvents{}
	h := newFakeHITL()

	return Deps{
		VectorIndex:  &fakeVectorIndex{},
		ModelGateway: &fakeModelGateway{votes: votes},
		Consensus:    consensus.NewEngine(nil),
		Evidence:     evidence.NewStore(evidence.NewMemoryBackend(), signer, nil),
		Audit:        a,
		Cache:        c,
		HITL:         h,
		Events:       e,
	}, a, c, e, h
}

func waitForStatus(t *testing.T, store CheckpointStore, instanceID string, want Status, timeout time.Duration) *Instance {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		inst, err := store.LoadInstance(context.Background(), instanceID)
		require.NoError(t, err)
		if inst.Status == want {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance did not reach status %s within %s", want, timeout)
	return nil
}

func TestOrchestrator_HappyPathAutoApprovesLowRiskClaim(t *testing.T) {
	store := NewMemoryCheckpointStore()
	deps, auditLog, cache, events, _ := newTestDeps(t, cleanVotes())
	orch := New(store, deps, nil)

	inst, err := orch.Submit(context.Background(), "claim-1", "vetproof", PriorityNormal, "a verifiable claim", []string{"supporting evidence"})
	require.NoError(t, err)

	final := waitForStatus(t, store, inst.InstanceID, StatusCompleted, 2*time.Second)
	assert.Len(t, final.Checkpoints, 5)

	assert.True(t, auditLog.has(audit.EventProofSigned))
	assert.True(t, events.has("claim.completed"))
	_, cached := cache.put["proof:claim-1"]
	assert.True(t, cached)
}

func TestOrchestrator_HighRiskClaimSuspendsForReview(t *testing.T) {
	store := NewMemoryCheckpointStore()
	deps, auditLog, _, events, hitlGate := newTestDeps(t, haltingVotes())
	orch := New(store, deps, nil)

	inst, err := orch.Submit(context.Background(), "claim-2", "vetproof", PriorityNormal, "a shaky claim", nil)
	require.NoError(t, err)

	suspended := waitForStatus(t, store, inst.InstanceID, StatusSuspended, 2*time.Second)
	assert.NotEmpty(t, suspended.HITLTicketID)
	assert.True(t, auditLog.has(audit.EventHITLOpened))
	assert.True(t, events.has("pipeline.hitl.opened"))

	_, ok := hitlGate.tickets[suspended.HITLTicketID]
	assert.True(t, ok)
}

func TestOrchestrator_MandatoryReviewDomainSuspendsEvenWithCleanVotes(t *testing.T) {
	store := NewMemoryCheckpointStore()
	deps, _, _, _, _ := newTestDeps(t, cleanVotes())
	orch := New(store, deps, nil)

	inst, err := orch.Submit(context.Background(), "claim-3", "health", PriorityNormal, "a medical claim", nil)
	require.NoError(t, err)

	waitForStatus(t, store, inst.InstanceID, StatusSuspended, 2*time.Second)
}

func TestOrchestrator_ResumeFromHITLApprovedTransitionsToSign(t *testing.T) {
	store := NewMemoryCheckpointStore()
	deps, _, _, events, _ := newTestDeps(t, haltingVotes())
	orch := New(store, deps, nil)

	inst, err := orch.Submit(context.Background(), "claim-4", "vetproof", PriorityNormal, "claim text", nil)
	require.NoError(t, err)
	suspended := waitForStatus(t, store, inst.InstanceID, StatusSuspended, 2*time.Second)

	err = orch.ResumeFromHITL(context.Background(), suspended.HITLTicketID, ReviewDecision{
		Approved: true, ReviewerID: "reviewer-1", Notes: "looks fine",
	})
	require.NoError(t, err)

	final, err := store.LoadInstance(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.True(t, events.has("pipeline.hitl.resolved"))

	review := final.Checkpoints[StageDetect]["review"]
	assert.Nil(t, review, "ResumeFromHITL must not mutate the persisted Detect checkpoint")
}

func TestOrchestrator_ResumeFromHITLRejectedStillSigns(t *testing.T) {
	store := NewMemoryCheckpointStore()
	deps, _, _, _, _ := newTestDeps(t, haltingVotes())
	orch := New(store, deps, nil)

	inst, err := orch.Submit(context.Background(), "claim-5", "vetproof", PriorityNormal, "claim text", nil)
	require.NoError(t, err)
	suspended := waitForStatus(t, store, inst.InstanceID, StatusSuspended, 2*time.Second)

	err = orch.ResumeFromHITL(context.Background(), suspended.HITLTicketID, ReviewDecision{
		Approved: false, ReviewerID: "reviewer-2", Notes: "not sufficiently supported",
	})
	require.NoError(t, err)

	final, err := store.LoadInstance(context.Background(), inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
}

func TestOrchestrator_UnknownTicketReturnsError(t *testing.T) {
	store := NewMemoryCheckpointStore()
	deps, _, _, _, _ := newTestDeps(t, cleanVotes())
	orch := New(store, deps, nil)

	err := orch.ResumeFromHITL(context.Background(), "no-such-ticket", ReviewDecision{Approved: true})
	require.Error(t, err)
}

func TestOrchestrator_DurableStageCompleteAuditFailureFailsTheInstance(t *testing.T) {
	store := NewMemoryCheckpointStore()
	deps, auditLog, _, _, _ := newTestDeps(t, cleanVotes())
	auditLog.failOn[audit.EventStageCompleted] = true
	orch := New(store, deps, nil)

	inst, err := orch.Submit(context.Background(), "claim-6", "vetproof", PriorityNormal, "claim text", nil)
	require.NoError(t, err)

	waitForStatus(t, store, inst.InstanceID, StatusFailed, 2*time.Second)
}

func TestOrchestrator_VectorIndexFailureExhaustsRetriesAndFails(t *testing.T) {
	store := NewMemoryCheckpointStore()
	deps, _, _, _, _ := newTestDeps(t, cleanVotes())
	deps.VectorIndex = &fakeVectorIndex{topKErr: errTopK}
	orch := New(store, deps, nil)

	inst, err := orch.Submit(context.Background(), "claim-7", "vetproof", PriorityNormal, "claim text", nil)
	require.NoError(t, err)

	// Search's retry policy is 2 attempts with a 3s linear backoff between
	// them, so this failure path takes a few seconds to exhaust.
	waitForStatus(t, store, inst.InstanceID, StatusFailed, 6*time.Second)
}

// slowModelGateway holds Verify open long enough for a Cancel issued right
// after Submit to land before the stage loop reaches Detect.
type slowModelGateway struct {
	delay time.Duration
	votes []consensus.Vote
}

func (s *slowModelGateway) PollAll(ctx context.Context, claimID, claimText string, evidence []string) []consensus.Vote {
	time.Sleep(s.delay)
	return s.votes
}

func TestOrchestrator_CancelStopsBeforeFurtherStagesRun(t *testing.T) {
	store := NewMemoryCheckpointStore()
	deps, _, _, _, _ := newTestDeps(t, cleanVotes())
	deps.ModelGateway = &slowModelGateway{delay: 150 * time.Millisecond, votes: cleanVotes()}
	orch := New(store, deps, nil)

	inst, err := orch.Submit(context.Background(), "claim-8", "vetproof", PriorityNormal, "claim text", nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond) // let Sanitize/Embed/Search run, Verify is mid-flight
	require.NoError(t, orch.Cancel(context.Background(), inst.InstanceID))

	deadline := time.Now().Add(2 * time.Second)
	var final *Instance
	for time.Now().Before(deadline) {
		final, err = store.LoadInstance(context.Background(), inst.InstanceID)
		require.NoError(t, err)
		if _, done := final.checkpointed(StageVerify); done {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NotNil(t, final)
	assert.Equal(t, StatusCancelled, final.Status)
	_, detectRan := final.checkpointed(StageDetect)
	assert.False(t, detectRan, "Detect must not run once the instance is cancelled")
}

var errTopK = &testAuditError{}
