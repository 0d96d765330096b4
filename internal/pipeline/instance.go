// Package pipeline is the Durable Pipeline Orchestrator (spec.md §4.2): it
// drives a claim through six fixed stages — Sanitize, Embed, Search, Verify,
// Detect, Sign — with durable checkpointing, per-stage retry policy, and
// exactly-once stage completion.
//
// Grounded on the teacher's "re-architecture" note (spec.md §9: "factor
// stages into pure transformations parameterized by dependency interfaces")
// made concrete: each Stage is a Run(ctx, *Instance, Deps) function closing
// over nothing but its Deps, following the shape of escrow.EscrowGate's
// injected JuryClient/EntropyMonitor collaborators.
package pipeline

import "time"

// StageName is one of the six fixed pipeline stages.
type StageName string

const (
	StageSanitize StageName = "sanitize"
	StageEmbed    StageName = "embed"
	StageSearch   StageName = "search"
	StageVerify   StageName = "verify"
	StageDetect   StageName = "detect"
	StageSign     StageName = "sign"
)

// StageOrder is the fixed sequence every instance drives through.
var StageOrder = []StageName{StageSanitize, StageEmbed, StageSearch, StageVerify, StageDetect, StageSign}

func stageIndex(s StageName) int {
	for i, name := range StageOrder {
		if name == s {
			return i
		}
	}
	return -1
}

// nextStage returns the stage after s, or "" if s is the last stage.
func nextStage(s StageName) StageName {
	i := stageIndex(s)
	if i < 0 || i+1 >= len(StageOrder) {
		return ""
	}
	return StageOrder[i+1]
}

// Status is a Pipeline Instance's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended" // parked in the HITL Gate
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Priority influences HITL routing (spec.md §4.2: "caller marked
// priority=high").
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Instance is a single claim's run through the pipeline (spec.md §3
// "Pipeline Instance").
type Instance struct {
	InstanceID   string
	ClaimID      string
	Domain       string
	Priority     Priority
	ClaimText    string
	Evidence     []string
	Status       Status
	CurrentStage StageName
	HITLTicketID string
	Checkpoints  map[StageName]map[string]interface{}
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// checkpointed reports whether stage already has a recorded output —
// used to skip re-running a completed stage on resume (spec.md §4.2's
// idempotence contract).
func (i *Instance) checkpointed(stage StageName) (map[string]interface{}, bool) {
	out, ok := i.Checkpoints[stage]
	return out, ok
}

// backoffKind selects how delay grows between retry attempts.
type backoffKind int

const (
	backoffLinear backoffKind = iota
	backoffExponential
)

// retryPolicy is one stage's retry contract (spec.md §4.2 per-stage table).
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	kind        backoffKind
	timeout     time.Duration
}

// stagePolicies reproduces spec.md §4.2's retry table and §4.2's timeout
// table verbatim: "Sanitize: 2/3s/exp; Embed: 3/5s/linear; Search: 2/3s/
// linear; Verify: 3/10s/exp; Detect: 2/5s/linear; Sign: 2/5s/exp" and
// "Timeouts: Sanitize 30s, Embed 60s, Search 30s, Verify 120s, Detect 60s,
// Sign 30s".
var stagePolicies = map[StageName]retryPolicy{
	StageSanitize: {maxAttempts: 2, baseDelay: 3 * time.Second, kind: backoffExponential, timeout: 30 * time.Second},
	StageEmbed:    {maxAttempts: 3, baseDelay: 5 * time.Second, kind: backoffLinear, timeout: 60 * time.Second},
	StageSearch:   {maxAttempts: 2, baseDelay: 3 * time.Second, kind: backoffLinear, timeout: 30 * time.Second},
	StageVerify:   {maxAttempts: 3, baseDelay: 10 * time.Second, kind: backoffExponential, timeout: 120 * time.Second},
	StageDetect:   {maxAttempts: 2, baseDelay: 5 * time.Second, kind: backoffLinear, timeout: 60 * time.Second},
	StageSign:     {maxAttempts: 2, baseDelay: 5 * time.Second, kind: backoffExponential, timeout: 30 * time.Second},
}

// ModelCallTimeout is the per-model deadline named in spec.md §4.2 ("Model
// call default 30s"). Nothing reads it: Verify's model calls use the timeout
// passed to modelgw.New, which cmd/api takes from config (default 30s).
const ModelCallTimeout = 30 * time.Second

// HITLDefaultTimeout is the default review window (spec.md §4.2: "HITL
// default 7 days").
const HITLDefaultTimeout = 7 * 24 * time.Hour

// VerifyConcurrency is the per-instance cap on concurrent model calls named
// in spec.md §4.2 (default 8). Nothing enforces it: modelgw.Gateway.PollAll
// calls every registered model at once, however many there are.
const VerifyConcurrency = 8
