// Package modelgw is the Model Inference Gateway (spec.md §4.2 Verify
// stage, §2 DOMAIN STACK): it fans a claim out to N independent verifier
// models over gRPC and returns one consensus.Vote per registered model.
//
// Grounded on internal/escrow/jury_client.go's JuryGRPCClient — dial once
// per remote service with insecure transport credentials (the teacher's
// Jury service is also cluster-internal), log the call, return a typed
// result — generalized from a single Jury connection to N named verifier
// endpoints, each behind its own circuit breaker so one flaky model does
// not stall the others.
package modelgw

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/shield/verify/internal/circuitbreaker"
	"github.com/shield/verify/internal/consensus"
)

// VerifierClient is the narrow surface the gateway needs from a model's
// gRPC stub. A generated protobuf client satisfies this directly; tests use
// a hand-rolled fake.
type VerifierClient interface {
	Verify(ctx context.Context, claimText string, evidence []string) (Opinion, error)
}

// Opinion is a verifier model's raw answer, before it's validated into a
// consensus.Vote.
type Opinion struct {
	Verdict    string
	Confidence float64
	Coherence  float64
	Reasoning  string
}

// Endpoint is one configured verifier model.
type Endpoint struct {
	ModelID string
	Addr    string
	Weight  float64
}

// Gateway dials and calls every configured verifier endpoint.
type Gateway struct {
	clients map[string]VerifierClient
	conns   map[string]*grpc.ClientConn
	weights map[string]float64
	cbs     *circuitbreaker.Manager
	timeout time.Duration
	logger  *slog.Logger
}

// New dials every endpoint once at startup (spec.md [AMBIENT]: "Dependency
// order (leaves first)" — the gateway is a leaf dependency of the pipeline).
func New(endpoints []Endpoint, timeout time.Duration, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		clients: make(map[string]VerifierClient),
		conns:   make(map[string]*grpc.ClientConn),
		weights: make(map[string]float64),
		cbs:     circuitbreaker.NewManager(circuitbreaker.DefaultConfig("modelgw")),
		timeout: timeout,
		logger:  logger,
	}
	for _, ep := range endpoints {
		conn, err := grpc.NewClient(ep.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("modelgw: dial %s (%s): %w", ep.ModelID, ep.Addr, err)
		}
		g.conns[ep.ModelID] = conn
		g.clients[ep.ModelID] = newGRPCVerifierClient(conn, ep.ModelID)
		g.weights[ep.ModelID] = ep.Weight
		g.logger.Info("model gateway endpoint registered", "model_id", ep.ModelID, "addr", ep.Addr)
	}
	return g, nil
}

// RegisterFake installs a VerifierClient directly, bypassing gRPC dialing.
// Used by tests and by in-process model adapters.
func (g *Gateway) RegisterFake(modelID string, weight float64, c VerifierClient) {
	g.clients[modelID] = c
	g.weights[modelID] = weight
}

func (g *Gateway) Close() {
	for _, conn := range g.conns {
		conn.Close()
	}
}

// PollAll calls every registered verifier concurrently and returns one Vote
// per registered model. A model
// that errors, times out, or has a tripped breaker is represented as a
// VerdictError vote so it counts in TotalVoteCount but is excluded from
// quorum math (consensus.Vote.isCountable).
func (g *Gateway) PollAll(ctx context.Context, claimID, claimText string, evidence []string) []consensus.Vote {
	type result struct {
		vote consensus.Vote
	}
	resultsCh := make(chan result, len(g.clients))

	for modelID, client := range g.clients {
		go func(modelID string, client VerifierClient) {
			resultsCh <- result{vote: g.pollOne(ctx, modelID, client, claimText, evidence)}
		}(modelID, client)
	}

	votes := make([]consensus.Vote, 0, len(g.clients))
	for i := 0; i < len(g.clients); i++ {
		votes = append(votes, (<-resultsCh).vote)
	}
	return votes
}

func (g *Gateway) pollOne(ctx context.Context, modelID string, client VerifierClient, claimText string, evidence []string) consensus.Vote {
	cb := g.cbs.GetOrCreate(modelID, circuitbreaker.DefaultConfig(modelID))

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := cb.ExecuteContext(callCtx, func(ctx context.Context) (interface{}, error) {
		return client.Verify(ctx, claimText, evidence)
	})
	if err != nil {
		g.logger.Warn("model gateway call failed", "model_id", modelID, "error", err)
		return consensus.Vote{
			ModelID:   modelID,
			Verdict:   consensus.VerdictError,
			Weight:    g.weights[modelID],
			Timestamp: time.Now(),
			Reasoning: err.Error(),
		}
	}

	op := raw.(Opinion)
	return consensus.Vote{
		ModelID:    modelID,
		Verdict:    consensus.Verdict(op.Verdict),
		Confidence: op.Confidence,
		Coherence:  op.Coherence,
		Reasoning:  op.Reasoning,
		Weight:     g.weights[modelID],
		Timestamp:  time.Now(),
	}
}
