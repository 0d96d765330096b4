package modelgw

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shield/verify/internal/consensus"
)

type fakeVerifier struct {
	op  Opinion
	err error
}

func (f fakeVerifier) Verify(ctx context.Context, claimText string, evidence []string) (Opinion, error) {
	return f.op, f.err
}

func TestPollAll_MixOfAgreeingAndErroringModels(t *testing.T) {
	g, err := New(nil, time.Second, nil)
	require.NoError(t, err)
	defer g.Close()

	g.RegisterFake("M1", 1.0, fakeVerifier{op: Opinion{Verdict: "verified", Confidence: 0.9, Coherence: 0.9}})
	g.RegisterFake("M2", 1.0, fakeVerifier{op: Opinion{Verdict: "verified", Confidence: 0.85, Coherence: 0.8}})
	g.RegisterFake("M3", 1.0, fakeVerifier{err: errors.New("model unavailable")})

	votes := g.PollAll(context.Background(), "claim-1", "claim text", []string{"e1"})
	require.Len(t, votes, 3)

	var errCount, verifiedCount int
	for _, v := range votes {
		switch v.Verdict {
		case consensus.VerdictError:
			errCount++
		case consensus.VerdictVerified:
			verifiedCount++
		}
	}
	assert.Equal(t, 1, errCount)
	assert.Equal(t, 2, verifiedCount)
}

func TestPollAll_EmptyGatewayReturnsNoVotes(t *testing.T) {
	g, err := New(nil, time.Second, nil)
	require.NoError(t, err)
	defer g.Close()

	votes := g.PollAll(context.Background(), "claim-1", "claim text", nil)
	assert.Empty(t, votes)
}
