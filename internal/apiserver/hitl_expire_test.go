package apiserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/shield/verify/internal/pipeline"
)

func TestHandleHITLExpire_ResumesSuspendedInstanceToCompletion(t *testing.T) {
	s := newTestServer(t, haltingVotes())
	ctx := context.Background()

	inst, err := s.Orchestrator.Submit(ctx, "claim-expire-1", "vetproof", pipeline.PriorityNormal, "a shaky claim", nil)
	require.NoError(t, err)

	var ticketID string
	require.Eventually(t, func() bool {
		cur, err := s.Orchestrator.Get(ctx, inst.InstanceID)
		require.NoError(t, err)
		ticketID = cur.HITLTicketID
		return ticketID != ""
	}, 2*time.Second, 5*time.Millisecond)

	// Wire the same callback cmd/api/main.go wires at startup, since
	// newTestServer builds the HITL Gate and Orchestrator independently.
	s.HITL.SetExpiryHandler(func(expireCtx context.Context, tid string) {
		require.NoError(t, s.Orchestrator.ResumeFromHITL(expireCtx, tid, pipeline.ReviewDecision{Approved: false}))
	})

	req := httptest.NewRequest(http.MethodPost, "/internal/hitl/expire?ticket_id="+ticketID, nil)
	rr := httptest.NewRecorder()

	s.handleHITLExpire(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	require.Eventually(t, func() bool {
		cur, err := s.Orchestrator.Get(ctx, inst.InstanceID)
		require.NoError(t, err)
		return cur.Status == pipeline.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleHITLExpire_MissingTicketIDReturns400(t *testing.T) {
	s := newTestServer(t, cleanVotes())

	req := httptest.NewRequest(http.MethodPost, "/internal/hitl/expire", nil)
	rr := httptest.NewRecorder()

	s.handleHITLExpire(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleHITLExpire_UnknownTicketReturns500(t *testing.T) {
	s := newTestServer(t, cleanVotes())

	req := httptest.NewRequest(http.MethodPost, "/internal/hitl/expire?ticket_id=no-such-ticket", nil)
	rr := httptest.NewRecorder()

	s.handleHITLExpire(rr, req)
	require.Equal(t, http.StatusInternalServerError, rr.Code)
}
