// Package apiserver wires the ingress API (spec.md §6): claim submission,
// HITL approve/reject, proof retrieval, and consensus voting, each behind
// the bearer-key role required by its route. Grounded on the teacher's
// internal/api router, rebuilt on gorilla/mux against this service's
// pipeline/consensus/hitl/evidence components instead of the governance
// gateway's escrow/marketplace handlers.
package apiserver

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/shield/verify/internal/consensus"
	"github.com/shield/verify/internal/database"
	"github.com/shield/verify/internal/evidence"
	"github.com/shield/verify/internal/fabric"
	"github.com/shield/verify/internal/hitl"
	"github.com/shield/verify/internal/middleware"
	"github.com/shield/verify/internal/multitenancy"
	"github.com/shield/verify/internal/pipeline"
	"github.com/shield/verify/internal/quota"
)

// Server bundles every dependency a route handler needs.
type Server struct {
	Orchestrator *pipeline.Orchestrator
	HITL         *hitl.Gate
	Consensus    *consensus.Engine
	Evidence     *evidence.Store
	Tenants      *multitenancy.TenantManager
	Quota        *quota.Ledger
	Hub          *fabric.Hub
	RateLimiter  *middleware.RateLimiter
	Logger       *slog.Logger
}

// Router assembles the full route table with auth and rate limiting applied
// per route (spec.md §6's Auth column).
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	apiKey := middleware.RequireKey(s.Tenants, database.KeyRoleAPI)
	reviewerKey := middleware.RequireKey(s.Tenants, database.KeyRoleReviewer)
	modelKey := middleware.RequireKey(s.Tenants, database.KeyRoleModel)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	r.Handle("/v1/claims",
		chain(http.HandlerFunc(s.handleSubmitClaim), apiKey, s.RateLimiter.Middleware),
	).Methods(http.MethodPost)

	r.Handle("/v1/claims/{id}",
		chain(http.HandlerFunc(s.handleGetClaim), apiKey, s.RateLimiter.Middleware),
	).Methods(http.MethodGet)

	r.Handle("/v1/claims/{id}/approve",
		chain(http.HandlerFunc(s.handleApprove), reviewerKey, s.RateLimiter.Middleware),
	).Methods(http.MethodPost)

	r.Handle("/v1/claims/{id}/reject",
		chain(http.HandlerFunc(s.handleReject), reviewerKey, s.RateLimiter.Middleware),
	).Methods(http.MethodPost)

	r.Handle("/v1/claims/{id}/proof",
		chain(http.HandlerFunc(s.handleGetProof), apiKey, s.RateLimiter.Middleware),
	).Methods(http.MethodGet)

	r.Handle("/v1/consensus/{session}/vote",
		chain(http.HandlerFunc(s.handleSubmitVote), modelKey, s.RateLimiter.Middleware),
	).Methods(http.MethodPost)

	r.Handle("/v1/consensus/{session}",
		chain(http.HandlerFunc(s.handleGetConsensus), apiKey, s.RateLimiter.Middleware),
	).Methods(http.MethodGet)

	r.HandleFunc("/v1/stream", s.Hub.HandleWebSocket).Methods(http.MethodGet)

	r.HandleFunc("/internal/hitl/expire", s.handleHITLExpire).Methods(http.MethodPost)

	return r
}

// chain applies middleware in the order listed, each wrapping the next, so
// the first one given runs first against the request. Auth always precedes
// rate limiting since the limiter keys off the identity auth injects into
// the request context.
func chain(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleHITLExpire is the Cloud Tasks callback target CloudTasksScheduler
// enqueues against (internal/hitl/scheduler.go). Not behind RequireKey —
// it's reached over the private network path Cloud Tasks is configured
// with, not a tenant-facing route. Returning a non-2xx makes Cloud Tasks
// retry the task, so the error path here matters for durability.
func (s *Server) handleHITLExpire(w http.ResponseWriter, r *http.Request) {
	ticketID := r.URL.Query().Get("ticket_id")
	if ticketID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "invalid-input", "ticket_id is required")
		return
	}
	if err := s.HITL.Expire(r.Context(), ticketID); err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "expired"})
}
