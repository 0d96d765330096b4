package apiserver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/shield/verify/internal/fabric"
	"github.com/shield/verify/internal/hitl"
	"github.com/shield/verify/internal/middleware"
	"github.com/shield/verify/internal/multitenancy"
	"github.com/shield/verify/internal/pipeline"
	"github.com/shield/verify/internal/quota"
)

type submitClaimRequest struct {
	Domain    string   `json:"domain"`
	ClaimText string   `json:"claim_text"`
	Evidence  []string `json:"evidence"`
	Priority  string   `json:"priority"`
}

type submitClaimResponse struct {
	InstanceID string `json:"instance_id"`
	ClaimID    string `json:"claim_id"`
	Status     string `json:"status"`
}

// handleSubmitClaim implements POST /v1/claims (spec.md §6).
func (s *Server) handleSubmitClaim(w http.ResponseWriter, r *http.Request) {
	tenantID, err := multitenancy.GetTenantID(r.Context())
	if err != nil {
		middleware.WriteError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
		return
	}

	var req submitClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid-input", "malformed request body")
		return
	}
	if req.Domain == "" || req.ClaimText == "" {
		middleware.WriteError(w, http.StatusBadRequest, "invalid-input", "domain and claim_text are required")
		return
	}

	if err := s.Quota.CheckAndDebit(tenantID); err != nil {
		if qe, ok := err.(*quota.ErrQuotaExceeded); ok {
			w.Header().Set("X-Price", priceString(qe.Price))
			w.Header().Set("X-Currency", qe.Currency)
			middleware.WriteError(w, http.StatusPaymentRequired, "quota-exceeded", qe.Error())
			return
		}
		middleware.WriteError(w, http.StatusInternalServerError, "internal", "quota check failed")
		return
	}

	priority := pipeline.PriorityNormal
	if req.Priority == string(pipeline.PriorityHigh) {
		priority = pipeline.PriorityHigh
	}

	claimID := uuid.NewString()
	inst, err := s.Orchestrator.Submit(r.Context(), claimID, req.Domain, priority, req.ClaimText, req.Evidence)
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, submitClaimResponse{
		InstanceID: inst.InstanceID,
		ClaimID:    inst.ClaimID,
		Status:     string(inst.Status),
	})
}

type claimResponse struct {
	InstanceID   string   `json:"instance_id"`
	ClaimID      string   `json:"claim_id"`
	Domain       string   `json:"domain"`
	Status       string   `json:"status"`
	CurrentStage string   `json:"current_stage"`
	HITLTicketID string   `json:"hitl_ticket_id,omitempty"`
	Evidence     []string `json:"evidence"`
}

// handleGetClaim implements GET /v1/claims/{id} (spec.md §6).
func (s *Server) handleGetClaim(w http.ResponseWriter, r *http.Request) {
	claimID := mux.Vars(r)["id"]

	inst, err := s.Orchestrator.GetByClaimID(r.Context(), claimID)
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, "not-found", "no such claim")
		return
	}

	writeJSON(w, http.StatusOK, claimResponse{
		InstanceID:   inst.InstanceID,
		ClaimID:      inst.ClaimID,
		Domain:       inst.Domain,
		Status:       string(inst.Status),
		CurrentStage: string(inst.CurrentStage),
		HITLTicketID: inst.HITLTicketID,
		Evidence:     inst.Evidence,
	})
}

type reviewRequest struct {
	Notes string `json:"notes"`
}

// handleApprove implements POST /v1/claims/{id}/approve (spec.md §6, §4.3).
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolveReview(w, r, true)
}

// handleReject implements POST /v1/claims/{id}/reject (spec.md §6, §4.3).
func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.resolveReview(w, r, false)
}

func (s *Server) resolveReview(w http.ResponseWriter, r *http.Request, approve bool) {
	claimID := mux.Vars(r)["id"]

	inst, err := s.Orchestrator.GetByClaimID(r.Context(), claimID)
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, "not-found", "no such claim")
		return
	}
	if inst.HITLTicketID == "" {
		middleware.WriteError(w, http.StatusNotFound, "not-found", "claim has no open review ticket")
		return
	}

	ticket, err := s.HITL.Get(r.Context(), inst.HITLTicketID)
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, "not-found", "no such review ticket")
		return
	}
	if ticket.Status != hitl.StatusPending {
		middleware.WriteError(w, http.StatusConflict, "already-resolved", "review ticket already resolved")
		return
	}

	var req reviewRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	reviewerID, _ := multitenancy.GetKeyID(r.Context())

	if _, err := s.HITL.Resolve(r.Context(), ticket.TicketID, reviewerID, req.Notes, approve); err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if err := s.Orchestrator.ResumeFromHITL(r.Context(), ticket.TicketID, pipeline.ReviewDecision{
		Approved:   approve,
		ReviewerID: reviewerID,
		Notes:      req.Notes,
	}); err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	if tenantID, err := multitenancy.GetTenantID(r.Context()); err == nil {
		_ = s.Hub.PublishClaimUpdate(r.Context(), tenantID, fabric.ClaimUpdate{
			ClaimID: claimID,
			Type:    "pipeline.hitl.resolved",
			Detail:  map[string]interface{}{"approved": approve},
		})
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// handleGetProof implements GET /v1/claims/{id}/proof (spec.md §6).
func (s *Server) handleGetProof(w http.ResponseWriter, r *http.Request) {
	claimID := mux.Vars(r)["id"]

	inst, err := s.Orchestrator.GetByClaimID(r.Context(), claimID)
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, "not-found", "no such claim")
		return
	}

	rec, err := s.Evidence.GetProofByInstance(r.Context(), inst.Domain, inst.InstanceID)
	if err != nil {
		middleware.WriteError(w, http.StatusNotFound, "not-found", "no proof for this claim yet")
		return
	}

	writeJSON(w, http.StatusOK, rec.Bundle)
}

func priceString(price float64) string {
	return strconv.FormatFloat(price, 'f', 2, 64)
}
