package apiserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/shield/verify/internal/consensus"
	"github.com/shield/verify/internal/middleware"
)

type submitVoteRequest struct {
	ModelID    string  `json:"model_id"`
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Coherence  float64 `json:"coherence"`
	Reasoning  string  `json:"reasoning"`
	Weight     float64 `json:"weight"`
}

// handleSubmitVote implements POST /v1/consensus/{session}/vote (spec.md §6).
func (s *Server) handleSubmitVote(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	var req submitVoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid-input", "malformed request body")
		return
	}

	vote := consensus.Vote{
		ModelID:    req.ModelID,
		Verdict:    consensus.Verdict(req.Verdict),
		Confidence: req.Confidence,
		Coherence:  req.Coherence,
		Reasoning:  req.Reasoning,
		Weight:     req.Weight,
		Timestamp:  time.Now(),
	}

	snap, err := s.Consensus.SubmitVote(sessionID, vote)
	if err != nil {
		writeConsensusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// handleGetConsensus implements GET /v1/consensus/{session} (spec.md §6).
func (s *Server) handleGetConsensus(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session"]

	snap, err := s.Consensus.GetSnapshot(sessionID)
	if err != nil {
		writeConsensusError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

func writeConsensusError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, consensus.ErrInvalidInput):
		middleware.WriteError(w, http.StatusBadRequest, "invalid-input", err.Error())
	case errors.Is(err, consensus.ErrSessionSealed):
		middleware.WriteError(w, http.StatusConflict, "session-sealed", err.Error())
	case errors.Is(err, consensus.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "not-found", err.Error())
	default:
		middleware.WriteError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}
