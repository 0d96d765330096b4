package consensus

import (
	"log/slog"
	"sync"
)

// Engine is the Shield Consensus Engine: a registry of Voting Sessions keyed
// by session id (= claim id), each guarded independently. This mirrors
// internal/governance/task_gate.go's map[id]state-behind-one-mutex shape,
// scaled up to per-session locks so concurrent claims never contend.
type Engine struct {
	mu       sync.RWMutex
	sessions map[string]*session
	logger   *slog.Logger
}

// NewEngine creates an empty consensus engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sessions: make(map[string]*session),
		logger:   logger,
	}
}

// Open creates (or returns, if already open) the Voting Session for a claim.
func (e *Engine) Open(sessionID, domain string) Snapshot {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		s = newSession(sessionID, domain, ThresholdsForDomain(domain))
		e.sessions[sessionID] = s
		e.logger.Info("consensus session opened", "session_id", sessionID, "domain", domain)
	}
	e.mu.Unlock()
	return s.current()
}

// OpenWithThresholds is Open but with caller-supplied, possibly config-overridden
// thresholds instead of the package defaults (spec.md §6: "overridable by config").
func (e *Engine) OpenWithThresholds(sessionID, domain string, th Thresholds) Snapshot {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	if !ok {
		s = newSession(sessionID, domain, th)
		e.sessions[sessionID] = s
		e.logger.Info("consensus session opened", "session_id", sessionID, "domain", domain)
	}
	e.mu.Unlock()
	return s.current()
}

func (e *Engine) get(sessionID string) (*session, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[sessionID]
	return s, ok
}

// SubmitVote validates and records a vote, returning the freshly recomputed
// snapshot (spec.md §4.1 "Submit vote").
func (e *Engine) SubmitVote(sessionID string, v Vote) (Snapshot, error) {
	s, ok := e.get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	snap, err := s.submit(v)
	if err != nil {
		e.logger.Warn("vote rejected", "session_id", sessionID, "model_id", v.ModelID, "error", err)
		return Snapshot{}, err
	}

	e.logger.Info("vote recorded", "session_id", sessionID, "model_id", v.ModelID,
		"verdict", v.Verdict, "final_verdict", snap.FinalVerdict, "bft_reached", snap.BFTReached)

	if snap.VarianceHalt {
		e.logger.Warn("variance halt", "session_id", sessionID, "stddev", snap.ConfidenceStdDev)
	}
	if snap.ConstitutionalHalt {
		e.logger.Warn("constitutional halt", "session_id", sessionID, "weighted_confidence", snap.WeightedConfidence)
	}

	return snap, nil
}

// GetSnapshot returns the session's current snapshot (spec.md §4.1 "Get snapshot").
func (e *Engine) GetSnapshot(sessionID string) (Snapshot, error) {
	s, ok := e.get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s.current(), nil
}

// Seal marks a session immutable and returns its final snapshot
// (spec.md §4.1 "Seal").
func (e *Engine) Seal(sessionID string) (Snapshot, error) {
	s, ok := e.get(sessionID)
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	snap := s.seal()
	e.logger.Info("consensus session sealed", "session_id", sessionID, "final_verdict", snap.FinalVerdict)
	return snap, nil
}

// IsSealed reports whether a session has been sealed.
func (e *Engine) IsSealed(sessionID string) (bool, error) {
	s, ok := e.get(sessionID)
	if !ok {
		return false, ErrNotFound
	}
	return s.isSealed(), nil
}

// Forget removes a session from the registry (archival policy — spec.md §3).
func (e *Engine) Forget(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}
