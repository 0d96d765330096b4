package consensus

import (
	"sync"
	"time"
)

// session holds one Voting Session's mutable state behind a single mutex —
// the teacher's one-lock-per-resource discipline (internal/governance/task_gate.go,
// internal/escrow/gate.go), never a coarser engine-wide lock while voting.
type session struct {
	mu        sync.Mutex
	id        string
	domain    string
	thresholds Thresholds
	votes     map[string]Vote // modelID -> latest vote
	snapshot  Snapshot
	sealed    bool
	createdAt time.Time
	updatedAt time.Time
}

func newSession(id, domain string, th Thresholds) *session {
	now := time.Now()
	s := &session{
		id:         id,
		domain:     domain,
		thresholds: th,
		votes:      make(map[string]Vote),
		createdAt:  now,
		updatedAt:  now,
	}
	s.snapshot = computeSnapshot(id, s.votes, th)
	return s
}

// submit validates and upserts a vote, recomputing the snapshot. It enforces
// the "later arrivals overwrite earlier, timestamps stay monotonic" invariant
// by refusing to move a model's recorded timestamp backward.
func (s *session) submit(v Vote) (Snapshot, error) {
	if err := v.validate(); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return Snapshot{}, ErrSessionSealed
	}

	if existing, ok := s.votes[v.ModelID]; ok && v.Timestamp.Before(existing.Timestamp) {
		v.Timestamp = existing.Timestamp
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now()
	}

	s.votes[v.ModelID] = v
	s.snapshot = computeSnapshot(s.id, s.votes, s.thresholds)
	s.updatedAt = time.Now()

	return s.snapshot, nil
}

func (s *session) current() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *session) seal() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	s.updatedAt = time.Now()
	return s.snapshot
}

func (s *session) isSealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}
