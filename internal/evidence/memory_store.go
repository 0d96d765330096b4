package evidence

import (
	"context"
	"sync"
)

// MemoryBackend is an in-process Backend for tests and local development,
// following the teacher's InMemoryEvidenceStore pattern (mutex-guarded map,
// same interface as the durable store) from the now-removed vault.go.
type MemoryBackend struct {
	mu         sync.Mutex
	tipHash    map[string]string
	tipVersion map[string]int64
	byProofID  map[string]*ProofRecord
	byInstance map[string]*ProofRecord
	order      map[string][]string // domain -> proof ids, insertion order
}

// NewMemoryBackend creates an empty in-memory evidence backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tipHash:    make(map[string]string),
		tipVersion: make(map[string]int64),
		byProofID:  make(map[string]*ProofRecord),
		byInstance: make(map[string]*ProofRecord),
		order:      make(map[string][]string),
	}
}

func instanceKey(domain, instanceID string) string { return domain + "/" + instanceID }
func proofKey(domain, proofID string) string       { return domain + "/" + proofID }

func (m *MemoryBackend) ReadTip(_ context.Context, domain string) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tipHash[domain], m.tipVersion[domain], nil
}

func (m *MemoryBackend) CASAdvanceTip(_ context.Context, domain string, expectedVersion int64, newHash, proofID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tipVersion[domain] != expectedVersion {
		return ErrCASConflict
	}
	m.tipHash[domain] = newHash
	m.tipVersion[domain] = expectedVersion + 1
	_ = proofID
	return nil
}

func (m *MemoryBackend) SaveRecord(_ context.Context, rec *ProofRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ik := instanceKey(rec.Domain, rec.InstanceID)
	if _, exists := m.byInstance[ik]; exists {
		return nil
	}
	cp := *rec
	m.byProofID[proofKey(rec.Domain, rec.ProofID)] = &cp
	m.byInstance[ik] = &cp
	m.order[rec.Domain] = append(m.order[rec.Domain], rec.ProofID)
	return nil
}

func (m *MemoryBackend) LoadRecord(_ context.Context, domain, proofID string) (*ProofRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byProofID[proofKey(domain, proofID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryBackend) LoadByInstance(_ context.Context, domain, instanceID string) (*ProofRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byInstance[instanceKey(domain, instanceID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryBackend) ListChain(_ context.Context, domain string) ([]*ProofRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.order[domain]
	records := make([]*ProofRecord, 0, len(ids))
	for _, id := range ids {
		rec := m.byProofID[proofKey(domain, id)]
		cp := *rec
		records = append(records, &cp)
	}
	return records, nil
}
