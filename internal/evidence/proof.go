// Package evidence implements the Evidence Store & Proof Chain: an
// append-only, hash-linked archive of Proof Records, one chain per domain.
//
// Adapted from internal/evidence/vault.go's EvidenceRecord/EvidenceChain
// shape (hash-on-append, genesis record, chain validation), generalized from
// an in-memory mutex-guarded slice to a Postgres-backed chain with a real
// compare-and-swap tip update (spec.md §4.4).
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// GenesisHash is the special previous-hash value for the first Proof Record
// in a domain's chain (spec.md §3).
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// StageOutputs mirrors the proof bundle's "stages" object (spec.md §6):
// sanitize, embed, search, verify, detect. Sign has no stage output of its
// own — it is the act of producing the ProofRecord.
type StageOutputs struct {
	Sanitize map[string]interface{} `json:"sanitize"`
	Embed    map[string]interface{} `json:"embed"`
	Search   map[string]interface{} `json:"search"`
	Verify   map[string]interface{} `json:"verify"`
	Detect   map[string]interface{} `json:"detect"`
}

// HaltFlags records which halts, if any, produced a halt proof.
type HaltFlags struct {
	Variance      bool `json:"variance"`
	Constitutional bool `json:"constitutional"`
	Trust         bool `json:"trust"`
}

func (h HaltFlags) any() bool {
	return h.Variance || h.Constitutional || h.Trust
}

// ProofBundle is the canonical JSON shape hashed to produce a ProofRecord
// (spec.md §6: "Proof bundle format"). Field order in the struct is
// irrelevant; CanonicalJSON below re-serializes with sorted keys.
type ProofBundle struct {
	ClaimID         string       `json:"claim_id"`
	PipelineVersion string       `json:"pipeline_version"`
	Stages          StageOutputs `json:"stages"`
	Verdict         string       `json:"verdict"`
	FinalConfidence float64      `json:"final_confidence"`
	TrustScore      float64      `json:"trust_score"`
	Timestamp       time.Time    `json:"timestamp"`
	DurationMs      int64        `json:"duration_ms"`
	PreviousHash    string       `json:"previous_hash"`
	ProofHash       string       `json:"proof_hash,omitempty"`
}

// CanonicalJSON serializes the bundle deterministically: sorted keys, UTF-8,
// no optional whitespace, proof_hash cleared (spec.md §6/§3 invariant 3).
func (b ProofBundle) CanonicalJSON() ([]byte, error) {
	clone := b
	clone.ProofHash = ""

	raw, err := json.Marshal(clone)
	if err != nil {
		return nil, err
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return canonicalize(generic)
}

// canonicalize re-marshals a decoded JSON value with sorted object keys at
// every nesting level and no extraneous whitespace.
func canonicalize(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, _ := json.Marshal(k)
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := canonicalize(t[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []interface{}:
		out := []byte("[")
		for i, item := range t {
			if i > 0 {
				out = append(out, ',')
			}
			vb, err := canonicalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(t)
	}
}

// Hash computes the SHA-256 hex digest of the bundle's canonical JSON, with
// proof_hash cleared per spec.md §6.
func (b ProofBundle) Hash() (string, error) {
	canon, err := b.CanonicalJSON()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// ProofRecord is the immutable artifact written at Sign (spec.md §3).
type ProofRecord struct {
	ProofID      string
	Domain       string
	ClaimID      string
	InstanceID   string
	Bundle       ProofBundle
	ProofHash    string
	PreviousHash string
	Verdict      string
	Confidence   float64
	Halts        HaltFlags
	IsHaltProof  bool
	Signature    []byte
	CreatedAt    time.Time
}
