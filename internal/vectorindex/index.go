// Package vectorindex stores claim embeddings in Cloud Spanner and answers
// top-K nearest-neighbor search by cosine similarity (spec.md §4.2 Search
// stage). Spanner has no native vector index, so similarity is computed in
// application code over a candidate row set the way the teacher computes
// reputation scores over rows fetched from the same database — not a
// purpose-built ANN index, but it reuses a dependency and a wiring pattern
// the rest of the pack already exercises.
//
// Grounded on internal/reputation/spanner.go: one *spanner.Client per
// process, stale reads for read-heavy lookups (spanner.MaxStaleness),
// ReadWriteTransaction for inserts, iterator.Done loop for multi-row scans.
package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
)

// SelfExclusionThreshold is the minimum cosine similarity a search result
// must clear to be considered supporting evidence (spec.md §4.2: "0.7 score
// threshold").
const SelfExclusionThreshold = 0.7

// Embedding is one claim's vector representation.
type Embedding struct {
	ClaimID   string
	Domain    string
	Vector    []float64
	CreatedAt time.Time
}

// Match is a search hit with its similarity score.
type Match struct {
	ClaimID string
	Domain  string
	Score   float64
}

// Index wraps a Spanner client.
//
// Schema (SPEC_FULL.md §3 [AMBIENT]):
//
//	CREATE TABLE claim_vectors (
//	    ClaimID    STRING(64) NOT NULL,
//	    Domain     STRING(32) NOT NULL,
//	    Vector     ARRAY<FLOAT64> NOT NULL,
//	    CreatedAt  TIMESTAMP NOT NULL OPTIONS (allow_commit_timestamp=true),
//	) PRIMARY KEY (ClaimID);
//	CREATE INDEX ClaimVectorsByDomain ON claim_vectors (Domain);
type Index struct {
	client *spanner.Client
	logger *slog.Logger
}

// New dials a Spanner database.
func New(ctx context.Context, project, instance, db string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, db)
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: spanner client: %w", err)
	}
	return &Index{client: client, logger: logger}, nil
}

func (idx *Index) Close() { idx.client.Close() }

// Upsert writes a claim's embedding, overwriting any prior vector for that
// claim (the Embed stage only ever needs the latest one).
func (idx *Index) Upsert(ctx context.Context, e Embedding) error {
	_, err := idx.client.Apply(ctx, []*spanner.Mutation{
		spanner.InsertOrUpdate("claim_vectors",
			[]string{"ClaimID", "Domain", "Vector", "CreatedAt"},
			[]interface{}{e.ClaimID, e.Domain, e.Vector, spanner.CommitTimestamp},
		),
	})
	if err != nil {
		return fmt.Errorf("vectorindex: upsert %s: %w", e.ClaimID, err)
	}
	return nil
}

// TopK returns up to k claims in the same domain most similar to query,
// excluding selfClaimID and anything below SelfExclusionThreshold.
func (idx *Index) TopK(ctx context.Context, domain, selfClaimID string, query []float64, k int) ([]Match, error) {
	roTx := idx.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	stmt := spanner.Statement{
		SQL:    `SELECT ClaimID, Domain, Vector FROM claim_vectors WHERE Domain = @domain`,
		Params: map[string]interface{}{"domain": domain},
	}
	iter := roTx.Query(ctx, stmt)
	defer iter.Stop()

	var candidates []Match
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("vectorindex: query domain %s: %w", domain, err)
		}

		var claimID, rowDomain string
		var vec []float64
		if err := row.Columns(&claimID, &rowDomain, &vec); err != nil {
			return nil, fmt.Errorf("vectorindex: scan row: %w", err)
		}
		if claimID == selfClaimID {
			continue
		}
		score := cosineSimilarity(query, vec)
		if score < SelfExclusionThreshold {
			continue
		}
		candidates = append(candidates, Match{ClaimID: claimID, Domain: rowDomain, Score: score})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		dot += a[i] * b[i]
		magA += a[i] * a[i]
		magB += b[i] * b[i]
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}
