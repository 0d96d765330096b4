package evidence

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"
)

// testPostgresDB connects to a real Postgres instance when SHIELD_TEST_DB is
// set, and skips otherwise. Mirrors certenIO-certen-validator's
// proof_artifact_repository_test.go env-gated integration test pattern.
func testPostgresDB(t *testing.T) *sql.DB {
	t.Helper()
	conn := os.Getenv("SHIELD_TEST_DB")
	if conn == "" {
		t.Skip("SHIELD_TEST_DB not set, skipping Postgres-backed evidence store test")
	}
	db, err := sql.Open("postgres", conn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresBackend_WriteAndChainLinkage(t *testing.T) {
	db := testPostgresDB(t)
	ctx := context.Background()
	domain := "test_pg_domain"

	_, err := db.ExecContext(ctx, `DELETE FROM proof_records WHERE domain = $1`, domain)
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM proof_chain_tips WHERE domain = $1`, domain)
	require.NoError(t, err)

	backend := NewPostgresBackend(db)
	store := NewStore(backend, nil, nil)

	rec1, err := store.WriteProof(ctx, domain, "pg-inst-1", sampleBundle("pg-claim-1"), HaltFlags{}, "verified", 0.9)
	require.NoError(t, err)
	assert.Equal(t, GenesisHash, rec1.PreviousHash)

	rec2, err := store.WriteProof(ctx, domain, "pg-inst-2", sampleBundle("pg-claim-2"), HaltFlags{}, "verified", 0.85)
	require.NoError(t, err)
	assert.Equal(t, rec1.ProofHash, rec2.PreviousHash)

	ok, _, err := store.ValidateChain(ctx, domain)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.GetProofByInstance(ctx, domain, "pg-inst-1")
	require.NoError(t, err)
	assert.Equal(t, rec1.ProofHash, got.ProofHash)
}
