package audit

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	conn := os.Getenv("SHIELD_TEST_DB")
	if conn == "" {
		t.Skip("SHIELD_TEST_DB not set, skipping Postgres-backed audit ledger test")
	}
	db, err := sql.Open("postgres", conn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecord_DurableEventBlocksUntilWritten(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	l := New(db, nil)

	claimID := "claim-" + uuid.NewString()
	err := l.Record(ctx, Event{
		EventID: uuid.NewString(),
		ClaimID: claimID,
		Domain:  "vetproof",
		Type:    EventProofSigned,
		Detail:  map[string]interface{}{"proof_hash": "abc"},
	})
	require.NoError(t, err)

	events, err := l.ForClaim(ctx, claimID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventProofSigned, events[0].Type)

	db.ExecContext(ctx, "DELETE FROM audit_events WHERE claim_id = $1", claimID)
}

func TestRecord_BestEffortEventEventuallyPersists(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	l := New(db, nil)

	claimID := "claim-" + uuid.NewString()
	err := l.Record(ctx, Event{
		EventID: uuid.NewString(),
		ClaimID: claimID,
		Domain:  "vetproof",
		Type:    EventVoteRecorded,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		events, err := l.ForClaim(ctx, claimID)
		return err == nil && len(events) == 1
	}, 2*time.Second, 50*time.Millisecond)

	db.ExecContext(ctx, "DELETE FROM audit_events WHERE claim_id = $1", claimID)
}
