package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/lib/pq"
)

func newTestInstance(id string) *Instance {
	now := time.Now()
	return &Instance{
		InstanceID: id,
		ClaimID:    "claim-" + id,
		Domain:     "vetproof",
		Priority:   PriorityNormal,
		ClaimText:  "the claim text",
		Evidence:   []string{"evidence one"},
		Status:     StatusRunning,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMemoryCheckpointStore_SaveCheckpointInOrder(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()
	inst := newTestInstance("inst-1")
	require.NoError(t, store.CreateInstance(ctx, inst))

	require.NoError(t, store.SaveCheckpoint(ctx, inst.InstanceID, StageSanitize, map[string]interface{}{"ok": true}))
	require.NoError(t, store.SaveCheckpoint(ctx, inst.InstanceID, StageEmbed, map[string]interface{}{"ok": true}))

	loaded, err := store.LoadInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, StageEmbed, loaded.CurrentStage)
	_, ok := loaded.Checkpoints[StageSanitize]
	assert.True(t, ok)
}

func TestMemoryCheckpointStore_SaveCheckpointOutOfOrderRejected(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()
	inst := newTestInstance("inst-2")
	require.NoError(t, store.CreateInstance(ctx, inst))

	err := store.SaveCheckpoint(ctx, inst.InstanceID, StageSearch, map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStageOutOfOrder))
}

func TestMemoryCheckpointStore_SaveCheckpointIsIdempotentOnRepeat(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()
	inst := newTestInstance("inst-3")
	require.NoError(t, store.CreateInstance(ctx, inst))

	require.NoError(t, store.SaveCheckpoint(ctx, inst.InstanceID, StageSanitize, map[string]interface{}{"v": 1}))
	// A retried write of the same stage (crash-recovery replay) must not be
	// rejected as out-of-order.
	require.NoError(t, store.SaveCheckpoint(ctx, inst.InstanceID, StageSanitize, map[string]interface{}{"v": 1}))
}

func TestMemoryCheckpointStore_UpdateStatusPersistsTicket(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()
	inst := newTestInstance("inst-4")
	require.NoError(t, store.CreateInstance(ctx, inst))

	require.NoError(t, store.UpdateStatus(ctx, inst.InstanceID, StatusSuspended, "ticket-xyz"))

	loaded, err := store.LoadInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, loaded.Status)
	assert.Equal(t, "ticket-xyz", loaded.HITLTicketID)
}

func TestMemoryCheckpointStore_LoadInstanceByTicket(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()
	inst := newTestInstance("inst-5")
	require.NoError(t, store.CreateInstance(ctx, inst))
	require.NoError(t, store.UpdateStatus(ctx, inst.InstanceID, StatusSuspended, "ticket-abc"))

	found, err := store.LoadInstanceByTicket(ctx, "ticket-abc")
	require.NoError(t, err)
	assert.Equal(t, inst.InstanceID, found.InstanceID)

	_, err = store.LoadInstanceByTicket(ctx, "no-such-ticket")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryCheckpointStore_LoadInstanceByClaimIDReturnsMostRecent(t *testing.T) {
	store := NewMemoryCheckpointStore()
	ctx := context.Background()

	first := newTestInstance("inst-6a")
	first.ClaimID = "claim-shared"
	first.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.CreateInstance(ctx, first))

	second := newTestInstance("inst-6b")
	second.ClaimID = "claim-shared"
	require.NoError(t, store.CreateInstance(ctx, second))

	found, err := store.LoadInstanceByClaimID(ctx, "claim-shared")
	require.NoError(t, err)
	assert.Equal(t, "inst-6b", found.InstanceID)

	_, err = store.LoadInstanceByClaimID(ctx, "no-such-claim")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryCheckpointStore_LoadUnknownInstanceNotFound(t *testing.T) {
	store := NewMemoryCheckpointStore()
	_, err := store.LoadInstance(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// testPostgresDB connects to a real Postgres instance when SHIELD_TEST_DB is
// set, and skips otherwise.
func testPostgresDB(t *testing.T) *sql.DB {
	t.Helper()
	conn := os.Getenv("SHIELD_TEST_DB")
	if conn == "" {
		t.Skip("SHIELD_TEST_DB not set, skipping Postgres-backed checkpoint store test")
	}
	db, err := sql.Open("postgres", conn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestPostgresCheckpointStore_SaveCheckpointEnforcesOrder(t *testing.T) {
	db := testPostgresDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `DELETE FROM stage_log WHERE instance_id = $1`, "pg-inst-order")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `DELETE FROM pipeline_instances WHERE instance_id = $1`, "pg-inst-order")
	require.NoError(t, err)

	store := NewPostgresCheckpointStore(db)
	inst := newTestInstance("pg-inst-order")
	require.NoError(t, store.CreateInstance(ctx, inst))

	require.NoError(t, store.SaveCheckpoint(ctx, inst.InstanceID, StageSanitize, map[string]interface{}{"a": 1}))

	err = store.SaveCheckpoint(ctx, inst.InstanceID, StageVerify, map[string]interface{}{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStageOutOfOrder))

	require.NoError(t, store.SaveCheckpoint(ctx, inst.InstanceID, StageEmbed, map[string]interface{}{"b": 2}))

	loaded, err := store.LoadInstance(ctx, inst.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, StageEmbed, loaded.CurrentStage)
	assert.Len(t, loaded.Checkpoints, 2)
}

func TestPostgresCheckpointStore_LoadInstanceByTicket(t *testing.T) {
	db := testPostgresDB(t)
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `DELETE FROM pipeline_instances WHERE instance_id = $1`, "pg-inst-ticket")
	require.NoError(t, err)

	store := NewPostgresCheckpointStore(db)
	inst := newTestInstance("pg-inst-ticket")
	require.NoError(t, store.CreateInstance(ctx, inst))
	require.NoError(t, store.UpdateStatus(ctx, inst.InstanceID, StatusSuspended, "pg-ticket-1"))

	found, err := store.LoadInstanceByTicket(ctx, "pg-ticket-1")
	require.NoError(t, err)
	assert.Equal(t, inst.InstanceID, found.InstanceID)
}
