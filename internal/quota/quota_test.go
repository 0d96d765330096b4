package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAndDebit_FreeTierHardStopsAtAllotment(t *testing.T) {
	l := New(map[Tier]Pricing{TierFree: {MonthlyIncluded: 2, Currency: "USD"}})
	l.Register("t1", TierFree)

	require.NoError(t, l.CheckAndDebit("t1"))
	require.NoError(t, l.CheckAndDebit("t1"))

	err := l.CheckAndDebit("t1")
	require.Error(t, err)
	var qe *ErrQuotaExceeded
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, TierFree, qe.Tier)
}

func TestCheckAndDebit_OverageTierNeverBlocks(t *testing.T) {
	l := New(map[Tier]Pricing{TierStandard: {MonthlyIncluded: 1, OveragePrice: 0.05, Currency: "USD"}})
	l.Register("t2", TierStandard)

	require.NoError(t, l.CheckAndDebit("t2"))
	require.NoError(t, l.CheckAndDebit("t2")) // over allotment, but billable, not blocked
	require.NoError(t, l.CheckAndDebit("t2"))
}

func TestCheckAndDebit_UnregisteredTenantDefaultsToFreeTier(t *testing.T) {
	l := New(map[Tier]Pricing{TierFree: {MonthlyIncluded: 1, Currency: "USD"}})

	require.NoError(t, l.CheckAndDebit("unknown-tenant"))
	err := l.CheckAndDebit("unknown-tenant")
	require.Error(t, err)
}

func TestRemaining_DecreasesWithUsage(t *testing.T) {
	l := New(map[Tier]Pricing{TierFree: {MonthlyIncluded: 5, Currency: "USD"}})
	l.Register("t3", TierFree)

	require.NoError(t, l.CheckAndDebit("t3"))
	require.NoError(t, l.CheckAndDebit("t3"))
	assert.Equal(t, 3, l.Remaining("t3"))
}
