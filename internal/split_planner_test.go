package internal

import (
	"testing"

	"github.com/lychee-technology/kdbpush"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanSplits_Unpartitioned(t *testing.T) {
	splits := PlanSplits(atableHandle())
	require.Len(t, splits, 1)
	assert.False(t, splits[0].HasPartition)
	assert.Nil(t, SplitPartition(splits[0]))
}

func TestPlanSplits_OnePerPartition(t *testing.T) {
	info := tradesInfo()
	splits := PlanSplits(info.Handle())
	require.Len(t, splits, 3)
	for i, s := range splits {
		assert.True(t, s.HasPartition)
		assert.Equal(t, info.Partitions[i], SplitPartition(s))
	}
	assert.NotEqual(t, splits[0].ID, splits[1].ID)
}

func TestPlanSplits_PrunedByPartitionDomain(t *testing.T) {
	info := tradesInfo()
	date := info.Columns[0]
	h := info.Handle().WithConstraint(kdbpush.ConstraintAll().With(date,
		kdbpush.DomainRanges(false, kdbpush.GreaterThanOrEqual(day(2024, 1, 3)))))

	splits := PlanSplits(h)
	require.Len(t, splits, 2)
	assert.Equal(t, day(2024, 1, 3), splits[0].Partition)
	assert.Equal(t, day(2024, 1, 4), splits[1].Partition)
}

func TestPlanSplits_OtherColumnsDoNotPrune(t *testing.T) {
	info := tradesInfo()
	h := info.Handle().WithConstraint(kdbpush.ConstraintAll().With(info.Columns[3],
		kdbpush.DomainSingle(int64(100))))
	assert.Len(t, PlanSplits(h), 3)
}

func TestPlanSplits_NoneConstraintHasNoSplits(t *testing.T) {
	h := tradesInfo().Handle().WithConstraint(kdbpush.ConstraintNone())
	assert.Empty(t, PlanSplits(h))
}

func TestPlanSplits_AggregatedPartitionedTableIsOneSplit(t *testing.T) {
	info := tradesInfo()
	h := info.Handle()
	agg, err := PlanAggregation(h, kdbpush.AggregateRequest{
		Calls: []kdbpush.AggregateCall{{Function: "count"}},
	}, true)
	require.NoError(t, err)

	splits := PlanSplits(h.WithAggregation(*agg))
	require.Len(t, splits, 1)
	assert.False(t, splits[0].HasPartition)
}
