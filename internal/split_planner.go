package internal

import (
	"github.com/google/uuid"
	"github.com/lychee-technology/kdbpush"
)

// PlanSplits expands table into its splits. A partitioned table yields one
// split per discovered partition admitted by the partition column's pushed
// domain, in discovery order. Everything else, including an aggregation over
// a partitioned table, is one split.
func PlanSplits(table *kdbpush.TableHandle) []kdbpush.Split {
	pcol, partitioned := table.PartitionColumn()
	if !partitioned || table.HasAggregation() {
		return []kdbpush.Split{{ID: uuid.New(), Table: table}}
	}

	cons := table.Constraint()
	if cons.IsNone() {
		return nil
	}
	domain, constrained := cons.Domain(pcol.Name)

	var splits []kdbpush.Split
	for _, p := range table.Partitions() {
		if constrained && !domain.Includes(p) {
			continue
		}
		splits = append(splits, kdbpush.Split{
			ID:           uuid.New(),
			Table:        table,
			Partition:    p,
			HasPartition: true,
		})
	}
	return splits
}

// SplitPartition returns the partition a split is restricted to, or nil.
func SplitPartition(s kdbpush.Split) any {
	if !s.HasPartition {
		return nil
	}
	return s.Partition
}
