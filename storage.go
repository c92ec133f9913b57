package kdbpush

import (
	"context"
)

// FilterResult is the outcome of a successful filter pushdown.
type FilterResult struct {
	Handle *TableHandle
	// Remaining must still be applied by the caller.
	RemainingConstraint  Constraint
	RemainingExpressions []Expression
}

// AggregationResult is the outcome of a successful aggregation pushdown.
type AggregationResult struct {
	Handle  *TableHandle
	Outputs []AggregateOutput
}

// LimitResult is the outcome of a limit pushdown.
type LimitResult struct {
	Handle *TableHandle
	// Guaranteed is true when the store enforces the limit exactly.
	Guaranteed bool
}

// PageSource yields the pages of one split. Next returns io.EOF when done.
type PageSource interface {
	Next(ctx context.Context) (*Page, error)
	Close() error
}

// Connector exposes a kdb+ store to a relational engine.
type Connector interface {
	// Metadata
	ListNamespaces(ctx context.Context) ([]string, error)
	ListTables(ctx context.Context, namespace string) ([]string, error)
	GetTableHandle(ctx context.Context, namespace, table string) (*TableHandle, error)
	GetColumns(ctx context.Context, table *TableHandle) ([]ColumnHandle, error)
	GetColumnMetadata(column ColumnHandle) ColumnMetadata

	// Pushdown. A false ok means the request was not pushed and is not an error.
	ApplyFilter(ctx context.Context, table *TableHandle, constraint Constraint, exprs []Expression) (*FilterResult, bool, error)
	ApplyAggregation(ctx context.Context, table *TableHandle, req AggregateRequest) (*AggregationResult, bool, error)
	ApplyLimit(ctx context.Context, table *TableHandle, limit int64) (*LimitResult, bool, error)

	// Execution
	GetSplits(ctx context.Context, table *TableHandle) ([]Split, error)
	OpenSplit(ctx context.Context, split Split, columns []ColumnHandle) (PageSource, error)
	GetTableStatistics(ctx context.Context, table *TableHandle) (Statistics, error)
	Insert(ctx context.Context, table *TableHandle, columns []ColumnHandle, rows [][]any) (int64, error)

	Close() error
}
