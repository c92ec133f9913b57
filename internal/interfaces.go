package internal

import (
	"context"

	"github.com/lychee-technology/kdbpush/internal/qipc"
)

// StoreClient executes native query text against the store.
type StoreClient interface {
	// Execute runs q and returns the decoded result. Failures are
	// *kdbpush.KdbError values of type store carrying q.
	Execute(ctx context.Context, q string) (*qipc.K, error)
	Close() error
}

// QueryConn is one established store connection.
type QueryConn interface {
	Query(ctx context.Context, q string) (*qipc.K, error)
	Close() error
}

// Dialer opens store connections.
type Dialer func(ctx context.Context) (QueryConn, error)

// PartitionDiscoverer enumerates the partition values of a partitioned
// table in directory order.
type PartitionDiscoverer interface {
	Discover(ctx context.Context, table *TableInfo) ([]any, error)
}
