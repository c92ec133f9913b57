package factory

import (
	"context"
	"errors"
	"fmt"

	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Runtime bundles a connector with the executor that drives it and the
// resources both hold.
type Runtime struct {
	Connector *internal.Connector
	Executor  *internal.Executor
	Metrics   *internal.Metrics
	Registry  *prometheus.Registry

	closers []func() error
}

// NewConnector creates a Connector for the store described by config.
// Nothing is sent to the store here: the connection is dialled on the first
// operation that needs it, so construction succeeds while the store is down.
//
// Usage:
//
//	import (
//	    "github.com/lychee-technology/kdbpush"
//	    "github.com/lychee-technology/kdbpush/factory"
//	)
//
//	config := kdbpush.DefaultConfig()
//	config.Store.Host = "kdb.internal"
//	conn, err := factory.NewConnector(config)
//	if err != nil {
//	    // handle error
//	}
//	defer conn.Close()
func NewConnector(config *kdbpush.Config) (kdbpush.Connector, error) {
	conn, err := newConnector(context.Background(), config, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// NewRuntime creates a connector plus the split executor and, when enabled,
// the local DuckDB evaluator. Metrics are registered on a fresh registry when
// config.Metrics.Enabled is set.
func NewRuntime(ctx context.Context, config *kdbpush.Config) (*Runtime, error) {
	rt := &Runtime{}
	var reg prometheus.Registerer
	if config != nil && config.Metrics.Enabled {
		rt.Registry = prometheus.NewRegistry()
		reg = rt.Registry
	}

	conn, err := newConnector(ctx, config, reg)
	if err != nil {
		return nil, err
	}
	rt.Connector = conn
	rt.Metrics = conn.Metrics()
	rt.closers = append(rt.closers, conn.Close)

	pool, err := internal.NewSplitExecutor(config.Local.SplitWorkers)
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	rt.closers = append(rt.closers, func() error { pool.Close(); return nil })

	var local *internal.LocalEvaluator
	if config.Local.Enabled {
		if local, err = internal.NewLocalEvaluator(config.Local); err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("failed to open local evaluator: %w", err)
		}
		rt.closers = append(rt.closers, local.Close)
	}
	rt.Executor = internal.NewExecutor(conn, local, pool)
	return rt, nil
}

// Close releases everything the runtime opened, connector last.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

func newConnector(ctx context.Context, config *kdbpush.Config, reg prometheus.Registerer) (*internal.Connector, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var metrics *internal.Metrics
	if config.Metrics.Enabled {
		metrics = internal.NewMetrics(config.Metrics.Namespace, reg)
	}

	store := config.Store
	breaker := internal.NewCircuitBreaker(store.Breaker.FailureThreshold, store.Breaker.Window, store.Breaker.OpenDuration)
	client := internal.NewStoreClient(internal.QIPCDialer(store), internal.StoreClientOptions{
		QueryTimeout:       store.QueryTimeout,
		SlowQueryThreshold: config.Logging.SlowQueryThreshold,
		LogQueries:         config.Logging.LogQueries,
		Breaker:            breaker,
		Metrics:            metrics,
	})
	var closers []func() error

	discoverer, err := internal.NewPartitionDiscoverer(ctx, config.Partitions, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create partition discoverer: %w", err)
	}

	var catalog internal.StatisticsCatalog
	switch config.Statistics.Source {
	case kdbpush.StatisticsFromPostgres:
		pg, err := internal.NewPostgresStatisticsCatalog(ctx, config.Statistics)
		if err != nil {
			return nil, err
		}
		catalog = pg
		closers = append(closers, func() error { pg.Close(); return nil })
	default:
		catalog = internal.NewStoreStatisticsCatalog(client, config.Statistics.Namespace)
	}

	conn := internal.NewConnector(internal.ConnectorOptions{
		Client:     client,
		Resolver:   internal.NewMetadataResolver(client, discoverer),
		Statistics: internal.NewStatisticsProvider(client, catalog),
		Metrics:    metrics,
		Session:    config.Session,
		OnClose:    closers,
	})
	zap.S().Debugw("connector created",
		"host", store.Host,
		"port", store.Port,
		"statistics", config.Statistics.Source,
		"partitions", config.Partitions.Discovery)
	return conn, nil
}
