package internal

import (
	"context"
	"errors"
	"reflect"

	"github.com/lychee-technology/kdbpush"
	"go.uber.org/zap"
)

// Pushdown kinds recorded in metrics.
const (
	PushdownFilter      = "filter"
	PushdownAggregation = "aggregation"
	PushdownLimit       = "limit"
)

// ConnectorOptions wires a Connector. Statistics and Metrics may be nil.
type ConnectorOptions struct {
	Client     StoreClient
	Resolver   *MetadataResolver
	Statistics *StatisticsProvider
	Metrics    *Metrics
	Session    kdbpush.SessionConfig
	// OnClose runs after the client is closed.
	OnClose    []func() error
}

// Connector implements kdbpush.Connector over a store client.
type Connector struct {
	client   StoreClient
	resolver *MetadataResolver
	stats    *StatisticsProvider
	metrics  *Metrics
	session  kdbpush.SessionConfig
	compiler *QueryCompiler
	onClose  []func() error
}

var _ kdbpush.Connector = (*Connector)(nil)

// NewConnector creates a connector. Nothing is sent to the store until a
// method needs it.
func NewConnector(opts ConnectorOptions) *Connector {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewMetadataResolver(opts.Client, nil)
	}
	stats := opts.Statistics
	if stats == nil {
		stats = NewStatisticsProvider(opts.Client, nil)
	}
	return &Connector{
		client:   opts.Client,
		resolver: resolver,
		stats:    stats,
		metrics:  opts.Metrics,
		session:  opts.Session,
		compiler: NewQueryCompiler(opts.Session),
		onClose:  opts.OnClose,
	}
}

// WithSession returns a connector sharing every resource but using session.
func (c *Connector) WithSession(session kdbpush.SessionConfig) *Connector {
	out := *c
	out.session = session
	out.compiler = NewQueryCompiler(session)
	return &out
}

// Session returns the session options in effect.
func (c *Connector) Session() kdbpush.SessionConfig { return c.session }

// Metrics returns the connector's metrics, possibly nil.
func (c *Connector) Metrics() *Metrics { return c.metrics }

// Client returns the store client.
func (c *Connector) Client() StoreClient { return c.client }

func (c *Connector) ListNamespaces(ctx context.Context) ([]string, error) {
	return c.resolver.ListNamespaces(ctx)
}

func (c *Connector) ListTables(ctx context.Context, namespace string) ([]string, error) {
	return c.resolver.ListTables(ctx, namespace)
}

// GetTableHandle resolves a table by name; a name matching no table is used
// verbatim as a pass-through query.
func (c *Connector) GetTableHandle(ctx context.Context, namespace, table string) (*kdbpush.TableHandle, error) {
	info, ok, err := c.resolver.ResolveTable(ctx, namespace, table)
	if err != nil {
		return nil, err
	}
	if ok {
		return info.Handle(), nil
	}
	zap.S().Debugw("pass-through table", "namespace", namespace, "query", table)
	return kdbpush.NewPassThroughHandle(namespace, table), nil
}

// GetColumns returns the visible columns of table: the aggregation outputs
// when one is pushed.
func (c *Connector) GetColumns(ctx context.Context, table *kdbpush.TableHandle) ([]kdbpush.ColumnHandle, error) {
	if agg, ok := table.Aggregation(); ok {
		return OutputColumns(agg), nil
	}
	if table.IsPassThrough() {
		return c.resolver.Describe(ctx, kdbpush.NewPassThroughHandle(table.Namespace(), table.NativeName()))
	}
	info, ok, err := c.resolver.ResolveTable(ctx, table.Namespace(), table.NativeName())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kdbpush.NewTableNotFoundError(table.Namespace(), table.Name())
	}
	out := make([]kdbpush.ColumnHandle, len(info.Columns))
	copy(out, info.Columns)
	return out, nil
}

func (c *Connector) GetColumnMetadata(column kdbpush.ColumnHandle) kdbpush.ColumnMetadata {
	return ColumnMetadata(column)
}

// ApplyFilter pushes what the store can evaluate exactly. A limited or
// aggregated table takes no further filters.
func (c *Connector) ApplyFilter(ctx context.Context, table *kdbpush.TableHandle, constraint kdbpush.Constraint, exprs []kdbpush.Expression) (*kdbpush.FilterResult, bool, error) {
	if _, limited := table.Limit(); limited || table.HasAggregation() {
		c.metrics.ObservePushdown(PushdownFilter, false)
		return nil, false, nil
	}
	cls := ClassifyFilter(constraint, exprs, c.session.PushDownLike)
	if !cls.Pushed() {
		c.metrics.ObservePushdown(PushdownFilter, false)
		return nil, false, nil
	}

	handle := table.WithConstraint(cls.Constraint)
	existing := table.Expressions()
	for _, e := range cls.Expressions {
		if !containsExpression(existing, e) {
			handle = handle.WithExpressions(e)
		}
	}
	if handle.Equal(table) {
		c.metrics.ObservePushdown(PushdownFilter, false)
		return nil, false, nil
	}
	c.metrics.ObservePushdown(PushdownFilter, true)
	return &kdbpush.FilterResult{
		Handle:               handle,
		RemainingConstraint:  cls.RemainingConstraint,
		RemainingExpressions: cls.RemainingExpressions,
	}, true, nil
}

func containsExpression(list []kdbpush.Expression, e kdbpush.Expression) bool {
	for _, x := range list {
		if reflect.DeepEqual(x, e) {
			return true
		}
	}
	return false
}

// ApplyAggregation pushes req as a whole or not at all.
func (c *Connector) ApplyAggregation(ctx context.Context, table *kdbpush.TableHandle, req kdbpush.AggregateRequest) (*kdbpush.AggregationResult, bool, error) {
	agg, err := PlanAggregation(table, req, c.session.PushDownAggregation)
	if err != nil {
		zap.S().Debugw("aggregation not pushed", "table", table.String(), "reason", err.Error())
		c.metrics.ObservePushdown(PushdownAggregation, false)
		return nil, false, nil
	}
	c.metrics.ObservePushdown(PushdownAggregation, true)
	return &kdbpush.AggregationResult{
		Handle:  table.WithAggregation(*agg),
		Outputs: agg.Outputs,
	}, true, nil
}

// ApplyLimit pushes a row limit. Splits of a partitioned table are limited
// one by one, so the limit is not guaranteed across them.
func (c *Connector) ApplyLimit(ctx context.Context, table *kdbpush.TableHandle, limit int64) (*kdbpush.LimitResult, bool, error) {
	if limit < 0 {
		return nil, false, kdbpush.NewValidationError("limit", "must not be negative")
	}
	if n, ok := table.Limit(); ok && n <= limit {
		c.metrics.ObservePushdown(PushdownLimit, false)
		return nil, false, nil
	}
	c.metrics.ObservePushdown(PushdownLimit, true)
	return &kdbpush.LimitResult{
		Handle:     table.WithLimit(limit),
		Guaranteed: !table.IsPartitioned() || table.HasAggregation(),
	}, true, nil
}

func (c *Connector) GetSplits(ctx context.Context, table *kdbpush.TableHandle) ([]kdbpush.Split, error) {
	splits := PlanSplits(table)
	zap.S().Debugw("planned splits", "table", table.String(), "splits", len(splits))
	return splits, nil
}

// Compile renders the query a split runs.
func (c *Connector) Compile(split kdbpush.Split, columns []kdbpush.ColumnHandle) (*CompiledQuery, error) {
	return c.compiler.Compile(split.Table, columns, SplitPartition(split))
}

func (c *Connector) OpenSplit(ctx context.Context, split kdbpush.Split, columns []kdbpush.ColumnHandle) (kdbpush.PageSource, error) {
	q, err := c.Compile(split, columns)
	if err != nil {
		return nil, err
	}
	return NewPageSource(c.client, q, int64(c.session.PageSize), c.metrics), nil
}

func (c *Connector) GetTableStatistics(ctx context.Context, table *kdbpush.TableHandle) (kdbpush.Statistics, error) {
	if !c.session.UseStats {
		return kdbpush.EmptyStatistics(), nil
	}
	columns, err := c.GetColumns(ctx, table)
	if err != nil {
		return kdbpush.EmptyStatistics(), err
	}
	return c.stats.TableStatistics(ctx, table, columns, c.session)
}

func (c *Connector) Insert(ctx context.Context, table *kdbpush.TableHandle, columns []kdbpush.ColumnHandle, rows [][]any) (int64, error) {
	return NewInsertWriter(c.client, c.session).Insert(ctx, table, columns, rows)
}

// Invalidate drops cached catalog information.
func (c *Connector) Invalidate() { c.resolver.Invalidate() }

func (c *Connector) Close() error {
	errs := []error{c.client.Close()}
	for _, fn := range c.onClose {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}
