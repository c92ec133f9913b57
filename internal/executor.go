package internal

import (
	"context"
	"sort"
	"time"

	"github.com/lychee-technology/kdbpush"
	"go.uber.org/zap"
)

// ScanQuery is a scan bound to the columns of one table.
type ScanQuery struct {
	// Columns is the projection; empty means every column.
	Columns     []kdbpush.ColumnHandle
	Constraint  kdbpush.Constraint
	Expressions []kdbpush.Expression
	Aggregation *kdbpush.AggregateRequest
	Limit       int64
	HasLimit    bool
}

// ScanPlan records what was pushed to the store and what runs locally.
type ScanPlan struct {
	Table           string   `json:"table"`
	FilterPushed    bool     `json:"filterPushed"`
	ResidualFilter  bool     `json:"residualFilter"`
	AggregatePushed bool     `json:"aggregatePushed"`
	LocalAggregate  bool     `json:"localAggregate"`
	LimitPushed     bool     `json:"limitPushed"`
	LimitGuaranteed bool     `json:"limitGuaranteed"`
	Splits          int      `json:"splits"`
	Columns         []string `json:"columns"`
	Queries         []string `json:"queries"`

	residual      kdbpush.Constraint
	residualExprs []kdbpush.Expression
	handle        *kdbpush.TableHandle
	fetch         []kdbpush.ColumnHandle
	splits        []kdbpush.Split
	compiled      []*CompiledQuery
}

// ScanResult is a materialized scan.
type ScanResult struct {
	Plan    *ScanPlan
	Page    *kdbpush.Page
	Elapsed time.Duration
}

// Executor drives a scan end to end: pushdown negotiation, concurrent split
// reads, then local evaluation of whatever the store could not take.
type Executor struct {
	conn  *Connector
	local *LocalEvaluator
	pool  *SplitExecutor
}

// NewExecutor creates an executor. local may be nil, in which case scans
// needing local evaluation fail.
func NewExecutor(conn *Connector, local *LocalEvaluator, pool *SplitExecutor) *Executor {
	return &Executor{conn: conn, local: local, pool: pool}
}

// Explain negotiates pushdown for q and compiles every split without running
// anything.
func (x *Executor) Explain(ctx context.Context, table *kdbpush.TableHandle, q ScanQuery) (*ScanPlan, error) {
	plan := &ScanPlan{
		Table:         table.String(),
		handle:        table,
		residual:      q.Constraint,
		residualExprs: q.Expressions,
	}

	if !q.Constraint.IsAll() || len(q.Expressions) > 0 {
		res, ok, err := x.conn.ApplyFilter(ctx, plan.handle, q.Constraint, q.Expressions)
		if err != nil {
			return nil, err
		}
		if ok {
			plan.FilterPushed = true
			plan.handle = res.Handle
			plan.residual = res.RemainingConstraint
			plan.residualExprs = res.RemainingExpressions
		}
	}
	plan.ResidualFilter = !plan.residual.IsAll() || len(plan.residualExprs) > 0

	if q.Aggregation != nil && !plan.ResidualFilter {
		res, ok, err := x.conn.ApplyAggregation(ctx, plan.handle, *q.Aggregation)
		if err != nil {
			return nil, err
		}
		if ok {
			plan.AggregatePushed = true
			plan.handle = res.Handle
		}
	}
	plan.LocalAggregate = q.Aggregation != nil && !plan.AggregatePushed

	if q.HasLimit && !plan.ResidualFilter && !plan.LocalAggregate {
		res, ok, err := x.conn.ApplyLimit(ctx, plan.handle, q.Limit)
		if err != nil {
			return nil, err
		}
		if ok {
			plan.LimitPushed = true
			plan.LimitGuaranteed = res.Guaranteed
			plan.handle = res.Handle
		}
	}

	fetch, err := x.fetchColumns(ctx, plan, q)
	if err != nil {
		return nil, err
	}
	plan.fetch = fetch
	for _, c := range fetch {
		plan.Columns = append(plan.Columns, c.Name)
	}

	if plan.splits, err = x.conn.GetSplits(ctx, plan.handle); err != nil {
		return nil, err
	}
	plan.Splits = len(plan.splits)
	for _, s := range plan.splits {
		cq, err := x.conn.Compile(s, fetch)
		if err != nil {
			return nil, err
		}
		plan.compiled = append(plan.compiled, cq)
		switch {
		case cq.Empty:
			plan.Queries = append(plan.Queries, "")
		case cq.Windowed:
			plan.Queries = append(plan.Queries, cq.Window(0, int64(x.conn.Session().PageSize)))
		default:
			plan.Queries = append(plan.Queries, cq.Text())
		}
	}
	return plan, nil
}

// fetchColumns is what the splits must return: the aggregation outputs when
// pushed, otherwise the projection plus every column the local stage reads.
func (x *Executor) fetchColumns(ctx context.Context, plan *ScanPlan, q ScanQuery) ([]kdbpush.ColumnHandle, error) {
	if plan.AggregatePushed {
		return x.conn.GetColumns(ctx, plan.handle)
	}
	all, err := x.conn.GetColumns(ctx, plan.handle)
	if err != nil {
		return nil, err
	}

	need := map[string]bool{}
	switch {
	case q.Aggregation != nil:
		for _, g := range q.Aggregation.GroupBy {
			need[g.Name] = true
		}
		for _, c := range q.Aggregation.Calls {
			operandColumns(c.Arg, need)
		}
	case len(q.Columns) == 0:
		for _, c := range all {
			need[c.Name] = true
		}
	default:
		for _, c := range q.Columns {
			need[c.Name] = true
		}
	}
	if plan.ResidualFilter {
		for _, cd := range plan.residual.Domains() {
			need[cd.Column.Name] = true
		}
		for _, e := range plan.residualExprs {
			expressionColumns(e, need)
		}
	}

	var out []kdbpush.ColumnHandle
	for _, c := range all {
		if need[c.Name] {
			out = append(out, c)
			delete(need, c.Name)
		}
	}
	if len(need) > 0 {
		missing := make([]string, 0, len(need))
		for n := range need {
			missing = append(missing, n)
		}
		sort.Strings(missing)
		return nil, kdbpush.NewColumnNotFoundError(plan.handle.String(), missing[0])
	}
	return out, nil
}

func operandColumns(op kdbpush.Operand, need map[string]bool) {
	switch o := op.(type) {
	case kdbpush.ColumnRef:
		need[o.Column.Name] = true
	case kdbpush.FunctionCall:
		operandColumns(o.Arg, need)
	}
}

func expressionColumns(e kdbpush.Expression, need map[string]bool) {
	switch x := e.(type) {
	case kdbpush.LikeExpression:
		operandColumns(x.Target, need)
	case kdbpush.NullExpression:
		operandColumns(x.Target, need)
	case kdbpush.ComparisonExpression:
		operandColumns(x.Target, need)
	case kdbpush.NotExpression:
		expressionColumns(x.Operand, need)
	case kdbpush.AndExpression:
		for _, t := range x.Terms {
			expressionColumns(t, need)
		}
	}
}

// Scan runs q over table and returns every resulting row.
func (x *Executor) Scan(ctx context.Context, table *kdbpush.TableHandle, q ScanQuery) (*ScanResult, error) {
	start := time.Now()
	plan, err := x.Explain(ctx, table, q)
	if err != nil {
		return nil, err
	}
	if (plan.ResidualFilter || plan.LocalAggregate) && x.local == nil {
		return nil, kdbpush.NewValidationError("query", "needs local evaluation but no local evaluator is configured")
	}

	pages, err := x.pool.Run(ctx, plan.splits, func(ctx context.Context, s kdbpush.Split) (*kdbpush.Page, error) {
		i := splitIndex(plan.splits, s)
		src := NewPageSource(x.conn.Client(), plan.compiled[i], int64(x.conn.Session().PageSize), x.conn.Metrics())
		defer src.Close()
		return ReadAll(ctx, src, plan.compiled[i].Fields)
	})
	if err != nil {
		return nil, err
	}

	page := emptyPage(plan.fetch)
	for i, p := range pages {
		if p == nil || len(p.Values) != len(page.Values) {
			continue
		}
		if !plan.compiled[i].Empty {
			// decoded types win over the declared ones
			page.Types = append(page.Types[:0], p.Types...)
		}
		page.Append(p)
	}

	if plan.ResidualFilter {
		if page, err = x.local.Filter(ctx, page, plan.residual, plan.residualExprs); err != nil {
			return nil, err
		}
	}
	if plan.LocalAggregate {
		if page, err = x.local.Aggregate(ctx, page, *q.Aggregation); err != nil {
			return nil, err
		}
	}
	if q.HasLimit && !plan.LimitGuaranteed {
		page.Truncate(int(q.Limit))
	}
	if q.Aggregation == nil {
		page = project(page, q.Columns)
	}

	elapsed := time.Since(start)
	zap.S().Debugw("scan finished", "table", plan.Table, "splits", plan.Splits, "rows", page.RowCount(), "elapsed", elapsed)
	return &ScanResult{Plan: plan, Page: page, Elapsed: elapsed}, nil
}

func splitIndex(splits []kdbpush.Split, s kdbpush.Split) int {
	for i := range splits {
		if splits[i].ID == s.ID {
			return i
		}
	}
	return 0
}

func emptyPage(columns []kdbpush.ColumnHandle) *kdbpush.Page {
	names := make([]string, len(columns))
	rels := make([]kdbpush.RelType, len(columns))
	for i, c := range columns {
		names[i], rels[i] = c.Name, MapNativeType(c.Type)
	}
	return kdbpush.NewPage(names, rels)
}

// project keeps columns in the requested order. An empty request keeps all.
func project(page *kdbpush.Page, columns []kdbpush.ColumnHandle) *kdbpush.Page {
	if len(columns) == 0 {
		return page
	}
	out := &kdbpush.Page{NumRows: page.RowCount()}
	for _, c := range columns {
		for i, name := range page.Columns {
			if name == c.Name {
				out.Columns = append(out.Columns, name)
				out.Types = append(out.Types, page.Types[i])
				out.Values = append(out.Values, page.Values[i])
				break
			}
		}
	}
	return out
}
