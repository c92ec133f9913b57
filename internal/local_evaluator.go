package internal

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/google/uuid"
	"github.com/lychee-technology/kdbpush"
	"go.uber.org/zap"
)

// LocalEvaluator applies residual predicates and aggregations that were not
// pushed to the store, over decoded rows loaded into DuckDB. Only the
// referenced columns are loaded, next to a row number; result rows are taken
// from the input page so values keep their decoded representation.
type LocalEvaluator struct {
	db  *sql.DB
	cfg kdbpush.LocalConfig
	seq atomic.Int64
}

// NewLocalEvaluator opens the DuckDB database described by cfg. An empty
// path is an in-memory database.
func NewLocalEvaluator(cfg kdbpush.LocalConfig) (*LocalEvaluator, error) {
	dsn := cfg.DuckDBPath
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}
	if cfg.MemoryLimit != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA memory_limit='%s';", strings.ReplaceAll(cfg.MemoryLimit, "'", ""))); err != nil {
			zap.S().Warnw("duckdb: set memory_limit failed", "err", err, "memoryLimit", cfg.MemoryLimit)
		}
	}
	if cfg.Threads > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA threads=%d;", cfg.Threads)); err != nil {
			zap.S().Warnw("duckdb: set threads failed", "err", err, "threads", cfg.Threads)
		}
	}
	return &LocalEvaluator{db: db, cfg: cfg}, nil
}

// HealthCheck runs a trivial query.
func (e *LocalEvaluator) HealthCheck(ctx context.Context) error {
	var v int
	if err := e.db.QueryRowContext(ctx, "SELECT 1").Scan(&v); err != nil {
		return fmt.Errorf("duckdb health query failed: %w", err)
	}
	if v != 1 {
		return fmt.Errorf("unexpected duckdb health result: %d", v)
	}
	return nil
}

func (e *LocalEvaluator) Close() error {
	if e == nil || e.db == nil {
		return nil
	}
	return e.db.Close()
}

// Filter keeps the rows of page admitted by cons and every expression, in
// their original order.
func (e *LocalEvaluator) Filter(ctx context.Context, page *kdbpush.Page, cons kdbpush.Constraint, exprs []kdbpush.Expression) (*kdbpush.Page, error) {
	exprs = kdbpush.Conjuncts(exprs...)
	if cons.IsNone() {
		return kdbpush.NewPage(page.Columns, page.Types), nil
	}
	if page.RowCount() == 0 || (cons.IsAll() && len(exprs) == 0) {
		return page, nil
	}

	b := newLocalSQL(page)
	var conds []string
	for _, cd := range cons.Domains() {
		c, err := b.domain(cd.Column.Name, cd.Domain)
		if err != nil {
			return nil, err
		}
		if c != "" {
			conds = append(conds, c)
		}
	}
	for _, x := range exprs {
		c, err := b.expression(x)
		if err != nil {
			return nil, err
		}
		conds = append(conds, c)
	}

	var keep []int64
	err := e.withTable(ctx, page, b.columns, func(conn *sql.Conn, table string) error {
		q := "SELECT __row FROM " + table
		if len(conds) > 0 {
			q += " WHERE " + strings.Join(conds, " AND ")
		}
		rows, err := conn.QueryContext(ctx, q+" ORDER BY __row", b.args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r int64
			if err := rows.Scan(&r); err != nil {
				return err
			}
			keep = append(keep, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, kdbpush.NewInternalError("local filter", err)
	}

	out := kdbpush.NewPage(page.Columns, page.Types)
	for _, r := range keep {
		out.AppendRow(page.Row(int(r)))
	}
	return out, nil
}

// localAggregate is one output of a local aggregation.
type localAggregate struct {
	kind   kdbpush.AggregateKind
	column string
	sql    string
	rel    kdbpush.RelType
}

// Aggregate evaluates req over page. The result has the group keys, then one
// column per call named col0, col1, ...; groups are ordered by first
// appearance.
func (e *LocalEvaluator) Aggregate(ctx context.Context, page *kdbpush.Page, req kdbpush.AggregateRequest) (*kdbpush.Page, error) {
	b := newLocalSQL(page)
	keys := make([]string, len(req.GroupBy))
	keyIdx := make([]int, len(req.GroupBy))
	for i, g := range req.GroupBy {
		idx, err := b.use(g.Name)
		if err != nil {
			return nil, err
		}
		keys[i], keyIdx[i] = quoteIdent(g.Name), idx
	}

	aggs := make([]localAggregate, len(req.Calls))
	for i, call := range req.Calls {
		a, err := b.aggregate(call)
		if err != nil {
			return nil, err
		}
		aggs[i] = a
	}

	names := make([]string, 0, len(keys)+len(aggs))
	rels := make([]kdbpush.RelType, 0, len(keys)+len(aggs))
	for i, g := range req.GroupBy {
		names = append(names, g.Name)
		rels = append(rels, page.Types[keyIdx[i]])
	}
	selects := []string{"min(__row)"}
	for i, a := range aggs {
		names = append(names, fmt.Sprintf("col%d", i))
		rels = append(rels, a.rel)
		selects = append(selects, a.sql)
	}
	out := kdbpush.NewPage(names, rels)

	err := e.withTable(ctx, page, b.columns, func(conn *sql.Conn, table string) error {
		q := "SELECT " + strings.Join(selects, ", ") + " FROM " + table
		if len(keys) > 0 {
			q += " GROUP BY " + strings.Join(keys, ", ")
		}
		rows, err := conn.QueryContext(ctx, q+" ORDER BY 1 NULLS FIRST", b.args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		scan := make([]any, len(selects))
		ptrs := make([]any, len(selects))
		for i := range scan {
			ptrs[i] = &scan[i]
		}
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			row := make([]any, 0, len(names))
			first, _ := asInt(scan[0])
			for _, idx := range keyIdx {
				row = append(row, page.Values[idx][first])
			}
			for i, a := range aggs {
				v, err := e.aggregateValue(page, a, scan[i+1])
				if err != nil {
					return err
				}
				row = append(row, v)
			}
			out.AppendRow(row)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, kdbpush.NewInternalError("local aggregation", err)
	}
	return out, nil
}

func (e *LocalEvaluator) aggregateValue(page *kdbpush.Page, a localAggregate, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch a.kind {
	case kdbpush.AggMin, kdbpush.AggMax:
		r, ok := asInt(v)
		if !ok {
			return nil, fmt.Errorf("row index of type %T", v)
		}
		col, _ := page.Column(a.column)
		return col[r], nil
	}
	return CoerceValue(v, a.rel), nil
}

// withTable loads the given page columns into a fresh table on a pinned
// connection, runs fn, and drops the table.
func (e *LocalEvaluator) withTable(ctx context.Context, page *kdbpush.Page, columns []int, fn func(conn *sql.Conn, table string) error) error {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	table := fmt.Sprintf("kdbpush_local_%d", e.seq.Add(1))
	defs := []string{"__row BIGINT"}
	for _, c := range columns {
		defs = append(defs, quoteIdent(page.Columns[c])+" "+duckType(page.Types[c]))
	}
	if _, err := conn.ExecContext(ctx, "CREATE TABLE "+table+" ("+strings.Join(defs, ", ")+")"); err != nil {
		return fmt.Errorf("create local table: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), "DROP TABLE IF EXISTS "+table); err != nil {
			zap.S().Warnw("duckdb: drop local table failed", "table", table, "err", err)
		}
	}()

	err = conn.Raw(func(dc any) error {
		app, err := duckdb.NewAppenderFromConn(dc.(driver.Conn), "", table)
		if err != nil {
			return err
		}
		row := make([]driver.Value, len(columns)+1)
		for r := 0; r < page.RowCount(); r++ {
			row[0] = int64(r)
			for i, c := range columns {
				row[i+1] = duckValue(page.Values[c][r], page.Types[c])
			}
			if err := app.AppendRow(row...); err != nil {
				app.Close()
				return err
			}
		}
		return app.Close()
	})
	if err != nil {
		return fmt.Errorf("load local table: %w", err)
	}
	return fn(conn, table)
}

// localSQL renders predicates over a page's columns with positional args.
type localSQL struct {
	page    *kdbpush.Page
	columns []int
	used    map[int]bool
	args    []any
}

func newLocalSQL(page *kdbpush.Page) *localSQL {
	return &localSQL{page: page, used: make(map[int]bool)}
}

// use marks a page column as loaded and returns its index.
func (b *localSQL) use(name string) (int, error) {
	for i, c := range b.page.Columns {
		if c == name {
			if !b.used[i] {
				b.used[i] = true
				b.columns = append(b.columns, i)
			}
			return i, nil
		}
	}
	return 0, kdbpush.NewColumnNotFoundError("page", name)
}

func (b *localSQL) arg(v any, rel kdbpush.RelType) string {
	b.args = append(b.args, duckValue(v, rel))
	return "?"
}

func (b *localSQL) domain(name string, d kdbpush.Domain) (string, error) {
	idx, err := b.use(name)
	if err != nil {
		return "", err
	}
	col, rel := quoteIdent(name), b.page.Types[idx]
	switch {
	case d.IsAll():
		return "", nil
	case d.IsNone():
		return "FALSE", nil
	case d.IsNullOnly():
		return col + " IS NULL", nil
	case d.AllValues():
		return col + " IS NOT NULL", nil
	}

	var parts []string
	for _, r := range d.Ranges() {
		var terms []string
		if v, ok := r.SingleValue(); ok {
			terms = append(terms, col+" = "+b.arg(v, rel))
		} else {
			if !r.Low.Unbounded {
				op := " > "
				if r.Low.Inclusive {
					op = " >= "
				}
				terms = append(terms, col+op+b.arg(r.Low.Value, rel))
			}
			if !r.High.Unbounded {
				op := " < "
				if r.High.Inclusive {
					op = " <= "
				}
				terms = append(terms, col+op+b.arg(r.High.Value, rel))
			}
		}
		parts = append(parts, "("+strings.Join(terms, " AND ")+")")
	}
	if d.NullAllowed() {
		parts = append(parts, col+" IS NULL")
	}
	return "(" + strings.Join(parts, " OR ") + ")", nil
}

func (b *localSQL) operand(op kdbpush.Operand) (string, kdbpush.RelType, error) {
	switch o := op.(type) {
	case kdbpush.ColumnRef:
		idx, err := b.use(o.Column.Name)
		if err != nil {
			return "", kdbpush.RelType{}, err
		}
		return quoteIdent(o.Column.Name), b.page.Types[idx], nil
	case kdbpush.FunctionCall:
		inner, rel, err := b.operand(o.Arg)
		if err != nil {
			return "", rel, err
		}
		switch fn := strings.ToLower(o.Name); fn {
		case "upper", "lower":
			return fn + "(" + inner + ")", kdbpush.Rel(kdbpush.RelVarchar), nil
		}
		return "", rel, kdbpush.NewCompilationError("unsupported function %s", o.Name)
	}
	return "", kdbpush.RelType{}, kdbpush.NewCompilationError("unsupported operand %T", op)
}

func (b *localSQL) expression(x kdbpush.Expression) (string, error) {
	switch e := x.(type) {
	case kdbpush.LikeExpression:
		target, _, err := b.operand(e.Target)
		if err != nil {
			return "", err
		}
		s := target + " LIKE " + b.arg(e.Pattern, kdbpush.Rel(kdbpush.RelVarchar))
		if e.Escape != "" {
			s += " ESCAPE " + b.arg(e.Escape, kdbpush.Rel(kdbpush.RelVarchar))
		}
		return s, nil
	case kdbpush.NullExpression:
		target, _, err := b.operand(e.Target)
		if err != nil {
			return "", err
		}
		if e.Negated {
			return target + " IS NOT NULL", nil
		}
		return target + " IS NULL", nil
	case kdbpush.ComparisonExpression:
		target, rel, err := b.operand(e.Target)
		if err != nil {
			return "", err
		}
		return target + " " + string(e.Operator) + " " + b.arg(e.Value, rel), nil
	case kdbpush.NotExpression:
		inner, err := b.expression(e.Operand)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case kdbpush.AndExpression:
		terms := make([]string, len(e.Terms))
		for i, t := range e.Terms {
			s, err := b.expression(t)
			if err != nil {
				return "", err
			}
			terms[i] = s
		}
		if len(terms) == 0 {
			return "TRUE", nil
		}
		return "(" + strings.Join(terms, " AND ") + ")", nil
	}
	return "", kdbpush.NewCompilationError("unsupported expression %T", x)
}

// localAggregates are the DuckDB functions of the directly computed kinds.
var localAggregates = map[kdbpush.AggregateKind]string{
	kdbpush.AggAvg:        "avg",
	kdbpush.AggStddevSamp: "stddev_samp",
	kdbpush.AggStddevPop:  "stddev_pop",
	kdbpush.AggVarSamp:    "var_samp",
	kdbpush.AggVarPop:     "var_pop",
	kdbpush.AggBoolAnd:    "bool_and",
	kdbpush.AggBoolOr:     "bool_or",
	kdbpush.AggCountIf:    "count_if",
}

func (b *localSQL) aggregate(call kdbpush.AggregateCall) (localAggregate, error) {
	kind, err := kdbpush.ParseAggregateKind(call.Function, call.Arg != nil)
	if err != nil {
		return localAggregate{}, kdbpush.NewCompilationError("%v", err)
	}
	a := localAggregate{kind: kind}
	if kind == kdbpush.AggCountAll {
		a.sql, a.rel = "count(*)", kdbpush.Rel(kdbpush.RelBigInt)
		return a, nil
	}
	ref, ok := call.Arg.(kdbpush.ColumnRef)
	if !ok {
		return a, kdbpush.NewCompilationError("aggregate %s over %T", call.Function, call.Arg)
	}
	idx, err := b.use(ref.Column.Name)
	if err != nil {
		return a, err
	}
	a.column = ref.Column.Name
	col, rel := quoteIdent(ref.Column.Name), b.page.Types[idx]

	switch kind {
	case kdbpush.AggCount:
		a.sql = "count(" + col + ")"
		if call.Distinct {
			a.sql = "count(DISTINCT " + col + ")"
		}
		a.rel = kdbpush.Rel(kdbpush.RelBigInt)
	case kdbpush.AggSum:
		switch rel.Kind {
		case kdbpush.RelTinyInt, kdbpush.RelSmallInt, kdbpush.RelInteger, kdbpush.RelBigInt:
			a.sql, a.rel = "CAST(sum("+col+") AS BIGINT)", kdbpush.Rel(kdbpush.RelBigInt)
		default:
			a.sql, a.rel = "CAST(sum("+col+") AS DOUBLE)", kdbpush.Rel(kdbpush.RelDouble)
		}
	case kdbpush.AggMin:
		a.sql, a.rel = "arg_min(__row, "+col+")", rel
	case kdbpush.AggMax:
		a.sql, a.rel = "arg_max(__row, "+col+")", rel
	case kdbpush.AggBoolAnd, kdbpush.AggBoolOr:
		a.sql, a.rel = localAggregates[kind]+"("+col+")", kdbpush.Rel(kdbpush.RelBoolean)
	case kdbpush.AggCountIf:
		a.sql, a.rel = "count_if("+col+")", kdbpush.Rel(kdbpush.RelBigInt)
	default:
		fn, ok := localAggregates[kind]
		if !ok {
			return a, kdbpush.NewCompilationError("unsupported aggregate %s", kind)
		}
		a.sql, a.rel = "CAST("+fn+"("+col+") AS DOUBLE)", kdbpush.Rel(kdbpush.RelDouble)
	}
	if call.Distinct && kind != kdbpush.AggCount {
		return a, kdbpush.NewCompilationError("DISTINCT is only supported for count")
	}
	return a, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// duckType is the storage type of a relational type. TIME is kept as
// nanoseconds, UUIDs and arrays as text.
func duckType(rel kdbpush.RelType) string {
	switch rel.Kind {
	case kdbpush.RelBoolean:
		return "BOOLEAN"
	case kdbpush.RelTinyInt, kdbpush.RelSmallInt, kdbpush.RelInteger, kdbpush.RelBigInt, kdbpush.RelTime:
		return "BIGINT"
	case kdbpush.RelReal, kdbpush.RelDouble:
		return "DOUBLE"
	case kdbpush.RelDate, kdbpush.RelTimestamp:
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}

// duckValue converts a relational value to its storage representation.
func duckValue(v any, rel kdbpush.RelType) driver.Value {
	if v == nil {
		return nil
	}
	switch rel.Kind {
	case kdbpush.RelBoolean:
		if b, ok := v.(bool); ok {
			return b
		}
	case kdbpush.RelTinyInt, kdbpush.RelSmallInt, kdbpush.RelInteger, kdbpush.RelBigInt:
		if n, ok := asInt(v); ok {
			return n
		}
		if f, ok := asFloat(v); ok {
			return f
		}
	case kdbpush.RelReal, kdbpush.RelDouble:
		if f, ok := asFloat(v); ok {
			return f
		}
	case kdbpush.RelTime:
		if d, ok := v.(time.Duration); ok {
			return int64(d)
		}
	case kdbpush.RelDate, kdbpush.RelTimestamp:
		if t, ok := v.(time.Time); ok {
			return t
		}
	case kdbpush.RelUUID:
		if u, ok := v.(uuid.UUID); ok {
			return u.String()
		}
	case kdbpush.RelVarchar:
		if s, ok := v.(string); ok {
			return s
		}
	}
	return kdbpush.FormatValue(v)
}
