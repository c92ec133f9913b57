package internal

import (
	"fmt"
	"strings"

	"github.com/lychee-technology/kdbpush"
)

// CompiledQuery is the native text of one split. Windowed queries are issued
// through Window; the rest run once as Text.
type CompiledQuery struct {
	head string
	body string

	// Windowed queries take a `[offset count]` window after select.
	Windowed bool
	// Empty queries admit no row and are never sent.
	Empty bool
	// Constant rows stand in for an Empty query whose answer is known.
	Constant [][]any
	// Limit bounds the total rows read when HasLimit is set.
	Limit    int64
	HasLimit bool
	Fields   []ResultField
}

// Window renders the query for rows [offset, offset+count).
func (q *CompiledQuery) Window(offset, count int64) string {
	if offset == 0 {
		return fmt.Sprintf("%s[%d] %s", q.head, count, q.body)
	}
	return fmt.Sprintf("%s[%d %d] %s", q.head, offset, count, q.body)
}

// Text renders a single-shot query.
func (q *CompiledQuery) Text() string { return q.head + q.body }

// QueryCompiler turns a pushed-down table handle into native query text.
type QueryCompiler struct {
	PageSize      int64
	VirtualTables bool
}

// NewQueryCompiler builds a compiler for a session.
func NewQueryCompiler(session kdbpush.SessionConfig) *QueryCompiler {
	return &QueryCompiler{PageSize: int64(session.PageSize), VirtualTables: session.VirtualTables}
}

// Compile renders the scan of columns over table, restricted to partition
// when it is non-nil.
func (c *QueryCompiler) Compile(table *kdbpush.TableHandle, columns []kdbpush.ColumnHandle, partition any) (*CompiledQuery, error) {
	filter, err := RenderFilter(table, partition)
	if err != nil {
		return nil, err
	}
	q := &CompiledQuery{}
	q.Limit, q.HasLimit = table.Limit()
	if filter.Empty {
		q.Empty = true
		if agg, ok := table.Aggregation(); ok && len(agg.GroupBy) == 0 {
			return emptyAggregate(q, agg, columns)
		}
		return q, nil
	}

	if agg, ok := table.Aggregation(); ok {
		if agg.HasDistinct() {
			return c.compileDistinct(q, table, agg, filter, columns)
		}
		return c.compileAggregation(q, table, agg, filter, columns)
	}
	return c.compileRows(q, table, filter, columns, partition != nil)
}

func (c *QueryCompiler) compileRows(q *CompiledQuery, table *kdbpush.TableHandle, filter RenderedFilter, columns []kdbpush.ColumnHandle, split bool) (*CompiledQuery, error) {
	names := make([]string, len(columns))
	for i, col := range columns {
		if col.NativeName == "" {
			return nil, kdbpush.NewCompilationError("column %s has no native name", col.Name)
		}
		names[i] = col.NativeName
		q.Fields = append(q.Fields, ResultField{
			Source: col.NativeName,
			Name:   col.Name,
			Native: col.Type,
			Rel:    MapNativeType(col.Type),
		})
	}
	projection := strings.Join(names, ", ")
	if projection == "" {
		projection = "i"
	}

	where := filter.Clauses
	if len(where) == 0 && q.HasLimit && !table.IsPartitioned() {
		where = []string{fmt.Sprintf("i<%d", q.Limit)}
	}

	q.Windowed = true
	q.head = "select "
	if c.VirtualTables || split {
		q.body = "from select " + projection + " from " + Source(table) + whereClause(where)
	} else {
		q.body = projection + " from " + Source(table) + whereClause(where)
	}
	return q, nil
}

func (c *QueryCompiler) compileAggregation(q *CompiledQuery, table *kdbpush.TableHandle, agg kdbpush.PushedAggregation, filter RenderedFilter, columns []kdbpush.ColumnHandle) (*CompiledQuery, error) {
	exprs := make([]string, len(agg.Outputs))
	for i, out := range agg.Outputs {
		e, err := RenderAggregate(out)
		if err != nil {
			return nil, err
		}
		exprs[i] = out.Name + ": " + e
	}
	inner := "select " + strings.Join(exprs, ", ")
	if len(agg.GroupBy) > 0 {
		inner += " by " + nativeNames(agg.GroupBy)
	}
	inner += " from " + aggregationInput(table, filter.Clauses, nil)

	fields, names, err := aggregationFields(agg, columns)
	if err != nil {
		return nil, err
	}
	q.Fields = fields
	q.Windowed = true
	q.head = "select "
	q.body = strings.Join(names, ", ") + " from (" + inner + ")"
	return q, nil
}

// compileDistinct renders count(DISTINCT c) as a grouped count counted again.
// The result is a single row per group and is not windowed.
func (c *QueryCompiler) compileDistinct(q *CompiledQuery, table *kdbpush.TableHandle, agg kdbpush.PushedAggregation, filter RenderedFilter, columns []kdbpush.ColumnHandle) (*CompiledQuery, error) {
	if len(agg.Outputs) != 1 || agg.Outputs[0].Column == nil {
		return nil, kdbpush.NewCompilationError("count(DISTINCT) must be the only aggregate")
	}
	out := agg.Outputs[0]
	target := out.Column.NativeName
	keys := append(append([]kdbpush.ColumnHandle(nil), agg.GroupBy...), *out.Column)

	var post []string
	if IsNullable(out.Column.Type) {
		post = []string{"not null " + target}
	}
	inner := "select count i by " + nativeNames(keys) + " from " + aggregationInput(table, filter.Clauses, post)

	outer := out.Name + ": count " + target
	if len(agg.GroupBy) > 0 {
		outer += " by " + nativeNames(agg.GroupBy)
	}

	fields, _, err := aggregationFields(agg, columns)
	if err != nil {
		return nil, err
	}
	q.Fields = fields
	q.head = "select "
	q.body = outer + " from (" + inner + ")"
	return q, nil
}

// emptyAggregate answers a global aggregation over no rows: one row with
// zero counts and null for every other aggregate.
func emptyAggregate(q *CompiledQuery, agg kdbpush.PushedAggregation, columns []kdbpush.ColumnHandle) (*CompiledQuery, error) {
	fields, _, err := aggregationFields(agg, columns)
	if err != nil {
		return nil, err
	}
	row := make([]any, len(fields))
	for i, f := range fields {
		for _, o := range agg.Outputs {
			if o.Name == f.Source && isCount(o) {
				row[i] = int64(0)
			}
		}
	}
	q.Fields = fields
	q.Constant = [][]any{row}
	return q, nil
}

func isCount(o kdbpush.AggregateOutput) bool {
	switch o.Kind {
	case kdbpush.AggCountAll, kdbpush.AggCount, kdbpush.AggCountIf:
		return true
	}
	return false
}

// aggregationInput renders the rows an aggregation reads, applying a limit
// pushed before it. post clauses filter the limited rows.
func aggregationInput(table *kdbpush.TableHandle, clauses, post []string) string {
	src := Source(table)
	n, limited := table.AggregationInputLimit()
	switch {
	case !limited:
		return src + whereClause(concat(clauses, post))
	case len(clauses) == 0 && !table.IsPartitioned():
		return src + whereClause(concat([]string{fmt.Sprintf("i<%d", n)}, post))
	default:
		return fmt.Sprintf("(select [%d] from %s%s)", n, src, whereClause(clauses)) + whereClause(post)
	}
}

func concat(a, b []string) []string {
	return append(append([]string(nil), a...), b...)
}

func aggregationFields(agg kdbpush.PushedAggregation, columns []kdbpush.ColumnHandle) ([]ResultField, []string, error) {
	if len(columns) == 0 {
		columns = OutputColumns(agg)
	}
	fields := make([]ResultField, 0, len(columns))
	names := make([]string, 0, len(columns))
	for _, col := range columns {
		f, ok := aggregationField(agg, col.Name)
		if !ok {
			return nil, nil, kdbpush.NewCompilationError("column %s is not produced by the aggregation", col.Name)
		}
		fields = append(fields, f)
		names = append(names, f.Source)
	}
	return fields, names, nil
}

func aggregationField(agg kdbpush.PushedAggregation, name string) (ResultField, bool) {
	for _, g := range agg.GroupBy {
		if g.Name == name {
			return ResultField{Source: g.NativeName, Name: g.Name, Native: g.Type, Rel: MapNativeType(g.Type)}, true
		}
	}
	for _, o := range agg.Outputs {
		if o.Name == name {
			return ResultField{Source: o.Name, Name: o.Name, Rel: o.Type, ByWire: true}, true
		}
	}
	return ResultField{}, false
}

// OutputColumns are the columns of an aggregated table: group keys, then outputs.
func OutputColumns(agg kdbpush.PushedAggregation) []kdbpush.ColumnHandle {
	out := make([]kdbpush.ColumnHandle, 0, len(agg.GroupBy)+len(agg.Outputs))
	for _, g := range agg.GroupBy {
		g.Ordinal = len(out)
		out = append(out, g)
	}
	for _, o := range agg.Outputs {
		out = append(out, kdbpush.ColumnHandle{
			Name:       o.Name,
			NativeName: o.Name,
			Type:       outputNativeType(o),
			Ordinal:    len(out),
		})
	}
	return out
}

func outputNativeType(o kdbpush.AggregateOutput) kdbpush.ColumnType {
	switch o.Type.Kind {
	case kdbpush.RelBigInt:
		return kdbpush.Column(kdbpush.TypeLong)
	case kdbpush.RelDouble:
		return kdbpush.Column(kdbpush.TypeFloat)
	case kdbpush.RelBoolean:
		return kdbpush.Column(kdbpush.TypeBoolean)
	}
	if o.Column != nil {
		return o.Column.Type
	}
	return kdbpush.ColumnUnknown
}

func nativeNames(cols []kdbpush.ColumnHandle) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.NativeName
	}
	return strings.Join(names, ", ")
}

func whereClause(clauses []string) string {
	if len(clauses) == 0 {
		return ""
	}
	return " where " + strings.Join(clauses, ", ")
}

// Source renders the table a query reads: `.ns.T`, `T`, or a parenthesised
// pass-through query.
func Source(table *kdbpush.TableHandle) string {
	if !table.IsPassThrough() {
		return table.QualifiedNativeName()
	}
	q := strings.TrimSpace(table.NativeName())
	if enclosed(q) {
		return q
	}
	return "(" + q + ")"
}

// enclosed reports whether the parenthesis opening s closes at its last byte.
func enclosed(s string) bool {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return false
	}
	depth := 0
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch ch {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return false
			}
		}
	}
	return depth == 0
}
