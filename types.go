package kdbpush

import (
	"reflect"
	"strings"

	"github.com/google/uuid"
)

// DefaultNamespace is the exposed name of the store's root namespace.
const DefaultNamespace = "default"

// ColumnHandle identifies a column of a resolved table.
type ColumnHandle struct {
	Name       string     `json:"name"`
	NativeName string     `json:"nativeName"`
	Type       ColumnType `json:"type"`
	Attribute  Attribute  `json:"attribute,omitempty"`
	Partition  bool       `json:"partition,omitempty"`
	Ordinal    int        `json:"ordinal"`
}

// NewColumnHandle builds a handle, exposing the native name in lowercase.
func NewColumnHandle(nativeName string, typ ColumnType, ordinal int) ColumnHandle {
	return ColumnHandle{
		Name:       strings.ToLower(nativeName),
		NativeName: nativeName,
		Type:       typ,
		Ordinal:    ordinal,
	}
}

// TableHandle identifies a native table or a pass-through query together with
// everything pushed into it so far. Handles are immutable; every With method
// returns a new handle and leaves the receiver untouched.
type TableHandle struct {
	namespace       string
	nativeNamespace string
	name            string
	nativeName      string
	passThrough     bool
	partitioned     bool
	partitionColumn *ColumnHandle
	partitions      []any

	constraint  Constraint
	expressions []Expression
	aggregation *PushedAggregation
	limit       int64
	hasLimit    bool

	// limit pushed before the aggregation; bounds its input rows
	aggInputLimit    int64
	hasAggInputLimit bool
}

// NewTableHandle builds a handle for a native table. nativeNamespace is empty
// for the root namespace and has no leading dot otherwise.
func NewTableHandle(nativeNamespace, nativeName string) *TableHandle {
	ns := DefaultNamespace
	if nativeNamespace != "" {
		ns = strings.ToLower(nativeNamespace)
	}
	return &TableHandle{
		namespace:       ns,
		nativeNamespace: nativeNamespace,
		name:            strings.ToLower(nativeName),
		nativeName:      nativeName,
	}
}

// NewPassThroughHandle builds a handle whose source is the verbatim query text.
func NewPassThroughHandle(namespace, query string) *TableHandle {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &TableHandle{
		namespace:   namespace,
		name:        query,
		nativeName:  query,
		passThrough: true,
	}
}

func (t *TableHandle) Namespace() string       { return t.namespace }
func (t *TableHandle) NativeNamespace() string { return t.nativeNamespace }
func (t *TableHandle) Name() string            { return t.name }
func (t *TableHandle) NativeName() string      { return t.nativeName }
func (t *TableHandle) IsPassThrough() bool     { return t.passThrough }
func (t *TableHandle) IsPartitioned() bool     { return t.partitioned }
func (t *TableHandle) Constraint() Constraint  { return t.constraint }
func (t *TableHandle) HasAggregation() bool    { return t.aggregation != nil }

// QualifiedNativeName is the name the store resolves: `.ns.T` or `T`.
func (t *TableHandle) QualifiedNativeName() string {
	if t.nativeNamespace == "" || t.passThrough {
		return t.nativeName
	}
	return "." + t.nativeNamespace + "." + t.nativeName
}

// PartitionColumn returns the partition column of a partitioned table.
func (t *TableHandle) PartitionColumn() (ColumnHandle, bool) {
	if t.partitionColumn == nil {
		return ColumnHandle{}, false
	}
	return *t.partitionColumn, true
}

// Partitions returns the discovered partition values in discovery order.
func (t *TableHandle) Partitions() []any { return append([]any(nil), t.partitions...) }

// Expressions returns the scalar predicates pushed so far.
func (t *TableHandle) Expressions() []Expression { return append([]Expression(nil), t.expressions...) }

// Aggregation returns the pushed aggregation, if any.
func (t *TableHandle) Aggregation() (PushedAggregation, bool) {
	if t.aggregation == nil {
		return PushedAggregation{}, false
	}
	return *t.aggregation, true
}

// Limit returns the pushed row limit.
func (t *TableHandle) Limit() (int64, bool) { return t.limit, t.hasLimit }

func (t *TableHandle) clone() *TableHandle {
	c := *t
	return &c
}

// WithPartitions marks the table partitioned by col with the given values.
func (t *TableHandle) WithPartitions(col ColumnHandle, values []any) *TableHandle {
	c := t.clone()
	col.Partition = true
	c.partitioned = true
	c.partitionColumn = &col
	c.partitions = append([]any(nil), values...)
	return c
}

// WithConstraint returns a handle whose constraint is intersected with cons.
func (t *TableHandle) WithConstraint(cons Constraint) *TableHandle {
	c := t.clone()
	c.constraint = t.constraint.Intersect(cons)
	return c
}

// WithExpressions returns a handle with exprs appended to the pushed predicates.
func (t *TableHandle) WithExpressions(exprs ...Expression) *TableHandle {
	c := t.clone()
	c.expressions = append(append([]Expression(nil), t.expressions...), exprs...)
	return c
}

// WithAggregation returns a handle with agg pushed. A limit pushed earlier
// becomes the limit of the aggregation's input.
func (t *TableHandle) WithAggregation(agg PushedAggregation) *TableHandle {
	c := t.clone()
	a := agg.clone()
	c.aggregation = &a
	if t.hasLimit {
		c.aggInputLimit, c.hasAggInputLimit = t.limit, true
		c.limit, c.hasLimit = 0, false
	}
	return c
}

// AggregationInputLimit returns the row limit applied before aggregating.
func (t *TableHandle) AggregationInputLimit() (int64, bool) {
	return t.aggInputLimit, t.hasAggInputLimit
}

// WithLimit returns a handle limited to n rows, keeping the smaller of two limits.
func (t *TableHandle) WithLimit(n int64) *TableHandle {
	c := t.clone()
	if !t.hasLimit || n < t.limit {
		c.limit = n
	}
	c.hasLimit = true
	return c
}

// Equal reports whether two handles describe the same table with the same pushdown state.
func (t *TableHandle) Equal(o *TableHandle) bool {
	if t == nil || o == nil {
		return t == o
	}
	return reflect.DeepEqual(t, o)
}

func (t *TableHandle) String() string {
	if t.passThrough {
		return t.namespace + ":(" + t.nativeName + ")"
	}
	return t.namespace + "." + t.name
}

// Split is one independently executable unit of a scan.
type Split struct {
	ID           uuid.UUID
	Table        *TableHandle
	Partition    any
	HasPartition bool
}

// Page is a block of decoded rows stored column by column. NumRows counts
// the rows of a page with no columns.
type Page struct {
	Columns []string
	Types   []RelType
	Values  [][]any
	NumRows int
}

// NewPage allocates an empty page with the given columns.
func NewPage(columns []string, types []RelType) *Page {
	return &Page{
		Columns: append([]string(nil), columns...),
		Types:   append([]RelType(nil), types...),
		Values:  make([][]any, len(columns)),
	}
}

// RowCount is the number of rows in the page.
func (p *Page) RowCount() int {
	if p == nil {
		return 0
	}
	if len(p.Values) == 0 {
		return p.NumRows
	}
	return len(p.Values[0])
}

// Row returns row i as a slice of column values.
func (p *Page) Row(i int) []any {
	row := make([]any, len(p.Values))
	for c := range p.Values {
		row[c] = p.Values[c][i]
	}
	return row
}

// Rows materializes all rows.
func (p *Page) Rows() [][]any {
	out := make([][]any, p.RowCount())
	for i := range out {
		out[i] = p.Row(i)
	}
	return out
}

// AppendRow adds one row; len(row) must equal the number of columns.
func (p *Page) AppendRow(row []any) {
	p.NumRows++
	for c := range p.Values {
		p.Values[c] = append(p.Values[c], row[c])
	}
}

// Append concatenates o onto p. Both pages must share a layout.
func (p *Page) Append(o *Page) {
	if o == nil {
		return
	}
	p.NumRows += o.RowCount()
	for c := range p.Values {
		p.Values[c] = append(p.Values[c], o.Values[c]...)
	}
}

// Column returns the values of the named column.
func (p *Page) Column(name string) ([]any, bool) {
	for i, c := range p.Columns {
		if c == name {
			return p.Values[i], true
		}
	}
	return nil, false
}

// Estimate is an optional statistic.
type Estimate struct {
	Value float64 `json:"value"`
	Known bool    `json:"known"`
}

// Known builds a known estimate.
func Known(v float64) Estimate { return Estimate{Value: v, Known: true} }

// Unknown is an absent estimate.
var Unknown = Estimate{}

// ValueRange is the min/max of an orderable column.
type ValueRange struct {
	Min any `json:"min"`
	Max any `json:"max"`
}

// ColumnStatistics describes one column.
type ColumnStatistics struct {
	NullsFraction  Estimate    `json:"nullsFraction"`
	DistinctValues Estimate    `json:"distinctValues"`
	DataSize       Estimate    `json:"dataSize"`
	Range          *ValueRange `json:"range,omitempty"`
}

// Statistics describes a table.
type Statistics struct {
	RowCount Estimate                    `json:"rowCount"`
	Columns  map[string]ColumnStatistics `json:"columns,omitempty"`
}

// EmptyStatistics has no information at all.
func EmptyStatistics() Statistics { return Statistics{} }

func (s Statistics) IsEmpty() bool { return !s.RowCount.Known && len(s.Columns) == 0 }

// Truncate keeps the first n rows.
func (p *Page) Truncate(n int) {
	if n >= p.RowCount() {
		return
	}
	for c := range p.Values {
		p.Values[c] = p.Values[c][:n]
	}
	p.NumRows = n
}
