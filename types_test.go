package kdbpush

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableHandle_WithIsImmutable(t *testing.T) {
	base := NewTableHandle("", "ATable")
	iq := NewColumnHandle("IQ", Column(TypeLong), 1)

	filtered := base.WithConstraint(NewConstraint(ColumnDomain{Column: iq, Domain: DomainRanges(false, GreaterThan(int64(50)))}))
	limited := filtered.WithLimit(10)

	assert.True(t, base.Constraint().IsAll(), "base handle must not change")
	_, hasLimit := filtered.Limit()
	assert.False(t, hasLimit)

	n, ok := limited.Limit()
	require.True(t, ok)
	assert.Equal(t, int64(10), n)
	assert.False(t, limited.Constraint().IsAll())

	assert.Equal(t, "atable", base.Name())
	assert.Equal(t, "ATable", base.NativeName())
	assert.Equal(t, "iq", iq.Name)
	assert.Equal(t, "IQ", iq.NativeName)
}

func TestTableHandle_WithLimitKeepsSmaller(t *testing.T) {
	h := NewTableHandle("", "t").WithLimit(5).WithLimit(20)
	n, _ := h.Limit()
	if n != 5 {
		t.Fatalf("expected limit 5, got %d", n)
	}
}

func TestTableHandle_Equal(t *testing.T) {
	a := NewTableHandle("ns", "t").WithLimit(3)
	b := NewTableHandle("ns", "t").WithLimit(3)
	c := NewTableHandle("ns", "t").WithLimit(4)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestTableHandle_Names(t *testing.T) {
	assert.Equal(t, "default", NewTableHandle("", "t").Namespace())
	assert.Equal(t, ".myns.Trades", NewTableHandle("myns", "Trades").QualifiedNativeName())
	assert.Equal(t, "myns", NewTableHandle("MyNs", "Trades").Namespace())

	pt := NewPassThroughHandle("", "select max iq from atable")
	assert.True(t, pt.IsPassThrough())
	assert.Equal(t, "select max iq from atable", pt.QualifiedNativeName())
}

func TestTableHandle_WithAggregationCopies(t *testing.T) {
	sym := NewColumnHandle("sym", Column(TypeSymbol), 0)
	agg := PushedAggregation{
		Outputs: []AggregateOutput{{Name: "col0", Kind: AggCount, Column: &sym, Distinct: true}},
	}
	h := NewTableHandle("", "t").WithAggregation(agg)
	agg.Outputs[0].Name = "changed"

	got, ok := h.Aggregation()
	require.True(t, ok)
	assert.Equal(t, "col0", got.Outputs[0].Name)
	assert.True(t, got.HasDistinct())
}

func TestTableHandle_WithPartitions(t *testing.T) {
	date := NewColumnHandle("date", Column(TypeDate), 0)
	h := NewTableHandle("", "partition_table").WithPartitions(date, []any{"a", "b"})
	col, ok := h.PartitionColumn()
	require.True(t, ok)
	assert.True(t, col.Partition)
	assert.True(t, h.IsPartitioned())
	assert.Equal(t, []any{"a", "b"}, h.Partitions())
}

func TestPage_AppendAndRows(t *testing.T) {
	p := NewPage([]string{"name", "iq"}, []RelType{Rel(RelVarchar), Rel(RelBigInt)})
	p.AppendRow([]any{"Dent", int64(98)})
	q := NewPage([]string{"name", "iq"}, []RelType{Rel(RelVarchar), Rel(RelBigInt)})
	q.AppendRow([]any{"Prefect", int64(126)})
	p.Append(q)

	assert.Equal(t, 2, p.RowCount())
	assert.Equal(t, [][]any{{"Dent", int64(98)}, {"Prefect", int64(126)}}, p.Rows())
	iq, ok := p.Column("iq")
	require.True(t, ok)
	assert.Equal(t, []any{int64(98), int64(126)}, iq)
}

func TestParseAggregateKind(t *testing.T) {
	cases := map[string]AggregateKind{
		"stddev":      AggStddevSamp,
		"stddev_samp": AggStddevSamp,
		"stddev_pop":  AggStddevPop,
		"variance":    AggVarSamp,
		"var_samp":    AggVarSamp,
		"var_pop":     AggVarPop,
		"every":       AggBoolAnd,
		"bool_or":     AggBoolOr,
		"COUNT_IF":    AggCountIf,
	}
	for name, want := range cases {
		got, err := ParseAggregateKind(name, true)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	got, err := ParseAggregateKind("count", false)
	require.NoError(t, err)
	assert.Equal(t, AggCountAll, got)

	_, err = ParseAggregateKind("approx_percentile", true)
	assert.Error(t, err)
}
