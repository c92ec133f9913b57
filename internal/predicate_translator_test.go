package internal

import (
	"math"
	"testing"

	"github.com/lychee-technology/kdbpush"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	symCol   = kdbpush.NewColumnHandle("sym", kdbpush.Column(kdbpush.TypeSymbol), 0)
	noteCol  = kdbpush.NewColumnHandle("note", kdbpush.ColumnString, 1)
	sizeCol  = kdbpush.NewColumnHandle("size", kdbpush.Column(kdbpush.TypeLong), 2)
	priceCol = kdbpush.NewColumnHandle("price", kdbpush.Column(kdbpush.TypeFloat), 3)
	flagCol  = kdbpush.NewColumnHandle("flag", kdbpush.Column(kdbpush.TypeBoolean), 4)
	tagsCol  = kdbpush.NewColumnHandle("tags", kdbpush.ArrayOf(kdbpush.TypeLong), 5)
)

func ref(c kdbpush.ColumnHandle) kdbpush.ColumnRef { return kdbpush.ColumnRef{Column: c} }

func TestClassifyFilter_ComparisonsFoldIntoConstraint(t *testing.T) {
	cls := ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{
		kdbpush.ComparisonExpression{Target: ref(sizeCol), Operator: kdbpush.OpGreaterThan, Value: int64(50)},
		kdbpush.ComparisonExpression{Target: ref(sizeCol), Operator: kdbpush.OpLessOrEqual, Value: int64(90)},
	}, true)

	assert.True(t, cls.Pushed())
	assert.Empty(t, cls.RemainingExpressions)
	assert.True(t, cls.RemainingConstraint.IsAll())
	d, ok := cls.Constraint.Domain("size")
	require.True(t, ok)
	assert.True(t, d.Includes(int64(90)))
	assert.False(t, d.Includes(int64(50)))
}

func TestClassifyFilter_Residuals(t *testing.T) {
	upper := kdbpush.FunctionCall{Name: "upper", Arg: ref(symCol)}
	exprs := []kdbpush.Expression{
		kdbpush.ComparisonExpression{Target: upper, Operator: kdbpush.OpEqual, Value: "AB"},
		kdbpush.ComparisonExpression{Target: ref(noteCol), Operator: kdbpush.OpGreaterThan, Value: "m"},
		kdbpush.NullExpression{Target: ref(noteCol)},
		kdbpush.NotExpression{Operand: kdbpush.ComparisonExpression{Target: ref(sizeCol), Operator: kdbpush.OpEqual, Value: int64(1)}},
	}
	cls := ClassifyFilter(kdbpush.ConstraintAll(), exprs, true)

	assert.False(t, cls.Pushed())
	assert.Equal(t, exprs, cls.RemainingExpressions)
}

func TestClassifyFilter_UnpushableDomainsRemain(t *testing.T) {
	cons := kdbpush.NewConstraint(
		kdbpush.ColumnDomain{Column: tagsCol, Domain: kdbpush.DomainNotNull()},
		kdbpush.ColumnDomain{Column: noteCol, Domain: kdbpush.DomainRanges(false, kdbpush.GreaterThan("a"))},
		kdbpush.ColumnDomain{Column: sizeCol, Domain: kdbpush.DomainValues(int64(1), int64(2))},
	)
	cls := ClassifyFilter(cons, nil, true)

	_, pushed := cls.Constraint.Domain("size")
	assert.True(t, pushed)
	_, remaining := cls.RemainingConstraint.Domain("tags")
	assert.True(t, remaining)
	_, remaining = cls.RemainingConstraint.Domain("note")
	assert.True(t, remaining)
}

func TestClassifyFilter_ByteRangesRemain(t *testing.T) {
	byteCol := kdbpush.NewColumnHandle("b", kdbpush.Column(kdbpush.TypeByte), 6)
	gt := kdbpush.ComparisonExpression{Target: ref(byteCol), Operator: kdbpush.OpGreaterThan, Value: int8(0)}
	eq := kdbpush.ComparisonExpression{Target: ref(byteCol), Operator: kdbpush.OpEqual, Value: int8(-1)}

	cls := ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{gt}, true)
	assert.False(t, cls.Pushed())
	assert.Equal(t, []kdbpush.Expression{gt}, cls.RemainingExpressions)

	cls = ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{eq}, true)
	assert.True(t, cls.Pushed())
	assert.Empty(t, cls.RemainingExpressions)

	cons := kdbpush.NewConstraint(kdbpush.ColumnDomain{Column: byteCol, Domain: kdbpush.DomainRanges(false, kdbpush.LessThan(int8(5)))})
	cls = ClassifyFilter(cons, nil, true)
	_, residual := cls.RemainingConstraint.Domain("b")
	assert.True(t, residual)
}

func TestClassifyFilter_NaNComparisonRemains(t *testing.T) {
	nan := kdbpush.ComparisonExpression{Target: ref(priceCol), Operator: kdbpush.OpGreaterThan, Value: math.NaN()}
	cls := ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{nan}, true)
	assert.False(t, cls.Pushed())
	require.Len(t, cls.RemainingExpressions, 1)
}

func TestClassifyFilter_NoneConstraint(t *testing.T) {
	cls := ClassifyFilter(kdbpush.ConstraintNone(), nil, true)
	assert.True(t, cls.Constraint.IsNone())
	assert.True(t, cls.Pushed())
}

func TestClassifyFilter_Like(t *testing.T) {
	like := kdbpush.LikeExpression{Target: ref(symCol), Pattern: "AB%"}

	cls := ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{like}, true)
	assert.Equal(t, []kdbpush.Expression{like}, cls.Expressions)

	cls = ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{like}, false)
	assert.Empty(t, cls.Expressions)
	assert.Equal(t, []kdbpush.Expression{like}, cls.RemainingExpressions)

	escaped := kdbpush.LikeExpression{Target: ref(symCol), Pattern: "A!%%", Escape: "!"}
	cls = ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{escaped}, true)
	assert.Equal(t, []kdbpush.Expression{escaped}, cls.RemainingExpressions)

	onNumber := kdbpush.LikeExpression{Target: ref(sizeCol), Pattern: "1%"}
	cls = ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{onNumber}, true)
	assert.Equal(t, []kdbpush.Expression{onNumber}, cls.RemainingExpressions)
}

func TestClassifyFilter_UnderscoreWithMultiByteTextRemains(t *testing.T) {
	accented := kdbpush.LikeExpression{Target: ref(noteCol), Pattern: "caf_ é%"}
	cls := ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{accented}, true)
	assert.Empty(t, cls.Expressions)
	assert.Equal(t, []kdbpush.Expression{accented}, cls.RemainingExpressions)

	ascii := kdbpush.LikeExpression{Target: ref(noteCol), Pattern: "caf_%"}
	cls = ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{ascii}, true)
	assert.Equal(t, []kdbpush.Expression{ascii}, cls.Expressions)

	prefix := kdbpush.LikeExpression{Target: ref(noteCol), Pattern: "é%"}
	cls = ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{prefix}, true)
	assert.Equal(t, []kdbpush.Expression{prefix}, cls.Expressions)
}

func TestClassifyFilter_LikeWithoutWildcardIsEquality(t *testing.T) {
	cls := ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{
		kdbpush.LikeExpression{Target: ref(noteCol), Pattern: "abc"},
	}, true)
	d, ok := cls.Constraint.Domain("note")
	require.True(t, ok)
	v, single := d.SingleValue()
	require.True(t, single)
	assert.Equal(t, "abc", v)
	assert.Empty(t, cls.Expressions)
}

func TestClassifyFilter_TwoLikesOnSymbol(t *testing.T) {
	prefix := kdbpush.LikeExpression{Target: ref(symCol), Pattern: "AB%"}
	suffix := kdbpush.LikeExpression{Target: ref(symCol), Pattern: "%Z"}

	cls := ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{prefix, suffix}, true)
	assert.Equal(t, []kdbpush.Expression{suffix}, cls.Expressions)
	d, ok := cls.Constraint.Domain("sym")
	require.True(t, ok)
	assert.True(t, d.Includes("ABX"))
	assert.False(t, d.Includes("AC"))
	assert.Empty(t, cls.RemainingExpressions)
}

func TestClassifyFilter_TwoPatternsOnOneColumnStayResidual(t *testing.T) {
	a := kdbpush.LikeExpression{Target: ref(noteCol), Pattern: "%a%"}
	b := kdbpush.LikeExpression{Target: ref(noteCol), Pattern: "%b%"}

	cls := ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{a, b}, true)
	assert.Empty(t, cls.Expressions)
	assert.Equal(t, []kdbpush.Expression{a, b}, cls.RemainingExpressions)
}

func TestClassifyFilter_NullChecks(t *testing.T) {
	cls := ClassifyFilter(kdbpush.ConstraintAll(), []kdbpush.Expression{
		kdbpush.NullExpression{Target: ref(sizeCol), Negated: true},
	}, true)
	d, ok := cls.Constraint.Domain("size")
	require.True(t, ok)
	assert.True(t, d.AllValues())
	assert.False(t, d.NullAllowed())
}

func TestRenderDomain(t *testing.T) {
	tests := []struct {
		name   string
		col    kdbpush.ColumnHandle
		domain kdbpush.Domain
		want   string
	}{
		{"greater than", sizeCol, kdbpush.DomainRanges(false, kdbpush.GreaterThan(int64(50))), "size > 50"},
		{"at most", sizeCol, kdbpush.DomainRanges(false, kdbpush.LessThanOrEqual(int64(7))), "size <= 7"},
		{"equal", sizeCol, kdbpush.DomainSingle(int64(3)), "size = 3"},
		{"in", sizeCol, kdbpush.DomainValues(int64(1), int64(2)), "size in (1;2)"},
		{"within", sizeCol, kdbpush.DomainRanges(false, kdbpush.Between(int64(1), int64(5))), "size within 1 5"},
		{"float within", priceCol, kdbpush.DomainRanges(false, kdbpush.Between(1.0, 2.5)), "price within (1f;2.5)"},
		{"half open", sizeCol, kdbpush.DomainRanges(false, kdbpush.NewRange(int64(1), true, int64(5), false)), "(size >= 1) & (size < 5)"},
		{"null only", sizeCol, kdbpush.DomainOnlyNull(), "null size"},
		{"not null", sizeCol, kdbpush.DomainNotNull(), "not null size"},
		{"null or value", sizeCol, kdbpush.DomainRanges(true, kdbpush.EqualTo(int64(4))), "(null size) | (size = 4)"},
		{"symbol in", symCol, kdbpush.DomainValues("a", "b"), "sym in (`a;`b)"},
		{"symbol within", symCol, kdbpush.DomainRanges(false, kdbpush.Between("a", "c")), "sym within `a`c"},
		{"quoted symbol", symCol, kdbpush.DomainSingle("a b"), "sym = `$\"a b\""},
		{"string equality", noteCol, kdbpush.DomainSingle("hi*"), "note like \"hi[*]\""},
		{"one char string", noteCol, kdbpush.DomainSingle("x"), "note like (enlist \"x\")"},
		{"string in", noteCol, kdbpush.DomainValues("ab", "cd"), "note in (\"ab\";\"cd\")"},
		{"boolean", flagCol, kdbpush.DomainSingle(true), "flag = 1b"},
		{"below infinity", priceCol, kdbpush.DomainRanges(false, kdbpush.LessThan(math.Inf(1))), "price < 0w"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, empty, err := RenderDomain(tt.col, tt.domain)
			require.NoError(t, err)
			assert.False(t, empty)
			assert.Equal(t, tt.want, got)
		})
	}

	_, empty, err := RenderDomain(sizeCol, kdbpush.DomainNone())
	require.NoError(t, err)
	assert.True(t, empty)

	_, _, err = RenderDomain(noteCol, kdbpush.DomainRanges(false, kdbpush.GreaterThan("a")))
	assert.True(t, kdbpush.IsCompilationError(err))
}

func TestRenderFilter_OrdersPartitionFirst(t *testing.T) {
	info := tradesInfo()
	date, sym, size := info.Columns[0], info.Columns[1], info.Columns[3]
	h := info.Handle().
		WithConstraint(kdbpush.NewConstraint(
			kdbpush.ColumnDomain{Column: size, Domain: kdbpush.DomainRanges(false, kdbpush.GreaterThan(int64(100)))},
			kdbpush.ColumnDomain{Column: date, Domain: kdbpush.DomainSingle(day(2024, 1, 3))},
		)).
		WithExpressions(kdbpush.LikeExpression{Target: ref(sym), Pattern: "A_%"})

	f, err := RenderFilter(h, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"date = 2024.01.03", "sym like \"A?*\"", "size > 100"}, f.Clauses)

	f, err = RenderFilter(h, day(2024, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, "date = 2024.01.02, sym like \"A?*\", size > 100", f.String())
}

func TestLikePattern(t *testing.T) {
	assert.Equal(t, "a?b*", LikePattern("a_b%"))
	assert.Equal(t, "[[]x[]][*][?]", LikePattern("[x]*?"))
}
