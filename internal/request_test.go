package internal

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/kdbpush"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScanRequest(t *testing.T) {
	req, err := ParseScanRequest([]byte(`{
		"table": "atable",
		"columns": ["name"],
		"filters": [{"column": "iq", "op": ">", "value": 50}],
		"limit": 10
	}`))
	require.NoError(t, err)
	assert.Equal(t, "atable", req.Table)
	assert.Equal(t, []string{"name"}, req.Columns)
	require.Len(t, req.Filters, 1)
	assert.Equal(t, json.Number("50"), req.Filters[0].Value)
	require.NotNil(t, req.Limit)
	assert.Equal(t, int64(10), *req.Limit)
}

func TestParseScanRequest_Invalid(t *testing.T) {
	for name, doc := range map[string]string{
		"not json":         `{"table":`,
		"missing table":    `{"columns": ["a"]}`,
		"unknown property": `{"table": "t", "order": "asc"}`,
		"unknown operator": `{"table": "t", "filters": [{"column": "a", "op": "~"}]}`,
		"negative limit":   `{"table": "t", "limit": -1}`,
		"long escape":      `{"table": "t", "filters": [{"column": "a", "op": "like", "value": "x", "escape": "ab"}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScanRequest([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, kdbpush.ErrCodeValidationFailed, kdbCode(t, err))
		})
	}
}

func TestScanRequest_Bind(t *testing.T) {
	cols := atableColumns()
	req, err := ParseScanRequest([]byte(`{
		"table": "atable",
		"columns": ["NAME", "iq"],
		"filters": [
			{"column": "name", "op": "in", "values": ["Dent", "Prefect"]},
			{"column": "iq", "op": "between", "values": [10, 200]},
			{"column": "iq", "op": ">=", "value": 50},
			{"column": "name", "op": "<>", "value": "Zaphod"},
			{"column": "name", "function": "upper", "op": "like", "value": "D%"},
			{"column": "iq", "op": "is_not_null"}
		],
		"limit": 5
	}`))
	require.NoError(t, err)

	q, err := req.Bind(cols)
	require.NoError(t, err)
	assert.Equal(t, cols, q.Columns)
	assert.True(t, q.HasLimit)
	assert.Equal(t, int64(5), q.Limit)

	want := kdbpush.ConstraintAll().
		With(cols[0], kdbpush.DomainValues("Dent", "Prefect")).
		With(cols[1], kdbpush.DomainRanges(false, kdbpush.Between(int64(10), int64(200))))
	assert.Equal(t, want, q.Constraint)

	name, iq := kdbpush.ColumnRef{Column: cols[0]}, kdbpush.ColumnRef{Column: cols[1]}
	assert.Equal(t, []kdbpush.Expression{
		kdbpush.ComparisonExpression{Target: iq, Operator: kdbpush.OpGreaterOrEqual, Value: int64(50)},
		kdbpush.NotExpression{Operand: kdbpush.ComparisonExpression{Target: name, Operator: kdbpush.OpEqual, Value: "Zaphod"}},
		kdbpush.LikeExpression{Target: kdbpush.FunctionCall{Name: "upper", Arg: name}, Pattern: "D%"},
		kdbpush.NullExpression{Target: iq, Negated: true},
	}, q.Expressions)
}

func TestScanRequest_BindAggregation(t *testing.T) {
	req, err := ParseScanRequest([]byte(`{
		"table": "atable",
		"aggregates": [{"function": "count"}, {"function": "max", "column": "iq"}],
		"groupBy": ["name"]
	}`))
	require.NoError(t, err)
	q, err := req.Bind(atableColumns())
	require.NoError(t, err)
	require.NotNil(t, q.Aggregation)
	assert.Equal(t, atableColumns()[:1], q.Aggregation.GroupBy)
	assert.Equal(t, []kdbpush.AggregateCall{
		{Function: "count"},
		{Function: "max", Arg: kdbpush.ColumnRef{Column: atableColumns()[1]}},
	}, q.Aggregation.Calls)
}

func TestScanRequest_BindErrors(t *testing.T) {
	cols := atableColumns()
	for name, tc := range map[string]struct {
		req  ScanRequest
		code string
	}{
		"unknown column":        {ScanRequest{Table: "atable", Columns: []string{"shoe"}}, kdbpush.ErrCodeColumnNotFound},
		"group without agg":     {ScanRequest{Table: "atable", GroupBy: []string{"name"}}, kdbpush.ErrCodeValidationFailed},
		"unknown aggregate":     {ScanRequest{Table: "atable", Aggregates: []AggregateSpec{{Function: "median", Column: "iq"}}}, kdbpush.ErrCodeValidationFailed},
		"null comparison":       {ScanRequest{Table: "atable", Filters: []FilterSpec{{Column: "iq", Op: ">"}}}, kdbpush.ErrCodeValidationFailed},
		"bad value":             {ScanRequest{Table: "atable", Filters: []FilterSpec{{Column: "iq", Op: "=", Value: "ten"}}}, kdbpush.ErrCodeValidationFailed},
		"in without values":     {ScanRequest{Table: "atable", Filters: []FilterSpec{{Column: "iq", Op: "in"}}}, kdbpush.ErrCodeValidationFailed},
		"between with one":      {ScanRequest{Table: "atable", Filters: []FilterSpec{{Column: "iq", Op: "between", Values: []any{1.0}}}}, kdbpush.ErrCodeValidationFailed},
		"like without a string": {ScanRequest{Table: "atable", Filters: []FilterSpec{{Column: "name", Op: "like", Value: 3.0}}}, kdbpush.ErrCodeValidationFailed},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := tc.req.Bind(cols)
			require.Error(t, err)
			assert.Equal(t, tc.code, kdbCode(t, err))
		})
	}
}

func TestInsertRequest_Bind(t *testing.T) {
	req, err := ParseInsertRequest([]byte(`{"table": "atable", "columns": ["iq", "name"], "rows": [[42, "Marvin"], [null, "Eddie"]]}`))
	require.NoError(t, err)
	cols, rows, err := req.Bind(atableColumns())
	require.NoError(t, err)
	assert.Equal(t, []kdbpush.ColumnHandle{atableColumns()[1], atableColumns()[0]}, cols)
	assert.Equal(t, [][]any{{int64(42), "Marvin"}, {nil, "Eddie"}}, rows)

	req.Rows = [][]any{{json.Number("1")}}
	_, _, err = req.Bind(atableColumns())
	assert.Equal(t, kdbpush.ErrCodeValidationFailed, kdbCode(t, err))

	_, err = ParseInsertRequest([]byte(`{"table": "atable", "columns": [], "rows": []}`))
	assert.Error(t, err)
}

func TestParseValue(t *testing.T) {
	col := kdbpush.Column
	id := uuid.MustParse("0a6b2a88-2c5c-4e4b-9b52-7c1d6c1bb6f1")
	for _, tc := range []struct {
		ct   kdbpush.ColumnType
		in   any
		want any
	}{
		{col(kdbpush.TypeBoolean), true, true},
		{col(kdbpush.TypeGUID), id.String(), id},
		{col(kdbpush.TypeByte), json.Number("7"), int8(7)},
		{col(kdbpush.TypeShort), json.Number("-3"), int16(-3)},
		{col(kdbpush.TypeInt), 12.0, int32(12)},
		{col(kdbpush.TypeLong), json.Number("9007199254740993"), int64(9007199254740993)},
		{col(kdbpush.TypeReal), json.Number("1.5"), float32(1.5)},
		{col(kdbpush.TypeFloat), json.Number("2"), 2.0},
		{col(kdbpush.TypeChar), "G", "G"},
		{col(kdbpush.TypeSymbol), "IBM.N", "IBM.N"},
		{kdbpush.ColumnString, "free text", "free text"},
		{col(kdbpush.TypeDate), "2024-01-02", day(2024, 1, 2)},
		{col(kdbpush.TypeDate), "2024.01.02", day(2024, 1, 2)},
		{col(kdbpush.TypeTimestamp), "2024-01-02T03:04:05.000000006Z", time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)},
		{col(kdbpush.TypeMonth), "2024-03", "2024-03"},
		{col(kdbpush.TypeTime), "01:00:00.005", time.Hour + 5*time.Millisecond},
		{col(kdbpush.TypeMinute), "01:01", time.Hour + time.Minute},
		{col(kdbpush.TypeTimespan), "26h0m0.001s", 26*time.Hour + time.Millisecond},
		{col(kdbpush.TypeLong), nil, nil},
	} {
		got, err := ParseValue(tc.ct, tc.in)
		require.NoError(t, err, "%s %v", tc.ct, tc.in)
		assert.Equal(t, tc.want, got, "%s %v", tc.ct, tc.in)
	}
}

func TestParseValue_Invalid(t *testing.T) {
	col := kdbpush.Column
	for _, tc := range []struct {
		ct kdbpush.ColumnType
		in any
	}{
		{col(kdbpush.TypeBoolean), "true"},
		{col(kdbpush.TypeGUID), "not-a-uuid"},
		{col(kdbpush.TypeLong), 1.5},
		{col(kdbpush.TypeFloat), "x"},
		{col(kdbpush.TypeChar), "GG"},
		{col(kdbpush.TypeDate), "02/01/2024"},
		{col(kdbpush.TypeMonth), "2024-13"},
		{col(kdbpush.TypeTime), "1:xx"},
		{kdbpush.ColumnString, 3.0},
		{kdbpush.ColumnUnknown, "x"},
	} {
		_, err := ParseValue(tc.ct, tc.in)
		assert.Error(t, err, "%s %v", tc.ct, tc.in)
	}
}
