package internal

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/kdbpush"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiteral(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 6, time.UTC)
	tests := []struct {
		name string
		ct   kdbpush.ColumnType
		v    any
		want string
	}{
		{"true", kdbpush.Column(kdbpush.TypeBoolean), true, "1b"},
		{"guid", kdbpush.Column(kdbpush.TypeGUID), uuid.MustParse("8c680a01-5a49-5aab-5a65-d4bfddb6a661"), `"G"$"8c680a01-5a49-5aab-5a65-d4bfddb6a661"`},
		{"byte", kdbpush.Column(kdbpush.TypeByte), int8(-1), "0xff"},
		{"short", kdbpush.Column(kdbpush.TypeShort), int16(3), "3h"},
		{"int", kdbpush.Column(kdbpush.TypeInt), int64(3), "3i"},
		{"long", kdbpush.Column(kdbpush.TypeLong), int32(-3), "-3"},
		{"real", kdbpush.Column(kdbpush.TypeReal), float32(1.5), "1.5e"},
		{"whole float", kdbpush.Column(kdbpush.TypeFloat), 2.0, "2f"},
		{"float", kdbpush.Column(kdbpush.TypeFloat), 2.25, "2.25"},
		{"infinite float", kdbpush.Column(kdbpush.TypeFloat), math.Inf(1), "0w"},
		{"negative infinite float", kdbpush.Column(kdbpush.TypeFloat), math.Inf(-1), "-0w"},
		{"infinite real", kdbpush.Column(kdbpush.TypeReal), float32(math.Inf(-1)), "-0we"},
		{"char", kdbpush.Column(kdbpush.TypeChar), "a", `"a"`},
		{"symbol", kdbpush.Column(kdbpush.TypeSymbol), "IBM.N", "`IBM.N"},
		{"quoted symbol", kdbpush.Column(kdbpush.TypeSymbol), `a"b`, "`$\"a\\\"b\""},
		{"string", kdbpush.ColumnString, "ab", `"ab"`},
		{"one char string", kdbpush.ColumnString, "a", `(enlist "a")`},
		{"timestamp", kdbpush.Column(kdbpush.TypeTimestamp), ts, "2024.01.02D03:04:05.000000006"},
		{"datetime", kdbpush.Column(kdbpush.TypeDatetime), ts, "2024.01.02T03:04:05.000"},
		{"date", kdbpush.Column(kdbpush.TypeDate), day(2024, 1, 2), "2024.01.02"},
		{"month", kdbpush.Column(kdbpush.TypeMonth), "2024-03", "2024.03m"},
		{"timespan", kdbpush.Column(kdbpush.TypeTimespan), 26*time.Hour + time.Millisecond, "1D02:00:00.001000000"},
		{"minute", kdbpush.Column(kdbpush.TypeMinute), 61 * time.Minute, "01:01"},
		{"second", kdbpush.Column(kdbpush.TypeSecond), 61 * time.Second, "00:01:01"},
		{"time", kdbpush.Column(kdbpush.TypeTime), time.Hour + 5*time.Millisecond, "01:00:00.005"},
		{"null long", kdbpush.Column(kdbpush.TypeLong), nil, "0N"},
		{"null symbol", kdbpush.Column(kdbpush.TypeSymbol), nil, "`"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Literal(tt.ct, tt.v)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLiteral_Mismatch(t *testing.T) {
	for _, tc := range []struct {
		ct kdbpush.ColumnType
		v  any
	}{
		{kdbpush.Column(kdbpush.TypeLong), "1"},
		{kdbpush.Column(kdbpush.TypeShort), int64(1 << 20)},
		{kdbpush.Column(kdbpush.TypeChar), "ab"},
		{kdbpush.Column(kdbpush.TypeDate), "2024-01-01"},
		{kdbpush.ArrayOf(kdbpush.TypeLong), int64(1)},
		{kdbpush.Column(kdbpush.TypeFloat), math.NaN()},
		{kdbpush.Column(kdbpush.TypeReal), float32(math.NaN())},
	} {
		_, err := Literal(tc.ct, tc.v)
		assert.Error(t, err, "%s %v", tc.ct, tc.v)
	}
}

func TestVectorLiteral_FloatSpecials(t *testing.T) {
	got, err := VectorLiteral(kdbpush.Column(kdbpush.TypeFloat), []any{1.5, math.NaN(), math.Inf(1)})
	require.NoError(t, err)
	assert.Equal(t, "`float$(1.5;0n;0w)", got)
}

func TestParsePartitionValue(t *testing.T) {
	v, err := ParsePartitionValue(kdbpush.Column(kdbpush.TypeDate), "2024.01.02")
	require.NoError(t, err)
	assert.Equal(t, day(2024, 1, 2), v)

	v, err = ParsePartitionValue(kdbpush.Column(kdbpush.TypeMonth), "2024.03")
	require.NoError(t, err)
	assert.Equal(t, "2024-03", v)

	v, err = ParsePartitionValue(kdbpush.Column(kdbpush.TypeLong), "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = ParsePartitionValue(kdbpush.Column(kdbpush.TypeDate), "sym")
	assert.Error(t, err)
	_, err = ParsePartitionValue(kdbpush.Column(kdbpush.TypeSymbol), "a")
	assert.Error(t, err)
}
