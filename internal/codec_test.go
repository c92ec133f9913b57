package internal

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal/qipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapNativeType(t *testing.T) {
	tests := []struct {
		in   kdbpush.ColumnType
		want kdbpush.RelType
	}{
		{kdbpush.Column(kdbpush.TypeBoolean), kdbpush.Rel(kdbpush.RelBoolean)},
		{kdbpush.Column(kdbpush.TypeGUID), kdbpush.Rel(kdbpush.RelUUID)},
		{kdbpush.Column(kdbpush.TypeByte), kdbpush.Rel(kdbpush.RelTinyInt)},
		{kdbpush.Column(kdbpush.TypeShort), kdbpush.Rel(kdbpush.RelSmallInt)},
		{kdbpush.Column(kdbpush.TypeInt), kdbpush.Rel(kdbpush.RelInteger)},
		{kdbpush.Column(kdbpush.TypeLong), kdbpush.Rel(kdbpush.RelBigInt)},
		{kdbpush.Column(kdbpush.TypeReal), kdbpush.Rel(kdbpush.RelReal)},
		{kdbpush.Column(kdbpush.TypeFloat), kdbpush.Rel(kdbpush.RelDouble)},
		{kdbpush.Column(kdbpush.TypeChar), kdbpush.Rel(kdbpush.RelVarchar)},
		{kdbpush.Column(kdbpush.TypeSymbol), kdbpush.Rel(kdbpush.RelVarchar)},
		{kdbpush.Column(kdbpush.TypeMonth), kdbpush.Rel(kdbpush.RelVarchar)},
		{kdbpush.Column(kdbpush.TypeDate), kdbpush.Rel(kdbpush.RelDate)},
		{kdbpush.Column(kdbpush.TypeTimestamp), kdbpush.Rel(kdbpush.RelTimestamp)},
		{kdbpush.Column(kdbpush.TypeDatetime), kdbpush.Rel(kdbpush.RelTimestamp)},
		{kdbpush.Column(kdbpush.TypeTimespan), kdbpush.Rel(kdbpush.RelTime)},
		{kdbpush.Column(kdbpush.TypeTime), kdbpush.Rel(kdbpush.RelTime)},
		{kdbpush.ColumnString, kdbpush.Rel(kdbpush.RelVarchar)},
		{kdbpush.ColumnUnknown, kdbpush.Rel(kdbpush.RelVarchar)},
		{kdbpush.ArrayOf(kdbpush.TypeLong), kdbpush.RelArrayOf(kdbpush.RelBigInt)},
	}
	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, MapNativeType(tt.in))
		})
	}
}

func TestIsNullable(t *testing.T) {
	for _, ct := range []kdbpush.ColumnType{
		kdbpush.Column(kdbpush.TypeBoolean),
		kdbpush.Column(kdbpush.TypeByte),
		kdbpush.Column(kdbpush.TypeChar),
		kdbpush.ColumnString,
	} {
		assert.False(t, IsNullable(ct), ct.String())
	}
	for _, ct := range []kdbpush.ColumnType{
		kdbpush.Column(kdbpush.TypeLong),
		kdbpush.Column(kdbpush.TypeSymbol),
		kdbpush.Column(kdbpush.TypeDate),
		kdbpush.ArrayOf(kdbpush.TypeLong),
	} {
		assert.True(t, IsNullable(ct), ct.String())
	}
}

func TestDecodeAtom(t *testing.T) {
	id := uuid.MustParse("8c680a01-5a49-5aab-5a65-d4bfddb6a661")
	tests := []struct {
		name string
		in   *qipc.K
		want any
	}{
		{"boolean", qipc.Bool(true), true},
		{"guid", qipc.Atom(qipc.KGUID, id), id},
		{"null guid", qipc.Atom(qipc.KGUID, uuid.Nil), nil},
		{"byte", qipc.Atom(qipc.KByte, byte(0xff)), int8(-1)},
		{"short", qipc.Atom(qipc.KShort, int16(7)), int16(7)},
		{"null short", qipc.Atom(qipc.KShort, int16(math.MinInt16)), nil},
		{"int", qipc.Int(7), int32(7)},
		{"null int", qipc.Int(math.MinInt32), nil},
		{"long", qipc.Long(7), int64(7)},
		{"null long", qipc.Long(math.MinInt64), nil},
		{"real", qipc.Atom(qipc.KReal, float32(1.5)), float32(1.5)},
		{"null float", qipc.Float(math.NaN()), nil},
		{"char", qipc.Atom(qipc.KChar, byte('a')), "a"},
		{"symbol", qipc.Symbol("abc"), "abc"},
		{"null symbol", qipc.Symbol(""), nil},
		{"timestamp", qipc.Atom(qipc.KTimestamp, int64(time.Hour)), time.Date(2000, 1, 1, 1, 0, 0, 0, time.UTC)},
		{"month", qipc.Atom(qipc.KMonth, int32(13)), "2001-02"},
		{"negative month", qipc.Atom(qipc.KMonth, int32(-1)), "1999-12"},
		{"date", qipc.Date(kdate(day(2024, 3, 1))), day(2024, 3, 1)},
		{"datetime", qipc.Atom(qipc.KDatetime, 1.5), time.Date(2000, 1, 2, 12, 0, 0, 0, time.UTC)},
		{"timespan", qipc.Atom(qipc.KTimespan, int64(90*time.Second)), 90 * time.Second},
		{"minute", qipc.Atom(qipc.KMinute, int32(61)), 61 * time.Minute},
		{"second", qipc.Atom(qipc.KSecond, int32(5)), 5 * time.Second},
		{"time", qipc.Atom(qipc.KTime, int32(1500)), 1500 * time.Millisecond},
		{"null time", qipc.Atom(qipc.KTime, int32(math.MinInt32)), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeAtom(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeColumn_Strings(t *testing.T) {
	got, err := DecodeColumn(kdbpush.ColumnString, qipc.Strings("ab", "", "c"))
	require.NoError(t, err)
	assert.Equal(t, []any{"ab", "", "c"}, got)

	got, err = DecodeColumn(kdbpush.ColumnString, qipc.CharVector(""))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDecodeColumn_UnknownFormatsValues(t *testing.T) {
	got, err := DecodeColumn(kdbpush.ColumnUnknown, qipc.List(qipc.Long(3), qipc.Symbol("x")))
	require.NoError(t, err)
	assert.Equal(t, []any{"3", "x"}, got)
}

func TestDecodeVector_Arrays(t *testing.T) {
	got, err := DecodeVector(qipc.List(qipc.Longs(1, 2), qipc.Longs()))
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{int64(1), int64(2)}, []any{}}, got)
}

func TestMergeSampledTypes(t *testing.T) {
	assert.Equal(t, kdbpush.ColumnString, MergeSampledTypes([]int16{10, math.MinInt16}))
	assert.Equal(t, kdbpush.Column(kdbpush.TypeSymbol), MergeSampledTypes([]int16{-11}))
	assert.Equal(t, kdbpush.ArrayOf(kdbpush.TypeLong), MergeSampledTypes([]int16{7}))
	assert.True(t, MergeSampledTypes([]int16{7, 9}).IsUnknown())
	assert.True(t, MergeSampledTypes([]int16{math.MinInt16}).IsUnknown())
	assert.True(t, MergeSampledTypes([]int16{0}).IsUnknown())
}

func TestDecodeTable_Keyed(t *testing.T) {
	keyed := qipc.NewDict(
		qipc.NewTable([]string{"name"}, qipc.Symbols("a", "b")),
		qipc.NewTable([]string{"col0"}, qipc.Longs(1, 2)),
	)
	cols, data, err := DecodeTable(keyed)
	require.NoError(t, err)
	assert.Equal(t, []string{"name", "col0"}, cols)
	assert.Len(t, data, 2)

	_, _, err = DecodeTable(qipc.Long(1))
	assert.Error(t, err)
}

func TestDecodePage_MissingColumn(t *testing.T) {
	_, err := DecodePage(qipc.NewTable([]string{"a"}, qipc.Longs(1)), []ResultField{{Source: "b", Name: "b"}})
	assert.Error(t, err)
}
