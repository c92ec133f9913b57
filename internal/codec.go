package internal

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal/qipc"
)

// kdbEpoch is day zero of every temporal type in the store.
var kdbEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

const nanosPerDay = 24 * int64(time.Hour)

// MapNativeType maps a native column type to the relational type callers see.
func MapNativeType(ct kdbpush.ColumnType) kdbpush.RelType {
	switch {
	case ct.IsUnknown(), ct.IsString():
		return kdbpush.Rel(kdbpush.RelVarchar)
	case ct.Array:
		return kdbpush.RelArrayOf(mapScalar(ct.Kind))
	default:
		return kdbpush.Rel(mapScalar(ct.Kind))
	}
}

func mapScalar(t kdbpush.NativeType) kdbpush.RelKind {
	switch t {
	case kdbpush.TypeBoolean:
		return kdbpush.RelBoolean
	case kdbpush.TypeGUID:
		return kdbpush.RelUUID
	case kdbpush.TypeByte:
		return kdbpush.RelTinyInt
	case kdbpush.TypeShort:
		return kdbpush.RelSmallInt
	case kdbpush.TypeInt:
		return kdbpush.RelInteger
	case kdbpush.TypeLong:
		return kdbpush.RelBigInt
	case kdbpush.TypeReal:
		return kdbpush.RelReal
	case kdbpush.TypeFloat:
		return kdbpush.RelDouble
	case kdbpush.TypeDate:
		return kdbpush.RelDate
	case kdbpush.TypeTimestamp, kdbpush.TypeDatetime:
		return kdbpush.RelTimestamp
	case kdbpush.TypeTimespan, kdbpush.TypeMinute, kdbpush.TypeSecond, kdbpush.TypeTime:
		return kdbpush.RelTime
	default:
		// char, symbol, month
		return kdbpush.RelVarchar
	}
}

// IsNullable reports whether the native type has a null sentinel.
func IsNullable(ct kdbpush.ColumnType) bool {
	if ct.IsString() {
		return false
	}
	if ct.Array || ct.IsUnknown() {
		return true
	}
	switch ct.Kind {
	case kdbpush.TypeBoolean, kdbpush.TypeByte, kdbpush.TypeChar:
		return false
	}
	return true
}

// ColumnMetadata is the relational view of a column handle.
func ColumnMetadata(col kdbpush.ColumnHandle) kdbpush.ColumnMetadata {
	return kdbpush.ColumnMetadata{
		Name:     col.Name,
		Type:     MapNativeType(col.Type),
		Nullable: IsNullable(col.Type),
	}
}

// MergeSampledTypes resolves the type of a column whose meta type is blank from
// the distinct per-row type codes; empty rows report null (0Nh). A single
// concrete code wins, anything else is unknown.
func MergeSampledTypes(codes []int16) kdbpush.ColumnType {
	seen := int16(0)
	found := false
	for _, c := range codes {
		if c == math.MinInt16 {
			continue
		}
		if found && c != seen {
			return kdbpush.ColumnUnknown
		}
		seen, found = c, true
	}
	if !found || seen == 0 {
		return kdbpush.ColumnUnknown
	}
	if seen < 0 {
		t := kdbpush.NativeType(-seen)
		if !t.Valid() {
			return kdbpush.ColumnUnknown
		}
		return kdbpush.Column(t)
	}
	t := kdbpush.NativeType(seen)
	if !t.Valid() {
		return kdbpush.ColumnUnknown
	}
	return kdbpush.ArrayOf(t)
}

// DecodeColumn decodes a result column of the given native type into relational values.
func DecodeColumn(ct kdbpush.ColumnType, k *qipc.K) ([]any, error) {
	switch {
	case ct.IsUnknown():
		vals, err := DecodeVector(k)
		if err != nil {
			return nil, err
		}
		for i, v := range vals {
			if v != nil {
				vals[i] = kdbpush.FormatValue(v)
			}
		}
		return vals, nil
	case ct.IsString():
		return decodeStrings(k)
	}
	return DecodeVector(k)
}

func decodeStrings(k *qipc.K) ([]any, error) {
	switch k.Type {
	case qipc.KChar:
		// an empty string column may arrive as an empty char vector
		s, _ := k.Data.(string)
		out := make([]any, len(s))
		for i := range s {
			out[i] = s[i : i+1]
		}
		return out, nil
	case qipc.KMixed:
		items, _ := k.Data.([]*qipc.K)
		out := make([]any, len(items))
		for i, it := range items {
			switch d := it.Data.(type) {
			case string:
				out[i] = d
			case byte:
				out[i] = string([]byte{d})
			default:
				return nil, fmt.Errorf("string column item has type %d", it.Type)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("string column has type %d", k.Type)
}

// DecodeVector decodes a vector, list or atom by its own wire type, mapping
// null sentinels to nil.
func DecodeVector(k *qipc.K) ([]any, error) {
	if k == nil {
		return nil, nil
	}
	if k.IsAtom() {
		v, err := DecodeAtom(k)
		if err != nil {
			return nil, err
		}
		return []any{v}, nil
	}
	if k.Type == qipc.KMixed {
		items, _ := k.Data.([]*qipc.K)
		out := make([]any, len(items))
		for i, it := range items {
			if it.IsAtom() {
				v, err := DecodeAtom(it)
				if err != nil {
					return nil, err
				}
				out[i] = v
				continue
			}
			if it.Type == qipc.KChar {
				out[i] = it.Data
				continue
			}
			elems, err := DecodeVector(it)
			if err != nil {
				return nil, err
			}
			out[i] = elems
		}
		return out, nil
	}
	n := k.Len()
	out := make([]any, n)
	for i := 0; i < n; i++ {
		v, err := DecodeAtom(k.Index(i))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// DecodeAtom converts one atom to its relational value.
func DecodeAtom(k *qipc.K) (any, error) {
	switch -k.Type {
	case qipc.KBoolean:
		return k.Data.(bool), nil
	case qipc.KGUID:
		u := k.Data.(uuid.UUID)
		if u == uuid.Nil {
			return nil, nil
		}
		return u, nil
	case qipc.KByte:
		return int8(k.Data.(byte)), nil
	case qipc.KShort:
		v := k.Data.(int16)
		if v == math.MinInt16 {
			return nil, nil
		}
		return v, nil
	case qipc.KInt:
		v := k.Data.(int32)
		if v == math.MinInt32 {
			return nil, nil
		}
		return v, nil
	case qipc.KLong:
		v := k.Data.(int64)
		if v == math.MinInt64 {
			return nil, nil
		}
		return v, nil
	case qipc.KReal:
		v := k.Data.(float32)
		if math.IsNaN(float64(v)) {
			return nil, nil
		}
		return v, nil
	case qipc.KFloat:
		v := k.Data.(float64)
		if math.IsNaN(v) {
			return nil, nil
		}
		return v, nil
	case qipc.KChar:
		return string([]byte{k.Data.(byte)}), nil
	case qipc.KSymbol:
		s := k.Data.(string)
		if s == "" {
			return nil, nil
		}
		return s, nil
	case qipc.KTimestamp:
		v := k.Data.(int64)
		if v == math.MinInt64 {
			return nil, nil
		}
		return kdbEpoch.Add(time.Duration(v)), nil
	case qipc.KMonth:
		v := k.Data.(int32)
		if v == math.MinInt32 {
			return nil, nil
		}
		return formatMonth(v), nil
	case qipc.KDate:
		v := k.Data.(int32)
		if v == math.MinInt32 {
			return nil, nil
		}
		return kdbEpoch.AddDate(0, 0, int(v)), nil
	case qipc.KDatetime:
		v := k.Data.(float64)
		if math.IsNaN(v) {
			return nil, nil
		}
		ms := math.Round(v * float64(nanosPerDay) / 1e6)
		return kdbEpoch.Add(time.Duration(ms) * time.Millisecond), nil
	case qipc.KTimespan:
		v := k.Data.(int64)
		if v == math.MinInt64 {
			return nil, nil
		}
		return time.Duration(v), nil
	case qipc.KMinute:
		return int32Duration(k.Data.(int32), time.Minute), nil
	case qipc.KSecond:
		return int32Duration(k.Data.(int32), time.Second), nil
	case qipc.KTime:
		return int32Duration(k.Data.(int32), time.Millisecond), nil
	}
	return nil, fmt.Errorf("cannot decode atom of type %d", k.Type)
}

func int32Duration(v int32, unit time.Duration) any {
	if v == math.MinInt32 {
		return nil
	}
	return time.Duration(v) * unit
}

func formatMonth(m int32) string {
	y := 2000 + int(m)/12
	mo := int(m) % 12
	if mo < 0 {
		mo += 12
		y--
	}
	return fmt.Sprintf("%04d-%02d", y, mo+1)
}

// CoerceValue widens a decoded value to the representation of rel.
// Aggregates may come back narrower than their declared type.
func CoerceValue(v any, rel kdbpush.RelType) any {
	if v == nil {
		return nil
	}
	switch rel.Kind {
	case kdbpush.RelBigInt:
		switch x := v.(type) {
		case int8:
			return int64(x)
		case int16:
			return int64(x)
		case int32:
			return int64(x)
		case bool:
			if x {
				return int64(1)
			}
			return int64(0)
		case float64:
			return int64(x)
		}
	case kdbpush.RelDouble:
		switch x := v.(type) {
		case float32:
			return float64(x)
		case int64:
			return float64(x)
		case int32:
			return float64(x)
		case int16:
			return float64(x)
		}
	case kdbpush.RelBoolean:
		if x, ok := v.(int64); ok {
			return x != 0
		}
	}
	return v
}

// DecodeTable turns a table or keyed table result into its column names and column vectors.
func DecodeTable(k *qipc.K) ([]string, []*qipc.K, error) {
	switch k.Type {
	case qipc.KTable:
		t := k.Data.(qipc.Table)
		return t.Columns, t.Data, nil
	case qipc.KDict, qipc.KSorted:
		d := k.Data.(qipc.Dict)
		if d.Keys.Type != qipc.KTable || d.Values.Type != qipc.KTable {
			return nil, nil, fmt.Errorf("dictionary result is not a keyed table")
		}
		kt := d.Keys.Data.(qipc.Table)
		vt := d.Values.Data.(qipc.Table)
		cols := append(append([]string(nil), kt.Columns...), vt.Columns...)
		data := append(append([]*qipc.K(nil), kt.Data...), vt.Data...)
		return cols, data, nil
	case qipc.KMixed:
		if k.Len() == 0 {
			return nil, nil, nil
		}
	}
	return nil, nil, fmt.Errorf("result of type %d is not a table", k.Type)
}

// ResultField maps one result column to a page column. A field with ByWire
// set is decoded by the wire type alone (aggregate outputs).
type ResultField struct {
	Source string
	Name   string
	Native kdbpush.ColumnType
	Rel    kdbpush.RelType
	ByWire bool
}

// DecodePage decodes a table result into a page of the given fields.
func DecodePage(k *qipc.K, fields []ResultField) (*kdbpush.Page, error) {
	names := make([]string, len(fields))
	rels := make([]kdbpush.RelType, len(fields))
	for i, f := range fields {
		names[i] = f.Name
		rels[i] = f.Rel
	}
	page := kdbpush.NewPage(names, rels)
	cols, data, err := DecodeTable(k)
	if err != nil {
		return nil, err
	}
	if cols == nil {
		return page, nil
	}
	if len(data) > 0 {
		page.NumRows = data[0].Len()
	}
	for i, f := range fields {
		var vec *qipc.K
		for j, c := range cols {
			if c == f.Source {
				vec = data[j]
				break
			}
		}
		if vec == nil {
			return nil, fmt.Errorf("result has no column %q", f.Source)
		}
		var vals []any
		if f.ByWire {
			vals, err = DecodeVector(vec)
		} else {
			vals, err = DecodeColumn(f.Native, vec)
		}
		if err != nil {
			return nil, fmt.Errorf("decode column %s: %w", f.Source, err)
		}
		for j := range vals {
			vals[j] = CoerceValue(vals[j], f.Rel)
		}
		page.Values[i] = vals
	}
	return page, nil
}
