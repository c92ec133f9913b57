// Package qipc speaks the kdb+ IPC protocol: handshake, message framing,
// (de)serialization of K objects and decompression of server responses.
package qipc

import (
	"fmt"

	"github.com/google/uuid"
)

// Type codes. Atoms use the negated vector code.
const (
	KMixed     int8 = 0
	KBoolean   int8 = 1
	KGUID      int8 = 2
	KByte      int8 = 4
	KShort     int8 = 5
	KInt       int8 = 6
	KLong      int8 = 7
	KReal      int8 = 8
	KFloat     int8 = 9
	KChar      int8 = 10
	KSymbol    int8 = 11
	KTimestamp int8 = 12
	KMonth     int8 = 13
	KDate      int8 = 14
	KDatetime  int8 = 15
	KTimespan  int8 = 16
	KMinute    int8 = 17
	KSecond    int8 = 18
	KTime      int8 = 19
	KTable     int8 = 98
	KDict      int8 = 99
	KLambda    int8 = 100
	KUnary     int8 = 101
	KBinary    int8 = 102
	KTernary   int8 = 103
	KSorted    int8 = 127
	KError     int8 = -128
)

// Attr is the vector attribute byte.
type Attr byte

const (
	AttrNone    Attr = 0
	AttrSorted  Attr = 1
	AttrUnique  Attr = 2
	AttrParted  Attr = 3
	AttrGrouped Attr = 5
)

// K is a decoded kdb+ object.
//
// Data holds, by Type:
//
//	-1 bool, -2 uuid.UUID, -4 byte, -5 int16, -6 int32, -7 int64, -8 float32,
//	-9 float64, -10 byte, -11 string, -12/-16 int64, -13/-14/-17/-18/-19 int32,
//	-15 float64; vectors the matching slice ([]bool ... []string), except that
//	a char vector (10) is a string; 0 []*K; 98 Table; 99/127 Dict;
//	100 Lambda; 101-103 byte; -128 string.
type K struct {
	Type int8
	Attr Attr
	Data any
}

// Dict is a kdb+ dictionary.
type Dict struct {
	Keys   *K
	Values *K
}

// Table is a column dictionary flipped into a table.
type Table struct {
	Columns []string
	Data    []*K
}

// Lambda is a function body with its context.
type Lambda struct {
	Context string
	Body    string
}

// IsAtom reports a scalar.
func (k *K) IsAtom() bool { return k != nil && k.Type < 0 && k.Type != KError }

// Len is the number of items: 1 for atoms, rows for tables.
func (k *K) Len() int {
	if k == nil {
		return 0
	}
	switch d := k.Data.(type) {
	case []bool:
		return len(d)
	case []uuid.UUID:
		return len(d)
	case []byte:
		return len(d)
	case []int16:
		return len(d)
	case []int32:
		return len(d)
	case []int64:
		return len(d)
	case []float32:
		return len(d)
	case []float64:
		return len(d)
	case []string:
		return len(d)
	case string:
		if k.Type == KChar {
			return len(d)
		}
		return 1
	case []*K:
		return len(d)
	case Table:
		if len(d.Data) == 0 {
			return 0
		}
		return d.Data[0].Len()
	case Dict:
		return d.Keys.Len()
	}
	return 1
}

// Index returns item i of a vector or list as an atom (or the list element).
func (k *K) Index(i int) *K {
	switch d := k.Data.(type) {
	case []bool:
		return &K{Type: -k.Type, Data: d[i]}
	case []uuid.UUID:
		return &K{Type: -k.Type, Data: d[i]}
	case []byte:
		return &K{Type: -k.Type, Data: d[i]}
	case []int16:
		return &K{Type: -k.Type, Data: d[i]}
	case []int32:
		return &K{Type: -k.Type, Data: d[i]}
	case []int64:
		return &K{Type: -k.Type, Data: d[i]}
	case []float32:
		return &K{Type: -k.Type, Data: d[i]}
	case []float64:
		return &K{Type: -k.Type, Data: d[i]}
	case []string:
		return &K{Type: -k.Type, Data: d[i]}
	case string:
		if k.Type == KChar {
			return &K{Type: -KChar, Data: d[i]}
		}
	case []*K:
		return d[i]
	}
	return k
}

func (k *K) String() string {
	if k == nil {
		return "<nil>"
	}
	return fmt.Sprintf("K(%d)%v", k.Type, k.Data)
}

// Constructors used by callers and tests.

func Bool(v bool) *K          { return &K{Type: -KBoolean, Data: v} }
func Long(v int64) *K         { return &K{Type: -KLong, Data: v} }
func Int(v int32) *K          { return &K{Type: -KInt, Data: v} }
func Float(v float64) *K      { return &K{Type: -KFloat, Data: v} }
func Symbol(s string) *K      { return &K{Type: -KSymbol, Data: s} }
func CharVector(s string) *K  { return &K{Type: KChar, Data: s} }
func Error(msg string) *K     { return &K{Type: KError, Data: msg} }
func Date(days int32) *K      { return &K{Type: -KDate, Data: days} }
func List(items ...*K) *K     { return &K{Type: KMixed, Data: items} }
func Bools(v ...bool) *K      { return &K{Type: KBoolean, Data: v} }
func Longs(v ...int64) *K     { return &K{Type: KLong, Data: v} }
func Ints(v ...int32) *K      { return &K{Type: KInt, Data: v} }
func Shorts(v ...int16) *K    { return &K{Type: KShort, Data: v} }
func Floats(v ...float64) *K  { return &K{Type: KFloat, Data: v} }
func Reals(v ...float32) *K   { return &K{Type: KReal, Data: v} }
func Symbols(v ...string) *K  { return &K{Type: KSymbol, Data: v} }
func Dates(days ...int32) *K  { return &K{Type: KDate, Data: days} }
func Bytes(v ...byte) *K      { return &K{Type: KByte, Data: v} }
func GUIDs(v ...uuid.UUID) *K { return &K{Type: KGUID, Data: v} }

// Vector builds a typed vector with raw Data.
func Vector(typ int8, data any) *K { return &K{Type: typ, Data: data} }

// Atom builds a typed atom with raw Data.
func Atom(typ int8, data any) *K { return &K{Type: -typ, Data: data} }

// Strings builds a list of char vectors.
func Strings(v ...string) *K {
	items := make([]*K, len(v))
	for i, s := range v {
		items[i] = CharVector(s)
	}
	return List(items...)
}

// NewTable builds a table from column names and column vectors.
func NewTable(columns []string, data ...*K) *K {
	return &K{Type: KTable, Data: Table{Columns: columns, Data: data}}
}

// NewDict builds a dictionary.
func NewDict(keys, values *K) *K {
	return &K{Type: KDict, Data: Dict{Keys: keys, Values: values}}
}

// Column returns the named column of a table.
func (t Table) Column(name string) (*K, bool) {
	for i, c := range t.Columns {
		if c == name {
			return t.Data[i], true
		}
	}
	return nil, false
}
