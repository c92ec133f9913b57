package kdbpush

import (
	"fmt"
	"strings"
)

// NativeType is a primitive type of the store, numbered as on the wire.
type NativeType int8

const (
	TypeUnknown   NativeType = 0
	TypeBoolean   NativeType = 1
	TypeGUID      NativeType = 2
	TypeByte      NativeType = 4
	TypeShort     NativeType = 5
	TypeInt       NativeType = 6
	TypeLong      NativeType = 7
	TypeReal      NativeType = 8
	TypeFloat     NativeType = 9
	TypeChar      NativeType = 10
	TypeSymbol    NativeType = 11
	TypeTimestamp NativeType = 12
	TypeMonth     NativeType = 13
	TypeDate      NativeType = 14
	TypeDatetime  NativeType = 15
	TypeTimespan  NativeType = 16
	TypeMinute    NativeType = 17
	TypeSecond    NativeType = 18
	TypeTime      NativeType = 19
)

var nativeTypeChars = map[NativeType]byte{
	TypeBoolean:   'b',
	TypeGUID:      'g',
	TypeByte:      'x',
	TypeShort:     'h',
	TypeInt:       'i',
	TypeLong:      'j',
	TypeReal:      'e',
	TypeFloat:     'f',
	TypeChar:      'c',
	TypeSymbol:    's',
	TypeTimestamp: 'p',
	TypeMonth:     'm',
	TypeDate:      'd',
	TypeDatetime:  'z',
	TypeTimespan:  'n',
	TypeMinute:    'u',
	TypeSecond:    'v',
	TypeTime:      't',
}

var nativeTypeNames = map[NativeType]string{
	TypeUnknown:   "unknown",
	TypeBoolean:   "boolean",
	TypeGUID:      "guid",
	TypeByte:      "byte",
	TypeShort:     "short",
	TypeInt:       "int",
	TypeLong:      "long",
	TypeReal:      "real",
	TypeFloat:     "float",
	TypeChar:      "char",
	TypeSymbol:    "symbol",
	TypeTimestamp: "timestamp",
	TypeMonth:     "month",
	TypeDate:      "date",
	TypeDatetime:  "datetime",
	TypeTimespan:  "timespan",
	TypeMinute:    "minute",
	TypeSecond:    "second",
	TypeTime:      "time",
}

// Char returns the single-letter type code used by the store's meta output.
func (t NativeType) Char() byte {
	if c, ok := nativeTypeChars[t]; ok {
		return c
	}
	return ' '
}

// Name returns the cast name of the type (`long$ etc).
func (t NativeType) Name() string {
	if n, ok := nativeTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", int8(t))
}

func (t NativeType) String() string { return t.Name() }

// Valid reports whether t is a known primitive type.
func (t NativeType) Valid() bool {
	_, ok := nativeTypeChars[t]
	return ok
}

// ColumnType is the native type of a column: a primitive vector, a list of
// primitive vectors (Array), or Unknown. A list of char vectors is a string column.
type ColumnType struct {
	Kind  NativeType
	Array bool
}

var (
	ColumnUnknown = ColumnType{Kind: TypeUnknown}
	ColumnString  = ColumnType{Kind: TypeChar, Array: true}
)

// Column builds a scalar column type.
func Column(kind NativeType) ColumnType { return ColumnType{Kind: kind} }

// ArrayOf builds an array-of-primitive column type.
func ArrayOf(kind NativeType) ColumnType { return ColumnType{Kind: kind, Array: true} }

func (c ColumnType) IsUnknown() bool { return c.Kind == TypeUnknown }

func (c ColumnType) IsString() bool { return c == ColumnString }

func (c ColumnType) IsSymbol() bool { return c == Column(TypeSymbol) }

// IsArray reports a real array column; strings are not arrays.
func (c ColumnType) IsArray() bool { return c.Array && !c.IsString() && !c.IsUnknown() }

// Char returns the meta type code: lowercase for vectors, uppercase for lists
// of vectors, blank for unknown.
func (c ColumnType) Char() byte {
	if c.IsUnknown() {
		return ' '
	}
	ch := c.Kind.Char()
	if c.Array {
		return ch - 'a' + 'A'
	}
	return ch
}

func (c ColumnType) String() string {
	switch {
	case c.IsUnknown():
		return "unknown"
	case c.IsString():
		return "string"
	case c.Array:
		return c.Kind.Name() + "[]"
	default:
		return c.Kind.Name()
	}
}

// ParseColumnType parses a meta type code.
func ParseColumnType(code byte) (ColumnType, error) {
	if code == ' ' || code == 0 {
		return ColumnUnknown, nil
	}
	lower := code
	array := false
	if code >= 'A' && code <= 'Z' {
		lower = code - 'A' + 'a'
		array = true
	}
	for t, ch := range nativeTypeChars {
		if ch == lower {
			return ColumnType{Kind: t, Array: array}, nil
		}
	}
	return ColumnUnknown, fmt.Errorf("unknown type code %q", code)
}

// Attribute is the structural attribute the store keeps on a column.
type Attribute string

const (
	AttributeNone    Attribute = ""
	AttributeUnique  Attribute = "unique"
	AttributeSorted  Attribute = "sorted"
	AttributeParted  Attribute = "parted"
	AttributeGrouped Attribute = "grouped"
)

// ParseAttribute maps the store's attribute symbol (u, s, p, g) to an Attribute.
func ParseAttribute(s string) (Attribute, error) {
	switch strings.TrimSpace(s) {
	case "":
		return AttributeNone, nil
	case "u":
		return AttributeUnique, nil
	case "s":
		return AttributeSorted, nil
	case "p":
		return AttributeParted, nil
	case "g":
		return AttributeGrouped, nil
	default:
		return AttributeNone, fmt.Errorf("unknown attribute %q", s)
	}
}

// RelKind enumerates relational types exposed to callers.
type RelKind string

const (
	RelBoolean   RelKind = "boolean"
	RelTinyInt   RelKind = "tinyint"
	RelSmallInt  RelKind = "smallint"
	RelInteger   RelKind = "integer"
	RelBigInt    RelKind = "bigint"
	RelReal      RelKind = "real"
	RelDouble    RelKind = "double"
	RelVarchar   RelKind = "varchar"
	RelDate      RelKind = "date"
	RelTimestamp RelKind = "timestamp"
	RelTime      RelKind = "time"
	RelUUID      RelKind = "uuid"
	RelArray     RelKind = "array"
)

// RelType is a relational type; Elem is set for arrays only.
type RelType struct {
	Kind RelKind
	Elem RelKind
}

func Rel(kind RelKind) RelType { return RelType{Kind: kind} }

func RelArrayOf(elem RelKind) RelType { return RelType{Kind: RelArray, Elem: elem} }

func (t RelType) String() string {
	if t.Kind == RelArray {
		return fmt.Sprintf("array(%s)", t.Elem)
	}
	return string(t.Kind)
}

// ColumnMetadata is what callers see of a column.
type ColumnMetadata struct {
	Name     string  `json:"name"`
	Type     RelType `json:"type"`
	Nullable bool    `json:"nullable"`
}
