package internal

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/kdbpush"
)

var simpleSymbol = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)

// nullLiterals are the typed nulls; non-nullable types use their zero value.
var nullLiterals = map[kdbpush.NativeType]string{
	kdbpush.TypeBoolean:   "0b",
	kdbpush.TypeGUID:      "0Ng",
	kdbpush.TypeByte:      "0x00",
	kdbpush.TypeShort:     "0Nh",
	kdbpush.TypeInt:       "0Ni",
	kdbpush.TypeLong:      "0N",
	kdbpush.TypeReal:      "0Ne",
	kdbpush.TypeFloat:     "0n",
	kdbpush.TypeChar:      `" "`,
	kdbpush.TypeSymbol:    "`",
	kdbpush.TypeTimestamp: "0Np",
	kdbpush.TypeMonth:     "0Nm",
	kdbpush.TypeDate:      "0Nd",
	kdbpush.TypeDatetime:  "0Nz",
	kdbpush.TypeTimespan:  "0Nn",
	kdbpush.TypeMinute:    "0Nu",
	kdbpush.TypeSecond:    "0Nv",
	kdbpush.TypeTime:      "0Nt",
}

// QuoteString renders s as a char-vector literal.
func QuoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// StringLiteral renders a string value; a one-char string must be enlisted
// or it would be a char atom.
func StringLiteral(s string) string {
	if len(s) == 1 {
		return "(enlist " + QuoteString(s) + ")"
	}
	return QuoteString(s)
}

// SymbolLiteral renders `sym, or `$"..." when the name needs quoting.
func SymbolLiteral(s string) string {
	if s == "" || simpleSymbol.MatchString(s) {
		return "`" + s
	}
	return "`$" + QuoteString(s)
}

// Literal renders a non-null relational value as a native atom of type ct.
func Literal(ct kdbpush.ColumnType, v any) (string, error) {
	if v == nil {
		return NullLiteral(ct), nil
	}
	if ct.IsString() {
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("string literal from %T", v)
		}
		return StringLiteral(s), nil
	}
	if ct.Array || ct.IsUnknown() {
		return "", fmt.Errorf("no literal form for %s", ct)
	}

	switch ct.Kind {
	case kdbpush.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return "", mismatch(v, ct)
		}
		if b {
			return "1b", nil
		}
		return "0b", nil
	case kdbpush.TypeGUID:
		switch u := v.(type) {
		case uuid.UUID:
			return `"G"$` + QuoteString(u.String()), nil
		case string:
			if _, err := uuid.Parse(u); err != nil {
				return "", err
			}
			return `"G"$` + QuoteString(u), nil
		}
		return "", mismatch(v, ct)
	case kdbpush.TypeByte:
		n, ok := asInt(v)
		if !ok || n < math.MinInt8 || n > math.MaxUint8 {
			return "", mismatch(v, ct)
		}
		return fmt.Sprintf("0x%02x", byte(n)), nil
	case kdbpush.TypeShort:
		n, ok := asInt(v)
		if !ok || n < math.MinInt16 || n > math.MaxInt16 {
			return "", mismatch(v, ct)
		}
		return strconv.FormatInt(n, 10) + "h", nil
	case kdbpush.TypeInt:
		n, ok := asInt(v)
		if !ok || n < math.MinInt32 || n > math.MaxInt32 {
			return "", mismatch(v, ct)
		}
		return strconv.FormatInt(n, 10) + "i", nil
	case kdbpush.TypeLong:
		n, ok := asInt(v)
		if !ok {
			return "", mismatch(v, ct)
		}
		return strconv.FormatInt(n, 10), nil
	case kdbpush.TypeReal:
		f, ok := asFloat(v)
		if !ok || math.IsNaN(f) {
			return "", mismatch(v, ct)
		}
		if inf, ok := infinity(f); ok {
			return inf + "e", nil
		}
		return strconv.FormatFloat(f, 'f', -1, 32) + "e", nil
	case kdbpush.TypeFloat:
		f, ok := asFloat(v)
		if !ok || math.IsNaN(f) {
			return "", mismatch(v, ct)
		}
		if inf, ok := infinity(f); ok {
			return inf, nil
		}
		s := strconv.FormatFloat(f, 'f', -1, 64)
		if !strings.ContainsAny(s, ".") {
			s += "f"
		}
		return s, nil
	case kdbpush.TypeChar:
		s, ok := v.(string)
		if !ok || len(s) != 1 {
			return "", mismatch(v, ct)
		}
		return QuoteString(s), nil
	case kdbpush.TypeSymbol:
		s, ok := v.(string)
		if !ok {
			return "", mismatch(v, ct)
		}
		return SymbolLiteral(s), nil
	case kdbpush.TypeTimestamp:
		t, ok := v.(time.Time)
		if !ok {
			return "", mismatch(v, ct)
		}
		return t.UTC().Format("2006.01.02D15:04:05.000000000"), nil
	case kdbpush.TypeDatetime:
		t, ok := v.(time.Time)
		if !ok {
			return "", mismatch(v, ct)
		}
		return t.UTC().Format("2006.01.02T15:04:05.000"), nil
	case kdbpush.TypeDate:
		t, ok := v.(time.Time)
		if !ok {
			return "", mismatch(v, ct)
		}
		return t.UTC().Format("2006.01.02"), nil
	case kdbpush.TypeMonth:
		switch m := v.(type) {
		case time.Time:
			return m.UTC().Format("2006.01") + "m", nil
		case string:
			t, err := time.Parse("2006-01", m)
			if err != nil {
				return "", mismatch(v, ct)
			}
			return t.Format("2006.01") + "m", nil
		}
		return "", mismatch(v, ct)
	case kdbpush.TypeTimespan:
		d, ok := v.(time.Duration)
		if !ok {
			return "", mismatch(v, ct)
		}
		return formatTimespan(d), nil
	case kdbpush.TypeMinute:
		d, ok := v.(time.Duration)
		if !ok {
			return "", mismatch(v, ct)
		}
		return fmt.Sprintf("%02d:%02d", int64(d/time.Hour), int64(d%time.Hour/time.Minute)), nil
	case kdbpush.TypeSecond:
		d, ok := v.(time.Duration)
		if !ok {
			return "", mismatch(v, ct)
		}
		return fmt.Sprintf("%02d:%02d:%02d", int64(d/time.Hour), int64(d%time.Hour/time.Minute), int64(d%time.Minute/time.Second)), nil
	case kdbpush.TypeTime:
		d, ok := v.(time.Duration)
		if !ok {
			return "", mismatch(v, ct)
		}
		return fmt.Sprintf("%02d:%02d:%02d.%03d", int64(d/time.Hour), int64(d%time.Hour/time.Minute),
			int64(d%time.Minute/time.Second), int64(d%time.Second/time.Millisecond)), nil
	}
	return "", fmt.Errorf("no literal form for %s", ct)
}

func formatTimespan(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	days := int64(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	return fmt.Sprintf("%s%dD%02d:%02d:%02d.%09d", sign, days, int64(d/time.Hour), int64(d%time.Hour/time.Minute),
		int64(d%time.Minute/time.Second), int64(d%time.Second))
}

// NullLiteral renders the null (or zero value) of a native type.
func NullLiteral(ct kdbpush.ColumnType) string {
	if ct.IsString() {
		return `""`
	}
	if ct.Array || ct.IsUnknown() {
		return "()"
	}
	return nullLiterals[ct.Kind]
}

func mismatch(v any, ct kdbpush.ColumnType) error {
	return fmt.Errorf("cannot render %T as %s", v, ct)
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case float64:
		if n == math.Trunc(n) {
			return int64(n), true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	if i, ok := asInt(v); ok {
		return float64(i), true
	}
	return 0, false
}

// VectorLiteral renders one column of insert values as a typed list, e.g.
// `long$(1;0N) or `$("ibm";""). A single value is enlisted.
func VectorLiteral(ct kdbpush.ColumnType, values []any) (string, error) {
	items := make([]string, len(values))
	for i, v := range values {
		var err error
		switch {
		case ct.IsSymbol():
			s := ""
			if v != nil {
				var ok bool
				if s, ok = v.(string); !ok {
					return "", mismatch(v, ct)
				}
			}
			if len(values) == 1 {
				items[i] = SymbolLiteral(s)
			} else {
				items[i] = QuoteString(s)
			}
		case ct.IsString():
			s := ""
			if v != nil {
				var ok bool
				if s, ok = v.(string); !ok {
					return "", mismatch(v, ct)
				}
			}
			items[i] = StringLiteral(s)
		case ct.Array:
			items[i], err = arrayLiteral(ct, v)
		default:
			if f, ok := v.(float64); ok && math.IsNaN(f) {
				v = nil // the store's float null is NaN
			} else if f, ok := v.(float32); ok && math.IsNaN(float64(f)) {
				v = nil
			}
			items[i], err = Literal(ct, v)
		}
		if err != nil {
			return "", err
		}
	}

	if len(values) == 1 {
		return "enlist " + items[0], nil
	}
	list := "(" + strings.Join(items, ";") + ")"
	switch {
	case ct.IsSymbol():
		return "`$" + list, nil
	case ct.IsString(), ct.Array, ct.IsUnknown():
		return list, nil
	}
	return "`" + ct.Kind.Name() + "$" + list, nil
}

func arrayLiteral(ct kdbpush.ColumnType, v any) (string, error) {
	if v == nil {
		return "`" + ct.Kind.Name() + "$()", nil
	}
	elems, ok := v.([]any)
	if !ok {
		return "", mismatch(v, ct)
	}
	scalar := kdbpush.Column(ct.Kind)
	parts := make([]string, len(elems))
	for i, e := range elems {
		s, err := Literal(scalar, e)
		if err != nil {
			return "", err
		}
		parts[i] = s
	}
	if len(parts) == 1 {
		return "(enlist " + parts[0] + ")", nil
	}
	return "`" + ct.Kind.Name() + "$(" + strings.Join(parts, ";") + ")", nil
}

// ParsePartitionValue parses a partition directory name as a value of ct.
func ParsePartitionValue(ct kdbpush.ColumnType, name string) (any, error) {
	switch ct.Kind {
	case kdbpush.TypeDate:
		t, err := time.Parse("2006.01.02", name)
		if err != nil {
			return nil, err
		}
		return t, nil
	case kdbpush.TypeMonth:
		t, err := time.Parse("2006.01", name)
		if err != nil {
			return nil, err
		}
		return t.Format("2006-01"), nil
	case kdbpush.TypeInt:
		n, err := strconv.ParseInt(name, 10, 32)
		return int32(n), err
	case kdbpush.TypeLong:
		return strconv.ParseInt(name, 10, 64)
	case kdbpush.TypeShort:
		n, err := strconv.ParseInt(name, 10, 16)
		return int16(n), err
	}
	return nil, fmt.Errorf("cannot partition on %s", ct)
}

// infinity renders f in the store's infinity notation. NaN has no literal
// distinct from null and is rejected by the caller.
func infinity(f float64) (string, bool) {
	switch {
	case math.IsInf(f, 1):
		return "0w", true
	case math.IsInf(f, -1):
		return "-0w", true
	}
	return "", false
}
