package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/lychee-technology/kdbpush"
)

const scanRequestSchema = `{
  "type": "object",
  "required": ["table"],
  "additionalProperties": false,
  "properties": {
    "namespace": {"type": "string"},
    "table": {"type": "string", "minLength": 1},
    "columns": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "filters": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["column", "op"],
        "additionalProperties": false,
        "properties": {
          "column": {"type": "string", "minLength": 1},
          "function": {"enum": ["upper", "lower"]},
          "op": {"enum": ["=", "<>", "<", "<=", ">", ">=", "in", "between", "like", "not_like", "is_null", "is_not_null"]},
          "value": {},
          "values": {"type": "array"},
          "escape": {"type": "string", "maxLength": 1}
        }
      }
    },
    "aggregates": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["function"],
        "additionalProperties": false,
        "properties": {
          "function": {"type": "string", "minLength": 1},
          "column": {"type": "string"},
          "distinct": {"type": "boolean"}
        }
      }
    },
    "groupBy": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "limit": {"type": "integer", "minimum": 0}
  }
}`

const insertRequestSchema = `{
  "type": "object",
  "required": ["table", "columns", "rows"],
  "additionalProperties": false,
  "properties": {
    "namespace": {"type": "string"},
    "table": {"type": "string", "minLength": 1},
    "columns": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "rows": {"type": "array", "items": {"type": "array"}}
  }
}`

// FilterSpec is one conjunct of a scan request.
type FilterSpec struct {
	Column   string `json:"column"`
	Function string `json:"function,omitempty"`
	Op       string `json:"op"`
	Value    any    `json:"value,omitempty"`
	Values   []any  `json:"values,omitempty"`
	Escape   string `json:"escape,omitempty"`
}

// AggregateSpec is one aggregate of a scan request. An empty column is count(*).
type AggregateSpec struct {
	Function string `json:"function"`
	Column   string `json:"column,omitempty"`
	Distinct bool   `json:"distinct,omitempty"`
}

// ScanRequest is the JSON form of a scan.
type ScanRequest struct {
	Namespace  string          `json:"namespace,omitempty"`
	Table      string          `json:"table"`
	Columns    []string        `json:"columns,omitempty"`
	Filters    []FilterSpec    `json:"filters,omitempty"`
	Aggregates []AggregateSpec `json:"aggregates,omitempty"`
	GroupBy    []string        `json:"groupBy,omitempty"`
	Limit      *int64          `json:"limit,omitempty"`
}

// InsertRequest is the JSON form of an insert.
type InsertRequest struct {
	Namespace string   `json:"namespace,omitempty"`
	Table     string   `json:"table"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
}

// ParseScanRequest validates and decodes a scan request document.
func ParseScanRequest(data []byte) (*ScanRequest, error) {
	var req ScanRequest
	if err := decodeRequest(data, scanRequestSchema, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// ParseInsertRequest validates and decodes an insert request document.
func ParseInsertRequest(data []byte) (*InsertRequest, error) {
	var req InsertRequest
	if err := decodeRequest(data, insertRequestSchema, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func decodeRequest(data []byte, schemaText string, out any) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return kdbpush.NewValidationError("request", "invalid JSON").WithCause(err)
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal([]byte(schemaText), &schema); err != nil {
		return fmt.Errorf("failed to unmarshal into jsonschema.Schema: %w", err)
	}
	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return fmt.Errorf("failed to resolve JSON schema: %w", err)
	}
	if err := resolved.Validate(doc); err != nil {
		return kdbpush.NewValidationError("request", err.Error()).WithCause(err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return kdbpush.NewValidationError("request", "cannot decode").WithCause(err)
	}
	return nil
}

// Bind resolves the request's names against columns, the visible columns of
// its table, and converts every JSON value to the column's value type.
func (r *ScanRequest) Bind(columns []kdbpush.ColumnHandle) (ScanQuery, error) {
	q := ScanQuery{Constraint: kdbpush.ConstraintAll()}
	lookup := columnLookup(columns)

	for _, name := range r.Columns {
		col, err := lookup(name)
		if err != nil {
			return q, err
		}
		q.Columns = append(q.Columns, col)
	}

	for i, f := range r.Filters {
		col, err := lookup(f.Column)
		if err != nil {
			return q, err
		}
		if err := bindFilter(&q, col, f); err != nil {
			var ke *kdbpush.KdbError
			if errors.As(err, &ke) {
				return q, ke.WithDetail("filter", i)
			}
			return q, err
		}
	}

	if len(r.Aggregates) > 0 {
		agg := &kdbpush.AggregateRequest{}
		for _, name := range r.GroupBy {
			col, err := lookup(name)
			if err != nil {
				return q, err
			}
			agg.GroupBy = append(agg.GroupBy, col)
		}
		for _, a := range r.Aggregates {
			call := kdbpush.AggregateCall{Function: a.Function, Distinct: a.Distinct}
			if a.Column != "" {
				col, err := lookup(a.Column)
				if err != nil {
					return q, err
				}
				call.Arg = kdbpush.ColumnRef{Column: col}
			}
			if _, err := kdbpush.ParseAggregateKind(call.Function, call.Arg != nil); err != nil {
				return q, kdbpush.NewValidationError("aggregates", err.Error())
			}
			agg.Calls = append(agg.Calls, call)
		}
		q.Aggregation = agg
	} else if len(r.GroupBy) > 0 {
		return q, kdbpush.NewValidationError("groupBy", "group by needs at least one aggregate")
	}

	if r.Limit != nil {
		q.Limit, q.HasLimit = *r.Limit, true
	}
	return q, nil
}

func columnLookup(columns []kdbpush.ColumnHandle) func(string) (kdbpush.ColumnHandle, error) {
	return func(name string) (kdbpush.ColumnHandle, error) {
		for _, c := range columns {
			if c.Name == name {
				return c, nil
			}
		}
		for _, c := range columns {
			if strings.EqualFold(c.Name, name) {
				return c, nil
			}
		}
		return kdbpush.ColumnHandle{}, kdbpush.NewColumnNotFoundError("", name)
	}
}

var compareOps = map[string]kdbpush.CompareOp{
	"=":  kdbpush.OpEqual,
	"<":  kdbpush.OpLessThan,
	"<=": kdbpush.OpLessOrEqual,
	">":  kdbpush.OpGreaterThan,
	">=": kdbpush.OpGreaterOrEqual,
}

func bindFilter(q *ScanQuery, col kdbpush.ColumnHandle, f FilterSpec) error {
	var target kdbpush.Operand = kdbpush.ColumnRef{Column: col}
	if f.Function != "" {
		target = kdbpush.FunctionCall{Name: f.Function, Arg: target}
	}
	plain := f.Function == ""

	switch f.Op {
	case "is_null", "is_not_null":
		q.Expressions = append(q.Expressions, kdbpush.NullExpression{Target: target, Negated: f.Op == "is_not_null"})
		return nil
	case "like", "not_like":
		s, ok := f.Value.(string)
		if !ok {
			return kdbpush.NewValidationError(col.Name, "like needs a string pattern")
		}
		var e kdbpush.Expression = kdbpush.LikeExpression{Target: target, Pattern: s, Escape: f.Escape}
		if f.Op == "not_like" {
			e = kdbpush.NotExpression{Operand: e}
		}
		q.Expressions = append(q.Expressions, e)
		return nil
	case "in":
		if len(f.Values) == 0 {
			return kdbpush.NewValidationError(col.Name, "in needs values")
		}
		vals, err := ParseValues(col.Type, f.Values)
		if err != nil {
			return err
		}
		if plain {
			q.Constraint = q.Constraint.With(col, kdbpush.DomainValues(vals...))
			return nil
		}
		if len(vals) > 1 {
			return kdbpush.NewValidationError(col.Name, "in over a function takes a single value")
		}
		q.Expressions = append(q.Expressions, kdbpush.ComparisonExpression{Target: target, Operator: kdbpush.OpEqual, Value: vals[0]})
		return nil
	case "between":
		if len(f.Values) != 2 {
			return kdbpush.NewValidationError(col.Name, "between needs two values")
		}
		vals, err := ParseValues(col.Type, f.Values)
		if err != nil {
			return err
		}
		if plain {
			q.Constraint = q.Constraint.With(col, kdbpush.DomainRanges(false, kdbpush.Between(vals[0], vals[1])))
			return nil
		}
		q.Expressions = append(q.Expressions,
			kdbpush.ComparisonExpression{Target: target, Operator: kdbpush.OpGreaterOrEqual, Value: vals[0]},
			kdbpush.ComparisonExpression{Target: target, Operator: kdbpush.OpLessOrEqual, Value: vals[1]})
		return nil
	case "<>":
		v, err := ParseValue(col.Type, f.Value)
		if err != nil {
			return err
		}
		q.Expressions = append(q.Expressions, kdbpush.NotExpression{
			Operand: kdbpush.ComparisonExpression{Target: target, Operator: kdbpush.OpEqual, Value: v},
		})
		return nil
	}

	op, ok := compareOps[f.Op]
	if !ok {
		return kdbpush.NewValidationError(col.Name, "unknown operator "+f.Op)
	}
	v, err := ParseValue(col.Type, f.Value)
	if err != nil {
		return err
	}
	if v == nil {
		return kdbpush.NewValidationError(col.Name, "comparison with null; use is_null")
	}
	q.Expressions = append(q.Expressions, kdbpush.ComparisonExpression{Target: target, Operator: op, Value: v})
	return nil
}

// Bind resolves the insert columns and converts every row value.
func (r *InsertRequest) Bind(columns []kdbpush.ColumnHandle) ([]kdbpush.ColumnHandle, [][]any, error) {
	lookup := columnLookup(columns)
	cols := make([]kdbpush.ColumnHandle, len(r.Columns))
	for i, name := range r.Columns {
		col, err := lookup(name)
		if err != nil {
			return nil, nil, err
		}
		cols[i] = col
	}
	rows := make([][]any, len(r.Rows))
	for i, raw := range r.Rows {
		if len(raw) != len(cols) {
			return nil, nil, kdbpush.NewValidationError("rows", "row has the wrong number of values").WithDetail("row", i)
		}
		row := make([]any, len(raw))
		for j, v := range raw {
			val, err := ParseValue(cols[j].Type, v)
			if err != nil {
				return nil, nil, err
			}
			row[j] = val
		}
		rows[i] = row
	}
	return cols, rows, nil
}

// ParseValues converts a list with ParseValue.
func ParseValues(ct kdbpush.ColumnType, raw []any) ([]any, error) {
	out := make([]any, len(raw))
	for i, v := range raw {
		val, err := ParseValue(ct, v)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}

// ParseValue converts a JSON value to the Go value the codec decodes for ct.
// Temporal values are strings: RFC 3339 or 2006-01-02 for dates and
// timestamps, 2006-01 for months, hh:mm[:ss[.fff]] or a Go duration for
// times of day and timespans.
func ParseValue(ct kdbpush.ColumnType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	bad := func() error {
		return kdbpush.NewValidationError("value", fmt.Sprintf("%v is not a valid %s", v, ct))
	}
	if ct.IsString() {
		s, ok := v.(string)
		if !ok {
			return nil, bad()
		}
		return s, nil
	}
	if ct.Array || ct.IsUnknown() {
		return nil, kdbpush.NewValidationError("value", "no value form for "+ct.String())
	}

	switch ct.Kind {
	case kdbpush.TypeBoolean:
		b, ok := v.(bool)
		if !ok {
			return nil, bad()
		}
		return b, nil
	case kdbpush.TypeGUID:
		s, ok := v.(string)
		if !ok {
			return nil, bad()
		}
		u, err := uuid.Parse(s)
		if err != nil {
			return nil, bad()
		}
		return u, nil
	case kdbpush.TypeByte, kdbpush.TypeShort, kdbpush.TypeInt, kdbpush.TypeLong:
		n, ok := jsonInt(v)
		if !ok {
			return nil, bad()
		}
		switch ct.Kind {
		case kdbpush.TypeByte:
			return int8(n), nil
		case kdbpush.TypeShort:
			return int16(n), nil
		case kdbpush.TypeInt:
			return int32(n), nil
		}
		return n, nil
	case kdbpush.TypeReal, kdbpush.TypeFloat:
		f, ok := jsonFloat(v)
		if !ok {
			return nil, bad()
		}
		if ct.Kind == kdbpush.TypeReal {
			return float32(f), nil
		}
		return f, nil
	case kdbpush.TypeChar:
		s, ok := v.(string)
		if !ok || len(s) != 1 {
			return nil, bad()
		}
		return s, nil
	case kdbpush.TypeSymbol:
		s, ok := v.(string)
		if !ok {
			return nil, bad()
		}
		return s, nil
	case kdbpush.TypeTimestamp, kdbpush.TypeDatetime, kdbpush.TypeDate:
		s, ok := v.(string)
		if !ok {
			return nil, bad()
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02", "2006.01.02"} {
			if t, err := time.Parse(layout, s); err == nil {
				if ct.Kind == kdbpush.TypeDate {
					return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
				}
				return t.UTC(), nil
			}
		}
		return nil, bad()
	case kdbpush.TypeMonth:
		s, ok := v.(string)
		if !ok {
			return nil, bad()
		}
		t, err := time.Parse("2006-01", s)
		if err != nil {
			return nil, bad()
		}
		return t.Format("2006-01"), nil
	case kdbpush.TypeTimespan, kdbpush.TypeMinute, kdbpush.TypeSecond, kdbpush.TypeTime:
		s, ok := v.(string)
		if !ok {
			return nil, bad()
		}
		d, err := parseTimeOfDay(s)
		if err != nil {
			return nil, bad()
		}
		return d, nil
	}
	return nil, bad()
}

func jsonInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func jsonFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// parseTimeOfDay accepts hh:mm, hh:mm:ss and hh:mm:ss.fffffffff, or a Go
// duration such as 1h30m.
func parseTimeOfDay(s string) (time.Duration, error) {
	if !strings.Contains(s, ":") {
		return time.ParseDuration(s)
	}
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("bad time %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	if len(parts) == 3 {
		sec, frac, _ := strings.Cut(parts[2], ".")
		n, err := strconv.Atoi(sec)
		if err != nil {
			return 0, err
		}
		d += time.Duration(n) * time.Second
		if frac != "" {
			if len(frac) > 9 {
				return 0, fmt.Errorf("bad fraction in %q", s)
			}
			f, err := strconv.Atoi(frac + strings.Repeat("0", 9-len(frac)))
			if err != nil {
				return 0, err
			}
			d += time.Duration(f)
		}
	}
	return d, nil
}
