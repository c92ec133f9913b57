package kdbpush

import (
	"sort"
)

// Bound is one end of a Range.
type Bound struct {
	Value     any  `json:"value,omitempty"`
	Inclusive bool `json:"inclusive,omitempty"`
	Unbounded bool `json:"unbounded,omitempty"`
}

// Range is a contiguous set of non-null values.
type Range struct {
	Low  Bound `json:"low"`
	High Bound `json:"high"`
}

func EqualTo(v any) Range {
	return Range{Low: Bound{Value: v, Inclusive: true}, High: Bound{Value: v, Inclusive: true}}
}

func GreaterThan(v any) Range {
	return Range{Low: Bound{Value: v}, High: Bound{Unbounded: true}}
}

func GreaterThanOrEqual(v any) Range {
	return Range{Low: Bound{Value: v, Inclusive: true}, High: Bound{Unbounded: true}}
}

func LessThan(v any) Range {
	return Range{Low: Bound{Unbounded: true}, High: Bound{Value: v}}
}

func LessThanOrEqual(v any) Range {
	return Range{Low: Bound{Unbounded: true}, High: Bound{Value: v, Inclusive: true}}
}

// Between is the closed range [lo, hi].
func Between(lo, hi any) Range {
	return Range{Low: Bound{Value: lo, Inclusive: true}, High: Bound{Value: hi, Inclusive: true}}
}

func NewRange(lo any, loInclusive bool, hi any, hiInclusive bool) Range {
	return Range{Low: Bound{Value: lo, Inclusive: loInclusive}, High: Bound{Value: hi, Inclusive: hiInclusive}}
}

// SingleValue returns the value of a point range.
func (r Range) SingleValue() (any, bool) {
	if r.Low.Unbounded || r.High.Unbounded || !r.Low.Inclusive || !r.High.Inclusive {
		return nil, false
	}
	if c, err := CompareValues(r.Low.Value, r.High.Value); err != nil || c != 0 {
		return nil, false
	}
	return r.Low.Value, true
}

func (r Range) IsAll() bool { return r.Low.Unbounded && r.High.Unbounded }

// Contains reports whether the non-null value v lies in r.
func (r Range) Contains(v any) bool {
	if !r.Low.Unbounded {
		c, err := CompareValues(v, r.Low.Value)
		if err != nil || c < 0 || (c == 0 && !r.Low.Inclusive) {
			return false
		}
	}
	if !r.High.Unbounded {
		c, err := CompareValues(v, r.High.Value)
		if err != nil || c > 0 || (c == 0 && !r.High.Inclusive) {
			return false
		}
	}
	return true
}

// Intersect returns the overlap of two ranges; ok is false when they are disjoint.
func (r Range) Intersect(o Range) (Range, bool) {
	out := Range{Low: tighterLow(r.Low, o.Low), High: tighterHigh(r.High, o.High)}
	if out.Low.Unbounded || out.High.Unbounded {
		return out, true
	}
	c, err := CompareValues(out.Low.Value, out.High.Value)
	if err != nil || c > 0 || (c == 0 && !(out.Low.Inclusive && out.High.Inclusive)) {
		return Range{}, false
	}
	return out, true
}

func tighterLow(a, b Bound) Bound {
	if a.Unbounded {
		return b
	}
	if b.Unbounded {
		return a
	}
	c, err := CompareValues(a.Value, b.Value)
	switch {
	case err != nil:
		return a
	case c > 0:
		return a
	case c < 0:
		return b
	default:
		return Bound{Value: a.Value, Inclusive: a.Inclusive && b.Inclusive}
	}
}

func tighterHigh(a, b Bound) Bound {
	if a.Unbounded {
		return b
	}
	if b.Unbounded {
		return a
	}
	c, err := CompareValues(a.Value, b.Value)
	switch {
	case err != nil:
		return a
	case c < 0:
		return a
	case c > 0:
		return b
	default:
		return Bound{Value: a.Value, Inclusive: a.Inclusive && b.Inclusive}
	}
}

// Domain is the set of values a column may take: either every non-null value
// or a union of ranges, plus optionally NULL. The zero Domain is empty.
type Domain struct {
	all         bool
	ranges      []Range
	nullAllowed bool
}

// DomainAll allows every value including NULL.
func DomainAll() Domain { return Domain{all: true, nullAllowed: true} }

// DomainNone allows nothing.
func DomainNone() Domain { return Domain{} }

func DomainNotNull() Domain { return Domain{all: true} }

func DomainOnlyNull() Domain { return Domain{nullAllowed: true} }

// DomainSingle allows exactly one non-null value.
func DomainSingle(v any) Domain { return Domain{ranges: []Range{EqualTo(v)}} }

// DomainValues allows a discrete set of non-null values.
func DomainValues(vs ...any) Domain {
	rs := make([]Range, 0, len(vs))
	for _, v := range vs {
		rs = append(rs, EqualTo(v))
	}
	return Domain{ranges: rs}
}

// DomainRanges allows the union of the given ranges, and NULL if nullAllowed.
func DomainRanges(nullAllowed bool, ranges ...Range) Domain {
	for _, r := range ranges {
		if r.IsAll() {
			return Domain{all: true, nullAllowed: nullAllowed}
		}
	}
	return Domain{ranges: append([]Range(nil), ranges...), nullAllowed: nullAllowed}
}

func (d Domain) IsNone() bool { return !d.all && len(d.ranges) == 0 && !d.nullAllowed }

func (d Domain) IsAll() bool { return d.all && d.nullAllowed }

// IsNullOnly reports a domain that admits NULL and nothing else.
func (d Domain) IsNullOnly() bool { return !d.all && len(d.ranges) == 0 && d.nullAllowed }

// AllValues reports whether every non-null value is admitted.
func (d Domain) AllValues() bool { return d.all }

func (d Domain) NullAllowed() bool { return d.nullAllowed }

// Ranges returns the admitted ranges. Empty when AllValues is true.
func (d Domain) Ranges() []Range { return append([]Range(nil), d.ranges...) }

// SingleValue returns the only admitted value of a single-point, non-null domain.
func (d Domain) SingleValue() (any, bool) {
	if d.all || d.nullAllowed || len(d.ranges) != 1 {
		return nil, false
	}
	return d.ranges[0].SingleValue()
}

// DiscreteValues returns the admitted values when every range is a point.
func (d Domain) DiscreteValues() ([]any, bool) {
	if d.all || len(d.ranges) == 0 {
		return nil, false
	}
	out := make([]any, 0, len(d.ranges))
	for _, r := range d.ranges {
		v, ok := r.SingleValue()
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// Includes reports whether v (nil for NULL) is admitted.
func (d Domain) Includes(v any) bool {
	if v == nil {
		return d.nullAllowed
	}
	if d.all {
		return true
	}
	for _, r := range d.ranges {
		if r.Contains(v) {
			return true
		}
	}
	return false
}

// Intersect returns the values admitted by both domains.
func (d Domain) Intersect(o Domain) Domain {
	out := Domain{nullAllowed: d.nullAllowed && o.nullAllowed}
	switch {
	case d.all && o.all:
		out.all = true
	case d.all:
		out.ranges = append([]Range(nil), o.ranges...)
	case o.all:
		out.ranges = append([]Range(nil), d.ranges...)
	default:
		for _, a := range d.ranges {
			for _, b := range o.ranges {
				if r, ok := a.Intersect(b); ok {
					out.ranges = append(out.ranges, r)
				}
			}
		}
	}
	return out
}

// ColumnDomain pairs a column with its admitted values.
type ColumnDomain struct {
	Column ColumnHandle
	Domain Domain
}

// Constraint maps columns to domains. A column that is absent is unconstrained;
// an empty domain on any column means no row qualifies.
type Constraint struct {
	none    bool
	domains []ColumnDomain
}

func ConstraintAll() Constraint { return Constraint{} }

func ConstraintNone() Constraint { return Constraint{none: true} }

// NewConstraint builds a constraint, intersecting duplicate columns.
func NewConstraint(domains ...ColumnDomain) Constraint {
	c := ConstraintAll()
	for _, cd := range domains {
		c = c.With(cd.Column, cd.Domain)
	}
	return c
}

// With returns a constraint with d intersected into col's domain.
func (c Constraint) With(col ColumnHandle, d Domain) Constraint {
	if c.none {
		return c
	}
	out := Constraint{domains: make([]ColumnDomain, 0, len(c.domains)+1)}
	merged := false
	for _, cd := range c.domains {
		if cd.Column.Name == col.Name {
			cd = ColumnDomain{Column: cd.Column, Domain: cd.Domain.Intersect(d)}
			merged = true
		}
		out.domains = append(out.domains, cd)
	}
	if !merged && !d.IsAll() {
		out.domains = append(out.domains, ColumnDomain{Column: col, Domain: d})
	}
	sort.SliceStable(out.domains, func(i, j int) bool {
		return out.domains[i].Column.Ordinal < out.domains[j].Column.Ordinal
	})
	return out
}

// Intersect combines two constraints.
func (c Constraint) Intersect(o Constraint) Constraint {
	if c.none || o.none {
		return ConstraintNone()
	}
	out := c
	for _, cd := range o.domains {
		out = out.With(cd.Column, cd.Domain)
	}
	return out
}

func (c Constraint) IsNone() bool {
	if c.none {
		return true
	}
	for _, cd := range c.domains {
		if cd.Domain.IsNone() {
			return true
		}
	}
	return false
}

func (c Constraint) IsAll() bool { return !c.none && len(c.domains) == 0 }

// Domains returns column domains ordered by column ordinal.
func (c Constraint) Domains() []ColumnDomain { return append([]ColumnDomain(nil), c.domains...) }

// Domain returns the domain of the named column.
func (c Constraint) Domain(column string) (Domain, bool) {
	for _, cd := range c.domains {
		if cd.Column.Name == column {
			return cd.Domain, true
		}
	}
	return DomainAll(), false
}

// Operand is a value source a scalar predicate applies to.
type Operand interface{ operand() }

// ColumnRef references a column directly.
type ColumnRef struct {
	Column ColumnHandle
}

// FunctionCall wraps a column in a scalar function such as upper or lower.
type FunctionCall struct {
	Name string
	Arg  Operand
}

func (ColumnRef) operand()    {}
func (FunctionCall) operand() {}

// Expression is a scalar predicate offered for pushdown.
type Expression interface{ expression() }

// LikeExpression is `target LIKE pattern [ESCAPE escape]`.
type LikeExpression struct {
	Target  Operand
	Pattern string
	Escape  string
}

// NullExpression is `target IS NULL`, or IS NOT NULL when Negated.
type NullExpression struct {
	Target  Operand
	Negated bool
}

// ComparisonExpression compares an operand with a constant.
type ComparisonExpression struct {
	Target   Operand
	Operator CompareOp
	Value    any
}

// NotExpression negates its operand.
type NotExpression struct {
	Operand Expression
}

// AndExpression is a conjunction.
type AndExpression struct {
	Terms []Expression
}

func (LikeExpression) expression()       {}
func (NullExpression) expression()       {}
func (ComparisonExpression) expression() {}
func (NotExpression) expression()        {}
func (AndExpression) expression()        {}

// CompareOp is a comparison operator.
type CompareOp string

const (
	OpEqual          CompareOp = "="
	OpNotEqual       CompareOp = "<>"
	OpLessThan       CompareOp = "<"
	OpLessOrEqual    CompareOp = "<="
	OpGreaterThan    CompareOp = ">"
	OpGreaterOrEqual CompareOp = ">="
)

// Conjuncts flattens nested AndExpressions.
func Conjuncts(exprs ...Expression) []Expression {
	var out []Expression
	for _, e := range exprs {
		if and, ok := e.(AndExpression); ok {
			out = append(out, Conjuncts(and.Terms...)...)
			continue
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}
