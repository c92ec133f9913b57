package internal

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/lychee-technology/kdbpush"
)

// FilterClassification splits a filter into the part the store evaluates and
// the residual the caller keeps.
type FilterClassification struct {
	Constraint           kdbpush.Constraint
	Expressions          []kdbpush.Expression
	RemainingConstraint  kdbpush.Constraint
	RemainingExpressions []kdbpush.Expression
}

// Pushed reports whether anything was accepted.
func (f FilterClassification) Pushed() bool {
	return !f.Constraint.IsAll() || len(f.Expressions) > 0
}

// comparisonPushable reports whether ordered comparisons on ct can be rendered.
func comparisonPushable(ct kdbpush.ColumnType) bool {
	if ct.Array || ct.IsUnknown() {
		return false
	}
	switch ct.Kind {
	case kdbpush.TypeBoolean, kdbpush.TypeByte, kdbpush.TypeShort, kdbpush.TypeInt, kdbpush.TypeLong,
		kdbpush.TypeReal, kdbpush.TypeFloat, kdbpush.TypeChar, kdbpush.TypeSymbol,
		kdbpush.TypeTimestamp, kdbpush.TypeDate, kdbpush.TypeDatetime, kdbpush.TypeTimespan, kdbpush.TypeTime:
		return true
	}
	return false
}

// domainPushable reports whether d on col can be rendered exactly.
func domainPushable(col kdbpush.ColumnHandle, d kdbpush.Domain) bool {
	if d.IsNone() || d.IsAll() {
		return true
	}
	if col.Type.IsString() {
		vals, ok := d.DiscreteValues()
		if !ok || d.NullAllowed() {
			return false
		}
		for _, v := range vals {
			if _, ok := v.(string); !ok {
				return false
			}
		}
		return true
	}
	if !comparisonPushable(col.Type) {
		return false
	}
	// bytes order unsigned in the store; only point sets keep their meaning
	if col.Type.Kind == kdbpush.TypeByte && !d.AllValues() {
		for _, r := range d.Ranges() {
			if _, ok := r.SingleValue(); !ok {
				return false
			}
		}
	}
	for _, r := range d.Ranges() {
		for _, b := range []kdbpush.Bound{r.Low, r.High} {
			if b.Unbounded {
				continue
			}
			if _, err := Literal(col.Type, b.Value); err != nil {
				return false
			}
		}
	}
	return true
}

// ClassifyFilter decides which domains and scalar predicates can be pushed.
// Comparisons on plain columns fold into the pushed constraint; LIKE is pushed
// at most once per column.
func ClassifyFilter(constraint kdbpush.Constraint, exprs []kdbpush.Expression, pushDownLike bool) FilterClassification {
	out := FilterClassification{
		Constraint:          kdbpush.ConstraintAll(),
		RemainingConstraint: kdbpush.ConstraintAll(),
	}
	if constraint.IsNone() {
		out.Constraint = kdbpush.ConstraintNone()
		return out
	}
	for _, cd := range constraint.Domains() {
		if domainPushable(cd.Column, cd.Domain) {
			out.Constraint = out.Constraint.With(cd.Column, cd.Domain)
		} else {
			out.RemainingConstraint = out.RemainingConstraint.With(cd.Column, cd.Domain)
		}
	}

	likes := make(map[string][]kdbpush.LikeExpression)
	var likeOrder []string
	for _, e := range kdbpush.Conjuncts(exprs...) {
		switch x := e.(type) {
		case kdbpush.ComparisonExpression:
			col, ok := x.Target.(kdbpush.ColumnRef)
			if !ok {
				out.RemainingExpressions = append(out.RemainingExpressions, e)
				continue
			}
			d, ok := comparisonDomain(col.Column, x)
			if !ok || !domainPushable(col.Column, d) {
				out.RemainingExpressions = append(out.RemainingExpressions, e)
				continue
			}
			out.Constraint = out.Constraint.With(col.Column, d)
		case kdbpush.NullExpression:
			col, ok := x.Target.(kdbpush.ColumnRef)
			if !ok || !comparisonPushable(col.Column.Type) {
				out.RemainingExpressions = append(out.RemainingExpressions, e)
				continue
			}
			d := kdbpush.DomainOnlyNull()
			if x.Negated {
				d = kdbpush.DomainNotNull()
			}
			out.Constraint = out.Constraint.With(col.Column, d)
		case kdbpush.LikeExpression:
			col, ok := x.Target.(kdbpush.ColumnRef)
			if !ok || !pushDownLike || x.Escape != "" || multiByteUnderscore(x.Pattern) ||
				!(col.Column.Type.IsSymbol() || col.Column.Type.IsString()) {
				out.RemainingExpressions = append(out.RemainingExpressions, e)
				continue
			}
			name := col.Column.Name
			if _, seen := likes[name]; !seen {
				likeOrder = append(likeOrder, name)
			}
			likes[name] = append(likes[name], x)
		default:
			out.RemainingExpressions = append(out.RemainingExpressions, e)
		}
	}

	for _, name := range likeOrder {
		group := likes[name]
		col := group[0].Target.(kdbpush.ColumnRef).Column
		var patterns []kdbpush.LikeExpression
		var domains []kdbpush.Domain
		for _, l := range group {
			if !hasWildcard(l.Pattern) {
				domains = append(domains, kdbpush.DomainSingle(l.Pattern))
				continue
			}
			if len(group) > 1 && col.Type.IsSymbol() {
				if prefix, ok := prefixPattern(l.Pattern); ok {
					domains = append(domains, prefixDomain(prefix))
					continue
				}
			}
			patterns = append(patterns, l)
		}
		if len(patterns) > 1 {
			for _, l := range group {
				out.RemainingExpressions = append(out.RemainingExpressions, l)
			}
			continue
		}
		for _, d := range domains {
			out.Constraint = out.Constraint.With(col, d)
		}
		for _, l := range patterns {
			out.Expressions = append(out.Expressions, l)
		}
	}
	return out
}

func comparisonDomain(col kdbpush.ColumnHandle, c kdbpush.ComparisonExpression) (kdbpush.Domain, bool) {
	if c.Value == nil {
		return kdbpush.Domain{}, false
	}
	if col.Type.IsString() {
		if c.Operator != kdbpush.OpEqual {
			return kdbpush.Domain{}, false
		}
		return kdbpush.DomainSingle(c.Value), true
	}
	switch c.Operator {
	case kdbpush.OpEqual:
		return kdbpush.DomainSingle(c.Value), true
	case kdbpush.OpLessThan:
		return kdbpush.DomainRanges(false, kdbpush.LessThan(c.Value)), true
	case kdbpush.OpLessOrEqual:
		return kdbpush.DomainRanges(false, kdbpush.LessThanOrEqual(c.Value)), true
	case kdbpush.OpGreaterThan:
		return kdbpush.DomainRanges(false, kdbpush.GreaterThan(c.Value)), true
	case kdbpush.OpGreaterOrEqual:
		return kdbpush.DomainRanges(false, kdbpush.GreaterThanOrEqual(c.Value)), true
	}
	return kdbpush.Domain{}, false
}

func hasWildcard(p string) bool { return strings.ContainsAny(p, "%_") }

// multiByteUnderscore reports whether p mixes `_` with non-ASCII text. The
// store's `?` matches one byte, not one character.
func multiByteUnderscore(p string) bool {
	if !strings.Contains(p, "_") {
		return false
	}
	for i := 0; i < len(p); i++ {
		if p[i] >= utf8.RuneSelf {
			return true
		}
	}
	return false
}

// prefixPattern recognises `abc%` with no other wildcard.
func prefixPattern(p string) (string, bool) {
	if !strings.HasSuffix(p, "%") {
		return "", false
	}
	prefix := p[:len(p)-1]
	if prefix == "" || hasWildcard(prefix) {
		return "", false
	}
	return prefix, true
}

func prefixDomain(prefix string) kdbpush.Domain {
	if next, ok := successor(prefix); ok {
		return kdbpush.DomainRanges(false, kdbpush.NewRange(prefix, true, next, false))
	}
	return kdbpush.DomainRanges(false, kdbpush.GreaterThanOrEqual(prefix))
}

// successor is the smallest string greater than every string starting with s.
func successor(s string) (string, bool) {
	b := []byte(s)
	for len(b) > 0 {
		last := len(b) - 1
		if b[last] < 0xff {
			b[last]++
			return string(b), true
		}
		b = b[:last]
	}
	return "", false
}

// LikePattern translates a SQL LIKE pattern to the store's glob syntax.
func LikePattern(sqlPattern string) string {
	var b strings.Builder
	for _, r := range sqlPattern {
		switch r {
		case '%':
			b.WriteByte('*')
		case '_':
			b.WriteByte('?')
		default:
			writeGlobLiteral(&b, r)
		}
	}
	return b.String()
}

func writeGlobLiteral(b *strings.Builder, r rune) {
	switch r {
	case '*', '?', '[', ']':
		b.WriteByte('[')
		b.WriteRune(r)
		b.WriteByte(']')
	default:
		b.WriteRune(r)
	}
}

// globExact escapes s so that `like` matches it literally.
func globExact(s string) string {
	var b strings.Builder
	for _, r := range s {
		writeGlobLiteral(&b, r)
	}
	return b.String()
}

// RenderedFilter is the where clause of a compiled query.
type RenderedFilter struct {
	Clauses []string
	// Empty means the filter admits no row and the query need not run.
	Empty bool
}

func (f RenderedFilter) String() string { return strings.Join(f.Clauses, ", ") }

type filterColumn struct {
	col     kdbpush.ColumnHandle
	domain  *kdbpush.Domain
	likes   []kdbpush.LikeExpression
	primary bool
}

// RenderFilter renders the pushed constraint and LIKE predicates of table,
// one clause per column, partition column first, then by ordinal. A non-nil
// partition value restricts the query to that partition and replaces the
// partition column's own domain.
func RenderFilter(table *kdbpush.TableHandle, partition any) (RenderedFilter, error) {
	cons := table.Constraint()
	if cons.IsNone() {
		return RenderedFilter{Empty: true}, nil
	}
	pcol, partitioned := table.PartitionColumn()

	cols := make(map[string]*filterColumn)
	var order []*filterColumn
	get := func(c kdbpush.ColumnHandle) *filterColumn {
		if fc, ok := cols[c.Name]; ok {
			return fc
		}
		fc := &filterColumn{col: c, primary: partitioned && c.Name == pcol.Name}
		cols[c.Name] = fc
		order = append(order, fc)
		return fc
	}

	for _, cd := range cons.Domains() {
		if partition != nil && partitioned && cd.Column.Name == pcol.Name {
			continue
		}
		d := cd.Domain
		get(cd.Column).domain = &d
	}
	for _, e := range table.Expressions() {
		l, ok := e.(kdbpush.LikeExpression)
		if !ok {
			return RenderedFilter{}, kdbpush.NewCompilationError("cannot render predicate %T", e)
		}
		col, ok := l.Target.(kdbpush.ColumnRef)
		if !ok {
			return RenderedFilter{}, kdbpush.NewCompilationError("cannot render LIKE over a function call")
		}
		fc := get(col.Column)
		fc.likes = append(fc.likes, l)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].primary != order[j].primary {
			return order[i].primary
		}
		return order[i].col.Ordinal < order[j].col.Ordinal
	})

	var out RenderedFilter
	if partition != nil && partitioned {
		lit, err := Literal(pcol.Type, partition)
		if err != nil {
			return RenderedFilter{}, kdbpush.NewCompilationError("partition value %v: %v", partition, err)
		}
		out.Clauses = append(out.Clauses, pcol.NativeName+" = "+lit)
	}
	for _, fc := range order {
		if fc.domain != nil {
			clause, empty, err := RenderDomain(fc.col, *fc.domain)
			if err != nil {
				return RenderedFilter{}, err
			}
			if empty {
				return RenderedFilter{Empty: true}, nil
			}
			if clause != "" {
				out.Clauses = append(out.Clauses, clause)
			}
		}
		for _, l := range fc.likes {
			out.Clauses = append(out.Clauses, fc.col.NativeName+" like "+StringLiteral(LikePattern(l.Pattern)))
		}
	}
	return out, nil
}

// RenderDomain renders one column's domain. It returns an empty clause for an
// unrestricted domain and empty=true for a domain that admits nothing.
func RenderDomain(col kdbpush.ColumnHandle, d kdbpush.Domain) (clause string, empty bool, err error) {
	name := col.NativeName
	switch {
	case d.IsNone():
		return "", true, nil
	case d.IsAll():
		return "", false, nil
	case d.IsNullOnly():
		return "null " + name, false, nil
	case d.AllValues():
		return "not null " + name, false, nil
	}

	if col.Type.IsString() {
		vals, ok := d.DiscreteValues()
		if !ok {
			return "", false, kdbpush.NewCompilationError("cannot render range over string column %s", name)
		}
		if len(vals) == 1 {
			return name + " like " + StringLiteral(globExact(vals[0].(string))), false, nil
		}
		items := make([]string, len(vals))
		for i, v := range vals {
			items[i] = StringLiteral(v.(string))
		}
		return name + " in (" + strings.Join(items, ";") + ")", false, nil
	}

	var parts []string
	if vals, ok := d.DiscreteValues(); ok {
		lits, err := literals(col, vals)
		if err != nil {
			return "", false, err
		}
		if len(lits) == 1 {
			parts = append(parts, name+" = "+lits[0])
		} else {
			parts = append(parts, name+" in ("+strings.Join(lits, ";")+")")
		}
	} else {
		for _, r := range d.Ranges() {
			s, err := renderRange(col, r)
			if err != nil {
				return "", false, err
			}
			parts = append(parts, s)
		}
	}
	if d.NullAllowed() {
		parts = append([]string{"null " + name}, parts...)
	}
	if len(parts) == 1 {
		return parts[0], false, nil
	}
	return "(" + strings.Join(parts, ") | (") + ")", false, nil
}

func literals(col kdbpush.ColumnHandle, vals []any) ([]string, error) {
	out := make([]string, len(vals))
	for i, v := range vals {
		lit, err := Literal(col.Type, v)
		if err != nil {
			return nil, kdbpush.NewCompilationError("column %s: %v", col.NativeName, err)
		}
		out[i] = lit
	}
	return out, nil
}

func renderRange(col kdbpush.ColumnHandle, r kdbpush.Range) (string, error) {
	name := col.NativeName
	if v, ok := r.SingleValue(); ok {
		lit, err := literals(col, []any{v})
		if err != nil {
			return "", err
		}
		return name + " = " + lit[0], nil
	}
	var lo, hi string
	if !r.Low.Unbounded {
		l, err := literals(col, []any{r.Low.Value})
		if err != nil {
			return "", err
		}
		lo = l[0]
	}
	if !r.High.Unbounded {
		h, err := literals(col, []any{r.High.Value})
		if err != nil {
			return "", err
		}
		hi = h[0]
	}
	switch {
	case r.Low.Unbounded && r.High.Unbounded:
		return "not null " + name, nil
	case r.Low.Unbounded:
		return name + " " + upperOp(r.High) + " " + hi, nil
	case r.High.Unbounded:
		return name + " " + lowerOp(r.Low) + " " + lo, nil
	case r.Low.Inclusive && r.High.Inclusive:
		if juxtaposable(col.Type, lo, hi) {
			sep := " "
			if col.Type.IsSymbol() {
				sep = ""
			}
			return fmt.Sprintf("%s within %s%s%s", name, lo, sep, hi), nil
		}
		return fmt.Sprintf("%s within (%s;%s)", name, lo, hi), nil
	}
	return fmt.Sprintf("(%s %s %s) & (%s %s %s)", name, lowerOp(r.Low), lo, name, upperOp(r.High), hi), nil
}

func lowerOp(b kdbpush.Bound) string {
	if b.Inclusive {
		return ">="
	}
	return ">"
}

func upperOp(b kdbpush.Bound) string {
	if b.Inclusive {
		return "<="
	}
	return "<"
}

// juxtaposable reports whether two literals can form a vector by juxtaposition.
func juxtaposable(ct kdbpush.ColumnType, lo, hi string) bool {
	switch ct.Kind {
	case kdbpush.TypeLong, kdbpush.TypeDate, kdbpush.TypeTimestamp, kdbpush.TypeDatetime,
		kdbpush.TypeTimespan, kdbpush.TypeTime:
		return true
	case kdbpush.TypeFloat:
		return !strings.HasSuffix(lo, "f") && !strings.HasSuffix(hi, "f")
	case kdbpush.TypeSymbol:
		return !strings.HasPrefix(lo, "`$") && !strings.HasPrefix(hi, "`$")
	}
	return false
}
