package internal

import (
	"context"
	"fmt"
	"strings"

	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal/qipc"
	"go.uber.org/zap"
)

// StatisticsCatalog looks up precomputed statistics. ok is false when the
// table has no entry.
type StatisticsCatalog interface {
	Lookup(ctx context.Context, table *kdbpush.TableHandle, columns []kdbpush.ColumnHandle) (stats kdbpush.Statistics, ok bool, err error)
}

// nativeWidths are the bytes per value of fixed-width types.
var nativeWidths = map[kdbpush.NativeType]float64{
	kdbpush.TypeBoolean:   1,
	kdbpush.TypeGUID:      16,
	kdbpush.TypeByte:      1,
	kdbpush.TypeShort:     2,
	kdbpush.TypeInt:       4,
	kdbpush.TypeLong:      8,
	kdbpush.TypeReal:      4,
	kdbpush.TypeFloat:     8,
	kdbpush.TypeChar:      1,
	kdbpush.TypeSymbol:    8,
	kdbpush.TypeTimestamp: 8,
	kdbpush.TypeMonth:     4,
	kdbpush.TypeDate:      4,
	kdbpush.TypeDatetime:  8,
	kdbpush.TypeTimespan:  8,
	kdbpush.TypeMinute:    4,
	kdbpush.TypeSecond:    4,
	kdbpush.TypeTime:      4,
}

// StatisticsProvider answers table statistics from a precomputed catalog,
// falling back to live queries against the store.
type StatisticsProvider struct {
	client  StoreClient
	catalog StatisticsCatalog
}

// NewStatisticsProvider creates a provider. catalog may be nil.
func NewStatisticsProvider(client StoreClient, catalog StatisticsCatalog) *StatisticsProvider {
	return &StatisticsProvider{client: client, catalog: catalog}
}

// TableStatistics returns the statistics of table restricted by its pushed
// filter. Aggregated handles have none.
func (p *StatisticsProvider) TableStatistics(ctx context.Context, table *kdbpush.TableHandle, columns []kdbpush.ColumnHandle, session kdbpush.SessionConfig) (kdbpush.Statistics, error) {
	if !session.UseStats || table.HasAggregation() {
		return kdbpush.EmptyStatistics(), nil
	}
	if p.catalog != nil && !table.IsPassThrough() {
		stats, ok, err := p.catalog.Lookup(ctx, table, columns)
		if err != nil {
			return kdbpush.EmptyStatistics(), err
		}
		if ok {
			return stats, nil
		}
	}
	return p.collect(ctx, table, columns, session.LiveColumnStats)
}

func (p *StatisticsProvider) collect(ctx context.Context, table *kdbpush.TableHandle, columns []kdbpush.ColumnHandle, withColumns bool) (kdbpush.Statistics, error) {
	filter, err := RenderFilter(table, nil)
	if err != nil {
		return kdbpush.EmptyStatistics(), err
	}
	if filter.Empty {
		return kdbpush.Statistics{RowCount: kdbpush.Known(0)}, nil
	}

	var rows float64
	var partition any
	if pcol, ok := table.PartitionColumn(); ok {
		rows, partition, err = p.partitionedCount(ctx, table, pcol, filter.Clauses)
	} else {
		rows, err = p.count(ctx, table, filter.Clauses)
	}
	if err != nil {
		return kdbpush.EmptyStatistics(), err
	}
	stats := kdbpush.Statistics{RowCount: kdbpush.Known(rows)}
	if !withColumns || rows == 0 {
		return stats, nil
	}

	clauses := filter.Clauses
	if partition != nil {
		pf, err := RenderFilter(table, partition)
		if err != nil {
			return kdbpush.EmptyStatistics(), err
		}
		clauses = pf.Clauses
	}
	cols, err := p.columnStatistics(ctx, table, columns, clauses, rows)
	if err != nil {
		return kdbpush.EmptyStatistics(), err
	}
	stats.Columns = cols
	return stats, nil
}

func (p *StatisticsProvider) count(ctx context.Context, table *kdbpush.TableHandle, clauses []string) (float64, error) {
	q := "count " + Source(table)
	if len(clauses) > 0 {
		q = "count select from " + Source(table) + whereClause(clauses)
	}
	res, err := p.client.Execute(ctx, q)
	if err != nil {
		return 0, err
	}
	v, err := DecodeAtom(res)
	if err != nil {
		return 0, fmt.Errorf("row count: %w", err)
	}
	n, _ := asFloat(v)
	return n, nil
}

// partitionedCount sums the per-partition counts and returns the last
// partition that has rows.
func (p *StatisticsProvider) partitionedCount(ctx context.Context, table *kdbpush.TableHandle, pcol kdbpush.ColumnHandle, clauses []string) (float64, any, error) {
	q := fmt.Sprintf("select n: count i by %s from %s%s", pcol.NativeName, Source(table), whereClause(clauses))
	res, err := p.client.Execute(ctx, q)
	if err != nil {
		return 0, nil, err
	}
	cols, err := tableColumns(res)
	if err != nil {
		return 0, nil, fmt.Errorf("partition counts: %w", err)
	}
	var total float64
	for _, v := range cols["n"] {
		n, _ := asFloat(v)
		total += n
	}
	var last any
	if keys := cols[pcol.NativeName]; len(keys) > 0 {
		last = keys[len(keys)-1]
	}
	return total, last, nil
}

// columnStatistics runs one composite query over every supported column.
func (p *StatisticsProvider) columnStatistics(ctx context.Context, table *kdbpush.TableHandle, columns []kdbpush.ColumnHandle, clauses []string, rows float64) (map[string]kdbpush.ColumnStatistics, error) {
	var terms []string
	sampled := make([]kdbpush.ColumnHandle, 0, len(columns))
	for _, col := range columns {
		if col.Type.Array || col.Type.IsUnknown() {
			continue
		}
		k := len(sampled)
		c := col.NativeName
		terms = append(terms, fmt.Sprintf("c%dd: count distinct %s", k, c))
		if IsNullable(col.Type) {
			terms = append(terms, fmt.Sprintf("c%dn: sum null %s", k, c))
		}
		if hasRange(col.Type) {
			terms = append(terms, fmt.Sprintf("c%dlo: min %s", k, c), fmt.Sprintf("c%dhi: max %s", k, c))
		}
		sampled = append(sampled, col)
	}
	if len(sampled) == 0 {
		return nil, nil
	}

	q := "select " + strings.Join(terms, ", ") + " from " + Source(table) + whereClause(clauses)
	res, err := p.client.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	vals, err := tableColumns(res)
	if err != nil {
		return nil, fmt.Errorf("column statistics: %w", err)
	}
	first := func(name string) any {
		if v := vals[name]; len(v) > 0 {
			return v[0]
		}
		return nil
	}

	out := make(map[string]kdbpush.ColumnStatistics, len(sampled))
	for k, col := range sampled {
		var cs kdbpush.ColumnStatistics
		if d, ok := asFloat(first(fmt.Sprintf("c%dd", k))); ok {
			cs.DistinctValues = kdbpush.Known(d)
		}
		if IsNullable(col.Type) {
			if n, ok := asFloat(first(fmt.Sprintf("c%dn", k))); ok {
				cs.NullsFraction = kdbpush.Known(n / rows)
			}
		} else {
			cs.NullsFraction = kdbpush.Known(0)
		}
		if w, ok := nativeWidths[col.Type.Kind]; ok && !col.Type.IsString() {
			cs.DataSize = kdbpush.Known(w * rows)
		}
		if hasRange(col.Type) {
			lo, hi := first(fmt.Sprintf("c%dlo", k)), first(fmt.Sprintf("c%dhi", k))
			if lo != nil && hi != nil {
				cs.Range = &kdbpush.ValueRange{Min: lo, Max: hi}
			}
		}
		out[col.Name] = cs
	}
	return out, nil
}

// hasRange reports whether live queries collect min/max for ct.
func hasRange(ct kdbpush.ColumnType) bool {
	return isNumeric(ct) || ct == kdbpush.Column(kdbpush.TypeDate)
}

// tableColumns decodes a table result column by column.
func tableColumns(k *qipc.K) (map[string][]any, error) {
	names, data, err := DecodeTable(k)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]any, len(names))
	for i, n := range names {
		v, err := DecodeVector(data[i])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", n, err)
		}
		out[n] = v
	}
	return out, nil
}

// storeStatisticsCatalog reads the `stats` and `colstats` tables of a
// namespace in the store. Missing tables read as no entry.
type storeStatisticsCatalog struct {
	client    StoreClient
	namespace string
}

// NewStoreStatisticsCatalog reads precomputed statistics from `.ns.stats`
// and `.ns.colstats`.
func NewStoreStatisticsCatalog(client StoreClient, namespace string) StatisticsCatalog {
	return &storeStatisticsCatalog{client: client, namespace: strings.TrimPrefix(namespace, ".")}
}

func (c *storeStatisticsCatalog) query(ctx context.Context, table, name string) (map[string][]any, error) {
	q := fmt.Sprintf("@[{0!select from .%s.%s where table=x};%s;{()}]", c.namespace, name, SymbolLiteral(table))
	res, err := c.client.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	return tableColumns(res)
}

func (c *storeStatisticsCatalog) Lookup(ctx context.Context, table *kdbpush.TableHandle, columns []kdbpush.ColumnHandle) (kdbpush.Statistics, bool, error) {
	rows, err := c.query(ctx, table.NativeName(), "stats")
	if err != nil {
		return kdbpush.EmptyStatistics(), false, err
	}
	counts := rows["rowcount"]
	if len(counts) == 0 {
		return kdbpush.EmptyStatistics(), false, nil
	}
	stats := kdbpush.EmptyStatistics()
	if n, ok := asFloat(counts[0]); ok {
		stats.RowCount = kdbpush.Known(n)
	}

	cs, err := c.query(ctx, table.NativeName(), "colstats")
	if err != nil {
		return kdbpush.EmptyStatistics(), false, err
	}
	names := cs["column"]
	entries := make([]ColumnStatsEntry, len(names))
	for i, n := range names {
		e := ColumnStatsEntry{}
		e.Column, _ = n.(string)
		e.DistinctCount = at(cs["distinct_count"], i)
		e.NullFraction = at(cs["null_fraction"], i)
		e.Size = at(cs["size"], i)
		e.Min = at(cs["min_value"], i)
		e.Max = at(cs["max_value"], i)
		entries[i] = e
	}
	stats.Columns = columnStatsFromEntries(entries, columns)
	zap.S().Debugw("precomputed statistics", "table", table.QualifiedNativeName(), "rows", stats.RowCount.Value, "columns", len(stats.Columns))
	return stats, true, nil
}

func at(vals []any, i int) *float64 {
	if i >= len(vals) {
		return nil
	}
	f, ok := asFloat(vals[i])
	if !ok {
		return nil
	}
	return &f
}

// ColumnStatsEntry is one precomputed column-statistics row. A nil field is
// absent; min and max give a range only when both are present.
type ColumnStatsEntry struct {
	Column        string
	DistinctCount *float64
	NullFraction  *float64
	Size          *float64
	Min           *float64
	Max           *float64
}

// columnStatsFromEntries keys entries by exposed column name. Entries for
// unknown columns are dropped.
func columnStatsFromEntries(entries []ColumnStatsEntry, columns []kdbpush.ColumnHandle) map[string]kdbpush.ColumnStatistics {
	if len(entries) == 0 {
		return nil
	}
	out := make(map[string]kdbpush.ColumnStatistics, len(entries))
	for _, e := range entries {
		name, ok := exposedColumn(e.Column, columns)
		if !ok {
			continue
		}
		var cs kdbpush.ColumnStatistics
		if e.DistinctCount != nil {
			cs.DistinctValues = kdbpush.Known(*e.DistinctCount)
		}
		if e.NullFraction != nil {
			cs.NullsFraction = kdbpush.Known(*e.NullFraction)
		}
		if e.Size != nil {
			cs.DataSize = kdbpush.Known(*e.Size)
		}
		if e.Min != nil && e.Max != nil {
			cs.Range = &kdbpush.ValueRange{Min: *e.Min, Max: *e.Max}
		}
		out[name] = cs
	}
	return out
}

func exposedColumn(native string, columns []kdbpush.ColumnHandle) (string, bool) {
	for _, c := range columns {
		if c.NativeName == native {
			return c.Name, true
		}
	}
	for _, c := range columns {
		if strings.EqualFold(c.NativeName, native) {
			return c.Name, true
		}
	}
	return "", false
}
