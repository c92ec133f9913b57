package internal

import (
	"context"
	"sort"
	"strings"

	"github.com/lychee-technology/kdbpush"
	"go.uber.org/zap"
)

// InsertWriter appends rows to a store table by calling an insert function
// with a column dictionary flipped into a table, one call per batch.
type InsertWriter struct {
	client    StoreClient
	function  string
	batchSize int
}

// NewInsertWriter creates a writer using the session's insert function and
// page size as the batch size.
func NewInsertWriter(client StoreClient, session kdbpush.SessionConfig) *InsertWriter {
	fn := strings.TrimSpace(session.InsertFunction)
	if fn == "" {
		fn = kdbpush.DefaultSessionConfig().InsertFunction
	}
	batch := session.PageSize
	if batch <= 0 {
		batch = kdbpush.DefaultSessionConfig().PageSize
	}
	return &InsertWriter{client: client, function: fn, batchSize: batch}
}

// Insert writes rows, whose values follow columns. It returns the number of
// rows sent. Partitioned tables are rejected before anything is sent.
func (w *InsertWriter) Insert(ctx context.Context, table *kdbpush.TableHandle, columns []kdbpush.ColumnHandle, rows [][]any) (int64, error) {
	if table.IsPartitioned() {
		return 0, kdbpush.NewUnsupportedInsertError(table.QualifiedNativeName())
	}
	if table.IsPassThrough() {
		return 0, kdbpush.NewValidationError("table", "cannot insert into a pass-through query")
	}
	if len(columns) == 0 {
		return 0, kdbpush.NewValidationError("columns", "no columns to insert")
	}
	for i, r := range rows {
		if len(r) != len(columns) {
			return 0, kdbpush.NewValidationError("rows", "row has the wrong number of values").WithDetail("row", i)
		}
	}

	// table column order
	order := make([]int, len(columns))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return columns[order[a]].Ordinal < columns[order[b]].Ordinal })

	var written int64
	for start := 0; start < len(rows); start += w.batchSize {
		end := min(start+w.batchSize, len(rows))
		q, err := w.Render(table, columns, order, rows[start:end])
		if err != nil {
			return written, err
		}
		if _, err := w.client.Execute(ctx, q); err != nil {
			return written, err
		}
		written += int64(end - start)
	}
	zap.S().Debugw("inserted rows", "table", table.QualifiedNativeName(), "rows", written)
	return written, nil
}

// Render builds one insert call: fn[`T; flip `c1`c2!(v1;v2)].
func (w *InsertWriter) Render(table *kdbpush.TableHandle, columns []kdbpush.ColumnHandle, order []int, rows [][]any) (string, error) {
	names := make([]string, len(order))
	vectors := make([]string, len(order))
	for i, ci := range order {
		col := columns[ci]
		values := make([]any, len(rows))
		for r, row := range rows {
			values[r] = row[ci]
		}
		vec, err := VectorLiteral(col.Type, values)
		if err != nil {
			return "", typeMismatch(col, values, err)
		}
		names[i] = col.NativeName
		vectors[i] = vec
	}

	var dict string
	if len(order) == 1 {
		dict = "(enlist " + SymbolLiteral(names[0]) + ")!enlist " + vectors[0]
	} else {
		dict = symbolList(names) + "!(" + strings.Join(vectors, ";") + ")"
	}
	return w.function + "[" + SymbolLiteral(table.QualifiedNativeName()) + "; flip " + dict + "]", nil
}

// symbolList renders `a`b, falling back to `$("a";"b") for names that need
// quoting.
func symbolList(names []string) string {
	var b strings.Builder
	for _, n := range names {
		if n == "" || !simpleSymbol.MatchString(n) {
			quoted := make([]string, len(names))
			for i, m := range names {
				quoted[i] = QuoteString(m)
			}
			return "`$(" + strings.Join(quoted, ";") + ")"
		}
		b.WriteString("`" + n)
	}
	return b.String()
}

// typeMismatch reports the first value of col that cannot be rendered.
func typeMismatch(col kdbpush.ColumnHandle, values []any, cause error) error {
	for _, v := range values {
		if v == nil {
			continue
		}
		if _, err := VectorLiteral(col.Type, []any{v}); err != nil {
			return kdbpush.NewTypeMismatchError(col.Name, v, col.Type).WithCause(err)
		}
	}
	return kdbpush.NewValidationError(col.Name, cause.Error()).WithCause(cause)
}
