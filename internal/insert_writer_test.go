package internal

import (
	"context"
	"testing"

	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal/qipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertWriter_OneBatch(t *testing.T) {
	q := "insert[`atable; flip `name`iq!(`$(\"a\";\"b c\");`long$(5;0N))]"
	store := newFakeStore().on(q, qipc.Longs(0, 1))

	w := NewInsertWriter(store, kdbpush.DefaultSessionConfig())
	n, err := w.Insert(context.Background(), atableHandle(), atableColumns(), [][]any{
		{"a", int64(5)},
		{"b c", nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []string{q}, store.Queries())
}

func TestInsertWriter_TableColumnOrder(t *testing.T) {
	cols := atableColumns()
	reversed := []kdbpush.ColumnHandle{cols[1], cols[0]}
	q := "insert[`atable; flip `name`iq!(`$(\"a\";\"b\");`long$(1;2))]"
	store := newFakeStore().on(q, qipc.Longs(0, 1))

	_, err := NewInsertWriter(store, kdbpush.DefaultSessionConfig()).
		Insert(context.Background(), atableHandle(), reversed, [][]any{{int64(1), "a"}, {int64(2), "b"}})
	require.NoError(t, err)
	assert.Equal(t, 1, store.sent(q))
}

func TestInsertWriter_Batches(t *testing.T) {
	session := kdbpush.DefaultSessionConfig()
	session.PageSize = 1
	session.InsertFunction = ".u.upd"
	store := newFakeStore()
	store.onPrefix(".u.upd[", func(string) (*qipc.K, error) { return qipc.Long(0), nil })

	n, err := NewInsertWriter(store, session).Insert(context.Background(), atableHandle(), atableColumns(), [][]any{
		{"a", int64(1)},
		{"b c", nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, []string{
		".u.upd[`atable; flip `name`iq!(enlist `a;enlist 1)]",
		".u.upd[`atable; flip `name`iq!(enlist `$\"b c\";enlist 0N)]",
	}, store.Queries())
}

func TestInsertWriter_SingleColumn(t *testing.T) {
	w := NewInsertWriter(nil, kdbpush.DefaultSessionConfig())
	cols := atableColumns()[1:]
	q, err := w.Render(kdbpush.NewTableHandle("fx", "rates"), cols, []int{0}, [][]any{{int64(1)}, {int64(2)}})
	require.NoError(t, err)
	assert.Equal(t, "insert[`.fx.rates; flip (enlist `iq)!enlist `long$(1;2)]", q)
}

func TestInsertWriter_RejectsPartitionedTables(t *testing.T) {
	store := newFakeStore()
	info := tradesInfo()
	_, err := NewInsertWriter(store, kdbpush.DefaultSessionConfig()).
		Insert(context.Background(), info.Handle(), info.Columns, [][]any{{day(2024, 1, 5), "a", 1.0, int64(1)}})
	require.Error(t, err)
	assert.Equal(t, kdbpush.ErrCodeUnsupportedInsert, kdbCode(t, err))
	assert.Empty(t, store.Queries())
}

func TestInsertWriter_Validation(t *testing.T) {
	store := newFakeStore()
	w := NewInsertWriter(store, kdbpush.DefaultSessionConfig())
	ctx := context.Background()

	_, err := w.Insert(ctx, atableHandle(), atableColumns(), [][]any{{"a"}})
	assert.Equal(t, kdbpush.ErrCodeValidationFailed, kdbCode(t, err))

	_, err = w.Insert(ctx, atableHandle(), nil, nil)
	assert.Equal(t, kdbpush.ErrCodeValidationFailed, kdbCode(t, err))

	_, err = w.Insert(ctx, kdbpush.NewPassThroughHandle("", "select from atable"), atableColumns(), nil)
	assert.Equal(t, kdbpush.ErrCodeValidationFailed, kdbCode(t, err))

	_, err = w.Insert(ctx, atableHandle(), atableColumns(), [][]any{{"a", "not a number"}})
	assert.Equal(t, kdbpush.ErrCodeTypeMismatch, kdbCode(t, err))
	assert.Empty(t, store.Queries())
}
