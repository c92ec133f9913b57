package internal

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal/qipc"
)

// fakeStore answers scripted queries and records every query it receives.
// Exact matches win over prefix handlers; anything else is an evaluation error.
type fakeStore struct {
	mu       sync.Mutex
	exact    map[string]*qipc.K
	failures map[string]error
	prefixes []prefixAnswer
	queries  []string
	closed   int
}

type prefixAnswer struct {
	prefix  string
	respond func(q string) (*qipc.K, error)
}

func newFakeStore() *fakeStore {
	return &fakeStore{exact: make(map[string]*qipc.K), failures: make(map[string]error)}
}

func (f *fakeStore) on(q string, res *qipc.K) *fakeStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exact[q] = res
	return f
}

func (f *fakeStore) fail(q string, err error) *fakeStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[q] = err
	return f
}

func (f *fakeStore) onPrefix(prefix string, respond func(q string) (*qipc.K, error)) *fakeStore {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixes = append(f.prefixes, prefixAnswer{prefix: prefix, respond: respond})
	return f
}

func (f *fakeStore) Execute(ctx context.Context, q string) (*qipc.K, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	res, ok := f.exact[q]
	err := f.failures[q]
	prefixes := append([]prefixAnswer(nil), f.prefixes...)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, kdbpush.NewStoreUnavailableError(q, err)
	}
	if err != nil {
		return nil, err
	}
	if ok {
		return res, nil
	}
	for _, p := range prefixes {
		if strings.HasPrefix(q, p.prefix) {
			return p.respond(q)
		}
	}
	return nil, kdbpush.NewStoreEvaluationError(q, "unexpected query")
}

func (f *fakeStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

// Queries returns the queries received so far.
func (f *fakeStore) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}

// sent counts how often q was received.
func (f *fakeStore) sent(q string) int {
	n := 0
	for _, s := range f.Queries() {
		if s == q {
			n++
		}
	}
	return n
}

func kdate(t time.Time) int32 {
	return int32(t.Sub(kdbEpoch) / (24 * time.Hour))
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func metaTable(names []string, types string, attrs []string) *qipc.K {
	return qipc.NewTable([]string{"c", "t", "f", "a"},
		qipc.Symbols(names...),
		qipc.CharVector(types),
		qipc.Symbols(make([]string, len(names))...),
		qipc.Symbols(attrs...),
	)
}

// newCatalogStore scripts a small database:
//
//	atable  name:`s iq:`j           in the root namespace
//	Trades  date sym price size     partitioned by date over three days
//	.fx.rates ccy rate
func newCatalogStore(t *testing.T) *fakeStore {
	t.Helper()
	return newFakeStore().
		on("key `", qipc.Symbols("", "q", "Q", "h", "j", "o", "fx")).
		on("tables[]", qipc.Symbols("atable", "Trades")).
		on("tables `.fx", qipc.Symbols("rates")).
		on("0!meta atable", metaTable([]string{"name", "iq"}, "sj", []string{"", ""})).
		on(".Q.qp atable", qipc.Bool(false)).
		on("0!meta Trades", metaTable([]string{"date", "sym", "price", "size"}, "dsfj", []string{"", "p", "", ""})).
		on(".Q.qp Trades", qipc.Bool(true)).
		on(".Q.pf", qipc.Symbol("date")).
		on(".Q.pv", qipc.Dates(kdate(day(2024, 1, 2)), kdate(day(2024, 1, 3)), kdate(day(2024, 1, 4)))).
		on("0!meta .fx.rates", metaTable([]string{"ccy", "rate"}, "sf", []string{"g", ""})).
		on(".Q.qp .fx.rates", qipc.Bool(false))
}

func atableColumns() []kdbpush.ColumnHandle {
	return []kdbpush.ColumnHandle{
		kdbpush.NewColumnHandle("name", kdbpush.Column(kdbpush.TypeSymbol), 0),
		kdbpush.NewColumnHandle("iq", kdbpush.Column(kdbpush.TypeLong), 1),
	}
}

func atableHandle() *kdbpush.TableHandle {
	return kdbpush.NewTableHandle("", "atable")
}

func atableRows(names []string, iqs []int64) *qipc.K {
	return qipc.NewTable([]string{"name", "iq"}, qipc.Symbols(names...), qipc.Longs(iqs...))
}
