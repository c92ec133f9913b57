package internal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal/qipc"
	"go.uber.org/zap"
)

// systemNamespaces are the store's own namespaces, never exposed.
var systemNamespaces = map[string]bool{"q": true, "Q": true, "h": true, "j": true, "o": true, "m": true}

// TableInfo is the resolved native shape of a table.
type TableInfo struct {
	Namespace       string
	Name            string
	Columns         []kdbpush.ColumnHandle
	Partitioned     bool
	PartitionColumn *kdbpush.ColumnHandle
	Partitions      []any
}

// Qualified is the name the store resolves.
func (t *TableInfo) Qualified() string {
	if t.Namespace == "" {
		return t.Name
	}
	return "." + t.Namespace + "." + t.Name
}

// Handle builds a fresh table handle for the table.
func (t *TableInfo) Handle() *kdbpush.TableHandle {
	h := kdbpush.NewTableHandle(t.Namespace, t.Name)
	if t.Partitioned && t.PartitionColumn != nil {
		h = h.WithPartitions(*t.PartitionColumn, t.Partitions)
	}
	return h
}

// MetadataResolver reads catalog information from the store and caches it.
// Nothing is sent to the store until the first lookup.
type MetadataResolver struct {
	client     StoreClient
	discoverer PartitionDiscoverer

	mu         sync.RWMutex
	namespaces []string
	tables     map[string][]string
	infos      map[string]*TableInfo
}

// NewMetadataResolver creates a resolver. A nil discoverer asks the store.
func NewMetadataResolver(client StoreClient, discoverer PartitionDiscoverer) *MetadataResolver {
	if discoverer == nil {
		discoverer = NewStorePartitionDiscoverer(client)
	}
	return &MetadataResolver{
		client:     client,
		discoverer: discoverer,
		tables:     make(map[string][]string),
		infos:      make(map[string]*TableInfo),
	}
}

// Invalidate drops every cached entry.
func (r *MetadataResolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.namespaces = nil
	r.tables = make(map[string][]string)
	r.infos = make(map[string]*TableInfo)
}

func (r *MetadataResolver) nativeNamespaces(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	cached := r.namespaces
	r.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	res, err := r.client.Execute(ctx, "key `")
	if err != nil {
		return nil, err
	}
	keys, err := symbols(res)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	out := []string{""}
	for _, k := range keys {
		if k == "" || systemNamespaces[k] {
			continue
		}
		out = append(out, k)
	}

	r.mu.Lock()
	r.namespaces = out
	r.mu.Unlock()
	return out, nil
}

// ListNamespaces returns the exposed namespace names; the root is "default".
func (r *MetadataResolver) ListNamespaces(ctx context.Context) ([]string, error) {
	natives, err := r.nativeNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(natives))
	for i, ns := range natives {
		out[i] = exposedNamespace(ns)
	}
	return out, nil
}

func exposedNamespace(native string) string {
	if native == "" {
		return kdbpush.DefaultNamespace
	}
	return strings.ToLower(native)
}

// ResolveNamespace maps an exposed namespace name to its native name.
func (r *MetadataResolver) ResolveNamespace(ctx context.Context, namespace string) (string, error) {
	if namespace == "" || strings.EqualFold(namespace, kdbpush.DefaultNamespace) {
		return "", nil
	}
	natives, err := r.nativeNamespaces(ctx)
	if err != nil {
		return "", err
	}
	for _, ns := range natives {
		if ns != "" && strings.EqualFold(ns, namespace) {
			return ns, nil
		}
	}
	return "", kdbpush.NewNamespaceNotFoundError(namespace)
}

func (r *MetadataResolver) nativeTables(ctx context.Context, ns string) ([]string, error) {
	r.mu.RLock()
	cached, ok := r.tables[ns]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	q := "tables[]"
	if ns != "" {
		q = "tables `." + ns
	}
	res, err := r.client.Execute(ctx, q)
	if err != nil {
		return nil, err
	}
	names, err := symbols(res)
	if err != nil {
		return nil, fmt.Errorf("list tables of %q: %w", ns, err)
	}

	r.mu.Lock()
	r.tables[ns] = names
	r.mu.Unlock()
	return names, nil
}

// ListTables returns the lowercase table names of a namespace.
func (r *MetadataResolver) ListTables(ctx context.Context, namespace string) ([]string, error) {
	ns, err := r.ResolveNamespace(ctx, namespace)
	if err != nil {
		return nil, err
	}
	names, err := r.nativeTables(ctx, ns)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = strings.ToLower(n)
	}
	sort.Strings(out)
	return out, nil
}

// ResolveTable finds a table by case-insensitive name. ok is false when no
// table matches, in which case the name is a pass-through query.
func (r *MetadataResolver) ResolveTable(ctx context.Context, namespace, name string) (*TableInfo, bool, error) {
	ns, err := r.ResolveNamespace(ctx, namespace)
	if err != nil {
		return nil, false, err
	}
	names, err := r.nativeTables(ctx, ns)
	if err != nil {
		return nil, false, err
	}
	native := ""
	for _, n := range names {
		if n == name {
			native = n
			break
		}
		if native == "" && strings.EqualFold(n, name) {
			native = n
		}
	}
	if native == "" {
		return nil, false, nil
	}

	key := ns + "." + native
	r.mu.RLock()
	info, ok := r.infos[key]
	r.mu.RUnlock()
	if ok {
		return info, true, nil
	}

	info = &TableInfo{Namespace: ns, Name: native}
	if info.Columns, err = r.describe(ctx, info.Qualified()); err != nil {
		return nil, false, err
	}
	if err := r.resolvePartitions(ctx, info); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	r.infos[key] = info
	r.mu.Unlock()
	zap.S().Debugw("resolved table", "table", info.Qualified(), "columns", len(info.Columns), "partitioned", info.Partitioned)
	return info, true, nil
}

// Describe returns the columns of an arbitrary source expression.
func (r *MetadataResolver) Describe(ctx context.Context, table *kdbpush.TableHandle) ([]kdbpush.ColumnHandle, error) {
	return r.describe(ctx, Source(table))
}

func (r *MetadataResolver) describe(ctx context.Context, source string) ([]kdbpush.ColumnHandle, error) {
	res, err := r.client.Execute(ctx, "0!meta "+source)
	if err != nil {
		return nil, err
	}
	cols, data, err := DecodeTable(res)
	if err != nil {
		return nil, fmt.Errorf("meta %s: %w", source, err)
	}
	get := func(name string) *qipc.K {
		for i, c := range cols {
			if c == name {
				return data[i]
			}
		}
		return nil
	}
	names, err := symbols(get("c"))
	if err != nil {
		return nil, fmt.Errorf("meta %s: column names: %w", source, err)
	}
	var types string
	if t := get("t"); t != nil {
		types, _ = t.Data.(string)
	}
	attrs, _ := symbols(get("a"))

	out := make([]kdbpush.ColumnHandle, len(names))
	for i, n := range names {
		code := byte(' ')
		if i < len(types) {
			code = types[i]
		}
		ct, err := kdbpush.ParseColumnType(code)
		if err != nil {
			zap.S().Warnw("unrecognised column type", "source", source, "column", n, "code", string(code))
			ct = kdbpush.ColumnUnknown
		}
		if ct.IsUnknown() {
			if ct, err = r.sampleType(ctx, source, n); err != nil {
				return nil, err
			}
		}
		col := kdbpush.NewColumnHandle(n, ct, i)
		if i < len(attrs) {
			if col.Attribute, err = kdbpush.ParseAttribute(attrs[i]); err != nil {
				zap.S().Warnw("unrecognised column attribute", "source", source, "column", n, "attribute", attrs[i])
			}
		}
		out[i] = col
	}
	return out, nil
}

// sampleType resolves a blank meta type from the types of the column's rows.
func (r *MetadataResolver) sampleType(ctx context.Context, source, column string) (kdbpush.ColumnType, error) {
	q := fmt.Sprintf("{distinct {$[0=count x;0Nh;type x]} each x} exec %s from %s", column, source)
	res, err := r.client.Execute(ctx, q)
	if err != nil {
		return kdbpush.ColumnUnknown, err
	}
	codes, ok := res.Data.([]int16)
	if !ok {
		return kdbpush.ColumnUnknown, nil
	}
	return MergeSampledTypes(codes), nil
}

func (r *MetadataResolver) resolvePartitions(ctx context.Context, info *TableInfo) error {
	res, err := r.client.Execute(ctx, ".Q.qp "+info.Qualified())
	if err != nil {
		return err
	}
	if b, ok := res.Data.(bool); !ok || !b {
		return nil
	}
	res, err = r.client.Execute(ctx, ".Q.pf")
	if err != nil {
		return err
	}
	pf, ok := res.Data.(string)
	if !ok {
		return fmt.Errorf("partition field of %s is not a symbol", info.Qualified())
	}
	for i := range info.Columns {
		if info.Columns[i].NativeName == pf {
			info.Columns[i].Partition = true
			col := info.Columns[i]
			info.PartitionColumn = &col
		}
	}
	if info.PartitionColumn == nil {
		return fmt.Errorf("partition column %s not found in %s", pf, info.Qualified())
	}
	info.Partitioned = true
	if info.Partitions, err = r.discoverer.Discover(ctx, info); err != nil {
		return fmt.Errorf("discover partitions of %s: %w", info.Qualified(), err)
	}
	return nil
}

// symbols reads a symbol vector, a symbol atom, or an empty list.
func symbols(k *qipc.K) ([]string, error) {
	if k == nil {
		return nil, fmt.Errorf("missing column")
	}
	switch v := k.Data.(type) {
	case []string:
		return v, nil
	case string:
		if k.Type == -qipc.KSymbol {
			return []string{v}, nil
		}
	case []*qipc.K:
		if len(v) == 0 {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("expected symbols, got type %d", k.Type)
}
