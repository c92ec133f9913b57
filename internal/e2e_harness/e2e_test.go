package e2e_harness

import (
	"context"
	"testing"
	"time"

	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestE2EPostgresStatisticsCatalog(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E harness in -short mode")
	}
	ctx := context.Background()
	h := &TestHarness{}
	if _, err := h.StartPostgres(ctx); err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	defer h.StopPostgres(ctx)

	catalog, err := internal.NewPostgresStatisticsCatalog(ctx, kdbpush.StatisticsConfig{
		PostgresDSN:      h.PGDSN,
		TableStatsTable:  "kdb_table_stats",
		ColumnStatsTable: "kdb_column_stats",
	})
	require.NoError(t, err)
	defer catalog.Close()
	require.NoError(t, catalog.CreateTables(ctx))
	require.NoError(t, catalog.CreateTables(ctx), "creating the tables is idempotent")

	require.NoError(t, SeedStatistics(ctx, h.PGDB, "kdb_table_stats", "kdb_column_stats", "default", "quotes", 500, []ColumnStats{
		{Column: "bid", Distinct: 40, Nulls: 0.1, Min: ptr(1), Max: ptr(2)},
		{Column: "sym", Distinct: 3},
	}))

	quotes := kdbpush.NewTableHandle("", "quotes")
	bid := kdbpush.NewColumnHandle("bid", kdbpush.Column(kdbpush.TypeFloat), 0)
	sym := kdbpush.NewColumnHandle("sym", kdbpush.Column(kdbpush.TypeSymbol), 1)

	stats, found, err := catalog.Lookup(ctx, quotes, []kdbpush.ColumnHandle{bid, sym})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, kdbpush.Known(500), stats.RowCount)
	assert.Equal(t, kdbpush.Known(40), stats.Columns["bid"].DistinctValues)
	assert.Equal(t, &kdbpush.ValueRange{Min: 1.0, Max: 2.0}, stats.Columns["bid"].Range)
	assert.Nil(t, stats.Columns["sym"].Range)
	assert.False(t, stats.Columns["sym"].DataSize.Known)

	_, found, err = catalog.Lookup(ctx, kdbpush.NewTableHandle("", "trades"), nil)
	require.NoError(t, err)
	assert.False(t, found)

	// Save replaces what was there.
	require.NoError(t, catalog.Save(ctx, quotes, []kdbpush.ColumnHandle{bid, sym}, kdbpush.Statistics{
		RowCount: kdbpush.Known(800),
		Columns: map[string]kdbpush.ColumnStatistics{
			"sym": {DistinctValues: kdbpush.Known(5), NullsFraction: kdbpush.Known(0)},
		},
	}))
	stats, found, err = catalog.Lookup(ctx, quotes, []kdbpush.ColumnHandle{bid, sym})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, kdbpush.Known(800), stats.RowCount)
	assert.NotContains(t, stats.Columns, "bid")
	assert.Equal(t, kdbpush.Known(5), stats.Columns["sym"].DistinctValues)
}

func TestE2ES3PartitionDiscovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E harness in -short mode")
	}
	ctx := context.Background()
	h := &TestHarness{}
	if _, err := h.StartS3(ctx); err != nil {
		t.Fatalf("start rustfs: %v", err)
	}
	defer h.StopS3(ctx)

	client, err := NewS3Client(ctx, h.S3Endpoint)
	require.NoError(t, err)
	trades := []string{"sym", "price", "size"}
	quotes := []string{"sym", "bid", "ask"}
	require.NoError(t, UploadDatabaseImage(ctx, client, "hdb", "db", map[string]map[string][]string{
		"2024.01.02": {"trades": trades},
		"2024.01.03": {"trades": trades, "quotes": quotes},
		"2024.01.04": {"quotes": quotes},
	}))

	discoverer, err := internal.NewS3PartitionDiscoverer(ctx, kdbpush.S3Config{
		Bucket:          "hdb",
		Prefix:          "db",
		Endpoint:        h.S3Endpoint,
		AccessKeyID:     S3AccessKey,
		SecretAccessKey: S3SecretKey,
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	date := kdbpush.NewColumnHandle("date", kdbpush.Column(kdbpush.TypeDate), 0)
	day := func(d int) any { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }

	got, err := discoverer.Discover(ctx, &internal.TableInfo{Name: "trades", PartitionColumn: &date})
	require.NoError(t, err)
	assert.Equal(t, []any{day(2), day(3)}, got)

	got, err = discoverer.Discover(ctx, &internal.TableInfo{Name: "quotes", PartitionColumn: &date})
	require.NoError(t, err)
	assert.Equal(t, []any{day(3), day(4)}, got)
}
