package internal

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dsql/auth"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"
	"github.com/lychee-technology/kdbpush"
	"go.uber.org/zap"
)

// PgxPool is the subset of *pgxpool.Pool used by the statistics catalog.
type PgxPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStatisticsCatalog keeps precomputed statistics in two Postgres
// tables keyed by exposed namespace and table name.
type PostgresStatisticsCatalog struct {
	pool        PgxPool
	tableStats  string
	columnStats string
}

// NewPostgresStatisticsCatalog connects to cfg.PostgresDSN. The pool dials
// lazily.
func NewPostgresStatisticsCatalog(ctx context.Context, cfg kdbpush.StatisticsConfig) (*PostgresStatisticsCatalog, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse statistics catalog dsn: %w", err)
	}
	if cfg.PostgresIAM {
		if err := useIAMAuth(ctx, poolCfg, cfg.Region); err != nil {
			return nil, err
		}
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect statistics catalog: %w", err)
	}
	return NewPostgresStatisticsCatalogWithPool(pool, cfg.TableStatsTable, cfg.ColumnStatsTable), nil
}

// useIAMAuth mints a fresh auth token as the password of every new
// connection.
func useIAMAuth(ctx context.Context, poolCfg *pgxpool.Config, region string) error {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	poolCfg.BeforeConnect = func(ctx context.Context, cc *pgx.ConnConfig) error {
		token, err := auth.GenerateDbConnectAuthToken(ctx, cc.Host, awsCfg.Region, awsCfg.Credentials)
		if err != nil {
			return fmt.Errorf("generate auth token: %w", err)
		}
		cc.Password = token
		return nil
	}
	zap.S().Infow("statistics catalog uses IAM auth", "region", awsCfg.Region)
	return nil
}

// NewPostgresStatisticsCatalogWithPool uses an existing pool.
func NewPostgresStatisticsCatalogWithPool(pool PgxPool, tableStats, columnStats string) *PostgresStatisticsCatalog {
	return &PostgresStatisticsCatalog{
		pool:        pool,
		tableStats:  pq.QuoteIdentifier(tableStats),
		columnStats: pq.QuoteIdentifier(columnStats),
	}
}

// CreateTables creates the catalog tables if they do not exist.
func (c *PostgresStatisticsCatalog) CreateTables(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	namespace TEXT NOT NULL,
	table_name TEXT NOT NULL,
	row_count BIGINT NOT NULL,
	PRIMARY KEY (namespace, table_name))`, c.tableStats),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	namespace TEXT NOT NULL,
	table_name TEXT NOT NULL,
	column_name TEXT NOT NULL,
	distinct_count DOUBLE PRECISION,
	null_fraction DOUBLE PRECISION,
	data_size DOUBLE PRECISION,
	min_value DOUBLE PRECISION,
	max_value DOUBLE PRECISION,
	PRIMARY KEY (namespace, table_name, column_name))`, c.columnStats),
	}
	for _, s := range stmts {
		if _, err := c.pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("create statistics table: %w", err)
		}
	}
	return nil
}

func (c *PostgresStatisticsCatalog) Lookup(ctx context.Context, table *kdbpush.TableHandle, columns []kdbpush.ColumnHandle) (kdbpush.Statistics, bool, error) {
	query := fmt.Sprintf("SELECT row_count FROM %s WHERE namespace = $1 AND table_name = $2", c.tableStats)
	rows, err := c.pool.Query(ctx, query, table.Namespace(), table.Name())
	if err != nil {
		return kdbpush.EmptyStatistics(), false, fmt.Errorf("query table statistics: %w", err)
	}
	var rowCount int64
	found := false
	for rows.Next() {
		if err := rows.Scan(&rowCount); err != nil {
			rows.Close()
			return kdbpush.EmptyStatistics(), false, fmt.Errorf("scan table statistics: %w", err)
		}
		found = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return kdbpush.EmptyStatistics(), false, fmt.Errorf("iterate table statistics: %w", err)
	}
	if !found {
		return kdbpush.EmptyStatistics(), false, nil
	}

	entries, err := c.columnEntries(ctx, table)
	if err != nil {
		return kdbpush.EmptyStatistics(), false, err
	}
	return kdbpush.Statistics{
		RowCount: kdbpush.Known(float64(rowCount)),
		Columns:  columnStatsFromEntries(entries, columns),
	}, true, nil
}

func (c *PostgresStatisticsCatalog) columnEntries(ctx context.Context, table *kdbpush.TableHandle) ([]ColumnStatsEntry, error) {
	query := fmt.Sprintf(`SELECT column_name, distinct_count, null_fraction, data_size, min_value, max_value
FROM %s WHERE namespace = $1 AND table_name = $2 ORDER BY column_name`, c.columnStats)
	rows, err := c.pool.Query(ctx, query, table.Namespace(), table.Name())
	if err != nil {
		return nil, fmt.Errorf("query column statistics: %w", err)
	}
	defer rows.Close()

	var out []ColumnStatsEntry
	for rows.Next() {
		var e ColumnStatsEntry
		if err := rows.Scan(&e.Column, &e.DistinctCount, &e.NullFraction, &e.Size, &e.Min, &e.Max); err != nil {
			return nil, fmt.Errorf("scan column statistics: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate column statistics: %w", err)
	}
	return out, nil
}

// Save replaces the stored statistics of table in one transaction. Ranges
// are kept only when both ends are numeric.
func (c *PostgresStatisticsCatalog) Save(ctx context.Context, table *kdbpush.TableHandle, columns []kdbpush.ColumnHandle, stats kdbpush.Statistics) error {
	if !stats.RowCount.Known {
		return fmt.Errorf("statistics of %s have no row count", table)
	}
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ns, name := table.Namespace(), table.Name()
	if _, err := tx.Exec(ctx, fmt.Sprintf(`INSERT INTO %s (namespace, table_name, row_count) VALUES ($1, $2, $3)
ON CONFLICT (namespace, table_name) DO UPDATE SET row_count = EXCLUDED.row_count`, c.tableStats),
		ns, name, int64(stats.RowCount.Value)); err != nil {
		return fmt.Errorf("save table statistics: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND table_name = $2", c.columnStats), ns, name); err != nil {
		return fmt.Errorf("clear column statistics: %w", err)
	}
	insert := fmt.Sprintf(`INSERT INTO %s (namespace, table_name, column_name, distinct_count, null_fraction, data_size, min_value, max_value)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`, c.columnStats)
	for _, col := range columns {
		cs, ok := stats.Columns[col.Name]
		if !ok {
			continue
		}
		var lo, hi *float64
		if cs.Range != nil {
			if l, ok := asFloat(cs.Range.Min); ok {
				if h, ok := asFloat(cs.Range.Max); ok {
					lo, hi = &l, &h
				}
			}
		}
		if _, err := tx.Exec(ctx, insert, ns, name, col.NativeName,
			estimate(cs.DistinctValues), estimate(cs.NullsFraction), estimate(cs.DataSize), lo, hi); err != nil {
			return fmt.Errorf("save column statistics of %s: %w", col.Name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	zap.S().Infow("saved statistics", "table", table.String(), "rows", stats.RowCount.Value, "columns", len(stats.Columns))
	return nil
}

func estimate(e kdbpush.Estimate) *float64 {
	if !e.Known {
		return nil
	}
	v := e.Value
	return &v
}

// Close releases the pool.
func (c *PostgresStatisticsCatalog) Close() {
	c.pool.Close()
}
