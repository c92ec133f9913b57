package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/internal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTablesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tables [namespace]",
		Short: "List namespaces, or the tables of one namespace",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, rt, cleanup, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			if len(args) == 0 {
				names, err := rt.Connector.ListNamespaces(ctx)
				if err != nil {
					return err
				}
				return writeList(cmd.OutOrStdout(), opts.output, "namespace", names)
			}
			names, err := rt.Connector.ListTables(ctx, args[0])
			if err != nil {
				return err
			}
			return writeList(cmd.OutOrStdout(), opts.output, "table", names)
		},
	}
}

func newDescribeCommand(opts *options) *cobra.Command {
	var namespace string
	cmd := &cobra.Command{
		Use:   "describe <table>",
		Short: "Show the columns of a table or pass-through query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, rt, cleanup, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			handle, err := rt.Connector.GetTableHandle(ctx, namespace, args[0])
			if err != nil {
				return err
			}
			columns, err := rt.Connector.GetColumns(ctx, handle)
			if err != nil {
				return err
			}
			meta := make([]kdbpush.ColumnMetadata, len(columns))
			for i, c := range columns {
				meta[i] = rt.Connector.GetColumnMetadata(c)
			}
			return writeColumns(cmd.OutOrStdout(), opts.output, columns, meta)
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", kdbpush.DefaultNamespace, "namespace of the table")
	return cmd
}

// newScanCommand builds `scan`, or `explain` when explain is set. Both read a
// JSON scan request from a file or stdin ("-").
func newScanCommand(opts *options, explain bool) *cobra.Command {
	use, short := "scan <request.json|->", "Run a JSON scan request"
	if explain {
		use, short = "explain <request.json|->", "Show the pushdown plan and native queries of a scan request"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			req, err := internal.ParseScanRequest(data)
			if err != nil {
				return err
			}

			_, rt, cleanup, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			requestID := uuid.New()
			handle, err := rt.Connector.GetTableHandle(ctx, req.Namespace, req.Table)
			if err != nil {
				return err
			}
			columns, err := rt.Connector.GetColumns(ctx, handle)
			if err != nil {
				return err
			}
			q, err := req.Bind(columns)
			if err != nil {
				return err
			}

			if explain {
				plan, err := rt.Executor.Explain(ctx, handle, q)
				if err != nil {
					return err
				}
				return writePlan(cmd.OutOrStdout(), opts.output, plan)
			}
			res, err := rt.Executor.Scan(ctx, handle, q)
			if err != nil {
				return err
			}
			zap.S().Infow("scan complete",
				"request", requestID.String(),
				"table", res.Plan.Table,
				"rows", res.Page.RowCount(),
				"splits", res.Plan.Splits,
				"elapsed", res.Elapsed)
			return writePage(cmd.OutOrStdout(), opts.output, res.Page)
		},
	}
}

func newStatsCommand(opts *options) *cobra.Command {
	var namespace string
	var save bool
	cmd := &cobra.Command{
		Use:   "stats <table>",
		Short: "Show table statistics; --save collects live and stores them in the Postgres catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, rt, cleanup, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			handle, err := rt.Connector.GetTableHandle(ctx, namespace, args[0])
			if err != nil {
				return err
			}
			if !save {
				stats, err := rt.Connector.GetTableStatistics(ctx, handle)
				if err != nil {
					return err
				}
				return writeStatistics(cmd.OutOrStdout(), opts.output, stats)
			}

			if cfg.Statistics.Source != kdbpush.StatisticsFromPostgres {
				return kdbpush.NewValidationError("statistics.source", "--save needs the postgres statistics catalog")
			}
			columns, err := rt.Connector.GetColumns(ctx, handle)
			if err != nil {
				return err
			}
			session := cfg.Session
			session.UseStats = true
			stats, err := internal.NewStatisticsProvider(rt.Connector.Client(), nil).TableStatistics(ctx, handle, columns, session)
			if err != nil {
				return err
			}
			catalog, err := internal.NewPostgresStatisticsCatalog(ctx, cfg.Statistics)
			if err != nil {
				return err
			}
			defer catalog.Close()
			if err := catalog.CreateTables(ctx); err != nil {
				return err
			}
			if err := catalog.Save(ctx, handle, columns, stats); err != nil {
				return err
			}
			return writeStatistics(cmd.OutOrStdout(), opts.output, stats)
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", kdbpush.DefaultNamespace, "namespace of the table")
	cmd.Flags().BoolVar(&save, "save", false, "query the store and save the result to the Postgres catalog")
	return cmd
}

func newInsertCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "insert <request.json|->",
		Short: "Append rows from a JSON insert request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			req, err := internal.ParseInsertRequest(data)
			if err != nil {
				return err
			}

			_, rt, cleanup, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			handle, err := rt.Connector.GetTableHandle(ctx, req.Namespace, req.Table)
			if err != nil {
				return err
			}
			all, err := rt.Connector.GetColumns(ctx, handle)
			if err != nil {
				return err
			}
			columns, rows, err := req.Bind(all)
			if err != nil {
				return err
			}
			n, err := rt.Connector.Insert(ctx, handle, columns, rows)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d rows into %s\n", n, handle)
			return nil
		},
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	return data, nil
}
