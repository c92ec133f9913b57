package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lychee-technology/kdbpush"
	"github.com/lychee-technology/kdbpush/factory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type options struct {
	configFile string
	logLevel   string
	output     string
	session    []string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if q := kdbpush.ErrorQuery(err); q != "" {
			fmt.Fprintln(os.Stderr, "query:", q)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "kdbpush",
		Short:         "Query a kdb+ store through the pushdown connector",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, json or toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format: table or json")
	root.PersistentFlags().StringSliceVar(&opts.session, "session", nil, "session option name=value, repeatable")

	root.AddCommand(
		newTablesCommand(opts),
		newDescribeCommand(opts),
		newScanCommand(opts, false),
		newScanCommand(opts, true),
		newStatsCommand(opts),
		newInsertCommand(opts),
	)
	return root
}

// setup loads the configuration, installs the global logger and builds the
// runtime. The returned cleanup flushes the logger and closes the runtime.
func setup(cmd *cobra.Command, opts *options) (*kdbpush.Config, *factory.Runtime, func(), error) {
	cfg, err := loadConfig(opts.configFile)
	if err != nil {
		return nil, nil, nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if len(opts.session) > 0 {
		named := make(map[string]string, len(opts.session))
		for _, kv := range opts.session {
			k, v, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, nil, nil, fmt.Errorf("session option %q is not name=value", kv)
			}
			named[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		if cfg.Session, err = kdbpush.ParseSessionConfig(cfg.Session, named); err != nil {
			return nil, nil, nil, err
		}
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up logger: %w", err)
	}
	undo := zap.ReplaceGlobals(logger)

	rt, err := factory.NewRuntime(cmd.Context(), cfg)
	if err != nil {
		_ = logger.Sync()
		undo()
		return nil, nil, nil, err
	}
	stopMetrics := serveMetrics(cfg.Metrics, rt)

	cleanup := func() {
		stopMetrics()
		if err := rt.Close(); err != nil {
			zap.S().Warnw("close runtime", "err", err)
		}
		_ = logger.Sync()
		undo()
	}
	return cfg, rt, cleanup, nil
}

func newLogger(cfg kdbpush.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if level == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zc.Encoding = "console"
	}
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// serveMetrics exposes the runtime's registry while a command runs.
func serveMetrics(cfg kdbpush.MetricsConfig, rt *factory.Runtime) func() {
	if !cfg.Enabled || cfg.Listen == "" || rt.Registry == nil {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Warnw("metrics server stopped", "addr", cfg.Listen, "err", err)
		}
	}()
	zap.S().Infow("serving metrics", "addr", cfg.Listen)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
