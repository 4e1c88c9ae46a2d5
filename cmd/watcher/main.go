package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"chainwatch/internal/chain"
	"chainwatch/internal/config"
	"chainwatch/internal/registry"
	"chainwatch/internal/render"
	"chainwatch/internal/report"
	"chainwatch/internal/sink"
	"chainwatch/internal/storage/postgres"
	"chainwatch/internal/watcher"
)

func main() {
	root := &cobra.Command{
		Use:          "watcher",
		Short:        "Contract activity watcher",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the watch pipeline",
		RunE:  runWatcher,
	}

	runCmd.Flags().String("name", "watcher", "pipeline instance name")
	runCmd.Flags().String("rpc", "", "chain RPC URL")
	runCmd.Flags().String("registry", "", "contract registry JSON path")
	runCmd.Flags().Duration("interval", 15*time.Second, "poll interval")
	runCmd.Flags().Uint64("lookback-blocks", 100, "cold-start look-back distance in blocks")
	runCmd.Flags().Uint64("batch-size", 2000, "blocks per scan batch")
	runCmd.Flags().Bool("watch-logs", true, "watch emitted logs")
	runCmd.Flags().Bool("watch-calldata", false, "watch transaction calldata")
	runCmd.Flags().Int("dedup-capacity", 256, "dedup cache capacity")
	runCmd.Flags().String("dedup-scope", "tx", "dedup key scope (tx, tx_event)")
	runCmd.Flags().String("cursor", "./data/cursor.json", "cursor file path")
	runCmd.Flags().Bool("cursor-enabled", true, "persist the block cursor")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN for cursor persistence (overrides cursor file)")
	runCmd.Flags().String("nats-url", "", "NATS URL for notification delivery")
	runCmd.Flags().String("subject-prefix", "chainwatch", "NATS subject prefix")
	runCmd.Flags().String("channels", "", "event prefix to channel mappings (comma-separated key=value)")
	runCmd.Flags().String("default-channel", "default", "fallback channel key")
	runCmd.Flags().String("error-channel", "", "channel for pipeline error reports")
	runCmd.Flags().String("out", "./data/notifications.jsonl", "JSONL output path when NATS is not configured")
	runCmd.Flags().Int("max-retries", 5, "maximum RPC retry attempts")
	runCmd.Flags().Duration("retry-backoff", 500*time.Millisecond, "initial RPC retry backoff")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runWatcher(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if cfg.Registry == "" {
		return fmt.Errorf("registry path is required")
	}

	reg, err := registry.Load(cfg.Registry)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chainClient, err := chain.NewClient(ctx, cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("connect rpc: %w", err)
	}
	defer chainClient.Close()

	var cursors chain.CursorStore
	switch {
	case cfg.PGDSN != "":
		store, err := postgres.NewCursorStore(ctx, cfg.PGDSN, cfg.Name)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()
		cursors = store
	case cfg.CursorEnabled:
		cursors = chain.NewFileCursorStore(cfg.Cursor)
	}

	source, err := chain.NewPollSource(chain.SourceConfig{
		WatchLogs:      cfg.WatchLogs,
		WatchCalldata:  cfg.WatchCalldata,
		LookbackBlocks: cfg.LookbackBlocks,
		BatchSize:      cfg.BatchSize,
		MaxRetries:     cfg.MaxRetries,
		RetryBackoff:   cfg.RetryBackoff,
	}, chainClient, reg, cursors, logger)
	if err != nil {
		return err
	}

	var notifier sink.Sink
	if cfg.NATSURL != "" {
		natsSink, err := sink.NewNATSSink(cfg.NATSURL, cfg.SubjectPrefix)
		if err != nil {
			return err
		}
		defer natsSink.Close()
		notifier = natsSink
	} else {
		notifier = sink.NewJSONLSink(cfg.Out)
	}

	var reporter report.Reporter
	if cfg.ErrorChannel != "" {
		reporter = report.NewSinkReporter(notifier, cfg.ErrorChannel, logger)
	} else {
		reporter = report.NewLogReporter(logger)
	}

	controller, err := watcher.NewController(watcher.Config{
		Name:          cfg.Name,
		Interval:      cfg.Interval,
		DedupCapacity: cfg.DedupCapacity,
		DedupScope:    watcher.DedupScope(cfg.DedupScope),
	}, watcher.Deps{
		Source:     source,
		Recognizer: watcher.NewRecognizer(reg, logger),
		Renderer:   render.JSONRenderer{},
		Router:     sink.NewRouter(cfg.Channels, cfg.DefaultChannel),
		Sink:       notifier,
		Reporter:   reporter,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	logger.Info("watcher start",
		zap.String("name", cfg.Name),
		zap.String("rpc", cfg.RPCURL),
		zap.String("registry", cfg.Registry),
		zap.Duration("interval", cfg.Interval),
		zap.Uint64("lookback_blocks", cfg.LookbackBlocks),
		zap.Bool("watch_logs", cfg.WatchLogs),
		zap.Bool("watch_calldata", cfg.WatchCalldata),
		zap.Int("contracts", len(reg.Addresses())),
	)

	return controller.Run(ctx)
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
