package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/lifeboat/internal/api"
	"github.com/roach88/lifeboat/internal/clock"
	"github.com/roach88/lifeboat/internal/export"
	"github.com/roach88/lifeboat/internal/guard"
	"github.com/roach88/lifeboat/internal/identity"
	"github.com/roach88/lifeboat/internal/logging"
	"github.com/roach88/lifeboat/internal/metrics"
	"github.com/roach88/lifeboat/internal/restore"
	"github.com/roach88/lifeboat/internal/snapshot"
	"github.com/roach88/lifeboat/internal/store"
	"github.com/roach88/lifeboat/internal/tracing"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Database string
	Port     uint16
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a Lifeboat node",
		Long: `Run a Lifeboat node serving the export and restore API.

Settings come from the config file and LIFEBOAT_* environment variables
(for example LIFEBOAT_RESTORE_SECRET). Restore stays disabled until a
secret is configured.

Examples:
  lifeboat serve --config ./lifeboat.yaml
  lifeboat serve --db ./node.db --port 9000`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides storage.path)")
	cmd.Flags().Uint16Var(&opts.Port, "port", 0, "listen port (overrides http.port)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if opts.Database != "" {
		cfg.Storage.Path = opts.Database
	}
	if opts.Port != 0 {
		cfg.HTTP.Port = opts.Port
	}

	logger, closeLog, err := logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Encoding:   cfg.Logging.Encoding,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	defer closeLog()

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Environment: cfg.Tracing.Environment,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to set up tracing", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warnw("tracer shutdown failed", "error", err)
		}
	}()

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	ids := identity.NewService(st, cfg.Node.Prefix, clock.NewGate(nil), logger)
	if err := ids.Load(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to load node identity", err)
	}

	snapshots := snapshot.NewBuilder(st, cfg.Snapshot.Tables)
	if err := snapshots.Validate(ctx); err != nil {
		return WrapExitError(ExitCommandError, "invalid snapshot tables", err)
	}

	schema, err := restore.NewSchema()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to compile restore schema", err)
	}

	m := metrics.New()
	if n, err := st.Count(ctx); err == nil {
		m.SetStoredEvents(n)
	}

	exporter := export.NewService(st, ids, snapshots, export.Config{
		DefaultLimit: cfg.Export.DefaultLimit,
		MaxLimit:     cfg.Export.MaxLimit,
	}, m, logger)
	coordinator := restore.NewCoordinator(st, ids, snapshots, restore.Options{
		MaxBatchSize: cfg.Restore.MaxBatchSize,
		Metrics:      m,
		Logger:       logger,
	})

	var limiter *guard.Limiter
	if cfg.Restore.RateLimit > 0 {
		limiter = guard.NewLimiter(cfg.Restore.RateLimit, cfg.Restore.RateBurst)
	}
	if cfg.Restore.Secret == "" {
		logger.Warnw("restore is disabled: no secret configured")
	}

	app := api.NewApplication(cfg.HTTP, st, exporter, coordinator, schema,
		guard.New(cfg.Restore.Secret, limiter, m, logger), m, logger)

	logger.Infow("lifeboat node starting",
		"node_identity", ids.NodeID(),
		"addr", cfg.HTTP.Addr(),
		"db", cfg.Storage.Path,
	)
	if err := app.Run(ctx, app.Mount()); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("server on %s failed", cfg.HTTP.Addr()), err)
	}
	return nil
}
