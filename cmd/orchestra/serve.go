package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/orchestra"
	"github.com/xraph/orchestra/api"
	audithook "github.com/xraph/orchestra/audit_hook"
	"github.com/xraph/orchestra/definition"
	"github.com/xraph/orchestra/engine"
	"github.com/xraph/orchestra/examples/triage"
	"github.com/xraph/orchestra/gateway"
	"github.com/xraph/orchestra/middleware"
	"github.com/xraph/orchestra/store"
	"github.com/xraph/orchestra/store/memory"
	"github.com/xraph/orchestra/store/postgres"
	redisstore "github.com/xraph/orchestra/store/redis"
	"github.com/xraph/orchestra/worker"
)

type serveFlags struct {
	configPath  string
	addr        string
	driver      string
	dsn         string
	logLevel    string
	definitions []string
	triage      bool
}

func serveCmd() *cobra.Command {
	var f serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration server",
		Long: `Run the HTTP API, the engine sweeper and, optionally, an in-process
worker pool for the triage example's non-model task types.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f.configPath)
			if err != nil {
				return err
			}
			f.apply(cmd, &cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&f.addr, "addr", "", "HTTP listen address")
	cmd.Flags().StringVar(&f.driver, "store", "", "store driver: memory, postgres or redis")
	cmd.Flags().StringVar(&f.dsn, "dsn", "", "postgres connection string")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn or error")
	cmd.Flags().StringSliceVarP(&f.definitions, "definitions", "d", nil, "workflow definition files to register")
	cmd.Flags().BoolVar(&f.triage, "triage-workers", false, "run the triage example workers in process")
	return cmd
}

// apply overlays explicitly set flags on cfg.
func (f serveFlags) apply(cmd *cobra.Command, cfg *fileConfig) {
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.HTTP.Addr = f.addr
	}
	if flags.Changed("store") {
		cfg.Store.Driver = f.driver
	}
	if flags.Changed("dsn") {
		cfg.Store.DSN = f.dsn
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("definitions") {
		cfg.Definitions = append(cfg.Definitions, f.definitions...)
	}
	if flags.Changed("triage-workers") {
		cfg.Workers.Triage = f.triage
	}
}

func serve(ctx context.Context, cfg fileConfig, logOut io.Writer) error {
	logger := newLogger(cfg.Log.Level, cfg.Log.Format, logOut)

	s, closeBackend, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	eng, err := buildEngine(cfg, s, logger)
	if err != nil {
		return err
	}

	if err := registerDefinitions(ctx, eng, cfg.Definitions, logger); err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	gw := gateway.New(eng)
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.New(eng, gw, nil, api.WithBasePath(cfg.HTTP.BasePath)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var pool *worker.Pool
	if cfg.Workers.Triage {
		reg := worker.NewRegistry()
		triage.Register(reg, logger)
		pool = worker.NewPool(gw, reg, logger,
			worker.WithPoolConcurrency(4),
			worker.WithMiddleware(
				middleware.Recover(logger),
				middleware.Scope(),
				middleware.Tracing(),
				middleware.Metrics(),
				middleware.Logging(logger),
				middleware.Timeout(logger, eng.Config().DefaultTaskTimeout),
			),
		)
		if err := pool.Start(ctx); err != nil {
			return fmt.Errorf("start worker pool: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("orchestra listening", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), eng.Config().ShutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if pool != nil {
			if err := pool.Stop(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("worker pool: %w", err))
			}
		}
		if err := eng.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("engine: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

// buildEngine wires the orchestrator, extensions and queue limits over s.
// engine.Build registers the metrics extension itself.
func buildEngine(cfg fileConfig, s store.Store, logger *slog.Logger) (*engine.Engine, error) {
	o, err := orchestra.New(
		orchestra.WithConfig(cfg.orchestraConfig()),
		orchestra.WithStore(s),
		orchestra.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}
	opts := []engine.Option{
		engine.WithQueueConfig(cfg.queueConfigs()...),
		engine.WithTenantConfig(cfg.tenantConfigs()...),
	}
	if cfg.Audit.Enabled {
		opts = append(opts, engine.WithExtension(auditLog(logger, cfg.Audit.Actions)))
	}
	return engine.Build(o, opts...)
}

// openStore returns the configured store and a func releasing whatever the
// store does not own itself.
func openStore(ctx context.Context, cfg fileConfig, logger *slog.Logger) (store.Store, func(), error) {
	noop := func() {}
	switch cfg.Store.Driver {
	case "postgres":
		s, err := postgres.New(ctx, cfg.Store.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, noop, fmt.Errorf("open postgres: %w", err)
		}
		return s, noop, nil
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Store.Addr,
			Password: cfg.Store.Password,
			DB:       cfg.Store.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("connect redis: %w", err)
		}
		return redisstore.New(client, redisstore.WithLogger(logger)), func() { _ = client.Close() }, nil
	default:
		return memory.New(), noop, nil
	}
}

// registerDefinitions loads every file and registers its definitions.
// Definitions already stored at the same version are left alone.
func registerDefinitions(ctx context.Context, eng *engine.Engine, paths []string, logger *slog.Logger) error {
	for _, path := range paths {
		defs, err := definition.LoadFile(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		for _, d := range defs {
			err := eng.RegisterDefinition(ctx, d)
			switch {
			case errors.Is(err, orchestra.ErrDefinitionExists):
				logger.Debug("definition already registered",
					slog.String("name", d.Name),
					slog.Int("version", d.Version),
				)
			case err != nil:
				return fmt.Errorf("register %s v%d: %w", d.Name, d.Version, err)
			default:
				logger.Info("registered definition",
					slog.String("name", d.Name),
					slog.Int("version", d.Version),
				)
			}
		}
	}
	return nil
}

// auditLog records audit events as structured log lines.
func auditLog(logger *slog.Logger, actions []string) *audithook.Extension {
	rec := audithook.RecorderFunc(func(ctx context.Context, evt *audithook.AuditEvent) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case audithook.SeverityWarning:
			level = slog.LevelWarn
		case audithook.SeverityCritical:
			level = slog.LevelError
		}
		logger.LogAttrs(ctx, level, "audit",
			slog.String("action", evt.Action),
			slog.String("resource", evt.Resource),
			slog.String("resource_id", evt.ResourceID),
			slog.String("outcome", evt.Outcome),
			slog.String("reason", evt.Reason),
			slog.Any("metadata", evt.Metadata),
		)
		return nil
	})
	opts := []audithook.Option{audithook.WithLogger(logger)}
	if len(actions) > 0 {
		opts = append(opts, audithook.WithActions(actions...))
	}
	return audithook.New(rec, opts...)
}
