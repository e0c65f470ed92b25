package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/nimburion/docorm/pkg/config"
	"github.com/nimburion/docorm/pkg/docstore/factory"
	"github.com/nimburion/docorm/pkg/observability/logger"
	"github.com/nimburion/docorm/pkg/observability/metrics"
	"github.com/nimburion/docorm/pkg/observability/tracing"
	"github.com/nimburion/docorm/pkg/repository"
	"github.com/nimburion/docorm/pkg/version"
)

// Runtime is everything a document command needs, built from configuration.
type Runtime struct {
	Config  *config.Config
	Logger  logger.Logger
	DB      *repository.DB
	Metrics *metrics.RepositoryMetrics

	registry *metrics.Registry
	tracer   *tracing.TracerProvider
}

// NewRuntime opens the store described by cfg and binds a repository.DB to it, with
// metrics and, when enabled, OTLP tracing.
func NewRuntime(ctx context.Context, cfg *config.Config, log logger.Logger, newDriver DriverFactory, opts ...repository.Option) (*Runtime, error) {
	if newDriver == nil {
		newDriver = factory.New
	}
	tracer, err := tracing.NewTracerProvider(ctx, tracing.ProviderOptions{
		Service: cfg.Service,
		Tracing: cfg.Tracing,
		Version: version.Current(cfg.Service.Name).Version,
	})
	if err != nil {
		return nil, fmt.Errorf("create tracer provider: %w", err)
	}

	driver, err := newDriver(cfg.Store, log)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}

	repoMetrics := metrics.NewRepositoryMetrics()
	registry := metrics.NewRegistry()
	registry.MustRegister(repoMetrics.Collectors()...)

	dbOpts := append([]repository.Option{
		repository.WithLogger(log),
		repository.WithMetrics(repoMetrics),
	}, opts...)

	log.Debug("runtime ready",
		"store", driver.Name(),
		"tracing", tracer.Enabled(),
	)
	return &Runtime{
		Config:   cfg,
		Logger:   log,
		DB:       repository.New(driver, dbOpts...),
		Metrics:  repoMetrics,
		registry: registry,
		tracer:   tracer,
	}, nil
}

// WriteMetrics writes the gathered metrics in the Prometheus text format.
func (rt *Runtime) WriteMetrics(w io.Writer) error {
	return rt.registry.WriteText(w)
}

// Close flushes traces and closes the store.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if err := rt.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := rt.DB.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// commandEnv carries what every document command shares.
type commandEnv struct {
	opts  CommandOptions
	flags *globalFlags
}

type runFunc func(ctx context.Context, cmd *cobra.Command, rt *Runtime, args []string) error

// run wraps fn so that it receives a Runtime opened from the command flags and closed
// once fn returns.
func (e *commandEnv) run(fn runFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		if err := checkOutputFormat(e.flags.output); err != nil {
			return err
		}
		cfg, log, err := LoadConfigAndLogger(
			e.flags.configFile,
			e.opts.EnvPrefix,
			e.flags.secretFile,
			e.opts.ValidateConfig,
			cmd.Flags(),
			e.opts.Name,
		)
		if err != nil {
			return err
		}
		if zl, ok := log.(*logger.ZapLogger); ok {
			defer func() { _ = zl.Sync() }()
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		rt, err := NewRuntime(ctx, cfg, log, e.opts.DriverFactory, e.opts.RepositoryOptions...)
		if err != nil {
			return err
		}
		defer func() {
			if e.flags.printMetrics {
				if werr := rt.WriteMetrics(cmd.ErrOrStderr()); werr != nil {
					log.Warn("failed to write metrics", "error", werr)
				}
			}
			if cerr := rt.Close(context.WithoutCancel(ctx)); cerr != nil {
				log.Error("failed to close runtime", "error", cerr)
				if err == nil {
					err = cerr
				}
			}
		}()
		return fn(ctx, cmd, rt, args)
	}
}
