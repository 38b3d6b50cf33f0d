package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/zen-systems/flowdispatch/pkg/adapter"
	"github.com/zen-systems/flowdispatch/pkg/config"
	"github.com/zen-systems/flowdispatch/pkg/dispatch"
	"github.com/zen-systems/flowdispatch/pkg/evidence"
	"github.com/zen-systems/flowdispatch/pkg/history"
	"github.com/zen-systems/flowdispatch/pkg/logging"
	"github.com/zen-systems/flowdispatch/pkg/metrics"
	"github.com/zen-systems/flowdispatch/pkg/policy"
)

// app is the wired engine shared by the commands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   *history.Store
	ctrl    *dispatch.Controller
	prom    *prometheus.Registry
	skipped []string
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if levelFlag != "" {
		cfg.Logging.Level = levelFlag
	}
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context) (*app, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	aliases, err := config.LoadAliases(cfg.ModelsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load model aliases: %w", err)
	}
	adapters, err := adapter.NewSet(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("failed to create adapters: %w", err)
	}

	reg, skipped, err := cfg.BuildRegistry(adapters, aliases, logger)
	if err != nil {
		return nil, err
	}
	validator, unknown, err := cfg.BuildValidator(adapters, aliases)
	if err != nil {
		return nil, fmt.Errorf("failed to build validator: %w", err)
	}
	for _, capability := range unknown {
		logger.Warn().Str("capability", capability).Msg("unknown command capability ignored")
	}

	store, err := cfg.OpenHistory(ctx, logger)
	if store == nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("history unavailable, running in memory")
	}

	dcfg, err := cfg.DispatchConfig(policy.NewRegistry())
	if err != nil {
		return nil, err
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []dispatch.Option{
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(metrics.New(prom)),
	}
	if cfg.Evidence.Dir != "" {
		w, err := evidence.NewWriter(cfg.Evidence.Dir, cfg.Evidence.IncludeTexts)
		if err != nil {
			return nil, fmt.Errorf("failed to create evidence writer: %w", err)
		}
		opts = append(opts, dispatch.WithEvidence(w))
	}

	ctrl, err := dispatch.New(reg, store, validator, dcfg, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{cfg: cfg, logger: logger, store: store, ctrl: ctrl, prom: prom, skipped: skipped}, nil
}

// Close retries persistence for a degraded store, then releases it.
func (a *app) Close() error {
	var errs []error
	if a.store.Degraded() != nil {
		if err := a.store.Save(context.Background()); err != nil {
			a.logger.Warn().Err(err).Msg("history not saved")
			errs = append(errs, fmt.Errorf("save history: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
