package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zen-systems/flowdispatch/pkg/adapter"
	"github.com/zen-systems/flowdispatch/pkg/dispatch"
	"github.com/zen-systems/flowdispatch/pkg/executor"
	"github.com/zen-systems/flowdispatch/pkg/gate"
	"github.com/zen-systems/flowdispatch/pkg/history"
	"github.com/zen-systems/flowdispatch/pkg/policy"
	"github.com/zen-systems/flowdispatch/pkg/registry"
	"github.com/zen-systems/flowdispatch/pkg/router"
)

// ErrNoUsableExecutors is returned when every configured executor was
// skipped for missing credentials.
var ErrNoUsableExecutors = errors.New("no usable executors")

// DispatchConfig converts the engine section into controller settings.
func (c *Config) DispatchConfig(policies *policy.Registry) (dispatch.Config, error) {
	if policies == nil {
		policies = policy.NewRegistry()
	}
	p, err := policies.Get(c.Engine.Policy)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		BaseThreshold:  c.Engine.BaseThreshold,
		BaseAttempts:   c.Engine.BaseAttempts,
		AttemptTimeout: c.Engine.AttemptTimeout,
		MaxBudgetUSD:   c.Engine.MaxBudgetUSD,
		Recommend: router.Options{
			K:             c.Engine.K,
			MinHistory:    c.Engine.MinHistory,
			MinConfidence: c.Engine.MinConfidence,
		},
		Threshold: p.Threshold,
	}, nil
}

// BuildRegistry builds every configured executor. Adapter executors whose
// adapter has no credentials are skipped and returned by id.
func (c *Config) BuildRegistry(adapters map[string]adapter.Adapter, aliases *ModelAliases, logger zerolog.Logger) (*registry.Registry, []string, error) {
	reg := registry.New()
	var skipped []string
	for _, ec := range c.Executors {
		exec, err := c.buildExecutor(ec, adapters, aliases)
		if errors.Is(err, errMissingAdapter) {
			logger.Warn().Str("executor", ec.ID).Str("adapter", ec.Adapter).Msg("skipping executor without credentials")
			skipped = append(skipped, ec.ID)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("executor %q: %w", ec.ID, err)
		}
		profile, err := ec.Profile.toProfile(ec.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("executor %q: %w", ec.ID, err)
		}
		if err := reg.Register(ec.ID, exec, profile); err != nil {
			return nil, nil, err
		}
	}
	if reg.Len() == 0 {
		return nil, skipped, ErrNoUsableExecutors
	}
	return reg, skipped, nil
}

var errMissingAdapter = errors.New("adapter not available")

func (c *Config) buildExecutor(ec ExecutorConfig, adapters map[string]adapter.Adapter, aliases *ModelAliases) (executor.Executor, error) {
	switch ec.Kind {
	case KindAdapter:
		a, ok := adapters[ec.Adapter]
		if !ok {
			return nil, errMissingAdapter
		}
		return executor.NewAdapterExecutor(a, aliases.Resolve(ec.Model),
			executor.WithSystemPrefix(ec.SystemPrefix),
			executor.WithRetryPolicy(c.Retry),
			executor.WithPricing(c.Pricing),
		)
	case KindRule:
		return executor.NewRuleExecutor(ec.Rules, ec.Fallback)
	case KindStatic:
		return executor.Static(ec.Answer), nil
	default:
		return nil, fmt.Errorf("unknown kind %q", ec.Kind)
	}
}

// BuildValidator builds the configured validator. Unknown command
// capabilities are returned so the caller can report them.
func (c *Config) BuildValidator(adapters map[string]adapter.Adapter, aliases *ModelAliases) (gate.Validator, []string, error) {
	return buildValidator(c.Validator, adapters, aliases, c.Retry)
}

func buildValidator(vc ValidatorConfig, adapters map[string]adapter.Adapter, aliases *ModelAliases, retry adapter.RetryPolicy) (gate.Validator, []string, error) {
	switch vc.Kind {
	case "", ValidatorHeuristic:
		return gate.NewHeuristicValidator(vc.PassScore, vc.MinLength), nil, nil
	case ValidatorCommand:
		var allow *gate.CommandPolicy
		var unknown []string
		if len(vc.Capabilities) > 0 || len(vc.AllowedCommands) > 0 {
			allow, unknown = gate.NewCommandPolicy(vc.Capabilities, vc.AllowedCommands)
		}
		v, err := gate.NewCommandValidator(gate.CommandValidatorConfig{
			Command:   vc.Command,
			Workdir:   vc.Workdir,
			TimeoutMs: vc.TimeoutMs,
		}, allow)
		if err != nil {
			return nil, unknown, err
		}
		return v, unknown, nil
	case ValidatorJudge:
		a, ok := adapters[vc.Adapter]
		if !ok {
			return nil, nil, fmt.Errorf("judge adapter %q not available", vc.Adapter)
		}
		v, err := gate.NewJudgeValidator(a, aliases.Resolve(vc.Model), vc.PassScore, retry)
		if err != nil {
			return nil, nil, err
		}
		return v, nil, nil
	case ValidatorChain:
		members := make([]gate.Validator, 0, len(vc.Chain))
		var unknown []string
		for i, mc := range vc.Chain {
			m, u, err := buildValidator(mc, adapters, aliases, retry)
			unknown = append(unknown, u...)
			if err != nil {
				return nil, unknown, fmt.Errorf("chain[%d]: %w", i, err)
			}
			members = append(members, m)
		}
		return gate.NewChain(vc.StopOnFail, members...), unknown, nil
	default:
		return nil, nil, fmt.Errorf("unknown validator kind %q", vc.Kind)
	}
}

// OpenHistory opens the configured backend and loads it. A load failure
// returns the error together with a usable, degraded store.
func (c *Config) OpenHistory(ctx context.Context, logger zerolog.Logger) (*history.Store, error) {
	var backend history.Backend
	switch c.History.Backend {
	case BackendMemory:
		backend = history.NewMemoryBackend()
	case BackendFile:
		backend = history.NewFileBackend(c.History.Path)
	case BackendSQLite:
		b, err := history.OpenSQLite(c.History.Path)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown history backend %q", c.History.Backend)
	}
	store := history.NewStore(backend, history.WithLogger(logger))
	return store, store.Load(ctx)
}
