// Package dispatch runs the select, execute, validate and retry loop that
// routes a task to executors and learns from every attempt.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/zen-systems/flowdispatch/pkg/evidence"
	"github.com/zen-systems/flowdispatch/pkg/executor"
	"github.com/zen-systems/flowdispatch/pkg/features"
	"github.com/zen-systems/flowdispatch/pkg/gate"
	"github.com/zen-systems/flowdispatch/pkg/history"
	"github.com/zen-systems/flowdispatch/pkg/metrics"
	"github.com/zen-systems/flowdispatch/pkg/policy"
	"github.com/zen-systems/flowdispatch/pkg/registry"
	"github.com/zen-systems/flowdispatch/pkg/repair"
	"github.com/zen-systems/flowdispatch/pkg/router"
)

var (
	// ErrEmptyTask is returned for blank task text.
	ErrEmptyTask = errors.New("task text is empty")
	// ErrNoExecutors is returned when nothing is registered.
	ErrNoExecutors = errors.New("no executors registered")
)

// Config tunes the control loop.
type Config struct {
	// BaseThreshold is the quality bar before difficulty relaxation.
	BaseThreshold float64 `yaml:"base_threshold" mapstructure:"base_threshold"`
	// BaseAttempts is the attempt budget before the difficulty bonus.
	BaseAttempts int `yaml:"base_attempts" mapstructure:"base_attempts"`
	// AttemptTimeout bounds each executor call. Zero means no bound.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
	// MaxBudgetUSD stops a run before a new attempt once its estimated
	// spend reaches the budget. Zero disables the check.
	MaxBudgetUSD float64 `yaml:"max_budget_usd" mapstructure:"max_budget_usd"`

	Recommend router.Options   `yaml:"recommend" mapstructure:"recommend"`
	Threshold policy.Threshold `yaml:"threshold" mapstructure:"threshold"`
}

// DefaultConfig returns the loop defaults with the balanced policy.
func DefaultConfig() Config {
	balanced, _ := policy.NewRegistry().Get(policy.DefaultPolicyID)
	return Config{
		BaseThreshold: 7,
		BaseAttempts:  3,
		Recommend:     router.DefaultOptions(),
		Threshold:     balanced.Threshold,
	}
}

// Controller owns the dispatch loop. It is safe for concurrent Runs.
type Controller struct {
	registry    *registry.Registry
	store       *history.Store
	recommender *router.Recommender
	validator   gate.Validator
	cfg         Config

	logger   zerolog.Logger
	metrics  *metrics.Metrics
	evidence *evidence.Writer
	observer func(Transition)
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithMetrics records loop metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithEvidence writes a bundle for every run.
func WithEvidence(w *evidence.Writer) Option {
	return func(c *Controller) { c.evidence = w }
}

// WithObserver receives every state transition. It is called synchronously
// from Run and must be safe for concurrent use.
func WithObserver(fn func(Transition)) Option {
	return func(c *Controller) { c.observer = fn }
}

// New creates a controller.
func New(reg *registry.Registry, store *history.Store, validator gate.Validator, cfg Config, opts ...Option) (*Controller, error) {
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("history store is required")
	}
	if validator == nil {
		return nil, fmt.Errorf("validator is required")
	}
	if err := cfg.Threshold.Validate(); err != nil {
		return nil, fmt.Errorf("threshold policy: %w", err)
	}
	if cfg.BaseAttempts < 1 {
		cfg.BaseAttempts = 1
	}

	c := &Controller{
		registry:  reg,
		store:     store,
		validator: validator,
		cfg:       cfg,
		logger:    zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.recommender = router.NewRecommender(store, reg, router.WithLogger(c.logger))
	return c, nil
}

// Register adds an executor to the controller's registry.
func (c *Controller) Register(id string, exec executor.Executor, profile registry.Profile) error {
	return c.registry.Register(id, exec, profile)
}

// Executors returns the registered profiles in registration order.
func (c *Controller) Executors() []registry.Profile {
	return c.registry.Profiles()
}

// Recommend previews the selection for task without executing or
// recording anything.
func (c *Controller) Recommend(task string) (router.Recommendation, error) {
	if strings.TrimSpace(task) == "" {
		return router.Recommendation{}, ErrEmptyTask
	}
	if c.registry.Len() == 0 {
		return router.Recommendation{}, ErrNoExecutors
	}
	return c.recommender.Recommend(features.Extract(task), c.cfg.Recommend), nil
}

// GetHistoryStats summarizes the history log.
func (c *Controller) GetHistoryStats() history.Stats {
	return c.store.StatsSnapshot()
}

// GetPerformance returns per-executor counters.
func (c *Controller) GetPerformance() map[string]history.PerformanceCounter {
	return c.store.Performance()
}

// Run dispatches task until an answer is accepted, the attempt budget is
// spent, or ctx ends. Errors are returned only for unusable input; every
// dispatch outcome, including failures, is reported through the Result.
func (c *Controller) Run(ctx context.Context, task string) (*Result, error) {
	if strings.TrimSpace(task) == "" {
		return nil, ErrEmptyTask
	}
	if c.registry.Len() == 0 {
		return nil, ErrNoExecutors
	}

	r := c.newRun(task)
	r.log.Debug().
		Float64("difficulty", r.features.Difficulty).
		Float64("threshold", r.threshold).
		Int("max_attempts", r.maxAttempts).
		Msg("dispatch started")

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			r.to(attempt, StateCancelled)
			break
		}
		if c.cfg.MaxBudgetUSD > 0 && r.spent >= c.cfg.MaxBudgetUSD {
			r.budgetHit = true
			r.to(attempt, StateExhausted)
			break
		}
		r.to(attempt, StateSelecting)
		if c.attempt(ctx, r, attempt) {
			break
		}
	}
	if !r.state.Terminal() {
		r.to(len(r.attempts), StateExhausted)
	}

	res := r.result(c.now())
	c.finish(r, res)
	return res, nil
}

// attempt runs one select/execute/validate/record cycle and reports whether
// the loop reached a terminal state.
func (c *Controller) attempt(ctx context.Context, r *run, n int) bool {
	opts := c.cfg.Recommend
	reframe := len(r.tried) >= c.registry.Len()
	if !reframe {
		opts.Exclude = r.triedOrder
	}
	rec := c.recommender.Recommend(r.features, opts)
	c.metrics.ObserveRecommendation(string(rec.Method))

	entry, err := c.registry.Get(rec.ExecutorID)
	if err != nil {
		// The registry only grows, so this means it was empty.
		r.log.Error().Err(err).Msg("recommendation named no registered executor")
		r.to(n, StateExhausted)
		return true
	}

	input := r.task
	info := Attempt{Attempt: n, ExecutorID: entry.ID, Method: rec.Method, Confidence: rec.Confidence}
	if reframe && r.last != nil {
		info.Reframed = true
		if r.repeating {
			info.Escalated = true
			input = repair.GenerateEscalationPrompt(r.task, r.last.answer, r.last.verdict)
		} else {
			input = repair.GenerateRetryPrompt(r.task, r.last.answer, r.last.verdict)
		}
	}
	log := r.log.With().Int("attempt", n).Str("executor", entry.ID).Logger()
	log.Debug().Str("method", string(rec.Method)).Float64("confidence", rec.Confidence).Bool("reframed", info.Reframed).Msg("executor selected")

	r.to(n, StateExecuting)
	execCtx := ctx
	if c.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()
	}
	out, execErr := executor.Run(execCtx, entry.Executor, input)
	info.DurationMs = out.DurationMs
	r.spent += out.CostUSD

	r.to(n, StateValidating)
	var verdict *gate.Verdict
	if execErr != nil {
		info.ExecError = execErr.Error()
		log.Warn().Err(execErr).Msg("executor failed")
	} else {
		v, valErr := c.validator.Validate(ctx, r.task, out)
		switch {
		case valErr != nil:
			info.Errors = []string{fmt.Sprintf("validator: %v", valErr)}
			log.Warn().Err(valErr).Msg("validator failed")
		case v == nil:
			info.Errors = []string{"validator returned no verdict"}
		default:
			verdict = v
			info.Score = gate.ClampScore(v.Score)
			info.Passed = v.Passed
			info.Errors = v.Errors
		}
	}
	info.Accepted = info.Passed && info.Score >= r.threshold

	// History must survive caller cancellation.
	stored, appendErr := c.store.Append(context.WithoutCancel(ctx), history.Record{
		RunID:        r.id,
		Attempt:      n,
		Features:     r.features,
		ExecutorID:   entry.ID,
		QualityScore: info.Score,
		Success:      info.Passed,
		DurationMs:   info.DurationMs,
		Method:       string(rec.Method),
	})
	info.RecordID = stored.ID
	if appendErr != nil {
		r.storeUnavailable = true
		c.metrics.ObserveStoreError()
		log.Warn().Err(appendErr).Msg("history append failed")
	}

	result := "failed"
	switch {
	case execErr != nil:
		result = "error"
	case info.Accepted:
		result = "accepted"
	}
	c.metrics.ObserveAttempt(entry.ID, result, time.Duration(info.DurationMs)*time.Millisecond, info.Score)

	r.record(info, entry.ID, out, verdict, execErr == nil)
	log.Debug().Float64("score", info.Score).Bool("passed", info.Passed).Bool("accepted", info.Accepted).Msg("attempt finished")

	if info.Accepted {
		r.to(n, StateAccepted)
		return true
	}
	r.to(n, StateRetrying)
	return false
}

func (c *Controller) newRun(task string) *run {
	f := features.Extract(task)
	id := uuid.New().String()
	return &run{
		id:          id,
		task:        task,
		features:    f,
		threshold:   c.cfg.Threshold.RequiredQuality(f, c.cfg.BaseThreshold),
		maxAttempts: c.cfg.Threshold.MaxAttempts(f, c.cfg.BaseAttempts),
		started:     c.now(),
		tried:       make(map[string]bool),
		log:         c.logger.With().Str("run_id", id).Logger(),
		observer:    c.observer,
	}
}

func (c *Controller) finish(r *run, res *Result) {
	outcome := string(res.ErrorKind)
	if res.Success {
		outcome = "accepted"
	}
	c.metrics.ObserveRun(outcome)

	ev := r.log.Info()
	if !res.Success {
		ev = r.log.Warn().Str("error_kind", string(res.ErrorKind))
	}
	ev.Str("final_agent", res.Metadata.FinalAgent).
		Float64("final_quality", res.Metadata.FinalQuality).
		Int("attempts", res.Metadata.Attempts).
		Int64("duration_ms", res.Metadata.DurationMs).
		Bool("store_unavailable", res.Metadata.StoreUnavailable).
		Msg("dispatch finished")

	if c.evidence == nil {
		return
	}
	if err := c.evidence.Write(r.bundle(res)); err != nil {
		r.log.Warn().Err(err).Msg("write evidence failed")
	}
}
