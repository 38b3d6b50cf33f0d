package executor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/zen-systems/flowdispatch/pkg/adapter"
)

// AdapterExecutor answers tasks by prompting an LLM adapter.
type AdapterExecutor struct {
	adapter adapter.Adapter
	model   string
	prefix  string
	retry   adapter.RetryPolicy
	pricing adapter.Pricing
}

// AdapterOption configures an AdapterExecutor.
type AdapterOption func(*AdapterExecutor)

// WithSystemPrefix prepends instructions to every task prompt.
func WithSystemPrefix(prefix string) AdapterOption {
	return func(e *AdapterExecutor) {
		e.prefix = prefix
	}
}

// WithRetryPolicy overrides the transient error retry policy.
func WithRetryPolicy(policy adapter.RetryPolicy) AdapterOption {
	return func(e *AdapterExecutor) {
		e.retry = policy
	}
}

// WithPricing enables per-call cost estimates.
func WithPricing(pricing adapter.Pricing) AdapterOption {
	return func(e *AdapterExecutor) {
		e.pricing = pricing
	}
}

// NewAdapterExecutor creates an executor backed by a model on an adapter.
// An empty model selects the adapter's first advertised model.
func NewAdapterExecutor(a adapter.Adapter, model string, opts ...AdapterOption) (*AdapterExecutor, error) {
	if a == nil {
		return nil, fmt.Errorf("adapter is required")
	}
	if model == "" {
		models := a.Models()
		if len(models) > 0 {
			model = models[0]
		}
	}
	if model == "" {
		return nil, fmt.Errorf("model not specified for adapter %s", a.Name())
	}
	e := &AdapterExecutor{adapter: a, model: model, retry: adapter.DefaultRetryPolicy()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Model returns the resolved model name.
func (e *AdapterExecutor) Model() string {
	return e.model
}

// Execute sends the task to the model.
func (e *AdapterExecutor) Execute(ctx context.Context, task string) (*Outcome, error) {
	prompt := task
	if e.prefix != "" {
		prompt = e.prefix + "\n\n" + task
	}

	resp, report, err := adapter.GenerateWithRetry(ctx, e.adapter, e.model, prompt, e.retry)
	if err != nil {
		return nil, err
	}

	usage := report.Usage
	out := &Outcome{
		Answer: resp.Content,
		Usage:  &usage,
		Metadata: map[string]string{
			"adapter": report.Adapter,
			"model":   report.Model,
			"retries": strconv.Itoa(report.Retries),
		},
	}
	if cost, ok := adapter.EstimateCost(e.pricing, report.Adapter, report.Model, usage); ok {
		out.CostUSD = cost.Amount
	}
	return out, nil
}
