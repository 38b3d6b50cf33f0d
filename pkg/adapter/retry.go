package adapter

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy defines retry and backoff behavior for transient provider errors.
type RetryPolicy struct {
	MaxRetries    int `yaml:"max_retries,omitempty" mapstructure:"max_retries"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty" mapstructure:"base_backoff_ms"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty" mapstructure:"max_backoff_ms"`
}

// DefaultRetryPolicy returns the retry settings used when none are configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseBackoffMs: 200, MaxBackoffMs: 2000}
}

// Normalize fills zero fields with defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseBackoffMs <= 0 {
		p.BaseBackoffMs = def.BaseBackoffMs
	}
	if p.MaxBackoffMs <= 0 {
		p.MaxBackoffMs = def.MaxBackoffMs
	}
	if p.MaxBackoffMs < p.BaseBackoffMs {
		p.MaxBackoffMs = p.BaseBackoffMs
	}
	return p
}

// GenerateWithRetry calls the adapter, retrying transient failures with
// exponential backoff. Non-transient errors return immediately.
func GenerateWithRetry(ctx context.Context, a Adapter, model, prompt string, policy RetryPolicy) (*Response, CallReport, error) {
	policy = policy.Normalize()
	report := CallReport{Adapter: a.Name(), Model: model}
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		report.Retries = attempt
		resp, err := a.Generate(ctx, model, prompt)
		if err == nil {
			if resp == nil {
				lastErr = fmt.Errorf("%s returned empty response", a.Name())
				break
			}
			report.Usage = NormalizeUsage(resp.Usage)
			return resp, report, nil
		}

		lastErr = err
		if !IsTransient(err) || attempt == policy.MaxRetries {
			break
		}

		backoff := computeBackoff(policy.BaseBackoffMs, policy.MaxBackoffMs, attempt)
		if err := sleepWithContext(ctx, backoff); err != nil {
			lastErr = err
			break
		}
	}

	report.Error = lastErr.Error()
	return nil, report, lastErr
}

func computeBackoff(baseMs, maxMs, attempt int) time.Duration {
	backoff := time.Duration(baseMs) * time.Millisecond
	limit := time.Duration(maxMs) * time.Millisecond
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if backoff > limit {
		return limit
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
