// Package executor defines the capability every dispatch target implements
// and ships the concrete executor variants the engine can register.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zen-systems/flowdispatch/pkg/adapter"
)

// ErrExecutionFailure marks an executor that raised an error instead of
// returning an outcome.
var ErrExecutionFailure = errors.New("execution failure")

// Executor solves tasks.
type Executor interface {
	// Execute runs the task and returns its outcome. Implementations should
	// honor ctx cancellation when they block on external work.
	Execute(ctx context.Context, task string) (*Outcome, error)
}

// Outcome is the answer produced by a single execution.
type Outcome struct {
	Answer     string            `json:"answer"`
	DurationMs int64             `json:"duration_ms"`
	Usage      *adapter.Usage    `json:"usage,omitempty"`
	CostUSD    float64           `json:"cost_usd,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Func adapts a plain function to the Executor interface.
type Func func(ctx context.Context, task string) (*Outcome, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, task string) (*Outcome, error) {
	return f(ctx, task)
}

// Static returns an executor that always answers with the given text.
func Static(answer string) Executor {
	return Func(func(_ context.Context, _ string) (*Outcome, error) {
		return &Outcome{Answer: answer}, nil
	})
}

// Failing returns an executor that always fails with err.
func Failing(err error) Executor {
	return Func(func(_ context.Context, _ string) (*Outcome, error) {
		return nil, err
	})
}

// Run executes e, timing the call and normalizing failures. A panic in
// Execute is recovered and reported like any other failure. A returned
// error always wraps ErrExecutionFailure.
func Run(ctx context.Context, e Executor, task string) (*Outcome, error) {
	start := time.Now()
	out, err := execute(ctx, e, task)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		return &Outcome{DurationMs: elapsed}, fmt.Errorf("%w: %w", ErrExecutionFailure, err)
	}
	if out == nil {
		return &Outcome{DurationMs: elapsed}, fmt.Errorf("%w: executor returned no outcome", ErrExecutionFailure)
	}
	if out.DurationMs <= 0 {
		out.DurationMs = elapsed
	}
	return out, nil
}

func execute(ctx context.Context, e Executor, task string) (out *Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			out, err = nil, fmt.Errorf("executor panicked: %v", p)
		}
	}()
	return e.Execute(ctx, task)
}
