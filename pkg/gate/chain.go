package gate

import (
	"context"
	"fmt"
	"strings"

	"github.com/zen-systems/flowdispatch/pkg/executor"
)

// Chain runs validators in order. The chain passes only when every member
// passes, and its score is the lowest member score. With StopOnFail set the
// chain returns after the first failing member.
type Chain struct {
	Validators []Validator
	StopOnFail bool
}

// NewChain creates a chain of validators.
func NewChain(stopOnFail bool, validators ...Validator) *Chain {
	return &Chain{Validators: validators, StopOnFail: stopOnFail}
}

// Name returns the member names joined with "+".
func (c *Chain) Name() string {
	names := make([]string, len(c.Validators))
	for i, v := range c.Validators {
		names[i] = v.Name()
	}
	return strings.Join(names, "+")
}

// Validate runs every member and merges their verdicts.
func (c *Chain) Validate(ctx context.Context, task string, outcome *executor.Outcome) (*Verdict, error) {
	if len(c.Validators) == 0 {
		return nil, fmt.Errorf("validator chain is empty")
	}
	merged := &Verdict{Score: MaxScore, Passed: true, Validator: c.Name()}
	for _, v := range c.Validators {
		verdict, err := v.Validate(ctx, task, outcome)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.Name(), err)
		}
		if verdict == nil {
			return nil, fmt.Errorf("%s: returned no verdict", v.Name())
		}
		if verdict.Score < merged.Score {
			merged.Score = verdict.Score
		}
		merged.Errors = append(merged.Errors, verdict.Errors...)
		merged.Violations = append(merged.Violations, verdict.Violations...)
		merged.RepairHints = append(merged.RepairHints, verdict.RepairHints...)
		if !verdict.Passed {
			merged.Passed = false
			if c.StopOnFail {
				break
			}
		}
	}
	return merged, nil
}
