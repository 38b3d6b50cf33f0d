// Package gate grades executor answers. A Validator turns an outcome into a
// Verdict carrying a 0..10 score and a pass flag.
package gate

import (
	"context"
	"math"

	"github.com/zen-systems/flowdispatch/pkg/executor"
)

// MaxScore is the top of the verdict score range.
const MaxScore = 10.0

// Validator defines the interface for quality gates.
type Validator interface {
	// Validate grades the outcome produced for task.
	Validate(ctx context.Context, task string, outcome *executor.Outcome) (*Verdict, error)

	// Name returns the validator identifier.
	Name() string
}

// Verdict contains the outcome of a validation.
type Verdict struct {
	Score       float64     `json:"score"`
	Passed      bool        `json:"passed"`
	Errors      []string    `json:"errors,omitempty"`
	Violations  []Violation `json:"violations,omitempty"`
	RepairHints []string    `json:"repair_hints,omitempty"`
	Validator   string      `json:"validator,omitempty"`
}

// Violation describes a specific quality issue.
type Violation struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"` // "error", "warning", "info"
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// NewPassingVerdict creates a verdict indicating the answer passed.
func NewPassingVerdict(score float64) *Verdict {
	return &Verdict{
		Passed: true,
		Score:  ClampScore(score),
	}
}

// NewFailingVerdict creates a verdict indicating the answer failed.
func NewFailingVerdict(score float64, violations []Violation, hints []string) *Verdict {
	v := &Verdict{
		Passed:      false,
		Score:       ClampScore(score),
		Violations:  violations,
		RepairHints: hints,
	}
	for _, viol := range violations {
		if viol.Severity == "error" {
			v.Errors = append(v.Errors, viol.Message)
		}
	}
	return v
}

// ClampScore bounds a score to [0, MaxScore]. NaN maps to 0.
func ClampScore(score float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// Func adapts a function to the Validator interface.
type Func func(ctx context.Context, task string, outcome *executor.Outcome) (*Verdict, error)

// Validate calls f.
func (f Func) Validate(ctx context.Context, task string, outcome *executor.Outcome) (*Verdict, error) {
	return f(ctx, task, outcome)
}

// Name returns "func".
func (f Func) Name() string { return "func" }

// Fixed returns a validator that always reports score, passing when the
// score reaches passAt.
func Fixed(score, passAt float64) Validator {
	return Func(func(context.Context, string, *executor.Outcome) (*Verdict, error) {
		if score >= passAt {
			return NewPassingVerdict(score), nil
		}
		return NewFailingVerdict(score, []Violation{{
			Rule:     "fixed_score",
			Severity: "error",
			Message:  "score below pass mark",
		}}, nil), nil
	})
}
