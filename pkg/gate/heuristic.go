package gate

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/zen-systems/flowdispatch/pkg/executor"
	"github.com/zen-systems/flowdispatch/pkg/features"
)

var refusalMarkers = []string{
	"i cannot", "i can't", "i am unable", "i'm unable", "as an ai", "i won't",
}

var truncationMarkers = []string{"[truncated]", "...", "…"}

// HeuristicValidator scores answers without calling out to anything. It
// starts from MaxScore and subtracts a penalty per detected problem.
type HeuristicValidator struct {
	// PassScore is the minimum score that passes. Defaults to 6.
	PassScore float64
	// MinLength is the shortest acceptable trimmed answer. Defaults to 1.
	MinLength int
}

// NewHeuristicValidator returns a heuristic validator with defaults applied.
func NewHeuristicValidator(passScore float64, minLength int) *HeuristicValidator {
	if passScore <= 0 {
		passScore = 6
	}
	if minLength <= 0 {
		minLength = 1
	}
	return &HeuristicValidator{PassScore: passScore, MinLength: minLength}
}

// Name returns the validator identifier.
func (h *HeuristicValidator) Name() string { return "heuristic" }

// Validate scores the outcome's answer.
func (h *HeuristicValidator) Validate(_ context.Context, task string, outcome *executor.Outcome) (*Verdict, error) {
	if outcome == nil {
		return nil, fmt.Errorf("heuristic validator: nil outcome")
	}
	passScore := h.PassScore
	if passScore <= 0 {
		passScore = 6
	}

	answer := strings.TrimSpace(outcome.Answer)
	if answer == "" {
		v := NewFailingVerdict(0, []Violation{{
			Rule:       "empty_answer",
			Severity:   "error",
			Message:    "answer is empty",
			Suggestion: "Return a complete answer to the task",
		}}, []string{"Provide a non-empty answer"})
		v.Validator = h.Name()
		return v, nil
	}

	score := MaxScore
	var violations []Violation
	penalize := func(points float64, rule, severity, msg, suggestion string) {
		score -= points
		violations = append(violations, Violation{Rule: rule, Severity: severity, Message: msg, Suggestion: suggestion})
	}

	lower := strings.ToLower(answer)
	for _, marker := range refusalMarkers {
		if strings.Contains(lower, marker) {
			penalize(5, "refusal", "error", "answer declines the task", "Attempt the task directly")
			break
		}
	}

	if len([]rune(answer)) < h.MinLength {
		penalize(2, "too_short", "error", fmt.Sprintf("answer shorter than %d characters", h.MinLength), "Expand the answer")
	}

	f := features.Extract(task)
	if (f.HasTag("math") || f.HasTag("finance")) && !strings.ContainsFunc(answer, unicode.IsDigit) {
		penalize(3, "missing_number", "error", "numeric task answered without a number", "Include the computed value")
	}

	for _, marker := range truncationMarkers {
		if strings.HasSuffix(answer, marker) {
			penalize(1, "truncated", "warning", "answer appears truncated", "Finish the answer")
			break
		}
	}

	score = ClampScore(score)
	var v *Verdict
	if score >= passScore {
		v = NewPassingVerdict(score)
		v.Violations = violations
	} else {
		v = NewFailingVerdict(score, violations, suggestions(violations))
	}
	v.Validator = h.Name()
	return v, nil
}

func suggestions(violations []Violation) []string {
	var out []string
	for _, v := range violations {
		if v.Suggestion != "" {
			out = append(out, v.Suggestion)
		}
	}
	return out
}
