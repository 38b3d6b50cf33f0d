package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zen-systems/flowdispatch/pkg/adapter"
	"github.com/zen-systems/flowdispatch/pkg/executor"
)

// JudgeValidator asks a language model to grade an answer.
type JudgeValidator struct {
	adapter   adapter.Adapter
	model     string
	passScore float64
	retry     adapter.RetryPolicy
}

// NewJudgeValidator creates a judge backed by a and model. An empty model
// uses the adapter's first model.
func NewJudgeValidator(a adapter.Adapter, model string, passScore float64, retry adapter.RetryPolicy) (*JudgeValidator, error) {
	if a == nil {
		return nil, fmt.Errorf("judge validator: adapter is required")
	}
	if model == "" {
		models := a.Models()
		if len(models) == 0 {
			return nil, fmt.Errorf("judge validator: adapter %s has no models", a.Name())
		}
		model = models[0]
	}
	if passScore <= 0 {
		passScore = 7
	}
	return &JudgeValidator{adapter: a, model: model, passScore: passScore, retry: retry.Normalize()}, nil
}

// Name returns the validator identifier.
func (j *JudgeValidator) Name() string { return "judge:" + j.adapter.Name() }

type judgeReply struct {
	Score  float64  `json:"score"`
	Passed *bool    `json:"passed"`
	Errors []string `json:"errors"`
}

// Validate sends the task and answer to the judge model and parses its JSON
// reply.
func (j *JudgeValidator) Validate(ctx context.Context, task string, outcome *executor.Outcome) (*Verdict, error) {
	if outcome == nil {
		return nil, fmt.Errorf("judge validator: nil outcome")
	}
	resp, _, err := adapter.GenerateWithRetry(ctx, j.adapter, j.model, buildJudgePrompt(task, outcome.Answer), j.retry)
	if err != nil {
		return nil, fmt.Errorf("judge validator: %w", err)
	}
	reply, err := parseJudgeReply(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("judge validator: invalid reply: %w", err)
	}

	score := ClampScore(reply.Score)
	passed := score >= j.passScore
	if reply.Passed != nil {
		passed = passed && *reply.Passed
	}

	var verdict *Verdict
	if passed {
		verdict = NewPassingVerdict(score)
	} else {
		violations := make([]Violation, 0, len(reply.Errors))
		for _, msg := range reply.Errors {
			violations = append(violations, Violation{Rule: "judge", Severity: "error", Message: msg})
		}
		if len(violations) == 0 {
			violations = append(violations, Violation{
				Rule:     "judge",
				Severity: "error",
				Message:  fmt.Sprintf("judge scored %.1f, below %.1f", score, j.passScore),
			})
		}
		verdict = NewFailingVerdict(score, violations, nil)
	}
	verdict.Validator = j.Name()
	return verdict, nil
}

func parseJudgeReply(content string) (*judgeReply, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var reply judgeReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func buildJudgePrompt(task, answer string) string {
	var sb strings.Builder
	sb.WriteString("You are a strict grader. Score the answer to the task from 0 to 10.\n")
	sb.WriteString("Return ONLY JSON: {\"score\":0-10,\"passed\":true|false,\"errors\":[\"...\"]}.\n\n")
	sb.WriteString("Task:\n")
	sb.WriteString(task)
	sb.WriteString("\n\nAnswer:\n")
	sb.WriteString(answer)
	sb.WriteString("\n")
	return sb.String()
}
