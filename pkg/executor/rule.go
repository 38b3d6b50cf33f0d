package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// ErrNoRuleMatched is returned when a rule executor has no rule for a task.
var ErrNoRuleMatched = errors.New("no rule matched")

// Rule maps trigger phrases to an answer template. The template sees the
// task as {{ .Task }} and the matched trigger as {{ .Trigger }}.
type Rule struct {
	Triggers []string `yaml:"triggers" mapstructure:"triggers"`
	Answer   string   `yaml:"answer" mapstructure:"answer"`
}

type compiledRule struct {
	trigger string
	tmpl    *template.Template
}

// RuleExecutor answers tasks from trigger-matched templates.
type RuleExecutor struct {
	// longest trigger first
	rules    []compiledRule
	fallback *template.Template
}

// NewRuleExecutor compiles rules. fallback may be empty, in which case
// unmatched tasks fail with ErrNoRuleMatched.
func NewRuleExecutor(rules []Rule, fallback string) (*RuleExecutor, error) {
	e := &RuleExecutor{}
	for i, r := range rules {
		tmpl, err := template.New(fmt.Sprintf("rule-%d", i)).Parse(r.Answer)
		if err != nil {
			return nil, fmt.Errorf("parse rule %d: %w", i, err)
		}
		for _, trig := range r.Triggers {
			trig = strings.ToLower(strings.TrimSpace(trig))
			if trig == "" {
				continue
			}
			e.rules = append(e.rules, compiledRule{trigger: trig, tmpl: tmpl})
		}
	}

	// Sort by trigger length (longer triggers are more specific)
	for i := 0; i < len(e.rules); i++ {
		for j := i + 1; j < len(e.rules); j++ {
			if len(e.rules[j].trigger) > len(e.rules[i].trigger) {
				e.rules[i], e.rules[j] = e.rules[j], e.rules[i]
			}
		}
	}

	if fallback != "" {
		tmpl, err := template.New("fallback").Parse(fallback)
		if err != nil {
			return nil, fmt.Errorf("parse fallback: %w", err)
		}
		e.fallback = tmpl
	}
	return e, nil
}

// Execute renders the first matching rule.
func (e *RuleExecutor) Execute(_ context.Context, task string) (*Outcome, error) {
	lower := strings.ToLower(task)
	for _, rule := range e.rules {
		if containsTrigger(lower, rule.trigger) {
			answer, err := render(rule.tmpl, task, rule.trigger)
			if err != nil {
				return nil, err
			}
			return &Outcome{Answer: answer, Metadata: map[string]string{"trigger": rule.trigger}}, nil
		}
	}
	if e.fallback != nil {
		answer, err := render(e.fallback, task, "")
		if err != nil {
			return nil, err
		}
		return &Outcome{Answer: answer}, nil
	}
	return nil, ErrNoRuleMatched
}

func render(tmpl *template.Template, task, trigger string) (string, error) {
	var sb strings.Builder
	data := map[string]any{"Task": task, "Trigger": trigger}
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render answer: %w", err)
	}
	return sb.String(), nil
}

// containsTrigger checks if the prompt contains the trigger phrase.
// It looks for the trigger as a word or phrase boundary match.
func containsTrigger(prompt, trigger string) bool {
	idx := strings.Index(prompt, trigger)
	if idx == -1 {
		return false
	}

	// Check word boundary before trigger
	if idx > 0 {
		prev := prompt[idx-1]
		if isWordChar(prev) {
			return false
		}
	}

	// Check word boundary after trigger
	endIdx := idx + len(trigger)
	if endIdx < len(prompt) {
		next := prompt[endIdx]
		if isWordChar(next) {
			return false
		}
	}

	return true
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
