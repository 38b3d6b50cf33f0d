// Package repair reframes a task after a rejected answer so the next
// attempt knows what went wrong.
package repair

import (
	"fmt"
	"strings"

	"github.com/zen-systems/flowdispatch/pkg/gate"
)

// GenerateRetryPrompt creates a prompt asking for a corrected answer.
func GenerateRetryPrompt(task, previous string, verdict *gate.Verdict) string {
	var sb strings.Builder

	sb.WriteString("A previous answer to this task failed quality checks.\n\n")
	sb.WriteString("Task:\n")
	sb.WriteString(task)
	sb.WriteString("\n\nPrevious answer:\n---\n")
	sb.WriteString(previous)
	sb.WriteString("\n---\n\n")

	writeIssues(&sb, verdict, true)

	if verdict != nil && len(verdict.RepairHints) > 0 {
		sb.WriteString("\nRepair hints:\n")
		for _, hint := range verdict.RepairHints {
			sb.WriteString(fmt.Sprintf("- %s\n", hint))
		}
	}

	sb.WriteString("\nClarify any ambiguity, fix all issues and provide the corrected answer.")

	return sb.String()
}

// GenerateEscalationPrompt creates a stronger prompt when the same answer
// keeps coming back.
func GenerateEscalationPrompt(task, previous string, verdict *gate.Verdict) string {
	var sb strings.Builder

	sb.WriteString("The previous answers are repeating and failed quality checks.\n")
	sb.WriteString("Do NOT repeat the previous answer; take a different approach.\n\n")
	sb.WriteString("Task:\n")
	sb.WriteString(task)
	sb.WriteString("\n\n")

	writeIssues(&sb, verdict, false)

	sb.WriteString("\nPrevious answer:\n---\n")
	sb.WriteString(previous)
	sb.WriteString("\n---\n")
	sb.WriteString("\nProvide a new answer that addresses the issues above.\n")

	return sb.String()
}

// IsRepeat reports whether answer matches previous after whitespace
// normalization. Empty answers never count as repeats.
func IsRepeat(previous, answer string) bool {
	a := strings.Join(strings.Fields(previous), " ")
	b := strings.Join(strings.Fields(answer), " ")
	return a != "" && a == b
}

func writeIssues(sb *strings.Builder, verdict *gate.Verdict, detailed bool) {
	sb.WriteString("Issues found:\n")
	if verdict == nil {
		sb.WriteString("- the answer could not be produced or graded\n")
		return
	}
	if len(verdict.Violations) == 0 && len(verdict.Errors) == 0 {
		sb.WriteString(fmt.Sprintf("- score %.1f was below the required quality\n", verdict.Score))
		return
	}
	for _, v := range verdict.Violations {
		if detailed {
			sb.WriteString(fmt.Sprintf("- [%s] %s: %s\n", v.Severity, v.Rule, v.Message))
			if v.Suggestion != "" {
				sb.WriteString(fmt.Sprintf("  Suggestion: %s\n", v.Suggestion))
			}
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s: %s\n", v.Rule, v.Message))
	}
	if len(verdict.Violations) == 0 {
		for _, msg := range verdict.Errors {
			sb.WriteString(fmt.Sprintf("- %s\n", msg))
		}
	}
}
