package repair

import (
	"strings"
	"testing"

	"github.com/zen-systems/flowdispatch/pkg/gate"
)

func TestGenerateRetryPromptListsIssues(t *testing.T) {
	verdict := gate.NewFailingVerdict(3, []gate.Violation{
		{Rule: "missing_number", Severity: "error", Message: "no number", Suggestion: "Include the value"},
	}, []string{"Show the arithmetic"})

	prompt := GenerateRetryPrompt("Calculate 2+2", "four-ish", verdict)
	for _, want := range []string{"Calculate 2+2", "four-ish", "[error] missing_number: no number", "Include the value", "Show the arithmetic"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestGenerateRetryPromptWithoutVerdict(t *testing.T) {
	prompt := GenerateRetryPrompt("task", "", nil)
	if !strings.Contains(prompt, "could not be produced") {
		t.Fatalf("expected execution failure note:\n%s", prompt)
	}
}

func TestGenerateEscalationPromptWarnsAgainstRepeat(t *testing.T) {
	verdict := gate.NewFailingVerdict(2, []gate.Violation{{Rule: "rule", Severity: "error", Message: "message"}}, nil)

	prompt := GenerateEscalationPrompt("task", "same answer", verdict)
	if !strings.Contains(prompt, "Do NOT repeat the previous answer") {
		t.Fatalf("missing repeat warning")
	}
	if !strings.Contains(prompt, "rule: message") {
		t.Fatalf("missing issue")
	}
}

func TestIsRepeat(t *testing.T) {
	if !IsRepeat("the  answer\n", "the answer") {
		t.Fatalf("expected whitespace-insensitive repeat")
	}
	if IsRepeat("", "") {
		t.Fatalf("empty answers are not repeats")
	}
	if IsRepeat("a", "b") {
		t.Fatalf("different answers are not repeats")
	}
}
