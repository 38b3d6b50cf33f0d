package gate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/zen-systems/flowdispatch/pkg/executor"
)

// CommandDiagnostics captures execution details for a command validator.
type CommandDiagnostics struct {
	Command  []string      `json:"command"`
	Workdir  string        `json:"workdir,omitempty"`
	Stdout   string        `json:"stdout,omitempty"`
	Stderr   string        `json:"stderr,omitempty"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// CommandValidator executes a local command to grade an answer. The answer
// arrives on stdin and the task in FLOWDISPATCH_TASK. Exit status 0 passes.
// If the first stdout line parses as a number it becomes the score,
// otherwise a pass scores MaxScore and a failure scores 0.
type CommandValidator struct {
	name    string
	command []string
	workdir string
	timeout time.Duration

	lastDiagnostics *CommandDiagnostics
}

// CommandValidatorConfig defines configuration for a command validator.
type CommandValidatorConfig struct {
	Name      string   `yaml:"name" mapstructure:"name"`
	Command   []string `yaml:"command" mapstructure:"command"`
	Workdir   string   `yaml:"workdir,omitempty" mapstructure:"workdir"`
	TimeoutMs int      `yaml:"timeout_ms,omitempty" mapstructure:"timeout_ms"`
}

// NewCommandValidator creates a new command validator. A non-nil policy
// must allow the command.
func NewCommandValidator(cfg CommandValidatorConfig, policy *CommandPolicy) (*CommandValidator, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("command validator requires a command")
	}
	if policy != nil {
		if ok, reason := policy.Allows(cfg.Command); !ok {
			return nil, fmt.Errorf("command validator %q rejected: %s", strings.Join(cfg.Command, " "), reason)
		}
	}
	name := cfg.Name
	if name == "" {
		name = cfg.Command[0]
	}
	return &CommandValidator{
		name:    name,
		command: append([]string{}, cfg.Command...),
		workdir: cfg.Workdir,
		timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
	}, nil
}

// Name returns the validator identifier.
func (g *CommandValidator) Name() string {
	return g.name
}

// Validate runs the command and returns a Verdict.
func (g *CommandValidator) Validate(ctx context.Context, task string, outcome *executor.Outcome) (*Verdict, error) {
	if outcome == nil {
		return nil, fmt.Errorf("command validator: nil outcome")
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, g.command[0], g.command[1:]...)
	if g.workdir != "" {
		cmd.Dir = g.workdir
	}
	cmd.Env = append(os.Environ(), "FLOWDISPATCH_TASK="+task)
	cmd.Stdin = strings.NewReader(outcome.Answer)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) || ctx.Err() != nil {
			return nil, fmt.Errorf("command validator failed to run: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	g.lastDiagnostics = &CommandDiagnostics{
		Command:  append([]string{}, g.command...),
		Workdir:  g.workdir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
		Duration: duration,
	}

	passed := exitCode == 0
	score, hasScore := parseLeadingScore(stdout.String())
	if !hasScore {
		if passed {
			score = MaxScore
		} else {
			score = 0
		}
	}

	var verdict *Verdict
	if passed {
		verdict = NewPassingVerdict(score)
	} else {
		violations := []Violation{{
			Rule:     "command_failed",
			Severity: "error",
			Message:  fmt.Sprintf("command exited with status %d", exitCode),
		}}
		for _, line := range strings.Split(strings.TrimSpace(stderr.String()), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				violations = append(violations, Violation{Rule: "command_stderr", Severity: "error", Message: line})
			}
		}
		var hints []string
		if stderr.Len() > 0 {
			hints = []string{"Review stderr output for failure details"}
		}
		verdict = NewFailingVerdict(score, violations, hints)
	}
	verdict.Validator = g.name
	return verdict, nil
}

// LastDiagnostics returns details of the most recent run. Not safe for
// concurrent validations.
func (g *CommandValidator) LastDiagnostics() *CommandDiagnostics {
	return g.lastDiagnostics
}

func parseLeadingScore(stdout string) (float64, bool) {
	line := strings.TrimSpace(stdout)
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = strings.TrimSpace(line[:idx])
	}
	if line == "" {
		return 0, false
	}
	score, err := strconv.ParseFloat(line, 64)
	if err != nil {
		return 0, false
	}
	return ClampScore(score), true
}
