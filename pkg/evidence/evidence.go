// Package evidence writes per-run bundles describing every dispatch attempt.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// RunRecord captures run-level metadata.
type RunRecord struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Task          string    `json:"task,omitempty"`
	TaskHash      string    `json:"task_hash"`
	Difficulty    float64   `json:"difficulty"`
	Threshold     float64   `json:"threshold"`
	MaxAttempts   int       `json:"max_attempts"`
	Success       bool      `json:"success"`
	ErrorKind     string    `json:"error_kind,omitempty"`
	FinalExecutor string    `json:"final_executor,omitempty"`
	FinalQuality  float64   `json:"final_quality"`
	DurationMs    int64     `json:"duration_ms"`
}

// AttemptRecord captures one execute/validate cycle.
type AttemptRecord struct {
	Attempt        int         `json:"attempt"`
	ExecutorID     string      `json:"executor_id"`
	Method         string      `json:"method"`
	Confidence     float64     `json:"confidence"`
	Reframed       bool        `json:"reframed,omitempty"`
	PromptHash     string      `json:"prompt_hash,omitempty"`
	Answer         string      `json:"answer,omitempty"`
	AnswerHash     string      `json:"answer_hash,omitempty"`
	Score          float64     `json:"score"`
	Passed         bool        `json:"passed"`
	Accepted       bool        `json:"accepted"`
	Errors         []string    `json:"errors,omitempty"`
	Violations     []Violation `json:"violations,omitempty"`
	ExecError      string      `json:"exec_error,omitempty"`
	DurationMillis int64       `json:"duration_ms"`
}

// Violation mirrors gate violation details.
type Violation struct {
	Rule       string `json:"rule"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// Bundle is everything written for one run.
type Bundle struct {
	Run      RunRecord
	Attempts []AttemptRecord
}

// Writer writes evidence bundles under baseDir/<run id>/.
type Writer struct {
	baseDir      string
	includeTexts bool
}

// NewWriter creates a writer rooted at baseDir. With includeTexts unset,
// task and answer bodies are stored as hashes only.
func NewWriter(baseDir string, includeTexts bool) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o700); err != nil {
		return nil, err
	}
	return &Writer{baseDir: baseDir, includeTexts: includeTexts}, nil
}

// RunDir returns the directory for runID.
func (w *Writer) RunDir(runID string) string {
	return filepath.Join(w.baseDir, runID)
}

// Write stores run.json and attempts/attempt-NNN.json for the bundle.
func (w *Writer) Write(b Bundle) error {
	if b.Run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	runDir := w.RunDir(b.Run.ID)
	attemptsDir := filepath.Join(runDir, "attempts")
	if err := os.MkdirAll(attemptsDir, 0o700); err != nil {
		return err
	}

	run := b.Run
	if run.TaskHash == "" {
		run.TaskHash = HashString(run.Task)
	}
	if !w.includeTexts {
		run.Task = ""
	}
	if err := writeJSON(filepath.Join(runDir, "run.json"), run); err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	for _, a := range b.Attempts {
		if a.AnswerHash == "" && a.Answer != "" {
			a.AnswerHash = HashString(a.Answer)
		}
		if !w.includeTexts {
			a.Answer = ""
		}
		path := filepath.Join(attemptsDir, fmt.Sprintf("attempt-%03d.json", a.Attempt))
		if err := writeJSON(path, a); err != nil {
			return fmt.Errorf("write attempt %d: %w", a.Attempt, err)
		}
	}
	return nil
}

// HashString returns the hex sha256 of s.
func HashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
