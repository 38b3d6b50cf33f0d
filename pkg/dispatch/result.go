package dispatch

import "github.com/zen-systems/flowdispatch/pkg/router"

// ErrorKind classifies why a run did not produce a clean success.
type ErrorKind string

const (
	// ErrorKindNone marks a clean success.
	ErrorKindNone ErrorKind = ""
	// ErrorKindExecutionFailure means no attempt produced an answer.
	ErrorKindExecutionFailure ErrorKind = "execution_failure"
	// ErrorKindQualityNotReached means attempts ran out below the threshold.
	ErrorKindQualityNotReached ErrorKind = "quality_not_reached"
	// ErrorKindStoreUnavailable accompanies an accepted answer whose history
	// could not be persisted.
	ErrorKindStoreUnavailable ErrorKind = "store_unavailable"
	// ErrorKindCancelled means the context ended before an answer was
	// accepted.
	ErrorKindCancelled ErrorKind = "cancelled"
	// ErrorKindBudgetExceeded means the run's cost budget ran out.
	ErrorKindBudgetExceeded ErrorKind = "budget_exceeded"
)

// Result is the outcome of one Run. Answer carries the accepted answer or,
// on failure, the best answer any attempt produced.
type Result struct {
	Answer    string    `json:"answer"`
	Success   bool      `json:"success"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Metadata  Metadata  `json:"metadata"`
}

// Metadata explains how a run reached its result.
type Metadata struct {
	RunID            string        `json:"run_id"`
	FinalAgent       string        `json:"final_agent,omitempty"`
	FinalQuality     float64       `json:"final_quality"`
	Method           router.Method `json:"method,omitempty"`
	Attempts         int           `json:"attempts"`
	MaxAttempts      int           `json:"max_attempts"`
	Threshold        float64       `json:"threshold"`
	Difficulty       float64       `json:"difficulty"`
	DurationMs       int64         `json:"duration_ms"`
	CostUSD          float64       `json:"cost_usd,omitempty"`
	StoreUnavailable bool          `json:"store_unavailable,omitempty"`
	AttemptLog       []Attempt     `json:"attempt_log"`
}

// Attempt summarizes one execute/validate cycle.
type Attempt struct {
	Attempt    int           `json:"attempt"`
	ExecutorID string        `json:"executor_id"`
	Method     router.Method `json:"method"`
	Confidence float64       `json:"confidence"`
	Reframed   bool          `json:"reframed,omitempty"`
	Escalated  bool          `json:"escalated,omitempty"`
	Score      float64       `json:"score"`
	Passed     bool          `json:"passed"`
	Accepted   bool          `json:"accepted"`
	Errors     []string      `json:"errors,omitempty"`
	ExecError  string        `json:"exec_error,omitempty"`
	DurationMs int64         `json:"duration_ms"`
	RecordID   int64         `json:"record_id,omitempty"`
}
