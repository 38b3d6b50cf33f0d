package dispatch

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/flowdispatch/pkg/evidence"
	"github.com/zen-systems/flowdispatch/pkg/executor"
	"github.com/zen-systems/flowdispatch/pkg/features"
	"github.com/zen-systems/flowdispatch/pkg/gate"
	"github.com/zen-systems/flowdispatch/pkg/repair"
	"github.com/zen-systems/flowdispatch/pkg/router"
)

// run is the mutable state of one Run call. It is owned by a single
// goroutine.
type run struct {
	id          string
	task        string
	features    features.TaskFeatures
	threshold   float64
	maxAttempts int
	started     time.Time

	state      State
	tried      map[string]bool
	triedOrder []string
	attempts   []Attempt
	answers    []string
	verdicts   []*gate.Verdict

	last      *previousAttempt
	repeating bool
	best      *bestAttempt
	accepted  string

	spent            float64
	budgetHit        bool
	storeUnavailable bool

	log      zerolog.Logger
	observer func(Transition)
}

type previousAttempt struct {
	answer  string
	verdict *gate.Verdict
}

type bestAttempt struct {
	answer   string
	score    float64
	executor string
	method   router.Method
}

func (r *run) to(attempt int, next State) {
	t := Transition{RunID: r.id, Attempt: attempt, From: r.state, To: next}
	r.state = next
	r.log.Trace().Int("attempt", attempt).Str("from", string(t.From)).Str("to", string(t.To)).Msg("state")
	if r.observer != nil {
		r.observer(t)
	}
}

// record folds a finished attempt into the run. produced is false when the
// executor failed to return an answer.
func (r *run) record(info Attempt, executorID string, out *executor.Outcome, verdict *gate.Verdict, produced bool) {
	r.attempts = append(r.attempts, info)
	r.verdicts = append(r.verdicts, verdict)
	if !r.tried[executorID] {
		r.tried[executorID] = true
		r.triedOrder = append(r.triedOrder, executorID)
	}

	answer := ""
	if produced {
		answer = out.Answer
		for _, prev := range r.answers {
			if repair.IsRepeat(prev, answer) {
				r.repeating = true
				break
			}
		}
		if r.best == nil || info.Score > r.best.score {
			r.best = &bestAttempt{answer: answer, score: info.Score, executor: executorID, method: info.Method}
		}
		if info.Accepted {
			r.accepted = answer
		}
	}
	r.answers = append(r.answers, answer)
	r.last = &previousAttempt{answer: answer, verdict: verdict}
}

func (r *run) result(now time.Time) *Result {
	res := &Result{
		Metadata: Metadata{
			RunID:            r.id,
			Attempts:         len(r.attempts),
			MaxAttempts:      r.maxAttempts,
			Threshold:        r.threshold,
			Difficulty:       r.features.Difficulty,
			DurationMs:       now.Sub(r.started).Milliseconds(),
			CostUSD:          r.spent,
			StoreUnavailable: r.storeUnavailable,
			AttemptLog:       append([]Attempt{}, r.attempts...),
		},
	}
	if n := len(r.attempts); n > 0 {
		res.Metadata.Method = r.attempts[n-1].Method
	}

	if r.state == StateAccepted {
		final := r.attempts[len(r.attempts)-1]
		res.Success = true
		res.Answer = r.accepted
		res.Metadata.FinalAgent = final.ExecutorID
		res.Metadata.FinalQuality = final.Score
		if r.storeUnavailable {
			res.ErrorKind = ErrorKindStoreUnavailable
		}
		return res
	}

	if r.best != nil {
		res.Answer = r.best.answer
		res.Metadata.FinalAgent = r.best.executor
		res.Metadata.FinalQuality = r.best.score
		res.Metadata.Method = r.best.method
	}
	switch {
	case r.state == StateCancelled:
		res.ErrorKind = ErrorKindCancelled
	case r.budgetHit:
		res.ErrorKind = ErrorKindBudgetExceeded
	case r.best == nil:
		res.ErrorKind = ErrorKindExecutionFailure
	default:
		res.ErrorKind = ErrorKindQualityNotReached
	}
	return res
}

func (r *run) bundle(res *Result) evidence.Bundle {
	b := evidence.Bundle{
		Run: evidence.RunRecord{
			ID:            r.id,
			Timestamp:     r.started.UTC(),
			Task:          r.task,
			Difficulty:    r.features.Difficulty,
			Threshold:     r.threshold,
			MaxAttempts:   r.maxAttempts,
			Success:       res.Success,
			ErrorKind:     string(res.ErrorKind),
			FinalExecutor: res.Metadata.FinalAgent,
			FinalQuality:  res.Metadata.FinalQuality,
			DurationMs:    res.Metadata.DurationMs,
		},
	}
	for i, a := range r.attempts {
		rec := evidence.AttemptRecord{
			Attempt:        a.Attempt,
			ExecutorID:     a.ExecutorID,
			Method:         string(a.Method),
			Confidence:     a.Confidence,
			Reframed:       a.Reframed,
			Answer:         r.answers[i],
			Score:          a.Score,
			Passed:         a.Passed,
			Accepted:       a.Accepted,
			Errors:         a.Errors,
			ExecError:      a.ExecError,
			DurationMillis: a.DurationMs,
		}
		if v := r.verdicts[i]; v != nil {
			for _, viol := range v.Violations {
				rec.Violations = append(rec.Violations, evidence.Violation{
					Rule:       viol.Rule,
					Severity:   viol.Severity,
					Message:    viol.Message,
					Suggestion: viol.Suggestion,
				})
			}
		}
		b.Attempts = append(b.Attempts, rec)
	}
	return b
}
