package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/flowdispatch/pkg/evidence"
	"github.com/zen-systems/flowdispatch/pkg/executor"
	"github.com/zen-systems/flowdispatch/pkg/gate"
	"github.com/zen-systems/flowdispatch/pkg/history"
	"github.com/zen-systems/flowdispatch/pkg/metrics"
	"github.com/zen-systems/flowdispatch/pkg/registry"
)

const mathTask = "Calculate 2+2"

// scoreByAnswer scores answers from a fixed table; unknown answers score 0.
func scoreByAnswer(scores map[string]float64, passAt float64) gate.Validator {
	return gate.Func(func(_ context.Context, _ string, out *executor.Outcome) (*gate.Verdict, error) {
		s := scores[out.Answer]
		if s >= passAt {
			return gate.NewPassingVerdict(s), nil
		}
		return gate.NewFailingVerdict(s, []gate.Violation{{Rule: "score", Severity: "error", Message: "too low"}}, nil), nil
	})
}

type failingBackend struct{}

func (failingBackend) Load(context.Context) ([]history.Record, error) { return nil, nil }
func (failingBackend) Append(context.Context, history.Record) error {
	return errors.New("disk full")
}
func (failingBackend) Save(context.Context, []history.Record) error { return errors.New("disk full") }
func (failingBackend) Close() error                                { return nil }

type fixture struct {
	reg   *registry.Registry
	store *history.Store
}

func newFixture(t *testing.T, backend history.Backend) *fixture {
	t.Helper()
	return &fixture{reg: registry.New(), store: history.NewStore(backend)}
}

func (f *fixture) add(t *testing.T, id string, exec executor.Executor, tags ...string) {
	t.Helper()
	require.NoError(t, f.reg.Register(id, exec, registry.Profile{Tags: tags}))
}

func (f *fixture) controller(t *testing.T, v gate.Validator, cfg Config, opts ...Option) *Controller {
	t.Helper()
	c, err := New(f.reg, f.store, v, cfg, opts...)
	require.NoError(t, err)
	return c
}

func TestRunRetriesOnNextExecutor(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Static("5"), "math")
	f.add(t, "E2", executor.Static("4"), "writing")
	m := metrics.New(prometheus.NewRegistry())
	c := f.controller(t, scoreByAnswer(map[string]float64{"5": 3, "4": 9}, 6), DefaultConfig(), WithMetrics(m))

	res, err := c.Run(context.Background(), mathTask)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, ErrorKindNone, res.ErrorKind)
	assert.Equal(t, "4", res.Answer)
	assert.Equal(t, "E2", res.Metadata.FinalAgent)
	assert.Equal(t, 9.0, res.Metadata.FinalQuality)
	assert.Equal(t, 2, res.Metadata.Attempts)
	assert.Equal(t, 3, res.Metadata.MaxAttempts)
	require.Len(t, res.Metadata.AttemptLog, 2)
	assert.Equal(t, "E1", res.Metadata.AttemptLog[0].ExecutorID)
	assert.False(t, res.Metadata.AttemptLog[1].Reframed)

	assert.Equal(t, 2, f.store.Len())
	perf := c.GetPerformance()
	assert.Equal(t, int64(1), perf["E1"].Attempts)
	assert.Equal(t, int64(0), perf["E1"].Successes)
	assert.Equal(t, int64(1), perf["E2"].Successes)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Attempts.WithLabelValues("E1", "failed")))
}

func TestRunRecoversFromExecutionFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Failing(errors.New("connection reset")), "math")
	f.add(t, "E2", executor.Static("4"))
	c := f.controller(t, scoreByAnswer(map[string]float64{"4": 9}, 6), DefaultConfig())

	res, err := c.Run(context.Background(), mathTask)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "4", res.Answer)
	assert.Equal(t, "E2", res.Metadata.FinalAgent)
	assert.Equal(t, 2, res.Metadata.Attempts)
	require.Len(t, res.Metadata.AttemptLog, 2)
	assert.Contains(t, res.Metadata.AttemptLog[0].ExecError, "connection reset")

	require.Equal(t, 2, f.store.Len())
	records := f.store.AllRecords()
	assert.Equal(t, "E1", records[0].ExecutorID)
	assert.False(t, records[0].Success)
	assert.Equal(t, 0.0, records[0].QualityScore)
	assert.Equal(t, "E2", records[1].ExecutorID)
	assert.True(t, records[1].Success)
	assert.Equal(t, 9.0, records[1].QualityScore)
}

func TestRunTreatsExecutorPanicAsFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Func(func(context.Context, string) (*executor.Outcome, error) {
		panic("boom")
	}), "math")
	f.add(t, "E2", executor.Static("4"))
	c := f.controller(t, scoreByAnswer(map[string]float64{"4": 9}, 6), DefaultConfig())

	res, err := c.Run(context.Background(), mathTask)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "E2", res.Metadata.FinalAgent)
	assert.Contains(t, res.Metadata.AttemptLog[0].ExecError, "boom")
	assert.Equal(t, 2, f.store.Len())
}

func TestRunReturnsBestAnswerWhenQualityNotReached(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Static("three"), "math")
	f.add(t, "E2", executor.Static("tres"))
	c := f.controller(t, scoreByAnswer(map[string]float64{"three": 3, "tres": 3.5}, 6), DefaultConfig())

	res, err := c.Run(context.Background(), mathTask)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, ErrorKindQualityNotReached, res.ErrorKind)
	assert.Equal(t, "tres", res.Answer)
	assert.Equal(t, 3.5, res.Metadata.FinalQuality)
	assert.Equal(t, res.Metadata.MaxAttempts, res.Metadata.Attempts)
	assert.Equal(t, res.Metadata.Attempts, f.store.Len())
}

func TestRunNeverExceedsAttemptBudget(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Static("x"))
	cfg := DefaultConfig()
	cfg.BaseAttempts = 2
	cfg.Threshold.ExtraAttempts = 0
	c := f.controller(t, gate.Fixed(1, 6), cfg)

	for i := 0; i < 3; i++ {
		res, err := c.Run(context.Background(), mathTask)
		require.NoError(t, err)
		assert.Equal(t, 2, res.Metadata.Attempts)
	}
	assert.Equal(t, 6, f.store.Len())
}

func TestRunAllExecutorsFail(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Failing(errors.New("boom")))
	c := f.controller(t, gate.Fixed(10, 6), DefaultConfig())

	res, err := c.Run(context.Background(), mathTask)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, ErrorKindExecutionFailure, res.ErrorKind)
	assert.Empty(t, res.Answer)
	for _, a := range res.Metadata.AttemptLog {
		assert.Contains(t, a.ExecError, "boom")
		assert.Zero(t, a.Score)
	}
	assert.Equal(t, int64(0), c.GetPerformance()["E1"].Successes)
}

func TestRunValidatorErrorScoresZero(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Static("4"))
	cfg := DefaultConfig()
	cfg.BaseAttempts = 1
	v := gate.Func(func(context.Context, string, *executor.Outcome) (*gate.Verdict, error) {
		return nil, errors.New("judge offline")
	})
	c := f.controller(t, v, cfg)

	res, err := c.Run(context.Background(), mathTask)
	require.NoError(t, err)
	assert.Equal(t, ErrorKindQualityNotReached, res.ErrorKind)
	assert.Equal(t, "4", res.Answer)
	require.Len(t, res.Metadata.AttemptLog, 1)
	assert.Contains(t, res.Metadata.AttemptLog[0].Errors[0], "judge offline")
}

func TestRunCancelledBeforeStart(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Static("4"))
	c := f.controller(t, gate.Fixed(10, 6), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := c.Run(ctx, mathTask)
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, ErrorKindCancelled, res.ErrorKind)
	assert.Zero(t, res.Metadata.Attempts)
	assert.Zero(t, f.store.Len())
}

func TestRunCancelledDuringAttemptStillRecords(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.add(t, "E1", executor.Func(func(ctx context.Context, _ string) (*executor.Outcome, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	c := f.controller(t, gate.Fixed(10, 6), DefaultConfig())

	res, err := c.Run(ctx, mathTask)
	require.NoError(t, err)

	assert.Equal(t, ErrorKindCancelled, res.ErrorKind)
	assert.Equal(t, 1, res.Metadata.Attempts)
	assert.Equal(t, 1, f.store.Len())
}

func TestRunSurvivesStoreFailure(t *testing.T) {
	f := newFixture(t, failingBackend{})
	f.add(t, "E1", executor.Static("4"))
	c := f.controller(t, gate.Fixed(9, 6), DefaultConfig())

	res, err := c.Run(context.Background(), mathTask)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, ErrorKindStoreUnavailable, res.ErrorKind)
	assert.True(t, res.Metadata.StoreUnavailable)
	assert.Equal(t, "4", res.Answer)
	assert.Equal(t, 1, f.store.Len())
	assert.True(t, c.GetHistoryStats().Degraded)
}

func TestConcurrentRunsKeepCountersConsistent(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Static("ok"), "math")
	f.add(t, "E2", executor.Static("meh"))
	c := f.controller(t, scoreByAnswer(map[string]float64{"ok": 9, "meh": 2}, 6), DefaultConfig())

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := c.Run(context.Background(), mathTask)
			assert.NoError(t, err)
			assert.NotNil(t, res)
		}()
	}
	wg.Wait()

	var attempts int64
	for _, pc := range c.GetPerformance() {
		attempts += pc.Attempts
	}
	assert.Equal(t, int64(f.store.Len()), attempts)
	assert.Equal(t, f.store.Len(), c.GetHistoryStats().TotalRecords)

	ids := make(map[int64]bool)
	for _, r := range f.store.AllRecords() {
		assert.False(t, ids[r.ID], "duplicate record id %d", r.ID)
		ids[r.ID] = true
	}
}

func TestRunReframesAndEscalatesRepeatedAnswers(t *testing.T) {
	f := newFixture(t, nil)
	var mu sync.Mutex
	var inputs []string
	f.add(t, "E1", executor.Func(func(_ context.Context, task string) (*executor.Outcome, error) {
		mu.Lock()
		inputs = append(inputs, task)
		mu.Unlock()
		return &executor.Outcome{Answer: "same"}, nil
	}))
	c := f.controller(t, gate.Fixed(3, 6), DefaultConfig())

	res, err := c.Run(context.Background(), mathTask)
	require.NoError(t, err)
	require.Len(t, inputs, 3)

	assert.Equal(t, mathTask, inputs[0])
	assert.NotEqual(t, mathTask, inputs[1])
	assert.Contains(t, inputs[1], mathTask)
	assert.NotEqual(t, inputs[1], inputs[2])

	log := res.Metadata.AttemptLog
	assert.False(t, log[0].Reframed)
	assert.True(t, log[1].Reframed)
	assert.False(t, log[1].Escalated)
	assert.True(t, log[2].Escalated)
}

func TestRunTransitionsAreValid(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Static("5"), "math")
	f.add(t, "E2", executor.Static("4"))

	var mu sync.Mutex
	var seen []Transition
	c := f.controller(t, scoreByAnswer(map[string]float64{"4": 9}, 6), DefaultConfig(),
		WithObserver(func(tr Transition) {
			mu.Lock()
			seen = append(seen, tr)
			mu.Unlock()
		}))

	res, err := c.Run(context.Background(), mathTask)
	require.NoError(t, err)
	require.True(t, res.Success)

	require.NotEmpty(t, seen)
	assert.Equal(t, State(""), seen[0].From)
	for i, tr := range seen {
		assert.True(t, ValidTransition(tr.From, tr.To), "transition %d %s -> %s", i, tr.From, tr.To)
		if i > 0 {
			assert.Equal(t, seen[i-1].To, tr.From)
		}
		assert.Equal(t, res.Metadata.RunID, tr.RunID)
	}
	assert.Equal(t, StateAccepted, seen[len(seen)-1].To)
}

func TestRunStopsAtBudget(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Func(func(context.Context, string) (*executor.Outcome, error) {
		return &executor.Outcome{Answer: "x", CostUSD: 1}, nil
	}))
	cfg := DefaultConfig()
	cfg.BaseAttempts = 5
	cfg.MaxBudgetUSD = 1.5
	c := f.controller(t, gate.Fixed(2, 6), cfg)

	res, err := c.Run(context.Background(), mathTask)
	require.NoError(t, err)

	assert.Equal(t, ErrorKindBudgetExceeded, res.ErrorKind)
	assert.Equal(t, 2, res.Metadata.Attempts)
	assert.Equal(t, 2.0, res.Metadata.CostUSD)
	assert.Equal(t, "x", res.Answer)
}

func TestRunWritesEvidence(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Static("4"))
	w, err := evidence.NewWriter(t.TempDir(), true)
	require.NoError(t, err)
	c := f.controller(t, gate.Fixed(9, 6), DefaultConfig(), WithEvidence(w))

	res, err := c.Run(context.Background(), mathTask)
	require.NoError(t, err)

	dir := w.RunDir(res.Metadata.RunID)
	runJSON, err := os.ReadFile(filepath.Join(dir, "run.json"))
	require.NoError(t, err)
	assert.Contains(t, string(runJSON), mathTask)
	_, err = os.Stat(filepath.Join(dir, "attempts", "attempt-001.json"))
	assert.NoError(t, err)
}

func TestRunRejectsUnusableInput(t *testing.T) {
	f := newFixture(t, nil)
	c := f.controller(t, gate.Fixed(9, 6), DefaultConfig())

	_, err := c.Run(context.Background(), mathTask)
	assert.ErrorIs(t, err, ErrNoExecutors)

	f.add(t, "E1", executor.Static("4"))
	_, err = c.Run(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyTask)
	_, err = c.Recommend("")
	assert.ErrorIs(t, err, ErrEmptyTask)
}

func TestRecommendDoesNotRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "E1", executor.Static("4"), "math")
	f.add(t, "E2", executor.Static("4"), "writing")
	c := f.controller(t, gate.Fixed(9, 6), DefaultConfig())

	rec, err := c.Recommend(mathTask)
	require.NoError(t, err)
	assert.Equal(t, "E1", rec.ExecutorID)
	assert.Zero(t, f.store.Len())
	assert.NotEmpty(t, rec.Reasoning)
}

func TestNewValidatesDependencies(t *testing.T) {
	reg := registry.New()
	store := history.NewStore(nil)
	_, err := New(nil, store, gate.Fixed(1, 1), DefaultConfig())
	assert.Error(t, err)
	_, err = New(reg, nil, gate.Fixed(1, 1), DefaultConfig())
	assert.Error(t, err)
	_, err = New(reg, store, nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.Threshold.Floor = 11
	_, err = New(reg, store, gate.Fixed(1, 1), cfg)
	assert.Error(t, err)
}
