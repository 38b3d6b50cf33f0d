package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/flowdispatch/pkg/features"
)

type failingBackend struct {
	MemoryBackend
	appendErr error
	loadErr   error
	saveErr   error
}

func (f *failingBackend) Load(ctx context.Context) ([]Record, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.MemoryBackend.Load(ctx)
}

func (f *failingBackend) Append(ctx context.Context, r Record) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	return f.MemoryBackend.Append(ctx, r)
}

func (f *failingBackend) Save(ctx context.Context, records []Record) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	return f.MemoryBackend.Save(ctx, records)
}

func record(executorID string, score float64, success bool) Record {
	return Record{
		Features:     features.Extract("task for " + executorID),
		ExecutorID:   executorID,
		QualityScore: score,
		Success:      success,
		DurationMs:   10,
	}
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	first, err := s.Append(ctx, record("E1", 8, true))
	require.NoError(t, err)
	second, err := s.Append(ctx, record("E2", 3, false))
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, int64(2), second.ID)
	assert.NotEmpty(t, first.RunID)
	assert.False(t, first.Timestamp.IsZero())
	assert.Equal(t, 2, s.Len())
}

func TestAppendRejectsMissingExecutor(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Append(context.Background(), Record{QualityScore: 5})
	require.ErrorIs(t, err, ErrInvalidRecord)
	assert.Equal(t, 0, s.Len())
}

func TestAppendClampsQuality(t *testing.T) {
	s := NewStore(nil)
	r, err := s.Append(context.Background(), record("E1", 14, true))
	require.NoError(t, err)
	assert.Equal(t, 10.0, r.QualityScore)
}

func TestCountersMatchLogUnderConcurrentAppends(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	executors := []string{"E1", "E2", "E3"}

	var wg sync.WaitGroup
	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := executors[(w+i)%len(executors)]
				_, err := s.Append(ctx, record(id, float64(i%11), i%2 == 0))
				assert.NoError(t, err)
				_ = s.Performance()
			}
		}(w)
	}
	wg.Wait()

	records := s.AllRecords()
	require.Len(t, records, 600)

	want := make(map[string]PerformanceCounter)
	seen := make(map[int64]bool)
	for _, r := range records {
		require.False(t, seen[r.ID], "duplicate id %d", r.ID)
		seen[r.ID] = true
		c := want[r.ExecutorID]
		c.add(r)
		want[r.ExecutorID] = c
	}
	got := s.Performance()
	for id, c := range want {
		assert.Equal(t, c.Attempts, got[id].Attempts, id)
		assert.Equal(t, c.Successes, got[id].Successes, id)
		assert.InDelta(t, c.TotalQuality, got[id].TotalQuality, 1e-9, id)
		assert.Equal(t, c.TotalDurationMs, got[id].TotalDurationMs, id)
	}
}

func TestRecordsSince(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, record("E1", 5, true))
		require.NoError(t, err)
	}

	since := s.RecordsSince(3)
	require.Len(t, since, 2)
	assert.Equal(t, int64(4), since[0].ID)
	assert.Len(t, s.RecordsSince(0), 5)
	assert.Empty(t, s.RecordsSince(5))
}

func TestStatsSnapshot(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()
	_, _ = s.Append(ctx, Record{ExecutorID: "E1", QualityScore: 8, Success: true, DurationMs: 100})
	_, _ = s.Append(ctx, Record{ExecutorID: "E1", QualityScore: 4, Success: false, DurationMs: 300})
	_, _ = s.Append(ctx, Record{ExecutorID: "E2", QualityScore: 9, Success: true, DurationMs: 50})

	stats := s.StatsSnapshot()
	assert.Equal(t, 3, stats.TotalRecords)
	assert.InDelta(t, 2.0/3.0, stats.SuccessRate, 1e-9)
	e1 := stats.PerExecutor["E1"]
	assert.Equal(t, int64(2), e1.Attempts)
	assert.InDelta(t, 6.0, e1.AvgQuality, 1e-9)
	assert.InDelta(t, 200.0, e1.AvgDurationMs, 1e-9)
	assert.InDelta(t, 0.5, e1.SuccessRate, 1e-9)
	assert.False(t, stats.Degraded)
}

func TestAppendFailureDegradesButKeepsRecord(t *testing.T) {
	backend := &failingBackend{appendErr: errors.New("disk full")}
	s := NewStore(backend)
	ctx := context.Background()

	r, err := s.Append(ctx, record("E1", 7, true))
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, int64(1), r.ID)
	assert.Equal(t, 1, s.Len())
	assert.Error(t, s.Degraded())
	assert.Equal(t, int64(1), s.Performance()["E1"].Attempts)

	// Once degraded the backend is not written until a Save succeeds.
	backend.appendErr = nil
	_, err = s.Append(ctx, record("E1", 7, true))
	require.ErrorIs(t, err, ErrStoreUnavailable)
	persisted, _ := backend.MemoryBackend.Load(ctx)
	assert.Empty(t, persisted)

	require.NoError(t, s.Save(ctx))
	assert.NoError(t, s.Degraded())
	persisted, _ = backend.MemoryBackend.Load(ctx)
	assert.Len(t, persisted, 2)
}

func TestLoadFailureDegrades(t *testing.T) {
	s := NewStore(&failingBackend{loadErr: errors.New("permission denied")})
	err := s.Load(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Error(t, s.Degraded())
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.StatsSnapshot().Degraded)
}

func TestFileBackendMissingFileLoadsEmpty(t *testing.T) {
	s := NewStore(NewFileBackend(filepath.Join(t.TempDir(), "nested", "history.jsonl")))
	require.NoError(t, s.Load(context.Background()))
	assert.Equal(t, 0, s.Len())
	assert.NoError(t, s.Degraded())
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	testBackendRoundTrip(t, func() Backend { return NewFileBackend(path) })
}

func TestFileBackendDropsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	ctx := context.Background()
	s := NewStore(NewFileBackend(path))
	_, err := s.Append(ctx, record("E1", 6, true))
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":2,"executor_id":"E`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reloaded := NewStore(NewFileBackend(path))
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 1, reloaded.Len())
}

func TestFileBackendAppendAfterTornTailKeepsHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	ctx := context.Background()
	s := NewStore(NewFileBackend(path))
	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, record("E1", 6, true))
		require.NoError(t, err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":6,"executor_id":"E`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	restarted := NewStore(NewFileBackend(path))
	require.NoError(t, restarted.Load(ctx))
	r, err := restarted.Append(ctx, record("E2", 8, true))
	require.NoError(t, err)
	assert.Equal(t, int64(6), r.ID)

	reloaded := NewStore(NewFileBackend(path))
	require.NoError(t, reloaded.Load(ctx))
	require.Equal(t, 6, reloaded.Len())
	assert.Equal(t, "E2", reloaded.AllRecords()[5].ExecutorID)
}

func TestFileBackendTerminatesFinalRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	ctx := context.Background()
	require.NoError(t, os.WriteFile(path, []byte(`{"id":1,"executor_id":"E1"}`), 0o644))

	s := NewStore(NewFileBackend(path))
	require.NoError(t, s.Load(ctx))
	_, err := s.Append(ctx, record("E2", 7, true))
	require.NoError(t, err)

	reloaded := NewStore(NewFileBackend(path))
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, 2, reloaded.Len())
}

func TestSaveRefusesAfterFailedLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	ctx := context.Background()
	good := `{"id":1,"executor_id":"E1","quality_score":6}` + "\n"
	corrupt := []byte(good + "not json\n" + good)
	require.NoError(t, os.WriteFile(path, corrupt, 0o644))

	s := NewStore(NewFileBackend(path))
	require.ErrorIs(t, s.Load(ctx), ErrStoreUnavailable)
	_, err := s.Append(ctx, record("E1", 7, true))
	require.ErrorIs(t, err, ErrStoreUnavailable)

	require.ErrorIs(t, s.Save(ctx), ErrStoreUnavailable)
	onDisk, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, corrupt, onDisk)
	assert.Error(t, s.Degraded())
}

func TestSaveAllowedAgainAfterSuccessfulLoad(t *testing.T) {
	backend := &failingBackend{loadErr: errors.New("locked")}
	s := NewStore(backend)
	ctx := context.Background()
	require.ErrorIs(t, s.Load(ctx), ErrStoreUnavailable)
	require.ErrorIs(t, s.Save(ctx), ErrStoreUnavailable)

	backend.loadErr = nil
	require.NoError(t, s.Load(ctx))
	require.NoError(t, s.Save(ctx))
	assert.NoError(t, s.Degraded())
}

func TestFileBackendRejectsCorruptMiddle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"id\":1,\"executor_id\":\"E1\"}\n"), 0o644))

	s := NewStore(NewFileBackend(path))
	require.ErrorIs(t, s.Load(context.Background()), ErrStoreUnavailable)
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	testBackendRoundTrip(t, func() Backend {
		b, err := OpenSQLite(path)
		require.NoError(t, err)
		return b
	})
}

func testBackendRoundTrip(t *testing.T, open func() Backend) {
	t.Helper()
	ctx := context.Background()
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	backend := open()
	s := NewStore(backend, WithClock(func() time.Time { return clock }))
	require.NoError(t, s.Load(ctx))
	for i := 0; i < 4; i++ {
		_, err := s.Append(ctx, Record{
			RunID:        fmt.Sprintf("run-%d", i/2),
			Attempt:      i%2 + 1,
			Features:     features.Extract(fmt.Sprintf("invest $%d at 5%% for 2 years", 1000*(i+1))),
			ExecutorID:   fmt.Sprintf("E%d", i%2+1),
			QualityScore: float64(5 + i),
			Success:      i%2 == 1,
			DurationMs:   int64(100 * (i + 1)),
			Method:       "knn",
		})
		require.NoError(t, err)
	}
	require.NoError(t, backend.Close())

	reopened := open()
	defer reopened.Close()
	loaded := NewStore(reopened)
	require.NoError(t, loaded.Load(ctx))

	assert.Equal(t, s.AllRecords(), loaded.AllRecords())
	assert.Equal(t, s.Performance(), loaded.Performance())

	next, err := loaded.Append(ctx, record("E3", 9, true))
	require.NoError(t, err)
	assert.Equal(t, int64(5), next.ID)

	require.NoError(t, loaded.Save(ctx))
	again := NewStore(reopened)
	require.NoError(t, again.Load(ctx))
	assert.Equal(t, 5, again.Len())
}
