package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrStoreUnavailable marks a persistence failure. The store keeps
	// working in memory after returning it.
	ErrStoreUnavailable = errors.New("history store unavailable")

	// ErrInvalidRecord is returned for records without an executor id.
	ErrInvalidRecord = errors.New("invalid history record")
)

// Store is the shared, append-only record log. Appends are serialized under
// a write lock that also covers the counter update, so counters never drift
// from the log. Readers receive copies.
type Store struct {
	mu       sync.RWMutex
	backend  Backend
	records  []Record
	counters map[string]*PerformanceCounter
	lastID   int64
	degraded error
	// loadErr is set while the backend holds records this store never read.
	loadErr error

	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store persisting through backend. A nil backend
// keeps records in memory only.
func NewStore(backend Backend, opts ...Option) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	s := &Store{
		backend:  backend,
		counters: make(map[string]*PerformanceCounter),
		now:      time.Now,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the in-memory log with the backend contents. A missing store
// loads as empty. On failure the store stays empty and degraded.
func (s *Store) Load(ctx context.Context) error {
	records, err := s.backend.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.degraded = err
		s.loadErr = err
		s.logger.Warn().Err(err).Msg("history load failed, continuing in memory")
		return fmt.Errorf("%w: load: %w", ErrStoreUnavailable, err)
	}

	s.records = nil
	s.counters = make(map[string]*PerformanceCounter)
	s.lastID = 0
	for _, r := range records {
		s.apply(r)
	}
	s.degraded = nil
	s.loadErr = nil
	s.logger.Debug().Int("records", len(records)).Msg("history loaded")
	return nil
}

// Append assigns the record its id and timestamp, persists it, and adds it
// to the log and counters. A persistence failure still keeps the record in
// memory; the store is then degraded and stops writing to the backend until
// a successful Save.
func (s *Store) Append(ctx context.Context, r Record) (Record, error) {
	if r.ExecutorID == "" {
		return Record{}, fmt.Errorf("%w: executor id is required", ErrInvalidRecord)
	}
	r.QualityScore = clampQuality(r.QualityScore)
	if r.DurationMs < 0 {
		r.DurationMs = 0
	}
	if r.RunID == "" {
		r.RunID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = s.lastID + 1
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now().UTC()
	}

	var persistErr error
	if s.degraded != nil {
		persistErr = fmt.Errorf("%w: degraded: %w", ErrStoreUnavailable, s.degraded)
	} else if err := s.backend.Append(ctx, r); err != nil {
		s.degraded = err
		persistErr = fmt.Errorf("%w: append: %w", ErrStoreUnavailable, err)
		s.logger.Warn().Err(err).Int64("record_id", r.ID).Msg("history append failed, continuing in memory")
	}

	s.apply(r)
	return r, persistErr
}

// Save rewrites the backend with the full in-memory log and clears the
// degraded state on success. After a failed Load it refuses, since the
// backend may hold records the log is missing; a successful Load lifts
// the refusal.
func (s *Store) Save(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loadErr != nil {
		return fmt.Errorf("%w: not overwriting history that failed to load: %w", ErrStoreUnavailable, s.loadErr)
	}
	if err := s.backend.Save(ctx, s.records); err != nil {
		s.degraded = err
		return fmt.Errorf("%w: save: %w", ErrStoreUnavailable, err)
	}
	s.degraded = nil
	return nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// Degraded returns the persistence failure that put the store in memory-only
// mode, or nil.
func (s *Store) Degraded() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// AllRecords returns a copy of the log in append order. Feature vectors are
// shared with the store and must not be modified.
func (s *Store) AllRecords() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records...)
}

// RecordsSince returns records whose id is greater than id.
func (s *Store) RecordsSince(id int64) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// IDs ascend in log order.
	start := len(s.records)
	for start > 0 && s.records[start-1].ID > id {
		start--
	}
	return append([]Record(nil), s.records[start:]...)
}

// Performance returns a copy of the per-executor counters.
func (s *Store) Performance() map[string]PerformanceCounter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]PerformanceCounter, len(s.counters))
	for id, c := range s.counters {
		out[id] = *c
	}
	return out
}

// StatsSnapshot summarizes the current log.
func (s *Store) StatsSnapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalRecords: len(s.records),
		PerExecutor:  make(map[string]ExecutorStats, len(s.counters)),
		Degraded:     s.degraded != nil,
	}
	var successes int64
	for id, c := range s.counters {
		successes += c.Successes
		stats.PerExecutor[id] = ExecutorStats{
			Attempts:      c.Attempts,
			Successes:     c.Successes,
			SuccessRate:   c.SuccessRate(),
			AvgQuality:    c.AvgQuality(),
			AvgDurationMs: c.AvgDurationMs(),
		}
	}
	if stats.TotalRecords > 0 {
		stats.SuccessRate = float64(successes) / float64(stats.TotalRecords)
	}
	return stats
}

// apply adds r to the log and counters. Callers hold the write lock.
func (s *Store) apply(r Record) {
	s.records = append(s.records, r)
	c, ok := s.counters[r.ExecutorID]
	if !ok {
		c = &PerformanceCounter{}
		s.counters[r.ExecutorID] = c
	}
	c.add(r)
	if r.ID > s.lastID {
		s.lastID = r.ID
	}
}

func clampQuality(q float64) float64 {
	if math.IsNaN(q) || q < 0 {
		return 0
	}
	if q > 10 {
		return 10
	}
	return q
}
