package history

import (
	"context"
	"sync"
)

// Backend persists the record log. Implementations need not be safe for
// concurrent use; the Store serializes every call.
type Backend interface {
	// Load returns every persisted record in append order. A missing store
	// yields no records and no error.
	Load(ctx context.Context) ([]Record, error)
	// Append durably adds one record.
	Append(ctx context.Context, r Record) error
	// Save replaces the persisted log with records.
	Save(ctx context.Context, records []Record) error
	Close() error
}

// MemoryBackend keeps records in process memory only.
type MemoryBackend struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (m *MemoryBackend) Load(context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.records...), nil
}

func (m *MemoryBackend) Append(_ context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

func (m *MemoryBackend) Save(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append([]Record(nil), records...)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
