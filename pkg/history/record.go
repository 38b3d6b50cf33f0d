// Package history is the dispatch engine's learning store: an append-only
// log of finished attempts plus per-executor performance counters derived
// from it.
package history

import (
	"time"

	"github.com/zen-systems/flowdispatch/pkg/features"
)

// Record is one finished dispatch attempt. Records are never mutated after
// the store assigns their ID.
type Record struct {
	ID           int64                 `json:"id"`
	RunID        string                `json:"run_id"`
	Attempt      int                   `json:"attempt"`
	Features     features.TaskFeatures `json:"features"`
	ExecutorID   string                `json:"executor_id"`
	QualityScore float64               `json:"quality_score"`
	Success      bool                  `json:"success"`
	DurationMs   int64                 `json:"duration_ms"`
	Method       string                `json:"method,omitempty"`
	Timestamp    time.Time             `json:"timestamp"`
}

// PerformanceCounter aggregates the records of one executor.
type PerformanceCounter struct {
	Attempts        int64   `json:"attempts"`
	Successes       int64   `json:"successes"`
	TotalQuality    float64 `json:"total_quality"`
	TotalDurationMs int64   `json:"total_duration_ms"`
}

func (c *PerformanceCounter) add(r Record) {
	c.Attempts++
	if r.Success {
		c.Successes++
	}
	c.TotalQuality += r.QualityScore
	c.TotalDurationMs += r.DurationMs
}

// AvgQuality returns the mean quality score, or 0 without attempts.
func (c PerformanceCounter) AvgQuality() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return c.TotalQuality / float64(c.Attempts)
}

// AvgDurationMs returns the mean attempt duration, or 0 without attempts.
func (c PerformanceCounter) AvgDurationMs() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return float64(c.TotalDurationMs) / float64(c.Attempts)
}

// SuccessRate returns successes over attempts, or 0 without attempts.
func (c PerformanceCounter) SuccessRate() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return float64(c.Successes) / float64(c.Attempts)
}

// ExecutorStats is the reporting view of a PerformanceCounter.
type ExecutorStats struct {
	Attempts      int64   `json:"attempts"`
	Successes     int64   `json:"successes"`
	SuccessRate   float64 `json:"success_rate"`
	AvgQuality    float64 `json:"avg_quality"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Stats summarizes the whole log.
type Stats struct {
	TotalRecords int                      `json:"total_records"`
	SuccessRate  float64                  `json:"success_rate"`
	PerExecutor  map[string]ExecutorStats `json:"per_executor"`
	Degraded     bool                     `json:"degraded"`
}
