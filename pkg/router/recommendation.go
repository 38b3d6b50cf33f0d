// Package router picks an executor for a task, first from declared profiles
// and, once enough history exists, from the outcomes of similar past tasks.
package router

// Method names how a recommendation was produced.
type Method string

const (
	MethodRule Method = "rule"
	MethodKNN  Method = "knn"
)

// Alternative is a ranked candidate with a score in [0,1].
type Alternative struct {
	ExecutorID string  `json:"executor_id"`
	Score      float64 `json:"score"`
}

// Recommendation is the selection for one task.
type Recommendation struct {
	ExecutorID   string        `json:"executor_id"`
	Confidence   float64       `json:"confidence"`
	Method       Method        `json:"method"`
	Reasoning    string        `json:"reasoning"`
	Alternatives []Alternative `json:"alternatives,omitempty"`
	// Inconclusive is set when similarity search ran but its winner was too
	// weak to use.
	Inconclusive bool `json:"inconclusive,omitempty"`
	// Neighbors is the number of history records that voted.
	Neighbors int `json:"neighbors,omitempty"`
}

func clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
