// Package policy derives the quality bar and attempt budget for a task from
// its estimated difficulty.
package policy

import (
	"fmt"
	"math"

	"github.com/zen-systems/flowdispatch/pkg/features"
)

// Threshold relaxes the required quality for harder tasks, never below
// Floor, and grants ExtraAttempts once difficulty reaches HighDifficulty.
type Threshold struct {
	Floor          float64 `json:"floor" yaml:"floor" mapstructure:"floor"`
	MaxRelaxation  float64 `json:"max_relaxation" yaml:"max_relaxation" mapstructure:"max_relaxation"`
	HighDifficulty float64 `json:"high_difficulty" yaml:"high_difficulty" mapstructure:"high_difficulty"`
	ExtraAttempts  int     `json:"extra_attempts" yaml:"extra_attempts" mapstructure:"extra_attempts"`
}

// Validate checks the threshold parameters.
func (t Threshold) Validate() error {
	if t.Floor < 0 || t.Floor > 10 || math.IsNaN(t.Floor) {
		return fmt.Errorf("floor %.2f outside [0,10]", t.Floor)
	}
	if t.MaxRelaxation < 0 {
		return fmt.Errorf("max_relaxation must not be negative")
	}
	if t.HighDifficulty < 0 || t.HighDifficulty > 1 {
		return fmt.Errorf("high_difficulty %.2f outside [0,1]", t.HighDifficulty)
	}
	if t.ExtraAttempts < 0 {
		return fmt.Errorf("extra_attempts must not be negative")
	}
	if t.ExtraAttempts > 0 && t.HighDifficulty == 0 {
		return fmt.Errorf("extra_attempts needs a high_difficulty above 0")
	}
	return nil
}

// RequiredQuality returns the effective quality bar for the task. A base
// below Floor is raised to Floor.
func (t Threshold) RequiredQuality(f features.TaskFeatures, base float64) float64 {
	d := clamp(f.Difficulty, 0, 1)
	effective := base - d*t.MaxRelaxation
	if effective < t.Floor {
		effective = t.Floor
	}
	return clamp(effective, 0, 10)
}

// MaxAttempts returns the attempt budget for the task. The result is at
// least 1.
func (t Threshold) MaxAttempts(f features.TaskFeatures, base int) int {
	if base < 1 {
		base = 1
	}
	if f.Difficulty >= t.HighDifficulty && t.ExtraAttempts > 0 {
		return base + t.ExtraAttempts
	}
	return base
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
