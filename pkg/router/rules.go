package router

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/flowdispatch/pkg/features"
	"github.com/zen-systems/flowdispatch/pkg/registry"
)

// Rule score weights. The maximum total is 1.
const (
	tagWeight        = 0.55
	complexityWeight = 0.25
	maxSpeedFit      = 0.10
	minPrefixLen     = 3
)

var qualityBonus = map[registry.QualityClass]float64{
	registry.QualityStandard: 0,
	registry.QualityHigh:     0.05,
	registry.QualityExtreme:  0.10,
}

// RuleScorer ranks executors from their declared profiles alone.
type RuleScorer struct{}

// NewRuleScorer creates a rule scorer.
func NewRuleScorer() *RuleScorer {
	return &RuleScorer{}
}

// DifficultyBucket maps a difficulty estimate onto the profile complexity
// scale.
func DifficultyBucket(difficulty float64) registry.Complexity {
	switch {
	case difficulty < 0.34:
		return registry.ComplexitySimple
	case difficulty < 0.67:
		return registry.ComplexityMedium
	default:
		return registry.ComplexityComplex
	}
}

// Score ranks entries for the task, best first. Equal scores keep
// registration order. The result has one element per entry.
func (s *RuleScorer) Score(f features.TaskFeatures, entries []registry.Entry) []Alternative {
	ordered := append([]registry.Entry(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	// Speed shares the complexity scale: fast suits simple tasks and slow
	// suits complex ones.
	bucket := DifficultyBucket(f.Difficulty)
	out := make([]Alternative, len(ordered))
	for i, e := range ordered {
		score := tagWeight*tagOverlap(f, e.Profile.Tags) +
			complexityWeight*stepMatch(int(bucket), int(e.Profile.Complexity)) +
			maxSpeedFit*stepMatch(int(bucket), int(e.Profile.Speed)) +
			qualityBonus[e.Profile.QualityClass]
		out[i] = Alternative{ExecutorID: e.ID, Score: clamp01(score)}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Recommend returns the top rule pick among entries not in exclude. When
// every entry is excluded the exclusion is ignored.
func (s *RuleScorer) Recommend(f features.TaskFeatures, entries []registry.Entry, exclude map[string]bool) Recommendation {
	ranked := s.Score(f, entries)
	if len(ranked) == 0 {
		return Recommendation{Method: MethodRule, Reasoning: "no executors registered"}
	}

	candidates := make([]Alternative, 0, len(ranked))
	for _, alt := range ranked {
		if !exclude[alt.ExecutorID] {
			candidates = append(candidates, alt)
		}
	}
	if len(candidates) == 0 {
		candidates = ranked
	}

	top := candidates[0]
	second := 0.0
	if len(candidates) > 1 {
		second = candidates[1].Score
	}
	return Recommendation{
		ExecutorID:   top.ExecutorID,
		Confidence:   ruleConfidence(top.Score, second),
		Method:       MethodRule,
		Reasoning:    fmt.Sprintf("profile match score=%.2f runner_up=%.2f difficulty_bucket=%s", top.Score, second, DifficultyBucket(f.Difficulty)),
		Alternatives: append([]Alternative(nil), candidates[1:]...),
	}
}

// ruleConfidence rewards a clear winner more than a high absolute score.
func ruleConfidence(top, second float64) float64 {
	if top <= 0 {
		return 0
	}
	margin := (top - second) / top
	return clamp01(0.75*margin + 0.25*top)
}

// tagOverlap is the share of profile tags matched by the task. A tag
// matches a task category, an equal keyword, or a keyword it prefixes.
func tagOverlap(f features.TaskFeatures, tags []string) float64 {
	if len(tags) == 0 {
		return 0
	}
	matched := 0
	for _, tag := range tags {
		if tagMatches(f, strings.ToLower(tag)) {
			matched++
		}
	}
	return float64(matched) / float64(len(tags))
}

func tagMatches(f features.TaskFeatures, tag string) bool {
	if f.HasTag(tag) {
		return true
	}
	for _, kw := range f.Keywords {
		if kw == tag {
			return true
		}
		if len(tag) >= minPrefixLen && strings.HasPrefix(kw, tag) {
			return true
		}
	}
	return false
}

// stepMatch is 1 for equal positions on a three step scale, 0.5 for
// adjacent ones and 0 otherwise.
func stepMatch(a, b int) float64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	switch d {
	case 0:
		return 1
	case 1:
		return 0.5
	default:
		return 0
	}
}
