package router

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/zen-systems/flowdispatch/pkg/features"
	"github.com/zen-systems/flowdispatch/pkg/history"
	"github.com/zen-systems/flowdispatch/pkg/registry"
)

// epsilon keeps the inverse-distance vote finite for exact matches.
const epsilon = 1e-3

// Options tune a single recommendation.
type Options struct {
	K             int      `json:"k" yaml:"k" mapstructure:"k"`
	MinHistory    int      `json:"min_history" yaml:"min_history" mapstructure:"min_history"`
	MinConfidence float64  `json:"min_confidence" yaml:"min_confidence" mapstructure:"min_confidence"`
	Exclude       []string `json:"exclude,omitempty" yaml:"-" mapstructure:"-"`
}

// DefaultOptions returns the recommendation defaults.
func DefaultOptions() Options {
	return Options{K: 5, MinHistory: 8, MinConfidence: 0.3}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.K <= 0 {
		o.K = def.K
	}
	if o.MinHistory < 0 {
		o.MinHistory = 0
	}
	if o.MinConfidence <= 0 {
		o.MinConfidence = def.MinConfidence
	}
	return o
}

// HistorySource is the read side of the history store.
type HistorySource interface {
	AllRecords() []history.Record
	Degraded() error
}

// Recommender selects executors by weighted vote among the k most similar
// history records, falling back to rule scoring when history cannot decide.
type Recommender struct {
	history  HistorySource
	registry *registry.Registry
	rules    *RuleScorer
	logger   zerolog.Logger
}

// Option configures a Recommender.
type Option func(*Recommender)

// WithLogger sets the recommender logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Recommender) { r.logger = l }
}

// NewRecommender creates a recommender over the given history and registry.
func NewRecommender(h HistorySource, reg *registry.Registry, opts ...Option) *Recommender {
	r := &Recommender{
		history:  h,
		registry: reg,
		rules:    NewRuleScorer(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Rules returns the fallback rule scorer.
func (r *Recommender) Rules() *RuleScorer { return r.rules }

// Recommend picks an executor for the task. It never fails; with an empty
// registry the recommendation has no executor id.
func (r *Recommender) Recommend(f features.TaskFeatures, opts Options) Recommendation {
	opts = opts.normalize()
	entries := r.registry.All()
	exclude := make(map[string]bool, len(opts.Exclude))
	for _, id := range opts.Exclude {
		exclude[id] = true
	}

	if r.history == nil {
		return r.ruleFallback(f, entries, exclude, "no history store")
	}
	if err := r.history.Degraded(); err != nil {
		return r.ruleFallback(f, entries, exclude, "history store degraded")
	}
	records := r.history.AllRecords()
	if len(records) < opts.MinHistory {
		return r.ruleFallback(f, entries, exclude,
			fmt.Sprintf("history has %d records, need %d", len(records), opts.MinHistory))
	}

	order := make(map[string]int, len(entries))
	for _, e := range entries {
		if !exclude[e.ID] {
			order[e.ID] = e.Order
		}
	}
	if len(order) == 0 {
		// Everything excluded: allow repeats.
		for _, e := range entries {
			order[e.ID] = e.Order
		}
	}

	nearest := kNearest(f.Vector, records, opts.K, func(id string) bool {
		_, ok := order[id]
		return ok
	})

	votes := make(map[string]float64)
	var total float64
	for _, n := range nearest {
		w := 1 / (n.distance + epsilon) * n.record.QualityScore
		if !n.record.Success {
			w *= 0.5
		}
		votes[n.record.ExecutorID] += w
		total += w
	}

	ranked := rankVotes(votes, order, total)
	if len(ranked) == 0 || total <= 0 {
		rec := r.ruleFallback(f, entries, exclude, fmt.Sprintf("%d neighbors cast no usable votes", len(nearest)))
		rec.Inconclusive = true
		rec.Neighbors = len(nearest)
		return rec
	}

	winner := ranked[0]
	if winner.Score < opts.MinConfidence {
		rec := r.rules.Recommend(f, entries, exclude)
		rec.Reasoning = fmt.Sprintf("similarity inconclusive (knn pick %s confidence=%.2f < %.2f); %s",
			winner.ExecutorID, winner.Score, opts.MinConfidence, rec.Reasoning)
		rec.Alternatives = ranked
		rec.Inconclusive = true
		rec.Neighbors = len(nearest)
		r.logger.Debug().Str("executor", rec.ExecutorID).Float64("knn_confidence", winner.Score).Msg("knn inconclusive, using rules")
		return rec
	}

	rec := Recommendation{
		ExecutorID:   winner.ExecutorID,
		Confidence:   winner.Score,
		Method:       MethodKNN,
		Reasoning:    fmt.Sprintf("%d of %d nearest records favor %s (share=%.2f)", countFor(nearest, winner.ExecutorID), len(nearest), winner.ExecutorID, winner.Score),
		Alternatives: ranked[1:],
		Neighbors:    len(nearest),
	}
	r.logger.Debug().Str("executor", rec.ExecutorID).Float64("confidence", rec.Confidence).Int("neighbors", rec.Neighbors).Msg("knn recommendation")
	return rec
}

func (r *Recommender) ruleFallback(f features.TaskFeatures, entries []registry.Entry, exclude map[string]bool, why string) Recommendation {
	rec := r.rules.Recommend(f, entries, exclude)
	rec.Reasoning = why + "; " + rec.Reasoning
	return rec
}

// rankVotes orders executors by vote share, ties by registration order.
func rankVotes(votes map[string]float64, order map[string]int, total float64) []Alternative {
	if total <= 0 {
		return nil
	}
	ranked := make([]Alternative, 0, len(votes))
	for id, w := range votes {
		ranked = append(ranked, Alternative{ExecutorID: id, Score: clamp01(w / total)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return order[ranked[i].ExecutorID] < order[ranked[j].ExecutorID]
	})
	return ranked
}

func countFor(nearest []neighbor, id string) int {
	n := 0
	for _, nb := range nearest {
		if nb.record.ExecutorID == id {
			n++
		}
	}
	return n
}

type neighbor struct {
	record   history.Record
	distance float64
}

// farther reports whether a ranks after b: larger distance, then larger id.
func farther(a, b neighbor) bool {
	if a.distance != b.distance {
		return a.distance > b.distance
	}
	return a.record.ID > b.record.ID
}

// neighborHeap is a max-heap on distance holding the current k nearest.
type neighborHeap []neighbor

func (h neighborHeap) Len() int           { return len(h) }
func (h neighborHeap) Less(i, j int) bool { return farther(h[i], h[j]) }
func (h neighborHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *neighborHeap) Push(x any) {
	*h = append(*h, x.(neighbor))
}

func (h *neighborHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// kNearest returns up to k eligible records closest to vec, nearest first.
func kNearest(vec []float64, records []history.Record, k int, eligible func(string) bool) []neighbor {
	if k <= 0 {
		return nil
	}
	h := make(neighborHeap, 0, k)
	for _, rec := range records {
		if !eligible(rec.ExecutorID) {
			continue
		}
		n := neighbor{record: rec, distance: features.Euclidean(vec, rec.Features.Vector)}
		if h.Len() < k {
			heap.Push(&h, n)
			continue
		}
		if farther(h[0], n) {
			h[0] = n
			heap.Fix(&h, 0)
		}
	}

	out := make([]neighbor, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(neighbor)
	}
	return out
}
