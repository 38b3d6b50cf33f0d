package features

import (
	"reflect"
	"testing"
)

func TestExtractDeterministic(t *testing.T) {
	inputs := []string{
		"",
		"Calculate 2+2",
		"invest $5000 at 4% for 2 years",
		"Refactor the scheduler, then explain why the mutex contention drops; include a benchmark.",
		"```go\nfunc main() { fmt.Println(\"hi\") }\n```",
	}
	for _, in := range inputs {
		a := Extract(in)
		b := Extract(in)
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("extract not deterministic for %q", in)
		}
	}
}

func TestExtractFixedDimensions(t *testing.T) {
	for _, in := range []string{"", "a", "Summarize this long report about distributed database transactions and latency"} {
		f := Extract(in)
		if len(f.Vector) != Dimensions {
			t.Fatalf("expected %d dimensions, got %d", Dimensions, len(f.Vector))
		}
		for i, v := range f.Vector {
			if v < 0 || v > 1 {
				t.Fatalf("dimension %d out of range: %f", i, v)
			}
		}
		if f.Difficulty < 0 || f.Difficulty > 1 {
			t.Fatalf("difficulty out of range: %f", f.Difficulty)
		}
	}
}

func TestDifficultyGrowsWithComplexity(t *testing.T) {
	simple := Extract("Calculate 2+2")
	harder := Extract("Design a distributed transaction protocol for the database, explain the concurrency tradeoffs, " +
		"then analyze throughput and latency because the idempotent serialization layer must survive partitions; " +
		"compare two algorithm variants and derive their amortized cost.")

	if harder.Difficulty <= simple.Difficulty {
		t.Fatalf("expected harder task to score higher: simple=%.3f harder=%.3f", simple.Difficulty, harder.Difficulty)
	}
}

func TestExtractTagsAndKeywords(t *testing.T) {
	f := Extract("Calculate 2+2")
	if !f.HasTag("math") {
		t.Fatalf("expected math tag, got %v", f.Tags)
	}
	found := false
	for _, kw := range f.Keywords {
		if kw == "calculate" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected calculate keyword, got %v", f.Keywords)
	}
}

func TestNumbersDoNotSeparateSimilarTasks(t *testing.T) {
	a := Extract("invest $1000 at 5% for 3 years")
	b := Extract("invest $5000 at 4% for 2 years")
	c := Extract("write a poem about the ocean at night")

	near := Euclidean(a.Vector, b.Vector)
	far := Euclidean(a.Vector, c.Vector)
	if near >= far {
		t.Fatalf("expected similar tasks to be closer: near=%.3f far=%.3f", near, far)
	}
}

func TestEuclideanHandlesShortVectors(t *testing.T) {
	if d := Euclidean([]float64{1, 0}, []float64{1}); d != 0 {
		t.Fatalf("expected 0 distance, got %f", d)
	}
	if d := Euclidean([]float64{0, 3}, []float64{4}); d != 5 {
		t.Fatalf("expected 5, got %f", d)
	}
}
