// Package features turns task text into a fixed-dimension numeric
// descriptor used both for rule scoring and for similarity search over
// dispatch history.
package features

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Layout of the feature vector. Every entry is normalized to [0,1].
const (
	DimLength = iota
	DimWords
	DimClauseDensity
	DimDigitRatio
	DimMathOperators
	DimQuestion
	DimCodeMarkup
	DimTechnical
	dimCategoryStart
)

// HashBuckets is the number of hashed bag-of-words dimensions.
const HashBuckets = 16

// Dimensions is the fixed vector length produced by Extract.
var Dimensions = dimCategoryStart + len(categories) + HashBuckets

// Category is a lexical task category.
type Category struct {
	Name     string
	Keywords []string
}

var categories = []Category{
	{Name: "math", Keywords: []string{"calculate", "calc", "compute", "equation", "formula", "sum", "multiply", "divide", "percent", "solve", "derive", "proof", "integral", "average"}},
	{Name: "finance", Keywords: []string{"invest", "interest", "loan", "mortgage", "rate", "compound", "return", "budget", "price", "tax", "savings", "dividend"}},
	{Name: "code", Keywords: []string{"code", "function", "implement", "bug", "debug", "refactor", "compile", "api", "struct", "class", "method", "test", "golang", "python"}},
	{Name: "research", Keywords: []string{"research", "find", "look up", "what is", "compare", "history", "source", "explain", "who"}},
	{Name: "writing", Keywords: []string{"write", "draft", "essay", "email", "letter", "story", "poem", "rewrite", "tone"}},
	{Name: "reasoning", Keywords: []string{"reason", "why", "step by step", "logic", "deduce", "infer", "plan", "analyze", "tradeoff", "prove"}},
	{Name: "summarize", Keywords: []string{"summarize", "summary", "tldr", "key points", "condense", "outline"}},
	{Name: "data", Keywords: []string{"data", "table", "csv", "json", "query", "sql", "dataset", "chart", "statistics"}},
}

var clauseMarkers = []string{",", ";", ":", " and ", " but ", " then ", " which ", " because ", " while ", " unless ", " if "}

var technicalLexicon = map[string]struct{}{
	"algorithm": {}, "concurrency": {}, "latency": {}, "throughput": {}, "distributed": {},
	"schema": {}, "protocol": {}, "kubernetes": {}, "database": {}, "goroutine": {},
	"mutex": {}, "eigenvalue": {}, "derivative": {}, "regression": {}, "amortized": {},
	"asymptotic": {}, "cryptographic": {}, "serialization": {}, "idempotent": {}, "transaction": {},
}

// TaskFeatures is the immutable descriptor of a single task.
type TaskFeatures struct {
	Vector     []float64 `json:"vector"`
	Difficulty float64   `json:"difficulty"`
	Tags       []string  `json:"tags,omitempty"`
	Keywords   []string  `json:"keywords,omitempty"`
}

// Extract computes the features of taskText. Identical input always yields
// identical output.
func Extract(taskText string) TaskFeatures {
	text := strings.TrimSpace(taskText)
	lower := strings.ToLower(text)
	tokens := tokenize(lower)

	vec := make([]float64, Dimensions)
	chars := len([]rune(text))
	words := len(tokens)

	vec[DimLength] = clamp01(float64(chars) / 600.0)
	vec[DimWords] = clamp01(float64(words) / 120.0)
	vec[DimClauseDensity] = clauseDensity(" "+lower+" ", words)
	vec[DimDigitRatio] = runeRatio(text, unicode.IsDigit)
	vec[DimMathOperators] = clamp01(runeRatio(text, isMathOperator) * 4)
	if strings.Contains(text, "?") {
		vec[DimQuestion] = 1
	}
	vec[DimCodeMarkup] = codeIndicator(text)
	vec[DimTechnical] = technicalRatio(tokens)

	var tags []string
	keywordSet := make(map[string]struct{})
	breadth := 0
	for i, cat := range categories {
		hits := 0
		for _, kw := range cat.Keywords {
			if containsKeyword(lower, kw) {
				hits++
				keywordSet[kw] = struct{}{}
			}
		}
		if hits > 0 {
			tags = append(tags, cat.Name)
			breadth++
		}
		vec[dimCategoryStart+i] = clamp01(float64(hits) / 3.0)
	}

	hashStart := dimCategoryStart + len(categories)
	buckets := hashTokens(tokens)
	copy(vec[hashStart:], buckets)

	for _, tok := range tokens {
		if len(tok) >= 3 && !isNumericToken(tok) {
			keywordSet[tok] = struct{}{}
		}
	}
	keywords := make([]string, 0, len(keywordSet))
	for kw := range keywordSet {
		keywords = append(keywords, kw)
	}
	sort.Strings(keywords)

	return TaskFeatures{
		Vector:     vec,
		Difficulty: difficulty(vec, breadth),
		Tags:       tags,
		Keywords:   keywords,
	}
}

// HasTag reports whether the features carry the given category tag.
func (f TaskFeatures) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Euclidean returns the distance between two feature vectors. Missing
// trailing dimensions count as zero so records written under an older
// schema stay comparable.
func Euclidean(a, b []float64) float64 {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		var x, y float64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		d := x - y
		sum += d * d
	}
	return math.Sqrt(sum)
}

func difficulty(vec []float64, breadth int) float64 {
	breadthSignal := clamp01(float64(breadth) / 3.0)
	d := 0.20*vec[DimLength] +
		0.15*vec[DimWords] +
		0.20*vec[DimClauseDensity] +
		0.20*vec[DimTechnical] +
		0.15*vec[DimCodeMarkup] +
		0.10*breadthSignal
	return clamp01(d)
}

func tokenize(lower string) []string {
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_')
	})
}

func clauseDensity(padded string, words int) float64 {
	if words == 0 {
		return 0
	}
	markers := 0
	for _, m := range clauseMarkers {
		markers += strings.Count(padded, m)
	}
	// One clause marker every four words saturates the signal.
	return clamp01(float64(markers) / float64(words) * 4)
}

func runeRatio(text string, pred func(rune) bool) float64 {
	total, hits := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if pred(r) {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func isMathOperator(r rune) bool {
	switch r {
	case '+', '-', '*', '/', '=', '^', '%', '<', '>':
		return true
	}
	return false
}

func codeIndicator(text string) float64 {
	signals := 0
	for _, marker := range []string{"```", "{", "}", "();", "=>", "func ", "def ", "</", "#include", "SELECT "} {
		if strings.Contains(text, marker) {
			signals++
		}
	}
	return clamp01(float64(signals) / 3.0)
}

func technicalRatio(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	hits := 0
	for _, tok := range tokens {
		if _, ok := technicalLexicon[tok]; ok {
			hits += 2
			continue
		}
		if len(tok) >= 11 || strings.Contains(tok, "_") {
			hits++
		}
	}
	return clamp01(float64(hits) / float64(len(tokens)) * 3)
}

// hashTokens maps digit-normalized tokens into HashBuckets buckets and
// L2-normalizes the result, so "invest 500" and "invest 9000" land in the
// same place.
func hashTokens(tokens []string) []float64 {
	buckets := make([]float64, HashBuckets)
	if len(tokens) == 0 {
		return buckets
	}
	for _, tok := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(normalizeDigits(tok)))
		buckets[h.Sum32()%HashBuckets]++
	}
	var norm float64
	for _, v := range buckets {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	for i := range buckets {
		buckets[i] /= norm
	}
	return buckets
}

func normalizeDigits(tok string) string {
	var sb strings.Builder
	lastDigit := false
	for _, r := range tok {
		if unicode.IsDigit(r) {
			if !lastDigit {
				sb.WriteByte('#')
			}
			lastDigit = true
			continue
		}
		lastDigit = false
		sb.WriteRune(r)
	}
	return sb.String()
}

func isNumericToken(tok string) bool {
	for _, r := range tok {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// containsKeyword checks for the keyword as a word or phrase with word
// boundaries on both sides.
func containsKeyword(text, keyword string) bool {
	offset := 0
	for {
		idx := strings.Index(text[offset:], keyword)
		if idx == -1 {
			return false
		}
		start := offset + idx
		end := start + len(keyword)
		before := start == 0 || !isWordChar(text[start-1])
		after := end >= len(text) || !isWordChar(text[end])
		if before && after {
			return true
		}
		offset = start + 1
	}
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}

func clamp01(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
