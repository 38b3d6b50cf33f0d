package registry

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Complexity is the task complexity an executor is built for.
type Complexity int

const (
	ComplexitySimple Complexity = iota
	ComplexityMedium
	ComplexityComplex
)

var complexityNames = []string{"simple", "medium", "complex"}

// Speed is an executor's declared latency class.
type Speed int

const (
	SpeedFast Speed = iota
	SpeedMedium
	SpeedSlow
)

var speedNames = []string{"fast", "medium", "slow"}

// QualityClass is an executor's declared answer quality tier.
type QualityClass int

const (
	QualityStandard QualityClass = iota
	QualityHigh
	QualityExtreme
)

var qualityNames = []string{"standard", "high", "extreme"}

// Profile declares an executor's capabilities.
type Profile struct {
	ID           string       `json:"id" yaml:"id"`
	Tags         []string     `json:"tags" yaml:"tags"`
	Complexity   Complexity   `json:"complexity" yaml:"complexity"`
	Speed        Speed        `json:"speed" yaml:"speed"`
	QualityClass QualityClass `json:"quality_class" yaml:"quality_class"`
}

func (c Complexity) String() string   { return enumName(complexityNames, int(c)) }
func (s Speed) String() string        { return enumName(speedNames, int(s)) }
func (q QualityClass) String() string { return enumName(qualityNames, int(q)) }

// ParseComplexity parses "simple", "medium" or "complex". Empty means medium.
func ParseComplexity(s string) (Complexity, error) {
	idx, err := parseEnum("complexity", complexityNames, s, int(ComplexityMedium))
	return Complexity(idx), err
}

// ParseSpeed parses "fast", "medium" or "slow". Empty means medium.
func ParseSpeed(s string) (Speed, error) {
	idx, err := parseEnum("speed", speedNames, s, int(SpeedMedium))
	return Speed(idx), err
}

// ParseQualityClass parses "standard", "high" or "extreme". Empty means standard.
func ParseQualityClass(s string) (QualityClass, error) {
	idx, err := parseEnum("quality class", qualityNames, s, int(QualityStandard))
	return QualityClass(idx), err
}

// MarshalText implements encoding.TextMarshaler.
func (c Complexity) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Complexity) UnmarshalText(b []byte) error {
	v, err := ParseComplexity(string(b))
	*c = v
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (s Speed) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Speed) UnmarshalText(b []byte) error {
	v, err := ParseSpeed(string(b))
	*s = v
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (q QualityClass) MarshalText() ([]byte, error) { return []byte(q.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (q *QualityClass) UnmarshalText(b []byte) error {
	v, err := ParseQualityClass(string(b))
	*q = v
	return err
}

// MarshalJSON renders the profile with normalized tags.
func (p Profile) MarshalJSON() ([]byte, error) {
	type alias Profile
	out := alias(p)
	if out.Tags == nil {
		out.Tags = []string{}
	}
	return json.Marshal(out)
}

func enumName(names []string, idx int) string {
	if idx < 0 || idx >= len(names) {
		return fmt.Sprintf("unknown(%d)", idx)
	}
	return names[idx]
}

func parseEnum(kind string, names []string, s string, def int) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return def, nil
	}
	for i, name := range names {
		if name == s {
			return i, nil
		}
	}
	return def, fmt.Errorf("unknown %s %q (want one of %s)", kind, s, strings.Join(names, ", "))
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
