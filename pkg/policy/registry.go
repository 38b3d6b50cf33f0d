package policy

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultPolicyID names the policy used when none is configured.
const DefaultPolicyID = "balanced"

// ErrPolicyNotFound is returned for unknown policy ids.
var ErrPolicyNotFound = errors.New("policy not found")

// Policy is a named threshold configuration.
type Policy struct {
	ID          string
	Description string
	Threshold   Threshold
}

// Registry holds named policies. Registration happens at startup.
type Registry struct {
	policies map[string]Policy
}

// NewRegistry returns a registry with the built-in policies.
func NewRegistry() *Registry {
	r := &Registry{
		policies: make(map[string]Policy),
	}

	// Register default policies
	r.mustRegister(Policy{
		ID:          "strict",
		Description: "barely relaxes the bar and grants no extra attempts",
		Threshold:   Threshold{Floor: 6, MaxRelaxation: 1, HighDifficulty: 0.8, ExtraAttempts: 0},
	})
	r.mustRegister(Policy{
		ID:          DefaultPolicyID,
		Description: "relaxes up to 2.5 points and adds an attempt for hard tasks",
		Threshold:   Threshold{Floor: 4, MaxRelaxation: 2.5, HighDifficulty: 0.7, ExtraAttempts: 1},
	})
	r.mustRegister(Policy{
		ID:          "lenient",
		Description: "relaxes up to 4 points and adds two attempts for hard tasks",
		Threshold:   Threshold{Floor: 3, MaxRelaxation: 4, HighDifficulty: 0.6, ExtraAttempts: 2},
	})

	return r
}

// Register adds or replaces a policy.
func (r *Registry) Register(p Policy) error {
	if p.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	if err := p.Threshold.Validate(); err != nil {
		return fmt.Errorf("policy %s: %w", p.ID, err)
	}
	r.policies[p.ID] = p
	return nil
}

func (r *Registry) mustRegister(p Policy) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Get returns the policy registered under id.
func (r *Registry) Get(id string) (Policy, error) {
	if id == "" {
		id = DefaultPolicyID
	}
	p, ok := r.policies[id]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, id)
	}
	return p, nil
}

// IDs returns the registered policy ids sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
