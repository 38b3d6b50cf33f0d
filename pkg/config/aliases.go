package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ModelAliases maps short model names to canonical provider models and
// lists the models each provider accepts.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases"`
	Providers map[string][]string `yaml:"providers"`
}

// LoadAliases reads models.yaml at path. A missing file yields the built-in
// aliases; entries in the file override built-in ones.
func LoadAliases(path string) (*ModelAliases, error) {
	aliases := DefaultAliases()
	if path == "" {
		return aliases, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return aliases, nil
	}
	if err != nil {
		return nil, err
	}

	var file ModelAliases
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for k, v := range file.Aliases {
		aliases.Aliases[k] = v
	}
	for p, models := range file.Providers {
		aliases.Providers[p] = models
	}
	return aliases, nil
}

// Resolve returns the canonical model for an alias, or the input unchanged.
func (a *ModelAliases) Resolve(modelOrAlias string) string {
	if a == nil {
		return modelOrAlias
	}
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// ValidateModel checks that model is listed for the provider. Providers
// without a model list accept anything.
func (a *ModelAliases) ValidateModel(provider, model string) error {
	if a == nil {
		return nil
	}
	models, ok := a.Providers[provider]
	if !ok {
		return nil
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("model %q not in %s provider list", model, provider)
}

// ProviderFor returns the provider listing model, or "".
func (a *ModelAliases) ProviderFor(model string) string {
	if a == nil {
		return ""
	}
	for _, p := range a.ProviderNames() {
		for _, m := range a.Providers[p] {
			if m == model {
				return p
			}
		}
	}
	return ""
}

// ProviderNames returns the provider names in sorted order.
func (a *ModelAliases) ProviderNames() []string {
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.Providers))
	for p := range a.Providers {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// ValidateExecutors checks the model of every adapter executor.
func (a *ModelAliases) ValidateExecutors(executors []ExecutorConfig) []error {
	var errs []error
	for _, e := range executors {
		if e.Kind != KindAdapter || e.Model == "" {
			continue
		}
		if err := a.ValidateModel(e.Adapter, a.Resolve(e.Model)); err != nil {
			errs = append(errs, fmt.Errorf("executor %q: %w", e.ID, err))
		}
	}
	return errs
}

// DefaultAliases returns the built-in aliases.
func DefaultAliases() *ModelAliases {
	return &ModelAliases{
		Aliases: map[string]string{
			"fast":       "gpt-4.1-mini",
			"thinking":   "o3",
			"quality":    "claude-sonnet-4-20250514",
			"deep":       "claude-opus-4-20250514",
			"research":   "gemini-2.5-pro",
			"cheap":      "deepseek-chat",
			"cheap-code": "deepseek-coder",
			"reason":     "deepseek-reasoner",
		},
		Providers: map[string][]string{
			"anthropic": {"claude-sonnet-4-20250514", "claude-opus-4-20250514"},
			"openai":    {"gpt-4.1", "gpt-4.1-mini", "o3"},
			"google":    {"gemini-2.5-pro", "gemini-2.5-flash"},
			"deepseek":  {"deepseek-chat", "deepseek-coder", "deepseek-reasoner"},
		},
	}
}
