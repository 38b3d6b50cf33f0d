package adapter

import "fmt"

// Credentials holds provider API keys.
type Credentials struct {
	Anthropic string
	OpenAI    string
	Google    string
	DeepSeek  string
}

// Has reports whether a key is configured for the named provider.
func (c Credentials) Has(name string) bool {
	switch name {
	case "anthropic":
		return c.Anthropic != ""
	case "openai":
		return c.OpenAI != ""
	case "google":
		return c.Google != ""
	case "deepseek":
		return c.DeepSeek != ""
	case "mock":
		return true
	default:
		return false
	}
}

// NewSet creates every adapter that has credentials, plus the mock adapter.
func NewSet(creds Credentials) (map[string]Adapter, error) {
	adapters := make(map[string]Adapter)

	if creds.Anthropic != "" {
		a, err := NewAnthropicAdapter(creds.Anthropic)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	}

	if creds.OpenAI != "" {
		a, err := NewOpenAIAdapter(creds.OpenAI)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters["openai"] = a
	}

	if creds.Google != "" {
		a, err := NewGoogleAdapter(creds.Google)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters["google"] = a
	}

	if creds.DeepSeek != "" {
		a, err := NewDeepSeekAdapter(creds.DeepSeek)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		adapters["deepseek"] = a
	}

	adapters["mock"] = NewMockAdapter()

	return adapters, nil
}
