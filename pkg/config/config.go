// Package config loads the engine configuration and turns it into
// registered executors, a validator and a history backend.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/zen-systems/flowdispatch/pkg/adapter"
	"github.com/zen-systems/flowdispatch/pkg/executor"
	"github.com/zen-systems/flowdispatch/pkg/gate"
	"github.com/zen-systems/flowdispatch/pkg/logging"
	"github.com/zen-systems/flowdispatch/pkg/policy"
	"github.com/zen-systems/flowdispatch/pkg/registry"
)

// EnvPrefix prefixes environment overrides, e.g. FLOWDISPATCH_ENGINE_POLICY.
const EnvPrefix = "FLOWDISPATCH"

// keyDelimiter replaces viper's "." so model names such as gpt-4.1 survive
// as map keys.
const keyDelimiter = "::"

// Executor kinds.
const (
	KindAdapter = "adapter"
	KindRule    = "rule"
	KindStatic  = "static"
)

// Validator kinds.
const (
	ValidatorHeuristic = "heuristic"
	ValidatorCommand   = "command"
	ValidatorJudge     = "judge"
	ValidatorChain     = "chain"
)

// History backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config holds the application configuration.
type Config struct {
	Executors  []ExecutorConfig    `yaml:"executors" mapstructure:"executors"`
	Validator  ValidatorConfig     `yaml:"validator" mapstructure:"validator"`
	History    HistoryConfig       `yaml:"history" mapstructure:"history"`
	Engine     EngineConfig        `yaml:"engine" mapstructure:"engine"`
	Server     ServerConfig        `yaml:"server" mapstructure:"server"`
	Evidence   EvidenceConfig      `yaml:"evidence" mapstructure:"evidence"`
	Logging    logging.Config      `yaml:"logging" mapstructure:"logging"`
	Retry      adapter.RetryPolicy `yaml:"retry" mapstructure:"retry"`
	Pricing    adapter.Pricing     `yaml:"pricing,omitempty" mapstructure:"pricing"`
	ModelsFile string              `yaml:"models_file,omitempty" mapstructure:"models_file"`

	// Credentials come from the environment only.
	Credentials adapter.Credentials `yaml:"-" mapstructure:"-"`
	// Source is the config file that was read, if any.
	Source string `yaml:"-" mapstructure:"-"`
}

// ExecutorConfig declares one registered executor.
type ExecutorConfig struct {
	ID           string          `yaml:"id" mapstructure:"id"`
	Kind         string          `yaml:"kind" mapstructure:"kind"`
	Adapter      string          `yaml:"adapter,omitempty" mapstructure:"adapter"`
	Model        string          `yaml:"model,omitempty" mapstructure:"model"`
	SystemPrefix string          `yaml:"system_prefix,omitempty" mapstructure:"system_prefix"`
	Rules        []executor.Rule `yaml:"rules,omitempty" mapstructure:"rules"`
	Fallback     string          `yaml:"fallback,omitempty" mapstructure:"fallback"`
	Answer       string          `yaml:"answer,omitempty" mapstructure:"answer"`
	Profile      ProfileConfig   `yaml:"profile" mapstructure:"profile"`
}

// ProfileConfig is the textual form of registry.Profile.
type ProfileConfig struct {
	Tags         []string `yaml:"tags" mapstructure:"tags"`
	Complexity   string   `yaml:"complexity" mapstructure:"complexity"`
	Speed        string   `yaml:"speed" mapstructure:"speed"`
	QualityClass string   `yaml:"quality_class" mapstructure:"quality_class"`
}

// ValidatorConfig selects and tunes the answer validator.
type ValidatorConfig struct {
	Kind       string  `yaml:"kind" mapstructure:"kind"`
	PassScore  float64 `yaml:"pass_score,omitempty" mapstructure:"pass_score"`
	MinLength  int     `yaml:"min_length,omitempty" mapstructure:"min_length"`
	StopOnFail bool    `yaml:"stop_on_fail,omitempty" mapstructure:"stop_on_fail"`

	Command         []string               `yaml:"command,omitempty" mapstructure:"command"`
	Workdir         string                 `yaml:"workdir,omitempty" mapstructure:"workdir"`
	TimeoutMs       int                    `yaml:"timeout_ms,omitempty" mapstructure:"timeout_ms"`
	Capabilities    []string               `yaml:"capabilities,omitempty" mapstructure:"capabilities"`
	AllowedCommands []gate.CommandTemplate `yaml:"allowed_commands,omitempty" mapstructure:"allowed_commands"`

	Adapter string `yaml:"adapter,omitempty" mapstructure:"adapter"`
	Model   string `yaml:"model,omitempty" mapstructure:"model"`

	Chain []ValidatorConfig `yaml:"chain,omitempty" mapstructure:"chain"`
}

// HistoryConfig selects the record backend.
type HistoryConfig struct {
	Backend string `yaml:"backend" mapstructure:"backend"`
	Path    string `yaml:"path,omitempty" mapstructure:"path"`
}

// EngineConfig tunes the dispatch loop.
type EngineConfig struct {
	Policy         string        `yaml:"policy" mapstructure:"policy"`
	BaseThreshold  float64       `yaml:"base_threshold" mapstructure:"base_threshold"`
	BaseAttempts   int           `yaml:"base_attempts" mapstructure:"base_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
	MaxBudgetUSD   float64       `yaml:"max_budget_usd,omitempty" mapstructure:"max_budget_usd"`
	K              int           `yaml:"k" mapstructure:"k"`
	MinHistory     int           `yaml:"min_history" mapstructure:"min_history"`
	MinConfidence  float64       `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// EvidenceConfig enables per-run evidence bundles when Dir is set.
type EvidenceConfig struct {
	Dir          string `yaml:"dir,omitempty" mapstructure:"dir"`
	IncludeTexts bool   `yaml:"include_texts,omitempty" mapstructure:"include_texts"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	cfg := &Config{
		Executors: []ExecutorConfig{
			{
				ID: "claude-sonnet", Kind: KindAdapter, Adapter: "anthropic", Model: "quality",
				Profile: ProfileConfig{Tags: []string{"code", "reasoning", "writing"}, Complexity: "complex", Speed: "medium", QualityClass: "high"},
			},
			{
				ID: "gpt-fast", Kind: KindAdapter, Adapter: "openai", Model: "fast",
				Profile: ProfileConfig{Tags: []string{"summarize", "research", "writing"}, Complexity: "simple", Speed: "fast", QualityClass: "standard"},
			},
			{
				ID: "gemini-research", Kind: KindAdapter, Adapter: "google", Model: "research",
				Profile: ProfileConfig{Tags: []string{"research", "data"}, Complexity: "medium", Speed: "medium", QualityClass: "high"},
			},
			{
				ID: "deepseek-math", Kind: KindAdapter, Adapter: "deepseek", Model: "reason",
				Profile: ProfileConfig{Tags: []string{"math", "finance", "reasoning"}, Complexity: "complex", Speed: "slow", QualityClass: "high"},
			},
			{
				ID: "mock", Kind: KindAdapter, Adapter: "mock",
				Profile: ProfileConfig{Complexity: "simple", Speed: "fast", QualityClass: "standard"},
			},
		},
		Validator: ValidatorConfig{Kind: ValidatorHeuristic},
		History:   HistoryConfig{Backend: BackendFile},
		Engine:    EngineConfig{Policy: policy.DefaultPolicyID},
		Logging:   logging.DefaultConfig(),
	}
	applyDefaults(cfg)
	return cfg
}

// Dir returns ~/.flowdispatch.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".flowdispatch"), nil
}

// Load reads path, or ~/.flowdispatch/config.yaml when path is empty, and
// applies FLOWDISPATCH_ environment overrides. A missing default file yields
// the defaults; a missing explicit path is an error.
func Load(path string) (*Config, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		dir, err := Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to get config directory: %w", err)
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(dir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if !v.IsSet("executors") {
		cfg.Executors = DefaultConfig().Executors
	}
	cfg.Source = v.ConfigFileUsed()
	cfg.Credentials = credentialsFromEnv()
	applyDefaults(cfg)
	return cfg, nil
}

// WriteDefault writes the default configuration to path, creating parent
// directories. An existing file is left untouched unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks the configuration without building anything.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	if len(c.Executors) == 0 {
		errs = append(errs, errors.New("no executors configured"))
	}
	for i, e := range c.Executors {
		where := fmt.Sprintf("executors[%d]", i)
		if e.ID != "" {
			where = fmt.Sprintf("executor %q", e.ID)
		}
		if strings.TrimSpace(e.ID) == "" {
			errs = append(errs, fmt.Errorf("%s: id is required", where))
		} else if seen[e.ID] {
			errs = append(errs, fmt.Errorf("%s: duplicate id", where))
		}
		seen[e.ID] = true
		switch e.Kind {
		case KindAdapter:
			if e.Adapter == "" {
				errs = append(errs, fmt.Errorf("%s: adapter is required", where))
			}
		case KindRule:
			if len(e.Rules) == 0 && e.Fallback == "" {
				errs = append(errs, fmt.Errorf("%s: rules or fallback required", where))
			}
		case KindStatic:
		default:
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", where, e.Kind))
		}
		if _, err := e.Profile.toProfile(e.ID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
	}
	if err := c.Validator.validate(); err != nil {
		errs = append(errs, fmt.Errorf("validator: %w", err))
	}
	switch c.History.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite:
		if c.History.Path == "" {
			errs = append(errs, fmt.Errorf("history: path is required for %s backend", c.History.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("history: unknown backend %q", c.History.Backend))
	}
	if _, err := policy.NewRegistry().Get(c.Engine.Policy); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if c.Engine.BaseThreshold < 0 || c.Engine.BaseThreshold > 10 {
		errs = append(errs, fmt.Errorf("engine: base_threshold %.2f outside [0,10]", c.Engine.BaseThreshold))
	}
	return errors.Join(errs...)
}

func (v ValidatorConfig) validate() error {
	switch v.Kind {
	case ValidatorHeuristic:
	case ValidatorCommand:
		if len(v.Command) == 0 {
			return errors.New("command is required")
		}
	case ValidatorJudge:
		if v.Adapter == "" {
			return errors.New("judge adapter is required")
		}
	case ValidatorChain:
		if len(v.Chain) == 0 {
			return errors.New("chain needs at least one validator")
		}
		for i, member := range v.Chain {
			if err := member.validate(); err != nil {
				return fmt.Errorf("chain[%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown kind %q", v.Kind)
	}
	return nil
}

func (p ProfileConfig) toProfile(id string) (registry.Profile, error) {
	complexity, err := registry.ParseComplexity(p.Complexity)
	if err != nil {
		return registry.Profile{}, err
	}
	speed, err := registry.ParseSpeed(p.Speed)
	if err != nil {
		return registry.Profile{}, err
	}
	quality, err := registry.ParseQualityClass(p.QualityClass)
	if err != nil {
		return registry.Profile{}, err
	}
	return registry.Profile{ID: id, Tags: p.Tags, Complexity: complexity, Speed: speed, QualityClass: quality}, nil
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()
	v.SetDefault("validator::kind", def.Validator.Kind)
	v.SetDefault("history::backend", def.History.Backend)
	v.SetDefault("history::path", "")
	v.SetDefault("engine::policy", def.Engine.Policy)
	v.SetDefault("engine::base_threshold", def.Engine.BaseThreshold)
	v.SetDefault("engine::base_attempts", def.Engine.BaseAttempts)
	v.SetDefault("engine::attempt_timeout", def.Engine.AttemptTimeout)
	v.SetDefault("engine::max_budget_usd", def.Engine.MaxBudgetUSD)
	v.SetDefault("engine::k", def.Engine.K)
	v.SetDefault("engine::min_history", def.Engine.MinHistory)
	v.SetDefault("engine::min_confidence", def.Engine.MinConfidence)
	v.SetDefault("server::addr", def.Server.Addr)
	v.SetDefault("evidence::dir", "")
	v.SetDefault("evidence::include_texts", false)
	v.SetDefault("logging::level", def.Logging.Level)
	v.SetDefault("logging::format", string(def.Logging.Format))
	v.SetDefault("models_file", "")
	v.SetDefault("retry::max_retries", def.Retry.MaxRetries)
	v.SetDefault("retry::base_backoff_ms", def.Retry.BaseBackoffMs)
	v.SetDefault("retry::max_backoff_ms", def.Retry.MaxBackoffMs)
}

func applyDefaults(cfg *Config) {
	if cfg.Validator.Kind == "" {
		cfg.Validator.Kind = ValidatorHeuristic
	}
	if cfg.History.Backend == "" {
		cfg.History.Backend = BackendFile
	}
	if cfg.History.Path == "" && cfg.History.Backend != BackendMemory {
		name := "history.jsonl"
		if cfg.History.Backend == BackendSQLite {
			name = "history.db"
		}
		if dir, err := Dir(); err == nil {
			cfg.History.Path = filepath.Join(dir, name)
		}
	}
	if cfg.Engine.Policy == "" {
		cfg.Engine.Policy = policy.DefaultPolicyID
	}
	if cfg.Engine.BaseThreshold == 0 {
		cfg.Engine.BaseThreshold = 7
	}
	if cfg.Engine.BaseAttempts == 0 {
		cfg.Engine.BaseAttempts = 3
	}
	if cfg.Engine.AttemptTimeout == 0 {
		cfg.Engine.AttemptTimeout = 2 * time.Minute
	}
	if cfg.Engine.K == 0 {
		cfg.Engine.K = 5
	}
	if cfg.Engine.MinHistory == 0 {
		cfg.Engine.MinHistory = 8
	}
	if cfg.Engine.MinConfidence == 0 {
		cfg.Engine.MinConfidence = 0.3
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:8088"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = logging.FormatConsole
	}
	if cfg.Retry == (adapter.RetryPolicy{}) {
		cfg.Retry = adapter.DefaultRetryPolicy()
	}
	cfg.Retry = cfg.Retry.Normalize()
	if cfg.ModelsFile == "" {
		if dir, err := Dir(); err == nil {
			cfg.ModelsFile = filepath.Join(dir, "models.yaml")
		}
	}
	for i := range cfg.Executors {
		if cfg.Executors[i].Kind == "" {
			cfg.Executors[i].Kind = KindAdapter
		}
	}
}

// credentialsFromEnv reads API keys. Keys in config files are ignored.
func credentialsFromEnv() adapter.Credentials {
	return adapter.Credentials{
		Anthropic: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAI:    os.Getenv("OPENAI_API_KEY"),
		Google:    os.Getenv("GOOGLE_API_KEY"),
		DeepSeek:  os.Getenv("DEEPSEEK_API_KEY"),
	}
}
