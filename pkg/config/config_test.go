package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/zen-systems/flowdispatch/pkg/adapter"
	"github.com/zen-systems/flowdispatch/pkg/gate"
	"github.com/zen-systems/flowdispatch/pkg/registry"
)

const sampleConfig = `
executors:
  - id: calc
    kind: rule
    rules:
      - triggers: ["calculate"]
        answer: "42"
    profile:
      tags: [math]
      complexity: simple
      speed: fast
  - id: echo
    kind: static
    answer: "pong"
  - id: claude
    kind: adapter
    adapter: anthropic
    model: quality
    profile:
      quality_class: high
validator:
  kind: chain
  chain:
    - kind: heuristic
      pass_score: 7
    - kind: command
      command: ["sh", "check.sh"]
      capabilities: [shell_check]
history:
  backend: memory
engine:
  policy: strict
  attempt_timeout: 30s
pricing:
  openai:
    gpt-4.1:
      prompt_per_1k: 0.002
      completion_per_1k: 0.008
`

func TestLoadReadsFileAndDefaults(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	path := writeConfig(t, sampleConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source != path {
		t.Fatalf("expected source %s, got %s", path, cfg.Source)
	}
	if len(cfg.Executors) != 3 {
		t.Fatalf("expected 3 executors, got %d", len(cfg.Executors))
	}
	if cfg.Executors[0].Rules[0].Answer != "42" {
		t.Fatalf("unexpected rules %+v", cfg.Executors[0].Rules)
	}
	if cfg.Engine.Policy != "strict" || cfg.Engine.AttemptTimeout != 30*time.Second {
		t.Fatalf("unexpected engine %+v", cfg.Engine)
	}
	if cfg.Engine.BaseAttempts != 3 || cfg.Engine.BaseThreshold != 7 {
		t.Fatalf("expected engine defaults, got %+v", cfg.Engine)
	}
	if p, ok := cfg.Pricing["openai"]["gpt-4.1"]; !ok || p.CompletionPer1K != 0.008 {
		t.Fatalf("expected dotted model key to survive, got %+v", cfg.Pricing)
	}
	if cfg.Retry.MaxRetries != 2 {
		t.Fatalf("expected retry defaults, got %+v", cfg.Retry)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	path := writeConfig(t, sampleConfig)
	t.Setenv("FLOWDISPATCH_ENGINE_POLICY", "lenient")
	t.Setenv("FLOWDISPATCH_SERVER_ADDR", ":9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.Policy != "lenient" {
		t.Fatalf("expected env policy, got %s", cfg.Engine.Policy)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("expected env addr, got %s", cfg.Server.Addr)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Source != "" {
		t.Fatalf("expected no source, got %s", cfg.Source)
	}
	if len(cfg.Executors) != len(DefaultConfig().Executors) {
		t.Fatalf("expected default executors")
	}
	if cfg.History.Path != filepath.Join(home, ".flowdispatch", "history.jsonl") {
		t.Fatalf("unexpected history path %s", cfg.History.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}

func TestConfigIgnoresFileAPIKeys(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	path := writeConfig(t, "api_keys:\n  anthropic: file-ant\n")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "env-openai")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Credentials.Anthropic != "" {
		t.Fatalf("expected file API key to be ignored")
	}
	if cfg.Credentials.OpenAI != "env-openai" {
		t.Fatalf("expected env API key to be used")
	}
}

func TestWriteDefaultRoundTrips(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	path := filepath.Join(t.TempDir(), "cfg", "config.yaml")
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("write default: %v", err)
	}
	if err := WriteDefault(path, false); err == nil {
		t.Fatalf("expected refusal to overwrite")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	def := DefaultConfig()
	if len(cfg.Executors) != len(def.Executors) || cfg.Engine.AttemptTimeout != def.Engine.AttemptTimeout {
		t.Fatalf("round trip mismatch: %+v", cfg.Engine)
	}
}

func TestValidateReportsProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Executors = append(cfg.Executors,
		ExecutorConfig{ID: "mock", Kind: KindStatic},
		ExecutorConfig{ID: "bad", Kind: "telepathy"},
		ExecutorConfig{ID: "slowpoke", Kind: KindStatic, Profile: ProfileConfig{Speed: "glacial"}},
	)
	cfg.Validator = ValidatorConfig{Kind: ValidatorCommand}
	cfg.History.Backend = "tape"
	cfg.Engine.Policy = "yolo"

	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"duplicate id", "telepathy", "glacial", "command is required", "tape", "yolo"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %q in %v", want, err)
		}
	}
}

func TestBuildRegistrySkipsMissingCredentials(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	adapters, err := adapter.NewSet(adapter.Credentials{})
	if err != nil {
		t.Fatalf("adapters: %v", err)
	}

	reg, skipped, err := cfg.BuildRegistry(adapters, DefaultAliases(), zerolog.Nop())
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	if len(skipped) != 1 || skipped[0] != "claude" {
		t.Fatalf("expected claude skipped, got %v", skipped)
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 executors, got %d", reg.Len())
	}
	calc, err := reg.Get("calc")
	if err != nil {
		t.Fatalf("get calc: %v", err)
	}
	if calc.Profile.Complexity != registry.ComplexitySimple || calc.Profile.Speed != registry.SpeedFast {
		t.Fatalf("unexpected profile %+v", calc.Profile)
	}
	out, err := calc.Executor.Execute(context.Background(), "calculate the answer")
	if err != nil || out.Answer != "42" {
		t.Fatalf("unexpected rule output %v %v", out, err)
	}
}

func TestBuildRegistryNothingUsable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Executors = []ExecutorConfig{{ID: "x", Kind: KindAdapter, Adapter: "openai"}}
	_, _, err := cfg.BuildRegistry(map[string]adapter.Adapter{}, nil, zerolog.Nop())
	if !errors.Is(err, ErrNoUsableExecutors) {
		t.Fatalf("expected no usable executors, got %v", err)
	}
}

func TestBuildValidatorChain(t *testing.T) {
	setHomeEnv(t, t.TempDir())
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	v, unknown, err := cfg.BuildValidator(nil, nil)
	if err != nil {
		t.Fatalf("build validator: %v", err)
	}
	if len(unknown) != 0 {
		t.Fatalf("unexpected unknown capabilities %v", unknown)
	}
	if _, ok := v.(*gate.Chain); !ok {
		t.Fatalf("expected chain, got %T", v)
	}
	if v.Name() != "heuristic+sh" {
		t.Fatalf("unexpected chain name %s", v.Name())
	}
}

func TestBuildValidatorRejectsDisallowedCommand(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Validator = ValidatorConfig{Kind: ValidatorCommand, Command: []string{"rm", "-rf", "x"}, Capabilities: []string{"python_check", "teleport"}}
	_, unknown, err := cfg.BuildValidator(nil, nil)
	if err == nil {
		t.Fatalf("expected policy rejection")
	}
	if len(unknown) != 1 || unknown[0] != "teleport" {
		t.Fatalf("expected unknown capability, got %v", unknown)
	}
}

func TestBuildValidatorJudgeNeedsAdapter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Validator = ValidatorConfig{Kind: ValidatorJudge, Adapter: "anthropic"}
	if _, _, err := cfg.BuildValidator(map[string]adapter.Adapter{}, nil); err == nil {
		t.Fatalf("expected missing adapter error")
	}
	adapters := map[string]adapter.Adapter{"mock": adapter.NewMockAdapter()}
	cfg.Validator.Adapter = "mock"
	if _, _, err := cfg.BuildValidator(adapters, nil); err != nil {
		t.Fatalf("build judge: %v", err)
	}
}

func TestDispatchConfigUsesPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Policy = "strict"
	cfg.Engine.MaxBudgetUSD = 2
	dc, err := cfg.DispatchConfig(nil)
	if err != nil {
		t.Fatalf("dispatch config: %v", err)
	}
	if dc.Threshold.Floor != 6 || dc.MaxBudgetUSD != 2 || dc.Recommend.K != 5 {
		t.Fatalf("unexpected dispatch config %+v", dc)
	}
	cfg.Engine.Policy = "missing"
	if _, err := cfg.DispatchConfig(nil); err == nil {
		t.Fatalf("expected unknown policy error")
	}
}

func TestOpenHistoryBackends(t *testing.T) {
	dir := t.TempDir()
	for _, backend := range []string{BackendMemory, BackendFile, BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.History = HistoryConfig{Backend: backend, Path: filepath.Join(dir, backend+".db")}
			store, err := cfg.OpenHistory(context.Background(), zerolog.Nop())
			if err != nil {
				t.Fatalf("open %s: %v", backend, err)
			}
			defer store.Close()
			if store.Len() != 0 {
				t.Fatalf("expected empty store")
			}
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}
