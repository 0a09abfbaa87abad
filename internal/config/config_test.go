package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "sentinel.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadValidation(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "{not json")); err == nil {
		t.Fatalf("expected error for malformed json")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "{}")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected server address: %q", cfg.Server.Address)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Fatalf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Auth.Mode != "disabled" {
		t.Fatalf("auth must default to disabled, got %q", cfg.Auth.Mode)
	}
	if cfg.Guardrail.MaxMessageLength != 500 {
		t.Fatalf("unexpected guardrail default: %d", cfg.Guardrail.MaxMessageLength)
	}
	if cfg.LLM.Provider != "rulebased" {
		t.Fatalf("llm provider must default to rulebased, got %q", cfg.LLM.Provider)
	}
	if cfg.Quote.Provider != "static" {
		t.Fatalf("quote provider must default to static, got %q", cfg.Quote.Provider)
	}
	if cfg.Pipeline.ParseTimeoutSeconds != 20 || cfg.Pipeline.QuoteTimeoutSeconds != 10 {
		t.Fatalf("unexpected pipeline defaults: %+v", cfg.Pipeline)
	}
	if cfg.Storage.PlanStore.Driver != "memory" || cfg.Storage.RunStore.Driver != "memory" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Storage)
	}
	if cfg.EvalQueue.Driver != "memory" {
		t.Fatalf("eval queue must default to memory, got %q", cfg.EvalQueue.Driver)
	}
	if cfg.Worker.Concurrency != 2 || cfg.Worker.MaxAttempts != 3 {
		t.Fatalf("unexpected worker defaults: %+v", cfg.Worker)
	}
	if cfg.Harness.Evaluator != "local" || cfg.Harness.Parallelism != 1 {
		t.Fatalf("unexpected harness defaults: %+v", cfg.Harness)
	}
	if cfg.Artifacts.RetentionDays != 30 || cfg.Artifacts.Visibility != "private" {
		t.Fatalf("unexpected artifact defaults: %+v", cfg.Artifacts)
	}
	if cfg.Metrics.Address != ":9091" {
		t.Fatalf("unexpected metrics address default: %q", cfg.Metrics.Address)
	}

	baseDir := filepath.Dir(path)
	if cfg.Runtime.DataDir != filepath.Join(baseDir, "data") {
		t.Fatalf("data dir must default under the config dir, got %q", cfg.Runtime.DataDir)
	}
	if cfg.Artifacts.Root != filepath.Join(cfg.Runtime.DataDir, "artifacts") {
		t.Fatalf("artifact root must default under the data dir, got %q", cfg.Artifacts.Root)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	path := writeConfig(t, `{
		"tokens": {"registry_path": "tokens.yaml"},
		"policy": {"rules_path": "policy.yaml"},
		"guardrail": {"plugin_manifest": "plugins.yaml"},
		"quote": {"static": {"fixture_path": "rates.json"}},
		"harness": {"default_suite_path": "suites/extended.json"},
		"llm": {"subprocess": {"working_dir": "bridge"}},
		"logging": {"audit": {"enabled": true}}
	}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	baseDir := filepath.Dir(path)
	checks := map[string]string{
		"tokens":   cfg.Tokens.RegistryPath,
		"policy":   cfg.Policy.RulesPath,
		"manifest": cfg.Guardrail.PluginManifest,
		"fixture":  cfg.Quote.Static.FixturePath,
		"suite":    cfg.Harness.DefaultSuitePath,
		"workdir":  cfg.LLM.Subprocess.WorkingDir,
		"audit":    cfg.Logging.Audit.Path,
	}
	for name, resolved := range checks {
		if !filepath.IsAbs(resolved) {
			t.Fatalf("%s path must be absolute, got %q", name, resolved)
		}
		if !strings.HasPrefix(resolved, baseDir+string(filepath.Separator)) {
			t.Fatalf("%s path must resolve under the config dir, got %q", name, resolved)
		}
	}
	if cfg.Logging.Audit.Path != filepath.Join(baseDir, "logs", "audit.log") {
		t.Fatalf("unexpected audit path: %q", cfg.Logging.Audit.Path)
	}
	if len(cfg.Logging.Audit.MaskKeys) == 0 {
		t.Fatalf("enabled audit must default mask keys")
	}
}

func TestLoadEnvFallbacks(t *testing.T) {
	t.Setenv("SENTINEL_OPENAI_API_KEY", "sk-env")
	t.Setenv("SENTINEL_MYSQL_DSN", "user:pass@tcp(127.0.0.1:3306)/sentinel")
	t.Setenv("SENTINEL_REDIS_ADDR", "10.0.0.5:6379")
	t.Setenv("SENTINEL_SLACK_WEBHOOK", "https://hooks.slack.example/T000/B000")

	cfg, err := Load(writeConfig(t, "{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.OpenAI.APIKey != "sk-env" {
		t.Fatalf("openai key must fall back to env, got %q", cfg.LLM.OpenAI.APIKey)
	}
	if cfg.Storage.MySQL.DSN == "" {
		t.Fatalf("mysql dsn must fall back to env")
	}
	if cfg.EvalQueue.Redis.Addr != "10.0.0.5:6379" {
		t.Fatalf("redis addr must fall back to env, got %q", cfg.EvalQueue.Redis.Addr)
	}
	if cfg.Alerting.SlackWebhookURL == "" {
		t.Fatalf("slack webhook must fall back to env")
	}
}

func TestLoadExplicitValuesWin(t *testing.T) {
	t.Setenv("SENTINEL_OPENAI_API_KEY", "sk-env")

	cfg, err := Load(writeConfig(t, `{
		"server": {"address": ":9000"},
		"llm": {"provider": "openai", "openai": {"api_key": "sk-file"}},
		"eval_queue": {"driver": "redis", "redis": {"queue": "custom:queue"}}
	}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("explicit address must win, got %q", cfg.Server.Address)
	}
	if cfg.LLM.OpenAI.APIKey != "sk-file" {
		t.Fatalf("explicit api key must win over env, got %q", cfg.LLM.OpenAI.APIKey)
	}
	if cfg.EvalQueue.Driver != "redis" || cfg.EvalQueue.Redis.Queue != "custom:queue" {
		t.Fatalf("explicit queue settings must win: %+v", cfg.EvalQueue)
	}
}
