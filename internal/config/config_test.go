package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/engine"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	return writeNamedConfig(t, t.TempDir(), "config.yaml", contents)
}

func writeNamedConfig(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  anthropic:
    api_key: sk-test
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Version != CurrentVersion {
		t.Fatalf("expected version %d, got %d", CurrentVersion, cfg.Version)
	}
	if cfg.Store.Backend != "sqlite" || cfg.Store.Path != ":memory:" {
		t.Fatalf("unexpected store defaults: %+v", cfg.Store)
	}
	if cfg.Engine.MaxRounds != engine.DefaultMaxRounds {
		t.Fatalf("expected max_rounds %d, got %d", engine.DefaultMaxRounds, cfg.Engine.MaxRounds)
	}
	if cfg.Engine.ToolTimeout != 30*time.Second {
		t.Fatalf("expected 30s tool timeout, got %v", cfg.Engine.ToolTimeout)
	}
	if cfg.Providers.Default != "anthropic" {
		t.Fatalf("expected anthropic default provider, got %q", cfg.Providers.Default)
	}
	if cfg.Approval.DefaultDecision != engine.DecisionApproved {
		t.Fatalf("expected approved default decision, got %q", cfg.Approval.DefaultDecision)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test" {
		t.Fatalf("expected api key to survive, got %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: memory
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidatesStoreBackend(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: postgres
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "store.backend") {
		t.Fatalf("expected store.backend error, got %v", err)
	}
}

func TestLoadValidatesDefaultProvider(t *testing.T) {
	path := writeConfig(t, `
providers:
  default: cohere
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "providers.default") {
		t.Fatalf("expected providers.default error, got %v", err)
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	path := writeConfig(t, `
version: 99
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected version error")
	}
	var ve *VersionError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *VersionError, got %T", err)
	}
	if ve.Reason != "newer than this build" {
		t.Fatalf("unexpected reason %q", ve.Reason)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("LOOM_TEST_KEY", "sk-from-env")
	path := writeConfig(t, `
providers:
  anthropic:
    api_key: ${LOOM_TEST_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-from-env" {
		t.Fatalf("expected env expansion, got %q", cfg.Providers.Anthropic.APIKey)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeNamedConfig(t, dir, "base.yaml", `
engine:
  max_rounds: 50
  max_concurrency: 2
logging:
  level: debug
`)
	path := writeNamedConfig(t, dir, "config.yaml", `
$include: base.yaml
engine:
  max_concurrency: 8
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// The including file wins; untouched keys come from the include.
	if cfg.Engine.MaxConcurrency != 8 {
		t.Fatalf("expected override to 8, got %d", cfg.Engine.MaxConcurrency)
	}
	if cfg.Engine.MaxRounds != 50 {
		t.Fatalf("expected included max_rounds 50, got %d", cfg.Engine.MaxRounds)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected included logging level, got %q", cfg.Logging.Level)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeNamedConfig(t, dir, "a.yaml", "$include: b.yaml\n")
	writeNamedConfig(t, dir, "b.yaml", "$include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestLoadParsesJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeNamedConfig(t, dir, "config.json5", `{
  // comments are allowed here
  providers: {
    default: "google",
    google: { api_key: "g-key", xml_tools: true },
  },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers.Default != "google" {
		t.Fatalf("expected google default, got %q", cfg.Providers.Default)
	}
	if !cfg.Providers.Google.XMLTools {
		t.Fatalf("expected xml_tools true")
	}
}

func TestLoadApprovalPolicy(t *testing.T) {
	path := writeConfig(t, `
approval:
  allowlist: ["read_*", "clock"]
  denylist: ["shell"]
  default_decision: rejected
  request_ttl: 1m
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Approval.Allowlist) != 2 || cfg.Approval.Allowlist[0] != "read_*" {
		t.Fatalf("unexpected allowlist: %v", cfg.Approval.Allowlist)
	}
	if cfg.Approval.DefaultDecision != engine.DecisionRejected {
		t.Fatalf("expected rejected default, got %q", cfg.Approval.DefaultDecision)
	}
	if cfg.Approval.RequestTTL != time.Minute {
		t.Fatalf("expected 1m ttl, got %v", cfg.Approval.RequestTTL)
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestJSONSchemaCoversTopLevelSections(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	for _, key := range []string{"store", "engine", "providers", "approval", "observability"} {
		if !strings.Contains(string(data), `"`+key+`"`) {
			t.Fatalf("schema missing %q section", key)
		}
	}
}
