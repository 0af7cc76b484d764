package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"web3":{"rpc_url":"http://127.0.0.1:8545","wallets_file":"agents.json"}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Orchestrator.MaxSteps != 100 {
		t.Fatalf("unexpected max steps %d", cfg.Orchestrator.MaxSteps)
	}
	if cfg.Web3.Tx.GasLimit != 2_000_000 || cfg.Web3.Tx.GasLimitStep != 500_000 || cfg.Web3.Tx.MaxAttempts != 3 {
		t.Fatalf("unexpected tx defaults %+v", cfg.Web3.Tx)
	}
	if cfg.Web3.WalletsFile != filepath.Join(dir, "agents.json") {
		t.Fatalf("wallet file not resolved against config dir: %s", cfg.Web3.WalletsFile)
	}
	if cfg.Storage.SQLite.Path != filepath.Join(dir, "data", "chainprobe.db") {
		t.Fatalf("unexpected sqlite path %s", cfg.Storage.SQLite.Path)
	}
	if cfg.Storage.CheckpointDriver != "memory" {
		t.Fatalf("checkpoint driver should follow storage driver, got %s", cfg.Storage.CheckpointDriver)
	}
}

func TestLoadOverlaysEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"llm":{"openai":{"api_key_env":"CHAINPROBE_TEST_KEY"}}}`), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("CHAINPROBE_TEST_KEY=base\n"), 0o600); err != nil {
		t.Fatalf("write env: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".env.staging"), []byte("CHAINPROBE_TEST_KEY=staging\n"), 0o600); err != nil {
		t.Fatalf("write env overlay: %v", err)
	}
	t.Setenv("APP_ENV", "staging")
	t.Setenv("CHAINPROBE_TEST_KEY", "")
	os.Unsetenv("CHAINPROBE_TEST_KEY")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.OpenAI.APIKey != "staging" {
		t.Fatalf("expected overlay value, got %q", cfg.LLM.OpenAI.APIKey)
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestExplicitValueWinsOverEnv(t *testing.T) {
	t.Setenv("CHAINPROBE_EXPLORER_KEY", "from-env")
	if got := fromEnv("explicit", "CHAINPROBE_EXPLORER_KEY"); got != "explicit" {
		t.Fatalf("unexpected %q", got)
	}
	if got := fromEnv("", "CHAINPROBE_EXPLORER_KEY"); got != "from-env" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestAPITokensResolveFromEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"server":{"tokens":[{"name":"ops","token_env":"CHAINPROBE_TEST_API_TOKEN","permissions":["*"]}]}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHAINPROBE_TEST_API_TOKEN", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Server.Tokens) != 1 || cfg.Server.Tokens[0].Token != "s3cret" {
		t.Fatalf("unexpected tokens %+v", cfg.Server.Tokens)
	}
	if cfg.Server.RequestTimeout().Seconds() != 30 {
		t.Fatalf("unexpected request timeout %s", cfg.Server.RequestTimeout())
	}
}
