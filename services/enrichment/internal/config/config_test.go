package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("SILICONFLOW_API_KEY", "sk-env")
	t.Setenv("SILICONFLOW_MODEL", "Qwen/Qwen2.5-7B-Instruct")

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	content := `
port: "5001"
logLevel: "info"
apiKey: "sk-file"
`
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.APIKey != "sk-env" {
		t.Fatalf("apiKey = %q, want env override", cfg.APIKey)
	}
	if cfg.Model != "Qwen/Qwen2.5-7B-Instruct" {
		t.Fatalf("model = %q, want env override", cfg.Model)
	}
	if cfg.Endpoint != defaultEndpoint {
		t.Fatalf("endpoint = %q, want default", cfg.Endpoint)
	}
}

func TestLoadRequiresPort(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(`logLevel: "info"`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("expected error for missing port")
	}
}
