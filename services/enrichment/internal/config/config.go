package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default location of the service config file.
const ConfigPath = "config.yaml"

const (
	defaultEndpoint = "https://api.siliconflow.cn/v1/chat/completions"
	defaultModel    = "Qwen/QwQ-32B"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`
	APIKey   string `yaml:"apiKey"`
	Endpoint string `yaml:"endpoint"`
	Model    string `yaml:"model"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("SILICONFLOW_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("SILICONFLOW_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("SILICONFLOW_MODEL"); v != "" {
		cfg.Model = v
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	return nil
}
