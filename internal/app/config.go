package app

import (
	"errors"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// SummaryTimeoutSec bounds the merge engine's summarization call.
	SummaryTimeoutSec int `yaml:"summary_timeout_sec"`
	// TaskDelayMS is the simulated duration of a mocked code task.
	TaskDelayMS int    `yaml:"task_delay_ms"`
	ListenAddr  string `yaml:"listen_addr"`
	StorageRoot string `yaml:"storage_root"`
	LogFile     string `yaml:"log_file"`
}

func DefaultConfig() Config {
	return Config{
		BaseURL:           defaultBaseURL,
		Model:             defaultModel,
		SummaryTimeoutSec: 20,
		TaskDelayMS:       2000,
		ListenAddr:        "127.0.0.1:8787",
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.SummaryTimeoutSec <= 0 {
		cfg.SummaryTimeoutSec = 20
	}
	if cfg.TaskDelayMS <= 0 {
		cfg.TaskDelayMS = 2000
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8787"
	}
	return cfg, nil
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if path == "" {
		return errors.New("no path provided for config")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "sidethread", "config.yml")
}
