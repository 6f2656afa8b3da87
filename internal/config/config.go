// Package config loads runtime settings from an optional YAML file with
// environment-variable overrides. Secrets stay here and in the llm client;
// core packages never see them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFile is looked up relative to the working directory.
const DefaultFile = "wayfarer.yaml"

// Config is the full runtime configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// APIKey authenticates against the LM endpoint.
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the LM endpoint; empty means the public API.
	BaseURL string `yaml:"base_url"`
	// Model is the LM used for planning.
	Model string `yaml:"model"`
	// Headless controls the default browser mode for new tasks.
	Headless bool `yaml:"headless"`
	// DataDir roots temp/ and logs/ artifact trees.
	DataDir string `yaml:"data_dir"`
	// LogLevel is a zerolog level name.
	LogLevel string `yaml:"log_level"`
	// CorrectionBudget caps correction rounds per task.
	CorrectionBudget int `yaml:"correction_budget"`
}

func Default() Config {
	return Config{
		Addr:             ":8000",
		Model:            "gpt-4o-mini",
		Headless:         true,
		DataDir:          ".",
		LogLevel:         "info",
		CorrectionBudget: 3,
	}
}

// Load reads path (DefaultFile when empty; a missing file is not an error)
// and applies environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Optional file.
	default:
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	setStr(&c.Addr, "WAYFARER_ADDR")
	setStr(&c.APIKey, "OPENAI_API_KEY")
	setStr(&c.BaseURL, "OPENAI_BASE_URL")
	setStr(&c.Model, "WAYFARER_MODEL")
	setStr(&c.DataDir, "WAYFARER_DATA_DIR")
	setStr(&c.LogLevel, "WAYFARER_LOG_LEVEL")

	if v, ok := os.LookupEnv("WAYFARER_HEADLESS"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.Headless = b
		}
	}
	if v, ok := os.LookupEnv("WAYFARER_CORRECTION_BUDGET"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			c.CorrectionBudget = n
		}
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("config: addr must not be empty")
	}
	if c.CorrectionBudget <= 0 {
		return fmt.Errorf("config: correction_budget must be positive, got %d", c.CorrectionBudget)
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}
