package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

var envTemplateRe = regexp.MustCompile(`\$\{\{\s*\.Env\.(\w+)\s*\}\}`)

// Load reads a JSONC or YAML config file, expands ${{ .Env.VAR }} templates,
// unmarshals it into Config, and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := []byte(expandEnvTemplates(string(data)))

	var std []byte
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		std, err = yamlToJSON(expanded)
	default:
		std, err = hujson.Standardize(expanded)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(std, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns a config with only defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// yamlToJSON re-encodes YAML as JSON so a single set of struct tags and
// unmarshalers serves both formats.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(raw)
}

// expandEnvTemplates replaces ${{ .Env.VAR }} with the env var value.
func expandEnvTemplates(s string) string {
	return envTemplateRe.ReplaceAllStringFunc(s, func(match string) string {
		parts := envTemplateRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		return os.Getenv(parts[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Agent.URL == "" {
		if v := os.Getenv("JOI_AGENT_URL"); v != "" {
			cfg.Agent.URL = v
		} else {
			cfg.Agent.URL = "http://127.0.0.1:2024"
		}
	}
	if cfg.Agent.AssistantID == "" {
		cfg.Agent.AssistantID = "agent"
	}
	if cfg.Agent.Timeout == 0 {
		cfg.Agent.Timeout = Duration(30 * time.Second)
	}
	if cfg.Agent.Retry.Attempts <= 0 {
		cfg.Agent.Retry.Attempts = 3
	}
	if cfg.Agent.Retry.Backoff == 0 {
		cfg.Agent.Retry.Backoff = Duration(500 * time.Millisecond)
	}

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.DSN == "" {
		switch cfg.Store.Driver {
		case "sqlite":
			cfg.Store.DSN = filepath.Join(JoiPath(), "joi.db")
		case "file":
			cfg.Store.DSN = filepath.Join(JoiPath(), "store")
		}
	}

	if cfg.Telegram.Debounce == 0 {
		cfg.Telegram.Debounce = Duration(500 * time.Millisecond)
	}
	if cfg.Notifier.Interval == 0 {
		cfg.Notifier.Interval = Duration(5 * time.Second)
	}
	if cfg.Approval.Timeout == 0 {
		cfg.Approval.Timeout = Duration(5 * time.Minute)
	}
	if cfg.Session.RunTimeout == 0 {
		cfg.Session.RunTimeout = Duration(10 * time.Minute)
	}
	if cfg.Scheduler.Mode == "" {
		cfg.Scheduler.Mode = "remote"
	}

	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18421
	}
	if cfg.Events.BufferSize == 0 {
		cfg.Events.BufferSize = 1024
	}
	if cfg.Events.LogDir == "" {
		cfg.Events.LogDir = filepath.Join(JoiPath(), "logs")
	}
}
