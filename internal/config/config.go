// Package config holds the typed configuration and its YAML loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Data       DataConfig       `yaml:"data"`
	Privacy    PrivacyConfig    `yaml:"privacy"`
	Continuity ContinuityConfig `yaml:"continuity"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	APIKey string `yaml:"api_key"`
}

// DataConfig names every on-disk location. Dir is the base; empty paths are
// derived from it.
type DataConfig struct {
	Dir         string `yaml:"dir"`
	ChatsDir    string `yaml:"chats_dir"`
	PromptsDir  string `yaml:"prompts_dir"`
	PresetsDir  string `yaml:"presets_dir"`
	StateDB     string `yaml:"state_db"`
	Credentials string `yaml:"credentials"`
	Settings    string `yaml:"settings"`
	Tasks       string `yaml:"tasks"`
	Activity    string `yaml:"activity"`
	Toolsets    string `yaml:"toolsets"`
}

type PrivacyConfig struct {
	StartInPrivacyMode bool     `yaml:"start_in_privacy_mode"`
	Whitelist          []string `yaml:"whitelist"`
}

type ContinuityConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file, expanding environment variables in the raw
// text before parsing. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8710
	}
	if cfg.Server.APIKey == "" {
		cfg.Server.APIKey = os.Getenv("SAPPHIRE_API_KEY")
	}

	if cfg.Data.Dir == "" {
		cfg.Data.Dir = defaultDataDir()
	}
	derive := func(target *string, parts ...string) {
		if *target == "" {
			*target = filepath.Join(append([]string{cfg.Data.Dir}, parts...)...)
		}
	}
	derive(&cfg.Data.ChatsDir, "chats")
	derive(&cfg.Data.PromptsDir, "prompts")
	derive(&cfg.Data.PresetsDir, "presets")
	derive(&cfg.Data.StateDB, "state.db")
	derive(&cfg.Data.Credentials, "credentials.json")
	derive(&cfg.Data.Settings, "settings.json")
	derive(&cfg.Data.Tasks, "tasks.json")
	derive(&cfg.Data.Activity, "activity.json")
	derive(&cfg.Data.Toolsets, "toolsets.json")

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sapphire"
	}
	return filepath.Join(home, ".sapphire")
}
