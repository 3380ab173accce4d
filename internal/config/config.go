package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config supplies defaults for the CLI flags. Everything is optional;
// flags always win.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AssetsDir string `yaml:"assets_dir"`
}

type AgentConfig struct {
	Server string `yaml:"server"`
	Shell  string `yaml:"shell"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "hyprshare", "config.yaml")
}

// Load reads configuration from path, falling back to built-in defaults
// when the file is absent. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8000, AssetsDir: "."},
		Logging: LoggingConfig{Level: "info"},
	}

	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// no config file is fine
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if v := os.Getenv("HYPRSHARE_SERVER"); v != "" {
		cfg.Agent.Server = v
	}
	if cfg.Agent.Shell == "" {
		cfg.Agent.Shell = os.Getenv("SHELL")
	}
	if cfg.Agent.Shell == "" {
		cfg.Agent.Shell = "/bin/bash"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the parts a config file could plausibly break.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error")
	}
	return nil
}
