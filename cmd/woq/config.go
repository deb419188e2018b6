package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/woq/internal/logger"
	"github.com/samcharles93/woq/internal/woq"
)

// Config represents the woq configuration file
// ($XDG_CONFIG_HOME/woq/config.yaml).
type Config struct {
	WeightsDir    string `yaml:"weights_dir"`
	ServerAddress string `yaml:"server_address"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`

	Engine woq.Config `yaml:"engine"`
}

type configKey struct{}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "woq", "config.yaml")
}

// loadConfig reads path over the defaults. A missing file yields the
// defaults; a malformed one is an error.
func loadConfig(path string) (Config, error) {
	cfg := Config{Engine: woq.DefaultConfig()}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// setup loads the config file, applies WOQ_* overrides and installs the
// logger in the command context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := loadConfig(configPath())
	if err != nil {
		return ctx, err
	}
	if cfg.Engine, err = cfg.Engine.ApplyEnv(); err != nil {
		return ctx, err
	}

	level, format := logLevel, logFormat
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		level = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		format = cfg.LogFormat
	}
	if debug {
		level = "debug"
	}
	f, err := logger.ParseFormat(format)
	if err != nil {
		return ctx, err
	}
	log := logger.ForFormat(os.Stderr, f, logger.ParseLevel(level))

	ctx = logger.WithContext(ctx, log)
	return context.WithValue(ctx, configKey{}, cfg), nil
}

func configFromContext(ctx context.Context) Config {
	if cfg, ok := ctx.Value(configKey{}).(Config); ok {
		return cfg
	}
	return Config{Engine: woq.DefaultConfig()}
}
