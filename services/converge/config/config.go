// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the converge service configuration.
//
// Configuration is a single YAML file. Fields absent from the file keep
// their defaults, and a missing file yields Default(). A small set of
// environment variables override the file:
//
//   - CONVERGE_ADDR: server.address
//   - CONVERGE_DATA_DIR: storage.path
//   - CONVERGE_LOG_LEVEL: logging.level
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/AleutianAI/converge/pkg/logging"
	"github.com/AleutianAI/converge/services/converge"
	"github.com/AleutianAI/converge/services/converge/storage/badger"
	"github.com/AleutianAI/converge/services/converge/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var configValidate = validator.New()

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Budget    converge.Budget  `yaml:"budget"`
	Storage   badger.Config    `yaml:"storage"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Logging   logging.Config   `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Address is the listen address, host:port.
	Address string `yaml:"address" validate:"required,hostname_port"`

	// RateLimit is the sustained request rate per second across all clients.
	RateLimit float64 `yaml:"rate_limit" validate:"gt=0"`

	// Burst is the token bucket size.
	Burst int `yaml:"burst" validate:"gte=1"`

	// ReadTimeout bounds reading a request, headers included.
	ReadTimeout time.Duration `yaml:"read_timeout" validate:"gte=0"`

	// WriteTimeout bounds a whole request. Runs are synchronous, so this
	// caps the wall time of a single job.
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	storage := badger.DefaultConfig()
	storage.Path = "./data/converge"

	tel := telemetry.DefaultConfig()

	return Config{
		Server: ServerConfig{
			Address:         "localhost:8085",
			RateLimit:       50,
			Burst:           100,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    2 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Budget:    converge.DefaultBudget(),
		Storage:   storage,
		Telemetry: tel,
		Logging: logging.Config{
			Level:    logging.LevelInfo,
			Service:  "converge",
			AutoJSON: true,
		},
	}
}

// Load reads the configuration at path.
//
// Description:
//
//	Starts from Default, overlays the YAML file when it exists, applies
//	environment overrides, and validates the result. An empty path or a
//	missing file is not an error.
//
// Outputs:
//
//	Config - The validated configuration.
//	error - Non-nil if the file cannot be read or parsed, or is invalid.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CONVERGE_ADDR"); v != "" {
		c.Server.Address = v
	}
	if v := os.Getenv("CONVERGE_DATA_DIR"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CONVERGE_LOG_LEVEL"); v != "" {
		level, err := logging.ParseLevel(v)
		if err != nil {
			return fmt.Errorf("CONVERGE_LOG_LEVEL: %w", err)
		}
		c.Logging.Level = level
	}
	return nil
}

// Validate checks struct tags and the engine budget.
func (c Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Budget.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Marshal renders the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
