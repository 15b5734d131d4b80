// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the analyzerhub YAML configuration.
//
// The file lives at ~/.aleutian/analyzerhub.yaml unless a path is given and
// is created with defaults on first run. CLI flags are applied on top of
// the loaded values by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/analyzerhub/services/analyzer/install"
	"github.com/AleutianAI/analyzerhub/services/analyzer/orchestrator"
	"github.com/AleutianAI/analyzerhub/services/analyzer/registry"
	"github.com/AleutianAI/analyzerhub/services/analyzer/telemetry"
)

// FileName is the default config file name under ~/.aleutian.
const FileName = "analyzerhub.yaml"

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid config")

// Timeouts bounds each kind of analyzer interaction.
type Timeouts struct {
	Request     time.Duration `yaml:"request" json:"request" validate:"duration_min=100ms"`
	Diagnostics time.Duration `yaml:"diagnostics" json:"diagnostics" validate:"duration_min=100ms"`
	Shutdown    time.Duration `yaml:"shutdown" json:"shutdown" validate:"duration_min=100ms"`

	// Idle shuts down sessions unused for this long. 0 disables.
	Idle time.Duration `yaml:"idle" json:"idle" validate:"omitempty,duration_min=1s"`
}

// Backoff controls retry delays after failures.
type Backoff struct {
	// InstallBase doubles per consecutive install failure up to InstallMax.
	InstallBase time.Duration `yaml:"install_base" json:"install_base" validate:"duration_min=1s"`
	InstallMax  time.Duration `yaml:"install_max" json:"install_max" validate:"duration_min=1s,gtefield=InstallBase"`

	// Spawn is how long a failed spawn or handshake is remembered.
	Spawn time.Duration `yaml:"spawn" json:"spawn" validate:"duration_min=1s"`
}

// Logging configures the process logger.
type Logging struct {
	Level string `yaml:"level" json:"level" validate:"omitempty,oneof=debug info warn warning error DEBUG INFO WARN ERROR"`
	JSON  bool   `yaml:"json" json:"json"`
	Dir   string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// Server configures `analyzerhub serve`.
type Server struct {
	Addr  string `yaml:"addr" json:"addr" validate:"required,hostname_port"`
	Watch bool   `yaml:"watch" json:"watch"`
}

// Config is the decoded configuration file.
type Config struct {
	// ProjectPath resolves relative file arguments. Empty means the working
	// directory.
	ProjectPath string `yaml:"project_path,omitempty" json:"project_path,omitempty"`

	// CacheDir holds installed analyzers.
	CacheDir string `yaml:"cache_dir" json:"cache_dir" validate:"required"`

	// DataDir holds the install record database.
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required"`

	// StopDir bounds root discovery. Empty means the home directory.
	StopDir string `yaml:"stop_dir,omitempty" json:"stop_dir,omitempty"`

	Disabled []string `yaml:"disabled,omitempty" json:"disabled,omitempty" validate:"dive,required"`

	// Analyzers override built-in definitions by id or add new ones.
	Analyzers []registry.Override `yaml:"analyzers,omitempty" json:"analyzers,omitempty" validate:"dive"`

	Timeouts  Timeouts         `yaml:"timeouts" json:"timeouts"`
	Backoff   Backoff          `yaml:"backoff" json:"backoff"`
	Logging   Logging          `yaml:"logging" json:"logging"`
	Server    Server           `yaml:"server" json:"server"`
	Telemetry telemetry.Config `yaml:"telemetry" json:"telemetry"`
}

// DefaultConfig returns the built-in defaults rooted at ~/.aleutian.
func DefaultConfig() Config {
	base := "."
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".aleutian")
	}
	return Config{
		CacheDir: filepath.Join(base, "analyzers"),
		DataDir:  filepath.Join(base, "analyzerhub", "data"),
		Timeouts: Timeouts{
			Request:     30 * time.Second,
			Diagnostics: 3 * time.Second,
			Shutdown:    5 * time.Second,
			Idle:        orchestrator.DefaultIdleTimeout,
		},
		Backoff: Backoff{
			InstallBase: install.DefaultBackoffBase,
			InstallMax:  install.DefaultBackoffMax,
			Spawn:       orchestrator.DefaultSpawnBackoff,
		},
		Logging:   Logging{Level: "info"},
		Server:    Server{Addr: "127.0.0.1:8790"},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// DefaultPath returns ~/.aleutian/analyzerhub.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".aleutian", FileName), nil
}

// Load reads the config at path, creating it with defaults when missing.
//
// Description:
//
//	An empty path uses DefaultPath. Fields absent from the file keep their
//	defaults. The result is validated and "~" is expanded in directories.
//
// Outputs:
//
//	*Config - The validated configuration.
//	bool - True if the file was created by this call.
//	error - Read, parse or ErrInvalidConfig failures.
func Load(path string) (*Config, bool, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, false, err
		}
		path = p
	}

	created := false
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return nil, false, err
		}
		created = true
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, created, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.CacheDir = expandHome(cfg.CacheDir)
	cfg.DataDir = expandHome(cfg.DataDir)
	cfg.StopDir = expandHome(cfg.StopDir)
	cfg.Logging.Dir = expandHome(cfg.Logging.Dir)
	cfg.ProjectPath = expandHome(cfg.ProjectPath)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func createDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Catalog returns the built-in catalog with the configured overrides.
func (c *Config) Catalog() (*registry.Catalog, error) {
	if len(c.Analyzers) == 0 {
		return registry.DefaultCatalog(), nil
	}
	return registry.DefaultCatalog().WithOverrides(c.Analyzers...)
}

// =============================================================================
// VALIDATION
// =============================================================================

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// duration_min=<duration> compares a time.Duration field.
	_ = v.RegisterValidation("duration_min", func(fl validator.FieldLevel) bool {
		d, ok := fl.Field().Interface().(time.Duration)
		if !ok {
			return false
		}
		min, err := time.ParseDuration(fl.Param())
		if err != nil {
			return false
		}
		return d >= min
	})
	return v
}

// Validate checks struct tags and catalog overrides.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q (%s)", fe.Namespace(), fe.Tag(), fe.Param()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
