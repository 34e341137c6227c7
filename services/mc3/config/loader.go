// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
	"github.com/AleutianAI/AleutianMC3/services/mc3/swap"
)

var validate = validator.New()

// =============================================================================
// Loading
// =============================================================================

// Load reads configuration with precedence defaults < file < environment.
//
// # Inputs
//
//   - path: YAML or JSON file; "" or a missing file keeps the defaults
//
// # Outputs
//
//   - Config: the validated configuration
//   - error: parse failures, or a *mcerr.ConfigurationError
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	envInt("MC3_STEPS", &cfg.MCMC.Steps)
	envInt("MC3_SAMPLES", &cfg.MCMC.Samples)
	envInt("MC3_CLUSTERS", &cfg.Model.Clusters)
	envInt("MC3_CHAINS", &cfg.MCMC.MC3.Chains)
	envInt("MC3_SWAP_INTERVAL", &cfg.MCMC.MC3.SwapInterval)
	envInt("MC3_SWAP_ATTEMPTS", &cfg.MCMC.MC3.SwapAttempts)
	envInt("MC3_RUN", &cfg.Results.Run)
	envFloat("MC3_TEMPERATURE_DIFF", &cfg.MCMC.MC3.TemperatureDiff)
	envFloat("MC3_PRIOR_TEMPERATURE_DIFF", &cfg.MCMC.MC3.PriorTemperatureDiff)
	envDuration("MC3_WORKER_TIMEOUT", &cfg.MCMC.MC3.WorkerTimeout)

	if v := os.Getenv("MC3_SEED"); v != "" {
		if u, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.MCMC.Seed = u
		}
	}
	if v := os.Getenv("MC3_ISOLATION"); v != "" {
		cfg.MCMC.MC3.Isolation = strings.ToLower(v)
	}
	if v := os.Getenv("MC3_DATA_PATH"); v != "" {
		cfg.Data.Path = v
	}
	if v := os.Getenv("MC3_RESULTS_PATH"); v != "" {
		cfg.Results.Path = v
	}
	if v := os.Getenv("MC3_EXPERIMENT"); v != "" {
		cfg.Results.Experiment = v
	}
	if v := os.Getenv("MC3_METRICS_ADDR"); v != "" {
		cfg.Telemetry.MetricsAddr = v
	}
	if v := os.Getenv("MC3_CHECKPOINT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Checkpoint.Enabled = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks field constraints and cross-field consistency. Every
// failure is a *mcerr.ConfigurationError.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &mcerr.ConfigurationError{
				Component: "config",
				Message:   fmt.Sprintf("%s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()),
				Err:       err,
			}
		}
		return &mcerr.ConfigurationError{Component: "config", Message: "validation failed", Err: err}
	}

	if c.Model.MaxSize < c.Model.MinSize {
		return mcerr.NewConfigurationError("config", "model.max_size (%d) is below model.min_size (%d)",
			c.Model.MaxSize, c.Model.MinSize)
	}
	if c.MCMC.Steps < c.MCMC.MC3.SwapInterval {
		return mcerr.NewConfigurationError("config", "mcmc.steps (%d) is shorter than one swap interval (%d)",
			c.MCMC.Steps, c.MCMC.MC3.SwapInterval)
	}
	pairs := len(swap.CandidatePairs(c.MCMC.MC3.Chains, c.MCMC.MC3.OnlySwapNeighbours))
	if c.MCMC.MC3.SwapAttempts > pairs {
		return mcerr.NewConfigurationError("config",
			"mcmc.mc3.swap_attempts (%d) exceeds the %d available chain pairs", c.MCMC.MC3.SwapAttempts, pairs)
	}
	if ops := c.MCMC.Operators; ops.Clusters+ops.Weights+ops.ConfoundingEffects+c.sourceWeight() == 0 {
		return mcerr.NewConfigurationError("config", "all operator weights are zero")
	}
	if c.Model.Clusters > 0 && c.MCMC.InitObjectsPerCluster > c.Model.MaxSize {
		return mcerr.NewConfigurationError("config",
			"mcmc.init_objects_per_cluster (%d) exceeds model.max_size (%d)",
			c.MCMC.InitObjectsPerCluster, c.Model.MaxSize)
	}
	return nil
}

func (c *Config) sourceWeight() float64 {
	if !c.Model.SampleSource {
		return 0
	}
	return c.MCMC.Operators.Source
}

// =============================================================================
// Writing
// =============================================================================

// WriteDefault writes DefaultConfig to path, creating parent directories.
// An existing file is left untouched unless force is set.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file %s already exists", path)
	}
	return Save(path, DefaultConfig())
}

// Save writes cfg as YAML.
func Save(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create the config directory %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
