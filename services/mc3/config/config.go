// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config defines the run configuration of the MC3 engine.
//
// # Loading
//
// Configuration is layered: defaults, then a YAML (or JSON) file, then
// MC3_* environment variables. The result is validated before use:
//
//	cfg, err := config.Load("experiment.yaml")
//	if err != nil {
//	    return err
//	}
//
// # Immutability
//
// A Config is fixed once a run starts. Workers receive a copy inside the
// initialize command; nothing reloads it mid-run because the temperature
// ladder and the swap schedule must not change during a run.
package config

import (
	"math"
	"path/filepath"
	"strconv"
	"time"

	"github.com/AleutianAI/AleutianMC3/services/mc3/tempering"
)

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the complete run configuration.
type Config struct {
	Data       DataConfig       `json:"data" yaml:"data"`
	Model      ModelConfig      `json:"model" yaml:"model"`
	MCMC       MCMCConfig       `json:"mcmc" yaml:"mcmc"`
	Results    ResultsConfig    `json:"results" yaml:"results"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Telemetry  TelemetryConfig  `json:"telemetry" yaml:"telemetry"`
}

// DataConfig points at the input data file.
type DataConfig struct {
	Path string `json:"path" yaml:"path"`
}

// ModelConfig selects and parameterizes the model.
type ModelConfig struct {
	// Name selects the model implementation.
	Name string `json:"name" yaml:"name" validate:"required,oneof=contact"`

	// Clusters is the number of contact zones (K).
	Clusters int `json:"clusters" yaml:"clusters" validate:"gte=0"`

	// MinSize and MaxSize bound the number of sites per cluster.
	MinSize int `json:"min_size" yaml:"min_size" validate:"gte=1"`
	MaxSize int `json:"max_size" yaml:"max_size" validate:"gte=1"`

	// SampleSource enables the per-observation source assignment.
	SampleSource bool `json:"sample_source" yaml:"sample_source"`
}

// MCMCConfig controls chain length, initialization and tempering.
type MCMCConfig struct {
	// Steps is the total number of steps per chain.
	Steps int `json:"steps" yaml:"steps" validate:"gt=0"`

	// Samples is the number of samples logged per chain.
	Samples int `json:"samples" yaml:"samples" validate:"gt=0"`

	// InitObjectsPerCluster is the initial cluster size.
	InitObjectsPerCluster int `json:"init_objects_per_cluster" yaml:"init_objects_per_cluster" validate:"gte=1"`

	// GrowToAdjacent is the probability that a grow move picks an
	// adjacent site rather than any free site.
	GrowToAdjacent float64 `json:"grow_to_adjacent" yaml:"grow_to_adjacent" validate:"gte=0,lte=1"`

	// SampleFromPrior ignores the likelihood.
	SampleFromPrior bool `json:"sample_from_prior" yaml:"sample_from_prior"`

	// ScreenLogInterval throttles per-chain progress lines.
	ScreenLogInterval time.Duration `json:"screen_log_interval" yaml:"screen_log_interval" validate:"gte=0"`

	// Seed seeds every random stream of the run.
	Seed uint64 `json:"seed" yaml:"seed"`

	Initialization InitializationConfig `json:"initialization" yaml:"initialization"`
	Warmup         WarmupConfig         `json:"warmup" yaml:"warmup"`
	Operators      OperatorsConfig      `json:"operators" yaml:"operators"`
	MC3            MC3Config            `json:"mc3" yaml:"mc3"`
}

// InitializationConfig controls cluster growth retries.
type InitializationConfig struct {
	Attempts    int `json:"attempts" yaml:"attempts" validate:"gte=1"`
	ShrinkEvery int `json:"shrink_every" yaml:"shrink_every" validate:"gte=1"`
	MinSize     int `json:"min_size" yaml:"min_size" validate:"gte=1"`
}

// WarmupConfig controls best-of-K warm-up.
type WarmupConfig struct {
	Steps  int `json:"warmup_steps" yaml:"warmup_steps" validate:"gte=0"`
	Chains int `json:"warmup_chains" yaml:"warmup_chains" validate:"gte=1"`
}

// OperatorsConfig holds the relative selection weights of the operators.
type OperatorsConfig struct {
	Clusters           float64 `json:"clusters" yaml:"clusters" validate:"gte=0"`
	Weights            float64 `json:"weights" yaml:"weights" validate:"gte=0"`
	ConfoundingEffects float64 `json:"confounding_effects" yaml:"confounding_effects" validate:"gte=0"`
	Source             float64 `json:"source" yaml:"source" validate:"gte=0"`
}

// Isolation modes for chain workers.
const (
	IsolationProcess   = "process"
	IsolationGoroutine = "goroutine"
)

// MC3Config controls parallel tempering.
type MC3Config struct {
	Chains               int     `json:"chains" yaml:"chains" validate:"gte=1"`
	SwapInterval         int     `json:"swap_interval" yaml:"swap_interval" validate:"gt=0"`
	SwapAttempts         int     `json:"swap_attempts" yaml:"swap_attempts" validate:"gte=0"`
	OnlySwapNeighbours   bool    `json:"only_swap_neighbours" yaml:"only_swap_neighbours"`
	TemperatureDiff      float64 `json:"temperature_diff" yaml:"temperature_diff" validate:"gte=0"`
	PriorTemperatureDiff float64 `json:"prior_temperature_diff" yaml:"prior_temperature_diff" validate:"gte=0"`
	LogSwapMatrix        bool    `json:"log_swap_matrix" yaml:"log_swap_matrix"`

	// Isolation is "process" (one OS process per chain) or "goroutine".
	Isolation string `json:"isolation" yaml:"isolation" validate:"oneof=process goroutine"`

	// WorkerTimeout bounds each wait for a worker response. Zero waits
	// until the worker answers or exits.
	WorkerTimeout time.Duration `json:"worker_timeout" yaml:"worker_timeout" validate:"gte=0"`
}

// ResultsConfig controls where and what is written.
type ResultsConfig struct {
	Path           string `json:"path" yaml:"path" validate:"required"`
	Experiment     string `json:"experiment" yaml:"experiment"`
	Run            int    `json:"run" yaml:"run" validate:"gte=0"`
	LogLikelihood  bool   `json:"log_likelihood" yaml:"log_likelihood"`
	LogSource      bool   `json:"log_source" yaml:"log_source"`
	FloatPrecision int    `json:"float_precision" yaml:"float_precision" validate:"gte=1,lte=17"`
}

// CheckpointConfig controls the resumable run store.
type CheckpointConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path of the badger directory. Empty means <results>/<experiment>/checkpoints.
	Path string `json:"path" yaml:"path"`
}

// TelemetryConfig controls tracing and metrics export.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name" yaml:"service_name"`
	TraceExporter  string `json:"trace_exporter" yaml:"trace_exporter" validate:"oneof=none stdout otlp"`
	MetricExporter string `json:"metric_exporter" yaml:"metric_exporter" validate:"oneof=none stdout prometheus"`
	OTLPEndpoint   string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `json:"otlp_insecure" yaml:"otlp_insecure"`

	// MetricsAddr, when set, serves /metrics and /healthz during a run.
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`
}

// =============================================================================
// Defaults
// =============================================================================

// DefaultConfig returns a configuration suitable for a small run.
func DefaultConfig() Config {
	return Config{
		Data: DataConfig{Path: "data.yaml"},
		Model: ModelConfig{
			Name:         "contact",
			Clusters:     1,
			MinSize:      3,
			MaxSize:      50,
			SampleSource: true,
		},
		MCMC: MCMCConfig{
			Steps:                 100000,
			Samples:               1000,
			InitObjectsPerCluster: 5,
			GrowToAdjacent:        0.8,
			ScreenLogInterval:     30 * time.Second,
			Seed:                  1,
			Initialization: InitializationConfig{
				Attempts:    1000,
				ShrinkEvery: 10,
				MinSize:     3,
			},
			Warmup: WarmupConfig{
				Steps:  500,
				Chains: 5,
			},
			Operators: OperatorsConfig{
				Clusters:           0.45,
				Weights:            0.15,
				ConfoundingEffects: 0.15,
				Source:             0.25,
			},
			MC3: MC3Config{
				Chains:               4,
				SwapInterval:         1000,
				SwapAttempts:         1,
				OnlySwapNeighbours:   true,
				TemperatureDiff:      0.05,
				PriorTemperatureDiff: 0.05,
				LogSwapMatrix:        true,
				Isolation:            IsolationProcess,
			},
		},
		Results: ResultsConfig{
			Path:           "results",
			Experiment:     "default",
			LogLikelihood:  true,
			LogSource:      false,
			FloatPrecision: 8,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "mc3",
			TraceExporter:  "none",
			MetricExporter: "none",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
	}
}

// =============================================================================
// Derived values
// =============================================================================

// LoggingInterval returns the number of steps between logged samples.
func (c *Config) LoggingInterval() int {
	return max(1, int(math.Ceil(float64(c.MCMC.Steps)/float64(c.MCMC.Samples))))
}

// SwapRounds returns floor(steps / swap_interval).
func (c *Config) SwapRounds() int {
	return c.MCMC.Steps / c.MCMC.MC3.SwapInterval
}

// Ladder builds the linear temperature ladder.
func (c *Config) Ladder() (tempering.Ladder, error) {
	mc3 := c.MCMC.MC3
	return tempering.NewLinearLadder(mc3.Chains, mc3.TemperatureDiff, mc3.PriorTemperatureDiff)
}

// ExperimentDir returns <results>/<experiment>.
func (c *Config) ExperimentDir() string {
	return filepath.Join(c.Results.Path, c.Results.Experiment)
}

// ClusterDir returns the per-K result directory, e.g. results/exp/K2.
func (c *Config) ClusterDir() string {
	return filepath.Join(c.ExperimentDir(), "K"+strconv.Itoa(c.Model.Clusters))
}

// SwapMatrixPath returns the path of the persisted swap matrix.
func (c *Config) SwapMatrixPath() string {
	return filepath.Join(c.ClusterDir(), "mc3_swaps"+c.FileSuffix(0)+".txt")
}

// FileSuffix returns "_K{k}_{run}" plus ".chain{c}" for non-cold chains.
func (c *Config) FileSuffix(chain int) string {
	s := "_K" + strconv.Itoa(c.Model.Clusters) + "_" + strconv.Itoa(c.Results.Run)
	if chain > 0 {
		s += ".chain" + strconv.Itoa(chain)
	}
	return s
}

// CheckpointDir returns the badger directory for checkpoints.
func (c *Config) CheckpointDir() string {
	if c.Checkpoint.Path != "" {
		return c.Checkpoint.Path
	}
	return filepath.Join(c.ExperimentDir(), "checkpoints")
}
