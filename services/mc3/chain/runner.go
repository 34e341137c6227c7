// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chain runs a single tempered Markov chain.
//
// A Runner owns the operator schedule, the temperature pair, the model and
// the result loggers of one chain. It never shares a sample with anything
// else: Run takes ownership of its input and hands back the advanced
// sample.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
	"github.com/AleutianAI/AleutianMC3/services/mc3/tempering"
)

// ctxCheckEvery is the step period of context checks inside Run.
const ctxCheckEvery = 256

// =============================================================================
// Collaborators
// =============================================================================

// ResultLogger records samples. Write is called with a sample whose score
// cache is valid.
type ResultLogger interface {
	Write(s *state.Sample) error
	Close() error
}

// StatsReporter is implemented by loggers that also record operator
// statistics. The runner calls it once, before Close.
type StatsReporter interface {
	WriteOperatorStats(stats []OperatorStats) error
}

// Initializer produces fresh samples for warm-up.
type Initializer interface {
	Generate(chain int) (*state.Sample, error)
}

// =============================================================================
// Runner
// =============================================================================

// Config holds the per-chain runner settings.
type Config struct {
	Chain       int
	Temperature tempering.Pair

	// ScreenLogInterval throttles progress lines. Zero disables them.
	ScreenLogInterval time.Duration
}

// Runner executes steps of one chain.
//
// # Thread Safety
//
// Not safe for concurrent use. Exactly one worker owns a runner.
type Runner struct {
	cfg      Config
	model    state.Model
	schedule *Schedule
	loggers  []ResultLogger
	rng      *rand.Rand
	logger   *slog.Logger
	screen   *rate.Sometimes
	stats    map[string]*OperatorStats
	lastLL   float64
}

// NewRunner creates a runner.
func NewRunner(cfg Config, model state.Model, schedule *Schedule, rng *rand.Rand, logger *slog.Logger, loggers ...ResultLogger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		cfg:      cfg,
		model:    model,
		schedule: schedule,
		loggers:  loggers,
		rng:      rng,
		logger:   logger.With(slog.Int("chain", cfg.Chain)),
		stats:    make(map[string]*OperatorStats),
		lastLL:   math.Inf(-1),
	}
	if cfg.ScreenLogInterval > 0 {
		r.screen = &rate.Sometimes{Interval: cfg.ScreenLogInterval}
	}
	for _, op := range schedule.Operators() {
		r.stats[op.Name()] = &OperatorStats{Name: op.Name()}
	}
	return r
}

// Run advances s by nSteps operator invocations and returns the result.
//
// # Description
//
// The input sample is consumed. Each step picks an operator from the
// schedule, applies it, and increments the step counter. Every
// logInterval steps (when logInterval > 0) the attached loggers record
// the sample. On return the score cache of the sample is valid, so the
// supervisor can compare chains without recomputing the model.
//
// # Outputs
//
//   - *state.Sample: the advanced sample
//   - error: ctx.Err() when cancelled, or a logger failure
func (r *Runner) Run(ctx context.Context, s *state.Sample, nSteps, logInterval int) (*state.Sample, error) {
	if s == nil {
		return nil, errors.New("run: nil sample")
	}
	env := &Env{Model: r.model, Temperature: r.cfg.Temperature, RNG: r.rng}

	for i := 0; i < nSteps; i++ {
		if i%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return s, err
			}
		}

		op := r.schedule.Pick(r.rng)
		next, accepted := op.Step(s, env)
		st := r.stats[op.Name()]
		st.Proposed++
		if accepted {
			st.Accepted++
		}
		s = next
		s.Step++

		if logInterval > 0 && s.Step%logInterval == 0 {
			if err := r.write(s); err != nil {
				return s, err
			}
		}
		if r.screen != nil {
			r.screen.Do(func() { r.progress(s) })
		}
	}

	r.lastLL = s.LogLikelihood(r.model)
	s.LogPrior(r.model)
	return s, nil
}

func (r *Runner) write(s *state.Sample) error {
	s.LogLikelihood(r.model)
	s.LogPrior(r.model)
	for _, l := range r.loggers {
		if err := l.Write(s); err != nil {
			return fmt.Errorf("chain %d: writing sample at step %d: %w", r.cfg.Chain, s.Step, err)
		}
	}
	return nil
}

func (r *Runner) progress(s *state.Sample) {
	r.logger.Debug("chain progress",
		slog.Int("step", s.Step),
		slog.Float64("log_likelihood", s.LogLikelihood(r.model)),
		slog.Float64("log_posterior", s.LogPosterior(r.model)))
}

// LastLogLikelihood returns the log-likelihood at the end of the most
// recent Run, or -Inf before the first one.
func (r *Runner) LastLogLikelihood() float64 {
	return r.lastLL
}

// ResetPosteriorCache forgets the last log-likelihood.
func (r *Runner) ResetPosteriorCache() {
	r.lastLL = math.Inf(-1)
}

// OperatorStats returns a snapshot of per-operator counts in schedule order.
func (r *Runner) OperatorStats() []OperatorStats {
	out := make([]OperatorStats, 0, len(r.stats))
	for _, op := range r.schedule.Operators() {
		out = append(out, *r.stats[op.Name()])
	}
	return out
}

// Close flushes operator statistics to loggers that accept them and closes
// every logger. All loggers are closed even if one fails; the first error
// is returned.
func (r *Runner) Close() error {
	var errs []error
	stats := r.OperatorStats()
	for _, l := range r.loggers {
		if sr, ok := l.(StatsReporter); ok {
			if err := sr.WriteOperatorStats(stats); err != nil {
				errs = append(errs, err)
			}
		}
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// =============================================================================
// Warm-up
// =============================================================================

// WarmUp generates k fresh samples, runs each for steps without logging,
// and keeps the one with the highest log-likelihood.
//
// # Description
//
// This picks a good starting point without waiting for the chain to mix.
// Candidates that lose are discarded. When no candidate reaches a finite
// log-likelihood the first one is kept.
//
// # Inputs
//
//   - k: number of candidates (>= 1)
//   - steps: warm-up steps per candidate (>= 0)
func (r *Runner) WarmUp(ctx context.Context, init Initializer, k, steps int) (*state.Sample, error) {
	if k < 1 {
		return nil, fmt.Errorf("warm-up needs at least one candidate, got %d", k)
	}

	var best *state.Sample
	bestLL := math.Inf(-1)
	for i := 0; i < k; i++ {
		s, err := init.Generate(r.cfg.Chain)
		if err != nil {
			return nil, fmt.Errorf("chain %d: generating warm-up candidate %d: %w", r.cfg.Chain, i, err)
		}
		s, err = r.Run(ctx, s, steps, 0)
		if err != nil {
			return nil, err
		}

		ll := r.LastLogLikelihood()
		r.logger.Debug("warm-up candidate finished",
			slog.Int("candidate", i),
			slog.Float64("log_likelihood", ll))
		if best == nil || ll > bestLL {
			best, bestLL = s, ll
		}
		r.ResetPosteriorCache()
	}

	r.logger.Info("warm-up finished",
		slog.Int("candidates", k),
		slog.Int("steps", steps),
		slog.Float64("log_likelihood", bestLL))
	return best, nil
}

// =============================================================================
// Prior sampling
// =============================================================================

type priorOnly struct {
	state.Model
}

func (priorOnly) Likelihood(*state.Sample) float64 { return 0 }

// PriorOnly wraps m so that every sample has log-likelihood 0. Chains built
// on it sample from the prior.
func PriorOnly(m state.Model) state.Model {
	return priorOnly{Model: m}
}

// =============================================================================
// Random streams
// =============================================================================

// Stream returns the PCG stream selector for base after resumeAt completed
// steps or rounds. Zero returns base unchanged, so a continuation never
// replays the draws its original run started with.
func Stream(base uint64, resumeAt int) uint64 {
	if resumeAt <= 0 {
		return base
	}
	return base ^ (uint64(resumeAt) * 0x9e3779b97f4a7c15)
}
