// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"

	"github.com/AleutianAI/AleutianMC3/services/mc3/chain"
	"github.com/AleutianAI/AleutianMC3/services/mc3/clusters"
	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
	"github.com/AleutianAI/AleutianMC3/services/mc3/results"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
	"github.com/AleutianAI/AleutianMC3/services/mc3/worker"
)

// initStream separates the initializer's random stream from the operator
// stream of the same chain.
const initStream = 0x6d6333696e6974

// Factory builds contact-model chains for workers.
type Factory struct {
	Logger *slog.Logger

	// OnClusterRetry, when set, observes every failed cluster growth pass.
	OnClusterRetry func(chain, attempt, nextSize int)
}

var _ worker.Factory = (*Factory)(nil)

// Build implements worker.Factory.
//
// # Description
//
// Builds the model, the operator schedule weights, the warm-up initializer
// and the result loggers for one chain. Loggers are created before the
// bundle is returned; on failure the ones already opened are closed.
func (f *Factory) Build(_ context.Context, opts worker.ChainOptions, setup *worker.Setup) (*worker.Bundle, error) {
	if setup == nil || setup.Data == nil {
		return nil, mcerr.NewConfigurationError("model", "setup carries no data")
	}
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := setup.Config
	data := setup.Data

	contact := NewContact(data, cfg.Model)
	var scoring state.Model = contact
	if cfg.MCMC.SampleFromPrior {
		scoring = chain.PriorOnly(contact)
	}

	resumeAt := 0
	if setup.Resume != nil {
		resumeAt = setup.Resume.Step
	}
	rng := rand.New(rand.NewPCG(cfg.MCMC.Seed^initStream, chain.Stream(uint64(opts.Chain), resumeAt)))
	growOpts := []clusters.Option{
		clusters.WithMaxAttempts(cfg.MCMC.Initialization.Attempts),
		clusters.WithShrinkEvery(cfg.MCMC.Initialization.ShrinkEvery),
		clusters.WithMinSize(cfg.MCMC.Initialization.MinSize),
		clusters.WithLogger(logger.With(slog.Int("chain", opts.Chain))),
	}
	if f.OnClusterRetry != nil {
		hook := f.OnClusterRetry
		growOpts = append(growOpts, clusters.WithRetryHook(func(attempt, nextSize int) {
			hook(opts.Chain, attempt, nextSize)
		}))
	}
	grower := clusters.NewGrower(data, rng, growOpts...)
	seeds := NewInitializer(contact, grower, rng,
		cfg.Model.Clusters, cfg.MCMC.InitObjectsPerCluster, cfg.Model.SampleSource)

	loggers, err := f.loggers(opts, setup, contact)
	if err != nil {
		return nil, err
	}

	return &worker.Bundle{
		Model:             scoring,
		Operators:         f.operators(setup, contact),
		Initializer:       seeds,
		Loggers:           loggers,
		WarmupChains:      cfg.MCMC.Warmup.Chains,
		WarmupSteps:       cfg.MCMC.Warmup.Steps,
		ScreenLogInterval: cfg.MCMC.ScreenLogInterval,
	}, nil
}

func (f *Factory) operators(setup *worker.Setup, contact *Contact) []chain.Weighted {
	cfg := setup.Config
	w := cfg.MCMC.Operators
	var ops []chain.Weighted
	if cfg.Model.Clusters > 0 {
		ops = append(ops, chain.Weighted{
			Operator: NewClusterMove(setup.Data, cfg.MCMC.GrowToAdjacent, cfg.Model.MinSize, cfg.Model.MaxSize),
			Weight:   w.Clusters,
		})
	}
	ops = append(ops, chain.Weighted{Operator: NewWeightsMove(DefaultConcentration), Weight: w.Weights})
	if len(setup.Data.Confounders) > 0 {
		ops = append(ops, chain.Weighted{
			Operator: NewEffectMove(setup.Data, DefaultConcentration),
			Weight:   w.ConfoundingEffects,
		})
	}
	if cfg.Model.SampleSource {
		ops = append(ops, chain.Weighted{
			Operator: NewSourceGibbs(contact, cfg.MCMC.SampleFromPrior),
			Weight:   w.Source,
		})
	}
	return ops
}

func (f *Factory) loggers(opts worker.ChainOptions, setup *worker.Setup, contact *Contact) ([]chain.ResultLogger, error) {
	cfg := setup.Config
	paths := results.Paths{
		Dir:    cfg.ClusterDir(),
		Suffix: cfg.FileSuffix(opts.Chain),
		Append: setup.Resume != nil,
	}
	prec := cfg.Results.FloatPrecision

	var out []chain.ResultLogger
	fail := func(err error) ([]chain.ResultLogger, error) {
		errs := []error{err}
		for _, l := range out {
			errs = append(errs, l.Close())
		}
		return nil, errors.Join(errs...)
	}

	stats, err := results.NewStatsLogger(paths, setup.Data, prec)
	if err != nil {
		return fail(err)
	}
	out = append(out, stats)

	cl, err := results.NewClustersLogger(paths)
	if err != nil {
		return fail(err)
	}
	out = append(out, cl)

	if cfg.Results.LogLikelihood && !cfg.MCMC.SampleFromPrior {
		lh, err := results.NewLikelihoodLogger(paths, setup.Data, contact, prec)
		if err != nil {
			return fail(err)
		}
		out = append(out, lh)
	}
	if cfg.Results.LogSource && cfg.Model.SampleSource {
		src, err := results.NewSourceLogger(paths, setup.Data)
		if err != nil {
			return fail(err)
		}
		out = append(out, src)
	}
	return out, nil
}
