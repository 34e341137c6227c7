// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"

	"github.com/AleutianAI/AleutianMC3/services/mc3/chain"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
)

// Process owns exactly one chain runner and serves commands for it.
//
// # Thread Safety
//
// Serve is single-threaded; the runner is never visible outside it.
type Process struct {
	opts    ChainOptions
	conn    Conn
	factory Factory
	logger  *slog.Logger

	runner *chain.Runner
}

// NewProcess creates a worker for the chain described by opts.
func NewProcess(opts ChainOptions, conn Conn, factory Factory, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{
		opts:    opts,
		conn:    conn,
		factory: factory,
		logger:  logger.With(slog.Int("chain", opts.Chain)),
	}
}

// Serve runs the command loop until Terminate, the channel closes, or ctx
// is cancelled.
//
// # Description
//
// Initialize and Run each produce exactly one Response. A failure while
// handling a command is reported in Response.Err and the loop keeps
// serving, so the supervisor decides whether to abort. Terminate closes
// the runner's loggers and returns without a response.
//
// # Outputs
//
//   - error: nil after Terminate; io.EOF if the supervisor closed the
//     channel without terminating; ctx.Err(); or a send failure
func (p *Process) Serve(ctx context.Context) error {
	p.logger.Info("worker started", slog.Int("pid", os.Getpid()))
	for {
		cmd, err := p.conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.logger.Warn("supervisor closed the channel without terminate")
				p.shutdown()
			}
			return err
		}

		var resp Response
		switch c := cmd.(type) {
		case Initialize:
			resp = p.initialize(ctx, c.Setup)
		case Run:
			resp = p.run(ctx, c.Sample)
		case Terminate:
			p.shutdown()
			p.logger.Info("worker terminated")
			return nil
		default:
			resp = Response{Err: fmt.Sprintf("unsupported command %T", cmd)}
		}

		if err := p.conn.Send(ctx, resp); err != nil {
			return fmt.Errorf("chain %d: sending %s response: %w", p.opts.Chain, cmd.Kind(), err)
		}
	}
}

func (p *Process) initialize(ctx context.Context, setup *Setup) Response {
	if p.runner != nil {
		return Response{Err: "chain already initialized"}
	}
	p.logger.Info("initializing chain",
		slog.Float64("likelihood_temperature", p.opts.Temperature.Likelihood),
		slog.Float64("prior_temperature", p.opts.Temperature.Prior))

	bundle, err := p.factory.Build(ctx, p.opts, setup)
	if err != nil {
		return failure(err)
	}
	schedule, err := chain.NewSchedule(bundle.Operators)
	if err != nil {
		return failure(err)
	}
	resumeAt := 0
	if setup.Resume != nil {
		resumeAt = setup.Resume.Step
	}
	rng := rand.New(rand.NewPCG(p.opts.Seed, chain.Stream(uint64(p.opts.Chain), resumeAt)))
	p.runner = chain.NewRunner(chain.Config{
		Chain:             p.opts.Chain,
		Temperature:       p.opts.Temperature,
		ScreenLogInterval: bundle.ScreenLogInterval,
	}, bundle.Model, schedule, rng, p.logger, bundle.Loggers...)

	if setup.Resume != nil {
		s := setup.Resume
		setup.Resume = nil
		s.Invalidate()
		s.LogLikelihood(bundle.Model)
		s.LogPrior(bundle.Model)
		if !s.Cache.IsFinite() {
			p.logger.Warn("resumed sample has a non-finite score",
				slog.Float64("log_likelihood", s.Cache.Likelihood),
				slog.Float64("log_prior", s.Cache.Prior))
		}
		p.logger.Info("resuming chain", slog.Int("step", s.Step))
		return Response{Sample: s}
	}

	s, err := p.runner.WarmUp(ctx, bundle.Initializer, bundle.WarmupChains, bundle.WarmupSteps)
	if err != nil {
		return failure(err)
	}
	return Response{Sample: s}
}

func (p *Process) run(ctx context.Context, s *state.Sample) Response {
	if p.runner == nil {
		return Response{Err: "run_chain before initialize_chain"}
	}
	out, err := p.runner.Run(ctx, s, p.opts.SubchainLength, p.opts.LogInterval)
	if err != nil {
		return failure(err)
	}
	return Response{Sample: out}
}

func (p *Process) shutdown() {
	if p.runner == nil {
		return
	}
	if err := p.runner.Close(); err != nil {
		p.logger.Error("closing result loggers", slog.String("error", err.Error()))
	}
	p.runner = nil
}

func failure(err error) Response {
	return Response{Err: err.Error()}
}
