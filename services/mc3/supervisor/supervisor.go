// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package supervisor drives a parallel-tempered run.
//
// # Round protocol
//
// The supervisor moves through a fixed sequence of phases:
//
//	Spawning      launch one worker per ladder index
//	Initializing  initialize_chain on every worker, collect the samples
//	Running       per round: run_chain on every worker in parallel, wait
//	              for all of them, then one batch of swap proposals
//	Terminating   terminate every worker and wait for it to exit
//	Done
//
// A round never starts before the previous one has finished its swaps, and
// swaps never see a sample that is still owned by a worker.
//
// # Failure
//
// Any worker failure aborts the whole run: the run context is cancelled,
// survivors get a best-effort terminate, every worker is killed, and the
// *mcerr.WorkerError is returned.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
	"github.com/AleutianAI/AleutianMC3/services/mc3/storage/badger"
	"github.com/AleutianAI/AleutianMC3/services/mc3/swap"
	"github.com/AleutianAI/AleutianMC3/services/mc3/telemetry"
	"github.com/AleutianAI/AleutianMC3/services/mc3/tempering"
	"github.com/AleutianAI/AleutianMC3/services/mc3/worker"
)

// abortGrace bounds the best-effort terminate sent to survivors on abort.
const abortGrace = 2 * time.Second

// =============================================================================
// Phase
// =============================================================================

// Phase is the supervisor's position in the round protocol.
type Phase int

const (
	PhaseSpawning Phase = iota
	PhaseInitializing
	PhaseRunning
	PhaseTerminating
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseSpawning:
		return "spawning"
	case PhaseInitializing:
		return "initializing"
	case PhaseRunning:
		return "running"
	case PhaseTerminating:
		return "terminating"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// =============================================================================
// Collaborators
// =============================================================================

// Swapper proposes swaps on the gathered samples. *swap.Coordinator
// implements it.
type Swapper interface {
	Propose(slots state.Slots, matrix *swap.Matrix, running swap.Stats) (swap.Round, error)
}

// Checkpointer persists the state after a round. *badger.Store implements
// it.
type Checkpointer interface {
	Save(ctx context.Context, cp *badger.Checkpoint) error
}

// Config describes one run.
type Config struct {
	RunID  string
	Ladder tempering.Ladder

	// Rounds is floor(steps / swap_interval).
	Rounds int

	// SubchainLength is the number of steps per run_chain (swap_interval).
	SubchainLength int

	// LogInterval is the number of steps between logged samples.
	LogInterval int

	Seed uint64

	// WorkerTimeout bounds each response wait; zero waits indefinitely.
	WorkerTimeout time.Duration

	// SwapMatrixPath, when set, receives the swap matrix whenever new swaps
	// were accepted since it was last written.
	SwapMatrixPath string

	// Setup is sent to every worker in initialize_chain. Its Resume field
	// is ignored; use Resume below.
	Setup worker.Setup

	// Resume continues the run from a checkpoint.
	Resume *badger.Checkpoint
}

// Result summarizes a finished run.
type Result struct {
	RunID string

	// Samples[c] is the final sample of chain c.
	Samples []*state.Sample

	Swaps   *swap.Matrix
	Stats   swap.Stats
	Rounds  int
	Elapsed time.Duration

	// ColdLogLikelihood is the log-likelihood of chain 0 at the end.
	ColdLogLikelihood float64
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithCheckpointer saves a checkpoint after every round.
func WithCheckpointer(c Checkpointer) Option {
	return func(s *Supervisor) { s.checkpoints = c }
}

// WithPhaseHook observes every phase transition.
func WithPhaseHook(fn func(Phase)) Option {
	return func(s *Supervisor) { s.onPhase = fn }
}

// WithRoundHook is called after the swaps of every round.
func WithRoundHook(fn func(round int, cold *state.Sample)) Option {
	return func(s *Supervisor) { s.onRound = fn }
}

// =============================================================================
// Supervisor
// =============================================================================

// Supervisor owns the workers and every sample between subchains.
//
// # Thread Safety
//
// Run is called once. The supervisor touches samples only while no worker
// owns them.
type Supervisor struct {
	cfg         Config
	launcher    worker.Launcher
	swapper     Swapper
	checkpoints Checkpointer
	logger      *slog.Logger
	onPhase     func(Phase)
	onRound     func(int, *state.Sample)

	phase        Phase
	handles      []*worker.Handle
	slots        state.Slots
	matrix       *swap.Matrix
	stats        swap.Stats
	savedAccepts int
}

// New validates cfg and creates a supervisor.
func New(cfg Config, launcher worker.Launcher, swapper Swapper, logger *slog.Logger, opts ...Option) (*Supervisor, error) {
	if err := cfg.Ladder.Validate(); err != nil {
		return nil, err
	}
	if cfg.Rounds < 0 {
		return nil, mcerr.NewConfigurationError("supervisor", "rounds must be >= 0, got %d", cfg.Rounds)
	}
	if cfg.SubchainLength < 1 {
		return nil, mcerr.NewConfigurationError("supervisor", "subchain length must be >= 1, got %d", cfg.SubchainLength)
	}
	if cp := cfg.Resume; cp != nil {
		if len(cp.Samples) != cfg.Ladder.Len() {
			return nil, mcerr.NewConfigurationError("supervisor",
				"checkpoint has %d chains, ladder has %d", len(cp.Samples), cfg.Ladder.Len())
		}
	}
	matrix, err := resumeMatrix(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		swapper:  swapper,
		logger:   logger.With(slog.String("run_id", cfg.RunID)),
		slots:    state.NewSlots(cfg.Ladder.Len()),
		matrix:   matrix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// resumeMatrix returns the swap matrix the run starts from. A checkpoint
// without one falls back to the persisted matrix file.
func resumeMatrix(cfg Config) (*swap.Matrix, error) {
	cp := cfg.Resume
	if cp == nil {
		return swap.NewMatrix(cfg.Ladder.Len()), nil
	}
	m := cp.Swaps
	if m == nil && cfg.SwapMatrixPath != "" {
		loaded, err := swap.LoadMatrix(cfg.SwapMatrixPath)
		if err != nil {
			return nil, mcerr.NewConfigurationError("supervisor", "checkpoint has no swap matrix and %s is unreadable: %v",
				cfg.SwapMatrixPath, err)
		}
		m = loaded
	}
	if m == nil || m.Len() != cfg.Ladder.Len() {
		return nil, mcerr.NewConfigurationError("supervisor", "checkpoint swap matrix does not match the ladder")
	}
	return &swap.Matrix{Counts: m.Rows()}, nil
}

// Phase returns the current phase.
func (s *Supervisor) Phase() Phase { return s.phase }

func (s *Supervisor) enter(p Phase) {
	s.phase = p
	s.logger.Debug("supervisor phase", slog.String("phase", p.String()))
	if s.onPhase != nil {
		s.onPhase(p)
	}
}

// Run executes the whole protocol.
//
// # Outputs
//
//   - *Result: final samples and swap statistics
//   - error: *mcerr.WorkerError after an abort, ctx.Err() when cancelled,
//     or a persistence failure
func (s *Supervisor) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRun,
		attribute.String("mc3.run_id", s.cfg.RunID),
		attribute.Int("mc3.chains", s.cfg.Ladder.Len()),
		attribute.Int("mc3.rounds", s.cfg.Rounds))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	res, err := s.run(runCtx)
	if err != nil {
		cancel()
		s.abort()
		telemetry.RecordError(span, err)
		var we *mcerr.WorkerError
		if errors.As(err, &we) {
			telemetry.RecordWorkerFailure(we.Command)
			s.logger.Error("run aborted after worker failure",
				slog.Int("chain", we.Chain),
				slog.String("command", we.Command),
				slog.String("error", err.Error()))
		}
		return nil, err
	}
	res.Elapsed = time.Since(start)
	s.logger.Info("run finished",
		slog.Float64("elapsed_seconds", res.Elapsed.Seconds()),
		slog.Int("swaps_attempted", res.Stats.Attempted),
		slog.Int("swaps_accepted", res.Stats.Accepted))
	return res, nil
}

func (s *Supervisor) run(ctx context.Context) (*Result, error) {
	s.enter(PhaseSpawning)
	if err := s.spawn(ctx); err != nil {
		return nil, err
	}

	s.enter(PhaseInitializing)
	if err := s.initialize(ctx); err != nil {
		return nil, err
	}

	s.enter(PhaseRunning)
	first := 1
	if cp := s.cfg.Resume; cp != nil {
		first = cp.Round + 1
		s.stats = cp.Stats
		s.savedAccepts = cp.Stats.Accepted
	}
	for round := first; round <= s.cfg.Rounds; round++ {
		if err := s.round(ctx, round); err != nil {
			return nil, err
		}
	}

	s.enter(PhaseTerminating)
	if err := s.terminate(ctx); err != nil {
		return nil, err
	}
	s.enter(PhaseDone)

	res := &Result{
		RunID:   s.cfg.RunID,
		Samples: make([]*state.Sample, len(s.slots)),
		Swaps:   s.matrix,
		Stats:   s.stats,
		Rounds:  s.cfg.Rounds,
	}
	copy(res.Samples, s.slots)
	res.ColdLogLikelihood = math.Inf(-1)
	if cold := s.slots.Cold(); cold != nil && cold.Cache.LikelihoodValid {
		res.ColdLogLikelihood = cold.Cache.Likelihood
	}
	return res, nil
}

// spawn launches one worker per chain.
func (s *Supervisor) spawn(ctx context.Context) error {
	for c := 0; c < s.cfg.Ladder.Len(); c++ {
		opts := worker.ChainOptions{
			Chain:          c,
			Temperature:    s.cfg.Ladder.At(c),
			SubchainLength: s.cfg.SubchainLength,
			LogInterval:    s.cfg.LogInterval,
			Seed:           s.cfg.Seed,
		}
		h, err := s.launcher.Launch(ctx, opts)
		if err != nil {
			var we *mcerr.WorkerError
			if errors.As(err, &we) {
				return err
			}
			return &mcerr.WorkerError{Chain: c, Err: err}
		}
		s.handles = append(s.handles, h)
	}
	s.logger.Info("workers started", slog.Int("chains", len(s.handles)))
	return nil
}

// initialize sends initialize_chain to every worker in parallel.
func (s *Supervisor) initialize(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanInitialize)
	defer span.End()

	results := make([]*state.Sample, len(s.handles))
	g, gctx := errgroup.WithContext(ctx)
	for c, h := range s.handles {
		setup := s.cfg.Setup
		setup.Resume = nil
		if s.cfg.Resume != nil {
			setup.Resume = s.cfg.Resume.Samples[c]
		}
		g.Go(func() error {
			out, err := s.request(gctx, h, worker.Initialize{Setup: &setup})
			results[c] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	for c, smp := range results {
		if err := s.slots.Put(c, smp); err != nil {
			return err
		}
	}
	cold := s.slots.Cold()
	s.logger.Info("chains initialized",
		slog.Int("chains", len(results)),
		slog.Int("step", cold.Step),
		slog.Float64("log_likelihood", cold.Cache.Likelihood))
	return nil
}

// round runs one subchain on every worker, waits at the barrier, then
// swaps.
func (s *Supervisor) round(ctx context.Context, round int) error {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanRound, attribute.Int("mc3.round", round))
	defer span.End()

	results := make([]*state.Sample, len(s.handles))
	g, gctx := errgroup.WithContext(ctx)
	for c, h := range s.handles {
		smp := s.slots.Take(c)
		g.Go(func() error {
			out, err := s.request(gctx, h, worker.Run{Sample: smp})
			results[c] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	for c, smp := range results {
		if err := s.slots.Put(c, smp); err != nil {
			return err
		}
	}

	if err := s.swap(ctx); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	cold := s.slots.Cold()
	elapsed := time.Since(start)
	perMillion := 0.0
	if s.cfg.SubchainLength > 0 {
		perMillion = elapsed.Seconds() * 1e6 / float64(s.cfg.SubchainLength)
	}
	telemetry.LoggerWithTrace(ctx, s.logger).Info("cold chain",
		slog.Int("round", round),
		slog.Int("step", cold.Step),
		slog.Float64("log_likelihood", cold.Cache.Likelihood),
		slog.Float64("seconds_per_million_steps", perMillion))
	telemetry.ObserveRound(elapsed)
	telemetry.SetColdLogLikelihood(cold.Cache.Likelihood)

	if s.checkpoints != nil {
		cp := &badger.Checkpoint{
			RunID:   s.cfg.RunID,
			Round:   round,
			Samples: append([]*state.Sample(nil), s.slots...),
			Swaps:   s.matrix,
			Stats:   s.stats,
		}
		if err := s.checkpoints.Save(ctx, cp); err != nil {
			return fmt.Errorf("checkpoint after round %d: %w", round, err)
		}
	}
	if s.onRound != nil {
		s.onRound(round, cold)
	}
	return nil
}

// swap proposes one batch of swaps and persists the matrix when new swaps
// were accepted.
func (s *Supervisor) swap(ctx context.Context) error {
	_, span := telemetry.StartSpan(ctx, telemetry.SpanSwap)
	defer span.End()

	r, err := s.swapper.Propose(s.slots, s.matrix, s.stats)
	if err != nil {
		return err
	}
	s.stats = s.stats.Merge(r.Stats)
	for _, d := range r.Decisions {
		telemetry.RecordSwap(d.Pair.A, d.Pair.B, d.Accepted)
	}
	span.SetAttributes(
		attribute.Int("mc3.swaps_attempted", r.Stats.Attempted),
		attribute.Int("mc3.swaps_accepted", r.Stats.Accepted))

	if s.cfg.SwapMatrixPath != "" && s.stats.Accepted > s.savedAccepts {
		if err := s.matrix.Save(s.cfg.SwapMatrixPath); err != nil {
			return err
		}
		s.savedAccepts = s.stats.Accepted
	}
	return nil
}

// terminate asks every worker to exit and waits for all of them.
func (s *Supervisor) terminate(ctx context.Context) error {
	var errs []error
	for _, h := range s.handles {
		if err := s.send(ctx, h, worker.Terminate{}); err != nil {
			errs = append(errs, err)
		}
	}
	for _, h := range s.handles {
		if err := h.Endpoint.Close(); err != nil && !errors.Is(err, worker.ErrClosed) {
			s.logger.Debug("closing worker endpoint", slog.Int("chain", h.Chain), slog.String("error", err.Error()))
		}
		if err := h.Wait(); err != nil {
			errs = append(errs, &mcerr.WorkerError{Chain: h.Chain, Command: worker.KindTerminate.String(), Err: err})
		}
	}
	s.handles = nil
	return errors.Join(errs...)
}

// abort tears every worker down after a failure.
func (s *Supervisor) abort() {
	if len(s.handles) == 0 {
		return
	}
	s.logger.Warn("aborting run", slog.String("phase", s.phase.String()))
	ctx, cancel := context.WithTimeout(context.Background(), abortGrace)
	defer cancel()
	for _, h := range s.handles {
		_ = h.Endpoint.Send(ctx, worker.Terminate{})
	}
	for _, h := range s.handles {
		_ = h.Endpoint.Close()
		if err := h.Kill(); err != nil {
			s.logger.Warn("killing worker", slog.Int("chain", h.Chain), slog.String("error", err.Error()))
		}
		_ = h.Wait()
	}
	s.handles = nil
}

// request sends cmd and waits for its response.
func (s *Supervisor) request(ctx context.Context, h *worker.Handle, cmd worker.Command) (*state.Sample, error) {
	if s.cfg.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WorkerTimeout)
		defer cancel()
	}
	fail := func(err error) error {
		return &mcerr.WorkerError{Chain: h.Chain, Command: cmd.Kind().String(), Err: err}
	}
	if err := h.Endpoint.Send(ctx, cmd); err != nil {
		return nil, fail(err)
	}
	resp, err := h.Endpoint.Receive(ctx)
	if err != nil {
		return nil, fail(err)
	}
	if resp.Err != "" {
		return nil, fail(errors.New(resp.Err))
	}
	if resp.Sample == nil {
		return nil, fail(errors.New("response carries no sample"))
	}
	return resp.Sample, nil
}

func (s *Supervisor) send(ctx context.Context, h *worker.Handle, cmd worker.Command) error {
	if s.cfg.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WorkerTimeout)
		defer cancel()
	}
	if err := h.Endpoint.Send(ctx, cmd); err != nil {
		return &mcerr.WorkerError{Chain: h.Chain, Command: cmd.Kind().String(), Err: err}
	}
	return nil
}
