// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMC3/services/mc3/chain"
	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
	"github.com/AleutianAI/AleutianMC3/services/mc3/storage/badger"
	"github.com/AleutianAI/AleutianMC3/services/mc3/swap"
	"github.com/AleutianAI/AleutianMC3/services/mc3/tempering"
	"github.com/AleutianAI/AleutianMC3/services/mc3/worker"
)

// =============================================================================
// Scripted workers
// =============================================================================

// recorder keeps the global order of commands and swap batches.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// scripted answers commands directly: initialize yields a sample scored
// -chain, run adds 10 steps.
type scripted struct {
	chain   int
	rec     *recorder
	failOn  worker.Kind
	hangOn  worker.Kind
	pending worker.Command
	resumed *state.Sample
	killed  bool
}

func (e *scripted) Send(_ context.Context, cmd worker.Command) error {
	e.rec.add("%s:%d", cmd.Kind(), e.chain)
	if c, ok := cmd.(worker.Initialize); ok {
		e.resumed = c.Setup.Resume
	}
	e.pending = cmd
	return nil
}

func (e *scripted) Receive(ctx context.Context) (worker.Response, error) {
	cmd := e.pending
	e.pending = nil
	if cmd == nil {
		return worker.Response{}, errors.New("no command pending")
	}
	if cmd.Kind() == e.hangOn {
		<-ctx.Done()
		return worker.Response{}, ctx.Err()
	}
	if cmd.Kind() == e.failOn {
		return worker.Response{Err: "model exploded"}, nil
	}
	switch c := cmd.(type) {
	case worker.Initialize:
		s := c.Setup.Resume
		if s == nil {
			s = &state.Sample{Weights: [][]float64{{0}}}
			s.SetScores(-float64(e.chain), 0)
		}
		return worker.Response{Sample: s}, nil
	case worker.Run:
		c.Sample.Step += 10
		return worker.Response{Sample: c.Sample}, nil
	}
	return worker.Response{}, fmt.Errorf("unexpected %s", cmd.Kind())
}

func (e *scripted) Close() error { return nil }

type scriptedLauncher struct {
	rec       *recorder
	endpoints []*scripted
	edit      func(*scripted)
	exitErr   error
}

func (l *scriptedLauncher) Launch(_ context.Context, opts worker.ChainOptions) (*worker.Handle, error) {
	ep := &scripted{chain: opts.Chain, rec: l.rec}
	if l.edit != nil {
		l.edit(ep)
	}
	l.endpoints = append(l.endpoints, ep)
	wait := func() error { return l.exitErr }
	kill := func() error {
		ep.killed = true
		return nil
	}
	return worker.NewHandle(opts.Chain, ep, wait, kill), nil
}

// swapper exchanges chains 0 and 1 in the rounds listed in accept.
type swapper struct {
	rec    *recorder
	accept map[int]bool
	calls  int
	full   []bool
}

func (s *swapper) Propose(slots state.Slots, m *swap.Matrix, _ swap.Stats) (swap.Round, error) {
	s.calls++
	s.rec.add("swap")
	s.full = append(s.full, slots.Full())
	d := swap.Decision{Pair: swap.Pair{A: 0, B: 1}, Accepted: s.accept[s.calls]}
	r := swap.Round{Stats: swap.Stats{Attempted: 1}, Decisions: []swap.Decision{d}}
	if d.Accepted {
		slots.Exchange(0, 1)
		m.Inc(0, 1)
		r.Stats.Accepted = 1
	}
	return r, nil
}

type memCheckpoints struct {
	rounds []int
	steps  []int
}

func (m *memCheckpoints) Save(_ context.Context, cp *badger.Checkpoint) error {
	m.rounds = append(m.rounds, cp.Round)
	m.steps = append(m.steps, cp.Samples[0].Step)
	return nil
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func ladder(t *testing.T, n int) tempering.Ladder {
	t.Helper()
	l, err := tempering.NewLinearLadder(n, 0.5, 0)
	require.NoError(t, err)
	return l
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func baseConfig(t *testing.T, chains, rounds int) Config {
	return Config{
		RunID:          "run-test",
		Ladder:         ladder(t, chains),
		Rounds:         rounds,
		SubchainLength: 10,
		LogInterval:    5,
		Seed:           7,
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "spawning", PhaseSpawning.String())
	assert.Equal(t, "running", PhaseRunning.String())
	assert.Equal(t, "done", PhaseDone.String())
	assert.Equal(t, "phase(9)", Phase(9).String())
}

func TestNew_RejectsBadConfig(t *testing.T) {
	rec := &recorder{}
	cfg := baseConfig(t, 2, 1)
	cfg.SubchainLength = 0
	_, err := New(cfg, &scriptedLauncher{rec: rec}, &swapper{rec: rec}, quiet())
	assert.ErrorIs(t, err, mcerr.ErrConfiguration)

	cfg = baseConfig(t, 2, 1)
	cfg.Resume = &badger.Checkpoint{Samples: make([]*state.Sample, 3), Swaps: swap.NewMatrix(3)}
	_, err = New(cfg, &scriptedLauncher{rec: rec}, &swapper{rec: rec}, quiet())
	assert.ErrorIs(t, err, mcerr.ErrConfiguration)
}

func TestSupervisor_RoundBarrier(t *testing.T) {
	rec := &recorder{}
	launcher := &scriptedLauncher{rec: rec}
	sw := &swapper{rec: rec}
	var phases []Phase
	sup, err := New(baseConfig(t, 3, 5), launcher, sw, quiet(),
		WithPhaseHook(func(p Phase) { phases = append(phases, p) }))
	require.NoError(t, err)

	res, err := sup.Run(testCtx(t))
	require.NoError(t, err)

	assert.Equal(t, []Phase{PhaseSpawning, PhaseInitializing, PhaseRunning, PhaseTerminating, PhaseDone}, phases)
	assert.Equal(t, 5, sw.calls)
	for _, full := range sw.full {
		assert.True(t, full, "swaps only see gathered samples")
	}

	// initialize, then five blocks of run_chain x3 followed by one swap,
	// then terminate x3.
	events := rec.snapshot()
	require.Len(t, events, 3+5*4+3)
	for _, e := range events[:3] {
		assert.True(t, strings.HasPrefix(e, "initialize_chain:"), e)
	}
	for r := 0; r < 5; r++ {
		block := events[3+r*4 : 3+(r+1)*4]
		seen := map[string]bool{}
		for _, e := range block[:3] {
			require.True(t, strings.HasPrefix(e, "run_chain:"), "round %d: %v", r, block)
			seen[e] = true
		}
		assert.Len(t, seen, 3, "each chain runs once per round")
		assert.Equal(t, "swap", block[3])
	}
	for _, e := range events[len(events)-3:] {
		assert.True(t, strings.HasPrefix(e, "terminate:"), e)
	}

	require.Len(t, res.Samples, 3)
	for _, s := range res.Samples {
		assert.Equal(t, 50, s.Step)
	}
	assert.Equal(t, swap.Stats{Attempted: 5}, res.Stats)
	assert.Equal(t, 5, res.Rounds)
	assert.Equal(t, 0.0, res.ColdLogLikelihood)
}

func TestSupervisor_ZeroRounds(t *testing.T) {
	rec := &recorder{}
	sw := &swapper{rec: rec}
	sup, err := New(baseConfig(t, 2, 0), &scriptedLauncher{rec: rec}, sw, quiet())
	require.NoError(t, err)

	res, err := sup.Run(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 0, sw.calls)
	assert.Equal(t, 0, res.Samples[0].Step)
}

func TestSupervisor_WorkerErrorAborts(t *testing.T) {
	rec := &recorder{}
	launcher := &scriptedLauncher{rec: rec, edit: func(e *scripted) {
		if e.chain == 1 {
			e.failOn = worker.KindRun
		}
	}}
	sw := &swapper{rec: rec}
	sup, err := New(baseConfig(t, 3, 4), launcher, sw, quiet())
	require.NoError(t, err)

	_, err = sup.Run(testCtx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, mcerr.ErrWorkerFailed)

	var we *mcerr.WorkerError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 1, we.Chain)
	assert.Equal(t, "run_chain", we.Command)
	assert.Contains(t, err.Error(), "model exploded")

	assert.Equal(t, 0, sw.calls, "no swap after a failed subchain")
	for _, ep := range launcher.endpoints {
		assert.True(t, ep.killed, "chain %d killed", ep.chain)
	}
	assert.Equal(t, PhaseRunning, sup.Phase())
}

func TestSupervisor_InitializeFailure(t *testing.T) {
	rec := &recorder{}
	launcher := &scriptedLauncher{rec: rec, edit: func(e *scripted) {
		if e.chain == 0 {
			e.failOn = worker.KindInitialize
		}
	}}
	sup, err := New(baseConfig(t, 2, 2), launcher, &swapper{rec: rec}, quiet())
	require.NoError(t, err)

	_, err = sup.Run(testCtx(t))
	var we *mcerr.WorkerError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "initialize_chain", we.Command)
	assert.Equal(t, PhaseInitializing, sup.Phase())
}

func TestSupervisor_WorkerTimeout(t *testing.T) {
	rec := &recorder{}
	launcher := &scriptedLauncher{rec: rec, edit: func(e *scripted) {
		if e.chain == 1 {
			e.hangOn = worker.KindRun
		}
	}}
	cfg := baseConfig(t, 2, 3)
	cfg.WorkerTimeout = 50 * time.Millisecond
	sup, err := New(cfg, launcher, &swapper{rec: rec}, quiet())
	require.NoError(t, err)

	_, err = sup.Run(testCtx(t))
	var we *mcerr.WorkerError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, 1, we.Chain)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSupervisor_TerminateExitError(t *testing.T) {
	rec := &recorder{}
	launcher := &scriptedLauncher{rec: rec, exitErr: errors.New("exit status 3")}
	sup, err := New(baseConfig(t, 2, 1), launcher, &swapper{rec: rec}, quiet())
	require.NoError(t, err)

	_, err = sup.Run(testCtx(t))
	var we *mcerr.WorkerError
	require.ErrorAs(t, err, &we)
	assert.Equal(t, "terminate", we.Command)
}

func TestSupervisor_SavesMatrixOnlyAfterNewAccepts(t *testing.T) {
	rec := &recorder{}
	path := filepath.Join(t.TempDir(), "K1", "mc3_swaps.txt")
	cfg := baseConfig(t, 2, 4)
	cfg.SwapMatrixPath = path

	var sizes []int
	sw := &swapper{rec: rec, accept: map[int]bool{2: true, 3: true}}
	sup, err := New(cfg, &scriptedLauncher{rec: rec}, sw, quiet(),
		WithRoundHook(func(round int, _ *state.Sample) {
			m, err := swap.LoadMatrix(path)
			if err != nil {
				sizes = append(sizes, -1)
				return
			}
			sizes = append(sizes, m.At(0, 1))
		}))
	require.NoError(t, err)

	res, err := sup.Run(testCtx(t))
	require.NoError(t, err)

	assert.Equal(t, []int{-1, 1, 2, 2}, sizes)
	assert.Equal(t, 2, res.Swaps.At(0, 1))
	assert.Equal(t, swap.Stats{Attempted: 4, Accepted: 2}, res.Stats)

	// Two exchanges put the original samples back.
	assert.Equal(t, 0.0, res.ColdLogLikelihood)
	assert.Equal(t, -1.0, res.Samples[1].Cache.Likelihood)
}

func TestSupervisor_Checkpoints(t *testing.T) {
	rec := &recorder{}
	cps := &memCheckpoints{}
	sup, err := New(baseConfig(t, 2, 3), &scriptedLauncher{rec: rec}, &swapper{rec: rec}, quiet(),
		WithCheckpointer(cps))
	require.NoError(t, err)

	_, err = sup.Run(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, cps.rounds)
	assert.Equal(t, []int{10, 20, 30}, cps.steps)
}

func TestSupervisor_Resume(t *testing.T) {
	rec := &recorder{}
	launcher := &scriptedLauncher{rec: rec}
	sw := &swapper{rec: rec}

	samples := make([]*state.Sample, 2)
	for c := range samples {
		samples[c] = &state.Sample{Weights: [][]float64{{0}}, Step: 30}
		samples[c].SetScores(float64(-10*c), 0)
	}
	m := swap.NewMatrix(2)
	m.Inc(0, 1)
	cfg := baseConfig(t, 2, 5)
	cfg.Resume = &badger.Checkpoint{
		RunID:   "run-test",
		Round:   3,
		Samples: samples,
		Swaps:   m,
		Stats:   swap.Stats{Attempted: 3, Accepted: 1},
	}
	sup, err := New(cfg, launcher, sw, quiet())
	require.NoError(t, err)

	res, err := sup.Run(testCtx(t))
	require.NoError(t, err)

	assert.Same(t, samples[0], launcher.endpoints[0].resumed)
	assert.Same(t, samples[1], launcher.endpoints[1].resumed)
	assert.Equal(t, 2, sw.calls, "rounds 4 and 5 only")
	assert.Equal(t, 50, res.Samples[0].Step)
	assert.Equal(t, swap.Stats{Attempted: 5, Accepted: 1}, res.Stats)
	assert.Equal(t, 1, res.Swaps.At(0, 1))
}

func TestSupervisor_ResumeLoadsMatrixFile(t *testing.T) {
	rec := &recorder{}
	launcher := &scriptedLauncher{rec: rec}

	path := filepath.Join(t.TempDir(), "swaps.txt")
	saved := swap.NewMatrix(2)
	saved.Inc(0, 1)
	saved.Inc(0, 1)
	require.NoError(t, saved.Save(path))

	samples := []*state.Sample{{Step: 30}, {Step: 30}}
	for _, s := range samples {
		s.SetScores(-1, 0)
	}
	cfg := baseConfig(t, 2, 3)
	cfg.SwapMatrixPath = path
	cfg.Resume = &badger.Checkpoint{RunID: "run-test", Round: 3, Samples: samples, Stats: swap.Stats{Attempted: 3, Accepted: 2}}

	sup, err := New(cfg, launcher, &swapper{rec: rec}, quiet())
	require.NoError(t, err)
	res, err := sup.Run(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Swaps.At(0, 1))

	cfg.SwapMatrixPath = filepath.Join(t.TempDir(), "absent.txt")
	_, err = New(cfg, launcher, &swapper{rec: rec}, quiet())
	assert.ErrorIs(t, err, mcerr.ErrConfiguration)
}

func TestSupervisor_Cancelled(t *testing.T) {
	rec := &recorder{}
	launcher := &scriptedLauncher{rec: rec, edit: func(e *scripted) { e.hangOn = worker.KindRun }}
	sup, err := New(baseConfig(t, 2, 3), launcher, &swapper{rec: rec}, quiet())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = sup.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// End to end over in-process workers
// =============================================================================

type lhModel struct{}

func (lhModel) Likelihood(s *state.Sample) float64 { return s.Weights[0][0] }
func (lhModel) Prior(*state.Sample) float64        { return 0 }

type increment struct{}

func (increment) Name() string { return "increment" }
func (increment) Step(s *state.Sample, _ *chain.Env) (*state.Sample, bool) {
	s.Weights[0][0]++
	s.Invalidate()
	return s, true
}

// byChain starts chain c at 100*c.
type byChain struct{}

func (byChain) Generate(c int) (*state.Sample, error) {
	return &state.Sample{Weights: [][]float64{{float64(100 * c)}}}, nil
}

type factory struct{}

func (factory) Build(context.Context, worker.ChainOptions, *worker.Setup) (*worker.Bundle, error) {
	return &worker.Bundle{
		Model:        lhModel{},
		Operators:    []chain.Weighted{{Operator: increment{}, Weight: 1}},
		Initializer:  byChain{},
		WarmupChains: 1,
		WarmupSteps:  1,
	}, nil
}

func TestSupervisor_EndToEnd(t *testing.T) {
	ctx := testCtx(t)
	// Equal temperatures: every proposed swap is accepted.
	l, err := tempering.NewLinearLadder(2, 0, 0)
	require.NoError(t, err)
	coord, err := swap.NewCoordinator(l, lhModel{}, swap.Config{Attempts: 1}, rand.New(rand.NewPCG(1, 2)), quiet())
	require.NoError(t, err)

	store, err := badger.OpenStore(badger.InMemoryConfig())
	require.NoError(t, err)
	defer store.Close()

	path := filepath.Join(t.TempDir(), "swaps.txt")
	cfg := Config{
		RunID:          "e2e",
		Ladder:         l,
		Rounds:         4,
		SubchainLength: 10,
		Seed:           3,
		WorkerTimeout:  5 * time.Second,
		SwapMatrixPath: path,
	}
	launcher := &worker.GoroutineLauncher{Factory: factory{}, Logger: quiet()}
	sup, err := New(cfg, launcher, coord, quiet(), WithCheckpointer(store))
	require.NoError(t, err)

	res, err := sup.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, swap.Stats{Attempted: 4, Accepted: 4}, res.Stats)
	assert.Equal(t, 4, res.Swaps.At(0, 1))
	assert.Equal(t, 41, res.Samples[0].Step)
	assert.Equal(t, 41.0, res.ColdLogLikelihood)
	assert.Equal(t, 141.0, res.Samples[1].Cache.Likelihood)

	saved, err := swap.LoadMatrix(path)
	require.NoError(t, err)
	assert.Equal(t, 4, saved.At(0, 1))

	cp, err := store.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, cp.Round)
	assert.Equal(t, 41, cp.Samples[0].Step)
}
