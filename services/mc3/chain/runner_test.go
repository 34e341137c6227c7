// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chain

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
	"github.com/AleutianAI/AleutianMC3/services/mc3/tempering"
)

// =============================================================================
// Fakes
// =============================================================================

// valueModel scores a sample by Weights[0][0] (likelihood) and
// Weights[0][1] (prior).
type valueModel struct{}

func (valueModel) Likelihood(s *state.Sample) float64 { return s.Weights[0][0] }
func (valueModel) Prior(s *state.Sample) float64      { return s.Weights[0][1] }

func valueSample(ll float64) *state.Sample {
	return &state.Sample{Weights: [][]float64{{ll, -1}}}
}

// nudge adds delta to the likelihood value and always accepts.
type nudge struct {
	name  string
	delta float64
	calls int
	temps []tempering.Pair
}

func (n *nudge) Name() string { return n.name }

func (n *nudge) Step(s *state.Sample, env *Env) (*state.Sample, bool) {
	n.calls++
	n.temps = append(n.temps, env.Temperature)
	s.Weights[0][0] += n.delta
	s.Invalidate()
	return s, true
}

// reject leaves the sample untouched.
type reject struct{}

func (reject) Name() string { return "reject" }
func (reject) Step(s *state.Sample, _ *Env) (*state.Sample, bool) {
	return s, false
}

type recordingLogger struct {
	steps  []int
	lls    []float64
	stats  []OperatorStats
	closed bool
	err    error
}

func (l *recordingLogger) Write(s *state.Sample) error {
	if !s.Cache.LikelihoodValid || !s.Cache.PriorValid {
		return errors.New("cache not valid")
	}
	l.steps = append(l.steps, s.Step)
	l.lls = append(l.lls, s.Cache.Likelihood)
	return l.err
}

func (l *recordingLogger) WriteOperatorStats(stats []OperatorStats) error {
	l.stats = stats
	return nil
}

func (l *recordingLogger) Close() error {
	l.closed = true
	return nil
}

// fixedInit hands out samples with predetermined likelihood values.
type fixedInit struct {
	values []float64
	next   int
}

func (f *fixedInit) Generate(int) (*state.Sample, error) {
	if f.next >= len(f.values) {
		return nil, errors.New("out of samples")
	}
	v := f.values[f.next]
	f.next++
	return valueSample(v), nil
}

func testRNG() *rand.Rand {
	return rand.New(rand.NewPCG(1, 2))
}

func mustSchedule(t *testing.T, ops ...Weighted) *Schedule {
	t.Helper()
	s, err := NewSchedule(ops)
	require.NoError(t, err)
	return s
}

// =============================================================================
// Tests
// =============================================================================

func TestRunner_Run(t *testing.T) {
	op := &nudge{name: "nudge", delta: 1}
	log := &recordingLogger{}
	temp := tempering.Pair{Likelihood: 2, Prior: 1}
	r := NewRunner(Config{Chain: 1, Temperature: temp}, valueModel{},
		mustSchedule(t, Weighted{Operator: op, Weight: 1}), testRNG(), nil, log)

	s := valueSample(-10)
	s.Step = 5
	out, err := r.Run(context.Background(), s, 10, 4)
	require.NoError(t, err)

	assert.Equal(t, 15, out.Step)
	assert.Equal(t, 10, op.calls)
	assert.Equal(t, temp, op.temps[0])
	assert.Equal(t, []int{8, 12}, log.steps)
	assert.Equal(t, []float64{-7, -3}, log.lls)
	assert.True(t, out.Cache.LikelihoodValid)
	assert.True(t, out.Cache.PriorValid)
	assert.Equal(t, 0.0, r.LastLogLikelihood())

	require.NoError(t, r.Close())
	assert.True(t, log.closed)
	require.Len(t, log.stats, 1)
	assert.Equal(t, OperatorStats{Name: "nudge", Proposed: 10, Accepted: 10}, log.stats[0])
}

func TestRunner_RunWithoutLogging(t *testing.T) {
	log := &recordingLogger{}
	r := NewRunner(Config{}, valueModel{}, mustSchedule(t, Weighted{Operator: reject{}, Weight: 1}), testRNG(), nil, log)

	out, err := r.Run(context.Background(), valueSample(-2), 50, 0)
	require.NoError(t, err)
	assert.Empty(t, log.steps)
	assert.Equal(t, 50, out.Step)

	stats := r.OperatorStats()
	assert.Equal(t, 50, stats[0].Proposed)
	assert.Equal(t, 0.0, stats[0].AcceptanceRate())
}

func TestRunner_RunCancelled(t *testing.T) {
	r := NewRunner(Config{}, valueModel{}, mustSchedule(t, Weighted{Operator: reject{}, Weight: 1}), testRNG(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, valueSample(0), 10, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_LoggerError(t *testing.T) {
	boom := errors.New("disk full")
	log := &recordingLogger{err: boom}
	r := NewRunner(Config{}, valueModel{}, mustSchedule(t, Weighted{Operator: reject{}, Weight: 1}), testRNG(), nil, log)

	_, err := r.Run(context.Background(), valueSample(0), 3, 1)
	assert.ErrorIs(t, err, boom)
}

func TestRunner_WarmUpKeepsBest(t *testing.T) {
	r := NewRunner(Config{}, valueModel{}, mustSchedule(t, Weighted{Operator: reject{}, Weight: 1}), testRNG(), nil)
	seeds := &fixedInit{values: []float64{-10, -5, -20}}

	best, err := r.WarmUp(context.Background(), seeds, 3, 5)
	require.NoError(t, err)
	assert.Equal(t, -5.0, best.LogLikelihood(valueModel{}))
	assert.Equal(t, 5, best.Step)
	assert.Equal(t, 3, seeds.next)
	assert.True(t, math.IsInf(r.LastLogLikelihood(), -1))
}

func TestRunner_WarmUpAllInfinite(t *testing.T) {
	r := NewRunner(Config{}, valueModel{}, mustSchedule(t, Weighted{Operator: reject{}, Weight: 1}), testRNG(), nil)
	inf := math.Inf(-1)
	seeds := &fixedInit{values: []float64{inf, inf}}

	best, err := r.WarmUp(context.Background(), seeds, 2, 1)
	require.NoError(t, err)
	require.NotNil(t, best)
}

func TestRunner_WarmUpErrors(t *testing.T) {
	r := NewRunner(Config{}, valueModel{}, mustSchedule(t, Weighted{Operator: reject{}, Weight: 1}), testRNG(), nil)

	_, err := r.WarmUp(context.Background(), &fixedInit{}, 0, 1)
	assert.Error(t, err)

	_, err = r.WarmUp(context.Background(), &fixedInit{values: []float64{-1}}, 2, 1)
	assert.ErrorContains(t, err, "out of samples")
}

func TestSchedule(t *testing.T) {
	a := &nudge{name: "a"}
	b := &nudge{name: "b"}
	s := mustSchedule(t,
		Weighted{Operator: a, Weight: 3},
		Weighted{Operator: b, Weight: 1},
		Weighted{Operator: reject{}, Weight: 0},
	)
	require.Len(t, s.Operators(), 2)

	rng := testRNG()
	counts := map[string]int{}
	for i := 0; i < 4000; i++ {
		counts[s.Pick(rng).Name()]++
	}
	assert.InDelta(t, 3000, counts["a"], 200)
	assert.InDelta(t, 1000, counts["b"], 200)
	assert.Zero(t, counts["reject"])

	_, err := NewSchedule(nil)
	assert.Error(t, err)
	_, err = NewSchedule([]Weighted{{Operator: a, Weight: -1}})
	assert.Error(t, err)
}

func TestPriorOnly(t *testing.T) {
	m := PriorOnly(valueModel{})
	s := valueSample(-42)
	assert.Equal(t, 0.0, m.Likelihood(s))
	assert.Equal(t, -1.0, m.Prior(s))
}

func TestStream(t *testing.T) {
	assert.Equal(t, uint64(3), Stream(3, 0))
	assert.Equal(t, uint64(3), Stream(3, -1))

	resumed := Stream(3, 400)
	assert.NotEqual(t, uint64(3), resumed)
	assert.NotEqual(t, resumed, Stream(3, 800))
	assert.NotEqual(t, resumed, Stream(4, 400))

	fresh := rand.New(rand.NewPCG(7, 3))
	cont := rand.New(rand.NewPCG(7, resumed))
	assert.NotEqual(t, fresh.Uint64(), cont.Uint64())
}
