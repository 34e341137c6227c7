// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package swap proposes and accepts state exchanges between tempered
// chains.
//
// # Acceptance
//
// For a pair (a, b) with samples s_a, s_b the log acceptance ratio is
//
//	mh = -((prior(s_a) - prior(s_b)) * (1/Tp_a - 1/Tp_b)
//	     + (lh(s_a)    - lh(s_b))    * (1/T_a  - 1/T_b))
//
// and the swap is accepted when log(U) < mh with U uniform on [0, 1).
// Equal temperature pairs give mh = 0, so every such swap is accepted.
//
// # Ownership
//
// An accepted swap exchanges the two slots; temperatures stay with the
// chain index. Nothing is copied.
package swap

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"

	"gonum.org/v1/gonum/stat/sampleuv"

	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
	"github.com/AleutianAI/AleutianMC3/services/mc3/tempering"
)

// =============================================================================
// Types
// =============================================================================

// Pair is an unordered chain pair with A < B.
type Pair struct {
	A, B int
}

// String formats the pair as "a-b".
func (p Pair) String() string {
	return strconv.Itoa(p.A) + "-" + strconv.Itoa(p.B)
}

// Stats counts swap proposals. It is returned by value and merged by the
// caller; the coordinator keeps no counters of its own.
type Stats struct {
	Attempted int
	Accepted  int
}

// Merge returns the element-wise sum of s and o.
func (s Stats) Merge(o Stats) Stats {
	return Stats{Attempted: s.Attempted + o.Attempted, Accepted: s.Accepted + o.Accepted}
}

// Rate returns Accepted/Attempted, or 0 when nothing was attempted.
func (s Stats) Rate() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Accepted) / float64(s.Attempted)
}

// Decision records one swap proposal.
type Decision struct {
	Pair     Pair
	MHRatio  float64
	PAccept  float64
	Accepted bool
}

// Round is the outcome of one Propose call.
type Round struct {
	Stats     Stats
	Decisions []Decision
}

// Config controls pair selection.
type Config struct {
	// Attempts is the number of distinct pairs proposed per round.
	Attempts int

	// NeighboursOnly restricts candidates to (i, i+1).
	NeighboursOnly bool
}

// =============================================================================
// Pure functions
// =============================================================================

// CandidatePairs lists the pairs eligible for swapping among n chains.
func CandidatePairs(n int, neighboursOnly bool) []Pair {
	var pairs []Pair
	if neighboursOnly {
		for i := 0; i+1 < n; i++ {
			pairs = append(pairs, Pair{A: i, B: i + 1})
		}
		return pairs
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pairs = append(pairs, Pair{A: i, B: j})
		}
	}
	return pairs
}

// MHRatio returns the log acceptance ratio for exchanging the states of
// chains a and b.
func MHRatio(lhA, lhB, priorA, priorB float64, ta, tb tempering.Pair) float64 {
	logPriorRatio := priorA - priorB
	logLhRatio := lhA - lhB
	priorExpDiff := 1/ta.Prior - 1/tb.Prior
	lhExpDiff := 1/ta.Likelihood - 1/tb.Likelihood

	return -(mulZero(logPriorRatio, priorExpDiff) + mulZero(logLhRatio, lhExpDiff))
}

// mulZero multiplies, treating 0 * x as 0 even for infinite x. Chains at
// equal temperature must always swap, whatever their scores.
func mulZero(x, y float64) float64 {
	if x == 0 || y == 0 {
		return 0
	}
	return x * y
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator proposes swaps between chains.
//
// # Thread Safety
//
// Not safe for concurrent use. The supervisor calls Propose once per round.
type Coordinator struct {
	ladder tempering.Ladder
	model  state.Model
	cfg    Config
	pairs  []Pair
	rng    *rand.Rand
	logger *slog.Logger
}

// NewCoordinator validates cfg against the ladder.
//
// # Outputs
//
//   - error: *mcerr.ConfigurationError when Attempts is negative or exceeds
//     the number of candidate pairs
func NewCoordinator(ladder tempering.Ladder, model state.Model, cfg Config, rng *rand.Rand, logger *slog.Logger) (*Coordinator, error) {
	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	pairs := CandidatePairs(ladder.Len(), cfg.NeighboursOnly)
	if cfg.Attempts < 0 {
		return nil, mcerr.NewConfigurationError("swap", "swap attempts must be >= 0, got %d", cfg.Attempts)
	}
	if cfg.Attempts > len(pairs) {
		return nil, mcerr.NewConfigurationError("swap",
			"%d swap attempts per round exceed the %d available chain pairs (chains=%d, only_swap_neighbours=%t)",
			cfg.Attempts, len(pairs), ladder.Len(), cfg.NeighboursOnly)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		ladder: ladder,
		model:  model,
		cfg:    cfg,
		pairs:  pairs,
		rng:    rng,
		logger: logger,
	}, nil
}

// Pairs returns the candidate pairs.
func (c *Coordinator) Pairs() []Pair { return c.pairs }

// Propose runs one round of swap proposals on slots.
//
// # Description
//
// Draws Attempts distinct candidate pairs without replacement and tests
// each in turn against the current slot contents, so a state moved by an
// earlier accepted swap in the same round is tested at its new index.
// Accepted swaps exchange the slots and increment matrix. running is the
// cumulative Stats before this round; it is used only for the logged
// acceptance rate.
//
// # Outputs
//
//   - Round: this round's Stats and per-pair decisions
//   - error: *mcerr.ConfigurationError when slots do not match the ladder
func (c *Coordinator) Propose(slots state.Slots, matrix *Matrix, running Stats) (Round, error) {
	if len(slots) != c.ladder.Len() {
		return Round{}, mcerr.NewConfigurationError("swap", "%d slots for a ladder of %d chains", len(slots), c.ladder.Len())
	}
	if !slots.Full() {
		return Round{}, mcerr.NewConfigurationError("swap", "cannot swap with empty chain slots")
	}

	var round Round
	for _, p := range c.choose() {
		a, b := slots[p.A], slots[p.B]
		mh := MHRatio(
			a.LogLikelihood(c.model), b.LogLikelihood(c.model),
			a.LogPrior(c.model), b.LogPrior(c.model),
			c.ladder.At(p.A), c.ladder.At(p.B),
		)
		accept := math.Log(c.rng.Float64()) < mh

		if accept {
			slots.Exchange(p.A, p.B)
			matrix.Inc(p.A, p.B)
			round.Stats.Accepted++
		}
		round.Stats.Attempted++

		d := Decision{Pair: p, MHRatio: mh, PAccept: math.Min(1, math.Exp(mh)), Accepted: accept}
		round.Decisions = append(round.Decisions, d)

		total := running.Merge(round.Stats)
		c.logger.Info("swap chains",
			slog.String("pair", p.String()),
			slog.Bool("accepted", accept),
			slog.Float64("p_accept", d.PAccept),
			slog.Float64("accept_rate", total.Rate()))
	}
	return round, nil
}

// choose draws Attempts distinct pairs in random order.
func (c *Coordinator) choose() []Pair {
	if c.cfg.Attempts == 0 {
		return nil
	}
	idx := make([]int, c.cfg.Attempts)
	sampleuv.WithoutReplacement(idx, len(c.pairs), c.rng)
	c.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	out := make([]Pair, len(idx))
	for i, k := range idx {
		out[i] = c.pairs[k]
	}
	return out
}
