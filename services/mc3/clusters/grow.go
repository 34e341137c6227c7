// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package clusters grows random, connected, pairwise disjoint spatial
// clusters over an adjacency graph. It seeds the initial state of every
// chain.
//
// # Algorithm
//
// For each cluster in order a seed is drawn uniformly from the unoccupied
// sites, then the cluster grows one site at a time by drawing uniformly
// from the unoccupied neighbours of its current members. When a seed or a
// growth step finds no candidate, the whole pass is discarded (including
// the occupancy of earlier clusters) and growth restarts from scratch.
// Every shrinkEvery failures the target size drops by one, down to
// minSize. After maxAttempts failures the grower gives up with an
// *ExhaustedError, which is a configuration error.
package clusters

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"slices"

	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultMaxAttempts bounds the number of failed growth passes.
	DefaultMaxAttempts = 1000

	// DefaultShrinkEvery is the failure period after which the target size
	// is reduced by one.
	DefaultShrinkEvery = 10

	// DefaultMinSize is the floor for adaptive size reduction.
	DefaultMinSize = 3
)

// =============================================================================
// Errors
// =============================================================================

// ErrClusterInit is the recoverable failure of one growth pass.
var ErrClusterInit = errors.New("cluster initialization failed")

// Phase names the step of a growth pass that failed.
type Phase string

const (
	PhaseSeed Phase = "seed"
	PhaseGrow Phase = "grow"
)

// InitError reports why a single cluster could not be grown.
type InitError struct {
	Cluster int
	Phase   Phase
	Size    int // members at the time of failure
}

func (e *InitError) Error() string {
	switch e.Phase {
	case PhaseSeed:
		return fmt.Sprintf("cluster %d: no unoccupied site left for a seed", e.Cluster)
	default:
		return fmt.Sprintf("cluster %d: no unoccupied neighbour to grow beyond %d sites", e.Cluster, e.Size)
	}
}

// Is matches ErrClusterInit.
func (e *InitError) Is(target error) bool { return target == ErrClusterInit }

// ExhaustedError is returned once the attempt budget is spent. It matches
// both ErrClusterInit and mcerr.ErrConfiguration.
type ExhaustedError struct {
	Attempts   int
	Clusters   int
	TargetSize int
	Last       error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("failed to grow %d clusters of size %d after %d attempts (%v); try fewer or smaller clusters",
		e.Clusters, e.TargetSize, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool {
	return target == ErrClusterInit || target == mcerr.ErrConfiguration
}

// =============================================================================
// Grower
// =============================================================================

// Graph is the adjacency relation clusters grow along.
type Graph interface {
	NumSites() int
	Neighbour(i int) []int
}

// RetryFunc observes each failed pass: the attempt number and the target
// size that will be used for the next pass.
type RetryFunc func(attempt, nextSize int)

// Grower grows clusters over a fixed graph.
//
// # Thread Safety
//
// Not safe for concurrent use; the rng is owned by the grower.
type Grower struct {
	graph       Graph
	rng         *rand.Rand
	logger      *slog.Logger
	maxAttempts int
	shrinkEvery int
	minSize     int
	onRetry     RetryFunc
}

// Option configures a Grower.
type Option func(*Grower)

// WithMaxAttempts sets the failed pass budget.
func WithMaxAttempts(n int) Option { return func(g *Grower) { g.maxAttempts = n } }

// WithShrinkEvery sets the failure period of size reduction.
func WithShrinkEvery(n int) Option { return func(g *Grower) { g.shrinkEvery = n } }

// WithMinSize sets the floor of size reduction.
func WithMinSize(n int) Option { return func(g *Grower) { g.minSize = n } }

// WithLogger sets the logger for retry warnings.
func WithLogger(l *slog.Logger) Option { return func(g *Grower) { g.logger = l } }

// WithRetryHook registers an observer for failed passes.
func WithRetryHook(fn RetryFunc) Option { return func(g *Grower) { g.onRetry = fn } }

// NewGrower creates a grower over graph drawing from rng.
func NewGrower(graph Graph, rng *rand.Rand, opts ...Option) *Grower {
	g := &Grower{
		graph:       graph,
		rng:         rng,
		logger:      slog.Default(),
		maxAttempts: DefaultMaxAttempts,
		shrinkEvery: DefaultShrinkEvery,
		minSize:     DefaultMinSize,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Grow returns nClusters disjoint, connected clusters as boolean rows over
// the sites of the graph.
//
// # Inputs
//
//   - nClusters: number of clusters (0 returns an empty matrix without
//     touching the graph)
//   - targetSize: initial number of sites per cluster (>= 1)
//
// # Outputs
//
//   - [][]bool: nClusters rows of NumSites() entries
//   - error: *mcerr.ConfigurationError for invalid arguments,
//     *ExhaustedError when the attempt budget runs out
func (g *Grower) Grow(nClusters, targetSize int) ([][]bool, error) {
	if nClusters == 0 {
		return [][]bool{}, nil
	}
	if nClusters < 0 {
		return nil, mcerr.NewConfigurationError("clusters", "number of clusters must be >= 0, got %d", nClusters)
	}
	if targetSize < 1 {
		return nil, mcerr.NewConfigurationError("clusters", "initial cluster size must be >= 1, got %d", targetSize)
	}

	size := targetSize
	attempts := 0
	for {
		rows, err := g.pass(nClusters, size)
		if err == nil {
			return rows, nil
		}

		attempts++
		if attempts >= g.maxAttempts {
			return nil, &ExhaustedError{Attempts: attempts, Clusters: nClusters, TargetSize: size, Last: err}
		}
		if g.shrinkEvery > 0 && attempts%g.shrinkEvery == 0 && size > g.minSize {
			size--
			g.logger.Warn("reduced initial cluster size after unsuccessful attempts",
				slog.Int("size", size),
				slog.Int("attempts", attempts))
		}
		if g.onRetry != nil {
			g.onRetry(attempts, size)
		}
	}
}

// pass grows every cluster once with a fresh occupancy vector.
func (g *Grower) pass(nClusters, size int) ([][]bool, error) {
	occupied := make([]bool, g.graph.NumSites())
	rows := make([][]bool, nClusters)
	for z := 0; z < nClusters; z++ {
		row, err := g.GrowOne(z, size, occupied)
		if err != nil {
			return nil, err
		}
		rows[z] = row
	}
	return rows, nil
}

// GrowOne grows a single cluster of the given size avoiding occupied
// sites. Every site it claims is also marked in occupied, including on
// failure, so callers must discard occupied after an error.
func (g *Grower) GrowOne(index, size int, occupied []bool) ([]bool, error) {
	n := g.graph.NumSites()
	cluster := make([]bool, n)

	free := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if !occupied[i] {
			free = append(free, i)
		}
	}
	if len(free) == 0 {
		return nil, &InitError{Cluster: index, Phase: PhaseSeed}
	}
	seed := free[g.rng.IntN(len(free))]
	cluster[seed], occupied[seed] = true, true
	members := []int{seed}

	for len(members) < size {
		candidates := g.frontier(members, occupied)
		if len(candidates) == 0 {
			return nil, &InitError{Cluster: index, Phase: PhaseGrow, Size: len(members)}
		}
		next := candidates[g.rng.IntN(len(candidates))]
		cluster[next], occupied[next] = true, true
		members = append(members, next)
	}
	return cluster, nil
}

// frontier lists the unoccupied neighbours of members in ascending order.
func (g *Grower) frontier(members []int, occupied []bool) []int {
	seen := make(map[int]struct{})
	for _, m := range members {
		for _, j := range g.graph.Neighbour(m) {
			if !occupied[j] {
				seen[j] = struct{}{}
			}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}
