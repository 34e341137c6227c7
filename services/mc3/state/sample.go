// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state holds the Markov-chain state of the MC3 engine.
//
// # Ownership
//
// A *Sample has exactly one owner at a time. Sending a sample to a worker,
// receiving it back, or exchanging two chain slots moves the pointer; the
// previous holder must drop its reference. Slots enforces this for the
// supervisor by clearing the slot on Take.
//
// # Caching
//
// A sample carries its last computed log-likelihood and log-prior. Any
// mutation through an operator must call Invalidate (or one of the
// narrower invalidators). The cache is exported so it survives the gob
// encoding used between processes.
package state

import (
	"maps"
	"math"
)

// Scores caches the model evaluations of a sample.
type Scores struct {
	Likelihood      float64
	LikelihoodValid bool
	Prior           float64
	PriorValid      bool
}

// FeatureCounts are the sufficient statistics maintained by operators.
//
// Clusters[z][f][s] counts sites of cluster z showing state s of feature f
// that are attributed to the cluster effect. Confounders[name][g][f][s]
// does the same for group g of a confounder.
type FeatureCounts struct {
	Clusters    [][][]float64
	Confounders map[string][][][]float64
}

// Sample is the full state of one chain at one step.
type Sample struct {
	// Clusters[z][i] is true when site i belongs to cluster z.
	Clusters [][]bool

	// Weights[f][k] is the mixture weight of source k for feature f.
	Weights [][]float64

	// ConfoundingEffects[name][g][f][s] is the state probability of
	// feature f within group g of the named confounder.
	ConfoundingEffects map[string][][][]float64

	// Source[i][f][k] is the one-hot source assignment. Nil when source
	// sampling is disabled.
	Source [][][]bool

	FeatureCounts FeatureCounts

	// Step is the MCMC step counter. It never decreases.
	Step int

	Cache Scores
}

// Model is the pluggable probabilistic model. Both functions are pure and
// deterministic given the sample fields.
type Model interface {
	Likelihood(s *Sample) float64
	Prior(s *Sample) float64
}

// NumClusters returns the number of cluster rows.
func (s *Sample) NumClusters() int { return len(s.Clusters) }

// LogLikelihood returns the cached log-likelihood, computing it with m if
// the cache is stale.
func (s *Sample) LogLikelihood(m Model) float64 {
	if !s.Cache.LikelihoodValid {
		s.Cache.Likelihood = m.Likelihood(s)
		s.Cache.LikelihoodValid = true
	}
	return s.Cache.Likelihood
}

// LogPrior returns the cached log-prior, computing it with m if stale.
func (s *Sample) LogPrior(m Model) float64 {
	if !s.Cache.PriorValid {
		s.Cache.Prior = m.Prior(s)
		s.Cache.PriorValid = true
	}
	return s.Cache.Prior
}

// LogPosterior returns the untempered sum of likelihood and prior.
func (s *Sample) LogPosterior(m Model) float64 {
	return s.LogLikelihood(m) + s.LogPrior(m)
}

// Invalidate marks both cached scores stale.
func (s *Sample) Invalidate() {
	s.Cache = Scores{}
}

// InvalidateLikelihood marks only the likelihood stale.
func (s *Sample) InvalidateLikelihood() {
	s.Cache.LikelihoodValid = false
}

// SetScores stores precomputed scores, as an operator does after accepting
// a proposal it already evaluated.
func (s *Sample) SetScores(likelihood, prior float64) {
	s.Cache = Scores{Likelihood: likelihood, LikelihoodValid: true, Prior: prior, PriorValid: true}
}

// Clone returns a deep copy. The copy is an independent sample with its
// own ownership.
func (s *Sample) Clone() *Sample {
	if s == nil {
		return nil
	}
	out := &Sample{
		Clusters: cloneBool2(s.Clusters),
		Weights:  cloneFloat2(s.Weights),
		Source:   cloneBool3(s.Source),
		FeatureCounts: FeatureCounts{
			Clusters:    cloneFloat3(s.FeatureCounts.Clusters),
			Confounders: cloneEffects(s.FeatureCounts.Confounders),
		},
		ConfoundingEffects: cloneEffects(s.ConfoundingEffects),
		Step:               s.Step,
		Cache:              s.Cache,
	}
	return out
}

// ClusterSizes returns the number of sites in each cluster.
func (s *Sample) ClusterSizes() []int {
	sizes := make([]int, len(s.Clusters))
	for z, row := range s.Clusters {
		for _, in := range row {
			if in {
				sizes[z]++
			}
		}
	}
	return sizes
}

// InAnyCluster reports whether site i is in some cluster.
func (s *Sample) InAnyCluster(i int) bool {
	for _, row := range s.Clusters {
		if row[i] {
			return true
		}
	}
	return false
}

// RecalculateFeatureCounts rebuilds FeatureCounts from scratch. Operators
// that change clusters or source wholesale must call it.
//
// Without a source array every observation of a member site is attributed
// to both its cluster and its groups.
func (s *Sample) RecalculateFeatureCounts(d *Data) {
	nClusters := len(s.Clusters)
	counts := FeatureCounts{
		Clusters:    newCounts(nClusters, d),
		Confounders: make(map[string][][][]float64, len(d.Confounders)),
	}
	for i := 0; i < d.NumSites(); i++ {
		for f := 0; f < d.NumFeatures(); f++ {
			st := d.ObservedState(i, f)
			if st < 0 {
				continue
			}
			for z := 0; z < nClusters; z++ {
				if s.Clusters[z][i] && s.attributed(i, f, 0) {
					counts.Clusters[z][f][st]++
				}
			}
		}
	}
	for k, conf := range d.Confounders {
		cc := newCounts(len(conf.Groups), d)
		for g, members := range conf.Membership {
			for i, in := range members {
				if !in {
					continue
				}
				for f := 0; f < d.NumFeatures(); f++ {
					st := d.ObservedState(i, f)
					if st >= 0 && s.attributed(i, f, k+1) {
						cc[g][f][st]++
					}
				}
			}
		}
		counts.Confounders[conf.Name] = cc
	}
	s.FeatureCounts = counts
}

func (s *Sample) attributed(i, f, k int) bool {
	if s.Source == nil {
		return true
	}
	return s.Source[i][f][k]
}

func newCounts(rows int, d *Data) [][][]float64 {
	out := make([][][]float64, rows)
	for r := range out {
		out[r] = make([][]float64, d.NumFeatures())
		for f := range out[r] {
			out[r][f] = make([]float64, d.NumStates(f))
		}
	}
	return out
}

// IsFinite reports whether both cached scores exist and are finite.
func (sc Scores) IsFinite() bool {
	return sc.LikelihoodValid && sc.PriorValid &&
		!math.IsInf(sc.Likelihood, 0) && !math.IsNaN(sc.Likelihood) &&
		!math.IsInf(sc.Prior, 0) && !math.IsNaN(sc.Prior)
}

// -----------------------------------------------------------------------------
// copy helpers
// -----------------------------------------------------------------------------

func cloneBool2(in [][]bool) [][]bool {
	if in == nil {
		return nil
	}
	out := make([][]bool, len(in))
	for i := range in {
		out[i] = append([]bool(nil), in[i]...)
	}
	return out
}

func cloneBool3(in [][][]bool) [][][]bool {
	if in == nil {
		return nil
	}
	out := make([][][]bool, len(in))
	for i := range in {
		out[i] = cloneBool2(in[i])
	}
	return out
}

func cloneFloat2(in [][]float64) [][]float64 {
	if in == nil {
		return nil
	}
	out := make([][]float64, len(in))
	for i := range in {
		out[i] = append([]float64(nil), in[i]...)
	}
	return out
}

func cloneFloat3(in [][][]float64) [][][]float64 {
	if in == nil {
		return nil
	}
	out := make([][][]float64, len(in))
	for i := range in {
		out[i] = cloneFloat2(in[i])
	}
	return out
}

func cloneEffects(in map[string][][][]float64) map[string][][][]float64 {
	if in == nil {
		return nil
	}
	out := maps.Clone(in)
	for k, v := range out {
		out[k] = cloneFloat3(v)
	}
	return out
}
