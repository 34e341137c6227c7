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
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/AleutianAI/AleutianMC3/services/mc3/chain"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
)

// DefaultConcentration scales Dirichlet proposals around the current
// value; larger means smaller steps.
const DefaultConcentration = 100.0

// =============================================================================
// Metropolis-Hastings helper
// =============================================================================

// metropolis decides a proposal under the tempered posterior.
func metropolis(env *chain.Env, cur, prop *state.Sample, logHastings float64) bool {
	propPrior := prop.LogPrior(env.Model)
	if math.IsInf(propPrior, -1) || math.IsNaN(propPrior) {
		return false
	}
	propLL := prop.LogLikelihood(env.Model)
	if math.IsInf(propLL, -1) || math.IsNaN(propLL) {
		return false
	}
	curLL, curPrior := cur.LogLikelihood(env.Model), cur.LogPrior(env.Model)
	if math.IsInf(curLL, -1) || math.IsInf(curPrior, -1) {
		return true
	}

	a := (propLL-curLL)/env.Temperature.Likelihood +
		(propPrior-curPrior)/env.Temperature.Prior +
		logHastings
	return math.Log(env.RNG.Float64()) < a
}

func decide(env *chain.Env, cur, prop *state.Sample, logHastings float64) (*state.Sample, bool) {
	if metropolis(env, cur, prop, logHastings) {
		return prop, true
	}
	return cur, false
}

// =============================================================================
// Cluster grow/shrink
// =============================================================================

// ClusterMove adds a free site to, or removes a member from, one cluster.
//
// Grow draws from the unoccupied neighbours of the cluster with
// probability growToAdjacent, otherwise from all unoccupied sites. Shrink
// only removes sites none of whose observations are attributed to the
// cluster; the source operator has to move them away first. A site no
// confounder covers can only be explained by a cluster, so its
// observations join and leave with it.
type ClusterMove struct {
	data           *state.Data
	growToAdjacent float64
	minSize        int
	maxSize        int
}

// NewClusterMove creates the cluster operator.
func NewClusterMove(data *state.Data, growToAdjacent float64, minSize, maxSize int) *ClusterMove {
	return &ClusterMove{data: data, growToAdjacent: growToAdjacent, minSize: minSize, maxSize: maxSize}
}

func (o *ClusterMove) Name() string { return "clusters" }

func (o *ClusterMove) Step(s *state.Sample, env *chain.Env) (*state.Sample, bool) {
	if len(s.Clusters) == 0 {
		return s, false
	}
	z := env.RNG.IntN(len(s.Clusters))
	members := indices(s.Clusters[z])

	if env.RNG.Float64() < 0.5 {
		return o.grow(s, env, z, members)
	}
	return o.shrink(s, env, z, members)
}

func (o *ClusterMove) grow(s *state.Sample, env *chain.Env, z int, members []int) (*state.Sample, bool) {
	if len(members) >= o.maxSize {
		return s, false
	}
	adj, free := o.candidates(s, z)
	if len(free) == 0 {
		return s, false
	}
	var j int
	if len(adj) > 0 && env.RNG.Float64() < o.growToAdjacent {
		j = adj[env.RNG.IntN(len(adj))]
	} else {
		j = free[env.RNG.IntN(len(free))]
	}
	qForward := o.growProb(j, adj, free)

	prop := s.Clone()
	prop.Clusters[z][j] = true
	if prop.Source != nil && !o.confounded(j) {
		for f := range prop.Source[j] {
			if !o.data.IsMissing(j, f) {
				prop.Source[j][f][0] = true
			}
		}
	}
	prop.RecalculateFeatureCounts(o.data)
	prop.Invalidate()

	qBack := 1 / float64(len(members)+1)
	return decide(env, s, prop, math.Log(qBack)-math.Log(qForward))
}

func (o *ClusterMove) shrink(s *state.Sample, env *chain.Env, z int, members []int) (*state.Sample, bool) {
	if len(members) <= o.minSize || len(members) == 0 {
		return s, false
	}
	j := members[env.RNG.IntN(len(members))]
	uncovered := !o.confounded(j)
	if s.Source != nil && !uncovered {
		for f := range s.Source[j] {
			if s.Source[j][f][0] {
				return s, false
			}
		}
	}

	prop := s.Clone()
	prop.Clusters[z][j] = false
	if prop.Source != nil && uncovered {
		for f := range prop.Source[j] {
			prop.Source[j][f][0] = false
		}
	}
	prop.RecalculateFeatureCounts(o.data)
	prop.Invalidate()

	adj, free := o.candidates(prop, z)
	qBack := o.growProb(j, adj, free)
	qForward := 1 / float64(len(members))
	return decide(env, s, prop, math.Log(qBack)-math.Log(qForward))
}

// candidates lists the unoccupied neighbours of cluster z and all
// unoccupied sites.
func (o *ClusterMove) candidates(s *state.Sample, z int) (adj, free []int) {
	n := o.data.NumSites()
	occupied := make([]bool, n)
	for _, row := range s.Clusters {
		for i, in := range row {
			if in {
				occupied[i] = true
			}
		}
	}
	isAdj := make([]bool, n)
	for i, in := range s.Clusters[z] {
		if !in {
			continue
		}
		for _, j := range o.data.Neighbour(i) {
			if !occupied[j] {
				isAdj[j] = true
			}
		}
	}
	for i := 0; i < n; i++ {
		if occupied[i] {
			continue
		}
		free = append(free, i)
		if isAdj[i] {
			adj = append(adj, i)
		}
	}
	return adj, free
}

// growProb is the probability that grow picks j given the candidates.
func (o *ClusterMove) growProb(j int, adj, free []int) float64 {
	if len(adj) == 0 {
		return 1 / float64(len(free))
	}
	p := (1 - o.growToAdjacent) / float64(len(free))
	for _, a := range adj {
		if a == j {
			p += o.growToAdjacent / float64(len(adj))
			break
		}
	}
	return p
}

// confounded reports whether any confounder group contains site j.
func (o *ClusterMove) confounded(j int) bool {
	for _, conf := range o.data.Confounders {
		for _, members := range conf.Membership {
			if members[j] {
				return true
			}
		}
	}
	return false
}

func indices(row []bool) []int {
	var out []int
	for i, in := range row {
		if in {
			out = append(out, i)
		}
	}
	return out
}

// =============================================================================
// Dirichlet proposals
// =============================================================================

// dirichletStep proposes a new probability vector around p and returns it
// with the log Hastings ratio. ok is false for degenerate draws.
func dirichletStep(p []float64, concentration float64, rng *rand.Rand) (next []float64, logHastings float64, ok bool) {
	alpha := make([]float64, len(p))
	for i, v := range p {
		alpha[i] = 1 + concentration*v
	}
	forward := distmv.NewDirichlet(alpha, rng)
	next = forward.Rand(nil)
	for _, v := range next {
		if !(v > 0) {
			return nil, 0, false
		}
	}

	back := make([]float64, len(next))
	for i, v := range next {
		back[i] = 1 + concentration*v
	}
	reverse := distmv.NewDirichlet(back, nil)
	logHastings = reverse.LogProb(p) - forward.LogProb(next)
	if math.IsNaN(logHastings) {
		return nil, 0, false
	}
	return next, logHastings, true
}

// WeightsMove resamples the mixture weights of one feature.
type WeightsMove struct {
	concentration float64
}

// NewWeightsMove creates the weights operator.
func NewWeightsMove(concentration float64) *WeightsMove {
	return &WeightsMove{concentration: concentration}
}

func (o *WeightsMove) Name() string { return "weights" }

func (o *WeightsMove) Step(s *state.Sample, env *chain.Env) (*state.Sample, bool) {
	if len(s.Weights) == 0 || len(s.Weights[0]) < 2 {
		return s, false
	}
	f := env.RNG.IntN(len(s.Weights))
	cur := append([]float64(nil), s.Weights[f]...)
	floats.Scale(1/floats.Sum(cur), cur)

	next, logH, ok := dirichletStep(cur, o.concentration, env.RNG)
	if !ok {
		return s, false
	}
	prop := s.Clone()
	prop.Weights[f] = next
	prop.Invalidate()
	return decide(env, s, prop, logH)
}

// EffectMove resamples the state probabilities of one feature within one
// group of one confounder.
type EffectMove struct {
	data          *state.Data
	concentration float64
}

// NewEffectMove creates the confounding effect operator.
func NewEffectMove(data *state.Data, concentration float64) *EffectMove {
	return &EffectMove{data: data, concentration: concentration}
}

func (o *EffectMove) Name() string { return "confounding_effects" }

func (o *EffectMove) Step(s *state.Sample, env *chain.Env) (*state.Sample, bool) {
	if len(o.data.Confounders) == 0 || o.data.NumFeatures() == 0 {
		return s, false
	}
	conf := o.data.Confounders[env.RNG.IntN(len(o.data.Confounders))]
	if len(conf.Groups) == 0 {
		return s, false
	}
	g := env.RNG.IntN(len(conf.Groups))
	f := env.RNG.IntN(o.data.NumFeatures())
	if o.data.NumStates(f) < 2 {
		return s, false
	}

	next, logH, ok := dirichletStep(s.ConfoundingEffects[conf.Name][g][f], o.concentration, env.RNG)
	if !ok {
		return s, false
	}
	prop := s.Clone()
	prop.ConfoundingEffects[conf.Name][g][f] = next
	prop.InvalidateLikelihood()
	return decide(env, s, prop, logH)
}

// =============================================================================
// Gibbs source
// =============================================================================

// SourceGibbs resamples the source of every observation of one site from
// its tempered full conditional. With fromPrior set the likelihood term is
// dropped and sources follow the weights alone.
type SourceGibbs struct {
	model     *Contact
	fromPrior bool
}

// NewSourceGibbs creates the source operator.
func NewSourceGibbs(model *Contact, fromPrior bool) *SourceGibbs {
	return &SourceGibbs{model: model, fromPrior: fromPrior}
}

func (o *SourceGibbs) Name() string { return "source" }

func (o *SourceGibbs) Step(s *state.Sample, env *chain.Env) (*state.Sample, bool) {
	if s.Source == nil {
		return s, false
	}
	prop := s.Clone()
	i := env.RNG.IntN(o.model.data.NumSites())
	o.resample(prop, i, env)
	prop.RecalculateFeatureCounts(o.model.data)
	prop.Invalidate()
	return prop, true
}

// resample draws new sources for site i in place.
func (o *SourceGibbs) resample(s *state.Sample, i int, env *chain.Env) {
	d := o.model.data
	nSources := d.NumSources()
	probs := make([]float64, nSources)
	avail := make([]bool, nSources)
	z := clusterOf(s, i)

	for f := 0; f < d.NumFeatures(); f++ {
		for k := range s.Source[i][f] {
			s.Source[i][f][k] = false
		}
		st := d.ObservedState(i, f)
		if st < 0 {
			continue
		}
		o.model.componentProbs(s, i, z, f, st, probs, avail)
		if !anyTrue(avail) {
			continue
		}
		wn := normalizedWeights(s.Weights[f], avail)
		cond := make([]float64, nSources)
		for k := range cond {
			if !avail[k] || !(wn[k] > 0) {
				continue
			}
			cond[k] = math.Pow(wn[k], 1/env.Temperature.Prior)
			if !o.fromPrior {
				cond[k] *= math.Pow(probs[k], 1/env.Temperature.Likelihood)
			}
		}
		if !(floats.Sum(cond) > 0) {
			for k := range cond {
				if avail[k] {
					cond[k] = 1
				}
			}
		}
		s.Source[i][f][drawCategorical(cond, env.RNG)] = true
	}
}

// drawCategorical samples an index proportional to the unnormalized
// weights w. At least one weight must be positive.
func drawCategorical(w []float64, rng *rand.Rand) int {
	u := rng.Float64() * floats.Sum(w)
	last := 0
	for k, v := range w {
		if v <= 0 {
			continue
		}
		last = k
		if u < v {
			return k
		}
		u -= v
	}
	return last
}
