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
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/AleutianAI/AleutianMC3/services/mc3/chain"
	"github.com/AleutianAI/AleutianMC3/services/mc3/clusters"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
	"github.com/AleutianAI/AleutianMC3/services/mc3/tempering"
)

// Initializer draws starting samples for warm-up.
//
// # Description
//
// Clusters come from the cluster grower. Weights start uniform over
// sources, confounding effects at the smoothed frequency of each state in
// the group, and sources (when sampled) are drawn from their posterior
// conditional at temperature one.
type Initializer struct {
	model        *Contact
	grower       *clusters.Grower
	rng          *rand.Rand
	nClusters    int
	initSize     int
	sampleSource bool
}

// NewInitializer creates an initializer drawing from rng.
func NewInitializer(model *Contact, grower *clusters.Grower, rng *rand.Rand, nClusters, initSize int, sampleSource bool) *Initializer {
	return &Initializer{
		model:        model,
		grower:       grower,
		rng:          rng,
		nClusters:    nClusters,
		initSize:     initSize,
		sampleSource: sampleSource,
	}
}

// Generate implements chain.Initializer.
func (in *Initializer) Generate(chainIdx int) (*state.Sample, error) {
	d := in.model.data
	cl, err := in.grower.Grow(in.nClusters, in.initSize)
	if err != nil {
		return nil, fmt.Errorf("chain %d: %w", chainIdx, err)
	}

	s := &state.Sample{
		Clusters:           cl,
		Weights:            uniformWeights(d),
		ConfoundingEffects: in.effects(),
	}
	if in.sampleSource {
		s.Source = emptySource(d)
		s.RecalculateFeatureCounts(d)
		env := &chain.Env{Model: in.model, Temperature: tempering.Pair{Likelihood: 1, Prior: 1}, RNG: in.rng}
		gibbs := NewSourceGibbs(in.model, false)
		for i := 0; i < d.NumSites(); i++ {
			gibbs.resample(s, i, env)
		}
	}
	s.RecalculateFeatureCounts(d)
	s.Invalidate()
	return s, nil
}

// effects estimates each group's state distribution with add-one
// smoothing.
func (in *Initializer) effects() map[string][][][]float64 {
	d := in.model.data
	out := make(map[string][][][]float64, len(d.Confounders))
	for _, conf := range d.Confounders {
		groups := make([][][]float64, len(conf.Groups))
		for g, members := range conf.Membership {
			groups[g] = make([][]float64, d.NumFeatures())
			for f := range groups[g] {
				p := make([]float64, d.NumStates(f))
				for i := range p {
					p[i] = 1
				}
				for i, inGroup := range members {
					if st := d.ObservedState(i, f); inGroup && st >= 0 {
						p[st]++
					}
				}
				normalize(p)
				groups[g][f] = p
			}
		}
		out[conf.Name] = groups
	}
	return out
}

func uniformWeights(d *state.Data) [][]float64 {
	w := make([][]float64, d.NumFeatures())
	for f := range w {
		w[f] = make([]float64, d.NumSources())
		for k := range w[f] {
			w[f][k] = 1 / float64(d.NumSources())
		}
	}
	return w
}

func emptySource(d *state.Data) [][][]bool {
	src := make([][][]bool, d.NumSites())
	for i := range src {
		src[i] = make([][]bool, d.NumFeatures())
		for f := range src[i] {
			src[i][f] = make([]bool, d.NumSources())
		}
	}
	return src
}

func normalize(p []float64) {
	total := 0.0
	for _, v := range p {
		total += v
	}
	if total == 0 || math.IsInf(total, 0) {
		return
	}
	for i := range p {
		p[i] /= total
	}
}
