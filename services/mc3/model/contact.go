// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model is the built-in contact-zone mixture model.
//
// Each observation of a site is explained by one of several sources: the
// cluster effect of the contact zone containing the site, or the effect
// of a group of each confounder. The cluster effect is estimated from the
// feature counts of the zone with add-one smoothing; confounder effects
// are explicit parameters of the sample. Mixture weights are per feature.
//
// With source sampling enabled the likelihood conditions on the sampled
// source of every observation and the prior carries p(source | weights).
// Without it the likelihood marginalizes over sources. Observations no
// source can explain (a site outside every zone and every group) are
// scored uniformly over the states of the feature.
//
// The model is one implementation of state.Model; the engine does not
// depend on it.
package model

import (
	"math"

	"github.com/AleutianAI/AleutianMC3/services/mc3/config"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
)

// Contact scores samples under the contact mixture model.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Contact struct {
	data    *state.Data
	minSize int
	maxSize int

	// groupOf[k][i] is the group of site i in confounder k, or -1.
	groupOf [][]int
}

// NewContact builds the model over data.
func NewContact(data *state.Data, cfg config.ModelConfig) *Contact {
	m := &Contact{
		data:    data,
		minSize: cfg.MinSize,
		maxSize: cfg.MaxSize,
		groupOf: make([][]int, len(data.Confounders)),
	}
	for k, conf := range data.Confounders {
		m.groupOf[k] = make([]int, data.NumSites())
		for i := range m.groupOf[k] {
			m.groupOf[k][i] = -1
		}
		for g, members := range conf.Membership {
			for i, in := range members {
				if in && m.groupOf[k][i] < 0 {
					m.groupOf[k][i] = g
				}
			}
		}
	}
	return m
}

// Data returns the data the model was built on.
func (m *Contact) Data() *state.Data { return m.data }

// Likelihood implements state.Model.
func (m *Contact) Likelihood(s *state.Sample) float64 {
	total := 0.0
	for _, v := range m.SiteLikelihoods(s) {
		total += v
	}
	return total
}

// SiteLikelihoods returns the log-likelihood contribution of every site.
func (m *Contact) SiteLikelihoods(s *state.Sample) []float64 {
	n, nSources := m.data.NumSites(), m.data.NumSources()
	out := make([]float64, n)
	probs := make([]float64, nSources)
	avail := make([]bool, nSources)

	for i := 0; i < n; i++ {
		z := clusterOf(s, i)
		for f := 0; f < m.data.NumFeatures(); f++ {
			st := m.data.ObservedState(i, f)
			if st < 0 {
				continue
			}
			m.componentProbs(s, i, z, f, st, probs, avail)
			if !anyTrue(avail) {
				out[i] -= math.Log(float64(m.data.NumStates(f)))
				continue
			}

			if s.Source != nil {
				k := sourceIndex(s.Source[i][f])
				if k < 0 || !avail[k] {
					out[i] = math.Inf(-1)
					continue
				}
				out[i] += math.Log(probs[k])
				continue
			}

			wn := normalizedWeights(s.Weights[f], avail)
			mix := 0.0
			for k := range probs {
				if avail[k] {
					mix += wn[k] * probs[k]
				}
			}
			out[i] += math.Log(mix)
		}
	}
	return out
}

// Prior implements state.Model.
//
// Cluster sizes are uniform on [min_size, max_size]; overlapping clusters
// have zero prior mass. Weights and effects are flat. With sources the
// prior also carries p(source | weights).
func (m *Contact) Prior(s *state.Sample) float64 {
	occupied := make([]bool, m.data.NumSites())
	for _, row := range s.Clusters {
		size := 0
		for i, in := range row {
			if !in {
				continue
			}
			if occupied[i] {
				return math.Inf(-1)
			}
			occupied[i] = true
			size++
		}
		if size < m.minSize || size > m.maxSize {
			return math.Inf(-1)
		}
	}
	lp := -float64(len(s.Clusters)) * math.Log(float64(m.maxSize-m.minSize+1))

	for _, w := range s.Weights {
		for _, v := range w {
			if !(v > 0) {
				return math.Inf(-1)
			}
		}
	}

	if s.Source == nil {
		return lp
	}
	avail := make([]bool, m.data.NumSources())
	for i := 0; i < m.data.NumSites(); i++ {
		z := clusterOf(s, i)
		m.available(i, z, avail)
		if !anyTrue(avail) {
			continue
		}
		for f := 0; f < m.data.NumFeatures(); f++ {
			if m.data.IsMissing(i, f) {
				continue
			}
			k := sourceIndex(s.Source[i][f])
			if k < 0 || !avail[k] {
				return math.Inf(-1)
			}
			lp += math.Log(normalizedWeights(s.Weights[f], avail)[k])
		}
	}
	return lp
}

// available marks which sources can explain observations of site i.
func (m *Contact) available(i, z int, avail []bool) {
	avail[0] = z >= 0
	for k := range m.groupOf {
		avail[k+1] = m.groupOf[k][i] >= 0
	}
}

// componentProbs fills probs[k] with the probability of state st under
// source k for site i, feature f.
func (m *Contact) componentProbs(s *state.Sample, i, z, f, st int, probs []float64, avail []bool) {
	m.available(i, z, avail)
	if avail[0] {
		probs[0] = smoothed(s.FeatureCounts.Clusters[z][f], st)
	} else {
		probs[0] = 0
	}
	for k, conf := range m.data.Confounders {
		g := m.groupOf[k][i]
		if g < 0 {
			probs[k+1] = 0
			continue
		}
		probs[k+1] = s.ConfoundingEffects[conf.Name][g][f][st]
	}
}

// smoothed returns the add-one estimate of state st from counts.
func smoothed(counts []float64, st int) float64 {
	total := 0.0
	for _, c := range counts {
		total += c
	}
	return (counts[st] + 1) / (total + float64(len(counts)))
}

func normalizedWeights(w []float64, avail []bool) []float64 {
	out := make([]float64, len(w))
	total := 0.0
	for k, v := range w {
		if avail[k] {
			total += v
		}
	}
	if total == 0 {
		return out
	}
	for k, v := range w {
		if avail[k] {
			out[k] = v / total
		}
	}
	return out
}

func clusterOf(s *state.Sample, i int) int {
	for z, row := range s.Clusters {
		if row[i] {
			return z
		}
	}
	return -1
}

func anyTrue(xs []bool) bool {
	for _, x := range xs {
		if x {
			return true
		}
	}
	return false
}

func sourceIndex(oneHot []bool) int {
	for k, v := range oneHot {
		if v {
			return k
		}
	}
	return -1
}
