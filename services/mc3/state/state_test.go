// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
)

// lineData builds n sites on a path, one binary feature where every even
// site shows state 0 and every odd site state 1, and one confounder with a
// single group holding all sites. Site n-1 has a missing value.
func lineData(n int) *Data {
	d := &Data{
		Features: []Feature{{Name: "f1", States: []string{"A", "B"}}},
		Confounders: []Confounder{{
			Name:       "family",
			Groups:     []string{"fam1"},
			Membership: [][]bool{make([]bool, n)},
		}},
	}
	for i := 0; i < n; i++ {
		d.Sites = append(d.Sites, Site{Name: string(rune('a' + i)), X: float64(i)})
		var nbrs []int
		if i > 0 {
			nbrs = append(nbrs, i-1)
		}
		if i < n-1 {
			nbrs = append(nbrs, i+1)
		}
		d.Neighbours = append(d.Neighbours, nbrs)
		v := []bool{i%2 == 0, i%2 == 1}
		if i == n-1 {
			v = []bool{false, false}
		}
		d.Values = append(d.Values, [][]bool{v})
		d.Confounders[0].Membership[0][i] = true
	}
	return d
}

type countingModel struct {
	lhCalls, priorCalls int
}

func (m *countingModel) Likelihood(*Sample) float64 { m.lhCalls++; return -3 }
func (m *countingModel) Prior(*Sample) float64      { m.priorCalls++; return -1 }

func TestData_Validate(t *testing.T) {
	d := lineData(4)
	require.NoError(t, d.Validate())
	assert.Equal(t, 2, d.NumSources())
	assert.Equal(t, []string{"cluster", "family"}, d.SourceNames())
	assert.True(t, d.IsMissing(3, 0))
	assert.Equal(t, 1, d.ObservedState(1, 0))
	assert.Equal(t, -1, d.ObservedState(3, 0))

	asym := lineData(3)
	asym.Neighbours[0] = []int{1, 2}
	err := asym.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, mcerr.ErrConfiguration))

	shape := lineData(3)
	shape.Values[1] = [][]bool{{true}}
	assert.Error(t, shape.Validate())
}

func TestData_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.yaml")
	d := lineData(5)
	require.NoError(t, SaveData(path, d))

	loaded, err := LoadData(path)
	require.NoError(t, err)
	assert.Equal(t, d.Neighbours, loaded.Neighbours)
	assert.Equal(t, d.Values, loaded.Values)
}

func TestSample_ScoreCache(t *testing.T) {
	m := &countingModel{}
	s := &Sample{}

	assert.Equal(t, -3.0, s.LogLikelihood(m))
	assert.Equal(t, -3.0, s.LogLikelihood(m))
	assert.Equal(t, -4.0, s.LogPosterior(m))
	assert.Equal(t, 1, m.lhCalls)
	assert.Equal(t, 1, m.priorCalls)

	s.InvalidateLikelihood()
	s.LogPosterior(m)
	assert.Equal(t, 2, m.lhCalls)
	assert.Equal(t, 1, m.priorCalls)

	s.Invalidate()
	s.LogPosterior(m)
	assert.Equal(t, 3, m.lhCalls)
	assert.Equal(t, 2, m.priorCalls)
}

func TestSample_CloneIsDeep(t *testing.T) {
	s := &Sample{
		Clusters:           [][]bool{{true, false}},
		Weights:            [][]float64{{0.5, 0.5}},
		ConfoundingEffects: map[string][][][]float64{"family": {{{0.2, 0.8}}}},
		Source:             [][][]bool{{{true, false}}, {{false, true}}},
		Step:               7,
	}
	s.SetScores(-2, -1)

	c := s.Clone()
	c.Clusters[0][1] = true
	c.Weights[0][0] = 0.9
	c.ConfoundingEffects["family"][0][0][0] = 1
	c.Source[0][0][0] = false

	assert.False(t, s.Clusters[0][1])
	assert.Equal(t, 0.5, s.Weights[0][0])
	assert.Equal(t, 0.2, s.ConfoundingEffects["family"][0][0][0])
	assert.True(t, s.Source[0][0][0])
	assert.Equal(t, 7, c.Step)
	assert.True(t, c.Cache.IsFinite())
	assert.Nil(t, (*Sample)(nil).Clone())
}

func TestSample_RecalculateFeatureCounts(t *testing.T) {
	d := lineData(4)

	t.Run("without source", func(t *testing.T) {
		s := &Sample{Clusters: [][]bool{{true, true, false, true}}}
		s.RecalculateFeatureCounts(d)
		// sites 0 (A), 1 (B); site 3 is missing
		assert.Equal(t, []float64{1, 1}, s.FeatureCounts.Clusters[0][0])
		assert.Equal(t, []float64{2, 1}, s.FeatureCounts.Confounders["family"][0][0])
	})

	t.Run("with source", func(t *testing.T) {
		s := &Sample{
			Clusters: [][]bool{{true, true, true, false}},
			Source: [][][]bool{
				{{true, false}},
				{{false, true}},
				{{true, false}},
				{{false, true}},
			},
		}
		s.RecalculateFeatureCounts(d)
		assert.Equal(t, []float64{2, 0}, s.FeatureCounts.Clusters[0][0])
		assert.Equal(t, []float64{0, 1}, s.FeatureCounts.Confounders["family"][0][0])
	})
}

func TestSlots(t *testing.T) {
	a, b := &Sample{Step: 1}, &Sample{Step: 2}
	slots := NewSlots(2)
	assert.False(t, slots.Full())
	require.NoError(t, slots.Put(0, a))
	require.NoError(t, slots.Put(1, b))
	assert.Error(t, slots.Put(0, b))
	assert.True(t, slots.Full())

	slots.Exchange(0, 1)
	assert.Same(t, b, slots.Cold())
	assert.Same(t, a, slots[1])

	taken := slots.Take(1)
	assert.Same(t, a, taken)
	assert.Nil(t, slots[1])
	assert.Error(t, slots.Put(1, nil))
}

func TestSample_ClusterSizes(t *testing.T) {
	s := &Sample{Clusters: [][]bool{{true, true, false}, {false, false, true}}}
	assert.Equal(t, []int{2, 1}, s.ClusterSizes())
	assert.True(t, s.InAnyCluster(2))
	assert.Equal(t, 2, s.NumClusters())
}
