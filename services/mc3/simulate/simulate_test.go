// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
)

func TestGenerate_Shape(t *testing.T) {
	cfg := DefaultConfig()
	res, err := Generate(cfg)
	require.NoError(t, err)

	d := res.Data
	require.NoError(t, d.Validate())
	assert.Equal(t, 100, d.NumSites())
	assert.Equal(t, 20, d.NumFeatures())
	assert.Equal(t, []string{"cluster", "family"}, d.SourceNames())

	// Corner, edge and interior degree.
	assert.Len(t, d.Neighbour(0), 2)
	assert.Len(t, d.Neighbour(5), 3)
	assert.Len(t, d.Neighbour(55), 4)

	for i := 0; i < d.NumSites(); i++ {
		west, east := d.Confounders[0].Membership[0][i], d.Confounders[0].Membership[1][i]
		assert.NotEqual(t, west, east, "site %d in exactly one family", i)
		for f := 0; f < d.NumFeatures(); f++ {
			on := 0
			for _, v := range d.Values[i][f] {
				if v {
					on++
				}
			}
			assert.LessOrEqual(t, on, 1)
		}
	}

	size := 0
	for _, in := range res.Clusters[0] {
		if in {
			size++
		}
	}
	assert.Equal(t, 9, size)
	assert.True(t, res.Clusters[0][2*10+2])
	assert.True(t, res.Clusters[0][4*10+4])
	assert.False(t, res.Clusters[0][5*10+5])
}

func TestGenerate_Deterministic(t *testing.T) {
	a, err := Generate(DefaultConfig())
	require.NoError(t, err)
	b, err := Generate(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, a.Data.Values, b.Data.Values)

	other := DefaultConfig()
	other.Seed = 2
	c, err := Generate(other)
	require.NoError(t, err)
	assert.NotEqual(t, a.Data.Values, c.Data.Values)
}

func TestGenerate_NoMissing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MissingRate = 0
	res, err := Generate(cfg)
	require.NoError(t, err)
	for i := 0; i < res.Data.NumSites(); i++ {
		for f := 0; f < res.Data.NumFeatures(); f++ {
			assert.False(t, res.Data.IsMissing(i, f))
		}
	}
}

func TestGenerate_RoundTripsThroughYAML(t *testing.T) {
	res, err := Generate(DefaultConfig())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "data.yaml")
	require.NoError(t, state.SaveData(path, res.Data))
	loaded, err := state.LoadData(path)
	require.NoError(t, err)
	assert.Equal(t, res.Data.Values, loaded.Values)
}

func TestConfig_Validate(t *testing.T) {
	cases := []struct {
		name string
		edit func(*Config)
	}{
		{"empty grid", func(c *Config) { c.Width = 0 }},
		{"no features", func(c *Config) { c.Features = 0 }},
		{"one state", func(c *Config) { c.States = 1 }},
		{"strength", func(c *Config) { c.Strength = 1.5 }},
		{"missing", func(c *Config) { c.MissingRate = 1 }},
		{"concentration", func(c *Config) { c.Concentration = 0 }},
		{"zone outside", func(c *Config) { c.Zones = []Zone{{X0: 8, Y0: 8, X1: 10, Y1: 9}} }},
		{"zone inverted", func(c *Config) { c.Zones = []Zone{{X0: 4, Y0: 4, X1: 3, Y1: 5}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.edit(&cfg)
			_, err := Generate(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, mcerr.ErrConfiguration)
		})
	}
}
