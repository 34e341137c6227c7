// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulate generates synthetic data sets with planted contact
// zones.
//
// Sites lie on a rectangular grid with 4-neighbour adjacency. One
// confounder ("family") splits the grid into a west and an east group.
// Inside a planted zone a site takes its state from the zone's
// distribution with probability Strength, otherwise from its family's.
package simulate

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
)

// Zone is a planted rectangle of grid cells, inclusive on both ends.
type Zone struct {
	X0 int `yaml:"x0"`
	Y0 int `yaml:"y0"`
	X1 int `yaml:"x1"`
	Y1 int `yaml:"y1"`
}

// Contains reports whether cell (x, y) lies in the zone.
func (z Zone) Contains(x, y int) bool {
	return x >= z.X0 && x <= z.X1 && y >= z.Y0 && y <= z.Y1
}

// Config parameterizes a simulation.
type Config struct {
	Width    int
	Height   int
	Features int
	States   int

	Zones []Zone

	// Strength is the probability that a zone site follows the zone.
	Strength float64

	// MissingRate is the probability of an NA observation.
	MissingRate float64

	// Concentration of the Dirichlet the effect distributions are drawn
	// from. Small values give peaked distributions.
	Concentration float64

	Seed uint64
}

// DefaultConfig returns a 10x10 grid with one 3x3 zone.
func DefaultConfig() Config {
	return Config{
		Width:         10,
		Height:        10,
		Features:      20,
		States:        2,
		Zones:         []Zone{{X0: 2, Y0: 2, X1: 4, Y1: 4}},
		Strength:      0.9,
		MissingRate:   0.05,
		Concentration: 0.5,
		Seed:          1,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Width < 1 || c.Height < 1:
		return mcerr.NewConfigurationError("simulate", "grid must be at least 1x1, got %dx%d", c.Width, c.Height)
	case c.Features < 1:
		return mcerr.NewConfigurationError("simulate", "need at least one feature")
	case c.States < 2:
		return mcerr.NewConfigurationError("simulate", "need at least two states, got %d", c.States)
	case c.Strength < 0 || c.Strength > 1:
		return mcerr.NewConfigurationError("simulate", "strength must be in [0, 1], got %g", c.Strength)
	case c.MissingRate < 0 || c.MissingRate >= 1:
		return mcerr.NewConfigurationError("simulate", "missing rate must be in [0, 1), got %g", c.MissingRate)
	case !(c.Concentration > 0):
		return mcerr.NewConfigurationError("simulate", "concentration must be positive, got %g", c.Concentration)
	}
	for i, z := range c.Zones {
		if z.X0 < 0 || z.Y0 < 0 || z.X1 >= c.Width || z.Y1 >= c.Height || z.X0 > z.X1 || z.Y0 > z.Y1 {
			return mcerr.NewConfigurationError("simulate", "zone %d outside the %dx%d grid", i, c.Width, c.Height)
		}
	}
	return nil
}

// Result is a simulated data set and the zones that generated it.
type Result struct {
	Data *state.Data

	// Clusters[z][i] is true when site i lies in planted zone z.
	Clusters [][]bool
}

// Generate draws a data set.
func Generate(cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, 0x73696d))

	n := cfg.Width * cfg.Height
	d := &state.Data{
		Sites:      make([]state.Site, n),
		Neighbours: make([][]int, n),
		Features:   make([]state.Feature, cfg.Features),
		Values:     make([][][]bool, n),
		Confounders: []state.Confounder{{
			Name:       "family",
			Groups:     []string{"west", "east"},
			Membership: [][]bool{make([]bool, n), make([]bool, n)},
		}},
	}

	states := make([]string, cfg.States)
	for s := range states {
		states[s] = "S" + strconv.Itoa(s)
	}
	for f := range d.Features {
		d.Features[f] = state.Feature{Name: "F" + strconv.Itoa(f+1), States: states}
	}

	family := [2][][]float64{effects(cfg, rng), effects(cfg, rng)}
	zones := make([][][]float64, len(cfg.Zones))
	for z := range zones {
		zones[z] = effects(cfg, rng)
	}

	res := &Result{Data: d, Clusters: make([][]bool, len(cfg.Zones))}
	for z := range res.Clusters {
		res.Clusters[z] = make([]bool, n)
	}

	for y := 0; y < cfg.Height; y++ {
		for x := 0; x < cfg.Width; x++ {
			i := y*cfg.Width + x
			d.Sites[i] = state.Site{Name: fmt.Sprintf("site_%d_%d", x, y), X: float64(x), Y: float64(y)}
			d.Neighbours[i] = gridNeighbours(cfg, x, y)

			g := 0
			if x >= cfg.Width/2 {
				g = 1
			}
			d.Confounders[0].Membership[g][i] = true

			zone := -1
			for z, zn := range cfg.Zones {
				if zn.Contains(x, y) {
					zone = z
					res.Clusters[z][i] = true
					break
				}
			}

			d.Values[i] = make([][]bool, cfg.Features)
			for f := 0; f < cfg.Features; f++ {
				d.Values[i][f] = make([]bool, cfg.States)
				if rng.Float64() < cfg.MissingRate {
					continue
				}
				p := family[g][f]
				if zone >= 0 && rng.Float64() < cfg.Strength {
					p = zones[zone][f]
				}
				st := int(distuv.NewCategorical(p, rng).Rand())
				d.Values[i][f][st] = true
			}
		}
	}
	return res, nil
}

// effects draws one state distribution per feature.
func effects(cfg Config, rng *rand.Rand) [][]float64 {
	alpha := make([]float64, cfg.States)
	for s := range alpha {
		alpha[s] = cfg.Concentration
	}
	dir := distmv.NewDirichlet(alpha, rng)
	out := make([][]float64, cfg.Features)
	for f := range out {
		out[f] = dir.Rand(nil)
	}
	return out
}

func gridNeighbours(cfg Config, x, y int) []int {
	var out []int
	if y > 0 {
		out = append(out, (y-1)*cfg.Width+x)
	}
	if x > 0 {
		out = append(out, y*cfg.Width+x-1)
	}
	if x < cfg.Width-1 {
		out = append(out, y*cfg.Width+x+1)
	}
	if y < cfg.Height-1 {
		out = append(out, (y+1)*cfg.Width+x)
	}
	return out
}
