// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tempering provides the likelihood and prior temperature ladders
// used by parallel-tempered MCMC.
//
// A ladder holds one temperature pair per chain. Index 0 is always the
// cold chain used for reporting. Ladders are fixed for the duration of a
// run; nothing in the engine mutates one after construction.
package tempering

import (
	"fmt"
	"math"

	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
)

// Pair is the temperature pair bound to one chain index.
type Pair struct {
	// Likelihood divides the log-likelihood in acceptance ratios.
	Likelihood float64 `json:"likelihood" yaml:"likelihood"`

	// Prior divides the log-prior in acceptance ratios.
	Prior float64 `json:"prior" yaml:"prior"`
}

// IsCold reports whether both temperatures equal 1.
func (p Pair) IsCold() bool {
	return p.Likelihood == 1 && p.Prior == 1
}

// Ladder holds two independent temperature schedules, one entry per chain.
//
// # Invariants
//
//   - len(Likelihood) == len(Prior) >= 1
//   - every entry is finite and > 0
//   - index 0 is the reference chain
type Ladder struct {
	Likelihood []float64 `json:"likelihood" yaml:"likelihood"`
	Prior      []float64 `json:"prior" yaml:"prior"`
}

// NewLinearLadder builds the standard ladder 1 + c*diff for each chain c.
//
// # Inputs
//
//   - chains: number of chains (>= 1)
//   - lhDiff: likelihood temperature increment per chain (>= 0)
//   - priorDiff: prior temperature increment per chain (>= 0)
//
// # Outputs
//
//   - Ladder: validated ladder
//   - error: *mcerr.ConfigurationError for invalid inputs
func NewLinearLadder(chains int, lhDiff, priorDiff float64) (Ladder, error) {
	if chains < 1 {
		return Ladder{}, mcerr.NewConfigurationError("tempering", "chains must be >= 1, got %d", chains)
	}
	if lhDiff < 0 || priorDiff < 0 {
		return Ladder{}, mcerr.NewConfigurationError("tempering",
			"temperature increments must be >= 0, got likelihood=%g prior=%g", lhDiff, priorDiff)
	}

	l := Ladder{
		Likelihood: make([]float64, chains),
		Prior:      make([]float64, chains),
	}
	for c := 0; c < chains; c++ {
		l.Likelihood[c] = 1 + float64(c)*lhDiff
		l.Prior[c] = 1 + float64(c)*priorDiff
	}
	return l, l.Validate()
}

// Validate checks the ladder invariants.
func (l Ladder) Validate() error {
	if len(l.Likelihood) == 0 {
		return mcerr.NewConfigurationError("tempering", "ladder is empty")
	}
	if len(l.Likelihood) != len(l.Prior) {
		return mcerr.NewConfigurationError("tempering",
			"likelihood ladder has %d entries, prior ladder has %d", len(l.Likelihood), len(l.Prior))
	}
	for c := range l.Likelihood {
		if err := checkTemperature("likelihood", c, l.Likelihood[c]); err != nil {
			return err
		}
		if err := checkTemperature("prior", c, l.Prior[c]); err != nil {
			return err
		}
	}
	return nil
}

func checkTemperature(kind string, c int, t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
		return mcerr.NewConfigurationError("tempering", "%s temperature of chain %d must be positive and finite, got %g", kind, c, t)
	}
	return nil
}

// Len returns the number of chains.
func (l Ladder) Len() int {
	return len(l.Likelihood)
}

// At returns the temperature pair for chain c. It panics when c is out of
// range, like a slice index.
func (l Ladder) At(c int) Pair {
	return Pair{Likelihood: l.Likelihood[c], Prior: l.Prior[c]}
}

// Cold returns the pair of the reference chain.
func (l Ladder) Cold() Pair {
	return l.At(0)
}

// String renders the ladder for setup logs.
func (l Ladder) String() string {
	return fmt.Sprintf("likelihood=%v prior=%v", l.Likelihood, l.Prior)
}
