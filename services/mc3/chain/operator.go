// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chain

import (
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
	"github.com/AleutianAI/AleutianMC3/services/mc3/tempering"
)

// =============================================================================
// Operator capability
// =============================================================================

// Env is what an operator may use while taking one step.
type Env struct {
	Model       state.Model
	Temperature tempering.Pair
	RNG         *rand.Rand
}

// Operator applies one MCMC step to a sample.
//
// Step may mutate s in place or return a different sample; the runner
// keeps whatever is returned and drops s. Tempering of the internal
// Metropolis-Hastings test is the operator's responsibility. The returned
// sample must have its score cache either valid or invalidated.
type Operator interface {
	Name() string
	Step(s *state.Sample, env *Env) (*state.Sample, bool)
}

// Weighted pairs an operator with its selection weight.
type Weighted struct {
	Operator Operator
	Weight   float64
}

// Schedule picks operators with probability proportional to their weight.
type Schedule struct {
	ops []Operator
	cum []float64
}

// NewSchedule builds a schedule. Zero-weight operators are dropped; at
// least one operator must remain.
func NewSchedule(ops []Weighted) (*Schedule, error) {
	s := &Schedule{}
	total := 0.0
	for _, w := range ops {
		if w.Weight < 0 {
			return nil, fmt.Errorf("operator %s: negative weight %g", w.Operator.Name(), w.Weight)
		}
		if w.Weight == 0 {
			continue
		}
		total += w.Weight
		s.ops = append(s.ops, w.Operator)
		s.cum = append(s.cum, total)
	}
	if len(s.ops) == 0 {
		return nil, fmt.Errorf("operator schedule is empty")
	}
	for i := range s.cum {
		s.cum[i] /= total
	}
	return s, nil
}

// Pick draws one operator.
func (s *Schedule) Pick(rng *rand.Rand) Operator {
	if len(s.ops) == 1 {
		return s.ops[0]
	}
	u := rng.Float64()
	i := sort.SearchFloat64s(s.cum, u)
	if i >= len(s.ops) {
		i = len(s.ops) - 1
	}
	return s.ops[i]
}

// Operators lists the scheduled operators in order.
func (s *Schedule) Operators() []Operator {
	return s.ops
}

// OperatorStats counts proposals per operator.
type OperatorStats struct {
	Name     string
	Proposed int
	Accepted int
}

// AcceptanceRate returns Accepted/Proposed, or 0 with no proposals.
func (o OperatorStats) AcceptanceRate() float64 {
	if o.Proposed == 0 {
		return 0
	}
	return float64(o.Accepted) / float64(o.Proposed)
}
