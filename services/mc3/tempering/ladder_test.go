// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tempering

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
)

func TestNewLinearLadder(t *testing.T) {
	l, err := NewLinearLadder(4, 0.5, 0.25)
	require.NoError(t, err)

	assert.Equal(t, 4, l.Len())
	assert.Equal(t, []float64{1, 1.5, 2, 2.5}, l.Likelihood)
	assert.Equal(t, []float64{1, 1.25, 1.5, 1.75}, l.Prior)
	assert.True(t, l.Cold().IsCold())
	assert.Equal(t, Pair{Likelihood: 2, Prior: 1.5}, l.At(2))
}

func TestNewLinearLadder_FlatPrior(t *testing.T) {
	l, err := NewLinearLadder(2, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, l.Likelihood)
	assert.Equal(t, []float64{1, 1}, l.Prior)
}

func TestNewLinearLadder_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		chains    int
		lh, prior float64
	}{
		{"zero chains", 0, 1, 1},
		{"negative likelihood diff", 3, -1, 0},
		{"negative prior diff", 3, 0, -0.1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLinearLadder(tt.chains, tt.lh, tt.prior)
			require.Error(t, err)
			assert.True(t, errors.Is(err, mcerr.ErrConfiguration))
		})
	}
}

func TestLadder_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ladder  Ladder
		wantErr bool
	}{
		{"valid", Ladder{Likelihood: []float64{1, 3}, Prior: []float64{1, 1}}, false},
		{"empty", Ladder{}, true},
		{"length mismatch", Ladder{Likelihood: []float64{1, 2}, Prior: []float64{1}}, true},
		{"zero temperature", Ladder{Likelihood: []float64{1, 0}, Prior: []float64{1, 1}}, true},
		{"nan prior", Ladder{Likelihood: []float64{1}, Prior: []float64{math.NaN()}}, true},
		{"inf likelihood", Ladder{Likelihood: []float64{math.Inf(1)}, Prior: []float64{1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ladder.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
