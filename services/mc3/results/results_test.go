// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package results

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMC3/services/mc3/chain"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
)

func smallData() *state.Data {
	return &state.Data{
		Sites:      []state.Site{{Name: "s0"}, {Name: "s1"}, {Name: "s2"}},
		Neighbours: [][]int{{1}, {0, 2}, {1}},
		Features:   []state.Feature{{Name: "f", States: []string{"A", "B"}}},
		Values:     [][][]bool{{{true, false}}, {{false, true}}, {{false, false}}},
		Confounders: []state.Confounder{{
			Name:       "fam",
			Groups:     []string{"g"},
			Membership: [][]bool{{true, true, true}},
		}},
	}
}

func smallSample() *state.Sample {
	s := &state.Sample{
		Clusters:           [][]bool{{true, true, false}},
		Weights:            [][]float64{{0.25, 0.75}},
		ConfoundingEffects: map[string][][][]float64{"fam": {{{0.5, 0.5}}}},
		Source:             [][][]bool{{{true, false}}, {{false, true}}, {{false, false}}},
		Step:               40,
	}
	s.SetScores(-2.5, -1)
	return s
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(b), "\n"), "\n")
}

type fixedScorer []float64

func (f fixedScorer) SiteLikelihoods(*state.Sample) []float64 { return f }

func TestPaths(t *testing.T) {
	p := Paths{Dir: "out/K1", Suffix: "_K1_0.chain2"}
	assert.Equal(t, filepath.Join("out/K1", "stats_K1_0.chain2.txt"), p.Stats())
	assert.Equal(t, filepath.Join("out/K1", "clusters_K1_0.chain2.txt"), p.Clusters())
	assert.Equal(t, filepath.Join("out/K1", "operator_stats_K1_0.chain2.txt"), p.OperatorStats())
}

func TestStatsLogger(t *testing.T) {
	p := Paths{Dir: filepath.Join(t.TempDir(), "K1"), Suffix: "_K1_0"}
	l, err := NewStatsLogger(p, smallData(), 2)
	require.NoError(t, err)

	require.NoError(t, l.Write(smallSample()))
	require.NoError(t, l.WriteOperatorStats([]chain.OperatorStats{{Name: "clusters", Proposed: 4, Accepted: 1}}))
	require.NoError(t, l.Close())

	lines := readLines(t, p.Stats())
	require.Len(t, lines, 2)
	assert.Equal(t, "Sample\tposterior\tlikelihood\tprior\tsize_0\tw_cluster_f\tw_fam_f\tfam_g_f_A\tfam_g_f_B", lines[0])
	assert.Equal(t, "40\t-3.50\t-2.50\t-1.00\t2\t0.25\t0.75\t0.50\t0.50", lines[1])

	ops := readLines(t, p.OperatorStats())
	assert.Equal(t, []string{"operator\tproposed\taccepted\tacceptance", "clusters\t4\t1\t0.2500"}, ops)
}

func TestClustersLogger(t *testing.T) {
	p := Paths{Dir: t.TempDir(), Suffix: "_K1_0"}
	l, err := NewClustersLogger(p)
	require.NoError(t, err)

	s := smallSample()
	s.Clusters = append(s.Clusters, []bool{false, false, true})
	require.NoError(t, l.Write(s))
	require.NoError(t, l.Write(&state.Sample{}))
	require.NoError(t, l.Close())

	assert.Equal(t, []string{"[110]\t[001]", "[]"}, readLines(t, p.Clusters()))
}

func TestLikelihoodLogger(t *testing.T) {
	p := Paths{Dir: t.TempDir(), Suffix: "_K1_0"}
	l, err := NewLikelihoodLogger(p, smallData(), fixedScorer{-1, -0.5, 0}, 1)
	require.NoError(t, err)

	require.NoError(t, l.Write(smallSample()))
	require.NoError(t, l.Close())

	assert.Equal(t, []string{"Sample\ts0\ts1\ts2", "40\t-1.0\t-0.5\t0.0"}, readLines(t, p.Likelihood()))
}

func TestSourceLogger(t *testing.T) {
	p := Paths{Dir: t.TempDir(), Suffix: "_K1_0"}
	l, err := NewSourceLogger(p, smallData())
	require.NoError(t, err)

	require.NoError(t, l.Write(smallSample()))
	noSource := smallSample()
	noSource.Source = nil
	require.NoError(t, l.Write(noSource))
	require.NoError(t, l.Close())

	assert.Equal(t, []string{"Sample\ts0_f\ts1_f\ts2_f", "40\t0\t1\t-1"}, readLines(t, p.Source()))
}

func TestCreateFailsOnFileInPlaceOfDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "K1")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := NewClustersLogger(Paths{Dir: blocker, Suffix: "_K1_0"})
	assert.Error(t, err)
}

func TestLoggers_AppendKeepsRows(t *testing.T) {
	p := Paths{Dir: filepath.Join(t.TempDir(), "K1"), Suffix: "_K1_0"}
	data := smallData()
	ops := []chain.OperatorStats{{Name: "clusters", Proposed: 4, Accepted: 1}}

	write := func(p Paths, step int) {
		t.Helper()
		stats, err := NewStatsLogger(p, data, 2)
		require.NoError(t, err)
		lh, err := NewLikelihoodLogger(p, data, fixedScorer{-1, -2, 0}, 2)
		require.NoError(t, err)
		src, err := NewSourceLogger(p, data)
		require.NoError(t, err)
		cl, err := NewClustersLogger(p)
		require.NoError(t, err)

		s := smallSample()
		s.Step = step
		for _, l := range []chain.ResultLogger{stats, lh, src, cl} {
			require.NoError(t, l.Write(s))
		}
		require.NoError(t, stats.WriteOperatorStats(ops))
		for _, l := range []chain.ResultLogger{stats, lh, src, cl} {
			require.NoError(t, l.Close())
		}
	}

	write(p, 40)
	p.Append = true
	write(p, 80)

	for _, path := range []string{p.Stats(), p.Likelihood(), p.Source()} {
		lines := readLines(t, path)
		require.Len(t, lines, 3, path)
		assert.True(t, strings.HasPrefix(lines[0], "Sample\t"), path)
		assert.True(t, strings.HasPrefix(lines[1], "40\t"), path)
		assert.True(t, strings.HasPrefix(lines[2], "80\t"), path)
	}
	assert.Len(t, readLines(t, p.Clusters()), 2)

	opLines := readLines(t, p.OperatorStats())
	require.Len(t, opLines, 3)
	assert.Equal(t, 1, strings.Count(strings.Join(opLines, "\n"), "operator\t"))
}

func TestLoggers_TruncateWithoutAppend(t *testing.T) {
	p := Paths{Dir: filepath.Join(t.TempDir(), "K1"), Suffix: "_K1_0"}
	for range 2 {
		l, err := NewClustersLogger(p)
		require.NoError(t, err)
		require.NoError(t, l.Write(smallSample()))
		require.NoError(t, l.Close())
	}
	assert.Len(t, readLines(t, p.Clusters()), 1)
}
