// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package results writes per-chain sample logs.
//
// Every chain writes its own files under the per-K result directory, so
// no two workers ever share a file handle:
//
//	stats_K{k}_{run}{.chainC}.txt         scores, sizes, weights, effects
//	clusters_K{k}_{run}{.chainC}.txt      cluster membership strings
//	likelihood_K{k}_{run}{.chainC}.txt    per-site log-likelihood
//	source_K{k}_{run}{.chainC}.txt        source assignments (optional)
//	operator_stats_K{k}_{run}{.chainC}.txt acceptance per operator
package results

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianMC3/services/mc3/chain"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
)

// =============================================================================
// Shared file handling
// =============================================================================

// tsvFile is a buffered tab-separated file.
type tsvFile struct {
	f   *os.File
	buf *bufio.Writer
	w   *csv.Writer
}

// openTSV creates path, or appends to it when appendMode is set. The
// second result reports whether the file already held data, in which case
// the caller must not write a header again.
func openTSV(path string, appendMode bool) (*tsvFile, bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("creating result directory: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("opening %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, fmt.Errorf("stat %s: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	w := csv.NewWriter(buf)
	w.Comma = '\t'
	return &tsvFile{f: f, buf: buf, w: w}, info.Size() > 0, nil
}

func (t *tsvFile) write(row []string) error {
	return t.w.Write(row)
}

func (t *tsvFile) close() error {
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		t.f.Close()
		return err
	}
	if err := t.buf.Flush(); err != nil {
		t.f.Close()
		return err
	}
	return t.f.Close()
}

// Paths names the result files of one chain.
type Paths struct {
	Dir    string
	Suffix string

	// Append keeps existing rows and skips headers already written. It is
	// set when a run resumes from a checkpoint.
	Append bool
}

func (p Paths) file(name string) string {
	return filepath.Join(p.Dir, name+p.Suffix+".txt")
}

// Stats returns the stats file path.
func (p Paths) Stats() string { return p.file("stats") }

// Clusters returns the clusters file path.
func (p Paths) Clusters() string { return p.file("clusters") }

// Likelihood returns the per-site likelihood file path.
func (p Paths) Likelihood() string { return p.file("likelihood") }

// Source returns the source assignment file path.
func (p Paths) Source() string { return p.file("source") }

// OperatorStats returns the operator statistics file path.
func (p Paths) OperatorStats() string { return p.file("operator_stats") }

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// =============================================================================
// Stats logger
// =============================================================================

// StatsLogger writes one row of scalar statistics per logged sample and,
// on shutdown, the operator acceptance table.
type StatsLogger struct {
	paths     Paths
	data      *state.Data
	precision int
	out       *tsvFile
	headed    bool
}

// NewStatsLogger creates the stats file immediately.
func NewStatsLogger(paths Paths, data *state.Data, precision int) (*StatsLogger, error) {
	out, existing, err := openTSV(paths.Stats(), paths.Append)
	if err != nil {
		return nil, err
	}
	return &StatsLogger{paths: paths, data: data, precision: precision, out: out, headed: existing}, nil
}

func (l *StatsLogger) header(s *state.Sample) []string {
	cols := []string{"Sample", "posterior", "likelihood", "prior"}
	for z := range s.Clusters {
		cols = append(cols, "size_"+strconv.Itoa(z))
	}
	sources := l.data.SourceNames()
	for f, feat := range l.data.Features {
		if f >= len(s.Weights) {
			break
		}
		for k := range s.Weights[f] {
			cols = append(cols, "w_"+sources[k]+"_"+feat.Name)
		}
	}
	for _, conf := range l.data.Confounders {
		for g, group := range conf.Groups {
			for f, feat := range l.data.Features {
				for st, name := range feat.States {
					if effectAt(s, conf.Name, g, f, st) {
						cols = append(cols, strings.Join([]string{conf.Name, group, feat.Name, name}, "_"))
					}
				}
			}
		}
	}
	return cols
}

// Write implements chain.ResultLogger.
func (l *StatsLogger) Write(s *state.Sample) error {
	if !l.headed {
		if err := l.out.write(l.header(s)); err != nil {
			return err
		}
		l.headed = true
	}
	p := l.precision
	row := []string{
		strconv.Itoa(s.Step),
		formatFloat(s.Cache.Likelihood+s.Cache.Prior, p),
		formatFloat(s.Cache.Likelihood, p),
		formatFloat(s.Cache.Prior, p),
	}
	for _, size := range s.ClusterSizes() {
		row = append(row, strconv.Itoa(size))
	}
	for _, w := range s.Weights {
		for _, v := range w {
			row = append(row, formatFloat(v, p))
		}
	}
	for _, conf := range l.data.Confounders {
		for g := range conf.Groups {
			for f, feat := range l.data.Features {
				for st := range feat.States {
					if effectAt(s, conf.Name, g, f, st) {
						row = append(row, formatFloat(s.ConfoundingEffects[conf.Name][g][f][st], p))
					}
				}
			}
		}
	}
	return l.out.write(row)
}

// WriteOperatorStats implements chain.StatsReporter.
func (l *StatsLogger) WriteOperatorStats(stats []chain.OperatorStats) error {
	out, existing, err := openTSV(l.paths.OperatorStats(), l.paths.Append)
	if err != nil {
		return err
	}
	if !existing {
		if err := out.write([]string{"operator", "proposed", "accepted", "acceptance"}); err != nil {
			out.close()
			return err
		}
	}
	for _, st := range stats {
		row := []string{
			st.Name,
			strconv.Itoa(st.Proposed),
			strconv.Itoa(st.Accepted),
			formatFloat(st.AcceptanceRate(), 4),
		}
		if err := out.write(row); err != nil {
			out.close()
			return err
		}
	}
	return out.close()
}

// Close implements chain.ResultLogger.
func (l *StatsLogger) Close() error { return l.out.close() }

func effectAt(s *state.Sample, name string, g, f, st int) bool {
	groups, ok := s.ConfoundingEffects[name]
	return ok && g < len(groups) && f < len(groups[g]) && st < len(groups[g][f])
}

// =============================================================================
// Cluster logger
// =============================================================================

// ClustersLogger writes one line per logged sample with the membership of
// every cluster as a 0/1 string, clusters separated by tabs.
type ClustersLogger struct {
	out *tsvFile
}

// NewClustersLogger creates the clusters file.
func NewClustersLogger(paths Paths) (*ClustersLogger, error) {
	out, _, err := openTSV(paths.Clusters(), paths.Append)
	if err != nil {
		return nil, err
	}
	return &ClustersLogger{out: out}, nil
}

// Write implements chain.ResultLogger.
func (l *ClustersLogger) Write(s *state.Sample) error {
	row := make([]string, len(s.Clusters))
	for z, members := range s.Clusters {
		row[z] = "[" + bits(members) + "]"
	}
	if len(row) == 0 {
		row = []string{"[]"}
	}
	return l.out.write(row)
}

// Close implements chain.ResultLogger.
func (l *ClustersLogger) Close() error { return l.out.close() }

func bits(xs []bool) string {
	var b strings.Builder
	b.Grow(len(xs))
	for _, x := range xs {
		if x {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// =============================================================================
// Likelihood logger
// =============================================================================

// SiteScorer returns per-site log-likelihood contributions.
type SiteScorer interface {
	SiteLikelihoods(s *state.Sample) []float64
}

// LikelihoodLogger writes the per-site log-likelihood of every logged
// sample, one column per site.
type LikelihoodLogger struct {
	data      *state.Data
	scorer    SiteScorer
	precision int
	out       *tsvFile
	headed    bool
}

// NewLikelihoodLogger creates the likelihood file.
func NewLikelihoodLogger(paths Paths, data *state.Data, scorer SiteScorer, precision int) (*LikelihoodLogger, error) {
	out, existing, err := openTSV(paths.Likelihood(), paths.Append)
	if err != nil {
		return nil, err
	}
	return &LikelihoodLogger{data: data, scorer: scorer, precision: precision, out: out, headed: existing}, nil
}

// Write implements chain.ResultLogger.
func (l *LikelihoodLogger) Write(s *state.Sample) error {
	if !l.headed {
		cols := make([]string, 0, l.data.NumSites()+1)
		cols = append(cols, "Sample")
		for _, site := range l.data.Sites {
			cols = append(cols, site.Name)
		}
		if err := l.out.write(cols); err != nil {
			return err
		}
		l.headed = true
	}
	lh := l.scorer.SiteLikelihoods(s)
	row := make([]string, 0, len(lh)+1)
	row = append(row, strconv.Itoa(s.Step))
	for _, v := range lh {
		row = append(row, formatFloat(v, l.precision))
	}
	return l.out.write(row)
}

// Close implements chain.ResultLogger.
func (l *LikelihoodLogger) Close() error { return l.out.close() }

// =============================================================================
// Source logger
// =============================================================================

// SourceLogger writes the source index of every observation, one column
// per (site, feature). Missing observations are written as -1.
type SourceLogger struct {
	data   *state.Data
	out    *tsvFile
	headed bool
}

// NewSourceLogger creates the source file.
func NewSourceLogger(paths Paths, data *state.Data) (*SourceLogger, error) {
	out, existing, err := openTSV(paths.Source(), paths.Append)
	if err != nil {
		return nil, err
	}
	return &SourceLogger{data: data, out: out, headed: existing}, nil
}

// Write implements chain.ResultLogger.
func (l *SourceLogger) Write(s *state.Sample) error {
	if s.Source == nil {
		return nil
	}
	if !l.headed {
		cols := []string{"Sample"}
		for _, site := range l.data.Sites {
			for _, feat := range l.data.Features {
				cols = append(cols, site.Name+"_"+feat.Name)
			}
		}
		if err := l.out.write(cols); err != nil {
			return err
		}
		l.headed = true
	}
	row := []string{strconv.Itoa(s.Step)}
	for i := range s.Source {
		for f := range s.Source[i] {
			k := -1
			for idx, on := range s.Source[i][f] {
				if on {
					k = idx
					break
				}
			}
			row = append(row, strconv.Itoa(k))
		}
	}
	return l.out.write(row)
}

// Close implements chain.ResultLogger.
func (l *SourceLogger) Close() error { return l.out.close() }
