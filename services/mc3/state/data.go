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
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
)

// =============================================================================
// Data
// =============================================================================

// Site is one location in the spatial network.
type Site struct {
	Name string  `json:"name" yaml:"name"`
	X    float64 `json:"x" yaml:"x"`
	Y    float64 `json:"y" yaml:"y"`
}

// Feature describes one categorical feature and its applicable states.
type Feature struct {
	Name   string   `json:"name" yaml:"name"`
	States []string `json:"states" yaml:"states"`
}

// Confounder is a grouping of sites that explains shared feature values
// independently of contact (for example a language family).
type Confounder struct {
	Name   string   `json:"name" yaml:"name"`
	Groups []string `json:"groups" yaml:"groups"`

	// Membership[g][i] is true when site i belongs to group g.
	Membership [][]bool `json:"membership" yaml:"membership"`
}

// Data is the read-only input shared by every chain.
//
// # Description
//
// Holds the spatial network (sites plus neighbour lists), the observed
// features and the confounders. Values[i][f][s] is true when site i shows
// state s of feature f; a row of all false values marks a missing (NA)
// observation. Data is never mutated after loading, so one instance may be
// shared by any number of goroutines.
type Data struct {
	Sites       []Site       `json:"sites" yaml:"sites"`
	Neighbours  [][]int      `json:"neighbours" yaml:"neighbours"`
	Features    []Feature    `json:"features" yaml:"features"`
	Values      [][][]bool   `json:"values" yaml:"values"`
	Confounders []Confounder `json:"confounders" yaml:"confounders"`
}

// NumSites returns the number of sites.
func (d *Data) NumSites() int { return len(d.Sites) }

// Neighbour returns the adjacency list of site i.
func (d *Data) Neighbour(i int) []int { return d.Neighbours[i] }

// NumFeatures returns the number of features.
func (d *Data) NumFeatures() int { return len(d.Features) }

// NumStates returns the number of applicable states of feature f.
func (d *Data) NumStates(f int) int { return len(d.Features[f].States) }

// NumSources returns the number of mixture components: the cluster effect
// plus one per confounder.
func (d *Data) NumSources() int { return 1 + len(d.Confounders) }

// SourceNames returns the mixture component labels in source order.
func (d *Data) SourceNames() []string {
	names := make([]string, 0, d.NumSources())
	names = append(names, "cluster")
	for _, c := range d.Confounders {
		names = append(names, c.Name)
	}
	return names
}

// IsMissing reports whether site i has no observed state for feature f.
func (d *Data) IsMissing(i, f int) bool {
	for _, v := range d.Values[i][f] {
		if v {
			return false
		}
	}
	return true
}

// ObservedState returns the observed state index of feature f at site i,
// or -1 for a missing observation.
func (d *Data) ObservedState(i, f int) int {
	for s, v := range d.Values[i][f] {
		if v {
			return s
		}
	}
	return -1
}

// Validate checks shape consistency and symmetric adjacency.
func (d *Data) Validate() error {
	n := d.NumSites()
	if n == 0 {
		return mcerr.NewConfigurationError("data", "no sites")
	}
	if len(d.Neighbours) != n {
		return mcerr.NewConfigurationError("data", "neighbour lists for %d sites, want %d", len(d.Neighbours), n)
	}
	for i, nbrs := range d.Neighbours {
		for _, j := range nbrs {
			if j < 0 || j >= n || j == i {
				return mcerr.NewConfigurationError("data", "site %d has invalid neighbour %d", i, j)
			}
			if !contains(d.Neighbours[j], i) {
				return mcerr.NewConfigurationError("data", "adjacency is not symmetric between %d and %d", i, j)
			}
		}
	}
	if len(d.Values) != n {
		return mcerr.NewConfigurationError("data", "values for %d sites, want %d", len(d.Values), n)
	}
	for i := range d.Values {
		if len(d.Values[i]) != d.NumFeatures() {
			return mcerr.NewConfigurationError("data", "site %d has %d features, want %d", i, len(d.Values[i]), d.NumFeatures())
		}
		for f := range d.Values[i] {
			if len(d.Values[i][f]) != d.NumStates(f) {
				return mcerr.NewConfigurationError("data", "site %d feature %q has %d states, want %d",
					i, d.Features[f].Name, len(d.Values[i][f]), d.NumStates(f))
			}
		}
	}
	for _, c := range d.Confounders {
		if len(c.Membership) != len(c.Groups) {
			return mcerr.NewConfigurationError("data", "confounder %q has %d membership rows for %d groups",
				c.Name, len(c.Membership), len(c.Groups))
		}
		for g, row := range c.Membership {
			if len(row) != n {
				return mcerr.NewConfigurationError("data", "confounder %q group %q has %d sites, want %d",
					c.Name, c.Groups[g], len(row), n)
			}
		}
	}
	return nil
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

// LoadData reads a YAML data file and validates it.
func LoadData(path string) (*Data, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading data file %s: %w", path, err)
	}
	var d Data
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parsing data file %s: %w", path, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// SaveData writes d as YAML.
func SaveData(path string, d *Data) error {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding data: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("writing data file %s: %w", path, err)
	}
	return nil
}
