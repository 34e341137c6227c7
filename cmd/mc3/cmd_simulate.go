// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMC3/pkg/ux"
	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
	"github.com/AleutianAI/AleutianMC3/services/mc3/simulate"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
)

type simulateOptions struct {
	cfg   simulate.Config
	zones []string
	out   string
}

func newSimulateCmd() *cobra.Command {
	opts := &simulateOptions{cfg: simulate.DefaultConfig()}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Write a synthetic data set with planted contact zones",
		Long: `Simulate generates a grid of sites, one family confounder split into a
west and an east group, and rectangular contact zones whose sites share
feature distributions. The result is a data file that mc3 run can read.

Zones are given as x0,y0,x1,y1 (inclusive grid coordinates).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("zone") {
				zones, err := parseZones(opts.zones)
				if err != nil {
					return err
				}
				opts.cfg.Zones = zones
			}
			res, err := simulate.Generate(opts.cfg)
			if err != nil {
				return err
			}
			if err := state.SaveData(opts.out, res.Data); err != nil {
				return err
			}
			p := ux.NewPrinter(cmd.OutOrStdout())
			p.Box("SIMULATION", []ux.Row{
				ux.R("Sites", res.Data.NumSites()),
				ux.R("Features", res.Data.NumFeatures()),
				ux.R("Zones", len(opts.cfg.Zones)),
				ux.R("Seed", opts.cfg.Seed),
			})
			p.Success("data written to " + opts.out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.out, "out", "o", "data.yaml", "output data file")
	f.IntVar(&opts.cfg.Width, "width", opts.cfg.Width, "grid width")
	f.IntVar(&opts.cfg.Height, "height", opts.cfg.Height, "grid height")
	f.IntVar(&opts.cfg.Features, "features", opts.cfg.Features, "number of features")
	f.IntVar(&opts.cfg.States, "states", opts.cfg.States, "states per feature")
	f.Float64Var(&opts.cfg.Strength, "strength", opts.cfg.Strength, "probability a zone site follows its zone")
	f.Float64Var(&opts.cfg.MissingRate, "missing", opts.cfg.MissingRate, "probability of a missing observation")
	f.Float64Var(&opts.cfg.Concentration, "concentration", opts.cfg.Concentration, "Dirichlet concentration of effect distributions")
	f.Uint64Var(&opts.cfg.Seed, "seed", opts.cfg.Seed, "random seed")
	f.StringArrayVar(&opts.zones, "zone", nil, "planted zone x0,y0,x1,y1 (repeatable)")
	return cmd
}

func parseZones(args []string) ([]simulate.Zone, error) {
	zones := make([]simulate.Zone, 0, len(args))
	for _, arg := range args {
		parts := strings.Split(arg, ",")
		if len(parts) != 4 {
			return nil, mcerr.NewConfigurationError("simulate", "zone %q: want x0,y0,x1,y1", arg)
		}
		var v [4]int
		for i, p := range parts {
			n, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, fmt.Errorf("zone %q: %w", arg, err)
			}
			v[i] = n
		}
		zones = append(zones, simulate.Zone{X0: v[0], Y0: v[1], X1: v[2], Y1: v[3]})
	}
	return zones, nil
}
