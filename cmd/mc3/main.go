// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command mc3 runs parallel-tempered MCMC for spatial contact zones.
//
//	mc3 config init config.yaml
//	mc3 simulate --out data.yaml
//	mc3 run --config config.yaml
//	mc3 run --config config.yaml --resume
//	mc3 checkpoints list --config config.yaml
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "mc3",
		Short: "Parallel-tempered MCMC for spatial cluster inference",
		Long: `mc3 samples contact zones with Metropolis-coupled MCMC.

Each chain runs in its own worker at its own likelihood and prior
temperature; after every swap interval the supervisor proposes state
exchanges between chains. Only the cold chain (index 0) targets the
posterior; its samples are written without a chain suffix.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(opts),
		newWorkerCmd(opts),
		newSimulateCmd(),
		newConfigCmd(),
		newCheckpointsCmd(),
	)
	return root
}
