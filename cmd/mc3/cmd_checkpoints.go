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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMC3/pkg/ux"
	"github.com/AleutianAI/AleutianMC3/services/mc3/config"
	"github.com/AleutianAI/AleutianMC3/services/mc3/storage/badger"
)

func newCheckpointsCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List or delete the checkpoints of an experiment",
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "configuration file")

	open := func() (*badger.Store, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		store, err := badger.OpenStore(badger.DefaultConfig(cfg.CheckpointDir()))
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
		return store, nil
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show every checkpointed run with its last round",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			runs, err := store.Runs(ctx)
			if err != nil {
				return err
			}
			p := ux.NewPrinter(cmd.OutOrStdout())
			if len(runs) == 0 {
				p.Warning("no checkpoints")
				return nil
			}
			rows := make([]ux.Row, 0, len(runs))
			for _, id := range runs {
				cp, err := store.Load(ctx, id)
				if err != nil {
					return err
				}
				rows = append(rows, ux.R(id, fmt.Sprintf("round %d, saved %s", cp.Round, cp.SavedAt.Format(time.RFC3339))))
			}
			p.Box("CHECKPOINTS", rows)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete RUN_ID...",
		Short: "Delete the checkpoints of the given runs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := open()
			if err != nil {
				return err
			}
			defer store.Close()

			p := ux.NewPrinter(cmd.OutOrStdout())
			for _, id := range args {
				if err := store.Delete(cmd.Context(), id); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				p.Success("deleted checkpoint " + id)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, deleteCmd)
	return cmd
}
