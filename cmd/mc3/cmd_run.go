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
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMC3/pkg/logging"
	"github.com/AleutianAI/AleutianMC3/pkg/ux"
	"github.com/AleutianAI/AleutianMC3/services/mc3/chain"
	"github.com/AleutianAI/AleutianMC3/services/mc3/config"
	"github.com/AleutianAI/AleutianMC3/services/mc3/model"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
	"github.com/AleutianAI/AleutianMC3/services/mc3/storage/badger"
	"github.com/AleutianAI/AleutianMC3/services/mc3/supervisor"
	"github.com/AleutianAI/AleutianMC3/services/mc3/swap"
	"github.com/AleutianAI/AleutianMC3/services/mc3/telemetry"
	"github.com/AleutianAI/AleutianMC3/services/mc3/worker"
)

// swapStream separates the coordinator's random stream from the chains'.
const swapStream = 0x73776170

const latestRun = "latest"

type runOptions struct {
	root        *rootOptions
	configPath  string
	resume      string
	metricsAddr string

	// stdout receives the setup and result summaries.
	stdout io.Writer
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{root: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an MC3 sampling experiment",
		Long: `Run loads the configuration and data, starts one worker per chain and
drives the swap rounds until the configured number of steps is reached.

With --resume the run continues from its last checkpoint: workers skip
warm-up and the swap matrix and statistics carry over. --resume alone
picks the most recent run; --resume=<run-id> picks a specific one.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.stdout == nil {
				opts.stdout = cmd.OutOrStdout()
			}
			return runExperiment(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "configuration file (YAML or JSON)")
	cmd.Flags().StringVar(&opts.resume, "resume", "", "continue from a checkpoint (run ID, or empty for the latest)")
	cmd.Flags().Lookup("resume").NoOptDefVal = latestRun
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /metrics and /healthz on this address during the run")
	return cmd
}

func runExperiment(ctx context.Context, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	data, err := state.LoadData(cfg.Data.Path)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(opts.root.logLevel)
	if err != nil {
		return err
	}

	var store *badger.Store
	if cfg.Checkpoint.Enabled || opts.resume != "" {
		store, err = badger.OpenStore(badger.DefaultConfig(cfg.CheckpointDir()))
		if err != nil {
			return fmt.Errorf("open checkpoint store: %w", err)
		}
		defer store.Close()
	}

	runID := uuid.NewString()
	var resume *badger.Checkpoint
	if opts.resume != "" {
		if opts.resume == latestRun {
			resume, err = store.Latest(ctx)
		} else {
			resume, err = store.Load(ctx, opts.resume)
		}
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		runID = resume.RunID
	}

	logger, err := logging.New(logging.Config{
		Level:   level,
		File:    filepath.Join(cfg.ExperimentDir(), "experiment.log"),
		Service: "mc3",
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog().With(slog.String("run_id", runID))

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, runID)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			log.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	ladder, err := cfg.Ladder()
	if err != nil {
		return err
	}
	resumedRound := 0
	if resume != nil {
		resumedRound = resume.Round
	}
	var scoring state.Model = model.NewContact(data, cfg.Model)
	if cfg.MCMC.SampleFromPrior {
		scoring = chain.PriorOnly(scoring)
	}
	coord, err := swap.NewCoordinator(ladder, scoring, swap.Config{
		Attempts:       cfg.MCMC.MC3.SwapAttempts,
		NeighboursOnly: cfg.MCMC.MC3.OnlySwapNeighbours,
	}, rand.New(rand.NewPCG(cfg.MCMC.Seed, chain.Stream(swapStream, resumedRound))), log)
	if err != nil {
		return err
	}

	status := newRunStatus(runID)
	if addr := firstNonEmpty(opts.metricsAddr, cfg.Telemetry.MetricsAddr); addr != "" {
		stopServer, err := startMetricsServer(addr, cfg.Telemetry.ServiceName, status, log)
		if err != nil {
			return err
		}
		defer stopServer()
	}

	supCfg := supervisor.Config{
		RunID:          runID,
		Ladder:         ladder,
		Rounds:         cfg.SwapRounds(),
		SubchainLength: cfg.MCMC.MC3.SwapInterval,
		LogInterval:    cfg.LoggingInterval(),
		Seed:           cfg.MCMC.Seed,
		WorkerTimeout:  cfg.MCMC.MC3.WorkerTimeout,
		Setup:          worker.Setup{RunID: runID, Config: cfg, Data: data},
		Resume:         resume,
	}
	if cfg.MCMC.MC3.LogSwapMatrix {
		supCfg.SwapMatrixPath = cfg.SwapMatrixPath()
	}
	supOpts := []supervisor.Option{
		supervisor.WithPhaseHook(status.setPhase),
		supervisor.WithRoundHook(func(round int, _ *state.Sample) { status.setRound(round) }),
	}
	if store != nil && cfg.Checkpoint.Enabled {
		supOpts = append(supOpts, supervisor.WithCheckpointer(store))
	}

	sup, err := supervisor.New(supCfg, newLauncher(cfg, level, log), coord, log, supOpts...)
	if err != nil {
		return err
	}

	printer := ux.NewPrinter(opts.stdout)
	logSetup(log, cfg, data, runID, resume)
	printer.Box("MCMC SETUP", setupRows(cfg, data, runID, resume))

	res, err := sup.Run(ctx)
	if err != nil {
		printer.Error(err.Error())
		return err
	}

	printer.Box("MC3 RUN", resultRows(res))
	if cfg.MCMC.MC3.LogSwapMatrix {
		printer.Matrix("Accepted swaps", res.Swaps.Rows())
	}
	printer.Success("results written to " + cfg.ClusterDir())
	return nil
}

// newLauncher picks the worker isolation mode.
func newLauncher(cfg config.Config, level logging.Level, log *slog.Logger) worker.Launcher {
	if cfg.MCMC.MC3.Isolation == config.IsolationGoroutine {
		return &worker.GoroutineLauncher{Factory: newFactory(log), Logger: log}
	}
	return &worker.ExecLauncher{
		Args:   []string{"worker", "--log-level", level.String()},
		Stderr: os.Stderr,
		Logger: log,
	}
}

func newFactory(log *slog.Logger) *model.Factory {
	return &model.Factory{
		Logger: log,
		OnClusterRetry: func(int, int, int) {
			telemetry.RecordClusterRetry()
		},
	}
}

// logSetup writes the MCMC SETUP block to the experiment log.
func logSetup(log *slog.Logger, cfg config.Config, data *state.Data, runID string, resume *badger.Checkpoint) {
	mc3 := cfg.MCMC.MC3
	log.Info("MCMC SETUP",
		slog.String("run_id", runID),
		slog.String("model", cfg.Model.Name),
		slog.Int("clusters", cfg.Model.Clusters),
		slog.Int("sites", data.NumSites()),
		slog.Int("features", data.NumFeatures()),
		slog.Int("steps", cfg.MCMC.Steps),
		slog.Int("samples", cfg.MCMC.Samples),
		slog.Int("logging_interval", cfg.LoggingInterval()),
		slog.Int("chains", mc3.Chains),
		slog.Int("swap_interval", mc3.SwapInterval),
		slog.Int("swap_attempts", mc3.SwapAttempts),
		slog.Bool("only_swap_neighbours", mc3.OnlySwapNeighbours),
		slog.Float64("temperature_diff", mc3.TemperatureDiff),
		slog.Float64("prior_temperature_diff", mc3.PriorTemperatureDiff),
		slog.String("isolation", mc3.Isolation),
		slog.Bool("sample_from_prior", cfg.MCMC.SampleFromPrior),
		slog.Bool("resumed", resume != nil))
}

func setupRows(cfg config.Config, data *state.Data, runID string, resume *badger.Checkpoint) []ux.Row {
	mc3 := cfg.MCMC.MC3
	rows := []ux.Row{
		ux.R("Run", runID),
		ux.R("Model", cfg.Model.Name),
		ux.R("Clusters", cfg.Model.Clusters),
		ux.R("Sites", data.NumSites()),
		ux.R("Features", data.NumFeatures()),
		ux.R("Steps", cfg.MCMC.Steps),
		ux.R("Samples", cfg.MCMC.Samples),
		ux.R("Chains", mc3.Chains),
		ux.R("Swap interval", mc3.SwapInterval),
		ux.R("Swap attempts", mc3.SwapAttempts),
		ux.R("Isolation", mc3.Isolation),
	}
	if resume != nil {
		rows = append(rows, ux.R("Resumed after round", resume.Round))
	}
	return rows
}

func resultRows(res *supervisor.Result) []ux.Row {
	return []ux.Row{
		ux.R("Run", res.RunID),
		ux.R("Rounds", res.Rounds),
		ux.R("Swaps attempted", res.Stats.Attempted),
		ux.R("Swaps accepted", res.Stats.Accepted),
		ux.R("Acceptance rate", strconv.FormatFloat(res.Stats.Rate(), 'f', 4, 64)),
		ux.R("Cold log-likelihood", strconv.FormatFloat(res.ColdLogLikelihood, 'f', 4, 64)),
		ux.R("Elapsed", res.Elapsed.Round(time.Millisecond)),
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
