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
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMC3/pkg/logging"
	"github.com/AleutianAI/AleutianMC3/services/mc3/tempering"
	"github.com/AleutianAI/AleutianMC3/services/mc3/worker"
)

type workerOptions struct {
	root  *rootOptions
	chain worker.ChainOptions

	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// newWorkerCmd is the subprocess entry point started by ExecLauncher.
// Commands arrive on stdin and responses leave on stdout, so every log
// record goes to stderr.
func newWorkerCmd(root *rootOptions) *cobra.Command {
	opts := &workerOptions{root: root}
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve one chain over stdin/stdout (started by mc3 run)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveWorker(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.chain.Chain, "chain", 0, "chain index")
	f.Float64Var(&opts.chain.Temperature.Likelihood, "lh-temp", 1, "likelihood temperature")
	f.Float64Var(&opts.chain.Temperature.Prior, "prior-temp", 1, "prior temperature")
	f.IntVar(&opts.chain.SubchainLength, "subchain", 1, "steps per run_chain")
	f.IntVar(&opts.chain.LogInterval, "log-interval", 1, "steps between logged samples")
	f.Uint64Var(&opts.chain.Seed, "seed", 1, "random seed")
	return cmd
}

func serveWorker(ctx context.Context, opts *workerOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t := opts.chain.Temperature
	if err := (tempering.Ladder{Likelihood: []float64{t.Likelihood}, Prior: []float64{t.Prior}}).Validate(); err != nil {
		return err
	}

	stdin, stdout, stderr := opts.stdin, opts.stdout, opts.stderr
	if stdin == nil {
		stdin = os.Stdin
		// The supervisor owns shutdown; an interrupt reaches the whole
		// process group and is answered by the supervisor's terminate.
		signal.Ignore(os.Interrupt, syscall.SIGTERM)
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	level, err := logging.ParseLevel(opts.root.logLevel)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Config{Level: level, Service: "mc3-worker", Stderr: stderr})
	if err != nil {
		return err
	}
	defer logger.Close()
	log := logger.Slog()

	conn := worker.NewStreamConn(stdin, stdout)
	proc := worker.NewProcess(opts.chain, conn, newFactory(log), log)
	err = proc.Serve(ctx)
	if errors.Is(err, io.EOF) {
		return fmt.Errorf("chain %d: supervisor went away: %w", opts.chain.Chain, err)
	}
	return err
}
