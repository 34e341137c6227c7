// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/AleutianAI/AleutianMC3/services/mc3/mcerr"
)

// =============================================================================
// Handle
// =============================================================================

// Handle is the supervisor's view of one running worker.
type Handle struct {
	Chain    int
	Endpoint Endpoint

	wait func() error
	kill func() error
}

// NewHandle assembles a handle. wait blocks until the worker has exited;
// kill stops it forcibly.
func NewHandle(chain int, ep Endpoint, wait, kill func() error) *Handle {
	return &Handle{Chain: chain, Endpoint: ep, wait: wait, kill: kill}
}

// Wait blocks until the worker exits and returns its exit error.
func (h *Handle) Wait() error {
	if h.wait == nil {
		return nil
	}
	return h.wait()
}

// Kill stops the worker without a terminate command.
func (h *Handle) Kill() error {
	if h.kill == nil {
		return nil
	}
	return h.kill()
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, opts ChainOptions) (*Handle, error)
}

// =============================================================================
// Goroutine launcher
// =============================================================================

// GoroutineLauncher runs each worker as a goroutine connected by a pipe.
// A panic inside the worker is recovered and reported as a WorkerError.
type GoroutineLauncher struct {
	Factory Factory
	Logger  *slog.Logger
}

// Launch starts a worker goroutine.
func (l *GoroutineLauncher) Launch(ctx context.Context, opts ChainOptions) (*Handle, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	end, conn := NewPipe()
	proc := NewProcess(opts, conn, l.Factory, logger)

	done := make(chan struct{})
	var exitErr error
	go func() {
		defer close(done)
		defer cancel()
		defer conn.Close()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("worker panicked",
					slog.Int("chain", opts.Chain),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
				exitErr = &mcerr.WorkerError{Chain: opts.Chain, Err: fmt.Errorf("panic: %v", r)}
			}
		}()
		exitErr = proc.Serve(ctx)
	}()

	wait := func() error {
		<-done
		return exitErr
	}
	kill := func() error {
		cancel()
		return nil
	}
	return NewHandle(opts.Chain, end, wait, kill), nil
}

// =============================================================================
// Subprocess launcher
// =============================================================================

// ExecLauncher starts each worker as a child process running the worker
// subcommand of the mc3 binary.
type ExecLauncher struct {
	// Path of the executable; empty means the running binary.
	Path string

	// Args precede the chain flags, e.g. []string{"worker"}.
	Args []string

	// Stderr receives the child's log output. Nil means os.Stderr.
	Stderr io.Writer

	Logger *slog.Logger
}

// Launch starts a child process with stdin and stdout as its channel.
func (l *ExecLauncher) Launch(ctx context.Context, opts ChainOptions) (*Handle, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating worker executable: %w", err)
		}
		path = exe
	}
	args := append(append([]string(nil), l.Args...), opts.Args()...)

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdin: %w", opts.Chain, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker %d stdout: %w", opts.Chain, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &mcerr.WorkerError{Chain: opts.Chain, Err: fmt.Errorf("starting %s: %w", path, err)}
	}
	if l.Logger != nil {
		l.Logger.Debug("worker process started",
			slog.Int("chain", opts.Chain),
			slog.Int("pid", cmd.Process.Pid))
	}

	var once sync.Once
	var waitErr error
	wait := func() error {
		once.Do(func() { waitErr = cmd.Wait() })
		return waitErr
	}
	kill := func() error {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return err
		}
		return nil
	}
	return NewHandle(opts.Chain, NewStreamEndpoint(stdout, stdin), wait, kill), nil
}

// Args renders opts as worker subcommand flags.
func (o ChainOptions) Args() []string {
	return []string{
		"--chain", strconv.Itoa(o.Chain),
		"--lh-temp", strconv.FormatFloat(o.Temperature.Likelihood, 'g', -1, 64),
		"--prior-temp", strconv.FormatFloat(o.Temperature.Prior, 'g', -1, 64),
		"--subchain", strconv.Itoa(o.SubchainLength),
		"--log-interval", strconv.Itoa(o.LogInterval),
		"--seed", strconv.FormatUint(o.Seed, 10),
	}
}
