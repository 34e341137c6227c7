// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker hosts one chain runner behind a synchronous command
// channel.
//
// # Protocol
//
// The supervisor sends commands; the worker answers every command except
// Terminate with exactly one Response before reading the next command.
// There is no pipelining. Commands form a closed set:
//
//	Initialize -> Response{Sample}   build the runner, warm up
//	Run        -> Response{Sample}   advance one subchain
//	Terminate  -> (no response)      close loggers, exit
//
// Every command and response transfers ownership of the sample it
// carries. The sender must not touch the sample after Send.
//
// # Transports
//
// NewPipe connects a supervisor and a worker in the same process over
// channels. NewStreamEndpoint and NewStreamConn speak the same protocol
// as gob frames over a byte stream, used between the supervisor and a
// worker subprocess over its stdin and stdout.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianMC3/services/mc3/chain"
	"github.com/AleutianAI/AleutianMC3/services/mc3/config"
	"github.com/AleutianAI/AleutianMC3/services/mc3/state"
	"github.com/AleutianAI/AleutianMC3/services/mc3/tempering"
)

// =============================================================================
// Commands
// =============================================================================

// Kind identifies a command.
type Kind uint8

const (
	KindInitialize Kind = iota + 1
	KindRun
	KindTerminate
)

// String returns the command name used in logs and errors.
func (k Kind) String() string {
	switch k {
	case KindInitialize:
		return "initialize_chain"
	case KindRun:
		return "run_chain"
	case KindTerminate:
		return "terminate"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Command is one of Initialize, Run or Terminate.
type Command interface {
	Kind() Kind
	sealed()
}

// Initialize builds the chain and returns its warmed-up initial sample.
type Initialize struct {
	Setup *Setup
}

// Run advances Sample by one subchain.
type Run struct {
	Sample *state.Sample
}

// Terminate closes the chain. It has no response.
type Terminate struct{}

func (Initialize) Kind() Kind { return KindInitialize }
func (Run) Kind() Kind        { return KindRun }
func (Terminate) Kind() Kind  { return KindTerminate }

func (Initialize) sealed() {}
func (Run) sealed()        {}
func (Terminate) sealed()  {}

// Response answers Initialize and Run. Err is non-empty when the worker
// failed to handle the command; Sample is nil in that case.
type Response struct {
	Sample *state.Sample
	Err    string
}

// =============================================================================
// Setup
// =============================================================================

// ChainOptions are fixed when the worker is created.
type ChainOptions struct {
	Chain          int
	Temperature    tempering.Pair
	SubchainLength int
	LogInterval    int
	Seed           uint64
}

// Setup is the payload of Initialize.
type Setup struct {
	RunID  string
	Config config.Config
	Data   *state.Data

	// Resume, when set, replaces warm-up: the chain continues from it.
	Resume *state.Sample
}

// =============================================================================
// Factory
// =============================================================================

// Bundle is everything a chain needs, built from a Setup.
type Bundle struct {
	Model       state.Model
	Operators   []chain.Weighted
	Initializer chain.Initializer
	Loggers     []chain.ResultLogger

	WarmupChains      int
	WarmupSteps       int
	ScreenLogInterval time.Duration
}

// Factory builds the per-chain bundle. Model packages implement it.
type Factory interface {
	Build(ctx context.Context, opts ChainOptions, setup *Setup) (*Bundle, error)
}
