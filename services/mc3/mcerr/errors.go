// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mcerr defines the error taxonomy shared by the MC3 engine.
//
// Two classes of failure are fatal for a run and surface to the user:
//
//   - Configuration errors: the requested run cannot work with the given
//     data or parameters (too many clusters for the graph, more swap
//     attempts than chain pairs, invalid ladders).
//   - Worker errors: a chain worker died, timed out, or reported a failure
//     while handling a command. The supervisor aborts the whole run.
//
// Use errors.Is with ErrConfiguration / ErrWorkerFailed to classify, and
// errors.As with *ConfigurationError / *WorkerError for details.
package mcerr

import (
	"errors"
	"fmt"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrConfiguration marks a fatal, user-facing configuration problem.
	ErrConfiguration = errors.New("mc3 configuration error")

	// ErrWorkerFailed marks the loss or failure of a chain worker.
	ErrWorkerFailed = errors.New("mc3 worker failed")
)

// =============================================================================
// ConfigurationError
// =============================================================================

// ConfigurationError describes why a run configuration is unusable.
//
// # Description
//
// Carries the component that rejected the configuration and a human
// readable message. errors.Is(err, ErrConfiguration) is always true.
// The optional Err field is exposed through Unwrap so callers can also
// match the underlying cause.
//
// # Thread Safety
//
// Immutable after creation.
type ConfigurationError struct {
	// Component names the part of the engine that rejected the config.
	Component string

	// Message is the human readable reason.
	Message string

	// Err is an optional underlying cause.
	Err error
}

// NewConfigurationError builds a ConfigurationError with a formatted message.
func NewConfigurationError(component, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{
		Component: component,
		Message:   fmt.Sprintf(format, args...),
	}
}

// Error implements error.
func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Component, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// =============================================================================
// WorkerError
// =============================================================================

// WorkerError describes the failure of one chain worker.
//
// # Description
//
// Raised when a worker process exits, its channel reaches EOF, a response
// does not arrive within the configured timeout, an in-process worker
// panics, or the worker answers a command with an error response.
//
// # Fields
//
//   - Chain: index of the failed chain
//   - Command: command being handled ("initialize_chain", "run_chain",
//     "terminate") or "" if the failure happened outside a command
//   - Err: underlying cause (io.EOF, context.DeadlineExceeded, ...)
type WorkerError struct {
	Chain   int
	Command string
	Err     error
}

// Error implements error.
func (e *WorkerError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("worker for chain %d failed: %v", e.Chain, e.Err)
	}
	return fmt.Sprintf("worker for chain %d failed during %s: %v", e.Chain, e.Command, e.Err)
}

// Unwrap returns the underlying cause.
func (e *WorkerError) Unwrap() error {
	return e.Err
}

// Is reports whether target is ErrWorkerFailed.
func (e *WorkerError) Is(target error) bool {
	return target == ErrWorkerFailed
}
