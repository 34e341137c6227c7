// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mcerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("swap", "attempts %d exceed %d pairs", 5, 3)

	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.False(t, errors.Is(err, ErrWorkerFailed))
	assert.Equal(t, "swap: attempts 5 exceed 3 pairs", err.Error())

	wrapped := fmt.Errorf("setup: %w", err)
	var cfgErr *ConfigurationError
	if assert.True(t, errors.As(wrapped, &cfgErr)) {
		assert.Equal(t, "swap", cfgErr.Component)
	}
}

func TestConfigurationError_Cause(t *testing.T) {
	cause := errors.New("boom")
	err := &ConfigurationError{Component: "config", Message: "bad file", Err: cause}

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrConfiguration))
	assert.Contains(t, err.Error(), "boom")
}

func TestWorkerError(t *testing.T) {
	tests := []struct {
		name  string
		err   *WorkerError
		cause error
		want  string
	}{
		{
			name:  "eof during run",
			err:   &WorkerError{Chain: 2, Command: "run_chain", Err: io.EOF},
			cause: io.EOF,
			want:  "worker for chain 2 failed during run_chain: EOF",
		},
		{
			name:  "timeout without command",
			err:   &WorkerError{Chain: 0, Err: context.DeadlineExceeded},
			cause: context.DeadlineExceeded,
			want:  "worker for chain 0 failed: context deadline exceeded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
			assert.True(t, errors.Is(tt.err, ErrWorkerFailed))
			assert.True(t, errors.Is(tt.err, tt.cause))
			assert.False(t, errors.Is(tt.err, ErrConfiguration))
		})
	}
}
