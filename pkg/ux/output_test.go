// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPrinter_BufferIsMachine(t *testing.T) {
	assert.Equal(t, ModeMachine, NewPrinter(&bytes.Buffer{}).Mode())
}

func TestPrinter_MachineStatus(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinterMode(&buf, ModeMachine)

	p.Title("hidden")
	p.Success("run finished")
	p.Warning("no swaps accepted")
	p.Error("worker 2 failed")

	assert.Equal(t, "OK: run finished\nWARN: no swaps accepted\nERROR: worker 2 failed\n", buf.String())
}

func TestPrinter_MachineBox(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinterMode(&buf, ModeMachine)
	p.Box("MCMC SETUP", []Row{R("Chains", 4), R("Swap interval", 1000)})
	assert.Equal(t, "chains: 4\nswap_interval: 1000\n", buf.String())
}

func TestPrinter_RichBox(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinterMode(&buf, ModeRich)
	p.Box("MCMC SETUP", []Row{R("Chains", 4), R("Swap interval", 1000)})

	out := buf.String()
	assert.Contains(t, out, "MCMC SETUP")
	assert.Contains(t, out, "Swap interval")
	assert.Contains(t, out, "1000")
	assert.Contains(t, out, "╭")
}

func TestPrinter_Matrix(t *testing.T) {
	var buf bytes.Buffer
	NewPrinterMode(&buf, ModeMachine).Matrix("swaps", [][]int{{0, 3}, {0, 0}})
	assert.Equal(t, "0 3\n0 0\n", buf.String())

	buf.Reset()
	NewPrinterMode(&buf, ModeRich).Matrix("swaps", [][]int{{0, 3}, {0, 0}})
	assert.Equal(t, 4, strings.Count(buf.String(), "\n"))
	assert.Contains(t, buf.String(), "swaps")
}
