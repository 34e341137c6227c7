// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package swap

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Matrix counts accepted swaps per chain pair.
//
// Only the (a, b) entry with a < b is incremented, so the total of all
// entries equals the number of accepted swaps.
type Matrix struct {
	Counts [][]int
}

// NewMatrix returns an n x n zero matrix.
func NewMatrix(n int) *Matrix {
	m := &Matrix{Counts: make([][]int, n)}
	for i := range m.Counts {
		m.Counts[i] = make([]int, n)
	}
	return m
}

// Len returns the number of chains.
func (m *Matrix) Len() int { return len(m.Counts) }

// Inc records one accepted swap between a and b.
func (m *Matrix) Inc(a, b int) {
	m.Counts[a][b]++
}

// At returns the count for (a, b).
func (m *Matrix) At(a, b int) int { return m.Counts[a][b] }

// Total returns the sum of all entries.
func (m *Matrix) Total() int {
	total := 0
	for _, row := range m.Counts {
		for _, v := range row {
			total += v
		}
	}
	return total
}

// Rows returns a copy of the counts.
func (m *Matrix) Rows() [][]int {
	out := make([][]int, len(m.Counts))
	for i, row := range m.Counts {
		out[i] = append([]int(nil), row...)
	}
	return out
}

// Save writes the matrix as whitespace separated integers, one row per
// line. The file is replaced atomically so readers never see a partial
// matrix.
func (m *Matrix) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating swap matrix directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".swaps-*")
	if err != nil {
		return fmt.Errorf("creating swap matrix temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, row := range m.Counts {
		for j, v := range row {
			if j > 0 {
				w.WriteByte(' ')
			}
			w.WriteString(strconv.Itoa(v))
		}
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("writing swap matrix: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing swap matrix: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing swap matrix %s: %w", path, err)
	}
	return nil
}

// LoadMatrix reads a matrix written by Save.
func LoadMatrix(path string) (*Matrix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m := &Matrix{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		row := make([]int, len(fields))
		for j, s := range fields {
			v, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("swap matrix %s row %d: %w", path, len(m.Counts), err)
			}
			row[j] = v
		}
		m.Counts = append(m.Counts, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, row := range m.Counts {
		if len(row) != len(m.Counts) {
			return nil, fmt.Errorf("swap matrix %s: row %d has %d columns, want %d", path, i, len(row), len(m.Counts))
		}
	}
	return m, nil
}
