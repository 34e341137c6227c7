// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import "fmt"

// Slots maps chain index to the sample currently bound to that chain.
//
// Temperatures stay bound to the index. A swap moves the samples between
// two indices; it never copies them.
type Slots []*Sample

// NewSlots returns n empty slots.
func NewSlots(n int) Slots {
	return make(Slots, n)
}

// Exchange moves the sample in slot a to slot b and vice versa.
func (s Slots) Exchange(a, b int) {
	s[a], s[b] = s[b], s[a]
}

// Take removes and returns the sample in slot c. The slot is empty
// afterwards so the caller is the only holder.
func (s Slots) Take(c int) *Sample {
	out := s[c]
	s[c] = nil
	return out
}

// Put stores a sample into an empty slot.
func (s Slots) Put(c int, sample *Sample) error {
	if s[c] != nil {
		return fmt.Errorf("slot %d already holds a sample", c)
	}
	if sample == nil {
		return fmt.Errorf("slot %d: nil sample", c)
	}
	s[c] = sample
	return nil
}

// Full reports whether every slot holds a sample.
func (s Slots) Full() bool {
	for _, x := range s {
		if x == nil {
			return false
		}
	}
	return true
}

// Cold returns the sample of the reference chain without removing it.
func (s Slots) Cold() *Sample {
	return s[0]
}
