// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package meter

import (
	"fmt"
	"sync"

	"github.com/darkmon-ebpf/internal/types"
)

// MemoryTable is an in-process meter array.
type MemoryTable struct {
	mu      sync.Mutex
	entries []types.MeterValue
	writes  int
}

var _ Table = (*MemoryTable)(nil)

func NewMemoryTable(size uint32) *MemoryTable {
	return &MemoryTable{entries: make([]types.MeterValue, size)}
}

func (t *MemoryTable) SetRate(index uint32, v types.MeterValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(index) >= len(t.entries) {
		return fmt.Errorf("meter index %d out of range (%d entries)", index, len(t.entries))
	}
	t.entries[index] = v
	t.writes++
	return nil
}

// Rate returns the programmed meter of index.
func (t *MemoryTable) Rate(index uint32) types.MeterValue {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(index) >= len(t.entries) {
		return types.MeterValue{}
	}
	return t.entries[index]
}

// Writes returns the number of successful SetRate calls.
func (t *MemoryTable) Writes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}
