// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package register

import (
	"fmt"
	"sync"
)

// Memory is a register held in process memory. It backs the simulated data
// plane: Mark plays the role of the packet pipeline setting a sticky bit.
type Memory struct {
	syncer
	name string

	liveMu sync.Mutex
	live   []uint64
}

var _ Register = (*Memory)(nil)

// NewMemory allocates a register of n indices with the given lane count.
func NewMemory(name string, n uint32, lanes int) *Memory {
	if lanes <= 0 {
		lanes = 1
	}
	m := &Memory{
		name: name,
		live: make([]uint64, int(n)*lanes),
	}
	m.syncer.init(n, lanes, m.flushLive)
	return m
}

func (m *Memory) Name() string { return m.name }
func (m *Memory) Len() uint32 { return m.n }
func (m *Memory) Lanes() int { return m.lanes }

func (m *Memory) flushLive(dst []uint64) error {
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	copy(dst, m.live)
	return nil
}

// Mark sets lane of index to 1, as the data plane does on packet sight.
func (m *Memory) Mark(index uint32, lane int) error {
	if index >= m.n || lane < 0 || lane >= m.lanes {
		return fmt.Errorf("%w: index %d lane %d", ErrOutOfRange, index, lane)
	}
	m.liveMu.Lock()
	m.live[int(index)*m.lanes+lane] = 1
	m.liveMu.Unlock()
	return nil
}

// Value returns a copy of the live lanes of index.
func (m *Memory) Value(index uint32) Flags {
	if index >= m.n {
		return nil
	}
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	off := int(index) * m.lanes
	out := make(Flags, m.lanes)
	copy(out, m.live[off:off+m.lanes])
	return out
}

func (m *Memory) WriteBatch(indices []uint32, value uint64) error {
	if err := checkIndices(indices, m.n); err != nil {
		return fmt.Errorf("%s: %w", m.name, err)
	}
	m.liveMu.Lock()
	defer m.liveMu.Unlock()
	for _, idx := range indices {
		off := int(idx) * m.lanes
		for l := 0; l < m.lanes; l++ {
			m.live[off+l] = value
		}
	}
	return nil
}
