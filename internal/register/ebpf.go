// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package register

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
)

const defaultBatchSize = 4096

// Map is a register backed by a BPF array or per-CPU array with 8-byte
// values. For per-CPU arrays every CPU is one lane of the index.
type Map struct {
	syncer
	name   string
	m      *ebpf.Map
	perCPU bool
	batch  int
}

var _ Register = (*Map)(nil)

// NewMap wraps m. batchSize is the number of keys per batch syscall
// (0 = default 4096).
func NewMap(name string, m *ebpf.Map, batchSize int) (*Map, error) {
	if m.ValueSize() != 8 {
		return nil, fmt.Errorf("register %s: value size %d, want 8", name, m.ValueSize())
	}
	lanes := 1
	perCPU := false
	switch m.Type() {
	case ebpf.Array:
	case ebpf.PerCPUArray:
		n, err := ebpf.PossibleCPU()
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("register %s: per-CPU map requires PossibleCPU: %w", name, err)
		}
		lanes = n
		perCPU = true
	default:
		return nil, fmt.Errorf("register %s: unsupported map type %s", name, m.Type())
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	r := &Map{name: name, m: m, perCPU: perCPU, batch: batchSize}
	r.syncer.init(m.MaxEntries(), lanes, r.flushMap)
	slog.Debug("register opened", "name", name, "entries", m.MaxEntries(), "lanes", lanes)
	return r, nil
}

func (r *Map) Name() string { return r.name }
func (r *Map) Len() uint32 { return r.n }

// flushMap copies the whole map into dst with batch lookups.
func (r *Map) flushMap(dst []uint64) error {
	keys := make([]uint32, r.batch)
	vals := make([]uint64, r.batch*r.lanes)
	var cursor ebpf.MapBatchCursor
	read := 0
	for {
		n, err := r.m.BatchLookup(&cursor, keys, vals, nil)
		if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return fmt.Errorf("%s batch lookup: %w", r.name, err)
		}
		for i := 0; i < n; i++ {
			k := keys[i]
			if k >= r.n {
				continue
			}
			copy(dst[int(k)*r.lanes:(int(k)+1)*r.lanes], vals[i*r.lanes:(i+1)*r.lanes])
		}
		read += n
		if n == 0 || errors.Is(err, ebpf.ErrKeyNotExist) {
			break
		}
	}
	slog.Debug("register flushed", "name", r.name, "keys", read)
	return nil
}

func (r *Map) WriteBatch(indices []uint32, value uint64) error {
	if len(indices) == 0 {
		return nil
	}
	if err := checkIndices(indices, r.n); err != nil {
		return fmt.Errorf("%s: %w", r.name, err)
	}
	if r.perCPU {
		// Per-CPU values are written one key at a time with a full CPU slice.
		vals := make([]uint64, r.lanes)
		for i := range vals {
			vals[i] = value
		}
		for _, idx := range indices {
			if err := r.m.Update(idx, vals, ebpf.UpdateAny); err != nil {
				return fmt.Errorf("%s update %d: %w", r.name, idx, err)
			}
		}
		return nil
	}
	vals := make([]uint64, r.batch)
	for i := range vals {
		vals[i] = value
	}
	for start := 0; start < len(indices); start += r.batch {
		end := min(start+r.batch, len(indices))
		chunk := indices[start:end]
		if _, err := r.m.BatchUpdate(chunk, vals[:len(chunk)], nil); err != nil {
			return fmt.Errorf("%s batch update: %w", r.name, err)
		}
	}
	return nil
}
