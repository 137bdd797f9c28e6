// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

// Package register is the control plane's view of index-addressed data plane
// state: sticky flag registers set by the data plane and state registers
// written by the control plane.
//
// Reads never touch live state. A caller first requests a sync, which
// flushes live values into a software snapshot, waits for the flush to
// signal completion and only then reads the snapshot:
//
//	h, err := r.BeginSync(ctx)
//	...
//	if err := r.AwaitSync(ctx, h); err != nil { ... }
//	flags, err := r.ReadRange(0, r.Len())
package register

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoSnapshot  = errors.New("register: no completed sync")
	ErrSyncPending = errors.New("register: sync in progress")
	ErrOutOfRange  = errors.New("register: index out of range")
)

// Flags is the bit-vector of one index: one value per data plane lane
// (pipe or CPU). An index counts as flagged if any lane is non-zero.
type Flags []uint64

func (f Flags) Any() bool {
	for _, v := range f {
		if v != 0 {
			return true
		}
	}
	return false
}

type Register interface {
	Name() string
	// Len is the number of indices.
	Len() uint32
	// BeginSync starts flushing live values into the snapshot.
	BeginSync(ctx context.Context) (*SyncHandle, error)
	// AwaitSync blocks until the flush started by BeginSync completed.
	AwaitSync(ctx context.Context, h *SyncHandle) error
	// ReadRange returns the snapshot values of indices [lo, hi).
	// The returned slices alias the snapshot and are valid until the next sync.
	ReadRange(lo, hi uint32) ([]Flags, error)
	// WriteBatch sets every lane of the given indices to value.
	WriteBatch(indices []uint32, value uint64) error
}

// SyncHandle is returned by BeginSync. Done is closed once the snapshot
// has been swapped in (or the flush failed).
type SyncHandle struct {
	done chan struct{}
	err  error
}

func (h *SyncHandle) Done() <-chan struct{} { return h.done }

// Err is valid after Done is closed.
func (h *SyncHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return ErrSyncPending
	}
}

// syncer owns the snapshot of a register and the sync handshake. flush
// fills dst (n*lanes values) from live state.
type syncer struct {
	n     uint32
	lanes int
	flush func(dst []uint64) error

	mu      sync.Mutex
	pending *SyncHandle
	valid   bool
	front   []uint64
	back    []uint64
}

func (s *syncer) init(n uint32, lanes int, flush func([]uint64) error) {
	s.n = n
	s.lanes = lanes
	s.flush = flush
	s.front = make([]uint64, int(n)*lanes)
	s.back = make([]uint64, int(n)*lanes)
}

func (s *syncer) BeginSync(ctx context.Context) (*SyncHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return nil, ErrSyncPending
	}
	h := &SyncHandle{done: make(chan struct{})}
	s.pending = h
	back := s.back
	go func() {
		err := s.flush(back)
		s.mu.Lock()
		if err == nil {
			s.front, s.back = s.back, s.front
			s.valid = true
		} else {
			s.valid = false
		}
		s.pending = nil
		h.err = err
		s.mu.Unlock()
		close(h.done)
	}()
	return h, nil
}

func (s *syncer) AwaitSync(ctx context.Context, h *SyncHandle) error {
	if h == nil {
		return errors.New("register: nil sync handle")
	}
	select {
	case <-h.done:
		if h.err != nil {
			return fmt.Errorf("register sync: %w", h.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *syncer) ReadRange(lo, hi uint32) ([]Flags, error) {
	if lo > hi || hi > s.n {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, lo, hi, s.n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		return nil, ErrSyncPending
	}
	if !s.valid {
		return nil, ErrNoSnapshot
	}
	out := make([]Flags, hi-lo)
	for i := range out {
		off := (int(lo) + i) * s.lanes
		out[i] = Flags(s.front[off : off+s.lanes : off+s.lanes])
	}
	return out, nil
}

func checkIndices(indices []uint32, n uint32) error {
	for _, idx := range indices {
		if idx >= n {
			return fmt.Errorf("%w: %d of %d", ErrOutOfRange, idx, n)
		}
	}
	return nil
}
