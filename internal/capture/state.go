// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package capture

import (
	"sync/atomic"
	"time"
)

// State holds the active bit of every index. The receiver writes it, the
// processor reads it.
type State struct {
	active  []atomic.Bool
	changed []atomic.Int64 // unix nanos of the last transition
}

func NewState(n uint32) *State {
	return &State{
		active:  make([]atomic.Bool, n),
		changed: make([]atomic.Int64, n),
	}
}

// MarkActive records a control packet for index i.
func (s *State) MarkActive(i uint32, now time.Time) {
	if int(i) >= len(s.active) {
		return
	}
	s.changed[i].Store(now.UnixNano())
	s.active[i].Store(true)
}

// Expire reverts index i to inactive when its last transition is older than
// hold, and reports whether it did.
func (s *State) Expire(i uint32, now time.Time, hold time.Duration) bool {
	if int(i) >= len(s.active) {
		return false
	}
	if now.UnixNano()-s.changed[i].Load() <= int64(hold) {
		return false
	}
	if !s.active[i].Swap(false) {
		return false
	}
	s.changed[i].Store(now.UnixNano())
	return true
}

func (s *State) Active(i uint32) bool {
	if int(i) >= len(s.active) {
		return false
	}
	return s.active[i].Load()
}
