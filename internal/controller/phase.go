// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package controller

import "fmt"

// Phase is a step of one control cycle.
type Phase int

const (
	PhaseSyncStart Phase = iota
	PhaseSyncWait
	PhaseRead
	PhaseDecay
	PhaseWriteback
	PhaseRateUpdate
	PhaseSleep
)

var phaseNames = [...]string{
	PhaseSyncStart:  "sync_start",
	PhaseSyncWait:   "sync_wait",
	PhaseRead:       "read",
	PhaseDecay:      "decay",
	PhaseWriteback:  "writeback",
	PhaseRateUpdate: "rate_update",
	PhaseSleep:      "sleep",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("phase(%d)", int(p))
	}
	return phaseNames[p]
}

// CycleError reports the phase and shard a cycle aborted in.
type CycleError struct {
	Phase Phase
	Shard int // -1 when the phase is not per shard
	Err   error
}

func (e *CycleError) Error() string {
	if e.Shard < 0 {
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s shard %d: %v", e.Phase, e.Shard, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }
