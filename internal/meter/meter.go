// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

// Package meter spreads the capture budget over the meter buckets that
// currently hold dark addresses. Each bucket receives a share proportional
// to its number of newly inactive indices.
package meter

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/darkmon-ebpf/internal/types"
)

// DefaultBurst is the committed and peak burst size in packets.
const DefaultBurst = 100

// Table is a meter array indexed by bucket.
type Table interface {
	SetRate(index uint32, v types.MeterValue) error
}

// Redistributor splits the dark meter budget over the buckets that hold
// inactive indices.
type Redistributor struct {
	AvgPktRate uint64
	MaxPktRate uint64
	Burst      uint64

	buckets uint32
	table   Table
}

// New returns a redistributor writing bucket rates to table. buckets is the
// number of meter entries the prefix table uses.
func New(table Table, buckets uint32, avg, peak uint64) (*Redistributor, error) {
	if table == nil {
		return nil, errors.New("meter: nil table")
	}
	if avg == 0 || peak == 0 {
		return nil, fmt.Errorf("meter: rates must be positive (avg %d, max %d)", avg, peak)
	}
	if avg > peak {
		return nil, fmt.Errorf("meter: average rate %d exceeds max rate %d", avg, peak)
	}
	return &Redistributor{
		AvgPktRate: avg,
		MaxPktRate: peak,
		Burst:      DefaultBurst,
		buckets:    buckets,
		table:      table,
	}, nil
}

func (r *Redistributor) spec(cir, pir uint64) types.MeterValue {
	b := r.Burst
	if b == 0 {
		b = DefaultBurst
	}
	return types.MeterValue{CIRPps: cir, PIRPps: pir, CBSPkts: b, PBSPkts: b}
}

// Init programs the global meter and every bucket meter with the full
// budget. The bucket rates are narrowed by the first Update.
func (r *Redistributor) Init(global Table) error {
	full := r.spec(r.AvgPktRate, r.MaxPktRate)
	if global != nil {
		if err := global.SetRate(0, full); err != nil {
			return fmt.Errorf("global meter: %w", err)
		}
	}
	for i := uint32(0); i < r.buckets; i++ {
		if err := r.table.SetRate(i, full); err != nil {
			return fmt.Errorf("meter bucket %d: %w", i, err)
		}
	}
	slog.Debug("meters initialised", "buckets", r.buckets, "avg_pps", r.AvgPktRate, "max_pps", r.MaxPktRate)
	return nil
}

// Share returns the per-index rate ceil(budget/total) scaled to n indices.
func Share(budget uint64, total, n uint32) uint64 {
	if total == 0 {
		return 0
	}
	per := budget / uint64(total)
	if budget%uint64(total) != 0 {
		per++
	}
	if n != 0 && per > math.MaxUint64/uint64(n) {
		return math.MaxUint64
	}
	return per * uint64(n)
}

// Update reprograms the buckets present in inactive, where inactive maps a
// bucket to its count of newly inactive indices and total is the sum over
// all buckets. A zero total leaves every meter untouched. It returns the
// number of meters written.
func (r *Redistributor) Update(inactive map[uint32]uint32, total uint32) (int, error) {
	if total == 0 || len(inactive) == 0 {
		return 0, nil
	}
	keys := make([]uint32, 0, len(inactive))
	for b := range inactive {
		keys = append(keys, b)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	written := 0
	for _, b := range keys {
		n := inactive[b]
		if b >= r.buckets {
			return written, fmt.Errorf("meter bucket %d out of range (%d buckets)", b, r.buckets)
		}
		v := r.spec(Share(r.AvgPktRate, total, n), Share(r.MaxPktRate, total, n))
		if err := r.table.SetRate(b, v); err != nil {
			return written, fmt.Errorf("meter bucket %d: %w", b, err)
		}
		written++
	}
	return written, nil
}

func (r *Redistributor) Buckets() uint32 { return r.buckets }
