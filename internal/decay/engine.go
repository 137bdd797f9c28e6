// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

// Package decay ages per-index activity. Every index carries a small counter:
// a flagged index is reset to alpha+1, an unflagged one loses one step per
// cycle and becomes dark when it reaches zero. Only the transitions into and
// out of the dark state need a data plane write.
package decay

import (
	"errors"
	"fmt"
	"math"

	"github.com/darkmon-ebpf/internal/layout"
	"github.com/darkmon-ebpf/internal/register"
)

// ErrStalePlan is returned by Commit for a plan that no longer applies.
var ErrStalePlan = errors.New("decay: plan is stale or already committed")

// Engine holds the decay counters of every index, one slice per shard.
type Engine struct {
	scheme   layout.Scheme
	alpha    uint16
	addrCnt  uint32
	perShard uint32

	// counters[s][i] is the committed counter of local index i in shard s;
	// scratch[s] receives the next values until Commit swaps them in.
	counters [][]uint16
	scratch  [][]uint16
	gen      []uint64
	dark     uint64
}

// Plan is the outcome of one decay pass over one shard. Index sets hold
// shard-local indices, ready to be written to that shard's registers.
type Plan struct {
	Shard uint32
	// Activate lists indices that were dark and got flagged (global=1).
	Activate []uint32
	// Deactivate lists indices whose counter reached zero (global=0).
	Deactivate []uint32
	// Flagged lists every flagged index (flag must be cleared).
	Flagged []uint32
	// Inactive counts the indices of Deactivate per meter bucket.
	Inactive map[uint32]uint32
	// Active is the number of indices with a non-zero counter after the pass.
	Active uint32

	gen       uint64
	committed bool
}

// New creates an engine for addrCnt indices, all starting at alpha.
func New(scheme layout.Scheme, addrCnt uint32, alpha uint16) (*Engine, error) {
	if err := scheme.Validate(); err != nil {
		return nil, err
	}
	if alpha == math.MaxUint16 {
		return nil, fmt.Errorf("alpha %d: alpha+1 must fit in 16 bits", alpha)
	}
	if addrCnt%scheme.Shards != 0 {
		return nil, fmt.Errorf("address count %d not divisible by %d shards", addrCnt, scheme.Shards)
	}
	per := addrCnt / scheme.Shards
	e := &Engine{
		scheme:   scheme,
		alpha:    alpha,
		addrCnt:  addrCnt,
		perShard: per,
		counters: make([][]uint16, scheme.Shards),
		scratch:  make([][]uint16, scheme.Shards),
		gen:      make([]uint64, scheme.Shards),
	}
	for s := range e.counters {
		c := make([]uint16, per)
		for i := range c {
			c[i] = alpha
		}
		e.counters[s] = c
		e.scratch[s] = make([]uint16, per)
	}
	if alpha == 0 {
		e.dark = uint64(addrCnt)
	}
	return e, nil
}

func (e *Engine) Alpha() uint16 { return e.alpha }
func (e *Engine) AddrCnt() uint32 { return e.addrCnt }
func (e *Engine) PerShard() uint32 { return e.perShard }
func (e *Engine) Shards() uint32 { return e.scheme.Shards }
func (e *Engine) Dark() uint64 { return e.dark }
func (e *Engine) Active() uint64 { return uint64(e.addrCnt) - e.dark }

// Counter returns the committed counter of global index g.
func (e *Engine) Counter(g uint32) uint16 {
	s, i := e.scheme.Split(g)
	return e.counters[s][i]
}

// Plan runs one decay pass over shard using the freshly synced flags of its
// register. Committed counters are not modified until Commit.
func (e *Engine) Plan(shard uint32, flags []register.Flags) (*Plan, error) {
	if shard >= e.scheme.Shards {
		return nil, fmt.Errorf("shard %d out of range (%d shards)", shard, e.scheme.Shards)
	}
	if uint32(len(flags)) != e.perShard {
		return nil, fmt.Errorf("shard %d: snapshot has %d indices, want %d", shard, len(flags), e.perShard)
	}
	cur := e.counters[shard]
	next := e.scratch[shard]
	hot := e.alpha + 1
	p := &Plan{Shard: shard, Inactive: make(map[uint32]uint32)}

	for i, f := range flags {
		c := cur[i]
		local := uint32(i)
		switch {
		case f.Any():
			if c == 0 {
				p.Activate = append(p.Activate, local)
			}
			p.Flagged = append(p.Flagged, local)
			c = hot
		case c > 1:
			c--
		case c == 1:
			p.Deactivate = append(p.Deactivate, local)
			c = 0
			p.Inactive[e.scheme.Bucket(e.scheme.Global(shard, local))]++
		}
		// c == 0 and unflagged: already dark, nothing to write.
		next[i] = c
		if c != 0 {
			p.Active++
		}
	}
	e.gen[shard]++
	p.gen = e.gen[shard]
	return p, nil
}

// Commit makes the counters computed by p the committed state. Only the
// most recent plan of a shard can be committed, and only once.
func (e *Engine) Commit(p *Plan) error {
	if p == nil || p.committed || p.Shard >= e.scheme.Shards || p.gen != e.gen[p.Shard] {
		return ErrStalePlan
	}
	s := p.Shard
	e.counters[s], e.scratch[s] = e.scratch[s], e.counters[s]
	e.dark = e.dark + uint64(len(p.Deactivate)) - uint64(len(p.Activate))
	p.committed = true
	// A second Commit of any earlier plan must fail.
	e.gen[s]++
	return nil
}

// InactiveTotal sums the bucket counts of a plan.
func (p *Plan) InactiveTotal() uint32 {
	var n uint32
	for _, v := range p.Inactive {
		n += v
	}
	return n
}
