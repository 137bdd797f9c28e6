// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package dataplane

import (
	"fmt"
	"net/netip"
	"sync"

	"github.com/darkmon-ebpf/internal/layout"
	"github.com/darkmon-ebpf/internal/meter"
	"github.com/darkmon-ebpf/internal/prefix"
	"github.com/darkmon-ebpf/internal/register"
	"github.com/darkmon-ebpf/internal/types"
)

// SimLanes is the number of flag lanes per index of the simulated data
// plane, standing in for the pipes of a switch.
const SimLanes = 2

// Sim is an in-process data plane. Observe plays the packet pipeline.
type Sim struct {
	*Dataplane
	Flag   []*register.Memory
	Global []*register.Memory
	LPM    *MemoryLPM
	Meter  *meter.MemoryTable
	GMeter *meter.MemoryTable
	Port   *MemoryPorts
}

// NewSim builds a simulated data plane with registerSize indices per shard.
func NewSim(scheme layout.Scheme, registerSize, meterSize uint32) (*Sim, error) {
	if err := scheme.Validate(); err != nil {
		return nil, err
	}
	s := &Sim{
		LPM:    NewMemoryLPM(),
		Meter:  meter.NewMemoryTable(meterSize),
		GMeter: meter.NewMemoryTable(1),
		Port:   &MemoryPorts{},
	}
	d := &Dataplane{
		Scheme:      scheme,
		Monitored:   s.LPM,
		Meters:      s.Meter,
		GlobalMeter: s.GMeter,
		Ports:       s.Port,
		MeterSize:   meterSize,
	}
	for i := uint32(0); i < scheme.Shards; i++ {
		f := register.NewMemory(fmt.Sprintf("flag_table%d", i), registerSize, SimLanes)
		g := register.NewMemory(fmt.Sprintf("global_table%d", i), registerSize, 1)
		s.Flag = append(s.Flag, f)
		s.Global = append(s.Global, g)
		d.Flags = append(d.Flags, f)
		d.Globals = append(d.Globals, g)
	}
	s.Dataplane = d
	return s, nil
}

// Observe marks the flag of the index addr maps to, as the data plane does
// for a packet towards addr. It reports whether addr is monitored.
func (s *Sim) Observe(addr netip.Addr, lane int) (bool, error) {
	p, v, ok := s.LPM.Lookup(addr)
	if !ok {
		return false, nil
	}
	off := uint32(prefix.BlockOffset(addr, p.Bits(), s.Scheme.AddrBits))
	shard := off & (s.Scheme.Shards - 1)
	local := v.BaseIdx + (off>>s.Scheme.ShardBits())&v.Mask
	return true, s.Flag[shard].Mark(local, lane)
}

// MemoryLPM is a linear longest-prefix-match table.
type MemoryLPM struct {
	mu      sync.Mutex
	entries map[netip.Prefix]types.MonitoredValue
}

func NewMemoryLPM() *MemoryLPM {
	return &MemoryLPM{entries: make(map[netip.Prefix]types.MonitoredValue)}
}

func (t *MemoryLPM) AddEntry(p netip.Prefix, v types.MonitoredValue) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[p.Masked()] = v
	return nil
}

func (t *MemoryLPM) Lookup(addr netip.Addr) (netip.Prefix, types.MonitoredValue, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var best netip.Prefix
	var val types.MonitoredValue
	found := false
	for p, v := range t.entries {
		if p.Contains(addr) && (!found || p.Bits() > best.Bits()) {
			best, val, found = p, v, true
		}
	}
	return best, val, found
}

func (t *MemoryLPM) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// MemoryPorts records port directions.
type MemoryPorts struct {
	mu    sync.Mutex
	ports map[uint32]uint8
}

func (p *MemoryPorts) SetPort(ifindex uint32, dir uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ports == nil {
		p.ports = make(map[uint32]uint8)
	}
	p.ports[ifindex] = dir
	return nil
}

func (p *MemoryPorts) Direction(ifindex uint32) (uint8, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.ports[ifindex]
	return d, ok
}
