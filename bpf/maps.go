// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

// Package bpf describes the maps shared between darkmon and the XDP data
// plane program. darkmon creates and pins them; the data plane program is
// loaded separately and reuses the pinned maps by name.
package bpf

import (
	"fmt"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/darkmon-ebpf/internal/layout"
	"github.com/darkmon-ebpf/internal/types"
	"golang.org/x/sys/unix"
)

const (
	MapMonitoredV4     = "monitored_v4"
	MapMonitoredV6     = "monitored_v6"
	MapDarkMeter       = "dark_meter"
	MapDarkGlobalMeter = "dark_gmeter"
	MapPorts           = "ports"
)

// FlagTable is the name of the sticky flag register of shard i.
func FlagTable(i uint32) string { return fmt.Sprintf("flag_table%d", i) }

// GlobalTable is the name of the globally-active register of shard i.
func GlobalTable(i uint32) string { return fmt.Sprintf("global_table%d", i) }

// MonitoredTable returns the LPM trie name for a family.
func MonitoredTable(f layout.Family) string {
	if f == layout.FamilyV4 {
		return MapMonitoredV4
	}
	return MapMonitoredV6
}

// Sizes holds the entry counts of the maps.
type Sizes struct {
	// Register is the number of indices of each shard register.
	Register uint32
	// Meter is the number of dark_meter buckets.
	Meter     uint32
	Monitored uint32
	Ports     uint32
}

func (s Sizes) withDefaults() Sizes {
	if s.Monitored == 0 {
		s.Monitored = 1024
	}
	if s.Ports == 0 {
		s.Ports = 64
	}
	return s
}

// NewSpec builds the map collection for one scheme.
func NewSpec(scheme layout.Scheme, sizes Sizes) (*ebpf.CollectionSpec, error) {
	if err := scheme.Validate(); err != nil {
		return nil, err
	}
	sizes = sizes.withDefaults()
	if sizes.Register == 0 || sizes.Meter == 0 {
		return nil, fmt.Errorf("register size %d and meter size %d must be > 0", sizes.Register, sizes.Meter)
	}

	maps := make(map[string]*ebpf.MapSpec)
	for i := uint32(0); i < scheme.Shards; i++ {
		maps[FlagTable(i)] = &ebpf.MapSpec{
			Name:       FlagTable(i),
			Type:       ebpf.PerCPUArray,
			KeySize:    4,
			ValueSize:  8,
			MaxEntries: sizes.Register,
			Pinning:    ebpf.PinByName,
		}
		maps[GlobalTable(i)] = &ebpf.MapSpec{
			Name:       GlobalTable(i),
			Type:       ebpf.Array,
			KeySize:    4,
			ValueSize:  8,
			MaxEntries: sizes.Register,
			Pinning:    ebpf.PinByName,
		}
	}

	keySize := uint32(unsafe.Sizeof(types.LPMKeyV6{}))
	if scheme.Family == layout.FamilyV4 {
		keySize = uint32(unsafe.Sizeof(types.LPMKeyV4{}))
	}
	name := MonitoredTable(scheme.Family)
	maps[name] = &ebpf.MapSpec{
		Name:       name,
		Type:       ebpf.LPMTrie,
		KeySize:    keySize,
		ValueSize:  uint32(unsafe.Sizeof(types.MonitoredValue{})),
		MaxEntries: sizes.Monitored,
		Flags:      unix.BPF_F_NO_PREALLOC,
		Pinning:    ebpf.PinByName,
	}

	meterSize := uint32(unsafe.Sizeof(types.MeterValue{}))
	maps[MapDarkMeter] = &ebpf.MapSpec{
		Name:       MapDarkMeter,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  meterSize,
		MaxEntries: sizes.Meter,
		Pinning:    ebpf.PinByName,
	}
	maps[MapDarkGlobalMeter] = &ebpf.MapSpec{
		Name:       MapDarkGlobalMeter,
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  meterSize,
		MaxEntries: 1,
		Pinning:    ebpf.PinByName,
	}
	maps[MapPorts] = &ebpf.MapSpec{
		Name:       MapPorts,
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  uint32(unsafe.Sizeof(types.PortValue{})),
		MaxEntries: sizes.Ports,
		Pinning:    ebpf.PinByName,
	}
	return &ebpf.CollectionSpec{Maps: maps}, nil
}
