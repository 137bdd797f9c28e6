// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

// Package dataplane groups the tables the control plane drives: per-shard
// flag and global registers, the monitored prefix table, the meters and
// the port directions.
package dataplane

import (
	"fmt"

	"github.com/darkmon-ebpf/internal/layout"
	"github.com/darkmon-ebpf/internal/meter"
	"github.com/darkmon-ebpf/internal/prefix"
	"github.com/darkmon-ebpf/internal/register"
)

// PortTable records the direction of a data plane port.
type PortTable interface {
	SetPort(ifindex uint32, dir uint8) error
}

type Dataplane struct {
	Scheme layout.Scheme
	// Flags[i] and Globals[i] are the registers of shard i.
	Flags       []register.Register
	Globals     []register.Register
	Monitored   prefix.LPMTable
	Meters      meter.Table
	GlobalMeter meter.Table
	Ports       PortTable
	// MeterSize is the number of entries of Meters.
	MeterSize uint32

	close func()
}

// Check verifies that every shard has both registers and that they can
// hold perShard indices.
func (d *Dataplane) Check(perShard uint32) error {
	if uint32(len(d.Flags)) != d.Scheme.Shards || uint32(len(d.Globals)) != d.Scheme.Shards {
		return fmt.Errorf("dataplane has %d flag and %d global registers, scheme %s needs %d",
			len(d.Flags), len(d.Globals), d.Scheme.Name, d.Scheme.Shards)
	}
	for i := range d.Flags {
		if d.Flags[i].Len() < perShard {
			return fmt.Errorf("register %s holds %d indices, need %d", d.Flags[i].Name(), d.Flags[i].Len(), perShard)
		}
		if d.Globals[i].Len() < perShard {
			return fmt.Errorf("register %s holds %d indices, need %d", d.Globals[i].Name(), d.Globals[i].Len(), perShard)
		}
	}
	return nil
}

func (d *Dataplane) Close() {
	if d.close != nil {
		d.close()
	}
}
