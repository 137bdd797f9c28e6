// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package bpf

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
	"github.com/darkmon-ebpf/internal/layout"
)

// Objects holds the loaded maps of one scheme.
type Objects struct {
	Flags           []*ebpf.Map
	Globals         []*ebpf.Map
	Monitored       *ebpf.Map
	DarkMeter       *ebpf.Map
	DarkGlobalMeter *ebpf.Map
	Ports           *ebpf.Map

	coll *ebpf.Collection
}

// Load creates the maps of spec, reusing maps already pinned under pinPath.
// An empty pinPath creates unpinned maps.
func Load(scheme layout.Scheme, spec *ebpf.CollectionSpec, pinPath string) (*Objects, error) {
	opts := ebpf.CollectionOptions{}
	if pinPath != "" {
		opts.Maps.PinPath = pinPath
	} else {
		for _, m := range spec.Maps {
			m.Pinning = ebpf.PinNone
		}
	}
	coll, err := ebpf.NewCollectionWithOptions(spec, opts)
	if err != nil {
		return nil, fmt.Errorf("create maps: %w", err)
	}
	o := &Objects{coll: coll}
	get := func(name string) (*ebpf.Map, error) {
		m, ok := coll.Maps[name]
		if !ok {
			return nil, fmt.Errorf("map %s missing from collection", name)
		}
		return m, nil
	}
	var errs []error
	for i := uint32(0); i < scheme.Shards; i++ {
		f, err := get(FlagTable(i))
		errs = append(errs, err)
		g, err := get(GlobalTable(i))
		errs = append(errs, err)
		o.Flags = append(o.Flags, f)
		o.Globals = append(o.Globals, g)
	}
	o.Monitored, err = get(MonitoredTable(scheme.Family))
	errs = append(errs, err)
	o.DarkMeter, err = get(MapDarkMeter)
	errs = append(errs, err)
	o.DarkGlobalMeter, err = get(MapDarkGlobalMeter)
	errs = append(errs, err)
	o.Ports, err = get(MapPorts)
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		coll.Close()
		return nil, err
	}
	slog.Info("BPF maps ready", "scheme", scheme.Name, "maps", len(coll.Maps), "pin_path", pinPath)
	return o, nil
}

// Close releases the map file descriptors. Pinned maps stay in bpffs.
func (o *Objects) Close() {
	if o.coll != nil {
		o.coll.Close()
	}
}
