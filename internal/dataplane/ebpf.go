// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package dataplane

import (
	"bytes"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	"github.com/cilium/ebpf"
	"github.com/darkmon-ebpf/bpf"
	"github.com/darkmon-ebpf/internal/layout"
	"github.com/darkmon-ebpf/internal/register"
	"github.com/darkmon-ebpf/internal/types"
	"golang.org/x/sys/unix"
)

// EBPFConfig selects the maps of the BPF data plane.
type EBPFConfig struct {
	Scheme  layout.Scheme
	Sizes   bpf.Sizes
	PinPath string
	// BatchSize is the number of keys per batch syscall (0 = default).
	BatchSize int
}

// OpenEBPF creates (or reopens) the pinned maps and wraps them as data plane
// tables.
func OpenEBPF(cfg EBPFConfig) (*Dataplane, error) {
	// Batch operations on array maps need 5.6.
	if err := checkKernelVersion(5, 6); err != nil {
		slog.Error("kernel version check failed", "err", err)
		return nil, err
	}
	spec, err := bpf.NewSpec(cfg.Scheme, cfg.Sizes)
	if err != nil {
		return nil, fmt.Errorf("map spec: %w", err)
	}
	objs, err := bpf.Load(cfg.Scheme, spec, cfg.PinPath)
	if err != nil {
		return nil, err
	}
	d := &Dataplane{
		Scheme:      cfg.Scheme,
		Monitored:   &lpmMap{m: objs.Monitored},
		Meters:      &meterMap{m: objs.DarkMeter},
		GlobalMeter: &meterMap{m: objs.DarkGlobalMeter},
		Ports:       &portMap{m: objs.Ports},
		MeterSize:   objs.DarkMeter.MaxEntries(),
		close:       objs.Close,
	}
	for i := range objs.Flags {
		f, err := register.NewMap(bpf.FlagTable(uint32(i)), objs.Flags[i], cfg.BatchSize)
		if err != nil {
			objs.Close()
			return nil, err
		}
		g, err := register.NewMap(bpf.GlobalTable(uint32(i)), objs.Globals[i], cfg.BatchSize)
		if err != nil {
			objs.Close()
			return nil, err
		}
		d.Flags = append(d.Flags, f)
		d.Globals = append(d.Globals, g)
	}
	return d, nil
}

type lpmMap struct {
	m *ebpf.Map
}

func (t *lpmMap) AddEntry(p netip.Prefix, v types.MonitoredValue) error {
	var key any
	if p.Addr().Is4() {
		key = types.LPMKeyV4{PrefixLen: uint32(p.Bits()), Addr: p.Addr().As4()}
	} else {
		key = types.LPMKeyV6{PrefixLen: uint32(p.Bits()), Addr: p.Addr().As16()}
	}
	if err := t.m.Update(key, v, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("monitored %s: %w", p, err)
	}
	return nil
}

type meterMap struct {
	m *ebpf.Map
}

func (t *meterMap) SetRate(index uint32, v types.MeterValue) error {
	return t.m.Update(index, v, ebpf.UpdateAny)
}

type portMap struct {
	m *ebpf.Map
}

func (t *portMap) SetPort(ifindex uint32, dir uint8) error {
	return t.m.Update(ifindex, types.PortValue{Direction: dir}, ebpf.UpdateAny)
}

// parseKernelRelease extracts major and minor from a uname release string.
func parseKernelRelease(release string) (major, minor int, err error) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("kernel version %q: invalid format (expected X.Y.Z)", release)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("kernel version %q: invalid major version", release)
	}
	minorStr := parts[1]
	// Strip anything after first non-digit (e.g., "12+deb13" -> "12")
	for i, c := range minorStr {
		if c < '0' || c > '9' {
			minorStr = minorStr[:i]
			break
		}
	}
	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, fmt.Errorf("kernel version %q: invalid minor version", release)
	}
	return major, minor, nil
}

func checkKernelVersion(wantMajor, wantMinor int) error {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return fmt.Errorf("failed to get kernel version: %w", err)
	}
	release := string(uname.Release[:bytes.IndexByte(uname.Release[:], 0)])
	major, minor, err := parseKernelRelease(release)
	if err != nil {
		return err
	}
	if major < wantMajor || (major == wantMajor && minor < wantMinor) {
		return fmt.Errorf("kernel %d.%d (from %q): map batch operations require kernel %d.%d or newer",
			major, minor, release, wantMajor, wantMinor)
	}
	slog.Info("kernel version check passed", "version", release, "major", major, "minor", minor)
	return nil
}
