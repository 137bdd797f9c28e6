// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

// Package prefix loads the monitored prefix list and lays it out over the
// dense index space of the data plane registers.
package prefix

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/netip"
	"os"
	"strings"

	"github.com/darkmon-ebpf/internal/layout"
	"github.com/darkmon-ebpf/internal/types"
)

// LPMTable is the monitored longest-prefix-match table of the data plane.
type LPMTable interface {
	AddEntry(p netip.Prefix, v types.MonitoredValue) error
}

// Entry is one monitored prefix after layout.
type Entry struct {
	Prefix netip.Prefix
	// Range is the number of indices the prefix covers in each shard.
	Range     uint32
	BaseIdx   uint32
	Mask      uint32
	MeterBase uint32
}

// Result summarises a populated table.
type Result struct {
	Scheme  layout.Scheme
	Entries []Entry
	// AddrCnt is the number of global indices over all shards.
	AddrCnt uint32
	// Buckets is the number of meter buckets in use.
	Buckets uint32
}

// ParseFile reads a prefix list from path.
func ParseFile(path string) ([]netip.Prefix, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open prefix list: %w", err)
	}
	defer f.Close()
	ps, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}

// Parse reads one prefix per line. Blank lines and lines starting with '#'
// are ignored, lines without a length are skipped with a warning.
func Parse(r io.Reader) ([]netip.Prefix, error) {
	var out []netip.Prefix
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		if !strings.Contains(s, "/") {
			slog.Warn("skipping line without prefix length", "line", line, "text", s)
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if m := p.Masked(); m != p {
			slog.Warn("prefix has host bits set, masking", "line", line, "prefix", p, "masked", m)
			p = m
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read prefix list: %w", err)
	}
	return out, nil
}

func familyOf(p netip.Prefix) layout.Family {
	if p.Addr().Is4() {
		return layout.FamilyV4
	}
	return layout.FamilyV6
}

// Layout assigns per-shard base indices and meter bases to prefixes in
// declaration order without touching any table.
func Layout(prefixes []netip.Prefix, scheme layout.Scheme) (*Result, error) {
	if err := scheme.Validate(); err != nil {
		return nil, err
	}
	if len(prefixes) == 0 {
		return nil, errors.New("no monitored prefixes")
	}
	res := &Result{Scheme: scheme}
	meterBits := scheme.MeterBits()
	var base, buckets uint64

	for _, p := range prefixes {
		p = p.Masked()
		if familyOf(p) != scheme.Family || p.Addr().Is4In6() {
			return nil, fmt.Errorf("prefix %s does not belong to scheme %s (%s)", p, scheme.Name, scheme.Family)
		}
		if p.Bits() > meterBits {
			return nil, fmt.Errorf("prefix %s longer than /%d meter granularity of scheme %s", p, meterBits, scheme.Name)
		}
		for _, q := range res.Entries {
			if q.Prefix.Overlaps(p) {
				return nil, fmt.Errorf("prefix %s overlaps %s", p, q.Prefix)
			}
		}

		hostBits := int(scheme.IndexBits()) - p.Bits()
		if hostBits >= 32 {
			return nil, fmt.Errorf("prefix %s spans 2^%d indices per shard", p, hostBits)
		}
		rng := uint64(1) << hostBits
		total := rng * uint64(scheme.Shards)
		if (base+rng)*uint64(scheme.Shards) > math.MaxUint32 {
			return nil, fmt.Errorf("prefix %s: index space exceeds 32 bits", p)
		}
		e := Entry{
			Prefix:    p,
			Range:     uint32(rng),
			BaseIdx:   uint32(base),
			Mask:      uint32(rng - 1),
			MeterBase: uint32(buckets),
		}
		res.Entries = append(res.Entries, e)
		base += rng
		buckets += total / uint64(scheme.BucketWidth)
	}
	res.AddrCnt = uint32(base * uint64(scheme.Shards))
	res.Buckets = uint32(buckets)
	return res, nil
}

// Populate lays out prefixes, installs one calc_idx entry per prefix in
// table and, when addrs is not nil, writes the companion address list.
func Populate(prefixes []netip.Prefix, scheme layout.Scheme, table LPMTable, addrs io.Writer) (*Result, error) {
	res, err := Layout(prefixes, scheme)
	if err != nil {
		return nil, err
	}
	for _, e := range res.Entries {
		v := types.MonitoredValue{BaseIdx: e.BaseIdx, Mask: e.Mask, MeterBase: e.MeterBase}
		if err := table.AddEntry(e.Prefix, v); err != nil {
			return nil, fmt.Errorf("add monitored entry %s: %w", e.Prefix, err)
		}
		slog.Debug("monitored prefix added", "prefix", e.Prefix, "base_idx", e.BaseIdx,
			"mask", e.Mask, "meter_base", e.MeterBase)
	}
	if addrs != nil {
		if err := Enumerate(res, addrs); err != nil {
			return nil, err
		}
	}
	slog.Info("monitored table populated", "prefixes", len(res.Entries), "addr_cnt", res.AddrCnt,
		"buckets", res.Buckets)
	return res, nil
}

// Global returns the global index of addr and whether a monitored prefix
// covers it.
func (r *Result) Global(addr netip.Addr) (uint32, bool) {
	for _, e := range r.Entries {
		if !e.Prefix.Contains(addr) {
			continue
		}
		off := BlockOffset(addr, e.Prefix.Bits(), r.Scheme.AddrBits)
		return e.BaseIdx*r.Scheme.Shards + uint32(off), true
	}
	return 0, false
}
