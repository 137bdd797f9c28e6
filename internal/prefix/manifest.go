// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package prefix

import (
	"fmt"
	"net/netip"
	"os"

	"github.com/darkmon-ebpf/internal/layout"
	"github.com/sugawarayuuta/sonnet"
)

// Manifest is the on-disk description of a populated layout. darkcap reads
// it next to the address list to learn the block width.
type Manifest struct {
	Scheme  layout.Scheme   `json:"scheme"`
	AddrCnt uint32          `json:"addr_cnt"`
	Buckets uint32          `json:"buckets"`
	Entries []ManifestEntry `json:"entries"`
}

type ManifestEntry struct {
	Prefix    string `json:"prefix"`
	Range     uint32 `json:"range"`
	BaseIdx   uint32 `json:"base_idx"`
	Mask      uint32 `json:"mask"`
	MeterBase uint32 `json:"meter_base"`
}

func (r *Result) Manifest() Manifest {
	m := Manifest{Scheme: r.Scheme, AddrCnt: r.AddrCnt, Buckets: r.Buckets}
	for _, e := range r.Entries {
		m.Entries = append(m.Entries, ManifestEntry{
			Prefix:    e.Prefix.String(),
			Range:     e.Range,
			BaseIdx:   e.BaseIdx,
			Mask:      e.Mask,
			MeterBase: e.MeterBase,
		})
	}
	return m
}

// Result rebuilds the layout described by the manifest.
func (m Manifest) Result() (*Result, error) {
	if err := m.Scheme.Validate(); err != nil {
		return nil, err
	}
	r := &Result{Scheme: m.Scheme, AddrCnt: m.AddrCnt, Buckets: m.Buckets}
	for _, e := range m.Entries {
		p, err := netip.ParsePrefix(e.Prefix)
		if err != nil {
			return nil, fmt.Errorf("manifest entry: %w", err)
		}
		r.Entries = append(r.Entries, Entry{
			Prefix:    p,
			Range:     e.Range,
			BaseIdx:   e.BaseIdx,
			Mask:      e.Mask,
			MeterBase: e.MeterBase,
		})
	}
	return r, nil
}

func WriteManifest(path string, r *Result) error {
	b, err := sonnet.Marshal(r.Manifest())
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, append(b, '\n'), 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func ReadManifest(path string) (Manifest, error) {
	var m Manifest
	b, err := os.ReadFile(path)
	if err != nil {
		return m, fmt.Errorf("read manifest: %w", err)
	}
	if err := sonnet.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	return m, m.Scheme.Validate()
}
