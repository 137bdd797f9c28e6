// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

// Package layout maps monitored address space onto the dense index space
// shared by the data plane registers and the control plane.
package layout

import (
	"fmt"
	"math/bits"
	"strings"
)

type Family uint8

const (
	FamilyV4 Family = 4
	FamilyV6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyV4:
		return "ipv4"
	case FamilyV6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Scheme describes how one address family is spread over the registers of
// one data plane generation.
//
// A global index g lives in shard g%Shards at local index g/Shards and is
// rate limited by meter bucket g/BucketWidth. For IPv6 one index covers an
// AddrBits-long block (a /56), for IPv4 a single address.
type Scheme struct {
	Name        string `json:"name"`
	Family      Family `json:"family"`
	AddrBits    uint8  `json:"addr_bits"`
	Shards      uint32 `json:"shards"`
	BucketWidth uint32 `json:"bucket_width"`
}

var presets = map[string]Scheme{
	"ipv4":    {Name: "ipv4", Family: FamilyV4, AddrBits: 32, Shards: 1, BucketWidth: 256},
	"ipv6":    {Name: "ipv6", Family: FamilyV6, AddrBits: 56, Shards: 4, BucketWidth: 1024},
	"ipv6-x8": {Name: "ipv6-x8", Family: FamilyV6, AddrBits: 56, Shards: 8, BucketWidth: 1024},
}

// Preset returns a named scheme ("ipv4", "ipv6", "ipv6-x8").
func Preset(name string) (Scheme, error) {
	s, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Scheme{}, fmt.Errorf("unknown layout scheme %q (valid: ipv4, ipv6, ipv6-x8)", name)
	}
	return s, nil
}

func isPow2(v uint32) bool { return v != 0 && v&(v-1) == 0 }

func (s Scheme) Validate() error {
	switch s.Family {
	case FamilyV4:
		if s.AddrBits != 32 {
			return fmt.Errorf("scheme %s: ipv4 requires 32 address bits, got %d", s.Name, s.AddrBits)
		}
	case FamilyV6:
		if s.AddrBits == 0 || s.AddrBits > 64 {
			return fmt.Errorf("scheme %s: ipv6 address bits must be in 1..64, got %d", s.Name, s.AddrBits)
		}
	default:
		return fmt.Errorf("scheme %s: unknown family %d", s.Name, s.Family)
	}
	if !isPow2(s.Shards) {
		return fmt.Errorf("scheme %s: shard count %d is not a power of two", s.Name, s.Shards)
	}
	if !isPow2(s.BucketWidth) {
		return fmt.Errorf("scheme %s: bucket width %d is not a power of two", s.Name, s.BucketWidth)
	}
	if s.BucketWidth < s.Shards {
		return fmt.Errorf("scheme %s: bucket width %d smaller than shard count %d", s.Name, s.BucketWidth, s.Shards)
	}
	if s.MeterBits() < 1 {
		return fmt.Errorf("scheme %s: bucket width %d too large for %d address bits", s.Name, s.BucketWidth, s.AddrBits)
	}
	return nil
}

// ShardBits is log2(Shards).
func (s Scheme) ShardBits() uint8 { return uint8(bits.TrailingZeros32(s.Shards)) }

// IndexBits is the number of address bits resolved by one shard register.
func (s Scheme) IndexBits() uint8 { return s.AddrBits - s.ShardBits() }

// MeterBits is the prefix length at which one meter bucket is allocated.
func (s Scheme) MeterBits() int {
	return int(s.AddrBits) - bits.TrailingZeros32(s.BucketWidth)
}

// Global returns the global index of a shard-local index.
func (s Scheme) Global(shard, local uint32) uint32 { return local*s.Shards + shard }

// Split is the inverse of Global.
func (s Scheme) Split(g uint32) (shard, local uint32) { return g % s.Shards, g / s.Shards }

// Bucket returns the meter bucket of a global index.
func (s Scheme) Bucket(g uint32) uint32 { return g / s.BucketWidth }
