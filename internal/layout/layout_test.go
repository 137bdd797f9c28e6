// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package layout

import "testing"

func TestPresets(t *testing.T) {
	tests := []struct {
		name      string
		indexBits uint8
		meterBits int
	}{
		{"ipv4", 32, 24},
		{"ipv6", 54, 46},
		{"IPv6-X8", 53, 46},
	}
	for _, tt := range tests {
		s, err := Preset(tt.name)
		if err != nil {
			t.Fatalf("Preset(%q): %v", tt.name, err)
		}
		if err := s.Validate(); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if got := s.IndexBits(); got != tt.indexBits {
			t.Errorf("%s IndexBits = %d, want %d", tt.name, got, tt.indexBits)
		}
		if got := s.MeterBits(); got != tt.meterBits {
			t.Errorf("%s MeterBits = %d, want %d", tt.name, got, tt.meterBits)
		}
	}
	if _, err := Preset("ipx"); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestGlobalSplitRoundTrip(t *testing.T) {
	s, _ := Preset("ipv6-x8")
	for g := uint32(0); g < 4096; g++ {
		shard, local := s.Split(g)
		if shard >= s.Shards {
			t.Fatalf("shard %d out of range", shard)
		}
		if back := s.Global(shard, local); back != g {
			t.Fatalf("Global(Split(%d)) = %d", g, back)
		}
	}
	if b := s.Bucket(2047); b != 1 {
		t.Fatalf("Bucket(2047) = %d, want 1", b)
	}
}

func TestValidateRejects(t *testing.T) {
	bad := []Scheme{
		{Name: "a", Family: FamilyV4, AddrBits: 24, Shards: 1, BucketWidth: 256},
		{Name: "b", Family: FamilyV4, AddrBits: 32, Shards: 3, BucketWidth: 256},
		{Name: "c", Family: FamilyV4, AddrBits: 32, Shards: 1, BucketWidth: 100},
		{Name: "d", Family: FamilyV6, AddrBits: 56, Shards: 8, BucketWidth: 4},
		{Name: "e", Family: 5, AddrBits: 32, Shards: 1, BucketWidth: 256},
	}
	for _, s := range bad {
		if err := s.Validate(); err == nil {
			t.Errorf("scheme %s: expected validation error", s.Name)
		}
	}
}
