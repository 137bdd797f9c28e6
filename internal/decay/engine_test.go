// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package decay

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/darkmon-ebpf/internal/layout"
	"github.com/darkmon-ebpf/internal/register"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func ipv4(t *testing.T) layout.Scheme {
	t.Helper()
	s, err := layout.Preset("ipv4")
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// snapshot returns n unflagged indices with the listed ones flagged.
func snapshot(n uint32, flagged ...uint32) []register.Flags {
	out := make([]register.Flags, n)
	for i := range out {
		out[i] = register.Flags{0, 0}
	}
	for _, i := range flagged {
		out[i] = register.Flags{0, 1}
	}
	return out
}

func mustEngine(t *testing.T, s layout.Scheme, n uint32, alpha uint16) *Engine {
	t.Helper()
	e, err := New(s, n, alpha)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func run(t *testing.T, e *Engine, shard uint32, flags []register.Flags) *Plan {
	t.Helper()
	p, err := e.Plan(shard, flags)
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Commit(p); err != nil {
		t.Fatal(err)
	}
	return p
}

// setCounter forces a committed counter for scenario setup.
func setCounter(e *Engine, g uint32, v uint16) {
	s, i := e.scheme.Split(g)
	old := e.counters[s][i]
	e.counters[s][i] = v
	if old == 0 && v != 0 {
		e.dark--
	} else if old != 0 && v == 0 {
		e.dark++
	}
}

func TestActivation(t *testing.T) {
	e := mustEngine(t, ipv4(t), 16, 5)
	setCounter(e, 5, 0)

	p := run(t, e, 0, snapshot(16, 5))

	if got := e.Counter(5); got != 6 {
		t.Fatalf("counter = %d, want alpha+1 = 6", got)
	}
	if diff := cmp.Diff([]uint32{5}, p.Activate); diff != "" {
		t.Fatalf("Activate (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint32{5}, p.Flagged); diff != "" {
		t.Fatalf("Flagged (-want +got):\n%s", diff)
	}
	if len(p.Deactivate) != 0 || len(p.Inactive) != 0 {
		t.Fatalf("unexpected deactivation: %v %v", p.Deactivate, p.Inactive)
	}
}

func TestFlaggedActiveIndexOnlyClearsFlag(t *testing.T) {
	e := mustEngine(t, ipv4(t), 4, 3)
	p := run(t, e, 0, snapshot(4, 2))
	if len(p.Activate) != 0 {
		t.Fatalf("already active index activated again: %v", p.Activate)
	}
	if diff := cmp.Diff([]uint32{2}, p.Flagged); diff != "" {
		t.Fatalf("Flagged (-want +got):\n%s", diff)
	}
	if got := e.Counter(2); got != 4 {
		t.Fatalf("counter = %d, want 4", got)
	}
}

func TestDecayToDark(t *testing.T) {
	e := mustEngine(t, ipv4(t), 300, 10)
	setCounter(e, 7, 2)

	p1 := run(t, e, 0, snapshot(300))
	if got := e.Counter(7); got != 1 {
		t.Fatalf("cycle 1 counter = %d, want 1", got)
	}
	for _, i := range p1.Deactivate {
		if i == 7 {
			t.Fatal("index 7 deactivated one cycle early")
		}
	}

	p2 := run(t, e, 0, snapshot(300))
	if got := e.Counter(7); got != 0 {
		t.Fatalf("cycle 2 counter = %d, want 0", got)
	}
	if diff := cmp.Diff([]uint32{7}, p2.Deactivate); diff != "" {
		t.Fatalf("Deactivate (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[uint32]uint32{7 / 256: 1}, p2.Inactive); diff != "" {
		t.Fatalf("Inactive (-want +got):\n%s", diff)
	}
}

func TestSteadyStateDarkProducesNoWrites(t *testing.T) {
	const alpha = 3
	e := mustEngine(t, ipv4(t), 64, alpha)
	// Cycles 1..alpha walk every counter from alpha down to zero.
	for c := 0; c < alpha; c++ {
		run(t, e, 0, snapshot(64))
	}
	if e.Dark() != 64 {
		t.Fatalf("dark = %d, want 64 after %d idle cycles", e.Dark(), alpha)
	}
	for c := 0; c < 5; c++ {
		p := run(t, e, 0, snapshot(64))
		if len(p.Activate)+len(p.Deactivate)+len(p.Flagged) != 0 || len(p.Inactive) != 0 {
			t.Fatalf("cycle %d: writes for dark indices: %+v", c, p)
		}
	}
}

func TestPlanDoesNotMutateUntilCommit(t *testing.T) {
	e := mustEngine(t, ipv4(t), 8, 2)
	p, err := e.Plan(0, snapshot(8, 1))
	if err != nil {
		t.Fatal(err)
	}
	if e.Counter(1) != 2 || e.Counter(0) != 2 {
		t.Fatal("Plan mutated committed counters")
	}
	// A newer plan supersedes the uncommitted one.
	p2, err := e.Plan(0, snapshot(8))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Commit(p); !errors.Is(err, ErrStalePlan) {
		t.Fatalf("Commit(stale) err = %v, want ErrStalePlan", err)
	}
	if err := e.Commit(p2); err != nil {
		t.Fatal(err)
	}
	if err := e.Commit(p2); !errors.Is(err, ErrStalePlan) {
		t.Fatalf("double Commit err = %v, want ErrStalePlan", err)
	}
	if e.Counter(1) != 1 {
		t.Fatalf("counter = %d, want 1", e.Counter(1))
	}
}

func TestPlanRejectsWrongSnapshotSize(t *testing.T) {
	e := mustEngine(t, ipv4(t), 8, 2)
	if _, err := e.Plan(0, snapshot(7)); err == nil {
		t.Fatal("expected size mismatch error")
	}
	if _, err := e.Plan(1, snapshot(8)); err == nil {
		t.Fatal("expected shard range error")
	}
	if e.Counter(0) != 2 {
		t.Fatal("rejected plan mutated counters")
	}
}

func TestNewValidation(t *testing.T) {
	s, _ := layout.Preset("ipv6")
	if _, err := New(s, 10, 3); err == nil {
		t.Fatal("expected error for address count not divisible by shards")
	}
	if _, err := New(ipv4(t), 8, 65535); err == nil {
		t.Fatal("expected error for alpha overflow")
	}
	e := mustEngine(t, ipv4(t), 8, 0)
	if e.Dark() != 8 {
		t.Fatalf("alpha 0: dark = %d, want 8", e.Dark())
	}
}

func TestShardedBucketsUseGlobalIndex(t *testing.T) {
	s, _ := layout.Preset("ipv6-x8")
	e := mustEngine(t, s, 8*256, 1) // 256 local indices per shard
	// Local index 200 of shard 3 is global 1603 -> bucket 1.
	p := run(t, e, 3, snapshot(256))
	if len(p.Deactivate) != 256 {
		t.Fatalf("deactivated %d, want 256", len(p.Deactivate))
	}
	want := map[uint32]uint32{0: 128, 1: 128}
	if diff := cmp.Diff(want, p.Inactive); diff != "" {
		t.Fatalf("Inactive (-want +got):\n%s", diff)
	}
	if e.Counter(s.Global(3, 200)) != 0 || e.Counter(s.Global(2, 200)) != 1 {
		t.Fatal("commit touched the wrong shard")
	}
}

// TestRandomizedInvariants drives random flag patterns and checks counter
// bounds, disjointness and bucket conservation on every pass.
func TestRandomizedInvariants(t *testing.T) {
	s, _ := layout.Preset("ipv6")
	const alpha = 4
	const n = 4 * 512
	e := mustEngine(t, s, n, alpha)
	rng := rand.New(rand.NewSource(1))

	for cycle := 0; cycle < 50; cycle++ {
		for shard := uint32(0); shard < s.Shards; shard++ {
			var flagged []uint32
			for i := uint32(0); i < n/4; i++ {
				if rng.Intn(10) == 0 {
					flagged = append(flagged, i)
				}
			}
			before := e.Dark()
			p := run(t, e, shard, snapshot(n/4, flagged...))

			seen := make(map[uint32]bool, len(p.Activate))
			for _, i := range p.Activate {
				seen[i] = true
			}
			for _, i := range p.Deactivate {
				if seen[i] {
					t.Fatalf("cycle %d shard %d: index %d both activated and deactivated", cycle, shard, i)
				}
			}
			if got := p.InactiveTotal(); got != uint32(len(p.Deactivate)) {
				t.Fatalf("bucket sum %d != deactivations %d", got, len(p.Deactivate))
			}
			if diff := cmp.Diff(flagged, p.Flagged, cmpopts.EquateEmpty()); diff != "" {
				t.Fatalf("Flagged (-want +got):\n%s", diff)
			}
			if want := before + uint64(len(p.Deactivate)) - uint64(len(p.Activate)); e.Dark() != want {
				t.Fatalf("dark = %d, want %d", e.Dark(), want)
			}
		}
		for g := uint32(0); g < n; g++ {
			if c := e.Counter(g); c > alpha+1 {
				t.Fatalf("counter[%d] = %d exceeds alpha+1", g, c)
			}
		}
	}
}
