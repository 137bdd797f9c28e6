// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/darkmon-ebpf/internal/geoip"
	"github.com/darkmon-ebpf/internal/layout"
	"github.com/darkmon-ebpf/internal/prefix"
	"github.com/darkmon-ebpf/internal/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	srcMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	dstMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 2}
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	return append([]byte(nil), buf.Bytes()...)
}

func frame4(t *testing.T, src, dst string, proto layers.IPProtocol, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	return serialize(t, eth, ip, gopacket.Payload(payload))
}

func frame6(t *testing.T, src, dst string, proto layers.IPProtocol, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv6}
	ip := &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: proto,
		SrcIP:      net.ParseIP(src),
		DstIP:      net.ParseIP(dst),
	}
	return serialize(t, eth, ip, gopacket.Payload(payload))
}

func control4(t *testing.T, target string) []byte {
	a := netip.MustParseAddr(target).As4()
	return frame4(t, "192.0.2.1", "198.51.100.1", layers.IPProtocol(types.CtlIPProto), a[:])
}

func data4(t *testing.T, dst string) []byte {
	return frame4(t, "203.0.113.9", dst, layers.IPProtocolUDP, []byte("probe"))
}

func mustIndex(t *testing.T, list string, v4, v6 uint8) *Index {
	t.Helper()
	ix, err := LoadIndex(strings.NewReader(list), v4, v6)
	if err != nil {
		t.Fatal(err)
	}
	return ix
}

func readPcap(t *testing.T, path string) [][]byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	if r.LinkType() != layers.LinkTypeEthernet {
		t.Fatalf("link type = %v, want Ethernet", r.LinkType())
	}
	var out [][]byte
	for {
		data, _, err := r.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, data)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestIndexLookup(t *testing.T) {
	ix := mustIndex(t, "10.0.0.0\n10.0.0.1\n2001:db8::\n2001:db8:0:100::\n", DefaultV4Bits, DefaultV6Bits)
	tests := []struct {
		addr string
		want uint32
		ok   bool
	}{
		{"10.0.0.0", 0, true},
		{"10.0.0.1", 1, true},
		{"::ffff:10.0.0.1", 1, true},
		{"10.0.0.2", 0, false},
		{"2001:db8::42", 2, true},
		{"2001:db8:0:1ab::5", 3, true},
		{"2001:db8:0:200::", 0, false},
	}
	for _, tt := range tests {
		got, ok := ix.Lookup(netip.MustParseAddr(tt.addr))
		if ok != tt.ok || got != tt.want {
			t.Errorf("Lookup(%s) = %d, %v; want %d, %v", tt.addr, got, ok, tt.want, tt.ok)
		}
	}
	if ix.Len() != 4 {
		t.Fatalf("Len = %d, want 4", ix.Len())
	}
}

func TestLoadIndexRejects(t *testing.T) {
	if _, err := LoadIndex(strings.NewReader("10.0.0.0\nbogus\n"), 32, 56); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := LoadIndex(strings.NewReader(""), 0, 56); err == nil {
		t.Fatal("expected block width error")
	}
}

// The index built from the address list must agree with the layout that
// produced it, for every scheme.
func TestIndexMatchesLayout(t *testing.T) {
	tests := []struct {
		scheme string
		nets   []string
		probes []string
	}{
		{"ipv4", []string{"192.0.2.0/24", "198.51.100.0/23"}, []string{"192.0.2.7", "198.51.101.200", "198.51.100.0"}},
		{"ipv6", []string{"2001:db8::/46"}, []string{"2001:db8::1", "2001:db8:3:ff00::1", "2001:db8:1:500::"}},
		{"ipv6-x8", []string{"2001:db8:40::/44"}, []string{"2001:db8:4f:ff00::", "2001:db8:40:700::9"}},
	}
	for _, tt := range tests {
		t.Run(tt.scheme, func(t *testing.T) {
			s, err := layout.Preset(tt.scheme)
			if err != nil {
				t.Fatal(err)
			}
			var ps []netip.Prefix
			for _, n := range tt.nets {
				ps = append(ps, netip.MustParsePrefix(n))
			}
			res, err := prefix.Layout(ps, s)
			if err != nil {
				t.Fatal(err)
			}
			var list bytes.Buffer
			if err := prefix.Enumerate(res, &list); err != nil {
				t.Fatal(err)
			}
			v4, v6 := uint8(DefaultV4Bits), uint8(DefaultV6Bits)
			if s.Family == layout.FamilyV4 {
				v4 = s.AddrBits
			} else {
				v6 = s.AddrBits
			}
			ix, err := LoadIndex(&list, v4, v6)
			if err != nil {
				t.Fatal(err)
			}
			if ix.Len() != res.AddrCnt {
				t.Fatalf("Len = %d, want %d", ix.Len(), res.AddrCnt)
			}
			for _, p := range tt.probes {
				a := netip.MustParseAddr(p)
				want, wok := res.Global(a)
				got, ok := ix.Lookup(a)
				if ok != wok || got != want {
					t.Errorf("%s: index %d, %v; layout %d, %v", p, got, ok, want, wok)
				}
			}
		})
	}
}

func TestStateHold(t *testing.T) {
	s := NewState(4)
	t0 := time.Unix(1_700_000_000, 0)
	hold := time.Hour

	if s.Active(1) {
		t.Fatal("index active before any control packet")
	}
	s.MarkActive(1, t0)
	if s.Expire(1, t0.Add(30*time.Minute), hold) || !s.Active(1) {
		t.Fatal("index expired inside the hold time")
	}
	if !s.Expire(1, t0.Add(61*time.Minute), hold) {
		t.Fatal("index did not expire after the hold time")
	}
	if s.Active(1) {
		t.Fatal("expired index still active")
	}
	if s.Expire(1, t0.Add(3*time.Hour), hold) {
		t.Fatal("inactive index expired twice")
	}
	s.MarkActive(9, t0) // out of range is ignored
	if s.Active(9) {
		t.Fatal("out of range index reported active")
	}
}

func TestControlTarget(t *testing.T) {
	a, ok := controlTarget([]byte{10, 0, 0, 5, 0xff}, false)
	if !ok || a != netip.MustParseAddr("10.0.0.5") {
		t.Fatalf("v4 target = %v, %v", a, ok)
	}
	want := netip.MustParseAddr("2001:db8:0:100::")
	b := want.As16()
	a, ok = controlTarget(b[:], true)
	if !ok || a != want {
		t.Fatalf("v6 target = %v, %v", a, ok)
	}
	if _, ok := controlTarget([]byte{1, 2, 3}, false); ok {
		t.Fatal("short payload accepted")
	}
}

func newTestPipeline(t *testing.T, list string, queue int, wait time.Duration) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	p := NewPipeline(mustIndex(t, list, DefaultV4Bits, DefaultV6Bits), nil, queue, wait, time.Hour)
	if err := p.OpenWriter(dir, "packets.", 1000); err != nil {
		t.Fatal(err)
	}
	return p, dir
}

func startProcess(t *testing.T, p *Pipeline) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Process(ctx) }()
	return func() {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Errorf("Process returned %v", err)
		}
		if err := p.writer.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestPipelineDelaysAndSuppresses(t *testing.T) {
	const wait = 50 * time.Millisecond
	p, dir := newTestPipeline(t, "10.0.0.0\n10.0.0.1\n", 16, wait)
	stop := startProcess(t, p)

	start := time.Now()
	dark := data4(t, "10.0.0.0")
	p.Handle(dark, start)
	p.Handle(data4(t, "10.0.0.1"), start)
	// The control packet arrives inside the wait, so index 1 is suppressed.
	p.Handle(control4(t, "10.0.0.1"), start)

	captured := p.metrics.capturedTotal.WithLabelValues(geoip.Unknown)
	waitFor(t, "both packets processed", func() bool {
		return testutil.ToFloat64(captured)+testutil.ToFloat64(p.metrics.suppressedTotal) == 2
	})
	if elapsed := time.Since(start); elapsed < wait {
		t.Fatalf("packets processed after %v, before the %v wait", elapsed, wait)
	}
	stop()

	if got := testutil.ToFloat64(p.metrics.controlTotal); got != 1 {
		t.Fatalf("control packets = %v, want 1", got)
	}
	got := readPcap(t, filepath.Join(dir, "packets.0.pcap"))
	if diff := cmp.Diff([][]byte{dark}, got); diff != "" {
		t.Fatalf("captured frames (-want +got):\n%s", diff)
	}
}

func TestPipelineKeepsArrivalOrder(t *testing.T) {
	p, dir := newTestPipeline(t, "10.0.0.0\n10.0.0.1\n10.0.0.2\n", 16, 10*time.Millisecond)
	var want [][]byte
	now := time.Now()
	for i, dst := range []string{"10.0.0.2", "10.0.0.0", "10.0.0.1", "10.0.0.0"} {
		f := data4(t, dst)
		want = append(want, f)
		p.Handle(f, now.Add(time.Duration(i)*time.Millisecond))
	}
	stop := startProcess(t, p)
	captured := p.metrics.capturedTotal.WithLabelValues(geoip.Unknown)
	waitFor(t, "all packets captured", func() bool { return testutil.ToFloat64(captured) == 4 })
	stop()

	if diff := cmp.Diff(want, readPcap(t, filepath.Join(dir, "packets.0.pcap"))); diff != "" {
		t.Fatalf("captured frames (-want +got):\n%s", diff)
	}
}

func TestPipelineHoldExpiryReenablesCapture(t *testing.T) {
	p, dir := newTestPipeline(t, "10.0.0.0\n", 16, 0)
	t0 := time.Now().Add(-3 * time.Hour)
	p.Handle(control4(t, "10.0.0.0"), t0)
	if !p.state.Active(0) {
		t.Fatal("control packet did not activate index")
	}
	f := data4(t, "10.0.0.0")
	p.Handle(f, t0.Add(2*time.Hour))
	if p.state.Active(0) {
		t.Fatal("index still active past the hold time")
	}
	stop := startProcess(t, p)
	captured := p.metrics.capturedTotal.WithLabelValues(geoip.Unknown)
	waitFor(t, "packet captured", func() bool { return testutil.ToFloat64(captured) == 1 })
	stop()

	if got := testutil.ToFloat64(p.metrics.expiredTotal); got != 1 {
		t.Fatalf("expired = %v, want 1", got)
	}
	if diff := cmp.Diff([][]byte{f}, readPcap(t, filepath.Join(dir, "packets.0.pcap"))); diff != "" {
		t.Fatalf("captured frames (-want +got):\n%s", diff)
	}
}

func TestHandleDrops(t *testing.T) {
	p, _ := newTestPipeline(t, "10.0.0.0\n2001:db8::\n", 1, time.Second)
	defer p.writer.Close()

	p.Handle(data4(t, "10.9.9.9"), time.Now())
	p.Handle(data4(t, "10.0.0.0"), time.Now())
	p.Handle(frame6(t, "2001:db8:ffff::1", "2001:db8::77", layers.IPProtocolUDP, []byte("x")), time.Now())
	p.Handle([]byte{0x01, 0x02}, time.Now())
	// Unmonitored control targets change nothing.
	p.Handle(control4(t, "10.9.9.9"), time.Now())

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"frames", testutil.ToFloat64(p.metrics.framesTotal), 5},
		{"unmonitored", testutil.ToFloat64(p.metrics.unmonitoredTotal), 1},
		{"queue full", testutil.ToFloat64(p.metrics.queueFullTotal), 1},
		{"malformed", testutil.ToFloat64(p.metrics.malformedTotal), 1},
		{"control", testutil.ToFloat64(p.metrics.controlTotal), 0},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if len(p.queue) != 1 {
		t.Fatalf("queue length = %d, want 1", len(p.queue))
	}
}

func TestIPv6ControlSuppressesBlock(t *testing.T) {
	p, _ := newTestPipeline(t, "2001:db8::\n2001:db8:0:100::\n", 4, time.Second)
	defer p.writer.Close()

	target := netip.MustParseAddr("2001:db8:0:100::")
	b := target.As16()
	p.Handle(frame6(t, "2001:db8:ffff::1", "2001:db8:ffff::2", layers.IPProtocol(types.CtlIPProto), b[:]), time.Now())
	if !p.state.Active(1) || p.state.Active(0) {
		t.Fatal("control packet marked the wrong block")
	}
}

func TestWriterRotates(t *testing.T) {
	dir := t.TempDir()
	var closed []FileRecord
	w, err := NewWriter(dir, "packets.", 3, func(r FileRecord) { closed = append(closed, r) })
	if err != nil {
		t.Fatal(err)
	}
	t0 := time.Unix(1_700_000_000, 0)
	rotations := 0
	for i := 0; i < 7; i++ {
		rotated, err := w.WritePacket(t0.Add(time.Duration(i)*time.Second), []byte{byte(i), 0xaa})
		if err != nil {
			t.Fatal(err)
		}
		if rotated {
			rotations++
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if rotations != 2 {
		t.Fatalf("rotations = %d, want 2", rotations)
	}

	for seq, n := range []int{3, 3, 1} {
		path := filepath.Join(dir, fmt.Sprintf("packets.%d.pcap", seq))
		if got := len(readPcap(t, path)); got != n {
			t.Errorf("%s: %d packets, want %d", path, got, n)
		}
	}
	if len(closed) != 3 {
		t.Fatalf("close hook called %d times, want 3", len(closed))
	}
	if closed[1].Seq != 1 || closed[1].Packets != 3 || !closed[1].First.Equal(t0.Add(3*time.Second)) {
		t.Fatalf("second record = %+v", closed[1])
	}
	if _, err := w.WritePacket(t0, []byte{1}); err == nil {
		t.Fatal("write after Close succeeded")
	}
}

func TestCatalog(t *testing.T) {
	c, err := OpenCatalog(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	t0 := time.Unix(1_700_000_000, 0)
	want := []FileRecord{
		{Path: "/cap/packets.0.pcap", Seq: 0, Packets: 1000, First: t0, Last: t0.Add(time.Minute), Closed: t0.Add(time.Minute)},
		{Path: "/cap/packets.1.pcap", Seq: 1, Packets: 12, First: t0.Add(2 * time.Minute), Last: t0.Add(3 * time.Minute), Closed: t0.Add(4 * time.Minute)},
	}
	for i := len(want) - 1; i >= 0; i-- {
		if err := c.Record(want[i]); err != nil {
			t.Fatal(err)
		}
	}
	got, err := c.Files()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Files (-want +got):\n%s", diff)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Interface:    "eth0",
		AddrListPath: "addrs.txt",
		MaxPackets:   1000,
		Wait:         time.Second,
		Hold:         time.Hour,
		QueueSize:    1024,
	}
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no interface", func(c *Config) { c.Interface = "" }, true},
		{"no list", func(c *Config) { c.AddrListPath = "" }, true},
		{"zero max packets", func(c *Config) { c.MaxPackets = 0 }, true},
		{"zero hold", func(c *Config) { c.Hold = 0 }, true},
		{"zero wait", func(c *Config) { c.Wait = 0 }, false},
		{"zero queue", func(c *Config) { c.QueueSize = 0 }, true},
		{"listen without path", func(c *Config) { c.ListenAddress = ":9101" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBlockBitsFromManifest(t *testing.T) {
	s, _ := layout.Preset("ipv6-x8")
	res, err := prefix.Layout([]netip.Prefix{netip.MustParsePrefix("2001:db8::/46")}, s)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := prefix.WriteManifest(path, res); err != nil {
		t.Fatal(err)
	}
	v4, v6, err := blockBits(path)
	if err != nil {
		t.Fatal(err)
	}
	if v4 != DefaultV4Bits || v6 != s.AddrBits {
		t.Fatalf("blockBits = %d, %d; want %d, %d", v4, v6, DefaultV4Bits, s.AddrBits)
	}
}
