// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/darkmon-ebpf/internal/geoip"
	"github.com/darkmon-ebpf/internal/types"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// item is a packet waiting for its capture deadline.
type item struct {
	data    []byte
	arrival time.Time
	index   uint32
	src     netip.Addr
}

// Pipeline pairs a receiver, which classifies frames and queues them, with a
// processor, which writes each queued frame once its wait has elapsed and
// its index is still inactive. Handle and Receive belong to one goroutine,
// Process to another.
type Pipeline struct {
	index   *Index
	state   *State
	queue   chan item
	wait    time.Duration
	hold    time.Duration
	writer  *Writer
	catalog *Catalog
	geo     *geoip.Lookup
	metrics *metrics
	now     func() time.Time

	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewPipeline returns a pipeline over ix. geo may be nil. The writer is
// attached separately since its close hook reports back to the pipeline.
func NewPipeline(ix *Index, geo *geoip.Lookup, queueSize int, wait, hold time.Duration) *Pipeline {
	p := &Pipeline{
		index:   ix,
		state:   NewState(ix.Len()),
		queue:   make(chan item, queueSize),
		wait:    wait,
		hold:    hold,
		geo:     geo,
		metrics: newMetrics(),
		now:     time.Now,
	}
	p.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &p.eth, &p.ip4, &p.ip6)
	p.parser.IgnoreUnsupported = true
	p.metrics.monitoredIndices.Set(float64(ix.Len()))
	p.metrics.configWaitSeconds.Set(wait.Seconds())
	p.metrics.configHoldSeconds.Set(hold.Seconds())
	return p
}

// controlTarget extracts the monitored address a control packet refers to.
// It sits in network byte order at the start of the IP payload, with the
// width of the carrying family.
func controlTarget(payload []byte, v6 bool) (netip.Addr, bool) {
	if v6 {
		if len(payload) < 16 {
			return netip.Addr{}, false
		}
		return netip.AddrFrom16([16]byte(payload[:16])), true
	}
	if len(payload) < 4 {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte(payload[:4])), true
}

// Handle classifies one Ethernet frame received at arrival. The frame is
// copied before it is queued.
func (p *Pipeline) Handle(frame []byte, arrival time.Time) {
	p.metrics.framesTotal.Inc()
	if err := p.parser.DecodeLayers(frame, &p.decoded); err != nil {
		p.metrics.malformedTotal.Inc()
		slog.Debug("frame decode failed", "err", err)
		return
	}

	var (
		src, dst netip.Addr
		proto    layers.IPProtocol
		payload  []byte
		v6       bool
		ok       bool
	)
	for _, lt := range p.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			src, _ = netip.AddrFromSlice(p.ip4.SrcIP.To4())
			dst, _ = netip.AddrFromSlice(p.ip4.DstIP.To4())
			proto, payload, ok = p.ip4.Protocol, p.ip4.Payload, true
		case layers.LayerTypeIPv6:
			src, _ = netip.AddrFromSlice(p.ip6.SrcIP.To16())
			dst, _ = netip.AddrFromSlice(p.ip6.DstIP.To16())
			proto, payload, v6, ok = p.ip6.NextHeader, p.ip6.Payload, true, true
		}
	}
	if !ok {
		return
	}

	if proto == layers.IPProtocol(types.CtlIPProto) {
		target, ok := controlTarget(payload, v6)
		if !ok {
			p.metrics.malformedTotal.Inc()
			return
		}
		i, ok := p.index.Lookup(target)
		if !ok {
			slog.Debug("control packet for unmonitored address", "target", target)
			return
		}
		p.state.MarkActive(i, arrival)
		p.metrics.controlTotal.Inc()
		return
	}

	i, ok := p.index.Lookup(dst)
	if !ok {
		p.metrics.unmonitoredTotal.Inc()
		return
	}
	if p.state.Expire(i, arrival, p.hold) {
		p.metrics.expiredTotal.Inc()
		slog.Debug("index hold expired", "index", i, "dst", dst)
	}
	it := item{data: append([]byte(nil), frame...), arrival: arrival, index: i, src: src}
	select {
	case p.queue <- it:
		p.metrics.queueDepth.Set(float64(len(p.queue)))
	default:
		p.metrics.queueFullTotal.Inc()
	}
}

// Receive reads frames from conn until ctx is cancelled or the read fails.
func (p *Pipeline) Receive(ctx context.Context, conn net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, snapLen)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read frame: %w", err)
		}
		p.Handle(buf[:n], p.now())
	}
}

// Process writes queued packets once their wait has elapsed. Queue order is
// arrival order, so deadlines are non-decreasing and only the head needs a
// timer.
func (p *Pipeline) Process(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		var it item
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it = <-p.queue:
		}
		p.metrics.queueDepth.Set(float64(len(p.queue)))

		if d := it.arrival.Add(p.wait).Sub(p.now()); d > 0 {
			timer.Reset(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		if p.state.Active(it.index) {
			p.metrics.suppressedTotal.Inc()
			continue
		}
		if _, err := p.writer.WritePacket(it.arrival, it.data); err != nil {
			return err
		}
		p.metrics.capturedTotal.WithLabelValues(p.geo.Country(it.src)).Inc()
	}
}

// OpenWriter attaches a rotating pcap writer to the processor.
func (p *Pipeline) OpenWriter(dir, prefix string, maxPackets int) error {
	w, err := NewWriter(dir, prefix, maxPackets, p.fileClosed)
	if err != nil {
		return err
	}
	p.writer = w
	return nil
}

// fileClosed is the writer's close hook.
func (p *Pipeline) fileClosed(r FileRecord) {
	p.metrics.filesTotal.Inc()
	if p.catalog == nil {
		return
	}
	if err := p.catalog.Record(r); err != nil {
		slog.Error("catalog record failed", "path", r.Path, "err", err)
	}
}
