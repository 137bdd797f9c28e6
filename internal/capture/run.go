// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/darkmon-ebpf/internal/geoip"
	"github.com/darkmon-ebpf/internal/layout"
	"github.com/darkmon-ebpf/internal/prefix"
	"github.com/mdlayher/packet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"
)

// blockBits returns the block widths the address list was written with.
func blockBits(manifestPath string) (v4, v6 uint8, err error) {
	v4, v6 = DefaultV4Bits, DefaultV6Bits
	if manifestPath == "" {
		return v4, v6, nil
	}
	m, err := prefix.ReadManifest(manifestPath)
	if err != nil {
		return 0, 0, err
	}
	switch m.Scheme.Family {
	case layout.FamilyV4:
		v4 = m.Scheme.AddrBits
	case layout.FamilyV6:
		v6 = m.Scheme.AddrBits
	}
	slog.Debug("block widths from manifest", "path", manifestPath, "scheme", m.Scheme.Name, "v4", v4, "v6", v6)
	return v4, v6, nil
}

func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	v4Bits, v6Bits, err := blockBits(cfg.ManifestPath)
	if err != nil {
		return err
	}
	ix, err := LoadIndexFile(cfg.AddrListPath, v4Bits, v6Bits)
	if err != nil {
		return err
	}

	var geo *geoip.Lookup
	if cfg.GeoIPDB != "" {
		geo, err = geoip.Open(cfg.GeoIPDB, cfg.GeoIPCacheSize)
		if err != nil {
			return fmt.Errorf("geoip: %w", err)
		}
		defer geo.Close()
	}

	p := NewPipeline(ix, geo, cfg.QueueSize, cfg.Wait, cfg.Hold)
	if cfg.CatalogPath != "" {
		cat, err := OpenCatalog(cfg.CatalogPath)
		if err != nil {
			return err
		}
		defer cat.Close()
		p.catalog = cat
	}
	if err := p.OpenWriter(cfg.OutputDir, cfg.FilePrefix, cfg.MaxPackets); err != nil {
		return err
	}
	defer func() {
		if err := p.writer.Close(); err != nil {
			slog.Error("closing capture file", "err", err)
		}
	}()
	p.metrics.register(prometheus.DefaultRegisterer)

	if cfg.ListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
		srv := &http.Server{Addr: cfg.ListenAddress, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("http server", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	ifi, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return fmt.Errorf("interface %s: %w", cfg.Interface, err)
	}
	conn, err := packet.Listen(ifi, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return fmt.Errorf("open packet socket on %s: %w", cfg.Interface, err)
	}
	defer conn.Close()
	if err := conn.SetPromiscuous(true); err != nil {
		slog.Warn("promiscuous mode not enabled", "interface", cfg.Interface, "err", err)
	}
	slog.Info("capture started", "interface", cfg.Interface, "indices", ix.Len(), "wait", cfg.Wait,
		"hold", cfg.Hold, "output_dir", cfg.OutputDir)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)
	go func() { errc <- p.Receive(ctx, conn) }()
	go func() { errc <- p.Process(ctx) }()

	err = <-errc
	cancel()
	if err2 := <-errc; err == nil || errors.Is(err, context.Canceled) {
		err = err2
	}
	if errors.Is(err, context.Canceled) {
		slog.Info("capture stopped")
		return nil
	}
	return err
}
