// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/darkmon-ebpf/internal/capture"
	"github.com/darkmon-ebpf/internal/log"
)

var (
	iface          = flag.String("interface", "", "Interface to capture on")
	addrList       = flag.String("addr-list", "", "Address list written by darkmon --addr-list")
	manifest       = flag.String("manifest", "", "Layout manifest written by darkmon --manifest (sets the block width)")
	outputDir      = flag.String("output-dir", ".", "Directory for capture files")
	filePrefix     = flag.String("file-prefix", "packets.", "Capture file name prefix")
	maxPackets     = flag.Int("max-packets", 1000, "Packets per capture file before rotating")
	wait           = flag.Duration("wait", time.Second, "Delay before a packet is written")
	hold           = flag.Duration("hold", time.Hour, "Time an index stays active after a control packet")
	queueSize      = flag.Int("queue-size", 1<<20, "Packets buffered in the delay queue")
	catalog        = flag.String("catalog", "", "sqlite database recording completed capture files ('' = disabled)")
	geoipDB        = flag.String("geoip-db", "", "Path to GeoLite2-Country.mmdb ('' = no country accounting)")
	geoipCacheSize = flag.Int("geoip-cache-size", 65536, "GeoIP LRU cache size")
	logLevel       = flag.String("log-level", "info", "Log level: "+log.SupportedLevels)
	logFormat      = flag.String("log-format", "text", "Log format: "+log.SupportedFormats)
	listenAddress  = flag.String("listen-address", "", "HTTP server listen address for /metrics ('' = disabled)")
	metricsPath    = flag.String("metrics-path", "/metrics", "HTTP path for Prometheus metrics")
)

func main() {
	flag.Parse()

	if err := log.Configure(*logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging flags: %v\n", err)
		os.Exit(1)
	}

	cfg := capture.Config{
		Interface:      *iface,
		AddrListPath:   *addrList,
		ManifestPath:   *manifest,
		OutputDir:      *outputDir,
		FilePrefix:     *filePrefix,
		MaxPackets:     *maxPackets,
		Wait:           *wait,
		Hold:           *hold,
		QueueSize:      *queueSize,
		CatalogPath:    *catalog,
		GeoIPDB:        *geoipDB,
		GeoIPCacheSize: *geoipCacheSize,
		ListenAddress:  *listenAddress,
		MetricsPath:    *metricsPath,
	}
	slog.Info("starting darkcap",
		"interface", cfg.Interface,
		"addr_list", cfg.AddrListPath,
		"output_dir", cfg.OutputDir,
		"wait", cfg.Wait,
		"hold", cfg.Hold,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := capture.Run(ctx, cfg); err != nil {
		slog.Error("capture run failed", "err", err)
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}
