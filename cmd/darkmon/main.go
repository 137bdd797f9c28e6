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

	"github.com/darkmon-ebpf/internal/controller"
	"github.com/darkmon-ebpf/internal/log"
)

var (
	scheme        = flag.String("scheme", "ipv4", "Address layout: ipv4, ipv6, ipv6-x8")
	backend       = flag.String("backend", controller.BackendEBPF, "Data plane backend: ebpf or sim")
	pinPath       = flag.String("pin-path", "/sys/fs/bpf/darkmon", "bpffs directory the data plane maps are pinned in ('' = do not pin)")
	monitored     = flag.String("monitored", "monitored.txt", "File with one monitored prefix per line")
	addrList      = flag.String("addr-list", "", "Write the address list read by darkcap to this path")
	manifest      = flag.String("manifest", "", "Write the layout manifest to this path")
	interval      = flag.Duration("interval", 100*time.Second, "Control cycle interval")
	alpha         = flag.Uint("alpha", 216, "Idle cycles before an index turns dark")
	registerSize  = flag.Uint("register-size", 0, "Indices per shard register (0 = sized to the monitored prefixes)")
	darkMeterSize = flag.Uint("dark-meter-size", 16384, "Entries in the dark meter table (0 = sized to the monitored prefixes)")
	avgPacketRate = flag.Uint64("avg-packet-rate", 343933, "Committed packet rate budget shared by dark buckets (pps)")
	maxPacketRate = flag.Uint64("max-packet-rate", 1174405, "Peak packet rate budget shared by dark buckets (pps)")
	batchSize     = flag.Int("batch-size", 4096, "Keys per batch map syscall (0 = one key per syscall)")
	incoming      = flag.String("incoming", "", "Comma-separated interfaces facing the monitored space")
	outgoing      = flag.String("outgoing", "", "Comma-separated interfaces facing upstream")
	logLevel      = flag.String("log-level", "info", "Log level: "+log.SupportedLevels)
	logFormat     = flag.String("log-format", "text", "Log format: "+log.SupportedFormats)
	listenAddress = flag.String("listen-address", "0.0.0.0:9100", "HTTP server listen address for /metrics ('' = disabled)")
	metricsPath   = flag.String("metrics-path", "/metrics", "HTTP path for Prometheus metrics")
	grpcAddress   = flag.String("grpc-address", "", "gRPC health service listen address ('' = disabled)")
)

func main() {
	flag.Parse()

	if err := log.Configure(*logLevel, *logFormat); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging flags: %v\n", err)
		os.Exit(1)
	}
	slog.Debug("logging configured", "level", *logLevel, "format", *logFormat)

	cfg := controller.Config{
		Scheme:        *scheme,
		Backend:       *backend,
		PinPath:       *pinPath,
		MonitoredPath: *monitored,
		AddrListPath:  *addrList,
		ManifestPath:  *manifest,
		Interval:      *interval,
		Alpha:         *alpha,
		RegisterSize:  uint32(*registerSize),
		MeterSize:     uint32(*darkMeterSize),
		AvgPktRate:    *avgPacketRate,
		MaxPktRate:    *maxPacketRate,
		BatchSize:     *batchSize,
		Incoming:      *incoming,
		Outgoing:      *outgoing,
		ListenAddress: *listenAddress,
		MetricsPath:   *metricsPath,
		GRPCAddress:   *grpcAddress,
	}

	slog.Info("starting darkmon",
		"scheme", cfg.Scheme,
		"backend", cfg.Backend,
		"monitored", cfg.MonitoredPath,
		"interval", cfg.Interval,
		"alpha", cfg.Alpha,
	)
	slog.Debug("config",
		"pin_path", cfg.PinPath,
		"register_size", cfg.RegisterSize,
		"dark_meter_size", cfg.MeterSize,
		"avg_packet_rate", cfg.AvgPktRate,
		"max_packet_rate", cfg.MaxPktRate,
		"listen", cfg.ListenAddress,
		"grpc", cfg.GRPCAddress,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := controller.Run(ctx, cfg); err != nil {
		slog.Error("controller run failed", "err", err)
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}
