// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/darkmon-ebpf/bpf"
	"github.com/darkmon-ebpf/internal/dataplane"
	"github.com/darkmon-ebpf/internal/layout"
	"github.com/darkmon-ebpf/internal/prefix"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// openDataplane sizes and opens the configured backend. Sizes left at zero
// follow the layout of the monitored prefixes.
func openDataplane(cfg Config, scheme layout.Scheme) (*dataplane.Dataplane, error) {
	prefixes, err := prefix.ParseFile(cfg.MonitoredPath)
	if err != nil {
		return nil, err
	}
	res, err := prefix.Layout(prefixes, scheme)
	if err != nil {
		return nil, err
	}
	regSize := cfg.RegisterSize
	if regSize == 0 {
		regSize = res.AddrCnt / scheme.Shards
	}
	meterSize := cfg.MeterSize
	if meterSize == 0 {
		meterSize = res.Buckets
	}
	slog.Debug("data plane sizing", "backend", cfg.Backend, "register_size", regSize, "meter_size", meterSize,
		"addr_cnt", res.AddrCnt)

	if cfg.Backend == BackendSim {
		sim, err := dataplane.NewSim(scheme, regSize, meterSize)
		if err != nil {
			return nil, err
		}
		return sim.Dataplane, nil
	}
	return dataplane.OpenEBPF(dataplane.EBPFConfig{
		Scheme:    scheme,
		Sizes:     bpf.Sizes{Register: regSize, Meter: meterSize, Monitored: uint32(len(prefixes))},
		PinPath:   cfg.PinPath,
		BatchSize: cfg.BatchSize,
	})
}

// simLinks accepts any port name; the simulated data plane has no links.
type simLinks struct{ next int }

func (l *simLinks) Index(string) (int, error) {
	l.next++
	return l.next, nil
}

func (l *simLinks) SetUp(string) error { return nil }

func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	scheme, _ := layout.Preset(cfg.Scheme)

	dp, err := openDataplane(cfg, scheme)
	if err != nil {
		slog.Error("open data plane failed", "backend", cfg.Backend, "err", err)
		return fmt.Errorf("open data plane: %w", err)
	}
	defer dp.Close()
	slog.Info("data plane opened", "backend", cfg.Backend, "scheme", scheme.Name, "shards", scheme.Shards)

	var links dataplane.Links = dataplane.Netlink{}
	if cfg.Backend == BackendSim {
		links = &simLinks{}
	}
	c, res, err := Setup(ctx, cfg, dp, links)
	if err != nil {
		slog.Error("setup failed", "err", err)
		return fmt.Errorf("setup: %w", err)
	}
	c.metrics.register(prometheus.DefaultRegisterer)
	slog.Info("setup complete", "prefixes", len(res.Entries), "addr_cnt", res.AddrCnt, "buckets", res.Buckets)

	if cfg.GRPCAddress != "" {
		c.health = newHealth()
		go func() {
			if err := serveHealth(ctx, cfg.GRPCAddress, c.health); err != nil {
				slog.Error("gRPC health server", "err", err)
			}
		}()
	}

	if cfg.ListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{EnableOpenMetrics: true},
		))
		srv := &http.Server{Addr: cfg.ListenAddress, Handler: mux}
		slog.Debug("HTTP server starting", "listen", cfg.ListenAddress, "metrics_path", cfg.MetricsPath)
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

	err = c.Loop(ctx)
	if errors.Is(err, context.Canceled) {
		slog.Info("control loop stopped")
		return nil
	}
	return err
}
