// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package controller

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/darkmon-ebpf/internal/dataplane"
	"github.com/darkmon-ebpf/internal/decay"
	"github.com/darkmon-ebpf/internal/meter"
	"github.com/darkmon-ebpf/internal/prefix"
	"github.com/darkmon-ebpf/internal/register"
	"github.com/darkmon-ebpf/internal/types"
)

// Setup prepares a data plane for the control loop: ports, monitored
// prefixes, companion files, meters and the initial register state.
func Setup(ctx context.Context, cfg Config, dp *dataplane.Dataplane, links dataplane.Links) (*Controller, *prefix.Result, error) {
	if err := dataplane.EnablePorts(links, dp.Ports, dataplane.SplitPorts(cfg.Incoming), dataplane.SplitPorts(cfg.Outgoing)); err != nil {
		return nil, nil, fmt.Errorf("ports: %w", err)
	}

	prefixes, err := prefix.ParseFile(cfg.MonitoredPath)
	if err != nil {
		return nil, nil, err
	}
	res, err := prefix.Populate(prefixes, dp.Scheme, dp.Monitored, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("populate monitored table: %w", err)
	}
	if cfg.AddrListPath != "" {
		if err := prefix.EnumerateFile(res, cfg.AddrListPath); err != nil {
			return nil, nil, err
		}
		slog.Info("address list written", "path", cfg.AddrListPath, "lines", res.AddrCnt)
	}
	if cfg.ManifestPath != "" {
		if err := prefix.WriteManifest(cfg.ManifestPath, res); err != nil {
			return nil, nil, err
		}
	}

	if res.Buckets > dp.MeterSize {
		return nil, nil, fmt.Errorf("%d meter buckets needed, dark_meter holds %d", res.Buckets, dp.MeterSize)
	}
	rates, err := meter.New(dp.Meters, res.Buckets, cfg.AvgPktRate, cfg.MaxPktRate)
	if err != nil {
		return nil, nil, err
	}
	if err := rates.Init(dp.GlobalMeter); err != nil {
		return nil, nil, err
	}

	engine, err := decay.New(dp.Scheme, res.AddrCnt, uint16(cfg.Alpha))
	if err != nil {
		return nil, nil, err
	}
	c, err := New(dp, engine, rates, cfg.Interval)
	if err != nil {
		return nil, nil, err
	}
	if err := c.resetRegisters(ctx); err != nil {
		return nil, nil, err
	}
	c.metrics.addrCount.Set(float64(res.AddrCnt))
	c.metrics.configInterval.Set(cfg.Interval.Seconds())
	c.metrics.configAlpha.Set(float64(cfg.Alpha))
	return c, res, nil
}

// resetRegisters clears every flag and sets every global bit to match the
// initial counters: active when alpha > 0, dark otherwise.
func (c *Controller) resetRegisters(ctx context.Context) error {
	per := c.engine.PerShard()
	all := make([]uint32, per)
	for i := range all {
		all[i] = uint32(i)
	}
	global := uint64(types.GlobalInactive)
	if c.engine.Alpha() > 0 {
		global = types.GlobalActive
	}
	write := func(regs []register.Register, v uint64) error {
		for _, r := range regs {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := r.WriteBatch(all, v); err != nil {
				return fmt.Errorf("initialise %s: %w", r.Name(), err)
			}
		}
		return nil
	}
	if err := write(c.dp.Flags, 0); err != nil {
		return err
	}
	if err := write(c.dp.Globals, global); err != nil {
		return err
	}
	slog.Info("registers initialised", "shards", len(c.dp.Flags), "per_shard", per, "global", global)
	return nil
}
