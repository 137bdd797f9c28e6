// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package controller

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/darkmon-ebpf/internal/layout"
)

const (
	BackendEBPF = "ebpf"
	BackendSim  = "sim"
)

// Config is read-only after Run() is called and safe for concurrent reads.
type Config struct {
	Scheme  string
	Backend string
	PinPath string

	MonitoredPath string
	AddrListPath  string // companion address list ("" = do not write)
	ManifestPath  string // layout manifest ("" = do not write)

	Interval     time.Duration
	Alpha        uint
	RegisterSize uint32 // indices per shard register (0 = exactly addr_cnt/shards)
	MeterSize    uint32 // dark_meter entries (0 = exactly the buckets in use)
	AvgPktRate   uint64
	MaxPktRate   uint64
	BatchSize    int

	Incoming string // comma-separated interface names
	Outgoing string

	ListenAddress string
	MetricsPath   string
	GRPCAddress   string // "" disables the health service
}

func (c Config) Validate() error {
	var errs []error
	if _, err := layout.Preset(c.Scheme); err != nil {
		errs = append(errs, err)
	}
	switch c.Backend {
	case BackendEBPF, BackendSim:
	default:
		errs = append(errs, fmt.Errorf("--backend must be %s or %s, got %q", BackendEBPF, BackendSim, c.Backend))
	}
	if c.MonitoredPath == "" {
		errs = append(errs, errors.New("--monitored is required"))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("--interval must be > 0, got %v", c.Interval))
	}
	if c.Alpha >= math.MaxUint16 {
		errs = append(errs, fmt.Errorf("--alpha must be < %d, got %d", math.MaxUint16, c.Alpha))
	}
	if c.AvgPktRate == 0 || c.MaxPktRate == 0 {
		errs = append(errs, errors.New("--avg-packet-rate and --max-packet-rate must be > 0"))
	} else if c.AvgPktRate > c.MaxPktRate {
		errs = append(errs, fmt.Errorf("--avg-packet-rate %d exceeds --max-packet-rate %d", c.AvgPktRate, c.MaxPktRate))
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("--batch-size must be >= 0, got %d", c.BatchSize))
	}
	if c.ListenAddress != "" && c.MetricsPath == "" {
		errs = append(errs, errors.New("--metrics-path is required with --listen-address"))
	}
	return errors.Join(errs...)
}
