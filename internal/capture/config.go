// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package capture

import (
	"errors"
	"fmt"
	"time"
)

// Config holds darkcap settings.
type Config struct {
	Interface      string
	AddrListPath   string
	ManifestPath   string
	OutputDir      string
	FilePrefix     string
	MaxPackets     int
	Wait           time.Duration
	Hold           time.Duration
	QueueSize      int
	CatalogPath    string
	GeoIPDB        string
	GeoIPCacheSize int
	ListenAddress  string
	MetricsPath    string
}

func (c Config) Validate() error {
	var errs []error
	if c.Interface == "" {
		errs = append(errs, errors.New("interface is required"))
	}
	if c.AddrListPath == "" {
		errs = append(errs, errors.New("address list path is required"))
	}
	if c.MaxPackets <= 0 {
		errs = append(errs, fmt.Errorf("max packets per file must be > 0, got %d", c.MaxPackets))
	}
	if c.Wait < 0 {
		errs = append(errs, fmt.Errorf("wait must be >= 0, got %v", c.Wait))
	}
	if c.Hold <= 0 {
		errs = append(errs, fmt.Errorf("hold must be > 0, got %v", c.Hold))
	}
	if c.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size must be > 0, got %d", c.QueueSize))
	}
	if c.ListenAddress != "" && c.MetricsPath == "" {
		errs = append(errs, errors.New("metrics path is required with a listen address"))
	}
	return errors.Join(errs...)
}
