// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package dataplane

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/darkmon-ebpf/internal/types"
	"github.com/vishvananda/netlink"
)

// Links is the subset of link management used to bring ports up.
type Links interface {
	Index(name string) (int, error)
	SetUp(name string) error
}

// Netlink manages links through rtnetlink.
type Netlink struct{}

func (Netlink) Index(name string) (int, error) {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("link %s: %w", name, err)
	}
	return l.Attrs().Index, nil
}

func (Netlink) SetUp(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("link %s: %w", name, err)
	}
	if l.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	if err := netlink.LinkSetUp(l); err != nil {
		return fmt.Errorf("set %s up: %w", name, err)
	}
	slog.Info("port enabled", "iface", name)
	return nil
}

// SplitPorts parses a comma-separated interface list, dropping blanks and
// duplicates.
func SplitPorts(s string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, name := range strings.Split(s, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out
}

// EnablePorts brings every port up and programs its direction. A name in
// both lists is an error.
func EnablePorts(links Links, table PortTable, incoming, outgoing []string) error {
	dirs := make(map[string]uint8, len(incoming)+len(outgoing))
	for _, n := range incoming {
		dirs[n] = types.DirIncoming
	}
	for _, n := range outgoing {
		if _, ok := dirs[n]; ok {
			return fmt.Errorf("port %s listed as incoming and outgoing", n)
		}
		dirs[n] = types.DirOutgoing
	}
	program := func(names []string) error {
		for _, name := range names {
			if err := links.SetUp(name); err != nil {
				return err
			}
			idx, err := links.Index(name)
			if err != nil {
				return err
			}
			if err := table.SetPort(uint32(idx), dirs[name]); err != nil {
				return fmt.Errorf("port %s: %w", name, err)
			}
			slog.Debug("port programmed", "iface", name, "index", idx, "direction", dirs[name])
		}
		return nil
	}
	if err := program(incoming); err != nil {
		return err
	}
	return program(outgoing)
}
