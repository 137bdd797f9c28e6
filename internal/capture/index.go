// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

// Package capture implements darkcap, the delayed capture tool: packets
// towards monitored addresses are held for a short wait and written to pcap
// only if no control packet marked their index active in the meantime.
package capture

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"strings"
)

// Default block widths when no manifest is given.
const (
	DefaultV4Bits = 32
	DefaultV6Bits = 56
)

// Index maps destination addresses to global indices using the companion
// address list written by darkmon, where line n holds index n.
type Index struct {
	v4     map[uint32]uint32
	v6     map[uint64]uint32
	v4Bits uint8
	v6Bits uint8
	n      uint32
}

// LoadIndex reads an address list. v4Bits and v6Bits are the block widths
// the list was enumerated with.
func LoadIndex(r io.Reader, v4Bits, v6Bits uint8) (*Index, error) {
	if v4Bits == 0 || v4Bits > 32 || v6Bits == 0 || v6Bits > 64 {
		return nil, fmt.Errorf("invalid block widths v4=%d v6=%d", v4Bits, v6Bits)
	}
	ix := &Index{
		v4:     make(map[uint32]uint32),
		v6:     make(map[uint64]uint32),
		v4Bits: v4Bits,
		v6Bits: v6Bits,
	}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("address list line %d: %w", line, err)
		}
		i := ix.n
		ix.n++
		if addr.Unmap().Is4() {
			k := ix.key4(addr.Unmap())
			if _, dup := ix.v4[k]; dup {
				slog.Warn("duplicate address in list", "line", line, "addr", s)
			}
			ix.v4[k] = i
			continue
		}
		k := ix.key6(addr)
		if _, dup := ix.v6[k]; dup {
			slog.Warn("duplicate address in list", "line", line, "addr", s)
		}
		ix.v6[k] = i
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read address list: %w", err)
	}
	return ix, nil
}

func LoadIndexFile(path string, v4Bits, v6Bits uint8) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open address list: %w", err)
	}
	defer f.Close()
	ix, err := LoadIndex(f, v4Bits, v6Bits)
	if err != nil {
		return nil, err
	}
	slog.Info("address list loaded", "path", path, "indices", ix.n, "v4", len(ix.v4), "v6", len(ix.v6))
	return ix, nil
}

func (ix *Index) key4(a netip.Addr) uint32 {
	b := a.As4()
	return binary.BigEndian.Uint32(b[:]) >> (32 - uint(ix.v4Bits))
}

func (ix *Index) key6(a netip.Addr) uint64 {
	b := a.As16()
	return binary.BigEndian.Uint64(b[:8]) >> (64 - uint(ix.v6Bits))
}

// Lookup returns the index of the block containing addr.
func (ix *Index) Lookup(addr netip.Addr) (uint32, bool) {
	addr = addr.Unmap()
	if addr.Is4() {
		i, ok := ix.v4[ix.key4(addr)]
		return i, ok
	}
	if !addr.Is6() {
		return 0, false
	}
	i, ok := ix.v6[ix.key6(addr)]
	return i, ok
}

// Len is the number of indices in the list.
func (ix *Index) Len() uint32 { return ix.n }
