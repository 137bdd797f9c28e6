// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package prefix

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net/netip"
	"os"
)

// BlockOffset returns the position of addr's AddrBits-long block inside a
// prefix of length bits.
func BlockOffset(addr netip.Addr, bits int, addrBits uint8) uint64 {
	width := uint(addrBits) - uint(bits)
	mask := uint64(1)<<width - 1
	if addr.Is4() {
		a := addr.As4()
		v := uint64(binary.BigEndian.Uint32(a[:]))
		return (v >> (32 - uint(addrBits))) & mask
	}
	a := addr.As16()
	hi := binary.BigEndian.Uint64(a[:8])
	return (hi >> (64 - uint(addrBits))) & mask
}

// blockAddr returns the first address of block i of prefix p.
func blockAddr(p netip.Prefix, i uint64, addrBits uint8) netip.Addr {
	if p.Addr().Is4() {
		a := p.Addr().As4()
		v := binary.BigEndian.Uint32(a[:]) + uint32(i<<(32-uint(addrBits)))
		binary.BigEndian.PutUint32(a[:], v)
		return netip.AddrFrom4(a)
	}
	a := p.Addr().As16()
	hi := binary.BigEndian.Uint64(a[:8]) + i<<(64-uint(addrBits))
	binary.BigEndian.PutUint64(a[:8], hi)
	return netip.AddrFrom16(a)
}

// Enumerate writes every address (IPv4) or block start (IPv6) covered by
// the layout, one per line, so that line n holds global index n.
func Enumerate(r *Result, w io.Writer) error {
	bw := bufio.NewWriterSize(w, 1<<16)
	for _, e := range r.Entries {
		n := uint64(e.Range) * uint64(r.Scheme.Shards)
		for i := uint64(0); i < n; i++ {
			if _, err := fmt.Fprintln(bw, blockAddr(e.Prefix, i, r.Scheme.AddrBits)); err != nil {
				return fmt.Errorf("write address list: %w", err)
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("write address list: %w", err)
	}
	return nil
}

// EnumerateFile writes the companion address list to path.
func EnumerateFile(r *Result, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create address list: %w", err)
	}
	if err := Enumerate(r, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
