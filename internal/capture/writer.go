// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package capture

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snapLen = 65536

// FileRecord describes a closed capture file.
type FileRecord struct {
	Path    string
	Seq     int
	Packets int
	First   time.Time
	Last    time.Time
	Closed  time.Time
}

// Writer appends packets to pcap files named <dir>/<prefix><n>.pcap and
// starts a new file every maxPackets packets.
type Writer struct {
	dir        string
	prefix     string
	maxPackets int
	onClose    func(FileRecord)

	seq int
	f   *os.File
	bw  *bufio.Writer
	pw  *pcapgo.Writer
	cur FileRecord
}

// NewWriter opens the first capture file. onClose, if set, is called for
// every file once it is complete.
func NewWriter(dir, prefix string, maxPackets int, onClose func(FileRecord)) (*Writer, error) {
	if maxPackets <= 0 {
		return nil, fmt.Errorf("max packets per file must be > 0, got %d", maxPackets)
	}
	w := &Writer{dir: dir, prefix: prefix, maxPackets: maxPackets, onClose: onClose}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) path(seq int) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s%d.pcap", w.prefix, seq))
}

func (w *Writer) open() error {
	p := w.path(w.seq)
	f, err := os.Create(p)
	if err != nil {
		return fmt.Errorf("create capture file: %w", err)
	}
	bw := bufio.NewWriterSize(f, 1<<16)
	pw := pcapgo.NewWriter(bw)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return fmt.Errorf("write pcap header %s: %w", p, err)
	}
	w.f, w.bw, w.pw = f, bw, pw
	w.cur = FileRecord{Path: p, Seq: w.seq}
	slog.Debug("capture file opened", "path", p)
	return nil
}

func (w *Writer) finish(now time.Time) error {
	if w.f == nil {
		return nil
	}
	err := w.bw.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.f = nil
	if err != nil {
		return fmt.Errorf("close capture file %s: %w", w.cur.Path, err)
	}
	w.cur.Closed = now
	slog.Info("capture file closed", "path", w.cur.Path, "packets", w.cur.Packets)
	if w.onClose != nil {
		w.onClose(w.cur)
	}
	return nil
}

// WritePacket appends one frame and reports whether the file rotated.
func (w *Writer) WritePacket(ts time.Time, data []byte) (bool, error) {
	if w.f == nil {
		return false, fmt.Errorf("capture writer closed")
	}
	ci := gopacket.CaptureInfo{Timestamp: ts, Length: len(data)}
	if len(data) > snapLen {
		data = data[:snapLen]
	}
	ci.CaptureLength = len(data)
	if err := w.pw.WritePacket(ci, data); err != nil {
		return false, fmt.Errorf("write packet to %s: %w", w.cur.Path, err)
	}
	if w.cur.Packets == 0 {
		w.cur.First = ts
	}
	w.cur.Last = ts
	w.cur.Packets++
	if w.cur.Packets < w.maxPackets {
		return false, nil
	}
	if err := w.finish(ts); err != nil {
		return false, err
	}
	w.seq++
	return true, w.open()
}

// Close finishes the current file.
func (w *Writer) Close() error {
	return w.finish(time.Now())
}
