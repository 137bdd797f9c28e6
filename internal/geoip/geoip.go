// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

// Package geoip resolves source countries of captured packets.
package geoip

import (
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/oschwald/geoip2-golang"
)

const (
	defaultCacheSize = 65536
	Unknown          = "UNKNOWN"
)

type countryDB interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Lookup provides GeoIP country lookup with LRU cache.
// Uses MaxMind GeoLite2-Country; unknown/private addresses map to Unknown.
// A nil *Lookup is valid and answers Unknown.
type Lookup struct {
	mu    sync.RWMutex
	db    countryDB
	cache *lruCache[netip.Addr, string]
}

// Open opens the MaxMind database at path.
// If cacheSize <= 0, defaultCacheSize (65536) is used.
func Open(path string, cacheSize int) (*Lookup, error) {
	slog.Debug("opening GeoIP database", "path", path, "cache_size", cacheSize)
	db, err := geoip2.Open(path)
	if err != nil {
		slog.Error("GeoIP database open failed", "path", path, "err", err)
		return nil, err
	}
	slog.Info("GeoIP database opened", "path", path)
	return newLookup(db, cacheSize), nil
}

func newLookup(db countryDB, cacheSize int) *Lookup {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	return &Lookup{db: db, cache: newLRUCache[netip.Addr, string](cacheSize)}
}

func (l *Lookup) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	if err != nil {
		slog.Error("GeoIP database close failed", "err", err)
		return err
	}
	slog.Info("GeoIP database closed")
	return nil
}

// Country returns the ISO country code of addr.
func (l *Lookup) Country(addr netip.Addr) string {
	if l == nil || !addr.IsValid() {
		return Unknown
	}
	addr = addr.Unmap()
	if cc, ok := l.cache.get(addr); ok {
		return cc
	}
	l.mu.RLock()
	db := l.db
	l.mu.RUnlock()
	if db == nil {
		slog.Warn("GeoIP lookup: database closed", "ip", addr)
		return Unknown
	}
	record, err := db.Country(net.IP(addr.AsSlice()))
	if err != nil {
		slog.Warn("GeoIP country lookup failed", "ip", addr, "err", err)
		l.cache.put(addr, Unknown)
		return Unknown
	}
	cc := Unknown
	if record.Country.IsoCode != "" {
		cc = record.Country.IsoCode
	}
	l.cache.put(addr, cc)
	return cc
}
