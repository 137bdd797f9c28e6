// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 Darkmon Contributors

package capture

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const catalogSchema = `
CREATE TABLE IF NOT EXISTS capture_files (
	seq       INTEGER NOT NULL,
	path      TEXT    NOT NULL,
	packets   INTEGER NOT NULL,
	first_ns  INTEGER NOT NULL,
	last_ns   INTEGER NOT NULL,
	closed_ns INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_capture_files_first ON capture_files(first_ns);`

// Catalog records completed capture files in a sqlite database.
type Catalog struct {
	db *sql.DB
}

func OpenCatalog(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if _, err := db.Exec(catalogSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create catalog schema: %w", err)
	}
	slog.Info("capture catalog opened", "path", path)
	return &Catalog{db: db}, nil
}

func (c *Catalog) Record(r FileRecord) error {
	_, err := c.db.Exec(
		`INSERT INTO capture_files (seq, path, packets, first_ns, last_ns, closed_ns) VALUES (?, ?, ?, ?, ?, ?)`,
		r.Seq, r.Path, r.Packets, r.First.UnixNano(), r.Last.UnixNano(), r.Closed.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record %s: %w", r.Path, err)
	}
	return nil
}

// Files returns every recorded file in capture order.
func (c *Catalog) Files() ([]FileRecord, error) {
	rows, err := c.db.Query(`SELECT seq, path, packets, first_ns, last_ns, closed_ns FROM capture_files ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	defer rows.Close()
	var out []FileRecord
	for rows.Next() {
		var r FileRecord
		var first, last, closed int64
		if err := rows.Scan(&r.Seq, &r.Path, &r.Packets, &first, &last, &closed); err != nil {
			return nil, fmt.Errorf("scan catalog row: %w", err)
		}
		r.First = time.Unix(0, first)
		r.Last = time.Unix(0, last)
		r.Closed = time.Unix(0, closed)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (c *Catalog) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}
