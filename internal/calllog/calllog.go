// Package calllog keeps a durable, append-only audit trail of RPC calls
// made by a Client session, using pure-Go SQLite (no cgo). It exists to
// make invariants like "exactly one response per id" and "no response
// before its notifications" debuggable after the fact. ExportAndRotate
// moves a session's rows into a compressed NDJSON segment on demand; the
// package does not rotate on its own.
package calllog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite-backed call log.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the call-audit database at dbPath.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("calllog: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("calllog: open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("calllog: set WAL mode: %w", err)
	}

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("calllog: migrate: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			call_id     INTEGER NOT NULL,
			method      TEXT NOT NULL,
			started_at  TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			outcome     TEXT NOT NULL,
			detail      TEXT NOT NULL DEFAULT ''
		)`)
	return err
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Record is one audited RPC call.
type Record struct {
	SessionID  string
	CallID     uint64
	Method     string
	StartedAt  time.Time
	DurationMs int64
	Outcome    string // "ok", "rpc_error", "timeout", "client_error"
	Detail     string
}

// Insert appends one call record.
func (d *DB) Insert(r Record) error {
	_, err := d.db.Exec(
		`INSERT INTO calls (session_id, call_id, method, started_at, duration_ms, outcome, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.CallID, r.Method, r.StartedAt.UTC().Format(time.RFC3339Nano), r.DurationMs, r.Outcome, r.Detail,
	)
	if err != nil {
		return fmt.Errorf("calllog: insert: %w", err)
	}
	return nil
}

// CountForSession returns how many calls have been recorded for sessionID,
// used by the caller to decide when to rotate.
func (d *DB) CountForSession(sessionID string) (int, error) {
	var n int
	err := d.db.QueryRow(`SELECT COUNT(*) FROM calls WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("calllog: count: %w", err)
	}
	return n, nil
}

// ExportAndRotate writes every call for sessionID as zstd-compressed NDJSON
// to outPath, then deletes those rows from the live table. Mirrors the
// rotate-at-threshold pattern used for per-instance log files, just applied
// to structured call records instead of raw log lines.
func (d *DB) ExportAndRotate(sessionID, outPath string) (exported int, err error) {
	rows, err := d.db.Query(
		`SELECT call_id, method, started_at, duration_ms, outcome, detail
		 FROM calls WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("calllog: query for export: %w", err)
	}
	defer rows.Close()

	if err := os.MkdirAll(filepath.Dir(outPath), 0700); err != nil {
		return 0, fmt.Errorf("calllog: create export directory: %w", err)
	}
	f, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("calllog: create export file: %w", err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return 0, fmt.Errorf("calllog: create zstd writer: %w", err)
	}
	defer zw.Close()

	type exportRecord struct {
		SessionID  string `json:"session_id"`
		CallID     uint64 `json:"call_id"`
		Method     string `json:"method"`
		StartedAt  string `json:"started_at"`
		DurationMs int64  `json:"duration_ms"`
		Outcome    string `json:"outcome"`
		Detail     string `json:"detail"`
	}

	for rows.Next() {
		rec := exportRecord{SessionID: sessionID}
		if err := rows.Scan(&rec.CallID, &rec.Method, &rec.StartedAt, &rec.DurationMs, &rec.Outcome, &rec.Detail); err != nil {
			return exported, fmt.Errorf("calllog: scan export row: %w", err)
		}
		line, err := json.Marshal(rec)
		if err != nil {
			return exported, fmt.Errorf("calllog: marshal export row: %w", err)
		}
		line = append(line, '\n')
		if _, err := zw.Write(line); err != nil {
			return exported, fmt.Errorf("calllog: write export row: %w", err)
		}
		exported++
	}
	if err := rows.Err(); err != nil {
		return exported, fmt.Errorf("calllog: iterate export rows: %w", err)
	}
	if err := zw.Close(); err != nil {
		return exported, fmt.Errorf("calllog: close zstd writer: %w", err)
	}

	if _, err := d.db.Exec(`DELETE FROM calls WHERE session_id = ?`, sessionID); err != nil {
		return exported, fmt.Errorf("calllog: delete rotated rows: %w", err)
	}
	return exported, nil
}
