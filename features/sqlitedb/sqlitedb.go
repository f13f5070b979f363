// Package sqlitedb opens SQLite databases with the settings the durable
// stores rely on: WAL journaling so readers proceed alongside the writer, a
// busy timeout to absorb transient lock contention, and a single-connection
// write side so appends serialize without SQLITE_BUSY errors.
package sqlitedb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// defaultReaderConns bounds the read-only pool. WAL mode allows many
	// readers alongside the single writer.
	defaultReaderConns = 4
)

// Pool pairs the single write connection with a read-only connection pool.
//
// The writer uses MaxOpenConns(1): SQLite allows one writer at a time, and a
// single Go connection turns write contention into queueing instead of
// SQLITE_BUSY. Readers run on separate read-only connections that observe
// consistent WAL snapshots.
type Pool struct {
	writer *sql.DB
	reader *sql.DB
}

// Open opens path for reading and writing and returns the connection pool.
// The parent directory and the database file are created when missing.
func Open(path string) (*Pool, error) {
	w, err := OpenWriter(path)
	if err != nil {
		return nil, err
	}
	r, err := OpenReader(path)
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	return &Pool{writer: w, reader: r}, nil
}

// NewPool builds a Pool from existing connections. Reader and writer may be
// the same *sql.DB; Close then closes it once.
func NewPool(writer, reader *sql.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the connection used for INSERT, UPDATE, DELETE and
// transactions.
func (p *Pool) Writer() *sql.DB { return p.writer }

// Reader returns the read-only connection pool used for SELECT queries.
func (p *Pool) Reader() *sql.DB { return p.reader }

// Close closes both sides of the pool.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}

// OpenWriter opens a single-connection writable database at path.
func OpenWriter(path string) (*sql.DB, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	if err := ensureDir(normalized); err != nil {
		return nil, fmt.Errorf("prepare database path: %w", err)
	}
	// sql.Open is lazy; create the file up front so a read-only pool can
	// open it before the first write.
	if err := ensureFile(normalized); err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?mode=rwc&cache=shared&_foreign_keys=on&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// OpenReader opens a read-only connection pool over path. Journal mode and
// synchronous level are database-wide and set by the writer.
func OpenReader(path string) (*sql.DB, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf(
		"file:%s?mode=ro&cache=shared&_foreign_keys=on&_busy_timeout=%d",
		normalized,
		int(defaultBusyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open read-only database: %w", err)
	}
	db.SetMaxOpenConns(defaultReaderConns)
	db.SetMaxIdleConns(defaultReaderConns)
	return db, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func ensureFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("database path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}
