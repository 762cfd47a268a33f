// Package storage is the SQLite driver behind the engine: one database file
// per named database, a YAML manifest for listing without opening files, and
// the catalog/record/index-entry operations the engine layers transactions
// over. It knows nothing about transactions, events, or key semantics beyond
// "BLOB keys are ordered by memcmp".
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"
)

//go:embed schema.sql
var schemaSQL string

const manifestFile = "databases.yaml"

// ErrNotFound reports a missing database, store, or index.
var ErrNotFound = errors.New("not found")

// Driver owns a directory of database files plus the manifest that lists
// them. All access to one Driver must be externally serialised at the
// transaction level; the Driver itself only guards its handle table.
type Driver struct {
	dir string

	mu   sync.Mutex
	dbs  map[string]*DB
	meta manifest
}

// DB is an open handle to one database file.
type DB struct {
	Name string
	path string
	sql  *sql.DB
}

// NameVersion is one manifest entry, as reported by ListDatabases.
type NameVersion struct {
	Name    string
	Version uint64
}

type manifest struct {
	Databases []manifestEntry `yaml:"databases"`
}

type manifestEntry struct {
	Name    string `yaml:"name"`
	File    string `yaml:"file"`
	Version uint64 `yaml:"version"`
}

// Open creates or opens a storage directory.
func Open(dir string) (*Driver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	d := &Driver{dir: dir, dbs: make(map[string]*DB)}
	if err := d.loadManifest(); err != nil {
		return nil, err
	}
	slog.Debug("storage opened", "dir", dir, "databases", len(d.meta.Databases))
	return d, nil
}

// Close closes every open database handle.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for name, db := range d.dbs {
		if err := db.sql.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", name, err)
		}
		delete(d.dbs, name)
	}
	return firstErr
}

// Dir returns the storage directory.
func (d *Driver) Dir() string { return d.dir }

func (d *Driver) loadManifest() error {
	raw, err := os.ReadFile(filepath.Join(d.dir, manifestFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(raw, &d.meta); err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}
	return nil
}

// saveManifest persists the manifest. Callers hold d.mu.
func (d *Driver) saveManifest() error {
	sort.Slice(d.meta.Databases, func(i, j int) bool {
		return d.meta.Databases[i].Name < d.meta.Databases[j].Name
	})
	raw, err := yaml.Marshal(&d.meta)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, manifestFile), raw, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

func (d *Driver) manifestEntry(name string) (int, bool) {
	for i, e := range d.meta.Databases {
		if e.Name == name {
			return i, true
		}
	}
	return -1, false
}

// ListDatabases returns (name, version) for every known database, ordered by
// name.
func (d *Driver) ListDatabases() []NameVersion {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]NameVersion, 0, len(d.meta.Databases))
	for _, e := range d.meta.Databases {
		out = append(out, NameVersion{Name: e.Name, Version: e.Version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Exists reports whether a database with this name is in the manifest.
func (d *Driver) Exists(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.manifestEntry(name)
	return ok
}

// OpenDatabase opens (creating if needed) the file for a named database and
// applies schema and pragmas. Idempotent; reuses an existing handle.
func (d *Driver) OpenDatabase(ctx context.Context, name string) (*DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if db, ok := d.dbs[name]; ok {
		return db, nil
	}

	file := ""
	if i, ok := d.manifestEntry(name); ok {
		file = d.meta.Databases[i].File
	} else {
		file = fileNameFor(name)
		d.meta.Databases = append(d.meta.Databases, manifestEntry{Name: name, File: file})
		if err := d.saveManifest(); err != nil {
			return nil, err
		}
	}

	path := filepath.Join(d.dir, file)
	sqlDB, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", name, err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connect database %q: %w", name, err)
	}

	// One connection: SQLite has a single writer, and savepoints must all
	// land on the same connection.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := applyPragmas(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("database %q: %w", name, err)
	}
	if _, err := sqlDB.ExecContext(ctx, schemaSQL); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("apply schema for %q: %w", name, err)
	}

	db := &DB{Name: name, path: path, sql: sqlDB}
	if err := db.ensureMetaRow(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}

	d.dbs[name] = db
	slog.Debug("database opened", "name", name, "file", file)
	return db, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (db *DB) ensureMetaRow(ctx context.Context) error {
	var n int
	if err := db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM database`).Scan(&n); err != nil {
		return fmt.Errorf("read database row: %w", err)
	}
	if n == 0 {
		if _, err := db.sql.ExecContext(ctx,
			`INSERT INTO database (name, version) VALUES (?, 0)`, db.Name); err != nil {
			return fmt.Errorf("init database row: %w", err)
		}
	}
	return nil
}

// Version reads the stored version from the database file. The file, not the
// manifest, is authoritative: version changes happen inside savepoints and
// roll back with them.
func (d *Driver) Version(ctx context.Context, db *DB) (uint64, error) {
	var v uint64
	if err := db.sql.QueryRowContext(ctx, `SELECT version FROM database`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	return v, nil
}

// SetVersion updates the stored version inside the current savepoint (if
// any).
func (d *Driver) SetVersion(ctx context.Context, db *DB, v uint64) error {
	if _, err := db.sql.ExecContext(ctx, `UPDATE database SET version = ?`, v); err != nil {
		return fmt.Errorf("set version: %w", err)
	}
	return nil
}

// SyncManifest refreshes the manifest entry for a database from its file.
// Called after a successful version-change commit.
func (d *Driver) SyncManifest(ctx context.Context, db *DB) error {
	v, err := d.Version(ctx, db)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if i, ok := d.manifestEntry(db.Name); ok {
		d.meta.Databases[i].Version = v
	}
	return d.saveManifest()
}

// DeleteDatabase closes and removes a database's files and manifest entry.
// Deleting an unknown database is a no-op.
func (d *Driver) DeleteDatabase(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if db, ok := d.dbs[name]; ok {
		if err := db.sql.Close(); err != nil {
			return fmt.Errorf("close %q before delete: %w", name, err)
		}
		delete(d.dbs, name)
	}

	i, ok := d.manifestEntry(name)
	if !ok {
		return nil
	}
	path := filepath.Join(d.dir, d.meta.Databases[i].File)
	for _, f := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", f, err)
		}
	}
	d.meta.Databases = append(d.meta.Databases[:i], d.meta.Databases[i+1:]...)
	if err := d.saveManifest(); err != nil {
		return err
	}
	slog.Debug("database deleted", "name", name)
	return nil
}

// fileNameFor derives a filesystem-safe file name from a database name.
// Unsafe characters are replaced, and a short hash suffix keeps distinct
// names from colliding after sanitisation.
func fileNameFor(name string) string {
	safe := make([]rune, 0, len(name))
	changed := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			safe = append(safe, r)
		default:
			safe = append(safe, '_')
			changed = true
		}
	}
	base := string(safe)
	if base == "" {
		base = "db"
		changed = true
	}
	if changed {
		h := fnv.New64a()
		h.Write([]byte(name))
		base = fmt.Sprintf("%s-%016x", base, h.Sum64())
	}
	return base + ".sqlite"
}
