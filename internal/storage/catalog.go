package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mereville/idb/internal/keypath"
)

// StoreMeta describes one object store row in the catalog.
type StoreMeta struct {
	ID            int64
	Name          string
	KeyPath       keypath.Path
	AutoIncrement bool
	CurrentKey    int64
}

// IndexMeta describes one index row in the catalog.
type IndexMeta struct {
	ID         int64
	StoreID    int64
	Name       string
	KeyPath    keypath.Path
	Unique     bool
	MultiEntry bool
}

// encodeKeyPath stores a key path as JSON text: null, a string, or an array
// of strings.
func encodeKeyPath(p keypath.Path) (sql.NullString, error) {
	if p.IsZero() {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(p.Raw())
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode key path: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func decodeKeyPath(s sql.NullString) (keypath.Path, error) {
	if !s.Valid {
		return keypath.Path{}, nil
	}
	var raw any
	if err := json.Unmarshal([]byte(s.String), &raw); err != nil {
		return keypath.Path{}, fmt.Errorf("decode key path %q: %w", s.String, err)
	}
	p, err := keypath.ParseAny(raw)
	if err != nil {
		return keypath.Path{}, fmt.Errorf("decode key path %q: %w", s.String, err)
	}
	return p, nil
}

// CreateStore inserts an object store row and returns its metadata.
func (db *DB) CreateStore(ctx context.Context, name string, kp keypath.Path, autoIncrement bool) (StoreMeta, error) {
	enc, err := encodeKeyPath(kp)
	if err != nil {
		return StoreMeta{}, err
	}
	ai := 0
	if autoIncrement {
		ai = 1
	}
	res, err := db.sql.ExecContext(ctx, `
		INSERT INTO object_store (name, key_path, auto_increment, current_key)
		VALUES (?, ?, ?, 1)
	`, name, enc, ai)
	if err != nil {
		return StoreMeta{}, fmt.Errorf("create store %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return StoreMeta{}, fmt.Errorf("create store %q: last insert id: %w", name, err)
	}
	return StoreMeta{ID: id, Name: name, KeyPath: kp, AutoIncrement: autoIncrement, CurrentKey: 1}, nil
}

// ListStores returns every object store, ordered by id.
func (db *DB) ListStores(ctx context.Context) ([]StoreMeta, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, name, key_path, auto_increment, current_key
		FROM object_store ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list stores: %w", err)
	}
	defer rows.Close()

	var out []StoreMeta
	for rows.Next() {
		var m StoreMeta
		var kp sql.NullString
		var ai int
		if err := rows.Scan(&m.ID, &m.Name, &kp, &ai, &m.CurrentKey); err != nil {
			return nil, fmt.Errorf("scan store row: %w", err)
		}
		m.AutoIncrement = ai != 0
		if m.KeyPath, err = decodeKeyPath(kp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteStore removes a store row plus its records, indexes, and index
// entries.
func (db *DB) DeleteStore(ctx context.Context, id int64) error {
	if _, err := db.sql.ExecContext(ctx, `
		DELETE FROM index_entry WHERE index_id IN
			(SELECT id FROM store_index WHERE store_id = ?)
	`, id); err != nil {
		return fmt.Errorf("delete store %d index entries: %w", id, err)
	}
	if _, err := db.sql.ExecContext(ctx, `DELETE FROM store_index WHERE store_id = ?`, id); err != nil {
		return fmt.Errorf("delete store %d indexes: %w", id, err)
	}
	if _, err := db.sql.ExecContext(ctx, `DELETE FROM record WHERE store_id = ?`, id); err != nil {
		return fmt.Errorf("delete store %d records: %w", id, err)
	}
	if _, err := db.sql.ExecContext(ctx, `DELETE FROM object_store WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete store %d: %w", id, err)
	}
	return nil
}

// RenameStore updates a store's name.
func (db *DB) RenameStore(ctx context.Context, id int64, newName string) error {
	res, err := db.sql.ExecContext(ctx, `UPDATE object_store SET name = ? WHERE id = ?`, newName, id)
	if err != nil {
		return fmt.Errorf("rename store %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("store %d", id))
}

// UpdateCurrentKey advances a store's key generator value.
func (db *DB) UpdateCurrentKey(ctx context.Context, id int64, v int64) error {
	res, err := db.sql.ExecContext(ctx, `UPDATE object_store SET current_key = ? WHERE id = ?`, v, id)
	if err != nil {
		return fmt.Errorf("update current key for store %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("store %d", id))
}

// CurrentKey reads a store's key generator value.
func (db *DB) CurrentKey(ctx context.Context, id int64) (int64, error) {
	var v int64
	err := db.sql.QueryRowContext(ctx, `SELECT current_key FROM object_store WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("read current key for store %d: %w", id, err)
	}
	return v, nil
}

// CreateIndex inserts an index row and returns its metadata.
func (db *DB) CreateIndex(ctx context.Context, storeID int64, name string, kp keypath.Path, unique, multiEntry bool) (IndexMeta, error) {
	enc, err := encodeKeyPath(kp)
	if err != nil {
		return IndexMeta{}, err
	}
	res, err := db.sql.ExecContext(ctx, `
		INSERT INTO store_index (store_id, name, key_path, is_unique, multi_entry)
		VALUES (?, ?, ?, ?, ?)
	`, storeID, name, enc, boolInt(unique), boolInt(multiEntry))
	if err != nil {
		return IndexMeta{}, fmt.Errorf("create index %q on store %d: %w", name, storeID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return IndexMeta{}, fmt.Errorf("create index %q: last insert id: %w", name, err)
	}
	return IndexMeta{ID: id, StoreID: storeID, Name: name, KeyPath: kp, Unique: unique, MultiEntry: multiEntry}, nil
}

// ListIndexes returns every index of a store, ordered by id.
func (db *DB) ListIndexes(ctx context.Context, storeID int64) ([]IndexMeta, error) {
	rows, err := db.sql.QueryContext(ctx, `
		SELECT id, store_id, name, key_path, is_unique, multi_entry
		FROM store_index WHERE store_id = ? ORDER BY id
	`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list indexes for store %d: %w", storeID, err)
	}
	defer rows.Close()

	var out []IndexMeta
	for rows.Next() {
		var m IndexMeta
		var kp sql.NullString
		var uq, me int
		if err := rows.Scan(&m.ID, &m.StoreID, &m.Name, &kp, &uq, &me); err != nil {
			return nil, fmt.Errorf("scan index row: %w", err)
		}
		m.Unique, m.MultiEntry = uq != 0, me != 0
		if m.KeyPath, err = decodeKeyPath(kp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteIndex removes an index row and its entries.
func (db *DB) DeleteIndex(ctx context.Context, id int64) error {
	if _, err := db.sql.ExecContext(ctx, `DELETE FROM index_entry WHERE index_id = ?`, id); err != nil {
		return fmt.Errorf("delete index %d entries: %w", id, err)
	}
	if _, err := db.sql.ExecContext(ctx, `DELETE FROM store_index WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete index %d: %w", id, err)
	}
	return nil
}

// RenameIndex updates an index's name.
func (db *DB) RenameIndex(ctx context.Context, id int64, newName string) error {
	res, err := db.sql.ExecContext(ctx, `UPDATE store_index SET name = ? WHERE id = ?`, newName, id)
	if err != nil {
		return fmt.Errorf("rename index %d: %w", id, err)
	}
	return requireAffected(res, fmt.Sprintf("index %d", id))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
