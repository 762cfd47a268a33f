package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// IndexRow is one index entry: encoded index key plus encoded primary key.
type IndexRow struct {
	Key     []byte
	Primary []byte
}

// AddIndexEntry writes an (index key, primary key) pair. Re-adding an
// existing pair is a no-op; in-record duplicates are collapsed upstream.
func (db *DB) AddIndexEntry(ctx context.Context, indexID int64, key, primary []byte) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO index_entry (index_id, key, primary_key) VALUES (?, ?, ?)
		ON CONFLICT (index_id, key, primary_key) DO NOTHING
	`, indexID, key, primary)
	if err != nil {
		return fmt.Errorf("add index entry: %w", err)
	}
	return nil
}

// DeleteIndexEntriesForPrimary removes every entry of one index that points
// at the given primary key. Used before overwrites and deletes.
func (db *DB) DeleteIndexEntriesForPrimary(ctx context.Context, indexID int64, primary []byte) error {
	_, err := db.sql.ExecContext(ctx, `
		DELETE FROM index_entry WHERE index_id = ? AND primary_key = ?
	`, indexID, primary)
	if err != nil {
		return fmt.Errorf("delete index entries for primary: %w", err)
	}
	return nil
}

// ClearIndexEntries removes every entry of an index.
func (db *DB) ClearIndexEntries(ctx context.Context, indexID int64) error {
	if _, err := db.sql.ExecContext(ctx, `DELETE FROM index_entry WHERE index_id = ?`, indexID); err != nil {
		return fmt.Errorf("clear index entries: %w", err)
	}
	return nil
}

// CheckUnique reports whether an index key is already claimed by a record
// other than excludePrimary (pass nil to exclude nothing).
func (db *DB) CheckUnique(ctx context.Context, indexID int64, key, excludePrimary []byte) (bool, error) {
	q := `SELECT 1 FROM index_entry WHERE index_id = ? AND key = ?`
	args := []any{indexID, key}
	if excludePrimary != nil {
		q += ` AND primary_key <> ?`
		args = append(args, excludePrimary)
	}
	q += ` LIMIT 1`

	var one int
	err := db.sql.QueryRowContext(ctx, q, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check unique: %w", err)
	}
	return true, nil
}

// HasIndexEntry reports whether the exact (index key, primary key) pair
// exists.
func (db *DB) HasIndexEntry(ctx context.Context, indexID int64, key, primary []byte) (bool, error) {
	var one int
	err := db.sql.QueryRowContext(ctx, `
		SELECT 1 FROM index_entry WHERE index_id = ? AND key = ? AND primary_key = ?
	`, indexID, key, primary).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has index entry: %w", err)
	}
	return true, nil
}

// CountIndexEntries counts entries whose index key is within the bounds.
func (db *DB) CountIndexEntries(ctx context.Context, indexID int64, b Bounds) (int64, error) {
	cond, args := b.where("key")
	q := fmt.Sprintf(`SELECT COUNT(*) FROM index_entry WHERE index_id = ? AND %s`, cond)
	var n int64
	if err := db.sql.QueryRowContext(ctx, q, append([]any{indexID}, args...)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count index entries: %w", err)
	}
	return n, nil
}

// GetIndexEntries returns entries whose index key is within the bounds,
// ordered by (key, primary key). limit <= 0 means unbounded.
func (db *DB) GetIndexEntries(ctx context.Context, indexID int64, b Bounds, desc bool, limit int) ([]IndexRow, error) {
	cond, args := b.where("key")
	order := "ASC, primary_key ASC"
	if desc {
		order = "DESC, primary_key DESC"
	}
	q := fmt.Sprintf(`
		SELECT key, primary_key FROM index_entry
		WHERE index_id = ? AND %s
		ORDER BY key %s
	`, cond, order)
	allArgs := append([]any{indexID}, args...)
	if limit > 0 {
		q += " LIMIT ?"
		allArgs = append(allArgs, limit)
	}

	rows, err := db.sql.QueryContext(ctx, q, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("get index entries: %w", err)
	}
	defer rows.Close()

	var out []IndexRow
	for rows.Next() {
		var r IndexRow
		if err := rows.Scan(&r.Key, &r.Primary); err != nil {
			return nil, fmt.Errorf("scan index entry: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NextIndexEntry returns the first entry within bounds strictly past the
// position (afterKey, afterPrimary) in the scan direction. When keyStrict is
// set the position comparison uses the index key alone, which is how unique
// directions skip the rest of a run of equal keys. afterKey nil means "start
// of the range".
func (db *DB) NextIndexEntry(ctx context.Context, indexID int64, b Bounds, afterKey, afterPrimary []byte, keyStrict, desc bool) (IndexRow, bool, error) {
	cond, args := b.where("key")
	q := fmt.Sprintf(`SELECT key, primary_key FROM index_entry WHERE index_id = ? AND %s`, cond)
	allArgs := append([]any{indexID}, args...)

	cmp := ">"
	order := "ASC, primary_key ASC"
	if desc {
		cmp = "<"
		order = "DESC, primary_key DESC"
	}
	if afterKey != nil {
		switch {
		case keyStrict:
			q += fmt.Sprintf(" AND key %s ?", cmp)
			allArgs = append(allArgs, afterKey)
		case afterPrimary != nil:
			q += fmt.Sprintf(" AND (key %s ? OR (key = ? AND primary_key %s ?))", cmp, cmp)
			allArgs = append(allArgs, afterKey, afterKey, afterPrimary)
		default:
			q += fmt.Sprintf(" AND key %s= ?", cmp)
			allArgs = append(allArgs, afterKey)
		}
	}
	q += fmt.Sprintf(" ORDER BY key %s LIMIT 1", order)

	var r IndexRow
	err := db.sql.QueryRowContext(ctx, q, allArgs...).Scan(&r.Key, &r.Primary)
	if errors.Is(err, sql.ErrNoRows) {
		return IndexRow{}, false, nil
	}
	if err != nil {
		return IndexRow{}, false, fmt.Errorf("next index entry: %w", err)
	}
	return r, true, nil
}

// FirstPrimaryForIndexKey returns the smallest primary key recorded for an
// exact index key. Reverse-unique iteration lands on this entry for each
// distinct key.
func (db *DB) FirstPrimaryForIndexKey(ctx context.Context, indexID int64, key []byte) ([]byte, bool, error) {
	var primary []byte
	err := db.sql.QueryRowContext(ctx, `
		SELECT primary_key FROM index_entry
		WHERE index_id = ? AND key = ?
		ORDER BY primary_key ASC LIMIT 1
	`, indexID, key).Scan(&primary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("first primary for index key: %w", err)
	}
	return primary, true, nil
}
