package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Bounds restricts a scan to an encoded key range. Nil Lower/Upper mean
// unbounded on that side.
type Bounds struct {
	Lower     []byte
	Upper     []byte
	LowerOpen bool
	UpperOpen bool
}

// Exact returns bounds matching a single encoded key.
func Exact(key []byte) Bounds {
	return Bounds{Lower: key, Upper: key}
}

// where renders the bounds as SQL conditions on the named column.
func (b Bounds) where(col string) (string, []any) {
	var conds []string
	var args []any
	if b.Lower != nil {
		op := ">="
		if b.LowerOpen {
			op = ">"
		}
		conds = append(conds, fmt.Sprintf("%s %s ?", col, op))
		args = append(args, b.Lower)
	}
	if b.Upper != nil {
		op := "<="
		if b.UpperOpen {
			op = "<"
		}
		conds = append(conds, fmt.Sprintf("%s %s ?", col, op))
		args = append(args, b.Upper)
	}
	if len(conds) == 0 {
		return "1=1", nil
	}
	return strings.Join(conds, " AND "), args
}

// Row is one record: encoded primary key plus serialized value bytes.
type Row struct {
	Key   []byte
	Value []byte
}

// PutRecord writes a record, replacing any existing row with the same key.
func (db *DB) PutRecord(ctx context.Context, storeID int64, key, value []byte) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO record (store_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (store_id, key) DO UPDATE SET value = excluded.value
	`, storeID, key, value)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

// GetRecord reads one record's value bytes. The boolean is false when no
// record has the key.
func (db *DB) GetRecord(ctx context.Context, storeID int64, key []byte) ([]byte, bool, error) {
	var value []byte
	err := db.sql.QueryRowContext(ctx, `
		SELECT value FROM record WHERE store_id = ? AND key = ?
	`, storeID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get record: %w", err)
	}
	return value, true, nil
}

// HasRecord reports whether a record with the key exists.
func (db *DB) HasRecord(ctx context.Context, storeID int64, key []byte) (bool, error) {
	var one int
	err := db.sql.QueryRowContext(ctx, `
		SELECT 1 FROM record WHERE store_id = ? AND key = ?
	`, storeID, key).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has record: %w", err)
	}
	return true, nil
}

// DeleteRecord removes one record by key.
func (db *DB) DeleteRecord(ctx context.Context, storeID int64, key []byte) error {
	if _, err := db.sql.ExecContext(ctx, `
		DELETE FROM record WHERE store_id = ? AND key = ?
	`, storeID, key); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// DeleteRecordsInRange removes every record in the bounds.
func (db *DB) DeleteRecordsInRange(ctx context.Context, storeID int64, b Bounds) error {
	cond, args := b.where("key")
	q := fmt.Sprintf(`DELETE FROM record WHERE store_id = ? AND %s`, cond)
	if _, err := db.sql.ExecContext(ctx, q, append([]any{storeID}, args...)...); err != nil {
		return fmt.Errorf("delete records in range: %w", err)
	}
	return nil
}

// ClearRecords removes every record of a store.
func (db *DB) ClearRecords(ctx context.Context, storeID int64) error {
	if _, err := db.sql.ExecContext(ctx, `DELETE FROM record WHERE store_id = ?`, storeID); err != nil {
		return fmt.Errorf("clear records: %w", err)
	}
	return nil
}

// CountRecords counts records in the bounds.
func (db *DB) CountRecords(ctx context.Context, storeID int64, b Bounds) (int64, error) {
	cond, args := b.where("key")
	q := fmt.Sprintf(`SELECT COUNT(*) FROM record WHERE store_id = ? AND %s`, cond)
	var n int64
	if err := db.sql.QueryRowContext(ctx, q, append([]any{storeID}, args...)...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// GetRecordsInRange returns records in the bounds in key order. limit <= 0
// means unbounded; desc reverses the order.
func (db *DB) GetRecordsInRange(ctx context.Context, storeID int64, b Bounds, desc bool, limit int) ([]Row, error) {
	cond, args := b.where("key")
	order := "ASC"
	if desc {
		order = "DESC"
	}
	q := fmt.Sprintf(`
		SELECT key, value FROM record
		WHERE store_id = ? AND %s
		ORDER BY key %s
	`, cond, order)
	allArgs := append([]any{storeID}, args...)
	if limit > 0 {
		q += " LIMIT ?"
		allArgs = append(allArgs, limit)
	}

	rows, err := db.sql.QueryContext(ctx, q, allArgs...)
	if err != nil {
		return nil, fmt.Errorf("get records in range: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NextRecord returns the first record in the bounds strictly past `after` in
// the scan direction, or the first in bounds when after is nil.
func (db *DB) NextRecord(ctx context.Context, storeID int64, b Bounds, after []byte, desc bool) (Row, bool, error) {
	cond, args := b.where("key")
	order, cmp := "ASC", ">"
	if desc {
		order, cmp = "DESC", "<"
	}
	q := fmt.Sprintf(`SELECT key, value FROM record WHERE store_id = ? AND %s`, cond)
	allArgs := append([]any{storeID}, args...)
	if after != nil {
		q += fmt.Sprintf(" AND key %s ?", cmp)
		allArgs = append(allArgs, after)
	}
	q += fmt.Sprintf(" ORDER BY key %s LIMIT 1", order)

	var r Row
	err := db.sql.QueryRowContext(ctx, q, allArgs...).Scan(&r.Key, &r.Value)
	if errors.Is(err, sql.ErrNoRows) {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, fmt.Errorf("next record: %w", err)
	}
	return r, true, nil
}
