package storage

import (
	"context"
	"fmt"
)

// Savepoint names come from the engine's transaction counter; they are
// interpolated into the statement (SQLite cannot bind them), so they are
// restricted to a safe alphabet.
func validSavepointName(name string) error {
	if name == "" {
		return fmt.Errorf("empty savepoint name")
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
		default:
			return fmt.Errorf("invalid savepoint name %q", name)
		}
	}
	return nil
}

// BeginSavepoint opens a named savepoint.
func (db *DB) BeginSavepoint(ctx context.Context, name string) error {
	if err := validSavepointName(name); err != nil {
		return err
	}
	if _, err := db.sql.ExecContext(ctx, fmt.Sprintf("SAVEPOINT %s", name)); err != nil {
		return fmt.Errorf("begin savepoint %s: %w", name, err)
	}
	return nil
}

// ReleaseSavepoint commits a savepoint's changes into the enclosing scope.
func (db *DB) ReleaseSavepoint(ctx context.Context, name string) error {
	if err := validSavepointName(name); err != nil {
		return err
	}
	if _, err := db.sql.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", name)); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

// RollbackSavepoint undoes a savepoint's changes and closes it.
func (db *DB) RollbackSavepoint(ctx context.Context, name string) error {
	if err := validSavepointName(name); err != nil {
		return err
	}
	// ROLLBACK TO leaves the savepoint on the stack; RELEASE pops it.
	if _, err := db.sql.ExecContext(ctx, fmt.Sprintf("ROLLBACK TO SAVEPOINT %s", name)); err != nil {
		return fmt.Errorf("rollback savepoint %s: %w", name, err)
	}
	if _, err := db.sql.ExecContext(ctx, fmt.Sprintf("RELEASE SAVEPOINT %s", name)); err != nil {
		return fmt.Errorf("release savepoint %s after rollback: %w", name, err)
	}
	return nil
}
