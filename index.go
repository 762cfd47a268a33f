package idb

import (
	"bytes"

	"github.com/mereville/idb/internal/key"
	"github.com/mereville/idb/internal/storage"
	"github.com/mereville/idb/internal/vclone"
)

// Index is a transaction-scoped handle to one index. Reads resolve through
// the index's (index key, primary key) entries, joining back into the owning
// store for values.
type Index struct {
	store   *ObjectStore
	meta    *storage.IndexMeta
	name    string
	deleted bool
}

func newIndex(s *ObjectStore, meta *storage.IndexMeta) *Index {
	return &Index{store: s, meta: meta, name: meta.Name}
}

// Name returns the index's name.
func (ix *Index) Name() string { return ix.name }

// ObjectStore returns the owning store handle.
func (ix *Index) ObjectStore() *ObjectStore { return ix.store }

// KeyPath returns the index's key path: a string or a []string.
func (ix *Index) KeyPath() any { return ix.meta.KeyPath.Raw() }

// Unique reports whether the index enforces one primary key per index key.
func (ix *Index) Unique() bool { return ix.meta.Unique }

// MultiEntry reports whether array-valued extractions fan out to one entry
// per element.
func (ix *Index) MultiEntry() bool { return ix.meta.MultiEntry }

func (ix *Index) check() *Error {
	if ix.deleted || ix.store.deleted {
		return newError(ErrNameInvalidState, "index has been deleted")
	}
	if ix.store.txn.state != stateActive {
		return newError(ErrNameTransactionInactive, "transaction is not active")
	}
	return nil
}

// Get returns the value of the first record whose index key matches the
// query, or nil. "First" is in (index key, primary key) order.
func (ix *Index) Get(query any) (*Request, error) {
	if err := ix.check(); err != nil {
		return nil, err
	}
	if query == nil {
		return nil, newError(ErrNameData, "get requires a key or key range")
	}
	b, qerr := queryBounds(query)
	if qerr != nil {
		return nil, qerr
	}
	return ix.store.txn.addRequest(ix, func() (any, *Error) {
		ctx := ix.store.txn.db.factory.ctx
		db := ix.store.txn.db.state.sdb
		rows, err := db.GetIndexEntries(ctx, ix.meta.ID, b, false, 1)
		if err != nil {
			return nil, asError(err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		raw, found, gerr := db.GetRecord(ctx, ix.store.meta.st.ID, rows[0].Primary)
		if gerr != nil {
			return nil, asError(gerr)
		}
		if !found {
			return nil, nil
		}
		v, derr := vclone.Deserialize(raw)
		if derr != nil {
			return nil, asError(derr)
		}
		return v, nil
	}), nil
}

// GetKey returns the primary key of the first matching record, or nil.
func (ix *Index) GetKey(query any) (*Request, error) {
	if err := ix.check(); err != nil {
		return nil, err
	}
	if query == nil {
		return nil, newError(ErrNameData, "getKey requires a key or key range")
	}
	b, qerr := queryBounds(query)
	if qerr != nil {
		return nil, qerr
	}
	return ix.store.txn.addRequest(ix, func() (any, *Error) {
		ctx := ix.store.txn.db.factory.ctx
		rows, err := ix.store.txn.db.state.sdb.GetIndexEntries(ctx, ix.meta.ID, b, false, 1)
		if err != nil {
			return nil, asError(err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		pk, derr := key.Decode(rows[0].Primary)
		if derr != nil {
			return nil, asError(derr)
		}
		return pk.Value(), nil
	}), nil
}

// Count returns the number of index entries matched by the query; nil counts
// everything. Multi-entry indexes count entries, not records.
func (ix *Index) Count(query any) (*Request, error) {
	if err := ix.check(); err != nil {
		return nil, err
	}
	b, qerr := queryBounds(query)
	if qerr != nil {
		return nil, qerr
	}
	return ix.store.txn.addRequest(ix, func() (any, *Error) {
		n, err := ix.store.txn.db.state.sdb.CountIndexEntries(ix.store.txn.db.factory.ctx, ix.meta.ID, b)
		if err != nil {
			return nil, asError(err)
		}
		return n, nil
	}), nil
}

// GetAll returns the values of up to count matching records in (index key,
// primary key) order.
func (ix *Index) GetAll(query any, count int) (*Request, error) {
	return ix.getAllRequest(query, count, Next, getAllValues)
}

// GetAllKeys returns the primary keys of up to count matching records.
func (ix *Index) GetAllKeys(query any, count int) (*Request, error) {
	return ix.getAllRequest(query, count, Next, getAllKeys)
}

// GetAllRecords returns up to Count entries as (index key, primary key,
// value) triples ordered by Direction; unique directions collapse each run
// of equal index keys to its first entry.
func (ix *Index) GetAllRecords(opts GetAllOptions) (*Request, error) {
	dir := opts.Direction
	if dir == 0 {
		dir = Next
	}
	return ix.getAllRequest(opts.Query, opts.Count, dir, getAllRecords)
}

func (ix *Index) getAllRequest(query any, count int, dir CursorDirection, mode getAllMode) (*Request, error) {
	if err := ix.check(); err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, newError(ErrNameType, "count cannot be negative")
	}
	b, qerr := queryBounds(query)
	if qerr != nil {
		return nil, qerr
	}
	desc := dir == Prev || dir == PrevUnique
	unique := dir == NextUnique || dir == PrevUnique
	return ix.store.txn.addRequest(ix, func() (any, *Error) {
		ctx := ix.store.txn.db.factory.ctx
		db := ix.store.txn.db.state.sdb

		// Unique directions dedupe after the scan, so the SQL limit cannot
		// be pushed down.
		sqlLimit := count
		if unique {
			sqlLimit = 0
		}
		rows, err := db.GetIndexEntries(ctx, ix.meta.ID, b, desc, sqlLimit)
		if err != nil {
			return nil, asError(err)
		}
		if unique {
			rows = collapseUnique(rows, desc, count)
			// Reverse-unique picks the smallest primary key of each run.
			if desc {
				for i := range rows {
					first, ok, ferr := db.FirstPrimaryForIndexKey(ctx, ix.meta.ID, rows[i].Key)
					if ferr != nil {
						return nil, asError(ferr)
					}
					if ok {
						rows[i].Primary = first
					}
				}
			}
		}

		switch mode {
		case getAllKeys:
			out := make([]any, 0, len(rows))
			for _, row := range rows {
				pk, derr := key.Decode(row.Primary)
				if derr != nil {
					return nil, asError(derr)
				}
				out = append(out, pk.Value())
			}
			return out, nil
		case getAllRecords:
			out := make([]Record, 0, len(rows))
			for _, row := range rows {
				rec, rerr := ix.joinRecord(row)
				if rerr != nil {
					return nil, rerr
				}
				out = append(out, rec)
			}
			return out, nil
		default:
			out := make([]any, 0, len(rows))
			for _, row := range rows {
				rec, rerr := ix.joinRecord(row)
				if rerr != nil {
					return nil, rerr
				}
				out = append(out, rec.Value)
			}
			return out, nil
		}
	}), nil
}

func (ix *Index) joinRecord(row storage.IndexRow) (Record, *Error) {
	ctx := ix.store.txn.db.factory.ctx
	db := ix.store.txn.db.state.sdb

	k, derr := key.Decode(row.Key)
	if derr != nil {
		return Record{}, asError(derr)
	}
	pk, derr := key.Decode(row.Primary)
	if derr != nil {
		return Record{}, asError(derr)
	}
	raw, found, gerr := db.GetRecord(ctx, ix.store.meta.st.ID, row.Primary)
	if gerr != nil {
		return Record{}, asError(gerr)
	}
	var v any
	if found {
		var verr error
		v, verr = vclone.Deserialize(raw)
		if verr != nil {
			return Record{}, asError(verr)
		}
	}
	return Record{Key: k.Value(), PrimaryKey: pk.Value(), Value: v}, nil
}

// collapseUnique keeps the first entry of each run of equal index keys in
// scan order, trimming to limit (0 = unbounded).
func collapseUnique(rows []storage.IndexRow, desc bool, limit int) []storage.IndexRow {
	var out []storage.IndexRow
	for _, row := range rows {
		if len(out) > 0 && bytes.Equal(out[len(out)-1].Key, row.Key) {
			continue
		}
		out = append(out, row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Rename renames the index. Legal only in a version-change transaction on a
// live handle.
func (ix *Index) Rename(newName string) error {
	t := ix.store.txn
	if ix.deleted || ix.store.deleted {
		return newError(ErrNameInvalidState, "index has been deleted")
	}
	if t.mode != VersionChange {
		return newError(ErrNameInvalidState, "rename requires a version change transaction")
	}
	if t.state != stateActive {
		return newError(ErrNameTransactionInactive, "transaction is not active")
	}
	old := ix.name
	if newName == old {
		return nil
	}
	if _, exists := ix.store.meta.indexes[newName]; exists {
		return newError(ErrNameConstraint, "an index named %q already exists", newName)
	}
	if e := t.ensureSavepoint(); e != nil {
		return e
	}
	if err := t.db.state.sdb.RenameIndex(t.db.factory.ctx, ix.meta.ID, newName); err != nil {
		return asError(err)
	}

	delete(ix.store.meta.indexes, old)
	ix.store.meta.indexes[newName] = ix.meta
	ix.meta.Name = newName
	ix.name = newName
	delete(ix.store.indexes, old)
	ix.store.indexes[newName] = ix
	t.journalAppend(revertEntry{kind: revertRenamedIndex, index: ix, old: old, new: newName})
	return nil
}
