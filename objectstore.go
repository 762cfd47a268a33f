package idb

import (
	"math"
	"sort"

	"github.com/mereville/idb/internal/key"
	"github.com/mereville/idb/internal/keypath"
	"github.com/mereville/idb/internal/storage"
	"github.com/mereville/idb/internal/vclone"
)

// maxGenerator is the key generator ceiling: 2^53, the largest integer a
// number key represents exactly.
const maxGenerator = int64(1) << 53

// ObjectStore is a transaction-scoped handle to one object store. Handles
// are per transaction: the same store accessed from two transactions yields
// two handles.
type ObjectStore struct {
	txn     *Transaction
	meta    *storeMeta
	name    string
	deleted bool
	indexes map[string]*Index
}

func newObjectStore(t *Transaction, meta *storeMeta) *ObjectStore {
	return &ObjectStore{
		txn:     t,
		meta:    meta,
		name:    meta.st.Name,
		indexes: make(map[string]*Index),
	}
}

// Name returns the store's name.
func (s *ObjectStore) Name() string { return s.name }

// KeyPath returns nil, a string, or a []string.
func (s *ObjectStore) KeyPath() any { return s.meta.st.KeyPath.Raw() }

// AutoIncrement reports whether the store owns a key generator.
func (s *ObjectStore) AutoIncrement() bool { return s.meta.st.AutoIncrement }

// Transaction returns the transaction this handle belongs to.
func (s *ObjectStore) Transaction() *Transaction { return s.txn }

// IndexNames returns the store's index names, sorted.
func (s *ObjectStore) IndexNames() []string {
	names := make([]string, 0, len(s.meta.indexes))
	for n := range s.meta.indexes {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// check guards a data operation: deleted handles are InvalidStateError,
// anything outside the active window is TransactionInactiveError, and
// mutations additionally require a writable mode.
func (s *ObjectStore) check(write bool) *Error {
	if s.deleted {
		return newError(ErrNameInvalidState, "object store has been deleted")
	}
	if s.txn.state != stateActive {
		return newError(ErrNameTransactionInactive, "transaction is not active")
	}
	if write && s.txn.mode == ReadOnly {
		return newError(ErrNameReadOnly, "transaction is read-only")
	}
	return nil
}

// Put writes a record, overwriting any record with the same primary key.
// The optional key argument is only legal for out-of-line stores.
func (s *ObjectStore) Put(value any, optionalKey ...any) (*Request, error) {
	return s.storeValue(value, optionalKey, true)
}

// Add writes a record, failing with ConstraintError if the primary key is
// taken.
func (s *ObjectStore) Add(value any, optionalKey ...any) (*Request, error) {
	return s.storeValue(value, optionalKey, false)
}

func (s *ObjectStore) storeValue(value any, optionalKey []any, overwrite bool) (*Request, error) {
	if err := s.check(true); err != nil {
		return nil, err
	}
	var explicit any
	if len(optionalKey) > 0 {
		explicit = optionalKey[0]
	}
	kp := s.meta.st.KeyPath
	if explicit != nil && !kp.IsZero() {
		return nil, newError(ErrNameData, "key argument with an in-line key path")
	}

	// Clone with the transaction momentarily non-active, so value accessors
	// that run during the clone cannot issue nested operations.
	saved := s.txn.state
	s.txn.state = stateInactive
	clone, cerr := vclone.Clone(value)
	s.txn.state = saved
	if cerr != nil {
		return nil, asError(cerr)
	}

	var k key.Key
	useGenerator := false
	switch {
	case explicit != nil:
		ek, err := key.FromValue(explicit)
		if err != nil {
			return nil, asError(err)
		}
		k = ek
	case !kp.IsZero():
		extracted, outcome := kp.Evaluate(clone)
		switch outcome {
		case keypath.Resolved:
			k = extracted
		case keypath.Invalid:
			return nil, newError(ErrNameData, "value's key path yields an invalid key")
		case keypath.Unresolved:
			if !s.meta.st.AutoIncrement {
				return nil, newError(ErrNameData, "value has no key and store has no key generator")
			}
			if !kp.CanInject(clone) {
				return nil, newError(ErrNameData, "generated key cannot be injected into value")
			}
			useGenerator = true
		}
	default:
		if !s.meta.st.AutoIncrement {
			return nil, newError(ErrNameData, "no key supplied and store has no key generator")
		}
		useGenerator = true
	}

	return s.txn.addRequest(s, func() (any, *Error) {
		return s.storeOp(clone, k, useGenerator, overwrite)
	}), nil
}

// storeOp is the synchronous half of add/put, run under the transaction's
// savepoint.
func (s *ObjectStore) storeOp(clone any, k key.Key, useGenerator, overwrite bool) (any, *Error) {
	if e := s.txn.ensureSavepoint(); e != nil {
		return nil, e
	}
	ctx := s.txn.db.factory.ctx
	db := s.txn.db.state.sdb
	storeID := s.meta.st.ID

	current := int64(0)
	if s.meta.st.AutoIncrement {
		var err error
		current, err = db.CurrentKey(ctx, storeID)
		if err != nil {
			return nil, asError(err)
		}
	}

	if useGenerator {
		if current > maxGenerator {
			return nil, newError(ErrNameConstraint, "key generator is exhausted")
		}
		k = key.Number(float64(current))
		if !s.meta.st.KeyPath.IsZero() {
			if err := s.meta.st.KeyPath.Inject(clone, k); err != nil {
				return nil, asError(err)
			}
		}
	}

	ek := key.Encode(k)
	if !overwrite {
		exists, err := db.HasRecord(ctx, storeID, ek)
		if err != nil {
			return nil, asError(err)
		}
		if exists {
			return nil, newError(ErrNameConstraint, "a record with this key already exists")
		}
	}

	// Extract every index's keys up front so constraint checks run before
	// any write.
	type entrySet struct {
		meta *storage.IndexMeta
		keys []key.Key
	}
	var sets []entrySet
	for _, name := range s.IndexNames() {
		im := s.meta.indexes[name]
		sets = append(sets, entrySet{meta: im, keys: indexKeysFor(im, clone)})
	}

	var exclude []byte
	if overwrite {
		exclude = ek
	}
	for _, set := range sets {
		if !set.meta.Unique {
			continue
		}
		for _, ik := range set.keys {
			conflict, err := db.CheckUnique(ctx, set.meta.ID, key.Encode(ik), exclude)
			if err != nil {
				return nil, asError(err)
			}
			if conflict {
				return nil, newError(ErrNameConstraint,
					"unique index %q already contains this key", set.meta.Name)
			}
		}
	}

	if overwrite {
		for _, set := range sets {
			if err := db.DeleteIndexEntriesForPrimary(ctx, set.meta.ID, ek); err != nil {
				return nil, asError(err)
			}
		}
	}

	raw, err := vclone.Serialize(clone)
	if err != nil {
		return nil, asError(err)
	}
	if err := db.PutRecord(ctx, storeID, ek, raw); err != nil {
		return nil, asError(err)
	}
	for _, set := range sets {
		for _, ik := range set.keys {
			if err := db.AddIndexEntry(ctx, set.meta.ID, key.Encode(ik), ek); err != nil {
				return nil, asError(err)
			}
		}
	}

	// The generator advances only after a successful store, and only for
	// qualifying numeric keys.
	if s.meta.st.AutoIncrement && k.Type() == key.TypeNumber {
		if next := generatorAdvance(current, k.Float()); next != current {
			if err := db.UpdateCurrentKey(ctx, storeID, next); err != nil {
				return nil, asError(err)
			}
		}
	}

	return k.Value(), nil
}

// generatorAdvance applies the key generator update rules to the stored
// key's numeric value: finite integers at or above the current value bump it
// past them, +Inf (and anything at or past 2^53) pins the generator to its
// ceiling, and NaN, -Inf, and values below 1 leave it alone.
func generatorAdvance(current int64, f float64) int64 {
	switch {
	case math.IsNaN(f), math.IsInf(f, -1), f < 1:
		return current
	case math.IsInf(f, 1), f >= float64(maxGenerator):
		return maxGenerator + 1
	}
	i := int64(math.Floor(f))
	if i >= current {
		next := i + 1
		if next > maxGenerator+1 {
			next = maxGenerator + 1
		}
		return next
	}
	return current
}

// indexKeysFor extracts the index keys one record contributes to an index.
// Multi-entry indexes evaluate the path raw: an array fans out to one entry
// per valid element (duplicates within the record collapse), anything else
// falls back to single-entry behaviour. A failed or invalid extraction
// contributes nothing.
func indexKeysFor(im *storage.IndexMeta, value any) []key.Key {
	if !im.MultiEntry {
		k, outcome := im.KeyPath.Evaluate(value)
		if outcome != keypath.Resolved {
			return nil
		}
		return []key.Key{k}
	}

	raw, ok := im.KeyPath.EvaluateRaw(value)
	if !ok {
		return nil
	}
	arr, isArray := raw.([]any)
	if !isArray {
		k, err := key.FromValue(raw)
		if err != nil {
			return nil
		}
		return []key.Key{k}
	}

	var out []key.Key
	for _, elem := range arr {
		k, err := key.FromValue(elem)
		if err != nil {
			continue
		}
		dup := false
		for _, seen := range out {
			if key.Compare(seen, k) == 0 {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, k)
		}
	}
	return out
}

// Delete removes every record matched by the query (a key or a KeyRange),
// along with their index entries.
func (s *ObjectStore) Delete(query any) (*Request, error) {
	if err := s.check(true); err != nil {
		return nil, err
	}
	if query == nil {
		return nil, newError(ErrNameData, "delete requires a key or key range")
	}
	b, qerr := queryBounds(query)
	if qerr != nil {
		return nil, qerr
	}
	return s.txn.addRequest(s, func() (any, *Error) {
		return nil, s.deleteRange(b)
	}), nil
}

func (s *ObjectStore) deleteRange(b storage.Bounds) *Error {
	if e := s.txn.ensureSavepoint(); e != nil {
		return e
	}
	ctx := s.txn.db.factory.ctx
	db := s.txn.db.state.sdb

	if len(s.meta.indexes) > 0 {
		rows, err := db.GetRecordsInRange(ctx, s.meta.st.ID, b, false, 0)
		if err != nil {
			return asError(err)
		}
		for _, row := range rows {
			for _, im := range s.meta.indexes {
				if err := db.DeleteIndexEntriesForPrimary(ctx, im.ID, row.Key); err != nil {
					return asError(err)
				}
			}
		}
	}
	if err := db.DeleteRecordsInRange(ctx, s.meta.st.ID, b); err != nil {
		return asError(err)
	}
	return nil
}

// Clear removes every record and index entry of the store.
func (s *ObjectStore) Clear() (*Request, error) {
	if err := s.check(true); err != nil {
		return nil, err
	}
	return s.txn.addRequest(s, func() (any, *Error) {
		if e := s.txn.ensureSavepoint(); e != nil {
			return nil, e
		}
		ctx := s.txn.db.factory.ctx
		db := s.txn.db.state.sdb
		if err := db.ClearRecords(ctx, s.meta.st.ID); err != nil {
			return nil, asError(err)
		}
		for _, im := range s.meta.indexes {
			if err := db.ClearIndexEntries(ctx, im.ID); err != nil {
				return nil, asError(err)
			}
		}
		return nil, nil
	}), nil
}

// Get returns the value of the first record matched by the query, or nil.
func (s *ObjectStore) Get(query any) (*Request, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	if query == nil {
		return nil, newError(ErrNameData, "get requires a key or key range")
	}
	b, qerr := queryBounds(query)
	if qerr != nil {
		return nil, qerr
	}
	return s.txn.addRequest(s, func() (any, *Error) {
		ctx := s.txn.db.factory.ctx
		rows, err := s.txn.db.state.sdb.GetRecordsInRange(ctx, s.meta.st.ID, b, false, 1)
		if err != nil {
			return nil, asError(err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		v, derr := vclone.Deserialize(rows[0].Value)
		if derr != nil {
			return nil, asError(derr)
		}
		return v, nil
	}), nil
}

// GetKey returns the key of the first record matched by the query, or nil.
func (s *ObjectStore) GetKey(query any) (*Request, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	if query == nil {
		return nil, newError(ErrNameData, "getKey requires a key or key range")
	}
	b, qerr := queryBounds(query)
	if qerr != nil {
		return nil, qerr
	}
	return s.txn.addRequest(s, func() (any, *Error) {
		ctx := s.txn.db.factory.ctx
		rows, err := s.txn.db.state.sdb.GetRecordsInRange(ctx, s.meta.st.ID, b, false, 1)
		if err != nil {
			return nil, asError(err)
		}
		if len(rows) == 0 {
			return nil, nil
		}
		k, derr := key.Decode(rows[0].Key)
		if derr != nil {
			return nil, asError(derr)
		}
		return k.Value(), nil
	}), nil
}

// Count returns the number of records matched by the query; a nil query
// counts everything.
func (s *ObjectStore) Count(query any) (*Request, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	b, qerr := queryBounds(query)
	if qerr != nil {
		return nil, qerr
	}
	return s.txn.addRequest(s, func() (any, *Error) {
		n, err := s.txn.db.state.sdb.CountRecords(s.txn.db.factory.ctx, s.meta.st.ID, b)
		if err != nil {
			return nil, asError(err)
		}
		return n, nil
	}), nil
}

// GetAll returns the values of up to count records matched by the query, in
// key order. count <= 0 means unbounded.
func (s *ObjectStore) GetAll(query any, count int) (*Request, error) {
	return s.getAllRequest(query, count, Next, getAllValues)
}

// GetAllKeys returns the keys of up to count records matched by the query.
func (s *ObjectStore) GetAllKeys(query any, count int) (*Request, error) {
	return s.getAllRequest(query, count, Next, getAllKeys)
}

// GetAllOptions parameterises GetAllRecords.
type GetAllOptions struct {
	// Query is nil, a key, or a *KeyRange.
	Query any
	// Count caps the result size; 0 or negative means unbounded.
	Count int
	// Direction orders the result. Unique directions are only meaningful on
	// indexes; on a store they behave like their plain counterparts.
	Direction CursorDirection
}

// Record is one entry of a GetAllRecords result. For store queries Key and
// PrimaryKey are the same; for index queries Key is the index key.
type Record struct {
	Key        any
	PrimaryKey any
	Value      any
}

// GetAllRecords returns up to Count records as (key, primaryKey, value)
// triples, ordered by Direction.
func (s *ObjectStore) GetAllRecords(opts GetAllOptions) (*Request, error) {
	dir := opts.Direction
	if dir == 0 {
		dir = Next
	}
	return s.getAllRequest(opts.Query, opts.Count, dir, getAllRecords)
}

type getAllMode int

const (
	getAllValues getAllMode = iota + 1
	getAllKeys
	getAllRecords
)

func (s *ObjectStore) getAllRequest(query any, count int, dir CursorDirection, mode getAllMode) (*Request, error) {
	if err := s.check(false); err != nil {
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
	return s.txn.addRequest(s, func() (any, *Error) {
		ctx := s.txn.db.factory.ctx
		rows, err := s.txn.db.state.sdb.GetRecordsInRange(ctx, s.meta.st.ID, b, desc, count)
		if err != nil {
			return nil, asError(err)
		}
		switch mode {
		case getAllKeys:
			out := make([]any, 0, len(rows))
			for _, row := range rows {
				k, derr := key.Decode(row.Key)
				if derr != nil {
					return nil, asError(derr)
				}
				out = append(out, k.Value())
			}
			return out, nil
		case getAllRecords:
			out := make([]Record, 0, len(rows))
			for _, row := range rows {
				k, derr := key.Decode(row.Key)
				if derr != nil {
					return nil, asError(derr)
				}
				v, verr := vclone.Deserialize(row.Value)
				if verr != nil {
					return nil, asError(verr)
				}
				kv := k.Value()
				out = append(out, Record{Key: kv, PrimaryKey: kv, Value: v})
			}
			return out, nil
		default:
			out := make([]any, 0, len(rows))
			for _, row := range rows {
				v, verr := vclone.Deserialize(row.Value)
				if verr != nil {
					return nil, asError(verr)
				}
				out = append(out, v)
			}
			return out, nil
		}
	}), nil
}

// IndexOptions configures CreateIndex.
type IndexOptions struct {
	Unique     bool
	MultiEntry bool
}

// CreateIndex creates an index and back-populates it from existing records
// inside the same savepoint. Legal only in a version-change transaction. A
// unique violation found during back-population aborts the transaction
// asynchronously, after the handle has been returned.
func (s *ObjectStore) CreateIndex(name string, keyPath any, opts IndexOptions) (*Index, error) {
	t := s.txn
	if t.mode != VersionChange {
		return nil, newError(ErrNameInvalidState, "createIndex requires a version change transaction")
	}
	if s.deleted {
		return nil, newError(ErrNameInvalidState, "object store has been deleted")
	}
	if t.state != stateActive {
		return nil, newError(ErrNameTransactionInactive, "transaction is not active")
	}
	if _, exists := s.meta.indexes[name]; exists {
		return nil, newError(ErrNameConstraint, "an index named %q already exists", name)
	}
	if keyPath == nil {
		return nil, newError(ErrNameSyntax, "createIndex requires a key path")
	}
	kp, kerr := keypath.ParseAny(keyPath)
	if kerr != nil {
		return nil, asError(kerr)
	}
	if opts.MultiEntry && kp.IsSequence() {
		return nil, newError(ErrNameInvalidAccess, "multiEntry cannot be combined with an array key path")
	}

	if e := t.ensureSavepoint(); e != nil {
		return nil, e
	}
	ctx := t.db.factory.ctx
	db := t.db.state.sdb
	meta, serr := db.CreateIndex(ctx, s.meta.st.ID, name, kp, opts.Unique, opts.MultiEntry)
	if serr != nil {
		return nil, asError(serr)
	}
	im := &meta
	s.meta.indexes[name] = im

	idx := newIndex(s, im)
	s.indexes[name] = idx
	t.journalAppend(revertEntry{kind: revertCreatedIndex, index: idx})

	// Back-populate from existing records. A constraint violation aborts
	// asynchronously; the caller still gets the handle, which the revert
	// journal will mark deleted.
	rows, rerr := db.GetRecordsInRange(ctx, s.meta.st.ID, storage.Bounds{}, false, 0)
	if rerr != nil {
		return nil, asError(rerr)
	}
populate:
	for _, row := range rows {
		value, derr := vclone.Deserialize(row.Value)
		if derr != nil {
			return nil, asError(derr)
		}
		for _, ik := range indexKeysFor(im, value) {
			if im.Unique {
				conflict, cerr := db.CheckUnique(ctx, im.ID, key.Encode(ik), nil)
				if cerr != nil {
					return nil, asError(cerr)
				}
				if conflict {
					err := newError(ErrNameConstraint,
						"unique index %q cannot be built over existing records", name)
					t.loop().Post(func() { t.abortWith(err) })
					break populate
				}
			}
			if aerr := db.AddIndexEntry(ctx, im.ID, key.Encode(ik), row.Key); aerr != nil {
				return nil, asError(aerr)
			}
		}
	}
	return idx, nil
}

// DeleteIndex removes an index. Legal only in a version-change transaction.
func (s *ObjectStore) DeleteIndex(name string) error {
	t := s.txn
	if t.mode != VersionChange {
		return newError(ErrNameInvalidState, "deleteIndex requires a version change transaction")
	}
	if s.deleted {
		return newError(ErrNameInvalidState, "object store has been deleted")
	}
	if t.state != stateActive {
		return newError(ErrNameTransactionInactive, "transaction is not active")
	}
	im, ok := s.meta.indexes[name]
	if !ok {
		return newError(ErrNameNotFound, "no index named %q", name)
	}
	if e := t.ensureSavepoint(); e != nil {
		return e
	}
	if err := s.txn.db.state.sdb.DeleteIndex(s.txn.db.factory.ctx, im.ID); err != nil {
		return asError(err)
	}
	delete(s.meta.indexes, name)

	handle := s.indexes[name]
	if handle == nil {
		handle = newIndex(s, im)
	}
	handle.deleted = true
	delete(s.indexes, name)
	t.journalAppend(revertEntry{kind: revertDeletedIndex, index: handle})
	return nil
}

// Index returns a transaction-scoped handle to a named index. After the
// transaction has finished this is an InvalidStateError (not
// TransactionInactiveError, unlike data operations).
func (s *ObjectStore) Index(name string) (*Index, error) {
	if s.deleted {
		return nil, newError(ErrNameInvalidState, "object store has been deleted")
	}
	if s.txn.isFinished() {
		return nil, newError(ErrNameInvalidState, "transaction is finished")
	}
	if idx, ok := s.indexes[name]; ok && !idx.deleted {
		return idx, nil
	}
	im, ok := s.meta.indexes[name]
	if !ok {
		return nil, newError(ErrNameNotFound, "no index named %q", name)
	}
	idx := newIndex(s, im)
	s.indexes[name] = idx
	return idx, nil
}

// Rename renames the store. Legal only in a version-change transaction on a
// live handle; renaming to the current name is a no-op and a clash with
// another store is a ConstraintError.
func (s *ObjectStore) Rename(newName string) error {
	t := s.txn
	if s.deleted {
		return newError(ErrNameInvalidState, "object store has been deleted")
	}
	if t.mode != VersionChange {
		return newError(ErrNameInvalidState, "rename requires a version change transaction")
	}
	if t.state != stateActive {
		return newError(ErrNameTransactionInactive, "transaction is not active")
	}
	old := s.name
	if newName == old {
		return nil
	}
	if _, exists := t.db.state.meta.stores[newName]; exists {
		return newError(ErrNameConstraint, "an object store named %q already exists", newName)
	}
	if e := t.ensureSavepoint(); e != nil {
		return e
	}
	if err := t.db.state.sdb.RenameStore(t.db.factory.ctx, s.meta.st.ID, newName); err != nil {
		return asError(err)
	}

	delete(t.db.state.meta.stores, old)
	t.db.state.meta.stores[newName] = s.meta
	s.meta.st.Name = newName
	s.name = newName
	delete(t.stores, old)
	t.stores[newName] = s
	t.journalAppend(revertEntry{kind: revertRenamedStore, store: s, old: old, new: newName})
	return nil
}
