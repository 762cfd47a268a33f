package idb

import (
	"fmt"

	"github.com/mereville/idb/internal/key"
	"github.com/mereville/idb/internal/keypath"
	"github.com/mereville/idb/internal/storage"
	"github.com/mereville/idb/internal/vclone"
)

// CursorDirection is the iteration order of a cursor.
type CursorDirection int

const (
	// Next iterates ascending.
	Next CursorDirection = iota + 1
	// NextUnique iterates ascending, visiting each distinct index key once
	// (its entry with the smallest primary key).
	NextUnique
	// Prev iterates descending.
	Prev
	// PrevUnique iterates descending over distinct index keys; each key
	// still yields its smallest-primary-key entry.
	PrevUnique
)

func (d CursorDirection) String() string {
	switch d {
	case Next:
		return "next"
	case NextUnique:
		return "nextunique"
	case Prev:
		return "prev"
	case PrevUnique:
		return "prevunique"
	}
	return fmt.Sprintf("CursorDirection(%d)", int(d))
}

func (d CursorDirection) reverse() bool { return d == Prev || d == PrevUnique }
func (d CursorDirection) unique() bool  { return d == NextUnique || d == PrevUnique }

// Cursor iterates records of a store, or entries of an index, in a chosen
// direction. A cursor and its request are reused across the whole iteration:
// each Continue/Advance re-arms the same request and delivers the same
// cursor, repositioned, as its result (nil once exhausted).
type Cursor struct {
	txn     *Transaction
	store   *ObjectStore
	index   *Index // nil for store cursors
	req     *Request
	dir     CursorDirection
	keyOnly bool
	rng     storage.Bounds

	curKey     key.Key
	curPrimary key.Key
	value      any
	gotValue   bool

	// continueCalled marks that a continuation was issued; while its request
	// is pending again, a second seek before the event fires is an
	// InvalidStateError.
	continueCalled bool

	// Internal byte positions: the encoded index key and primary key of the
	// entry the cursor sits on. posPrimary only matters for index cursors.
	posKey     []byte
	posPrimary []byte
}

// Source returns the *ObjectStore or *Index the cursor iterates.
func (c *Cursor) Source() any {
	if c.index != nil {
		return c.index
	}
	return c.store
}

// Direction returns the iteration direction.
func (c *Cursor) Direction() CursorDirection { return c.dir }

// Request returns the request the cursor delivers itself through.
func (c *Cursor) Request() *Request { return c.req }

// Key returns the cursor's current key: the record key for store cursors,
// the index key for index cursors. Nil when the cursor has no value.
func (c *Cursor) Key() any {
	if c.curKey.IsZero() {
		return nil
	}
	return c.curKey.Value()
}

// PrimaryKey returns the current record's primary key, nil when exhausted.
func (c *Cursor) PrimaryKey() any {
	if c.curPrimary.IsZero() {
		return nil
	}
	return c.curPrimary.Value()
}

// Value returns the current record's value; nil for key-only cursors and
// exhausted cursors.
func (c *Cursor) Value() any { return c.value }

func (c *Cursor) sourceCheck(write bool) *Error {
	if c.store.deleted || (c.index != nil && c.index.deleted) {
		return newError(ErrNameInvalidState, "cursor's source has been deleted")
	}
	if c.txn.state != stateActive {
		return newError(ErrNameTransactionInactive, "transaction is not active")
	}
	if write && c.txn.mode == ReadOnly {
		return newError(ErrNameReadOnly, "transaction is read-only")
	}
	return nil
}

func (c *Cursor) iterationCheck() *Error {
	if !c.gotValue {
		return newError(ErrNameInvalidState, "cursor has no current value")
	}
	if c.continueCalled && c.req.state == Pending {
		return newError(ErrNameInvalidState, "cursor is already iterating")
	}
	return nil
}

// Continue re-seeks to the next qualifying entry, or to the first entry at
// or past the optional target key. The target must lie strictly ahead of the
// current position in the cursor's direction.
func (c *Cursor) Continue(optionalKey ...any) error {
	if err := c.sourceCheck(false); err != nil {
		return err
	}
	if err := c.iterationCheck(); err != nil {
		return err
	}
	var seek []byte
	if len(optionalKey) > 0 && optionalKey[0] != nil {
		k, err := key.FromValue(optionalKey[0])
		if err != nil {
			return asError(err)
		}
		cmp := key.Compare(k, c.curKey)
		if c.dir.reverse() && cmp >= 0 {
			return newError(ErrNameData, "continue key must precede the cursor's position")
		}
		if !c.dir.reverse() && cmp <= 0 {
			return newError(ErrNameData, "continue key must follow the cursor's position")
		}
		seek = key.Encode(k)
	}
	c.continueCalled = true
	c.txn.rearm(c.req, func() (any, *Error) { return c.step(1, seek, nil) })
	return nil
}

// Advance skips exactly n qualifying entries in direction order. n must be
// positive.
func (c *Cursor) Advance(n int) error {
	if n <= 0 {
		return newError(ErrNameType, "advance count must be positive")
	}
	if err := c.sourceCheck(false); err != nil {
		return err
	}
	if err := c.iterationCheck(); err != nil {
		return err
	}
	c.continueCalled = true
	c.txn.rearm(c.req, func() (any, *Error) { return c.step(n, nil, nil) })
	return nil
}

// ContinuePrimaryKey moves an index cursor to the first entry at or past
// (targetKey, targetPrimaryKey) in direction order. Only legal on index
// cursors with a non-unique direction.
func (c *Cursor) ContinuePrimaryKey(targetKey, targetPrimaryKey any) error {
	if err := c.sourceCheck(false); err != nil {
		return err
	}
	if c.index == nil {
		return newError(ErrNameInvalidAccess, "continuePrimaryKey requires an index cursor")
	}
	if c.dir.unique() {
		return newError(ErrNameInvalidAccess, "continuePrimaryKey requires a non-unique direction")
	}
	if err := c.iterationCheck(); err != nil {
		return err
	}
	tk, err := key.FromValue(targetKey)
	if err != nil {
		return asError(err)
	}
	tpk, err := key.FromValue(targetPrimaryKey)
	if err != nil {
		return asError(err)
	}
	kcmp := key.Compare(tk, c.curKey)
	pcmp := key.Compare(tpk, c.curPrimary)
	if c.dir.reverse() {
		if kcmp > 0 || (kcmp == 0 && pcmp >= 0) {
			return newError(ErrNameData, "target must precede the cursor's position")
		}
	} else {
		if kcmp < 0 || (kcmp == 0 && pcmp <= 0) {
			return newError(ErrNameData, "target must follow the cursor's position")
		}
	}
	c.continueCalled = true
	c.txn.rearm(c.req, func() (any, *Error) {
		return c.step(1, key.Encode(tk), key.Encode(tpk))
	})
	return nil
}

// Update overwrites the record the cursor sits on, keeping its primary key.
// The resulting request's source is the cursor.
func (c *Cursor) Update(value any) (*Request, error) {
	if err := c.sourceCheck(true); err != nil {
		return nil, err
	}
	if c.keyOnly {
		return nil, newError(ErrNameInvalidState, "cannot update through a key-only cursor")
	}
	if err := c.iterationCheck(); err != nil {
		return nil, err
	}

	saved := c.txn.state
	c.txn.state = stateInactive
	clone, cerr := vclone.Clone(value)
	c.txn.state = saved
	if cerr != nil {
		return nil, asError(cerr)
	}

	// For a store keyed by key path, the new value must carry the cursor's
	// primary key; an out-of-line store reuses the primary key directly.
	kp := c.store.meta.st.KeyPath
	if !kp.IsZero() {
		extracted, outcome := kp.Evaluate(clone)
		if outcome != keypath.Resolved || key.Compare(extracted, c.curPrimary) != 0 {
			return nil, newError(ErrNameData, "value's key does not match the cursor's primary key")
		}
	}

	pk := c.curPrimary
	return c.txn.addRequest(c, func() (any, *Error) {
		return c.store.storeOp(clone, pk, false, true)
	}), nil
}

// Delete removes the record the cursor sits on. The resulting request's
// source is the cursor.
func (c *Cursor) Delete() (*Request, error) {
	if err := c.sourceCheck(true); err != nil {
		return nil, err
	}
	if c.keyOnly {
		return nil, newError(ErrNameInvalidState, "cannot delete through a key-only cursor")
	}
	if err := c.iterationCheck(); err != nil {
		return nil, err
	}
	pk := key.Encode(c.curPrimary)
	return c.txn.addRequest(c, func() (any, *Error) {
		return nil, c.store.deleteRange(storage.Exact(pk))
	}), nil
}

// step advances the cursor n qualifying entries (or seeks to the target) and
// returns the repositioned cursor, or nil when the iteration is exhausted.
func (c *Cursor) step(n int, seekKey, seekPrimary []byte) (any, *Error) {
	for i := 0; i < n; i++ {
		ok, err := c.stepOne(seekKey, seekPrimary)
		if err != nil {
			return nil, err
		}
		if !ok {
			c.exhaust()
			return nil, nil
		}
		seekKey, seekPrimary = nil, nil
	}
	if err := c.load(); err != nil {
		return nil, err
	}
	c.gotValue = true
	return c, nil
}

func (c *Cursor) stepOne(seekKey, seekPrimary []byte) (bool, *Error) {
	ctx := c.txn.db.factory.ctx
	db := c.txn.db.state.sdb
	desc := c.dir.reverse()

	if c.index == nil {
		b := c.rng
		after := c.posKey
		if seekKey != nil {
			// An explicit target narrows the range instead of stepping: the
			// first record at or past the target, still inside the range.
			if desc {
				b.Upper, b.UpperOpen = seekKey, false
			} else {
				b.Lower, b.LowerOpen = seekKey, false
			}
			after = nil
		}
		row, ok, err := db.NextRecord(ctx, c.store.meta.st.ID, b, after, desc)
		if err != nil {
			return false, asError(err)
		}
		if !ok {
			return false, nil
		}
		c.posKey, c.posPrimary = row.Key, row.Key
		return true, nil
	}

	var (
		row   storage.IndexRow
		found bool
	)
	switch {
	case seekKey != nil && seekPrimary != nil:
		// continuePrimaryKey: land exactly on the target pair if it exists,
		// else on the first pair strictly past it.
		has, err := db.HasIndexEntry(ctx, c.index.meta.ID, seekKey, seekPrimary)
		if err != nil {
			return false, asError(err)
		}
		if has {
			row, found = storage.IndexRow{Key: seekKey, Primary: seekPrimary}, true
			break
		}
		row, found, err = db.NextIndexEntry(ctx, c.index.meta.ID, c.rng, seekKey, seekPrimary, false, desc)
		if err != nil {
			return false, asError(err)
		}
	case seekKey != nil:
		var err error
		row, found, err = db.NextIndexEntry(ctx, c.index.meta.ID, c.rng, seekKey, nil, false, desc)
		if err != nil {
			return false, asError(err)
		}
	default:
		var err error
		row, found, err = db.NextIndexEntry(ctx, c.index.meta.ID, c.rng, c.posKey, c.posPrimary, c.dir.unique(), desc)
		if err != nil {
			return false, asError(err)
		}
	}
	if !found {
		return false, nil
	}

	// Unique reverse iteration lands on each run's smallest primary key.
	if c.dir == PrevUnique {
		first, ok, err := db.FirstPrimaryForIndexKey(ctx, c.index.meta.ID, row.Key)
		if err != nil {
			return false, asError(err)
		}
		if ok {
			row.Primary = first
		}
	}

	c.posKey, c.posPrimary = row.Key, row.Primary
	return true, nil
}

// load decodes the position into the public key/primaryKey/value fields.
func (c *Cursor) load() *Error {
	ctx := c.txn.db.factory.ctx
	db := c.txn.db.state.sdb

	k, err := key.Decode(c.posKey)
	if err != nil {
		return asError(err)
	}
	pk, err := key.Decode(c.posPrimary)
	if err != nil {
		return asError(err)
	}
	c.curKey, c.curPrimary = k, pk

	if c.keyOnly {
		c.value = nil
		return nil
	}
	raw, found, gerr := db.GetRecord(ctx, c.store.meta.st.ID, c.posPrimary)
	if gerr != nil {
		return asError(gerr)
	}
	if !found {
		c.value = nil
		return nil
	}
	v, derr := vclone.Deserialize(raw)
	if derr != nil {
		return asError(derr)
	}
	c.value = v
	return nil
}

func (c *Cursor) exhaust() {
	c.curKey, c.curPrimary = key.Key{}, key.Key{}
	c.value = nil
	c.gotValue = false
	c.continueCalled = false
}

// openCursor builds the cursor and its request, with the initial fetch as
// the request's operation.
func openCursor(s *ObjectStore, ix *Index, source any, query any, dir CursorDirection, keyOnly bool) (*Request, error) {
	b, qerr := queryBounds(query)
	if qerr != nil {
		return nil, qerr
	}
	if dir == 0 {
		dir = Next
	}
	c := &Cursor{
		txn:     s.txn,
		store:   s,
		index:   ix,
		dir:     dir,
		keyOnly: keyOnly,
		rng:     b,
	}
	req := s.txn.addRequest(source, func() (any, *Error) { return c.step(1, nil, nil) })
	c.req = req
	return req, nil
}

// OpenCursor iterates the store's records in direction order; the request's
// result is the cursor, or nil when nothing matches.
func (s *ObjectStore) OpenCursor(query any, direction ...CursorDirection) (*Request, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	dir := CursorDirection(0)
	if len(direction) > 0 {
		dir = direction[0]
	}
	return openCursor(s, nil, s, query, dir, false)
}

// OpenKeyCursor is OpenCursor without value loading.
func (s *ObjectStore) OpenKeyCursor(query any, direction ...CursorDirection) (*Request, error) {
	if err := s.check(false); err != nil {
		return nil, err
	}
	dir := CursorDirection(0)
	if len(direction) > 0 {
		dir = direction[0]
	}
	return openCursor(s, nil, s, query, dir, true)
}

// OpenCursor iterates the index's entries ordered by (index key, primary
// key) tuples.
func (ix *Index) OpenCursor(query any, direction ...CursorDirection) (*Request, error) {
	if err := ix.check(); err != nil {
		return nil, err
	}
	dir := CursorDirection(0)
	if len(direction) > 0 {
		dir = direction[0]
	}
	return openCursor(ix.store, ix, ix, query, dir, false)
}

// OpenKeyCursor is OpenCursor without value loading.
func (ix *Index) OpenKeyCursor(query any, direction ...CursorDirection) (*Request, error) {
	if err := ix.check(); err != nil {
		return nil, err
	}
	dir := CursorDirection(0)
	if len(direction) > 0 {
		dir = direction[0]
	}
	return openCursor(ix.store, ix, ix, query, dir, true)
}
