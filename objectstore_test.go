package idb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenario: open "D", upgrade creates store with key path "id", put, get,
// count.
func TestStore_BasicPutGet(t *testing.T) {
	f := newTestFactory(t)
	db := openDB(t, f, "D", 1, func(db *Database, _ *Transaction) {
		_, err := db.CreateObjectStore("S", ObjectStoreOptions{KeyPath: "id"})
		require.NoError(t, err)
	})

	txn, err := db.Transaction([]string{"S"}, ReadWrite)
	require.NoError(t, err)
	store, err := txn.ObjectStore("S")
	require.NoError(t, err)

	putRes := await(t, f, mustReq(t)(store.Put(map[string]any{"id": 42.0, "name": "a"})))
	assert.Equal(t, 42.0, putRes, "put reports the effective key")

	_, s2 := func() (*Transaction, *ObjectStore) {
		txn, err := db.Transaction([]string{"S"}, ReadOnly)
		require.NoError(t, err)
		st, err := txn.ObjectStore("S")
		require.NoError(t, err)
		return txn, st
	}()

	got := await(t, f, mustReq(t)(s2.Get(42.0)))
	m, ok := got.(map[string]any)
	require.True(t, ok, "get returns the stored document, got %T", got)
	assert.Equal(t, 42.0, m["id"])
	assert.Equal(t, "a", m["name"])
}

func TestStore_GetMissingIsNil(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})
	_, store := roTxn(t, db)
	got := await(t, f, mustReq(t)(store.Get(999.0)))
	assert.Nil(t, got)
}

func TestStore_PutRoundTripAndDelete(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	_, store := rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 1.0, "v": "one"})

	_, store = rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 1.0, "v": "one again"})

	_, s := roTxn(t, db)
	got := await(t, f, mustReq(t)(s.Get(1.0)))
	assert.Equal(t, "one again", got.(map[string]any)["v"], "put overwrites")

	_, s = roTxn(t, db)
	n := await(t, f, mustReq(t)(s.Count(nil)))
	assert.Equal(t, int64(1), n, "idempotent put leaves one record")

	_, store = rwTxn(t, db)
	_ = await(t, f, mustReq(t)(store.Delete(1.0)))

	_, s = roTxn(t, db)
	assert.Nil(t, await(t, f, mustReq(t)(s.Get(1.0))))
	_, s = roTxn(t, db)
	assert.Equal(t, int64(0), await(t, f, mustReq(t)(s.Count(nil))))
}

func TestStore_AddDuplicateFails(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	txn, store := rwTxn(t, db)
	_, err := store.Add(map[string]any{"id": 1.0})
	require.NoError(t, err)
	dup, err := store.Add(map[string]any{"id": 1.0})
	require.NoError(t, err)
	dup.OnError = func(ev *Event) { ev.PreventDefault() }
	_ = txn

	e := awaitErr(t, f, dup)
	require.NotNil(t, e)
	assert.True(t, IsConstraintError(e))
}

func TestStore_KeyArgumentRules(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	_, store := rwTxn(t, db)

	// Explicit key with an in-line key path.
	_, err := store.Put(map[string]any{"id": 1.0}, 5.0)
	require.Error(t, err)
	assert.True(t, IsDataError(err))

	// Key path evaluates to an invalid key.
	_, err = store.Put(map[string]any{"id": true})
	require.Error(t, err)
	assert.True(t, IsDataError(err))

	// Key path unresolved without a generator.
	_, err = store.Put(map[string]any{"name": "x"})
	require.Error(t, err)
	assert.True(t, IsDataError(err))

	// Invalid explicit key on an out-of-line store.
	db2 := openDB(t, f, "outofline", 1, func(db *Database, _ *Transaction) {
		_, cerr := db.CreateObjectStore("items", ObjectStoreOptions{})
		require.NoError(t, cerr)
	})
	_, store2 := rwTxn(t, db2)
	_, err = store2.Put(map[string]any{"x": 1.0}, map[string]any{})
	require.Error(t, err)
	assert.True(t, IsDataError(err))

	// Out-of-line with no key and no generator.
	_, err = store2.Put(map[string]any{"x": 1.0})
	require.Error(t, err)
	assert.True(t, IsDataError(err))
}

// Scenario: auto-increment generation, injection, and manual-key bumping.
func TestStore_AutoIncrement(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id", AutoIncrement: true})

	_, store := rwTxn(t, db)
	assert.Equal(t, 1.0, putDoc(t, f, store, map[string]any{"name": "x"}))

	_, store = rwTxn(t, db)
	assert.Equal(t, 2.0, putDoc(t, f, store, map[string]any{"name": "y"}))

	_, store = rwTxn(t, db)
	assert.Equal(t, 100.0, putDoc(t, f, store, map[string]any{"id": 100.0, "name": "z"}))

	_, store = rwTxn(t, db)
	assert.Equal(t, 101.0, putDoc(t, f, store, map[string]any{"name": "w"}),
		"an explicit key bumps the generator past itself")

	// The generated key was injected into the stored value.
	_, s := roTxn(t, db)
	got := await(t, f, mustReq(t)(s.Get(1.0)))
	require.NotNil(t, got)
	assert.Equal(t, 1.0, got.(map[string]any)["id"])
	assert.Equal(t, "x", got.(map[string]any)["name"])
}

func TestStore_AutoIncrementLowKeysDoNotRewind(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id", AutoIncrement: true})

	_, store := rwTxn(t, db)
	assert.Equal(t, 1.0, putDoc(t, f, store, map[string]any{"name": "a"}))
	_, store = rwTxn(t, db)
	assert.Equal(t, 2.0, putDoc(t, f, store, map[string]any{"name": "b"}))

	// Keys below the current value leave the generator alone.
	_, store = rwTxn(t, db)
	assert.Equal(t, 0.5, putDoc(t, f, store, map[string]any{"id": 0.5}))
	_, store = rwTxn(t, db)
	assert.Equal(t, 3.0, putDoc(t, f, store, map[string]any{"name": "c"}))
}

func TestGeneratorAdvance(t *testing.T) {
	nan := 0.0
	nan /= nan

	tests := []struct {
		name    string
		current int64
		key     float64
		want    int64
	}{
		{"integer at current", 1, 1, 2},
		{"integer above current", 2, 100, 101},
		{"below current", 5, 3, 5},
		{"below one", 5, 0.25, 5},
		{"negative", 5, -10, 5},
		{"nan", 5, nan, 5},
		{"minus inf", 5, inf(-1), 5},
		{"plus inf pins", 5, inf(1), maxGenerator + 1},
		{"at ceiling pins", 5, float64(maxGenerator), maxGenerator + 1},
		{"fractional floors", 1, 3.7, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, generatorAdvance(tt.current, tt.key))
		})
	}
}

func inf(sign int) float64 {
	huge := 1e308
	return huge * huge * float64(sign)
}

func TestStore_ClearAndRangeDelete(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	_, store := rwTxn(t, db)
	for i := 1; i <= 5; i++ {
		putDoc(t, f, store, map[string]any{"id": float64(i)})
		if i < 5 {
			_, store = rwTxn(t, db)
		}
	}

	// Delete [2,4).
	rng, err := Bound(2.0, 4.0, false, true)
	require.NoError(t, err)
	_, store = rwTxn(t, db)
	_ = await(t, f, mustReq(t)(store.Delete(rng)))

	_, s := roTxn(t, db)
	keys := await(t, f, mustReq(t)(s.GetAllKeys(nil, 0)))
	assert.Equal(t, []any{1.0, 4.0, 5.0}, keys)

	_, store = rwTxn(t, db)
	_ = await(t, f, mustReq(t)(store.Clear()))
	_, s = roTxn(t, db)
	assert.Equal(t, int64(0), await(t, f, mustReq(t)(s.Count(nil))))
}

func TestStore_GetAllVariants(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	_, store := rwTxn(t, db)
	for _, id := range []float64{3, 1, 2} {
		putDoc(t, f, store, map[string]any{"id": id, "tag": id * 10})
		_, store = rwTxn(t, db)
	}

	_, s := roTxn(t, db)

	vals := await(t, f, mustReq(t)(s.GetAll(nil, 0))).([]any)
	require.Len(t, vals, 3)
	assert.Equal(t, 1.0, vals[0].(map[string]any)["id"], "getAll is in key order")

	_, s = roTxn(t, db)
	keys := await(t, f, mustReq(t)(s.GetAllKeys(nil, 2)))
	assert.Equal(t, []any{1.0, 2.0}, keys, "count caps the result")

	_, s = roTxn(t, db)
	recs := await(t, f, mustReq(t)(s.GetAllRecords(GetAllOptions{Direction: Prev}))).([]Record)
	require.Len(t, recs, 3)
	assert.Equal(t, 3.0, recs[0].Key)
	assert.Equal(t, recs[0].Key, recs[0].PrimaryKey)
	assert.Equal(t, 30.0, recs[0].Value.(map[string]any)["tag"])

	rng, err := LowerBound(2.0, false)
	require.NoError(t, err)
	_, s = roTxn(t, db)
	keys = await(t, f, mustReq(t)(s.GetAllKeys(rng, 0)))
	assert.Equal(t, []any{2.0, 3.0}, keys)

	_, s = roTxn(t, db)
	_, err = s.GetAll(nil, -1)
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrNameType, e.Name)
}

func TestStore_CrossTypeKeyOrder(t *testing.T) {
	f := newTestFactory(t)
	db := openDB(t, f, "kinds", 1, func(db *Database, _ *Transaction) {
		_, err := db.CreateObjectStore("items", ObjectStoreOptions{})
		require.NoError(t, err)
	})

	_, store := rwTxn(t, db)
	// Inserted shuffled; must come back number < date < string < binary < array.
	docs := []any{"str", 7.0, []byte{1}, []any{1.0}, dateVal(t)}
	for i, k := range docs {
		req, err := store.Put(map[string]any{"i": float64(i)}, k)
		require.NoError(t, err)
		_ = await(t, f, req)
		if i < len(docs)-1 {
			_, store = rwTxn(t, db)
		}
	}

	_, s := roTxn(t, db)
	keys := await(t, f, mustReq(t)(s.GetAllKeys(nil, 0))).([]any)
	require.Len(t, keys, 5)
	assert.Equal(t, 7.0, keys[0])
	assert.IsType(t, time.Time{}, keys[1], "dates sort after numbers")
	assert.Equal(t, "str", keys[2])
	assert.Equal(t, []byte{1}, keys[3])
	assert.Equal(t, []any{1.0}, keys[4])
}

func dateVal(t *testing.T) any {
	t.Helper()
	return time.UnixMilli(1700000000000)
}

func TestIndex_UniqueConstraint(t *testing.T) {
	f := newTestFactory(t)
	db := openDB(t, f, "u", 1, func(db *Database, _ *Transaction) {
		store, err := db.CreateObjectStore("items", ObjectStoreOptions{KeyPath: "id"})
		require.NoError(t, err)
		_, err = store.CreateIndex("email", "email", IndexOptions{Unique: true})
		require.NoError(t, err)
	})

	_, store := rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 1.0, "email": "a@x"})
	_, store = rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 2.0, "email": "b@x"})

	// Overwriting your own row with your own unique key succeeds.
	_, store = rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 1.0, "email": "a@x", "extra": true})

	// Colliding with another row's unique key fails and aborts.
	txn, store := rwTxn(t, db)
	bad, err := store.Put(map[string]any{"id": 3.0, "email": "b@x"})
	require.NoError(t, err)
	aborted := false
	txn.OnAbort = func(*Event) { aborted = true }
	e := awaitErr(t, f, bad)
	require.NotNil(t, e)
	assert.True(t, IsConstraintError(e))
	assert.True(t, aborted)

	_, s := roTxn(t, db)
	assert.Equal(t, int64(2), await(t, f, mustReq(t)(s.Count(nil))))
}

func TestIndex_GetAndCount(t *testing.T) {
	f := newTestFactory(t)
	db := openDB(t, f, "ix", 1, func(db *Database, _ *Transaction) {
		store, err := db.CreateObjectStore("items", ObjectStoreOptions{KeyPath: "id"})
		require.NoError(t, err)
		_, err = store.CreateIndex("by_tag", "tag", IndexOptions{})
		require.NoError(t, err)
	})

	_, store := rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 1.0, "tag": "b"})
	_, store = rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 2.0, "tag": "a"})
	_, store = rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 3.0, "tag": "a"})

	// await drains the loop, which auto-commits the read transaction, so
	// each query below runs on a fresh one.
	byTag := func() *Index {
		_, s := roTxn(t, db)
		idx, err := s.Index("by_tag")
		require.NoError(t, err)
		return idx
	}

	got := await(t, f, mustReq(t)(byTag().Get("a")))
	require.NotNil(t, got)
	assert.Equal(t, 2.0, got.(map[string]any)["id"],
		"index get returns the record with the smallest primary key")

	pk := await(t, f, mustReq(t)(byTag().GetKey("a")))
	assert.Equal(t, 2.0, pk)

	assert.Equal(t, int64(3), await(t, f, mustReq(t)(byTag().Count(nil))))
	assert.Equal(t, int64(2), await(t, f, mustReq(t)(byTag().Count("a"))))

	keys := await(t, f, mustReq(t)(byTag().GetAllKeys(nil, 0)))
	assert.Equal(t, []any{2.0, 3.0, 1.0}, keys,
		"index getAllKeys follows (index key, primary key) order")

	vals := await(t, f, mustReq(t)(byTag().GetAll("a", 1))).([]any)
	require.Len(t, vals, 1)
	assert.Equal(t, 2.0, vals[0].(map[string]any)["id"])
}

func TestIndex_MultiEntry(t *testing.T) {
	f := newTestFactory(t)
	db := openDB(t, f, "me", 1, func(db *Database, _ *Transaction) {
		store, err := db.CreateObjectStore("items", ObjectStoreOptions{KeyPath: "id"})
		require.NoError(t, err)
		_, err = store.CreateIndex("tags", "tags", IndexOptions{MultiEntry: true})
		require.NoError(t, err)
	})

	_, store := rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 1.0, "tags": []any{"b", "a", "a"}})
	_, store = rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 2.0, "tags": "solo"})
	_, store = rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 3.0, "tags": []any{"a", true, "c"}})

	_, s := roTxn(t, db)
	idx, err := s.Index("tags")
	require.NoError(t, err)

	// id 1 contributes a,b (duplicate a collapsed); id 2 contributes solo;
	// id 3 contributes a,c (invalid element skipped).
	assert.Equal(t, int64(5), await(t, f, mustReq(t)(idx.Count(nil))))
	_, s = roTxn(t, db)
	idx, err = s.Index("tags")
	require.NoError(t, err)
	keys := await(t, f, mustReq(t)(idx.GetAllKeys("a", 0)))
	assert.Equal(t, []any{1.0, 3.0}, keys)

	// Overwrite replaces the record's entries wholesale.
	_, store = rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 1.0, "tags": []any{"z"}})
	_, s = roTxn(t, db)
	idx, err = s.Index("tags")
	require.NoError(t, err)
	assert.Equal(t, []any{3.0}, await(t, f, mustReq(t)(idx.GetAllKeys("a", 0))))
}

func TestCreateIndex_Validation(t *testing.T) {
	f := newTestFactory(t)
	openDB(t, f, "v", 1, func(db *Database, _ *Transaction) {
		store, err := db.CreateObjectStore("items", ObjectStoreOptions{KeyPath: "id"})
		require.NoError(t, err)

		_, err = store.CreateIndex("bad", []string{"a", "b"}, IndexOptions{MultiEntry: true})
		require.Error(t, err)
		assert.True(t, IsInvalidAccessError(err), "multiEntry with a sequence path")

		_, err = store.CreateIndex("ok", "a", IndexOptions{})
		require.NoError(t, err)
		_, err = store.CreateIndex("ok", "b", IndexOptions{})
		require.Error(t, err)
		assert.True(t, IsConstraintError(err), "duplicate index name")
	})
}

func TestCreateIndex_OutsideUpgradeFails(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	_, store := rwTxn(t, db)
	_, err := store.CreateIndex("late", "x", IndexOptions{})
	require.Error(t, err)
	assert.True(t, IsInvalidStateError(err))

	err = store.DeleteIndex("late")
	require.Error(t, err)
	assert.True(t, IsInvalidStateError(err))
}

func TestCreateIndex_BackPopulates(t *testing.T) {
	f := newTestFactory(t)
	db := openDB(t, f, "bp", 1, func(db *Database, _ *Transaction) {
		_, err := db.CreateObjectStore("items", ObjectStoreOptions{KeyPath: "id"})
		require.NoError(t, err)
	})

	_, store := rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 1.0, "tag": "x"})
	_, store = rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 2.0, "tag": "y"})
	db.Close()
	f.PumpUntilIdle()

	db2 := openDB(t, f, "bp", 2, func(_ *Database, txn *Transaction) {
		items, err := txn.ObjectStore("items")
		require.NoError(t, err)
		_, err = items.CreateIndex("by_tag", "tag", IndexOptions{})
		require.NoError(t, err)
	})

	_, s := roTxn2(t, db2, "items")
	idx, err := s.Index("by_tag")
	require.NoError(t, err)
	assert.Equal(t, int64(2), await(t, f, mustReq(t)(idx.Count(nil))),
		"createIndex back-populates from existing records")
}

func TestCreateIndex_UniqueBackPopulationAbortsAsync(t *testing.T) {
	f := newTestFactory(t)
	db := openDB(t, f, "ubp", 1, func(db *Database, _ *Transaction) {
		_, err := db.CreateObjectStore("items", ObjectStoreOptions{KeyPath: "id"})
		require.NoError(t, err)
	})

	_, store := rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 1.0, "tag": "same"})
	_, store = rwTxn(t, db)
	putDoc(t, f, store, map[string]any{"id": 2.0, "tag": "same"})
	db.Close()
	f.PumpUntilIdle()

	req, err := f.Open("ubp", 2)
	require.NoError(t, err)
	var handle *Index
	req.OnUpgradeNeeded = func(*Event) {
		txn := req.Transaction()
		items, serr := txn.ObjectStore("items")
		require.NoError(t, serr)
		var cerr error
		handle, cerr = items.CreateIndex("uniq", "tag", IndexOptions{Unique: true})
		require.NoError(t, cerr, "createIndex returns the handle before the violation aborts")
	}
	var failed bool
	req.OnError = func(*Event) { failed = true }
	f.PumpUntilIdle()

	assert.True(t, failed, "the upgrade aborts asynchronously")
	require.NotNil(t, handle)
	assert.True(t, handle.deleted, "the returned handle is revert-marked")
}

func roTxn2(t *testing.T, db *Database, name string) (*Transaction, *ObjectStore) {
	t.Helper()
	txn, err := db.Transaction([]string{name}, ReadOnly)
	require.NoError(t, err)
	store, err := txn.ObjectStore(name)
	require.NoError(t, err)
	return txn, store
}

func TestRename_StoreAndIndex(t *testing.T) {
	f := newTestFactory(t)
	db := openDB(t, f, "rn", 1, func(db *Database, _ *Transaction) {
		store, err := db.CreateObjectStore("one", ObjectStoreOptions{KeyPath: "id"})
		require.NoError(t, err)
		_, err = db.CreateObjectStore("two", ObjectStoreOptions{KeyPath: "id"})
		require.NoError(t, err)
		_, err = store.CreateIndex("i1", "a", IndexOptions{})
		require.NoError(t, err)
		_, err = store.CreateIndex("i2", "b", IndexOptions{})
		require.NoError(t, err)
	})
	db.Close()
	f.PumpUntilIdle()

	db2 := openDB(t, f, "rn", 2, func(_ *Database, txn *Transaction) {
		store, err := txn.ObjectStore("one")
		require.NoError(t, err)

		// Rename to itself is a no-op.
		require.NoError(t, store.Rename("one"))

		// Clash with another store.
		err = store.Rename("two")
		require.Error(t, err)
		assert.True(t, IsConstraintError(err))

		require.NoError(t, store.Rename("uno"))
		assert.Equal(t, "uno", store.Name())

		idx, err := store.Index("i1")
		require.NoError(t, err)
		err = idx.Rename("i2")
		require.Error(t, err)
		assert.True(t, IsConstraintError(err))
		require.NoError(t, idx.Rename("primo"))
	})

	assert.ElementsMatch(t, []string{"uno", "two"}, db2.ObjectStoreNames())
	_, s := roTxn2(t, db2, "uno")
	assert.ElementsMatch(t, []string{"primo", "i2"}, s.IndexNames())
}

func TestRename_OutsideUpgradeFails(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})
	_, store := rwTxn(t, db)
	err := store.Rename("other")
	require.Error(t, err)
	assert.True(t, IsInvalidStateError(err))
}

func TestIndex_AccessAfterFinishedIsInvalidState(t *testing.T) {
	f := newTestFactory(t)
	db := openDB(t, f, "asym", 1, func(db *Database, _ *Transaction) {
		store, err := db.CreateObjectStore("items", ObjectStoreOptions{KeyPath: "id"})
		require.NoError(t, err)
		_, err = store.CreateIndex("i", "a", IndexOptions{})
		require.NoError(t, err)
	})

	_, store := roTxn(t, db)
	f.PumpUntilIdle() // transaction finishes

	// index access throws InvalidStateError, unlike data operations which
	// report TransactionInactiveError.
	_, err := store.Index("i")
	require.Error(t, err)
	assert.True(t, IsInvalidStateError(err))

	_, err = store.Get(1.0)
	require.Error(t, err)
	assert.True(t, IsTransactionInactiveError(err))
}

func TestStore_NotCloneableValue(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})
	_, store := rwTxn(t, db)

	_, err := store.Put(map[string]any{"id": 1.0, "fn": func() {}})
	require.Error(t, err)
	assert.True(t, IsDataCloneError(err))
}
