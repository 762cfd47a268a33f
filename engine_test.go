package idb

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestFactory builds a factory over a throwaway directory.
func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	f, err := NewFactory(Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// openDB opens (or upgrades) a database and pumps until the open settles.
func openDB(t *testing.T, f *Factory, name string, version uint64, upgrade func(db *Database, txn *Transaction)) *Database {
	t.Helper()
	req, err := f.Open(name, version)
	require.NoError(t, err)

	if upgrade != nil {
		req.OnUpgradeNeeded = func(*Event) {
			res, rerr := req.Result()
			require.NoError(t, rerr)
			upgrade(res.(*Database), req.Transaction())
		}
	}

	var db *Database
	var openErr error
	req.OnSuccess = func(*Event) {
		res, rerr := req.Result()
		require.NoError(t, rerr)
		db = res.(*Database)
	}
	req.OnError = func(*Event) {
		e, _ := req.Err()
		openErr = e
	}

	f.PumpUntilIdle()
	require.NoError(t, openErr, "open of %q failed", name)
	require.NotNil(t, db, "open of %q never fired success", name)
	return db
}

// simpleDB opens a database at version 1 with one store.
func simpleDB(t *testing.T, f *Factory, opts ObjectStoreOptions) *Database {
	t.Helper()
	return openDB(t, f, "testdb", 1, func(db *Database, _ *Transaction) {
		_, err := db.CreateObjectStore("items", opts)
		require.NoError(t, err)
	})
}

// await pumps the loop and returns the request's settled result.
func await(t *testing.T, f *Factory, r *Request) any {
	t.Helper()
	f.PumpUntilIdle()
	require.Equal(t, Done, r.ReadyState(), "request never settled")
	res, err := r.Result()
	require.NoError(t, err)
	return res
}

// awaitErr pumps the loop and returns the request's settled error.
func awaitErr(t *testing.T, f *Factory, r *Request) *Error {
	t.Helper()
	f.PumpUntilIdle()
	require.Equal(t, Done, r.ReadyState(), "request never settled")
	e, err := r.Err()
	require.NoError(t, err)
	return e
}

// rwTxn opens a read-write transaction over the "items" store.
func rwTxn(t *testing.T, db *Database) (*Transaction, *ObjectStore) {
	t.Helper()
	txn, err := db.Transaction([]string{"items"}, ReadWrite)
	require.NoError(t, err)
	store, err := txn.ObjectStore("items")
	require.NoError(t, err)
	return txn, store
}

// roTxn opens a read-only transaction over the "items" store.
func roTxn(t *testing.T, db *Database) (*Transaction, *ObjectStore) {
	t.Helper()
	txn, err := db.Transaction([]string{"items"}, ReadOnly)
	require.NoError(t, err)
	store, err := txn.ObjectStore("items")
	require.NoError(t, err)
	return txn, store
}

// putDoc puts a document and waits for it to settle.
func putDoc(t *testing.T, f *Factory, store *ObjectStore, doc map[string]any) any {
	t.Helper()
	req, err := store.Put(doc)
	require.NoError(t, err)
	return await(t, f, req)
}
