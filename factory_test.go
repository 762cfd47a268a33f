package idb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesAtVersionOne(t *testing.T) {
	f := newTestFactory(t)

	upgraded := false
	db := openDB(t, f, "fresh", 0, func(db *Database, txn *Transaction) {
		upgraded = true
		assert.Equal(t, VersionChange, txn.Mode())
		_, err := db.CreateObjectStore("s", ObjectStoreOptions{})
		require.NoError(t, err)
	})

	assert.True(t, upgraded, "a new database must run an upgrade to version 1")
	assert.Equal(t, uint64(1), db.Version())
	assert.Equal(t, []string{"s"}, db.ObjectStoreNames())

	list := f.Databases()
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].Name)
	assert.Equal(t, uint64(1), list[0].Version)
}

func TestOpen_UpgradeneededVersions(t *testing.T) {
	f := newTestFactory(t)

	db := openDB(t, f, "d", 3, nil)
	assert.Equal(t, uint64(3), db.Version())
	db.Close()
	f.PumpUntilIdle()

	// Reopen at a higher version: oldVersion must be the stored one.
	req, err := f.Open("d", 5)
	require.NoError(t, err)
	var oldV uint64
	var newV *uint64
	req.OnUpgradeNeeded = func(ev *Event) {
		oldV = ev.OldVersion
		newV = ev.NewVersion
	}
	f.PumpUntilIdle()
	require.NotNil(t, newV)
	assert.Equal(t, uint64(3), oldV)
	assert.Equal(t, uint64(5), *newV)
}

func TestOpen_VersionError(t *testing.T) {
	f := newTestFactory(t)
	db := openDB(t, f, "d", 4, nil)
	db.Close()
	f.PumpUntilIdle()

	req, err := f.Open("d", 2)
	require.NoError(t, err)
	e := awaitErr(t, f, &req.Request)
	require.NotNil(t, e)
	assert.True(t, IsVersionError(e))
}

func TestOpen_SameVersionNoUpgrade(t *testing.T) {
	f := newTestFactory(t)
	db := openDB(t, f, "d", 2, nil)
	db.Close()
	f.PumpUntilIdle()

	db2 := openDB(t, f, "d", 2, func(*Database, *Transaction) {
		t.Fatal("no upgrade expected at the stored version")
	})
	assert.Equal(t, uint64(2), db2.Version())
}

func TestOpen_UpgradeWaitsForIncumbents(t *testing.T) {
	f := newTestFactory(t)
	db1 := openDB(t, f, "d", 1, nil)

	var sawVersionChange, sawBlocked bool
	db1.OnVersionChange = func(ev *Event) {
		sawVersionChange = true
		assert.Equal(t, uint64(1), ev.OldVersion)
		require.NotNil(t, ev.NewVersion)
		assert.Equal(t, uint64(2), *ev.NewVersion)
		// The incumbent does not close yet.
	}

	req, err := f.Open("d", 2)
	require.NoError(t, err)
	req.OnBlocked = func(*Event) { sawBlocked = true }
	var succeeded bool
	req.OnSuccess = func(*Event) { succeeded = true }

	f.PumpUntilIdle()
	assert.True(t, sawVersionChange)
	assert.True(t, sawBlocked)
	assert.False(t, succeeded, "upgrade must wait for the incumbent to close")

	db1.Close()
	f.PumpUntilIdle()
	assert.True(t, succeeded, "closing the incumbent unblocks the upgrade")
}

func TestOpen_IncumbentClosingInHandlerUnblocks(t *testing.T) {
	f := newTestFactory(t)
	db1 := openDB(t, f, "d", 1, nil)
	db1.OnVersionChange = func(*Event) { db1.Close() }

	db2 := openDB(t, f, "d", 2, nil)
	assert.Equal(t, uint64(2), db2.Version())
}

func TestDeleteDatabase(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	var changeNew *uint64 = new(uint64)
	db.OnVersionChange = func(ev *Event) {
		changeNew = ev.NewVersion
		db.Close()
	}

	req, err := f.DeleteDatabase("testdb")
	require.NoError(t, err)
	var successOld uint64
	var successNew *uint64 = new(uint64)
	req.OnSuccess = func(ev *Event) {
		successOld = ev.OldVersion
		successNew = ev.NewVersion
	}
	f.PumpUntilIdle()

	assert.Nil(t, changeNew, "versionchange for deletion carries a null new version")
	assert.Nil(t, successNew, "delete success is a version-change event with null new version")
	assert.Equal(t, uint64(1), successOld)
	assert.Empty(t, f.Databases())
}

func TestDeleteDatabase_Unknown(t *testing.T) {
	f := newTestFactory(t)
	req, err := f.DeleteDatabase("ghost")
	require.NoError(t, err)
	e := awaitErr(t, f, &req.Request)
	assert.Nil(t, e, "deleting an unknown database succeeds")
}

func TestCmp(t *testing.T) {
	f := newTestFactory(t)

	c, err := f.Cmp(1.0, 2.0)
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	c, err = f.Cmp("z", 1e308)
	require.NoError(t, err)
	assert.Equal(t, 1, c, "every string sorts above every number")

	_, err = f.Cmp(true, 1.0)
	require.Error(t, err)
	assert.True(t, IsDataError(err))
}

func TestDatabase_CloseBlocksNewTransactions(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	db.Close()
	_, err := db.Transaction([]string{"items"}, ReadOnly)
	require.Error(t, err)
	assert.True(t, IsInvalidStateError(err))
}

func TestTransaction_UnknownStoreAndEmptyScope(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	_, err := db.Transaction([]string{"nope"}, ReadOnly)
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))

	_, err = db.Transaction(nil, ReadOnly)
	require.Error(t, err)
	assert.True(t, IsInvalidAccessError(err))

	_, err = db.Transaction([]string{"items"}, VersionChange)
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, ErrNameType, e.Name)
}

func TestCreateObjectStore_OutsideUpgrade(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	_, err := db.CreateObjectStore("late", ObjectStoreOptions{})
	require.Error(t, err)
	assert.True(t, IsInvalidStateError(err))

	err = db.DeleteObjectStore("items")
	require.Error(t, err)
	assert.True(t, IsInvalidStateError(err))
}

func TestCreateObjectStore_Validation(t *testing.T) {
	f := newTestFactory(t)

	openDB(t, f, "d", 1, func(db *Database, _ *Transaction) {
		// autoIncrement with an empty key path
		_, err := db.CreateObjectStore("bad1", ObjectStoreOptions{KeyPath: "", AutoIncrement: true})
		require.Error(t, err)
		assert.True(t, IsInvalidAccessError(err))

		// autoIncrement with a sequence key path
		_, err = db.CreateObjectStore("bad2", ObjectStoreOptions{KeyPath: []string{"a", "b"}, AutoIncrement: true})
		require.Error(t, err)
		assert.True(t, IsInvalidAccessError(err))

		// invalid key path syntax
		_, err = db.CreateObjectStore("bad3", ObjectStoreOptions{KeyPath: "1not"})
		require.Error(t, err)
		assert.True(t, IsSyntaxError(err))

		_, err = db.CreateObjectStore("ok", ObjectStoreOptions{KeyPath: "id"})
		require.NoError(t, err)

		// duplicate name
		_, err = db.CreateObjectStore("ok", ObjectStoreOptions{})
		require.Error(t, err)
		assert.True(t, IsConstraintError(err))
	})
}
