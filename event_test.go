package idb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_ErrorBubblesThroughChain(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	txn, store := rwTxn(t, db)
	_, err := store.Add(map[string]any{"id": 1.0})
	require.NoError(t, err)
	dup, err := store.Add(map[string]any{"id": 1.0})
	require.NoError(t, err)

	var order []string
	db.AddCaptureListener("error", func(ev *Event) {
		order = append(order, "db capture")
		assert.Same(t, dup, ev.Target(), "target is the failing request")
	})
	txn.AddCaptureListener("error", func(*Event) { order = append(order, "txn capture") })
	dup.OnError = func(ev *Event) {
		order = append(order, "request handler")
		ev.PreventDefault()
	}
	txn.AddEventListener("error", func(*Event) { order = append(order, "txn bubble") })
	db.AddEventListener("error", func(*Event) { order = append(order, "db bubble") })

	f.PumpUntilIdle()
	assert.Equal(t, []string{
		"db capture", "txn capture", "request handler", "txn bubble", "db bubble",
	}, order)
}

func TestDispatch_SuccessDoesNotBubble(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	_, store := rwTxn(t, db)
	req, err := store.Put(map[string]any{"id": 1.0})
	require.NoError(t, err)

	var order []string
	db.AddCaptureListener("success", func(*Event) { order = append(order, "db capture") })
	db.AddEventListener("success", func(*Event) { order = append(order, "db bubble") })
	req.OnSuccess = func(*Event) { order = append(order, "request") }

	f.PumpUntilIdle()
	// Capture still visits ancestors; the bubble phase is skipped.
	assert.Equal(t, []string{"db capture", "request"}, order)
}

func TestDispatch_StopPropagation(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	txn, store := rwTxn(t, db)
	_, err := store.Add(map[string]any{"id": 1.0})
	require.NoError(t, err)
	dup, err := store.Add(map[string]any{"id": 1.0})
	require.NoError(t, err)

	var order []string
	dup.OnError = func(ev *Event) {
		order = append(order, "request")
		ev.PreventDefault()
		ev.StopPropagation()
	}
	txn.AddEventListener("error", func(*Event) { order = append(order, "txn bubble") })

	f.PumpUntilIdle()
	assert.Equal(t, []string{"request"}, order, "stopPropagation halts the bubble phase")
}

func TestDispatch_ListenerPanicDoesNotStopOthers(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	txn, store := rwTxn(t, db)
	req, err := store.Put(map[string]any{"id": 1.0})
	require.NoError(t, err)

	var order []string
	req.AddEventListener("success", func(*Event) {
		order = append(order, "first")
		panic("first listener exploded")
	})
	req.AddEventListener("success", func(*Event) { order = append(order, "second") })

	aborted := false
	txn.OnAbort = func(*Event) { aborted = true }

	f.PumpUntilIdle()
	assert.Equal(t, []string{"first", "second"}, order,
		"a panicking listener does not suppress later listeners")
	assert.True(t, aborted, "but the exception still aborts the transaction")
}

func TestDispatch_RemoveEventListener(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	_, store := rwTxn(t, db)
	req, err := store.Put(map[string]any{"id": 1.0})
	require.NoError(t, err)

	called := false
	id := req.AddEventListener("success", func(*Event) { called = true })
	req.RemoveEventListener("success", id)

	f.PumpUntilIdle()
	assert.False(t, called)
}

func TestRequest_ResultBeforeDoneIsInvalidState(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	_, store := rwTxn(t, db)
	req, err := store.Put(map[string]any{"id": 1.0})
	require.NoError(t, err)

	_, rerr := req.Result()
	require.Error(t, rerr)
	assert.True(t, IsInvalidStateError(rerr))
	_, rerr = req.Err()
	require.Error(t, rerr)
	assert.True(t, IsInvalidStateError(rerr))

	f.PumpUntilIdle()
	res, rerr := req.Result()
	require.NoError(t, rerr)
	assert.Equal(t, 1.0, res)
}

func TestRequest_SourceAndTransaction(t *testing.T) {
	f := newTestFactory(t)
	db := simpleDB(t, f, ObjectStoreOptions{KeyPath: "id"})

	txn, store := rwTxn(t, db)
	req, err := store.Put(map[string]any{"id": 1.0})
	require.NoError(t, err)

	assert.Same(t, store, req.Source())
	assert.Same(t, txn, req.Transaction())
	assert.Equal(t, Pending, req.ReadyState())
}
