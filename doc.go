// Package idb is an embedded IndexedDB storage engine backed by SQLite:
// named, versioned databases holding key-ordered object stores with
// secondary indexes, range cursors, and transactional isolation with
// savepoint-based rollback.
//
// The engine reproduces the IndexedDB behavioural contract: key ordering
// across heterogeneous types, the transaction lifecycle (active windows,
// auto-commit, abort with metadata revert), the asynchronous request/event
// model with three-phase propagation, and the error taxonomy.
//
// # Driving the engine
//
// The engine is single-threaded cooperative. Every callback runs on the
// factory's task loop; the caller either pumps it explicitly:
//
//	f, _ := idb.NewFactory(idb.Options{Dir: dir})
//	req, _ := f.Open("app", 0)
//	req.OnSuccess = func(*idb.Event) { ... }
//	f.PumpUntilIdle()
//
// or dedicates a goroutine to f.Run. Issuing operations concurrently with a
// running loop is not supported; requests and handlers are the
// synchronisation model, as they are in the spec this engine implements.
package idb
