package idb

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mereville/idb/internal/key"
	"github.com/mereville/idb/internal/storage"
	"github.com/mereville/idb/internal/task"
)

// Options configures an engine. Dir is the storage directory; it is the only
// option.
type Options struct {
	Dir string
}

// dbState is the engine-wide state of one named database: the storage
// handle, the shared in-memory catalog, the transaction scheduler, and the
// open connections. Upgrades and deletions queue on waiters until incumbent
// connections drain.
type dbState struct {
	name       string
	sdb        *storage.DB
	meta       *dbMeta
	sched      *scheduler
	conns      []*Database
	upgradeTxn *Transaction
	waiters    []func()
}

// Factory is the entry point: it owns the storage driver, the task loop the
// whole engine runs on, and the per-database schedulers and connection
// registries. Factories are independent of each other; two factories over
// different directories coexist in one process.
type Factory struct {
	loop   *task.Loop
	driver *storage.Driver
	ctx    context.Context
	states map[string]*dbState
	txnSeq int64
}

// NewFactory opens (creating if needed) a storage directory and returns a
// factory over it.
func NewFactory(opts Options) (*Factory, error) {
	driver, err := storage.Open(opts.Dir)
	if err != nil {
		return nil, err
	}
	return &Factory{
		loop:   task.NewLoop(),
		driver: driver,
		ctx:    context.Background(),
		states: make(map[string]*dbState),
	}, nil
}

// Close shuts the engine down: pending work is dropped and storage handles
// are closed.
func (f *Factory) Close() error {
	f.loop.Close()
	return f.driver.Close()
}

// PumpUntilIdle drives the engine's task loop until no work remains. Event
// delivery happens inside; callers that do not dedicate a goroutine to Run
// call this between issuing requests and reading results.
func (f *Factory) PumpUntilIdle() { f.loop.RunUntilIdle() }

// Run drives the task loop until done is closed. Must be called from
// exactly one goroutine; no other goroutine may touch the engine while it
// runs.
func (f *Factory) Run(done <-chan struct{}) { f.loop.Run(done) }

func (f *Factory) nextTxnSeq() int64 {
	f.txnSeq++
	return f.txnSeq
}

// Cmp compares two values as keys: -1, 0, or +1. Invalid keys are a
// DataError.
func (f *Factory) Cmp(a, b any) (int, error) {
	ka, err := key.FromValue(a)
	if err != nil {
		return 0, asError(err)
	}
	kb, err := key.FromValue(b)
	if err != nil {
		return 0, asError(err)
	}
	return key.Compare(ka, kb), nil
}

// Databases lists every known database as (name, version) pairs, ordered by
// name.
func (f *Factory) Databases() []storage.NameVersion {
	return f.driver.ListDatabases()
}

// state loads (or returns) the engine state of a named database, reading
// its catalog into memory on first touch.
func (f *Factory) state(name string) (*dbState, error) {
	if st, ok := f.states[name]; ok {
		return st, nil
	}
	sdb, err := f.driver.OpenDatabase(f.ctx, name)
	if err != nil {
		return nil, err
	}
	version, err := f.driver.Version(f.ctx, sdb)
	if err != nil {
		return nil, err
	}
	meta := &dbMeta{version: version, stores: make(map[string]*storeMeta)}
	stores, err := sdb.ListStores(f.ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range stores {
		sm := &storeMeta{st: st, indexes: make(map[string]*storage.IndexMeta)}
		indexes, err := sdb.ListIndexes(f.ctx, st.ID)
		if err != nil {
			return nil, err
		}
		for i := range indexes {
			sm.indexes[indexes[i].Name] = &indexes[i]
		}
		meta.stores[st.Name] = sm
	}
	st := &dbState{name: name, sdb: sdb, meta: meta, sched: newScheduler(f)}
	f.states[name] = st
	return st, nil
}

func (f *Factory) newConnection(st *dbState) *Database {
	conn := &Database{
		factory: f,
		state:   st,
		id:      uuid.New(),
		version: st.meta.version,
	}
	st.conns = append(st.conns, conn)
	slog.Debug("connection opened", "db", st.name, "conn", conn.id, "version", conn.version)
	return conn
}

func (f *Factory) connectionClosed(d *Database) {
	st := d.state
	for i, c := range st.conns {
		if c == d {
			st.conns = append(st.conns[:i:i], st.conns[i+1:]...)
			break
		}
	}
	slog.Debug("connection closed", "db", st.name, "conn", d.id)
	f.drainWaiters(st)
}

// drainWaiters releases the next queued upgrade or deletion once no
// connections remain.
func (f *Factory) drainWaiters(st *dbState) {
	if len(st.conns) != 0 || len(st.waiters) == 0 {
		return
	}
	next := st.waiters[0]
	st.waiters = st.waiters[1:]
	f.loop.Post(next)
}

// Open opens a connection to a named database. version 0 means "whatever is
// stored" (or 1 for a new database); a version above the stored one starts
// an upgrade, and a version below it fails the request with VersionError.
//
// The returned request settles asynchronously: success delivers the
// *Database, upgradeneeded fires first when a version-change transaction
// runs.
func (f *Factory) Open(name string, version uint64) (*OpenDBRequest, error) {
	r := &OpenDBRequest{Request: Request{source: f, state: Pending}}
	f.loop.Post(func() { f.runOpen(r, name, version) })
	return r, nil
}

func (f *Factory) runOpen(r *OpenDBRequest, name string, version uint64) {
	st, err := f.state(name)
	if err != nil {
		f.settleOpen(r, nil, asError(err))
		return
	}

	// An open that lands while another connection's upgrade is running
	// resumes once that upgrade settles, either way.
	if t := st.upgradeTxn; t != nil && !t.isFinished() {
		retry := func() { f.runOpen(r, name, version) }
		t.completeHooks = append(t.completeHooks, func() { f.loop.Post(retry) })
		t.abortHooks = append(t.abortHooks, func() { f.loop.Post(retry) })
		return
	}

	stored := st.meta.version

	v := version
	if v == 0 {
		if stored == 0 {
			v = 1
		} else {
			v = stored
		}
	}
	switch {
	case v < stored:
		f.settleOpen(r, nil, newError(ErrNameVersion,
			"requested version %d is below stored version %d", v, stored))
	case v == stored:
		f.settleOpen(r, f.newConnection(st), nil)
	default:
		f.startUpgrade(r, st, stored, v)
	}
}

// settleOpen finishes an open request outside any upgrade.
func (f *Factory) settleOpen(r *OpenDBRequest, conn *Database, err *Error) {
	r.settle(conn, err)
	if err != nil {
		dispatch(&Event{Type: "error", bubbles: true, cancelable: true}, r.path())
		return
	}
	dispatch(&Event{Type: "success"}, r.path())
}

// startUpgrade notifies incumbents, waits for them to drain, then runs the
// version-change transaction.
func (f *Factory) startUpgrade(r *OpenDBRequest, st *dbState, oldVersion, newVersion uint64) {
	f.broadcastVersionChange(st, oldVersion, &newVersion)

	proceed := func() { f.runUpgrade(r, st, oldVersion, newVersion) }
	if len(st.conns) > 0 {
		// Incumbents that did not close in their versionchange handlers
		// keep the upgrade waiting; tell the opener.
		dispatch(&Event{Type: "blocked", OldVersion: oldVersion, NewVersion: &newVersion}, r.path())
		st.waiters = append(st.waiters, proceed)
		return
	}
	proceed()
}

func (f *Factory) broadcastVersionChange(st *dbState, oldVersion uint64, newVersion *uint64) {
	for _, conn := range append([]*Database(nil), st.conns...) {
		if conn.closePending || conn.closed {
			continue
		}
		ev := &Event{Type: "versionchange", OldVersion: oldVersion, NewVersion: newVersion}
		dispatch(ev, []eventNode{conn})
	}
}

func (f *Factory) runUpgrade(r *OpenDBRequest, st *dbState, oldVersion, newVersion uint64) {
	conn := f.newConnection(st)
	conn.version = newVersion

	t := newTransaction(conn, VersionChange, st.meta.storeNames(), DurabilityDefault)
	t.metaSnapshot = st.meta.clone()
	t.oldVersion = oldVersion
	st.upgradeTxn = t
	conn.upgradeTxn = t
	r.txn = t

	// The first (and only factory-issued) operation bumps the version; its
	// event closure fires upgradeneeded at the open request.
	t.trackCustom(&r.Request, func() (any, *Error) {
		if e := t.ensureSavepoint(); e != nil {
			return nil, e
		}
		if err := f.driver.SetVersion(f.ctx, st.sdb, newVersion); err != nil {
			return nil, asError(err)
		}
		st.meta.version = newVersion
		return conn, nil
	}, func(result any, err *Error) {
		f.deliverUpgradeNeeded(t, r, result, err, oldVersion, newVersion)
	})

	t.completeHooks = append(t.completeHooks, func() {
		r.txn = nil
		r.settle(conn, nil)
		dispatch(&Event{Type: "success"}, r.path())
	})
	t.abortHooks = append(t.abortHooks, func() {
		st.upgradeTxn = nil
		conn.upgradeTxn = nil
		conn.finishClose(true)
		r.txn = nil
		err := newError(ErrNameAbort, "version change transaction was aborted")
		r.settle(nil, err)
		dispatch(&Event{Type: "error", bubbles: true, cancelable: true}, r.path())
	})

	st.sched.add(t)
}

// deliverUpgradeNeeded is the event closure of the version-bump operation:
// it dispatches upgradeneeded at the open request under the standard request
// event discipline.
func (f *Factory) deliverUpgradeNeeded(t *Transaction, r *OpenDBRequest, result any, err *Error, oldVersion, newVersion uint64) {
	if r.cancelled || t.isFinished() {
		return
	}
	t.untrack(&r.Request)
	if err != nil {
		t.pendingCount--
		t.abortWith(err)
		return
	}
	r.settle(result, nil)
	t.state = stateActive

	nv := newVersion
	ev := &Event{Type: "upgradeneeded", OldVersion: oldVersion, NewVersion: &nv}
	threw, thrown := dispatch(ev, r.path())
	if threw {
		t.abortWith(newError(ErrNameAbort, "uncaught exception in upgradeneeded handler: %v", thrown))
		return
	}
	t.holdActiveThenSettle()
}

// DeleteDatabase removes a named database. Live connections get a
// versionchange event (newVersion null) and the deletion waits for them to
// close; the request's success event is version-change flavoured, with the
// old version and a nil new version.
func (f *Factory) DeleteDatabase(name string) (*OpenDBRequest, error) {
	r := &OpenDBRequest{Request: Request{source: f, state: Pending}}
	f.loop.Post(func() { f.runDelete(r, name) })
	return r, nil
}

func (f *Factory) runDelete(r *OpenDBRequest, name string) {
	if !f.driver.Exists(name) {
		// Deleting a database that does not exist still succeeds.
		r.settle(nil, nil)
		dispatch(&Event{Type: "success", OldVersion: 0}, r.path())
		return
	}
	st, err := f.state(name)
	if err != nil {
		r.settle(nil, asError(err))
		dispatch(&Event{Type: "error", bubbles: true, cancelable: true}, r.path())
		return
	}
	oldVersion := st.meta.version
	f.broadcastVersionChange(st, oldVersion, nil)

	finish := func() {
		delete(f.states, name)
		if derr := f.driver.DeleteDatabase(name); derr != nil {
			r.settle(nil, asError(derr))
			dispatch(&Event{Type: "error", bubbles: true, cancelable: true}, r.path())
			return
		}
		slog.Debug("database deleted", "db", name, "old_version", oldVersion)
		r.settle(nil, nil)
		dispatch(&Event{Type: "success", OldVersion: oldVersion}, r.path())
	}
	if len(st.conns) > 0 {
		dispatch(&Event{Type: "blocked", OldVersion: oldVersion}, r.path())
		st.waiters = append(st.waiters, finish)
		return
	}
	finish()
}
