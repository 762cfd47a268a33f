package idb

import (
	"sort"

	"github.com/google/uuid"

	"github.com/mereville/idb/internal/keypath"
	"github.com/mereville/idb/internal/storage"
)

// dbMeta is the in-memory catalog of one database: its version plus every
// store and index. It is shared by all connections to the database and
// mutated only by a version-change transaction, which snapshots it first so
// an abort can restore it wholesale.
type dbMeta struct {
	version uint64
	stores  map[string]*storeMeta
}

type storeMeta struct {
	st      storage.StoreMeta
	indexes map[string]*storage.IndexMeta
}

func (m *dbMeta) clone() *dbMeta {
	out := &dbMeta{version: m.version, stores: make(map[string]*storeMeta, len(m.stores))}
	for name, sm := range m.stores {
		cp := &storeMeta{st: sm.st, indexes: make(map[string]*storage.IndexMeta, len(sm.indexes))}
		for iname, im := range sm.indexes {
			ic := *im
			cp.indexes[iname] = &ic
		}
		out.stores[name] = cp
	}
	return out
}

func (m *dbMeta) storeNames() []string {
	names := make([]string, 0, len(m.stores))
	for n := range m.stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Database is one connection to a named database. Connections are tracked by
// the factory so upgrades and deletions can send versionchange events to
// incumbents.
type Database struct {
	listenerSet

	// OnVersionChange fires when another connection wants to upgrade or
	// delete this database; the conventional response is Close. OnClose
	// fires when the connection is forcibly closed. OnAbort and OnError see
	// events bubbling up from this connection's transactions.
	OnVersionChange func(*Event)
	OnClose         func(*Event)
	OnAbort         func(*Event)
	OnError         func(*Event)

	factory *Factory
	state   *dbState
	id      uuid.UUID
	version uint64

	closePending bool
	closed       bool
	liveTxns     int

	// upgradeTxn is set while this connection's version-change transaction
	// runs; CreateObjectStore and DeleteObjectStore are legal only then.
	upgradeTxn *Transaction
}

func (d *Database) handlerFor(typ string) func(*Event) {
	switch typ {
	case "versionchange":
		return d.OnVersionChange
	case "close":
		return d.OnClose
	case "abort":
		return d.OnAbort
	case "error":
		return d.OnError
	}
	return nil
}

// Name returns the database name.
func (d *Database) Name() string { return d.state.name }

// Version returns the version this connection sees.
func (d *Database) Version() uint64 { return d.version }

// ObjectStoreNames returns the database's store names, sorted.
func (d *Database) ObjectStoreNames() []string {
	return d.state.meta.storeNames()
}

// Close releases the connection. The close is deferred until the
// connection's running transactions finish; no new transactions may be
// created meanwhile. Closing twice is a no-op.
func (d *Database) Close() {
	if d.closed || d.closePending {
		return
	}
	d.closePending = true
	if d.liveTxns == 0 {
		d.finishClose(false)
	}
}

func (d *Database) txnFinished() {
	if d.liveTxns > 0 {
		d.liveTxns--
	}
	if d.closePending && !d.closed && d.liveTxns == 0 {
		d.finishClose(false)
	}
}

// finishClose removes the connection from the registry. forced is set when
// the engine closes the connection itself (an aborted upgrade), which fires
// the close event.
func (d *Database) finishClose(forced bool) {
	if d.closed {
		return
	}
	d.closed = true
	d.closePending = false
	d.factory.connectionClosed(d)
	if forced {
		dispatch(&Event{Type: "close"}, []eventNode{d})
	}
}

// TransactionOptions carries the optional durability hint.
type TransactionOptions struct {
	Durability Durability
}

// Transaction opens a transaction over the named stores. mode must be
// ReadOnly or ReadWrite; the scope must be non-empty and every name must
// exist.
func (d *Database) Transaction(stores []string, mode TransactionMode, opts ...TransactionOptions) (*Transaction, error) {
	if d.closed || d.closePending {
		return nil, newError(ErrNameInvalidState, "connection is closed")
	}
	if d.upgradeTxn != nil && !d.upgradeTxn.isFinished() {
		return nil, newError(ErrNameInvalidState, "a version change transaction is running")
	}
	if mode != ReadOnly && mode != ReadWrite {
		return nil, newError(ErrNameType, "invalid transaction mode %v", mode)
	}
	if len(stores) == 0 {
		return nil, newError(ErrNameInvalidAccess, "transaction scope is empty")
	}
	seen := make(map[string]bool, len(stores))
	for _, name := range stores {
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := d.state.meta.stores[name]; !ok {
			return nil, newError(ErrNameNotFound, "no object store named %q", name)
		}
	}
	scope := make([]string, 0, len(seen))
	for name := range seen {
		scope = append(scope, name)
	}

	durability := DurabilityDefault
	if len(opts) > 0 && opts[0].Durability != "" {
		durability = opts[0].Durability
	}

	t := newTransaction(d, mode, scope, durability)
	d.state.sched.add(t)
	return t, nil
}

// ObjectStoreOptions configures CreateObjectStore. KeyPath is nil (out-of-
// line keys), a string, or a []string sequence.
type ObjectStoreOptions struct {
	KeyPath       any
	AutoIncrement bool
}

// CreateObjectStore creates a store. Legal only inside this connection's
// running version-change transaction, while it is active.
func (d *Database) CreateObjectStore(name string, opts ObjectStoreOptions) (*ObjectStore, error) {
	t, err := d.upgradeTransactionFor("createObjectStore")
	if err != nil {
		return nil, err
	}
	if _, exists := d.state.meta.stores[name]; exists {
		return nil, newError(ErrNameConstraint, "an object store named %q already exists", name)
	}
	kp, kerr := keypath.ParseAny(opts.KeyPath)
	if kerr != nil {
		return nil, asError(kerr)
	}
	if opts.AutoIncrement && !kp.IsZero() && (kp.IsSequence() || kp.Single() == "") {
		return nil, newError(ErrNameInvalidAccess,
			"autoIncrement cannot be combined with an array or empty key path")
	}

	if e := t.ensureSavepoint(); e != nil {
		return nil, e
	}
	meta, serr := d.state.sdb.CreateStore(d.factory.ctx, name, kp, opts.AutoIncrement)
	if serr != nil {
		return nil, asError(serr)
	}
	sm := &storeMeta{st: meta, indexes: make(map[string]*storage.IndexMeta)}
	d.state.meta.stores[name] = sm

	s := newObjectStore(t, sm)
	t.stores[name] = s
	t.journalAppend(revertEntry{kind: revertCreatedStore, store: s})
	return s, nil
}

// DeleteObjectStore deletes a store and everything in it. Legal only inside
// the running version-change transaction.
func (d *Database) DeleteObjectStore(name string) error {
	t, err := d.upgradeTransactionFor("deleteObjectStore")
	if err != nil {
		return err
	}
	sm, ok := d.state.meta.stores[name]
	if !ok {
		return newError(ErrNameNotFound, "no object store named %q", name)
	}
	if e := t.ensureSavepoint(); e != nil {
		return e
	}
	if serr := d.state.sdb.DeleteStore(d.factory.ctx, sm.st.ID); serr != nil {
		return asError(serr)
	}
	delete(d.state.meta.stores, name)

	// The cached handle (if user code holds one) becomes a deleted
	// sentinel; the journal can resurrect it on abort.
	handle := t.stores[name]
	if handle == nil {
		handle = newObjectStore(t, sm)
	}
	handle.deleted = true
	delete(t.stores, name)
	t.journalAppend(revertEntry{kind: revertDeletedStore, store: handle})
	return nil
}

// upgradeTransactionFor returns the running version-change transaction, or
// the error the structural operation must report.
func (d *Database) upgradeTransactionFor(op string) (*Transaction, error) {
	t := d.upgradeTxn
	if t == nil || t.isFinished() {
		return nil, newError(ErrNameInvalidState, "%s requires a version change transaction", op)
	}
	if t.state != stateActive {
		return nil, newError(ErrNameTransactionInactive, "version change transaction is not active")
	}
	return t, nil
}
