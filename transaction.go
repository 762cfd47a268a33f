package idb

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/mereville/idb/internal/task"
)

// TransactionMode selects what a transaction may do.
type TransactionMode int

const (
	// ReadOnly transactions may only read. Overlapping read-only
	// transactions run concurrently.
	ReadOnly TransactionMode = iota + 1
	// ReadWrite transactions may mutate records and serialise against every
	// overlapping transaction.
	ReadWrite
	// VersionChange transactions are created by the factory during an
	// upgrade; they are the only context in which schema mutations are
	// legal, and they exclude every other transaction on the database.
	VersionChange
)

func (m TransactionMode) String() string {
	switch m {
	case ReadOnly:
		return "readonly"
	case ReadWrite:
		return "readwrite"
	case VersionChange:
		return "versionchange"
	}
	return fmt.Sprintf("TransactionMode(%d)", int(m))
}

// Durability is the commit durability hint carried by a transaction.
type Durability string

const (
	DurabilityDefault Durability = "default"
	DurabilityRelaxed Durability = "relaxed"
	DurabilityStrict  Durability = "strict"
)

type txState int

const (
	stateActive txState = iota + 1
	stateInactive
	stateCommitting
	stateFinished
)

// pendingOp is the queued half of a request: the synchronous storage work.
// The matching event closure is derived from the request when the operation
// has run.
type pendingOp struct {
	req *Request
	op  func() (any, *Error)
	// deliver overrides the standard success/error event closure; the
	// factory uses it to fire upgradeneeded through the open request.
	deliver func(result any, err *Error)
}

// revertEntry is one record in the version-change metadata journal. On
// abort, after the SQL rollback has undone the on-disk changes, the journal
// is replayed in reverse to fix the in-memory handles user code still holds.
type revertEntry struct {
	kind  revertKind
	store *ObjectStore
	index *Index
	old   string
	new   string
}

type revertKind int

const (
	revertCreatedStore revertKind = iota + 1
	revertDeletedStore
	revertRenamedStore
	revertCreatedIndex
	revertDeletedIndex
	revertRenamedIndex
)

// Transaction is the unit of isolation. It owns at most one storage
// savepoint, begun lazily on the first mutating operation; commit releases
// it and abort rolls it back.
type Transaction struct {
	listenerSet

	// OnComplete, OnAbort, and OnError are attribute-style handlers.
	OnComplete func(*Event)
	OnAbort    func(*Event)
	OnError    func(*Event)

	db         *Database
	mode       TransactionMode
	durability Durability
	scope      []string // sorted store names
	seq        int64    // factory-wide transaction number

	state   txState
	aborted bool
	err     *Error

	savepoint string // "" until the first mutating operation

	started          bool
	commitOnStart    bool
	commitRequested  bool
	pendingCount     int
	buffered         []*pendingOp
	requests         []*Request // not yet settled
	journal          []revertEntry
	metaSnapshot     *dbMeta // version-change only
	oldVersion       uint64  // version-change only
	stores           map[string]*ObjectStore
	completeHooks    []func()
	abortHooks       []func()
	finishedNotified bool
}

func newTransaction(db *Database, mode TransactionMode, scope []string, durability Durability) *Transaction {
	sorted := append([]string(nil), scope...)
	sort.Strings(sorted)
	t := &Transaction{
		db:         db,
		mode:       mode,
		durability: durability,
		scope:      sorted,
		seq:        db.factory.nextTxnSeq(),
		state:      stateActive,
		stores:     make(map[string]*ObjectStore),
	}
	db.liveTxns++
	// The transaction deactivates at the microtask checkpoint that follows
	// its creation; synchronous code between the two may issue requests.
	t.loop().PostMicrotask(func() {
		if t.state == stateActive {
			t.state = stateInactive
		}
		t.maybeFinalize()
	})
	return t
}

func (t *Transaction) handlerFor(typ string) func(*Event) {
	switch typ {
	case "complete":
		return t.OnComplete
	case "abort":
		return t.OnAbort
	case "error":
		return t.OnError
	}
	return nil
}

func (t *Transaction) loop() *task.Loop { return t.db.factory.loop }

// DB returns the owning database connection.
func (t *Transaction) DB() *Database { return t.db }

// Mode returns the transaction's mode.
func (t *Transaction) Mode() TransactionMode { return t.mode }

// Durability returns the durability hint the transaction was created with.
func (t *Transaction) Durability() Durability { return t.durability }

// Err returns the transaction's error after an abort, nil otherwise.
func (t *Transaction) Err() *Error { return t.err }

// ObjectStoreNames returns the transaction's scope, sorted.
func (t *Transaction) ObjectStoreNames() []string {
	return append([]string(nil), t.scope...)
}

func (t *Transaction) isFinished() bool { return t.state == stateFinished }

// ObjectStore returns the transaction-scoped handle for a store in scope.
func (t *Transaction) ObjectStore(name string) (*ObjectStore, error) {
	if t.isFinished() {
		return nil, newError(ErrNameInvalidState, "transaction is finished")
	}
	if s, ok := t.stores[name]; ok && !s.deleted {
		return s, nil
	}
	inScope := t.mode == VersionChange // version-change scope is the whole database
	for _, n := range t.scope {
		if n == name {
			inScope = true
			break
		}
	}
	if !inScope {
		return nil, newError(ErrNameNotFound, "store %q is not in this transaction's scope", name)
	}
	meta, ok := t.db.state.meta.stores[name]
	if !ok {
		return nil, newError(ErrNameNotFound, "no object store named %q", name)
	}
	s := newObjectStore(t, meta)
	t.stores[name] = s
	return s, nil
}

// addRequest creates a request and queues its operation closure. Before the
// scheduler has started the transaction both halves are buffered; afterwards
// the operation runs immediately and the event closure lands on a deferred
// task.
func (t *Transaction) addRequest(source any, op func() (any, *Error)) *Request {
	r := newRequest(source, t)
	t.track(r, op)
	return r
}

func (t *Transaction) track(r *Request, op func() (any, *Error)) {
	t.pendingCount++
	t.requests = append(t.requests, r)
	po := &pendingOp{req: r, op: op}
	if !t.started {
		t.buffered = append(t.buffered, po)
		return
	}
	t.runOp(po)
}

// rearm re-uses a settled request for a cursor continuation: ready-state
// back to pending, pending counter re-incremented, a fresh operation queued.
func (t *Transaction) rearm(r *Request, op func() (any, *Error)) {
	r.state = Pending
	r.cancelled = false
	t.track(r, op)
}

// trackCustom queues an operation with a custom event closure. Used by the
// factory for the version-change bootstrap.
func (t *Transaction) trackCustom(r *Request, op func() (any, *Error), deliver func(any, *Error)) {
	t.pendingCount++
	t.requests = append(t.requests, r)
	po := &pendingOp{req: r, op: op, deliver: deliver}
	if !t.started {
		t.buffered = append(t.buffered, po)
		return
	}
	t.runOp(po)
}

func (t *Transaction) runOp(po *pendingOp) {
	if t.aborted || t.isFinished() {
		return
	}
	result, err := po.op()
	if po.deliver != nil {
		t.loop().Post(func() { po.deliver(result, err) })
		return
	}
	t.loop().Post(func() { t.deliver(po.req, result, err) })
}

// start is called by the scheduler, always on a deferred task.
func (t *Transaction) start() {
	if t.aborted || t.isFinished() {
		return
	}
	t.started = true
	ops := t.buffered
	t.buffered = nil
	for _, po := range ops {
		if t.aborted || t.isFinished() {
			return
		}
		t.runOp(po)
	}
	if t.commitOnStart && t.pendingCount == 0 {
		t.finalizeCommit()
	}
}

// deliver dispatches a request's success or error event under the §-defined
// discipline: re-activate (unless Commit was called), three-phase dispatch,
// abort on a throwing
// listener or an unprevented error event, otherwise return to inactive on a
// double microtask and decrement the pending counter.
func (t *Transaction) deliver(r *Request, result any, err *Error) {
	if r.cancelled || t.isFinished() {
		return
	}
	r.settle(result, err)
	t.untrack(r)
	if !t.commitRequested {
		t.state = stateActive
	}

	var ev *Event
	if err != nil {
		ev = &Event{Type: "error", bubbles: true, cancelable: true}
	} else {
		ev = &Event{Type: "success"}
	}
	threw, thrown := dispatch(ev, r.path())

	if threw {
		t.abortWith(newError(ErrNameAbort, "uncaught exception in event handler: %v", thrown))
		return
	}
	if err != nil && !ev.defaultPrevented {
		t.abortWith(err)
		return
	}

	t.holdActiveThenSettle()
}

// holdActiveThenSettle is the shared tail of every request event dispatch:
// the transaction stays active through the synchronous handler code and the
// microtask checkpoint that follows it; the second microtask turns it off,
// decrements the pending counter, and lets auto-commit run.
func (t *Transaction) holdActiveThenSettle() {
	t.loop().PostMicrotask(func() {
		t.loop().PostMicrotask(func() {
			if t.isFinished() {
				// An abort inside the handler already drained the counter.
				return
			}
			if t.state == stateActive {
				t.state = stateInactive
			}
			t.pendingCount--
			t.maybeFinalize()
		})
	})
}

func (t *Transaction) untrack(r *Request) {
	for i, x := range t.requests {
		if x == r {
			t.requests = append(t.requests[:i:i], t.requests[i+1:]...)
			return
		}
	}
}

// maybeFinalize commits when the transaction has gone quiet: inactive (or
// explicitly committed) with no pending requests.
func (t *Transaction) maybeFinalize() {
	if t.isFinished() || t.aborted {
		return
	}
	if t.pendingCount != 0 {
		return
	}
	if t.state != stateInactive && !t.commitRequested {
		return
	}
	if !t.started {
		// An empty transaction that went inactive before the scheduler
		// reached it commits as soon as it starts.
		t.commitOnStart = true
		return
	}
	// Finalisation lands on a task of its own, so a complete event never
	// overtakes request events other transactions already have in flight.
	t.loop().Post(t.finalizeCommit)
}

// Commit asks for an early commit: no further requests may be issued, and
// the transaction finalises as soon as already-issued events have drained.
func (t *Transaction) Commit() error {
	if t.state != stateActive {
		return newError(ErrNameInvalidState, "transaction is not active")
	}
	t.commitRequested = true
	t.state = stateCommitting
	if t.pendingCount == 0 && t.started {
		t.finalizeCommit()
	} else if t.pendingCount == 0 {
		t.commitOnStart = true
	}
	return nil
}

// ensureSavepoint lazily opens the transaction's savepoint before the first
// mutation.
func (t *Transaction) ensureSavepoint() *Error {
	if t.savepoint != "" {
		return nil
	}
	name := fmt.Sprintf("tx_%d", t.seq)
	if err := t.db.state.sdb.BeginSavepoint(t.db.factory.ctx, name); err != nil {
		return asError(err)
	}
	t.savepoint = name
	return nil
}

func (t *Transaction) finalizeCommit() {
	if t.isFinished() {
		return
	}
	t.state = stateCommitting
	if t.savepoint != "" {
		if err := t.db.state.sdb.ReleaseSavepoint(t.db.factory.ctx, t.savepoint); err != nil {
			t.savepoint = ""
			t.abortWith(asError(err))
			return
		}
		t.savepoint = ""
	}
	t.state = stateFinished
	slog.Debug("transaction committed", "db", t.db.Name(), "mode", t.mode.String())

	if t.mode == VersionChange {
		t.db.state.upgradeTxn = nil
		if err := t.db.factory.driver.SyncManifest(t.db.factory.ctx, t.db.state.sdb); err != nil {
			slog.Error("manifest sync after upgrade failed", "db", t.db.Name(), "error", err)
		}
	}

	ev := &Event{Type: "complete"}
	dispatch(ev, []eventNode{t.db, t})

	for _, hook := range t.completeHooks {
		hook()
	}
	t.notifyFinished()
}

// Abort rolls the transaction back. Aborting a committing or finished
// transaction is an InvalidStateError.
func (t *Transaction) Abort() error {
	if t.state == stateCommitting || t.state == stateFinished {
		return newError(ErrNameInvalidState, "transaction is already %v",
			map[txState]string{stateCommitting: "committing", stateFinished: "finished"}[t.state])
	}
	t.abortWith(newError(ErrNameAbort, "transaction aborted by caller"))
	return nil
}

// abortWith runs the abort sequence: cancel queued callbacks, settle every
// still-pending request with the transaction's error and fire its bubbling
// error event, roll back the savepoint, replay the metadata journal, fire
// the bubbling abort event, and notify the scheduler.
func (t *Transaction) abortWith(err *Error) {
	if t.aborted || t.isFinished() {
		return
	}
	t.aborted = true
	t.err = err
	t.buffered = nil
	slog.Debug("transaction aborting", "db", t.db.Name(), "error", err)

	drained := t.requests
	t.requests = nil
	for _, r := range drained {
		r.cancelled = true
		r.settle(nil, err)
		ev := &Event{Type: "error", bubbles: true, cancelable: true}
		// Plain dispatch: the abort is already running, so a throwing or
		// non-preventing listener changes nothing here.
		dispatch(ev, r.path())
	}
	t.pendingCount = 0

	if t.savepoint != "" {
		if rbErr := t.db.state.sdb.RollbackSavepoint(t.db.factory.ctx, t.savepoint); rbErr != nil {
			slog.Error("savepoint rollback failed", "db", t.db.Name(), "error", rbErr)
		}
		t.savepoint = ""
	}

	if t.mode == VersionChange {
		t.revertMetadata()
	}

	t.state = stateFinished

	ev := &Event{Type: "abort", bubbles: true}
	dispatch(ev, []eventNode{t.db, t})

	for _, hook := range t.abortHooks {
		hook()
	}
	t.notifyFinished()
}

func (t *Transaction) notifyFinished() {
	if t.finishedNotified {
		return
	}
	t.finishedNotified = true
	t.db.state.sched.finished(t)
	t.db.txnFinished()
}

// journalAppend records a metadata mutation for potential revert.
func (t *Transaction) journalAppend(e revertEntry) {
	if t.mode == VersionChange {
		t.journal = append(t.journal, e)
	}
}

// revertMetadata restores the in-memory catalog and the handles user code
// holds. The SQL rollback has already fixed the on-disk state; this pass
// fixes what lives above it.
func (t *Transaction) revertMetadata() {
	if t.metaSnapshot != nil {
		t.db.state.meta = t.metaSnapshot
		t.db.version = t.metaSnapshot.version
	}

	createdStores := make(map[*ObjectStore]bool)
	createdIndexes := make(map[*Index]bool)
	for _, e := range t.journal {
		switch e.kind {
		case revertCreatedStore:
			createdStores[e.store] = true
		case revertCreatedIndex:
			createdIndexes[e.index] = true
		}
	}

	for i := len(t.journal) - 1; i >= 0; i-- {
		e := t.journal[i]
		switch e.kind {
		case revertCreatedStore:
			e.store.deleted = true
			delete(t.stores, e.store.name)
		case revertDeletedStore:
			e.store.deleted = false
		case revertRenamedStore:
			// A rename of a store created in this transaction is moot: the
			// store vanishes regardless.
			if createdStores[e.store] {
				continue
			}
			e.store.name = e.old
			delete(t.stores, e.new)
			t.stores[e.old] = e.store
		case revertCreatedIndex:
			e.index.deleted = true
		case revertDeletedIndex:
			e.index.deleted = false
		case revertRenamedIndex:
			if createdIndexes[e.index] {
				continue
			}
			e.index.name = e.old
		}
	}
	t.journal = nil
}
