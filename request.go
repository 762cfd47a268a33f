package idb

// ReadyState is a request's lifecycle state.
type ReadyState int

const (
	// Pending means the request's operation has not yet delivered its event.
	Pending ReadyState = iota + 1
	// Done means the result or error is settled and observable.
	Done
)

func (s ReadyState) String() string {
	if s == Done {
		return "done"
	}
	return "pending"
}

// Request is the single-shot handle returned by every asynchronous
// operation. Its result is computed synchronously by the operation and
// observed asynchronously when the success or error event fires; Result and
// Err refuse to answer before then.
type Request struct {
	listenerSet

	// OnSuccess and OnError are attribute-style handlers: each joins its
	// event's dispatch as a once-listener added at dispatch time.
	OnSuccess func(*Event)
	OnError   func(*Event)

	source any // *ObjectStore, *Index, *Cursor, or *Factory
	txn    *Transaction
	state  ReadyState
	result any
	err    *Error

	// cancelled marks a request drained by an abort: its queued event
	// callback must not run.
	cancelled bool
}

func newRequest(source any, txn *Transaction) *Request {
	return &Request{source: source, txn: txn, state: Pending}
}

func (r *Request) handlerFor(typ string) func(*Event) {
	switch typ {
	case "success":
		return r.OnSuccess
	case "error":
		return r.OnError
	}
	return nil
}

// Source returns the object the request was issued against.
func (r *Request) Source() any { return r.source }

// Transaction returns the owning transaction, or nil for factory-level
// requests outside an upgrade.
func (r *Request) Transaction() *Transaction { return r.txn }

// ReadyState returns Pending until the request's event has been delivered.
func (r *Request) ReadyState() ReadyState { return r.state }

// Result returns the operation's result. Calling it while the request is
// still pending is an InvalidStateError.
func (r *Request) Result() (any, error) {
	if r.state != Done {
		return nil, newError(ErrNameInvalidState, "request is still pending")
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.result, nil
}

// Err returns the settled error, nil on success. Calling it while the
// request is pending is an InvalidStateError.
func (r *Request) Err() (*Error, error) {
	if r.state != Done {
		return nil, newError(ErrNameInvalidState, "request is still pending")
	}
	return r.err, nil
}

// path is the propagation chain for events targeted at this request.
func (r *Request) path() []eventNode {
	if r.txn != nil {
		return []eventNode{r.txn.db, r.txn, r}
	}
	return []eventNode{r}
}

// settle marks the request done. Results and errors are never mutated after
// this.
func (r *Request) settle(result any, err *Error) {
	r.state = Done
	r.result = result
	r.err = err
}

// OpenDBRequest is the request returned by Factory.Open and
// Factory.DeleteDatabase, with the two extra events only those operations
// fire.
type OpenDBRequest struct {
	Request

	// OnUpgradeNeeded fires when an open needs a version-change
	// transaction. OnBlocked fires when incumbent connections keep an
	// upgrade or deletion waiting.
	OnUpgradeNeeded func(*Event)
	OnBlocked       func(*Event)
}

func (r *OpenDBRequest) handlerFor(typ string) func(*Event) {
	switch typ {
	case "upgradeneeded":
		return r.OnUpgradeNeeded
	case "blocked":
		return r.OnBlocked
	}
	return r.Request.handlerFor(typ)
}

// path mirrors Request.path but keeps the OpenDBRequest as the node so its
// extra handlers participate in dispatch.
func (r *OpenDBRequest) path() []eventNode {
	if r.txn != nil {
		return []eventNode{r.txn.db, r.txn, r}
	}
	return []eventNode{r}
}
