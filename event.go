package idb

import "log/slog"

// Event is delivered to listeners registered on requests, transactions, and
// database connections. Propagation follows the three-phase model over the
// chain request → transaction → database: capture from the outermost
// ancestor in, target listeners, then bubbling back out for bubbling events.
type Event struct {
	// Type is the event name: "success", "error", "complete", "abort",
	// "upgradeneeded", "versionchange", "blocked", "close".
	Type string

	// OldVersion and NewVersion are set on version-change-flavoured events
	// (upgradeneeded, versionchange, and the success event of a database
	// deletion). A nil NewVersion is the spec's null: the database is going
	// away.
	OldVersion uint64
	NewVersion *uint64

	bubbles          bool
	cancelable       bool
	target           eventNode
	currentTarget    eventNode
	stopped          bool
	defaultPrevented bool
}

// Target returns the node the event was dispatched at: a *Request,
// *Transaction, or *Database.
func (e *Event) Target() any { return e.target }

// CurrentTarget returns the node whose listeners are currently running.
func (e *Event) CurrentTarget() any { return e.currentTarget }

// Bubbles reports whether the event bubbles back out through the chain.
func (e *Event) Bubbles() bool { return e.bubbles }

// Cancelable reports whether PreventDefault has any effect.
func (e *Event) Cancelable() bool { return e.cancelable }

// DefaultPrevented reports whether a listener called PreventDefault.
func (e *Event) DefaultPrevented() bool { return e.defaultPrevented }

// PreventDefault suppresses the default reaction to a cancelable event.
// For "error" events the default reaction is aborting the transaction.
func (e *Event) PreventDefault() {
	if e.cancelable {
		e.defaultPrevented = true
	}
}

// StopPropagation prevents the event from visiting further nodes. Listeners
// already scheduled on the current node still run.
func (e *Event) StopPropagation() { e.stopped = true }

// eventNode is implemented by every dispatch target.
type eventNode interface {
	listeners() *listenerSet
	// handlerFor returns the node's on-style attribute handler for an event
	// type, or nil. Attribute handlers join the dispatch as once-listeners
	// at dispatch time.
	handlerFor(typ string) func(*Event)
}

type listener struct {
	fn      func(*Event)
	capture bool
	id      int
}

// listenerSet is the per-node listener registry, embedded in Request,
// Transaction, and Database.
type listenerSet struct {
	byType map[string][]*listener
	nextID int
}

func (s *listenerSet) listeners() *listenerSet { return s }

// AddEventListener registers fn for the bubble/target phases of typ.
// It returns an id usable with RemoveEventListener.
func (s *listenerSet) AddEventListener(typ string, fn func(*Event)) int {
	return s.addListener(typ, fn, false)
}

// AddCaptureListener registers fn for the capture phase of typ.
func (s *listenerSet) AddCaptureListener(typ string, fn func(*Event)) int {
	return s.addListener(typ, fn, true)
}

func (s *listenerSet) addListener(typ string, fn func(*Event), capture bool) int {
	if s.byType == nil {
		s.byType = make(map[string][]*listener)
	}
	s.nextID++
	s.byType[typ] = append(s.byType[typ], &listener{fn: fn, capture: capture, id: s.nextID})
	return s.nextID
}

// RemoveEventListener unregisters a listener by the id AddEventListener
// returned.
func (s *listenerSet) RemoveEventListener(typ string, id int) {
	ls := s.byType[typ]
	for i, l := range ls {
		if l.id == id {
			s.byType[typ] = append(ls[:i:i], ls[i+1:]...)
			return
		}
	}
}

func (s *listenerSet) forPhase(typ string, capture bool) []*listener {
	var out []*listener
	for _, l := range s.byType[typ] {
		if l.capture == capture {
			out = append(out, l)
		}
	}
	return out
}

// dispatch runs the three phases of ev over path, ordered outermost ancestor
// first with the target last. It reports whether any listener panicked and
// returns the first panic value; a panicking listener never prevents later
// listeners from running.
func dispatch(ev *Event, path []eventNode) (threw bool, thrown any) {
	if len(path) == 0 {
		return false, nil
	}
	tgt := path[len(path)-1]
	ev.target = tgt

	run := func(node eventNode, l *listener) {
		ev.currentTarget = node
		defer func() {
			if r := recover(); r != nil {
				slog.Error("event listener panicked",
					"type", ev.Type,
					"panic", r,
				)
				if !threw {
					threw, thrown = true, r
				}
			}
		}()
		l.fn(ev)
	}

	// Capture: outermost in, excluding the target.
	for _, node := range path[:len(path)-1] {
		if ev.stopped {
			return threw, thrown
		}
		for _, l := range node.listeners().forPhase(ev.Type, true) {
			run(node, l)
		}
	}

	// Target: capture listeners, bubble listeners, then the attribute
	// handler (it joins last, as a once-listener added at dispatch time).
	if !ev.stopped {
		for _, l := range tgt.listeners().forPhase(ev.Type, true) {
			run(tgt, l)
		}
		for _, l := range tgt.listeners().forPhase(ev.Type, false) {
			run(tgt, l)
		}
		if h := tgt.handlerFor(ev.Type); h != nil {
			run(tgt, &listener{fn: h})
		}
	}

	// Bubble: back out through the ancestors.
	if ev.bubbles {
		for i := len(path) - 2; i >= 0; i-- {
			if ev.stopped {
				return threw, thrown
			}
			node := path[i]
			for _, l := range node.listeners().forPhase(ev.Type, false) {
				run(node, l)
			}
			if h := node.handlerFor(ev.Type); h != nil {
				run(node, &listener{fn: h})
			}
		}
	}

	return threw, thrown
}
