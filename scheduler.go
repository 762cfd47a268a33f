package idb

import "log/slog"

// scheduler orders the transactions of one database. Entries keep creation
// order; an entry may start once every earlier unfinished entry either does
// not overlap its scope or overlaps it with both sides read-only. A
// version-change transaction has exclusive scope over the whole database and
// serialises with everything.
type scheduler struct {
	f       *Factory
	entries []*schedEntry
}

type schedEntry struct {
	t        *Transaction
	started  bool
	finished bool
}

func newScheduler(f *Factory) *scheduler {
	return &scheduler{f: f}
}

// add enqueues a transaction and starts whatever became startable. The
// transaction's start callback always runs on a deferred task, never
// re-entrantly inside add.
func (s *scheduler) add(t *Transaction) {
	s.entries = append(s.entries, &schedEntry{t: t})
	s.pump()
}

// finished marks a transaction complete and re-evaluates the queue.
func (s *scheduler) finished(t *Transaction) {
	for _, e := range s.entries {
		if e.t == t {
			e.finished = true
			break
		}
	}
	// Compact finished prefixes so the queue does not grow without bound.
	i := 0
	for i < len(s.entries) && s.entries[i].finished {
		i++
	}
	s.entries = s.entries[i:]
	s.pump()
}

func (s *scheduler) pump() {
	for i, e := range s.entries {
		if e.started || e.finished {
			continue
		}
		blocked := false
		for _, prev := range s.entries[:i] {
			if !prev.finished && conflicts(prev.t, e.t) {
				blocked = true
				break
			}
		}
		if blocked {
			continue
		}
		e.started = true
		t := e.t
		slog.Debug("transaction starting",
			"db", t.db.Name(),
			"mode", t.mode.String(),
			"scope", t.scope,
		)
		s.f.loop.Post(t.start)
	}
}

// conflicts reports whether two transactions cannot run concurrently.
func conflicts(a, b *Transaction) bool {
	if a.mode == VersionChange || b.mode == VersionChange {
		return true
	}
	if a.mode == ReadOnly && b.mode == ReadOnly {
		return false
	}
	return scopesOverlap(a.scope, b.scope)
}

func scopesOverlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
