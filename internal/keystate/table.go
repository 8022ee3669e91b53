package keystate

import (
	"sync"

	"github.com/rescrv/hyperdex/internal/config"
)

// tableKey is the composite key a KeyStateTable is indexed by: one (region,
// key) pair, matching the original engine's key_region pairing.
type tableKey struct {
	region config.RegionID
	key    string
}

// entry is the value stored in a KeyStateTable's sync.Map: a KeyState plus
// the bookkeeping needed to garbage-collect it once it has both emptied its
// queues and lost every acquirer.
type entry struct {
	mu       sync.Mutex
	state    *KeyState
	acquires int
	garbage  bool
}

// KeyStateTable is the concurrent map from (region, key) to KeyState
// described in the package doc: lazy creation, reference-counted
// acquisition, and collection of any entry that is simultaneously finished
// and unheld.
//
// Collection pairs a per-entry garbage bit and mutex with
// sync.Map.CompareAndDelete: Release marks a finished, unheld entry garbage
// under the entry's own mutex, then removes it with CompareAndDelete, which
// only succeeds while the map still holds that precise *entry. An Acquire
// or Lookup that reaches an entry already marked garbage treats it as gone
// (Acquire retries against whatever the map holds now), so no mutex guards
// the whole table.
type KeyStateTable struct {
	m     sync.Map // tableKey -> *entry
	vs    config.VirtualID
	hooks Hooks
}

// NewKeyStateTable constructs an empty table. vs is the virtual server this
// daemon embodies; every KeyState lazily created here is stamped with it so
// routing decisions (DetermineDownstream) know which hop in the chain this
// daemon occupies.
func NewKeyStateTable(vs config.VirtualID, hooks Hooks) *KeyStateTable {
	return &KeyStateTable{vs: vs, hooks: hooks}
}

// StateRef is a held reference to a KeyState acquired from a KeyStateTable.
// Callers must call Release exactly once when done, to allow garbage
// collection to proceed.
type StateRef struct {
	table *KeyStateTable
	key   tableKey
	e     *entry
}

// Get returns the referenced KeyState.
func (r *StateRef) Get() *KeyState { return r.e.state }

// Release drops this reference. If the underlying key-state has finished all
// its work and this was the last reference, the table entry is collected.
func (r *StateRef) Release() {
	r.e.mu.Lock()
	r.e.acquires--
	collect := r.e.acquires == 0 && r.e.state.Finished()
	if collect {
		r.e.garbage = true
	}
	r.e.mu.Unlock()

	if collect {
		r.table.m.CompareAndDelete(r.key, r.e)
	}
}

// Acquire returns a reference to the KeyState for (region, key), creating it
// if this is the first reference. The returned StateRef must be released
// exactly once.
func (t *KeyStateTable) Acquire(region config.RegionID, key []byte) *StateRef {
	tk := tableKey{region: region, key: string(key)}

	for {
		actual, loaded := t.m.Load(tk)
		var e *entry
		if loaded {
			e = actual.(*entry)
		} else {
			e = &entry{state: NewKeyState(region, t.vs, key, t.hooks)}
			stored, alreadyLoaded := t.m.LoadOrStore(tk, e)
			e = stored.(*entry)
			if alreadyLoaded {
				loaded = true
			}
		}
		_ = loaded

		e.mu.Lock()
		if e.garbage {
			e.mu.Unlock()
			// Lost a race with collection; retry against whatever is
			// (or isn't) in the map now.
			continue
		}
		e.acquires++
		e.mu.Unlock()

		return &StateRef{table: t, key: tk, e: e}
	}
}

// Lookup returns a reference to the KeyState for (region, key) only if it
// already exists, without creating one. Used by read paths that should not
// instantiate state for a key with no outstanding writes.
func (t *KeyStateTable) Lookup(region config.RegionID, key []byte) (*StateRef, bool) {
	tk := tableKey{region: region, key: string(key)}
	actual, ok := t.m.Load(tk)
	if !ok {
		return nil, false
	}
	e := actual.(*entry)

	e.mu.Lock()
	if e.garbage {
		e.mu.Unlock()
		return nil, false
	}
	e.acquires++
	e.mu.Unlock()

	return &StateRef{table: t, key: tk, e: e}, true
}

// Len reports the number of live entries, for tests and diagnostics. It is
// not linearizable with concurrent Acquire/Release.
func (t *KeyStateTable) Len() int {
	n := 0
	t.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Range calls f for every live (region, key, KeyState) in the table,
// stopping early if f returns false. Used by the retransmitter and the
// quiescence checker (internal/retransmit), neither of which needs a
// reference count on the entries they visit: both only read KeyState state
// or trigger its own locked redrive, and the table entry cannot be
// collected out from under a visit because Range holds no lock that a
// concurrent Release would need.
func (t *KeyStateTable) Range(f func(region config.RegionID, key []byte, state *KeyState) bool) {
	t.m.Range(func(k, v any) bool {
		tk := k.(tableKey)
		e := v.(*entry)
		return f(tk.region, []byte(tk.key), e.state)
	})
}
