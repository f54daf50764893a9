package state

// Tx is the exclusive write view handed to a Mutate block. It reads from a
// working copy refreshed at acquisition (and at each Flush), and records
// writes as dirty vars that are committed when the block exits or flushes.
//
// A Tx is only valid inside its block and only on the goroutine running it.
// Once the block exits, every write through the Tx fails with
// ErrStateImmutable.
type Tx struct {
	state  *State
	vars   map[string]any
	dirty  map[string]any
	closed bool
}

func newTx(s *State) *Tx {
	tx := &Tx{state: s, dirty: make(map[string]any)}
	tx.refresh()
	return tx
}

// refresh re-copies the committed snapshot into the working view. Called
// while the mutation lock is held, so the snapshot cannot move underneath.
func (tx *Tx) refresh() {
	vars, _ := tx.state.Snapshot()
	tx.vars = vars
}

// Get returns the value of a var as seen by this block, including writes
// not yet committed.
func (tx *Tx) Get(key string) (any, bool) {
	v, ok := tx.vars[key]
	return v, ok
}

// Int returns a var as int (see State.Int for conversions).
func (tx *Tx) Int(key string) int {
	v, _ := tx.Get(key)
	return coerceInt(v)
}

// String returns a var as string, or "" if missing or not a string.
func (tx *Tx) String(key string) string {
	v, _ := tx.Get(key)
	str, _ := v.(string)
	return str
}

// Bool returns a var as bool, or false if missing or not a bool.
func (tx *Tx) Bool(key string) bool {
	v, _ := tx.Get(key)
	b, _ := v.(bool)
	return b
}

// Set writes a var. The write becomes visible to readers outside the block
// when the block commits (on exit or at the next Flush). Setting a var to
// its current value still marks it dirty.
func (tx *Tx) Set(key string, value any) error {
	if tx.closed {
		return ErrStateImmutable
	}
	tx.vars[key] = value
	tx.dirty[key] = value
	return nil
}

// Inc adds n to an int var and returns the new value.
func (tx *Tx) Inc(key string, n int) (int, error) {
	if tx.closed {
		return 0, ErrStateImmutable
	}
	next := tx.Int(key) + n
	return next, tx.Set(key, next)
}

// Flush commits and broadcasts the vars dirtied so far without releasing
// the mutation lock, then refreshes the working view. This is the yield
// point for long handlers that want to push incremental updates.
func (tx *Tx) Flush() error {
	if tx.closed {
		return ErrStateImmutable
	}
	tx.commit()
	tx.refresh()
	return nil
}

// Dirty reports whether the block has uncommitted writes.
func (tx *Tx) Dirty() bool {
	return len(tx.dirty) > 0
}

func (tx *Tx) commit() {
	if len(tx.dirty) == 0 {
		return
	}
	dirty := tx.dirty
	tx.dirty = make(map[string]any)
	tx.state.commit(dirty)
}

// finish commits outstanding writes and invalidates the Tx. Called by
// Mutate on block exit, including on panic.
func (tx *Tx) finish() {
	if tx.closed {
		return
	}
	tx.commit()
	tx.closed = true
}
