// Package state implements the per-session state instance and its
// exclusive-access mutation discipline.
//
// A State holds the named vars for one client session. Reads are lock-free
// and may observe values that are stale relative to concurrent writers.
// All writes go through a scoped access block:
//
//	err := st.Mutate(ctx, func(tx *state.Tx) error {
//	    n := tx.Int("count")
//	    return tx.Set("count", n+1)
//	})
//
// Mutate acquires the state's mutation lock, refreshes the Tx to the latest
// committed values, and runs the block with exclusive write access. On exit
// (normal return, error, or panic) the dirty vars are committed, the lock is
// released, and a Delta describing the changed vars is pushed through the
// commit sink. At most one block holds a state's lock at any instant, so
// otherwise-concurrent mutators serialize on it.
//
// A Tx that escapes its block is dead: any write through it fails with
// ErrStateImmutable. Tx.Flush is the yield point inside a block - it commits
// and broadcasts what is dirty so far without releasing the lock.
package state
