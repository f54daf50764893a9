package state

import "errors"

// ErrStateImmutable is returned when a var write is attempted without the
// mutation lock held: through a Tx whose block has ended, or through a
// context that never opened a block. It signals a programming error in how
// background logic accesses state and is never retried.
var ErrStateImmutable = errors.New("state: var write outside mutation lock")
