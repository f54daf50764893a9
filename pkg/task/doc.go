// Package task tracks long-running background handlers for one session.
//
// A Supervisor launches each background handler on its own goroutine
// immediately, without blocking the caller, and retains a Handle until the
// handler returns. There is no deduplication: starting the same handler
// twice runs it twice, and avoiding redundant concurrent work is the
// caller's responsibility (typically with a counter var guarded by the
// session's mutation lock).
//
// All tracked tasks share a root context that is cancelled when the
// supervisor shuts down, so session teardown propagates to in-flight work.
package task
