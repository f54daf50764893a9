// Package server implements the Ripple WebSocket server: per-connection
// sessions owning mutable app state, an event dispatcher, and background
// task supervision.
//
// Each connected client gets one Session. A session runs three goroutines:
// ReadLoop (decodes incoming envelopes and queues events), WriteLoop
// (heartbeats), and EventLoop (runs event handlers one at a time). Regular
// handlers execute inside the session state's mutation block, so each
// handler sees a fresh snapshot and its writes are committed and pushed to
// the client as a delta when the handler returns. Background handlers are
// launched on the session's task supervisor and must acquire the mutation
// lock themselves to write.
//
// Sessions are tracked by a SessionManager which enforces session and
// per-IP limits, expires idle sessions, and persists snapshots to a
// store.Store so clients can resume after a disconnect or server restart.
//
// Mount the server in any router:
//
//	srv := server.New(nil)
//	srv.Handle("counter.increment", increment)
//	r := chi.NewRouter()
//	r.Mount("/", srv.Handler())
package server
