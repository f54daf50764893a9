// Package middleware provides event middleware for Ripple servers:
// OpenTelemetry tracing and Prometheus metrics around handler dispatch.
//
// Middleware is registered on the server and wraps every handler:
//
//	srv := server.New(cfg)
//	srv.Use(
//	    middleware.OpenTelemetry(middleware.WithTracerName("my-app")),
//	    middleware.Prometheus(middleware.WithNamespace("myapp")),
//	)
package middleware
