// Package config loads and validates ripple.json, the project-level
// configuration for the ripple CLI.
//
// A minimal file looks like:
//
//	{
//	  "name": "myapp",
//	  "server": { "address": ":8080" },
//	  "store": { "backend": "redis", "redis": { "addr": "localhost:6379" } }
//	}
//
// Load fills unset fields with defaults, so a missing or sparse file still
// yields a runnable configuration. Durations are JSON strings in Go
// duration syntax ("30s", "5m").
package config
