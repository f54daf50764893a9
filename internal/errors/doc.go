// Package errors provides coded, user-facing errors for the ripple CLI.
//
// Each error carries a stable code (e.g. "E101"), a category, and optional
// detail and fix suggestion. Codes are registered in registry.go; use New
// with a registered code and chain the With* builders:
//
//	return errors.New("E101").
//	    WithDetail("ripple.json contains a trailing comma").
//	    WithSuggestion("Check that ripple.json is valid JSON")
//
// Format renders the error for terminals, FormatJSON for machine consumers.
// Library packages (pkg/...) return plain errors; this package is for the
// command-line surface only.
package errors
