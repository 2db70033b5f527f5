// Package logging configures slog handlers for console and JSON output and
// provides the attr helpers and field-name constants used across the
// pipeline.
package logging
