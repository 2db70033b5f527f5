// Package marcut wraps the external marcut pipeline engine: process
// invocation, JSON-lines progress decoding, cancellation hooks, and
// structured or heuristic failure reporting.
package marcut
