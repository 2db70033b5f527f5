// Package services holds cross-cutting service helpers: the failure
// taxonomy shared by every pipeline component and the context keys used to
// correlate structured logs with documents and requests.
package services
