// Package queue is the document registry: the ordered collection of
// documents moving through validation and redaction, persisted in SQLite,
// plus the derived aggregate flags the batch controller consumes.
package queue
