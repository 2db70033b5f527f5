// Package testsupport holds shared helpers for package tests: throwaway
// configs, registry stores, and document-container fixtures.
package testsupport

import (
	"context"
	"path/filepath"
	"testing"

	"marcut/internal/config"
	"marcut/internal/queue"
)

// NewConfig returns a config rooted in a per-test temporary directory.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.OutputDir = filepath.Join(root, "out")
	cfg.Paths.LogDir = filepath.Join(root, "logs")
	cfg.Paths.DataDir = filepath.Join(root, "data")
	cfg.Paths.LeaseDir = filepath.Join(root, "lease")
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// MustOpenStore opens a registry store against the test config and closes it
// on cleanup.
func MustOpenStore(t *testing.T, cfg *config.Config) *queue.Store {
	t.Helper()
	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustAddDocument inserts a new registry row for the given source path.
func MustAddDocument(t *testing.T, store *queue.Store, sourcePath string) *queue.Document {
	t.Helper()
	doc, err := store.NewDocument(context.Background(), sourcePath)
	if err != nil {
		t.Fatalf("new document: %v", err)
	}
	return doc
}
