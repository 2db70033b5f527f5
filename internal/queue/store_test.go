package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"marcut/internal/config"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.OutputDir = filepath.Join(root, "out")
	cfg.Paths.LogDir = filepath.Join(root, "logs")
	cfg.Paths.DataDir = filepath.Join(root, "data")
	cfg.Paths.LeaseDir = filepath.Join(root, "lease")

	store, err := Open(&cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewDocumentStartsChecking(t *testing.T) {
	store := testStore(t)
	doc, err := store.NewDocument(context.Background(), "/in/a.docx")
	if err != nil {
		t.Fatalf("new document: %v", err)
	}
	if doc.Status != StatusChecking {
		t.Fatalf("expected checking, got %q", doc.Status)
	}
	if doc.ID == 0 {
		t.Fatal("expected an assigned id")
	}
	if doc.CreatedAt.IsZero() || doc.UpdatedAt.IsZero() {
		t.Fatal("timestamps should be set")
	}
}

func TestUpdateRoundTripsEveryField(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	doc, err := store.NewDocument(ctx, "/in/contract.docx")
	if err != nil {
		t.Fatal(err)
	}

	hb := time.Now().UTC().Truncate(time.Millisecond)
	doc.Status = StatusProcessing
	doc.Stage = StageEnhancedDetection
	doc.ErrorMessage = ""
	doc.Complexity = 0.42
	doc.Artifacts = Artifacts{
		OutputPath:          "/out/contract_redacted.docx",
		ReportPath:          "/out/contract_report.json",
		ReportHTMLPath:      "/out/contract_report.html",
		ScrubReportPath:     "/out/contract_scrub_report.json",
		ScrubReportHTMLPath: "/out/contract_scrub_report.html",
	}
	doc.LeaseKey = "/lease/doc-1.lock"
	doc.LastHeartbeat = &hb
	doc.NeedsReview = true
	doc.ProgressPercent = 57.5
	doc.ProgressMessage = "AI Entity Extraction"

	if err := store.Update(ctx, doc); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.GetByID(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusProcessing || got.Stage != StageEnhancedDetection {
		t.Errorf("status/stage: %q/%q", got.Status, got.Stage)
	}
	if got.Complexity != 0.42 || got.ProgressPercent != 57.5 {
		t.Errorf("numeric fields: %v %v", got.Complexity, got.ProgressPercent)
	}
	if got.Artifacts != doc.Artifacts {
		t.Errorf("artifacts: %+v", got.Artifacts)
	}
	if got.LeaseKey != doc.LeaseKey {
		t.Errorf("lease key: %q", got.LeaseKey)
	}
	if !got.NeedsReview {
		t.Error("needs_review lost")
	}
	if got.LastHeartbeat == nil || !got.LastHeartbeat.Equal(hb) {
		t.Errorf("heartbeat: %v", got.LastHeartbeat)
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	store := testStore(t)
	doc := &Document{ID: 9999, SourcePath: "/x", Status: StatusValid}
	if err := store.Update(context.Background(), doc); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListPreservesInsertionOrder(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	for _, path := range []string{"/in/a.docx", "/in/b.docx", "/in/c.docx"} {
		if _, err := store.NewDocument(ctx, path); err != nil {
			t.Fatal(err)
		}
	}
	docs, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3, got %d", len(docs))
	}
	for i, want := range []string{"/in/a.docx", "/in/b.docx", "/in/c.docx"} {
		if docs[i].SourcePath != want {
			t.Errorf("position %d: %q", i, docs[i].SourcePath)
		}
	}
}

func TestRemoveAndClear(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	first, _ := store.NewDocument(ctx, "/in/a.docx")
	if _, err := store.NewDocument(ctx, "/in/b.docx"); err != nil {
		t.Fatal(err)
	}

	if err := store.Remove(ctx, first.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := store.Remove(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove should be not found, got %v", err)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	docs, _ := store.List(ctx)
	if len(docs) != 0 {
		t.Fatalf("registry should be empty, got %d", len(docs))
	}
}

func TestUpdateHeartbeat(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	doc, _ := store.NewDocument(ctx, "/in/a.docx")

	if err := store.UpdateHeartbeat(ctx, doc.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ := store.GetByID(ctx, doc.ID)
	if got.LastHeartbeat == nil {
		t.Fatal("heartbeat should be set")
	}
}

func TestTouchHeartbeatIsMonotonic(t *testing.T) {
	doc := &Document{}
	now := time.Now().UTC()
	doc.TouchHeartbeat(now)
	doc.TouchHeartbeat(now.Add(-time.Minute))
	if !doc.LastHeartbeat.Equal(now) {
		t.Fatalf("heartbeat went backwards: %v", doc.LastHeartbeat)
	}
	later := now.Add(time.Minute)
	doc.TouchHeartbeat(later)
	if !doc.LastHeartbeat.Equal(later) {
		t.Fatalf("heartbeat should advance: %v", doc.LastHeartbeat)
	}
}

func TestAggregates(t *testing.T) {
	docs := []*Document{
		{Status: StatusCompleted},
		{Status: StatusInvalid},
	}
	agg := ComputeAggregates(docs)
	if !agg.BatchFinished {
		t.Fatalf("batch should be finished: %+v", agg)
	}

	docs = append(docs, &Document{Status: StatusValid})
	if agg = ComputeAggregates(docs); agg.BatchFinished {
		t.Fatal("pending valid document should hold the batch open")
	}

	docs[2].Status = StatusCompleted
	docs[2].NeedsReview = true
	if agg = ComputeAggregates(docs); agg.BatchFinished {
		t.Fatal("pending review should hold the batch open")
	}
	if !agg.HasPendingReview {
		t.Fatal("pending review flag lost")
	}

	if agg = ComputeAggregates(nil); agg.HasAny || agg.BatchFinished {
		t.Fatalf("empty registry aggregates wrong: %+v", agg)
	}
}

func TestParseStatus(t *testing.T) {
	if status, ok := ParseStatus("  Completed "); !ok || status != StatusCompleted {
		t.Fatalf("parse: %q %v", status, ok)
	}
	if _, ok := ParseStatus("bogus"); ok {
		t.Fatal("bogus status should not parse")
	}
}
