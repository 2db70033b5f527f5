package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"marcut/internal/lease"
	"marcut/internal/queue"
	"marcut/internal/services"
	"marcut/internal/services/marcut"
	"marcut/internal/testsupport"
)

// stubEngine scripts one engine run. With hold set the run stays alive
// until a cancellation signal arrives, mimicking a long redaction.
type stubEngine struct {
	readyOK bool
	outcome marcut.Outcome
	runErr  error
	logTail []string
	events  []marcut.ProgressEvent
	hold    bool
	onRun   func(spec marcut.RunSpec)

	started    chan struct{}
	startOnce  sync.Once
	cancelled  chan struct{}
	cancelOnce sync.Once
	clearCalls atomic.Int32
	runCalls   atomic.Int32
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		readyOK:   true,
		outcome:   marcut.OutcomeSuccess,
		started:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (s *stubEngine) EnsureReady(context.Context, string) bool { return s.readyOK }

func (s *stubEngine) CancelCurrent() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

func (s *stubEngine) ClearCancellationRequest() { s.clearCalls.Add(1) }

func (s *stubEngine) RenderHTML(context.Context, string) (string, error) {
	return "", errors.New("html rendering not scripted")
}

func (s *stubEngine) Run(ctx context.Context, spec marcut.RunSpec, cancelled func() bool) (<-chan marcut.ProgressEvent, <-chan marcut.RunResult) {
	s.runCalls.Add(1)
	s.startOnce.Do(func() { close(s.started) })
	events := make(chan marcut.ProgressEvent, len(s.events)+1)
	results := make(chan marcut.RunResult, 1)
	go func() {
		defer close(events)
		defer close(results)
		for _, event := range s.events {
			events <- event
		}
		if s.hold {
			s.waitForCancel(ctx, cancelled)
		}
		if s.onRun != nil {
			s.onRun(spec)
		}
		results <- marcut.RunResult{Outcome: s.outcome, Err: s.runErr, LogTail: s.logTail}
	}()
	return events, results
}

func (s *stubEngine) waitForCancel(ctx context.Context, cancelled func() bool) {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.cancelled:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cancelled != nil && cancelled() {
				return
			}
		}
	}
}

var _ marcut.Engine = (*stubEngine)(nil)

func writeArtifacts(t *testing.T, paths ...string) func(marcut.RunSpec) {
	t.Helper()
	return func(spec marcut.RunSpec) {
		targets := map[string]string{
			"output": spec.OutputPath,
			"report": spec.ReportPath,
			"scrub":  spec.ScrubReportPath,
		}
		for _, name := range paths {
			if err := os.WriteFile(targets[name], []byte("{}"), 0o644); err != nil {
				t.Errorf("write %s artifact: %v", name, err)
			}
		}
	}
}

func registerValid(t *testing.T, o *Orchestrator, dir string) *queue.Document {
	t.Helper()
	source := testsupport.WriteMinimalDocx(t, dir, "input.docx")
	doc, err := o.Register(context.Background(), source)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if doc.Status != queue.StatusValid {
		t.Fatalf("expected valid after intake, got %q: %s", doc.Status, doc.ErrorMessage)
	}
	return doc
}

func TestRegisterRejectsBrokenContainer(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	o := New(cfg, store, newStubEngine(), nil)
	defer o.Close()

	source := filepath.Join(t.TempDir(), "broken.docx")
	if err := os.WriteFile(source, []byte("not a zip archive at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := o.Register(context.Background(), source)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if doc.Status != queue.StatusInvalid {
		t.Fatalf("expected invalid, got %q", doc.Status)
	}
	if doc.ErrorMessage == "" {
		t.Fatal("expected a user-facing rejection reason")
	}
	if doc.Status.RetryEligible() {
		t.Fatal("invalid documents must not be retry eligible")
	}
}

func TestRegisterAcceptsValidContainer(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	o := New(cfg, store, newStubEngine(), nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	if doc.Complexity <= 0 {
		t.Fatalf("expected a complexity estimate, got %v", doc.Complexity)
	}
	if doc.LeaseKey == "" {
		t.Fatal("valid documents should record their lease key")
	}
	if _, err := lease.NewManager(cfg.Paths.LeaseDir).AcquireDocument(doc.ID); !errors.Is(err, services.ErrPermissionDenied) {
		t.Fatalf("intake should hold the document lease, got %v", err)
	}
}

func TestRegisterReleasesLeaseOnInvalidContainer(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	o := New(cfg, store, newStubEngine(), nil)
	defer o.Close()

	source := filepath.Join(t.TempDir(), "broken.docx")
	if err := os.WriteFile(source, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := o.Register(context.Background(), source)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	held, err := lease.NewManager(cfg.Paths.LeaseDir).AcquireDocument(doc.ID)
	if err != nil {
		t.Fatalf("invalid is terminal, the lease should be free: %v", err)
	}
	_ = held.Release()
}

func TestSubmitRunsToCompletion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	engine := newStubEngine()
	engine.events = []marcut.ProgressEvent{
		{Phase: "preflight", PhaseFraction: -1, OverallFraction: 0.05},
		{Phase: "rule_detection", PhaseFraction: -1, OverallFraction: 0.5},
		{Phase: "complete", PhaseFraction: -1, OverallFraction: 1},
	}
	engine.onRun = writeArtifacts(t, "output", "report")
	o := New(cfg, store, engine, nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	if err := o.Submit(context.Background(), doc.ID, RunOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := o.Await(context.Background(), doc.ID); err != nil {
		t.Fatalf("await: %v", err)
	}

	settled, err := store.GetByID(context.Background(), doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if settled.Status != queue.StatusCompleted {
		t.Fatalf("expected completed, got %q (%s)", settled.Status, settled.ErrorMessage)
	}
	if settled.ProgressPercent != 100 {
		t.Fatalf("expected 100%%, got %v", settled.ProgressPercent)
	}
	if settled.Artifacts.OutputPath == "" || settled.Artifacts.ReportPath == "" {
		t.Fatalf("expected artifacts, got %+v", settled.Artifacts)
	}
	if settled.NeedsReview {
		t.Fatal("no scrub report was written, review flag should stay clear")
	}
	if settled.LastHeartbeat != nil {
		t.Fatal("heartbeat should clear on settlement")
	}
	if engine.clearCalls.Load() < 2 {
		t.Fatalf("cancellation flag must clear before and after the run, got %d clears", engine.clearCalls.Load())
	}
}

func TestSubmitFlagsScrubReportForReview(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	engine := newStubEngine()
	engine.onRun = writeArtifacts(t, "output", "report", "scrub")
	o := New(cfg, store, engine, nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	if err := o.Submit(context.Background(), doc.ID, RunOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_ = o.Await(context.Background(), doc.ID)

	settled, _ := store.GetByID(context.Background(), doc.ID)
	if settled.Status != queue.StatusCompleted {
		t.Fatalf("expected completed, got %q", settled.Status)
	}
	if !settled.NeedsReview {
		t.Fatal("scrub report should park the document for review")
	}
	if settled.Artifacts.ScrubReportPath == "" {
		t.Fatal("scrub report path should resolve")
	}

	reviewed, err := o.MarkReviewed(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("mark reviewed: %v", err)
	}
	if reviewed.NeedsReview {
		t.Fatal("review flag should clear")
	}
}

func TestSubmitRejectsIneligibleDocument(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	o := New(cfg, store, newStubEngine(), nil)
	defer o.Close()

	source := filepath.Join(t.TempDir(), "broken.docx")
	if err := os.WriteFile(source, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	doc, err := o.Register(context.Background(), source)
	if err != nil {
		t.Fatal(err)
	}

	err = o.Submit(context.Background(), doc.ID, RunOptions{Retry: true})
	if !errors.Is(err, services.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestSubmitWithoutEngine(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	o := New(cfg, store, nil, nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	err := o.Submit(context.Background(), doc.ID, RunOptions{})
	if !errors.Is(err, services.ErrEngineUnavailable) {
		t.Fatalf("expected ErrEngineUnavailable, got %v", err)
	}
}

func TestCancelParksDocumentAsCancelled(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	engine := newStubEngine()
	engine.hold = true
	engine.outcome = marcut.OutcomeCancelled
	o := New(cfg, store, engine, nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	if err := o.Submit(context.Background(), doc.ID, RunOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-engine.started

	leases := lease.NewManager(cfg.Paths.LeaseDir)
	if _, err := leases.AcquireDocument(doc.ID); !errors.Is(err, services.ErrPermissionDenied) {
		t.Fatalf("running job should hold the document lease, got %v", err)
	}

	o.Cancel(doc.ID)
	if err := o.Await(context.Background(), doc.ID); err != nil {
		t.Fatalf("await: %v", err)
	}

	settled, _ := store.GetByID(context.Background(), doc.ID)
	if settled.Status != queue.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", settled.Status)
	}
	if !settled.Status.RetryEligible() {
		t.Fatal("cancelled documents must stay retry eligible")
	}

	held, err := leases.AcquireDocument(doc.ID)
	if err != nil {
		t.Fatalf("cancellation settled, the lease should release: %v", err)
	}
	_ = held.Release()
}

func TestCancelSuccessRaceKeepsResult(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	engine := newStubEngine()
	engine.hold = true
	engine.outcome = marcut.OutcomeCancelled
	engine.onRun = writeArtifacts(t, "output", "report")
	o := New(cfg, store, engine, nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	if err := o.Submit(context.Background(), doc.ID, RunOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-engine.started
	o.Cancel(doc.ID)
	if err := o.Await(context.Background(), doc.ID); err != nil {
		t.Fatalf("await: %v", err)
	}

	settled, _ := store.GetByID(context.Background(), doc.ID)
	if settled.Status != queue.StatusCompleted {
		t.Fatalf("finished artifacts should win the race, got %q", settled.Status)
	}
}

func TestResubmitCancelsPreviousJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	engine := newStubEngine()
	engine.hold = true
	engine.outcome = marcut.OutcomeCancelled
	o := New(cfg, store, engine, nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	if err := o.Submit(context.Background(), doc.ID, RunOptions{}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	<-engine.started

	if err := o.Submit(context.Background(), doc.ID, RunOptions{Retry: true}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if err := o.Await(context.Background(), doc.ID); err != nil {
		t.Fatalf("await: %v", err)
	}
	if engine.runCalls.Load() != 2 {
		t.Fatalf("expected two engine runs, got %d", engine.runCalls.Load())
	}
}

func TestRemoveCancelsActiveJobAndReleasesLease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	engine := newStubEngine()
	engine.hold = true
	engine.outcome = marcut.OutcomeCancelled
	o := New(cfg, store, engine, nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	if err := o.Submit(context.Background(), doc.ID, RunOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-engine.started

	removed, err := o.Remove(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if removed.ID != doc.ID {
		t.Fatalf("removed wrong document: %d", removed.ID)
	}
	if _, err := store.GetByID(context.Background(), doc.ID); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("document should be gone, got %v", err)
	}

	held, err := lease.NewManager(cfg.Paths.LeaseDir).AcquireDocument(doc.ID)
	if err != nil {
		t.Fatalf("removal should release the document lease: %v", err)
	}
	_ = held.Release()
}

func TestRetryReacquiresReleasedLease(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	engine := newStubEngine()
	engine.outcome = marcut.OutcomeFailure
	engine.runErr = errors.New("exit status 1")
	o := New(cfg, store, engine, nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	if err := o.Submit(context.Background(), doc.ID, RunOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_ = o.Await(context.Background(), doc.ID)

	leases := lease.NewManager(cfg.Paths.LeaseDir)
	freed, err := leases.AcquireDocument(doc.ID)
	if err != nil {
		t.Fatalf("failed run should release the lease: %v", err)
	}
	_ = freed.Release()

	engine.outcome = marcut.OutcomeSuccess
	engine.runErr = nil
	engine.onRun = writeArtifacts(t, "output", "report")
	if err := o.Submit(context.Background(), doc.ID, RunOptions{Retry: true}); err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	_ = o.Await(context.Background(), doc.ID)

	settled, _ := store.GetByID(context.Background(), doc.ID)
	if settled.Status != queue.StatusCompleted {
		t.Fatalf("expected completed retry, got %q (%s)", settled.Status, settled.ErrorMessage)
	}
	if settled.LeaseKey == "" {
		t.Fatal("retry should record the reacquired lease key")
	}
}

func TestFailureUsesStructuredReport(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	engine := newStubEngine()
	engine.outcome = marcut.OutcomeFailure
	engine.runErr = errors.New("exit status 1")
	engine.onRun = func(spec marcut.RunSpec) {
		report := `{"error_code":"AI_PROCESSING_FAILED","message":"The AI stage crashed mid-run."}`
		_ = os.WriteFile(spec.ReportPath, []byte(report), 0o644)
	}
	o := New(cfg, store, engine, nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	if err := o.Submit(context.Background(), doc.ID, RunOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_ = o.Await(context.Background(), doc.ID)

	settled, _ := store.GetByID(context.Background(), doc.ID)
	if settled.Status != queue.StatusFailed {
		t.Fatalf("expected failed, got %q", settled.Status)
	}
	if settled.ErrorMessage != "The AI stage crashed mid-run. (AI_PROCESSING_FAILED)" {
		t.Fatalf("unexpected message %q", settled.ErrorMessage)
	}
}

func TestFailureFallsBackToLogMarkers(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	engine := newStubEngine()
	engine.outcome = marcut.OutcomeFailure
	engine.runErr = errors.New("exit status 1")
	engine.logTail = []string{"traceback", "ConnectionError: connection refused by host"}
	o := New(cfg, store, engine, nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	if err := o.Submit(context.Background(), doc.ID, RunOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_ = o.Await(context.Background(), doc.ID)

	settled, _ := store.GetByID(context.Background(), doc.ID)
	if settled.Status != queue.StatusFailed {
		t.Fatalf("expected failed, got %q", settled.Status)
	}
	if want := "(AI_SERVICE_UNAVAILABLE)"; !strings.Contains(settled.ErrorMessage, want) {
		t.Fatalf("message %q should carry %q", settled.ErrorMessage, want)
	}
}

func TestAdvancedRunRequiresReadyEngine(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	engine := newStubEngine()
	engine.readyOK = false
	o := New(cfg, store, engine, nil)
	defer o.Close()

	doc := registerValid(t, o, t.TempDir())
	if err := o.Submit(context.Background(), doc.ID, RunOptions{Advanced: true}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	_ = o.Await(context.Background(), doc.ID)

	settled, _ := store.GetByID(context.Background(), doc.ID)
	if settled.Status != queue.StatusFailed {
		t.Fatalf("expected failed preflight, got %q", settled.Status)
	}
	if engine.runCalls.Load() != 0 {
		t.Fatal("engine must not run when the model is unavailable")
	}
}
