package outputs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"marcut/internal/services/marcut"
)

type renderStub struct {
	rendered string
	err      error
	calls    int
}

func (s *renderStub) RenderHTML(_ context.Context, reportPath string) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if s.rendered == "" {
		return swapExt(reportPath, ".html"), nil
	}
	return s.rendered, nil
}

// engineShim satisfies the full engine interface but only the HTML hook
// does anything.
type engineShim struct{ render *renderStub }

func (engineShim) EnsureReady(context.Context, string) bool { return true }
func (engineShim) Run(context.Context, marcut.RunSpec, func() bool) (<-chan marcut.ProgressEvent, <-chan marcut.RunResult) {
	return nil, nil
}
func (engineShim) CancelCurrent()            {}
func (engineShim) ClearCancellationRequest() {}
func (e engineShim) RenderHTML(ctx context.Context, reportPath string) (string, error) {
	return e.render.RenderHTML(ctx, reportPath)
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPlanDerivesArtifactNames(t *testing.T) {
	r := New("/out", nil, nil)
	planned := r.Plan("/in/Contract Draft.docx")
	if planned.OutputPath != filepath.Join("/out", "Contract Draft_redacted.docx") {
		t.Errorf("output path %q", planned.OutputPath)
	}
	if planned.ReportPath != filepath.Join("/out", "Contract Draft_report.json") {
		t.Errorf("report path %q", planned.ReportPath)
	}
	if planned.ScrubReportPath != filepath.Join("/out", "Contract Draft_scrub_report.json") {
		t.Errorf("scrub path %q", planned.ScrubReportPath)
	}
}

func TestResolveFindsPlannedArtifacts(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, nil, nil)
	planned := r.Plan("/in/Contract.docx")
	touch(t, planned.OutputPath)
	touch(t, planned.ReportPath)
	touch(t, swapExt(planned.ReportPath, ".html"))
	touch(t, planned.ScrubReportPath)
	touch(t, swapExt(planned.ScrubReportPath, ".html"))

	resolved := r.Resolve(context.Background(), "/in/Contract.docx", planned)
	if resolved.OutputPath != planned.OutputPath {
		t.Errorf("output %q", resolved.OutputPath)
	}
	if resolved.ReportHTMLPath != swapExt(planned.ReportPath, ".html") {
		t.Errorf("report html %q", resolved.ReportHTMLPath)
	}
	if resolved.ScrubReportPath != planned.ScrubReportPath {
		t.Errorf("scrub %q", resolved.ScrubReportPath)
	}
	if resolved.ScrubReportHTMLPath != swapExt(planned.ScrubReportPath, ".html") {
		t.Errorf("scrub html %q", resolved.ScrubReportHTMLPath)
	}
}

func TestResolveOmitsMissingArtifacts(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, nil, nil)
	planned := r.Plan("/in/Contract.docx")

	resolved := r.Resolve(context.Background(), "/in/Contract.docx", planned)
	if resolved.OutputPath != "" || resolved.ReportPath != "" || resolved.ScrubReportPath != "" {
		t.Fatalf("expected empty artifacts, got %+v", resolved)
	}
}

func TestResolveFindsLegacyParenthesizedScrubReport(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, nil, nil)
	planned := r.Plan("/in/Contract.docx")
	touch(t, filepath.Join(dir, "Contract (scrub-report 1-1-25 100AM).json"))

	resolved := r.Resolve(context.Background(), "/in/Contract.docx", planned)
	want := filepath.Join(dir, "Contract (scrub-report 1-1-25 100AM).json")
	if resolved.ScrubReportPath != want {
		t.Fatalf("scrub = %q, want %q", resolved.ScrubReportPath, want)
	}
}

func TestResolveFindsLegacySuffixScrubReport(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, nil, nil)
	planned := r.Plan("/in/Contract.docx")
	touch(t, filepath.Join(dir, "Contract scrub-report old.json"))

	resolved := r.Resolve(context.Background(), "/in/Contract.docx", planned)
	want := filepath.Join(dir, "Contract scrub-report old.json")
	if resolved.ScrubReportPath != want {
		t.Fatalf("scrub = %q, want %q", resolved.ScrubReportPath, want)
	}
}

func TestResolveIgnoresOtherDocumentsScrubReports(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, nil, nil)
	planned := r.Plan("/in/Contract.docx")
	touch(t, filepath.Join(dir, "Other_scrub_report.json"))

	resolved := r.Resolve(context.Background(), "/in/Contract.docx", planned)
	if resolved.ScrubReportPath != "" {
		t.Fatalf("matched wrong document: %q", resolved.ScrubReportPath)
	}
}

func TestResolveRendersReportHTMLViaEngine(t *testing.T) {
	dir := t.TempDir()
	stub := &renderStub{}
	r := New(dir, engineShim{render: stub}, nil)
	planned := r.Plan("/in/Contract.docx")
	touch(t, planned.ReportPath)

	resolved := r.Resolve(context.Background(), "/in/Contract.docx", planned)
	if stub.calls != 1 {
		t.Fatalf("expected one render call, got %d", stub.calls)
	}
	if resolved.ReportHTMLPath != swapExt(planned.ReportPath, ".html") {
		t.Fatalf("report html %q", resolved.ReportHTMLPath)
	}
}

func TestResolveSwallowsRenderFailure(t *testing.T) {
	dir := t.TempDir()
	stub := &renderStub{err: errors.New("render exploded")}
	r := New(dir, engineShim{render: stub}, nil)
	planned := r.Plan("/in/Contract.docx")
	touch(t, planned.ReportPath)

	resolved := r.Resolve(context.Background(), "/in/Contract.docx", planned)
	if resolved.ReportPath != planned.ReportPath {
		t.Fatalf("report should still resolve, got %q", resolved.ReportPath)
	}
	if resolved.ReportHTMLPath != "" {
		t.Fatalf("report html should be empty, got %q", resolved.ReportHTMLPath)
	}
}
