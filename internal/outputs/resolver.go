// Package outputs plans and resolves the artifact paths a redaction run
// produces: the redacted document, the audit report, and the optional scrub
// report, each with an HTML counterpart where one exists.
package outputs

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"marcut/internal/logging"
	"marcut/internal/queue"
	"marcut/internal/services/marcut"
)

const (
	redactedSuffix    = "_redacted.docx"
	reportSuffix      = "_report.json"
	scrubReportSuffix = "_scrub_report.json"
)

// Resolver plans artifact paths before a run and locates what actually
// landed on disk afterwards.
type Resolver struct {
	outputDir string
	engine    marcut.Engine
	logger    *slog.Logger
}

// New constructs a Resolver. The engine is optional; without one the HTML
// render fallback is skipped.
func New(outputDir string, engine marcut.Engine, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{
		outputDir: outputDir,
		engine:    engine,
		logger:    logging.NewComponentLogger(logger, "outputs"),
	}
}

// BaseName returns the source document's stem, used to derive every
// artifact name.
func BaseName(sourcePath string) string {
	name := filepath.Base(sourcePath)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Plan returns the artifact paths a run for the given source is expected to
// write. The scrub report path is always planned; the engine only writes it
// when scrubbing found anything.
func (r *Resolver) Plan(sourcePath string) queue.Artifacts {
	base := BaseName(sourcePath)
	return queue.Artifacts{
		OutputPath:      filepath.Join(r.outputDir, base+redactedSuffix),
		ReportPath:      filepath.Join(r.outputDir, base+reportSuffix),
		ScrubReportPath: filepath.Join(r.outputDir, base+scrubReportSuffix),
	}
}

// Resolve inspects the output directory after a run and returns the
// artifacts that actually exist. Missing planned paths come back empty; a
// missing scrub report triggers the legacy naming scan, and a missing
// report HTML triggers the engine render fallback.
func (r *Resolver) Resolve(ctx context.Context, sourcePath string, planned queue.Artifacts) queue.Artifacts {
	base := BaseName(sourcePath)
	resolved := queue.Artifacts{}

	if fileExists(planned.OutputPath) {
		resolved.OutputPath = planned.OutputPath
	}
	if fileExists(planned.ReportPath) {
		resolved.ReportPath = planned.ReportPath
		resolved.ReportHTMLPath = r.resolveHTML(ctx, planned.ReportPath)
	}

	scrub := planned.ScrubReportPath
	if !fileExists(scrub) {
		scrub = r.findScrubReport(base)
	}
	if scrub != "" {
		resolved.ScrubReportPath = scrub
		if html := swapExt(scrub, ".html"); fileExists(html) {
			resolved.ScrubReportHTMLPath = html
		}
	}

	return resolved
}

// resolveHTML returns the HTML counterpart of a JSON report, asking the
// engine to render one when it is missing. Render failures are logged and
// swallowed; the HTML view is a convenience, not a deliverable.
func (r *Resolver) resolveHTML(ctx context.Context, reportPath string) string {
	htmlPath := swapExt(reportPath, ".html")
	if fileExists(htmlPath) {
		return htmlPath
	}
	if r.engine == nil {
		return ""
	}
	rendered, err := r.engine.RenderHTML(ctx, reportPath)
	if err != nil {
		r.logger.Warn("report html render failed",
			logging.String("report", reportPath),
			logging.Error(err),
		)
		return ""
	}
	return rendered
}

// findScrubReport scans the output directory for scrub reports written
// under older naming conventions. Two are in circulation: a parenthesized
// timestamp form, base (scrub-report <ts>).json, and a plain suffix form.
// Names are compared after lowercasing and folding spaces and hyphens to
// underscores. The newest match wins.
func (r *Resolver) findScrubReport(base string) string {
	entries, err := os.ReadDir(r.outputDir)
	if err != nil {
		return ""
	}

	normalBase := normalizeScrubName(base)
	prefixes := []string{
		normalBase + "_(scrub_report",
		normalBase + "_scrub_report",
	}

	var (
		bestPath string
		bestTime int64
	)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.EqualFold(filepath.Ext(name), ".json") {
			continue
		}
		normalized := normalizeScrubName(name)
		matched := false
		for _, prefix := range prefixes {
			if strings.HasPrefix(normalized, prefix) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if modTime := info.ModTime().UnixNano(); bestPath == "" || modTime > bestTime {
			bestPath = filepath.Join(r.outputDir, name)
			bestTime = modTime
		}
	}
	return bestPath
}

func normalizeScrubName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}

func swapExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
