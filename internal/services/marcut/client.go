package marcut

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var commandContext = exec.CommandContext

// cancelPollInterval is how often the runner consults the caller's
// cancellation predicate while the engine process is alive.
const cancelPollInterval = 200 * time.Millisecond

// Options selects the detection mode for a run.
type Options struct {
	// AdvancedMode enables AI-assisted entity detection; plain runs use the
	// deterministic rule engine only.
	AdvancedMode bool
	// Model names the model advanced mode requires.
	Model string
	// TrackChanges controls whether replacements are written as tracked
	// revisions in the output document.
	TrackChanges bool
}

// RunSpec names the input and the artifact paths for one engine invocation.
type RunSpec struct {
	InputPath       string
	OutputPath      string
	ReportPath      string
	ScrubReportPath string
	Options         Options
}

// Engine defines redaction engine behaviour. The engine is an opaque
// collaborator: the pipeline only consumes readiness, the run contract, the
// cancellation hooks, and the optional HTML render hook.
type Engine interface {
	EnsureReady(ctx context.Context, model string) bool
	Run(ctx context.Context, spec RunSpec, cancelled func() bool) (<-chan ProgressEvent, <-chan RunResult)
	CancelCurrent()
	ClearCancellationRequest()
	RenderHTML(ctx context.Context, reportPath string) (string, error)
}

// Option configures the CLI client.
type Option func(*CLI)

// WithBinary overrides the default binary name.
func WithBinary(binary string) Option {
	return func(c *CLI) {
		if binary != "" {
			c.binary = binary
		}
	}
}

// CLI wraps the marcut pipeline command-line engine.
type CLI struct {
	binary string

	mu              sync.Mutex
	current         *exec.Cmd
	cancelRequested bool
}

// NewCLI constructs a CLI client using defaults.
func NewCLI(opts ...Option) *CLI {
	cli := &CLI{binary: "marcut-pipeline"}
	for _, opt := range opts {
		opt(cli)
	}
	return cli
}

// EnsureReady checks that the engine can serve the requested model. An empty
// model means no advanced capability is needed and always reports ready.
func (c *CLI) EnsureReady(ctx context.Context, model string) bool {
	model = strings.TrimSpace(model)
	if model == "" {
		return true
	}
	cmd := commandContext(ctx, c.binary, "ensure-model", model)
	return cmd.Run() == nil
}

// CancelCurrent signals the in-flight engine process to stop. Idempotent;
// a no-op when nothing is running.
func (c *CLI) CancelCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRequested = true
	if c.current != nil && c.current.Process != nil {
		_ = c.current.Process.Signal(os.Interrupt)
	}
}

// ClearCancellationRequest resets the cancellation flag. The orchestrator
// calls this before starting a run and again after finishing one so a prior
// job's teardown cannot poison the next run.
func (c *CLI) ClearCancellationRequest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRequested = false
}

func (c *CLI) cancellationRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelRequested
}

// Run launches the engine for one document and returns the progress event
// stream and a single-value result channel. The cancelled predicate is
// polled while the process runs; when it reports true the process is
// interrupted and the outcome is Cancelled.
func (c *CLI) Run(ctx context.Context, spec RunSpec, cancelled func() bool) (<-chan ProgressEvent, <-chan RunResult) {
	events := make(chan ProgressEvent, 16)
	results := make(chan RunResult, 1)

	fail := func(err error) (<-chan ProgressEvent, <-chan RunResult) {
		close(events)
		results <- RunResult{Outcome: OutcomeFailure, Err: err}
		close(results)
		return events, results
	}

	if strings.TrimSpace(spec.InputPath) == "" {
		return fail(errors.New("input path required"))
	}
	if strings.TrimSpace(spec.OutputPath) == "" {
		return fail(errors.New("output path required"))
	}
	if strings.TrimSpace(spec.ReportPath) == "" {
		return fail(errors.New("report path required"))
	}

	args := []string{
		"redact",
		"--input", spec.InputPath,
		"--output", spec.OutputPath,
		"--report", spec.ReportPath,
		"--progress-json",
	}
	if spec.ScrubReportPath != "" {
		args = append(args, "--scrub-report", spec.ScrubReportPath)
	}
	if spec.Options.AdvancedMode {
		args = append(args, "--mode", "enhanced")
		if spec.Options.Model != "" {
			args = append(args, "--model", spec.Options.Model)
		}
	} else {
		args = append(args, "--mode", "rules")
	}
	if spec.Options.TrackChanges {
		args = append(args, "--track-changes")
	}

	cmd := commandContext(ctx, c.binary, args...) //nolint:gosec
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail(fmt.Errorf("stdout pipe: %w", err))
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fail(fmt.Errorf("start engine: %w", err))
	}

	c.mu.Lock()
	c.current = cmd
	c.mu.Unlock()

	watchDone := make(chan struct{})
	go c.watchCancellation(ctx, cancelled, watchDone)

	go func() {
		defer close(events)
		defer close(results)

		tail := newLogTail(logTailLines)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			event, ok := decodeProgressLine(line)
			if !ok {
				tail.Append(string(line))
				continue
			}
			events <- event
		}
		scanErr := scanner.Err()

		waitErr := cmd.Wait()
		close(watchDone)

		c.mu.Lock()
		c.current = nil
		wasCancelled := c.cancelRequested
		c.mu.Unlock()

		result := RunResult{LogTail: tail.Lines()}
		switch {
		case wasCancelled || ctx.Err() != nil || (cancelled != nil && cancelled()):
			result.Outcome = OutcomeCancelled
		case waitErr == nil && scanErr == nil:
			result.Outcome = OutcomeSuccess
		default:
			result.Outcome = OutcomeFailure
			if waitErr != nil {
				result.Err = fmt.Errorf("engine run failed: %w", waitErr)
			} else {
				result.Err = fmt.Errorf("read engine output: %w", scanErr)
			}
		}
		results <- result
	}()

	return events, results
}

func (c *CLI) watchCancellation(ctx context.Context, cancelled func() bool, done <-chan struct{}) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			c.CancelCurrent()
			return
		case <-ticker.C:
			if (cancelled != nil && cancelled()) || c.cancellationRequested() {
				c.CancelCurrent()
				return
			}
		}
	}
}

// RenderHTML asks the engine to render an HTML counterpart for a JSON
// report. Returns the rendered path.
func (c *CLI) RenderHTML(ctx context.Context, reportPath string) (string, error) {
	if strings.TrimSpace(reportPath) == "" {
		return "", errors.New("report path required")
	}
	htmlPath := strings.TrimSuffix(reportPath, filepath.Ext(reportPath)) + ".html"
	cmd := commandContext(ctx, c.binary, "render-html", "--report", reportPath, "--output", htmlPath)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	if _, err := os.Stat(htmlPath); err != nil {
		return "", fmt.Errorf("rendered report missing: %w", err)
	}
	return htmlPath, nil
}

var _ Engine = (*CLI)(nil)
