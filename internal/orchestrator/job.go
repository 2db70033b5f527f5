package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"marcut/internal/logging"
	"marcut/internal/preflight"
	"marcut/internal/progress"
	"marcut/internal/queue"
	"marcut/internal/services"
	"marcut/internal/services/marcut"
)

// RunOptions selects the mode for one submission.
type RunOptions struct {
	// Advanced enables AI-assisted detection; otherwise only the rule
	// engine runs.
	Advanced bool
	// TrackChanges writes replacements as tracked revisions.
	TrackChanges bool
	// Retry allows resubmitting failed or cancelled documents.
	Retry bool
}

// job is the in-memory handle for one running document.
type job struct {
	documentID int64
	requestID  string
	cancelRun  context.CancelFunc
	cancelled  atomic.Bool
	finished   chan struct{}
	finishOnce sync.Once
}

func (j *job) requestCancel() {
	j.cancelled.Store(true)
}

func (j *job) wasCancelled() bool {
	return j.cancelled.Load()
}

func (j *job) finish() {
	j.finishOnce.Do(func() { close(j.finished) })
}

// Submit starts a redaction job for the document. At most one job exists
// per document: an existing job is cancelled and awaited before the new
// one starts. The document must be valid, or retry-eligible when
// opts.Retry is set.
func (o *Orchestrator) Submit(ctx context.Context, id int64, opts RunOptions) error {
	if o.engine == nil {
		return services.Wrap(services.ErrEngineUnavailable, "orchestrator", "submit", "no engine is configured", nil)
	}

	o.mu.Lock()
	existing := o.jobs[id]
	o.mu.Unlock()
	if existing != nil {
		existing.requestCancel()
		o.engine.CancelCurrent()
		select {
		case <-existing.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// The document lease must be held before any state flips to processing.
	leaseAcquired, err := o.ensureLease(id)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	j := &job{
		documentID: id,
		requestID:  uuid.NewString(),
		cancelRun:  cancelRun,
		finished:   make(chan struct{}),
	}

	var doc *queue.Document
	err = o.mutate(func() error {
		current, err := o.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !current.EligibleForRun(opts.Retry) {
			return services.Wrap(services.ErrInvalidInput, "orchestrator", "submit",
				fmt.Sprintf("document %d is %s and cannot start a run", id, current.Status), nil)
		}
		current.Status = queue.StatusProcessing
		current.Stage = queue.StagePreflight
		current.ErrorMessage = ""
		current.Artifacts = queue.Artifacts{}
		current.LeaseKey = o.leasePath(id)
		current.NeedsReview = false
		current.ProgressPercent = 0
		current.ProgressMessage = progress.StageLabel(queue.StagePreflight)
		current.TouchHeartbeat(time.Now().UTC())
		doc = current
		return o.updateDocument(ctx, current)
	})
	if err != nil {
		cancelRun()
		if leaseAcquired {
			o.releaseLease(id)
		}
		return err
	}

	o.mu.Lock()
	o.jobs[id] = j
	o.mu.Unlock()

	o.group.Go(func() error {
		defer j.finish()
		defer cancelRun()
		o.runJob(runCtx, j, doc, opts)
		o.mu.Lock()
		if o.jobs[id] == j {
			delete(o.jobs, id)
		}
		o.mu.Unlock()
		return nil
	})
	return nil
}

// runJob executes the full job lifecycle: preflight, engine run with
// progress and heartbeats, then settlement. All failures settle the
// document; runJob never returns an error.
func (o *Orchestrator) runJob(ctx context.Context, j *job, doc *queue.Document, opts RunOptions) {
	// Every settle path below is terminal for this run, so the document's
	// file-access lease drops here exactly once.
	defer o.releaseLease(doc.ID)

	ctx = services.WithDocumentID(ctx, doc.ID)
	ctx = services.WithRequestID(ctx, j.requestID)
	logger := logging.WithContext(ctx, o.logger)

	logger.Info("job started",
		logging.String("source", doc.SourcePath),
		logging.Bool("advanced", opts.Advanced),
	)

	// A stale cancellation flag from a previous job must not leak into this
	// run; cleared again on the way out for the same reason.
	o.engine.ClearCancellationRequest()
	defer o.engine.ClearCancellationRequest()

	planned := o.resolver.Plan(doc.SourcePath)

	if err := o.jobPreflight(ctx, j, opts); err != nil {
		if errors.Is(err, services.ErrCancelled) {
			o.settleCancellation(ctx, j, doc, planned)
		} else {
			o.settleFailure(ctx, j, doc, err, nil, "")
		}
		return
	}

	runCtx := ctx
	var cancelTimeout context.CancelFunc
	if timeout := o.cfg.Engine.ProcessingTimeoutDuration(); timeout > 0 {
		runCtx, cancelTimeout = context.WithTimeout(ctx, timeout)
		defer cancelTimeout()
	}

	spec := marcut.RunSpec{
		InputPath:       doc.SourcePath,
		OutputPath:      planned.OutputPath,
		ReportPath:      planned.ReportPath,
		ScrubReportPath: planned.ScrubReportPath,
		Options: marcut.Options{
			AdvancedMode: opts.Advanced,
			Model:        o.cfg.Engine.Model,
			TrackChanges: opts.TrackChanges,
		},
	}

	events, results := o.engine.Run(runCtx, spec, j.wasCancelled)
	result := o.consumeRun(ctx, j, doc, opts, events, results)

	switch result.Outcome {
	case marcut.OutcomeSuccess:
		o.settleSuccess(ctx, j, doc, planned)
	case marcut.OutcomeCancelled:
		o.settleCancellation(ctx, j, doc, planned)
	default:
		report, _ := marcut.LoadFailureReport(planned.ReportPath)
		o.settleFailure(ctx, j, doc, result.Err, result.LogTail, reportMessage(report))
	}
}

// jobPreflight verifies the destination and, for advanced runs, engine
// readiness. Cancellation during preflight surfaces as ErrCancelled.
func (o *Orchestrator) jobPreflight(ctx context.Context, j *job, opts RunOptions) error {
	if j.wasCancelled() || ctx.Err() != nil {
		return services.Wrap(services.ErrCancelled, "orchestrator", "preflight", "cancelled before start", nil)
	}
	if err := preflight.Run(o.cfg.Paths.OutputDir); err != nil {
		return err
	}
	if opts.Advanced {
		readyCtx, cancel := context.WithTimeout(ctx, o.cfg.Engine.ReadyTimeoutDuration())
		defer cancel()
		if !o.engine.EnsureReady(readyCtx, o.cfg.Engine.Model) {
			return services.Wrap(services.ErrPreflightFailed, "orchestrator", "preflight",
				fmt.Sprintf("model %q is not available", o.cfg.Engine.Model), nil)
		}
	}
	if j.wasCancelled() {
		return services.Wrap(services.ErrCancelled, "orchestrator", "preflight", "cancelled before start", nil)
	}
	return nil
}

// consumeRun drains progress events into the registry while keeping the
// heartbeat fresh, then returns the engine's terminal result.
func (o *Orchestrator) consumeRun(ctx context.Context, j *job, doc *queue.Document, opts RunOptions,
	events <-chan marcut.ProgressEvent, results <-chan marcut.RunResult) marcut.RunResult {

	tracker := progress.NewTracker(opts.Advanced)
	heartbeat := time.NewTicker(o.cfg.Workflow.HeartbeatIntervalDuration())
	defer heartbeat.Stop()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			snapshot := tracker.Observe(event)
			o.applyProgress(ctx, j, doc.ID, snapshot)
		case <-heartbeat.C:
			if err := o.store.UpdateHeartbeat(ctx, doc.ID); err != nil {
				o.logger.Warn("heartbeat update failed",
					logging.Int64(logging.FieldDocumentID, doc.ID),
					logging.Error(err),
				)
			}
		case result := <-results:
			// Drain any progress still buffered so the final stage lands.
			if events != nil {
				for event := range events {
					snapshot := tracker.Observe(event)
					o.applyProgress(ctx, j, doc.ID, snapshot)
				}
			}
			return result
		}
	}
}

// applyProgress persists one tracker snapshot. Progress writes race the
// job's own cancellation, so a document that already left processing is
// left alone.
func (o *Orchestrator) applyProgress(ctx context.Context, j *job, id int64, snapshot progress.Snapshot) {
	err := o.mutate(func() error {
		current, err := o.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != queue.StatusProcessing {
			return nil
		}
		current.SetProgress(snapshot.Stage, snapshot.Message, snapshot.Percent)
		current.TouchHeartbeat(time.Now().UTC())
		return o.updateDocument(ctx, current)
	})
	if err != nil {
		o.logger.Warn("progress update failed",
			logging.Int64(logging.FieldDocumentID, id),
			logging.Error(err),
		)
	}
	if snapshot.StageChanged {
		logging.WithContext(services.WithStage(ctx, string(snapshot.Stage)), o.logger).Debug("stage entered",
			logging.String("message", snapshot.Message),
			logging.Float64("percent", snapshot.Percent),
		)
	}
}

// settleSuccess records completion. A successful outcome without a redacted
// document on disk is treated as an engine failure.
func (o *Orchestrator) settleSuccess(ctx context.Context, j *job, doc *queue.Document, planned queue.Artifacts) {
	resolved := o.resolver.Resolve(ctx, doc.SourcePath, planned)
	if resolved.OutputPath == "" {
		err := services.Wrap(services.ErrEngineFailure, "orchestrator", "settle",
			"engine reported success but wrote no output", nil)
		o.settleFailure(ctx, j, doc, err, nil, "")
		return
	}

	err := o.mutate(func() error {
		current, err := o.store.GetByID(ctx, doc.ID)
		if err != nil {
			return err
		}
		current.Status = queue.StatusCompleted
		current.Stage = queue.StageOutputGeneration
		current.ErrorMessage = ""
		current.Artifacts = resolved
		current.NeedsReview = resolved.ScrubReportPath != ""
		current.ProgressPercent = 100
		current.ProgressMessage = "Completed"
		current.LastHeartbeat = nil
		return o.updateDocument(ctx, current)
	})
	if err != nil {
		o.logger.Error("completion record failed",
			logging.Int64(logging.FieldDocumentID, doc.ID),
			logging.Error(err),
		)
		return
	}
	o.logger.Info("job completed",
		logging.Int64(logging.FieldDocumentID, doc.ID),
		logging.String("output", resolved.OutputPath),
		logging.Bool("needs_review", resolved.ScrubReportPath != ""),
	)
}

// settleCancellation reconciles the cancel/success race: when the engine
// finished its artifacts before the interrupt landed, the work is done and
// the document completes; otherwise it parks as cancelled.
func (o *Orchestrator) settleCancellation(ctx context.Context, j *job, doc *queue.Document, planned queue.Artifacts) {
	resolved := o.resolver.Resolve(ctx, doc.SourcePath, planned)
	if resolved.OutputPath != "" && resolved.ReportPath != "" {
		o.logger.Info("cancellation raced a finished run, keeping the result",
			logging.Int64(logging.FieldDocumentID, doc.ID),
		)
		o.settleSuccess(ctx, j, doc, planned)
		return
	}

	err := o.mutate(func() error {
		current, err := o.store.GetByID(ctx, doc.ID)
		if err != nil {
			return err
		}
		current.Status = queue.StatusCancelled
		current.ErrorMessage = ""
		current.ProgressPercent = 0
		current.ProgressMessage = "Cancelled"
		current.LastHeartbeat = nil
		return o.updateDocument(ctx, current)
	})
	if err != nil {
		o.logger.Error("cancellation record failed",
			logging.Int64(logging.FieldDocumentID, doc.ID),
			logging.Error(err),
		)
		return
	}
	o.logger.Info("job cancelled", logging.Int64(logging.FieldDocumentID, doc.ID))
}

// settleFailure records a failed run with the most specific message
// available: the engine's structured failure report, then known log
// markers, then the wrapped error itself.
func (o *Orchestrator) settleFailure(ctx context.Context, j *job, doc *queue.Document, cause error, logTail []string, reportMsg string) {
	message := reportMsg
	if message == "" {
		if code, classified, ok := marcut.ClassifyLogTail(logTail); ok {
			message = fmt.Sprintf("%s (%s)", classified, code)
		}
	}
	if message == "" && cause != nil {
		message = services.UserMessage(cause)
	}
	if message == "" {
		message = "redaction failed"
	}

	err := o.mutate(func() error {
		current, err := o.store.GetByID(ctx, doc.ID)
		if err != nil {
			return err
		}
		current.SetFailed(message)
		return o.updateDocument(ctx, current)
	})
	if err != nil {
		o.logger.Error("failure record failed",
			logging.Int64(logging.FieldDocumentID, doc.ID),
			logging.Error(err),
		)
		return
	}
	o.logger.Warn("job failed",
		logging.Int64(logging.FieldDocumentID, doc.ID),
		logging.String("reason", message),
		logging.Error(cause),
	)
}

func reportMessage(report *marcut.FailureReport) string {
	if report == nil {
		return ""
	}
	return report.UserMessage()
}
