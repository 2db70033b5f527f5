// Package workflow drives batch processing: documents run one at a time,
// front to back, and the batch keeps going when an individual document
// fails.
package workflow

import (
	"context"
	"log/slog"
	"time"

	"marcut/internal/config"
	"marcut/internal/logging"
	"marcut/internal/orchestrator"
	"marcut/internal/queue"
)

// Manager sequences document runs over the registry.
type Manager struct {
	cfg    *config.Config
	store  *queue.Store
	orch   *orchestrator.Orchestrator
	logger *slog.Logger
}

// NewManager builds a batch manager on top of the orchestrator.
func NewManager(cfg *config.Config, store *queue.Store, orch *orchestrator.Orchestrator, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  store,
		orch:   orch,
		logger: logging.NewComponentLogger(logger, "workflow"),
	}
}

// ProcessAll runs every eligible document to settlement and returns the
// final aggregates. After each document the registry is rescanned from the
// front, so documents registered mid-batch still get picked up. Each
// document is attempted at most once per batch; a failure pauses briefly
// and the batch moves on.
func (m *Manager) ProcessAll(ctx context.Context, opts orchestrator.RunOptions) (queue.Aggregates, error) {
	attempted := make(map[int64]bool)

	for {
		if err := ctx.Err(); err != nil {
			return m.aggregates(ctx)
		}

		next, err := m.nextEligible(ctx, attempted, opts.Retry)
		if err != nil {
			return queue.Aggregates{}, err
		}
		if next == nil {
			break
		}
		attempted[next.ID] = true

		m.logger.Info("batch document starting",
			logging.Int64(logging.FieldDocumentID, next.ID),
			logging.String("source", next.SourcePath),
		)

		if err := m.orch.Submit(ctx, next.ID, opts); err != nil {
			m.logger.Warn("batch submission failed",
				logging.Int64(logging.FieldDocumentID, next.ID),
				logging.Error(err),
			)
			continue
		}
		if err := m.orch.Await(ctx, next.ID); err != nil {
			return m.aggregates(context.Background())
		}

		settled, err := m.store.GetByID(ctx, next.ID)
		if err != nil {
			return queue.Aggregates{}, err
		}
		if settled.Status == queue.StatusFailed {
			m.logger.Warn("batch document failed, continuing",
				logging.Int64(logging.FieldDocumentID, next.ID),
				logging.String("reason", settled.ErrorMessage),
			)
			m.pause(ctx)
		}
	}

	return m.aggregates(ctx)
}

// nextEligible scans the registry in insertion order for the first document
// this batch has not yet attempted.
func (m *Manager) nextEligible(ctx context.Context, attempted map[int64]bool, retry bool) (*queue.Document, error) {
	docs, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, doc := range docs {
		if attempted[doc.ID] {
			continue
		}
		if doc.EligibleForRun(retry) {
			return doc, nil
		}
	}
	return nil, nil
}

// pause waits the configured error backoff, abandoning the wait on
// cancellation.
func (m *Manager) pause(ctx context.Context) {
	delay := m.cfg.Workflow.ErrorRetryIntervalDuration()
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (m *Manager) aggregates(ctx context.Context) (queue.Aggregates, error) {
	return m.store.Aggregates(ctx)
}

// HasProcessingDocuments reports whether any document is mid-run.
func (m *Manager) HasProcessingDocuments(ctx context.Context) (bool, error) {
	agg, err := m.store.Aggregates(ctx)
	if err != nil {
		return false, err
	}
	return agg.HasProcessing, nil
}

// CancelBatch stops the in-flight document; ProcessAll then drains on its
// own once the context is cancelled.
func (m *Manager) CancelBatch() {
	m.orch.CancelAll()
}
