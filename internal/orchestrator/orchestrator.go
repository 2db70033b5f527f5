// Package orchestrator runs redaction jobs: one job per document, every
// registry mutation funneled through a single coordinator goroutine, and a
// per-document file-access lease held from intake until the document
// settles on a terminal path.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marcut/internal/config"
	"marcut/internal/docxcheck"
	"marcut/internal/lease"
	"marcut/internal/logging"
	"marcut/internal/outputs"
	"marcut/internal/queue"
	"marcut/internal/services"
	"marcut/internal/services/marcut"
)

// Event announces a document mutation to observers. Document is a snapshot
// taken after the mutation committed.
type Event struct {
	DocumentID int64
	Document   *queue.Document
	Aggregates queue.Aggregates
}

// Orchestrator owns job lifecycles and is the only component allowed to
// mutate document state. Construct with New, start with Start, and Close
// before process exit.
type Orchestrator struct {
	cfg       *config.Config
	store     *queue.Store
	engine    marcut.Engine
	validator *docxcheck.Validator
	resolver  *outputs.Resolver
	leases    *lease.Manager
	logger    *slog.Logger

	mutations chan mutation
	events    chan Event

	group *errgroup.Group

	mu   sync.Mutex
	jobs map[int64]*job
	held map[int64]*lease.Lease

	done      chan struct{}
	closeOnce sync.Once
	coordDone chan struct{}
}

type mutation struct {
	fn    func() error
	reply chan error
}

var errClosed = errors.New("orchestrator is shut down")

// New wires an orchestrator. The engine may be nil; submissions then fail
// with services.ErrEngineUnavailable, which lets the CLI surface intake
// operations even when the engine binary is absent.
func New(cfg *config.Config, store *queue.Store, engine marcut.Engine, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	o := &Orchestrator{
		cfg:       cfg,
		store:     store,
		engine:    engine,
		validator: docxcheck.New(cfg.Validator.IntegrityTimeoutDuration(), logger),
		resolver:  outputs.New(cfg.Paths.OutputDir, engine, logger),
		leases:    lease.NewManager(cfg.Paths.LeaseDir),
		logger:    logging.NewComponentLogger(logger, "orchestrator"),
		mutations: make(chan mutation),
		events:    make(chan Event, 64),
		group:     &errgroup.Group{},
		jobs:      make(map[int64]*job),
		held:      make(map[int64]*lease.Lease),
		done:      make(chan struct{}),
		coordDone: make(chan struct{}),
	}
	go o.coordinate()
	return o
}

// coordinate is the single writer. Every registry mutation in the process
// runs on this goroutine, which makes read-modify-write sequences atomic
// without row locking.
func (o *Orchestrator) coordinate() {
	defer close(o.coordDone)
	for {
		select {
		case m := <-o.mutations:
			m.reply <- m.fn()
		case <-o.done:
			// Drain mutations already queued by jobs that are winding down.
			for {
				select {
				case m := <-o.mutations:
					m.reply <- m.fn()
				case <-time.After(100 * time.Millisecond):
					return
				}
			}
		}
	}
}

// mutate runs fn on the coordinator goroutine and waits for it.
func (o *Orchestrator) mutate(fn func() error) error {
	m := mutation{fn: fn, reply: make(chan error, 1)}
	select {
	case o.mutations <- m:
		return <-m.reply
	case <-o.done:
		// Shutdown drain still accepts mutations briefly.
		select {
		case o.mutations <- m:
			return <-m.reply
		case <-o.coordDone:
			return errClosed
		}
	}
}

// Events returns the document-change stream. Slow consumers lose events;
// the registry remains the source of truth.
func (o *Orchestrator) Events() <-chan Event { return o.events }

func (o *Orchestrator) publish(ctx context.Context, doc *queue.Document) {
	agg, err := o.store.Aggregates(ctx)
	if err != nil {
		o.logger.Warn("aggregate recompute failed", logging.Error(err))
	}
	select {
	case o.events <- Event{DocumentID: doc.ID, Document: doc, Aggregates: agg}:
	default:
	}
}

// updateDocument persists doc and publishes the change. Must only be called
// from inside a mutate closure.
func (o *Orchestrator) updateDocument(ctx context.Context, doc *queue.Document) error {
	if err := o.store.Update(ctx, doc); err != nil {
		return err
	}
	o.publish(ctx, doc)
	return nil
}

// Register performs intake for one source file: create the registry row in
// the checking state, take the document's file-access lease, validate the
// container, and settle on valid or invalid. The lease stays held for valid
// documents; invalid is terminal, so the lease drops before Register
// returns. Returns the settled document.
func (o *Orchestrator) Register(ctx context.Context, sourcePath string) (*queue.Document, error) {
	var doc *queue.Document
	err := o.mutate(func() error {
		var err error
		doc, err = o.store.NewDocument(ctx, sourcePath)
		if err != nil {
			return err
		}
		o.publish(ctx, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}

	held, err := o.leases.AcquireDocument(doc.ID)
	if err != nil {
		_ = o.mutate(func() error { return o.store.Remove(ctx, doc.ID) })
		return nil, err
	}
	o.trackLease(doc.ID, held)

	validationErr := o.validator.Validate(ctx, sourcePath)

	err = o.mutate(func() error {
		current, err := o.store.GetByID(ctx, doc.ID)
		if err != nil {
			return err
		}
		if validationErr != nil {
			current.Status = queue.StatusInvalid
			current.ErrorMessage = services.UserMessage(validationErr)
		} else {
			current.Status = queue.StatusValid
			current.ErrorMessage = ""
			current.Complexity = estimateComplexity(sourcePath)
			current.LeaseKey = held.Path()
		}
		doc = current
		return o.updateDocument(ctx, current)
	})
	if err != nil {
		o.releaseLease(doc.ID)
		return nil, err
	}
	if validationErr != nil {
		o.releaseLease(doc.ID)
		o.logger.Info("document rejected at intake",
			logging.Int64(logging.FieldDocumentID, doc.ID),
			logging.String("source", sourcePath),
			logging.String("reason", doc.ErrorMessage),
		)
	} else {
		o.logger.Info("document registered",
			logging.Int64(logging.FieldDocumentID, doc.ID),
			logging.String("source", sourcePath),
			logging.Float64("complexity", doc.Complexity),
		)
	}
	return doc, nil
}

// estimateComplexity scores a document from its container size. The score
// feeds display ordering and timeout hints only, so a coarse size heuristic
// is enough.
func estimateComplexity(sourcePath string) float64 {
	info, err := os.Stat(sourcePath)
	if err != nil {
		return 0
	}
	const fullScaleBytes = 5 << 20
	score := float64(info.Size()) / float64(fullScaleBytes)
	if score < 0.05 {
		score = 0.05
	}
	if score > 1 {
		score = 1
	}
	return score
}

func (o *Orchestrator) trackLease(id int64, l *lease.Lease) {
	o.mu.Lock()
	o.held[id] = l
	o.mu.Unlock()
}

// ensureLease takes the document lease unless this process already holds
// it. Covers retries after a terminal settlement released the lease, and
// runs in a process that never performed the intake. acquired reports
// whether this call took a fresh lease, so a rejected submission can give
// it back.
func (o *Orchestrator) ensureLease(id int64) (acquired bool, err error) {
	o.mu.Lock()
	_, ok := o.held[id]
	o.mu.Unlock()
	if ok {
		return false, nil
	}
	l, err := o.leases.AcquireDocument(id)
	if err != nil {
		return false, err
	}
	o.trackLease(id, l)
	return true, nil
}

// leasePath returns the lock file backing the document's held lease, or
// empty when none is held.
func (o *Orchestrator) leasePath(id int64) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if l, ok := o.held[id]; ok {
		return l.Path()
	}
	return ""
}

// releaseLease drops the document's file-access lease. Safe to call on
// every terminal path; the underlying lock releases exactly once.
func (o *Orchestrator) releaseLease(id int64) {
	o.mu.Lock()
	l := o.held[id]
	delete(o.held, id)
	o.mu.Unlock()
	if l == nil {
		return
	}
	if err := l.Release(); err != nil {
		o.logger.Warn("lease release failed",
			logging.Int64(logging.FieldDocumentID, id),
			logging.Error(err),
		)
	}
}

func (o *Orchestrator) releaseAllLeases() {
	o.mu.Lock()
	ids := make([]int64, 0, len(o.held))
	for id := range o.held {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.releaseLease(id)
	}
}

// MarkReviewed clears the pending-review flag after the user has looked at
// the run's reports.
func (o *Orchestrator) MarkReviewed(ctx context.Context, id int64) (*queue.Document, error) {
	var doc *queue.Document
	err := o.mutate(func() error {
		current, err := o.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !current.NeedsReview {
			doc = current
			return nil
		}
		current.NeedsReview = false
		doc = current
		return o.updateDocument(ctx, current)
	})
	return doc, err
}

// Cancel requests cancellation of the document's in-flight job. A no-op
// when nothing is running.
func (o *Orchestrator) Cancel(id int64) {
	o.mu.Lock()
	j := o.jobs[id]
	o.mu.Unlock()
	if j == nil {
		return
	}
	j.requestCancel()
	if o.engine != nil {
		o.engine.CancelCurrent()
	}
	o.logger.Info("cancellation requested", logging.Int64(logging.FieldDocumentID, id))
}

// CancelAll requests cancellation of every in-flight job.
func (o *Orchestrator) CancelAll() {
	o.mu.Lock()
	ids := make([]int64, 0, len(o.jobs))
	for id := range o.jobs {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	for _, id := range ids {
		o.Cancel(id)
	}
}

// Await blocks until the document's current job finishes. Returns
// immediately when no job is running.
func (o *Orchestrator) Await(ctx context.Context, id int64) error {
	o.mu.Lock()
	j := o.jobs[id]
	o.mu.Unlock()
	if j == nil {
		return nil
	}
	select {
	case <-j.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Remove deletes a document from the registry. An active job is cancelled
// and awaited first, and the document's lease is released as part of the
// removal.
func (o *Orchestrator) Remove(ctx context.Context, id int64) (*queue.Document, error) {
	o.mu.Lock()
	j := o.jobs[id]
	o.mu.Unlock()
	if j != nil {
		j.requestCancel()
		if o.engine != nil {
			o.engine.CancelCurrent()
		}
		select {
		case <-j.finished:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	var doc *queue.Document
	err := o.mutate(func() error {
		current, err := o.store.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := o.store.Remove(ctx, id); err != nil {
			return err
		}
		doc = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.releaseLease(id)
	o.logger.Info("document removed",
		logging.Int64(logging.FieldDocumentID, id),
		logging.String("source", doc.SourcePath),
	)
	return doc, nil
}

// Clear empties the registry. Active jobs are cancelled and awaited first;
// every held lease is released.
func (o *Orchestrator) Clear(ctx context.Context) error {
	o.CancelAll()
	o.mu.Lock()
	jobs := make([]*job, 0, len(o.jobs))
	for _, j := range o.jobs {
		jobs = append(jobs, j)
	}
	o.mu.Unlock()
	for _, j := range jobs {
		select {
		case <-j.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := o.mutate(func() error { return o.store.Clear(ctx) }); err != nil {
		return err
	}
	o.releaseAllLeases()
	return nil
}

// HasActiveJobs reports whether any job is still running.
func (o *Orchestrator) HasActiveJobs() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.jobs) > 0
}

// Close cancels outstanding jobs, waits for them to settle, and stops the
// coordinator.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.CancelAll()
		err = o.group.Wait()
		o.releaseAllLeases()
		close(o.done)
		<-o.coordDone
	})
	return err
}
