package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marcut/internal/config"
	"marcut/internal/logging"
	"marcut/internal/queue"
)

// StallMonitor watches processing documents for heartbeat gaps. With a
// zero stall threshold it starts as a no-op, which is the shipped default:
// detection stays off until the threshold earns its keep, but the wiring
// and the heartbeat column remain in place.
type StallMonitor struct {
	store     *queue.Store
	interval  time.Duration
	threshold time.Duration
	logger    *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewStallMonitor builds a monitor from workflow timing config.
func NewStallMonitor(cfg *config.Config, store *queue.Store, logger *slog.Logger) *StallMonitor {
	return &StallMonitor{
		store:     store,
		interval:  cfg.Workflow.HeartbeatIntervalDuration(),
		threshold: cfg.Workflow.HeartbeatTimeoutDuration(),
		logger:    logging.NewComponentLogger(logger, "stall-monitor"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins monitoring. Returns immediately when detection is disabled.
func (m *StallMonitor) Start() {
	if m.threshold <= 0 {
		close(m.done)
		return
	}
	go m.loop()
}

func (m *StallMonitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.scan()
		case <-m.stop:
			return
		}
	}
}

// scan reports processing documents whose heartbeat has gone quiet. The
// monitor only observes; settlement stays with the job that owns the
// document.
func (m *StallMonitor) scan() {
	docs, err := m.store.List(context.Background())
	if err != nil {
		m.logger.Warn("stall scan failed", logging.Error(err))
		return
	}
	now := time.Now().UTC()
	for _, doc := range docs {
		if !doc.IsProcessing() || doc.LastHeartbeat == nil {
			continue
		}
		if gap := now.Sub(*doc.LastHeartbeat); gap > m.threshold {
			m.logger.Warn("document heartbeat is stale",
				logging.Int64(logging.FieldDocumentID, doc.ID),
				logging.Duration("gap", gap),
				logging.String(logging.FieldErrorHint, "check whether the engine process is still alive"),
			)
		}
	}
}

// Stop halts monitoring and waits for the loop to exit.
func (m *StallMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}
