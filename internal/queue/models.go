package queue

import (
	"path/filepath"
	"strings"
	"time"
)

// Status represents the lifecycle of a registered document.
type Status string

const (
	StatusChecking   Status = "checking"
	StatusInvalid    Status = "invalid"
	StatusValid      Status = "valid"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

var allStatuses = []Status{
	StatusChecking,
	StatusInvalid,
	StatusValid,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

var terminalStatuses = map[Status]struct{}{
	StatusInvalid:   {},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Terminal reports whether the status ends a document's lifecycle.
func (s Status) Terminal() bool {
	_, ok := terminalStatuses[s]
	return ok
}

// RetryEligible reports whether a document in this status may re-enter
// processing on explicit user request.
func (s Status) RetryEligible() bool {
	return s == StatusFailed || s == StatusCancelled
}

// Stage is the progress sub-state of a processing document. It drives
// display only and never gates status transitions.
type Stage string

const (
	StagePreflight         Stage = "preflight"
	StageRuleDetection     Stage = "rule_detection"
	StageLlmValidation     Stage = "llm_validation"
	StageEnhancedDetection Stage = "enhanced_detection"
	StageMerging           Stage = "merging"
	StageOutputGeneration  Stage = "output_generation"
)

// Artifacts holds the output locations recorded after a successful run.
// HTML counterparts are optional renderings of the JSON reports.
type Artifacts struct {
	OutputPath          string
	ReportPath          string
	ReportHTMLPath      string
	ScrubReportPath     string
	ScrubReportHTMLPath string
}

// Document represents a registered document persisted in SQLite.
type Document struct {
	ID              int64
	SourcePath      string
	Status          Status
	Stage           Stage
	ErrorMessage    string
	Complexity      float64
	Artifacts       Artifacts
	LeaseKey        string
	LastHeartbeat   *time.Time
	NeedsReview     bool
	ProgressPercent float64
	ProgressMessage string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BaseName returns the document's file name without extension, used to
// derive expected artifact names.
func (d *Document) BaseName() string {
	base := filepath.Base(d.SourcePath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsProcessing reports whether the document has an in-flight job.
func (d *Document) IsProcessing() bool {
	return d.Status == StatusProcessing
}

// EligibleForRun reports whether a batch run may submit this document.
// Retry-eligible documents participate only when retries were requested.
func (d *Document) EligibleForRun(retryRequested bool) bool {
	if d.Status == StatusValid {
		return true
	}
	return retryRequested && d.Status.RetryEligible()
}

// SetProgress updates the stage, message, and percent fields together.
func (d *Document) SetProgress(stage Stage, message string, percent float64) {
	d.Stage = stage
	d.ProgressMessage = message
	d.ProgressPercent = percent
}

// SetFailed marks the document as failed with the given error message and
// clears the heartbeat.
func (d *Document) SetFailed(message string) {
	d.Status = StatusFailed
	d.ErrorMessage = message
	d.ProgressPercent = 0
	d.ProgressMessage = message
	d.LastHeartbeat = nil
}

// TouchHeartbeat records a heartbeat sample. Heartbeats never move
// backwards; a sample older than the current value is ignored.
func (d *Document) TouchHeartbeat(now time.Time) {
	if d.LastHeartbeat != nil && now.Before(*d.LastHeartbeat) {
		return
	}
	ts := now
	d.LastHeartbeat = &ts
}

// Aggregates captures the derived collection flags recomputed after every
// document mutation.
type Aggregates struct {
	HasAny           bool
	HasValid         bool
	HasProcessing    bool
	HasCompleted     bool
	HasPendingReview bool
	BatchFinished    bool
}

// ComputeAggregates derives collection flags from an ordered document list.
// BatchFinished is true iff at least one document completed and none remain
// processing, pending review, or eligible for redaction.
func ComputeAggregates(docs []*Document) Aggregates {
	agg := Aggregates{}
	for _, doc := range docs {
		agg.HasAny = true
		switch doc.Status {
		case StatusValid:
			agg.HasValid = true
		case StatusProcessing:
			agg.HasProcessing = true
		case StatusCompleted:
			agg.HasCompleted = true
		}
		if doc.NeedsReview {
			agg.HasPendingReview = true
		}
	}
	agg.BatchFinished = agg.HasCompleted && !agg.HasProcessing && !agg.HasPendingReview && !agg.HasValid
	return agg
}
