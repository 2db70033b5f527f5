package marcut

import (
	"encoding/json"
	"strings"
)

// Outcome is the terminal result of one engine run.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeCancelled
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// RunResult carries the outcome of an engine run plus the tail of
// non-structured diagnostic output, used for heuristic failure
// classification when no structured failure report was written.
type RunResult struct {
	Outcome Outcome
	Err     error
	LogTail []string
}

// ProgressEvent captures one engine progress emission. Every field is
// optional on the wire; absent fractions are -1 and absent chunk counters
// are 0.
type ProgressEvent struct {
	Phase           string
	PhaseDisplay    string
	PhaseFraction   float64
	OverallFraction float64
	ChunkIndex      int
	ChunkTotal      int
	Message         string
}

// HasPhaseFraction reports whether the event carried a phase fraction.
func (e ProgressEvent) HasPhaseFraction() bool { return e.PhaseFraction >= 0 }

// HasOverallFraction reports whether the event carried an overall fraction.
func (e ProgressEvent) HasOverallFraction() bool { return e.OverallFraction >= 0 }

// HasChunks reports whether the event carried chunk counters.
func (e ProgressEvent) HasChunks() bool { return e.ChunkTotal > 0 }

type progressPayload struct {
	Phase           *string  `json:"phase"`
	PhaseName       *string  `json:"phase_name"`
	PhaseProgress   *float64 `json:"phase_progress"`
	OverallProgress *float64 `json:"overall_progress"`
	ChunkIndex      *int     `json:"chunk_index"`
	ChunkTotal      *int     `json:"chunk_total"`
	Message         *string  `json:"message"`
}

// decodeProgressLine parses one stdout line into a ProgressEvent. Lines that
// are not progress JSON (diagnostic prints, blank lines) report ok=false.
func decodeProgressLine(line []byte) (ProgressEvent, bool) {
	trimmed := strings.TrimSpace(string(line))
	if trimmed == "" || !strings.HasPrefix(trimmed, "{") {
		return ProgressEvent{}, false
	}
	var payload progressPayload
	if err := json.Unmarshal([]byte(trimmed), &payload); err != nil {
		return ProgressEvent{}, false
	}
	if payload.Phase == nil && payload.PhaseName == nil && payload.OverallProgress == nil &&
		payload.PhaseProgress == nil && payload.Message == nil {
		return ProgressEvent{}, false
	}

	event := ProgressEvent{PhaseFraction: -1, OverallFraction: -1}
	if payload.Phase != nil {
		event.Phase = strings.TrimSpace(*payload.Phase)
	}
	if payload.PhaseName != nil {
		event.PhaseDisplay = strings.TrimSpace(*payload.PhaseName)
	}
	if payload.PhaseProgress != nil {
		event.PhaseFraction = clampFraction(*payload.PhaseProgress)
	}
	if payload.OverallProgress != nil {
		event.OverallFraction = clampFraction(*payload.OverallProgress)
	}
	if payload.ChunkIndex != nil {
		event.ChunkIndex = *payload.ChunkIndex
	}
	if payload.ChunkTotal != nil {
		event.ChunkTotal = *payload.ChunkTotal
	}
	if payload.Message != nil {
		event.Message = strings.TrimSpace(*payload.Message)
	}
	return event, true
}

func clampFraction(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// logTailLines bounds the retained diagnostic output per run.
const logTailLines = 100

type logTail struct {
	lines []string
	max   int
}

func newLogTail(max int) *logTail {
	return &logTail{max: max}
}

func (t *logTail) Append(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *logTail) Lines() []string {
	cp := make([]string, len(t.lines))
	copy(cp, t.lines)
	return cp
}
