package progress

import (
	"fmt"
	"regexp"
	"strconv"

	"marcut/internal/queue"
	"marcut/internal/services/marcut"
)

// chunkPattern recovers chunk counters from engines that only report them
// inside the message text.
var chunkPattern = regexp.MustCompile(`Processing chunk (\d+)/(\d+)`)

// massChunkThreshold is the chunk count past which per-chunk messages are
// throttled. Large documents produce hundreds of chunk emissions and each
// one would otherwise hit the registry.
const (
	massChunkThreshold = 25
	massChunkStride    = 5
)

// Snapshot is the registry-facing view of one observed progress event.
// Every observation carries a heartbeat; Percent is monotonic for the life
// of the tracker.
type Snapshot struct {
	Stage        queue.Stage
	Percent      float64
	Message      string
	StageChanged bool
}

// Tracker folds a stream of engine progress events into stage and percent
// updates. One tracker serves one run; not safe for concurrent use.
type Tracker struct {
	advanced bool
	started  bool
	stage    queue.Stage
	percent  float64
	message  string
}

// NewTracker returns a tracker for a run in the given mode. The mode picks
// the fallback stage and the stage weighting for derived percentages.
func NewTracker(advanced bool) *Tracker {
	return &Tracker{advanced: advanced}
}

// Stage returns the stage of the most recent observation.
func (t *Tracker) Stage() queue.Stage {
	if !t.started {
		return queue.StagePreflight
	}
	return t.stage
}

// Percent returns the highest percentage observed so far.
func (t *Tracker) Percent() float64 { return t.percent }

// Observe folds one engine event into the tracker and returns the snapshot
// to persist.
func (t *Tracker) Observe(event marcut.ProgressEvent) Snapshot {
	stage := t.resolveStage(event)
	stageChanged := !t.started || stage != t.stage
	t.started = true
	t.stage = stage

	chunkIndex, chunkTotal := chunkCounters(event)

	percent := t.resolvePercent(event, stage, chunkIndex, chunkTotal)
	if percent > t.percent {
		t.percent = percent
	}

	message := t.resolveMessage(event, stage, stageChanged, chunkIndex, chunkTotal)
	t.message = message

	return Snapshot{
		Stage:        stage,
		Percent:      t.percent,
		Message:      message,
		StageChanged: stageChanged,
	}
}

func (t *Tracker) resolveStage(event marcut.ProgressEvent) queue.Stage {
	if event.Phase == "" && t.started {
		return t.stage
	}
	return MapStage(event.Phase, t.advanced)
}

// resolvePercent prefers the engine's own overall fraction. Without one it
// projects the phase fraction, or the chunk ratio, onto the stage's band.
func (t *Tracker) resolvePercent(event marcut.ProgressEvent, stage queue.Stage, chunkIndex, chunkTotal int) float64 {
	if event.HasOverallFraction() {
		return event.OverallFraction * 100
	}
	band := bandFor(stage, t.advanced)
	if event.HasPhaseFraction() {
		return band.start + event.PhaseFraction*(band.end-band.start)
	}
	if chunkTotal > 0 && chunkIndex > 0 {
		fraction := float64(chunkIndex) / float64(chunkTotal)
		if fraction > 1 {
			fraction = 1
		}
		return band.start + fraction*(band.end-band.start)
	}
	return band.start
}

// resolveMessage picks the user-facing text. Chunk-by-chunk messages from
// mass chunk runs are throttled to every few chunks so the registry and any
// attached display are not flooded.
func (t *Tracker) resolveMessage(event marcut.ProgressEvent, stage queue.Stage, stageChanged bool, chunkIndex, chunkTotal int) string {
	if chunkTotal >= massChunkThreshold && chunkIndex > 0 && !stageChanged {
		if chunkIndex%massChunkStride != 0 && chunkIndex != chunkTotal {
			if t.message != "" {
				return t.message
			}
		}
	}
	if event.Message != "" {
		return event.Message
	}
	if chunkTotal > 0 && chunkIndex > 0 {
		return fmt.Sprintf("%s (chunk %d/%d)", StageLabel(stage), chunkIndex, chunkTotal)
	}
	if event.PhaseDisplay != "" {
		return event.PhaseDisplay
	}
	return StageLabel(stage)
}

func chunkCounters(event marcut.ProgressEvent) (index, total int) {
	if event.HasChunks() {
		return event.ChunkIndex, event.ChunkTotal
	}
	if event.Message == "" {
		return 0, 0
	}
	match := chunkPattern.FindStringSubmatch(event.Message)
	if match == nil {
		return 0, 0
	}
	index, _ = strconv.Atoi(match[1])
	total, _ = strconv.Atoi(match[2])
	return index, total
}
