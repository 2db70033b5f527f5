// Package progress translates raw engine progress emissions into registry
// stage and percentage updates.
package progress

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"marcut/internal/queue"
)

// stageRule maps engine phase-name tokens onto a pipeline stage. Rules are
// ordered; the first rule with a matching token wins, so the rule row takes
// phases like "rule validation" and the validation row still takes
// "llm_validation" before the llm row can.
type stageRule struct {
	tokens []string
	stage  queue.Stage
}

var stageRules = []stageRule{
	{tokens: []string{"preflight", "loading"}, stage: queue.StagePreflight},
	{tokens: []string{"rule", "structured", "analysis"}, stage: queue.StageRuleDetection},
	{tokens: []string{"validation"}, stage: queue.StageLlmValidation},
	{tokens: []string{"llm", "ai", "extraction"}, stage: queue.StageEnhancedDetection},
	{tokens: []string{"merge"}, stage: queue.StageMerging},
	{tokens: []string{"track", "output", "complete"}, stage: queue.StageOutputGeneration},
}

// MapStage resolves an engine phase name to a pipeline stage. Unrecognised
// phases fall back to the detection stage that matches the run mode, so a
// newer engine with extra phases still reports sensible progress.
func MapStage(phase string, advanced bool) queue.Stage {
	phase = strings.ToLower(strings.TrimSpace(phase))
	if phase != "" {
		for _, rule := range stageRules {
			for _, token := range rule.tokens {
				if strings.Contains(phase, token) {
					return rule.stage
				}
			}
		}
	}
	if advanced {
		return queue.StageEnhancedDetection
	}
	return queue.StageRuleDetection
}

var stageLabels = map[queue.Stage]string{
	queue.StagePreflight:         "Loading Document",
	queue.StageRuleDetection:     "Detecting Structured Data",
	queue.StageLlmValidation:     "Validating Detections",
	queue.StageEnhancedDetection: "AI Entity Extraction",
	queue.StageMerging:           "Merging Detections",
	queue.StageOutputGeneration:  "Writing Redacted Document",
}

var titleCaser = cases.Title(language.English)

// StageLabel returns the user-facing label for a stage. Stages without a
// curated label get a title-cased rendering of the stage name.
func StageLabel(stage queue.Stage) string {
	if label, ok := stageLabels[stage]; ok {
		return label
	}
	return titleCaser.String(strings.ReplaceAll(string(stage), "_", " "))
}

// stageBand is the overall-progress range a stage occupies when the engine
// reports only per-phase fractions.
type stageBand struct {
	start float64
	end   float64
}

var basicBands = map[queue.Stage]stageBand{
	queue.StagePreflight:        {0, 15},
	queue.StageRuleDetection:    {15, 70},
	queue.StageMerging:          {70, 85},
	queue.StageOutputGeneration: {85, 100},
}

var advancedBands = map[queue.Stage]stageBand{
	queue.StagePreflight:         {0, 10},
	queue.StageRuleDetection:     {10, 25},
	queue.StageLlmValidation:     {25, 40},
	queue.StageEnhancedDetection: {40, 75},
	queue.StageMerging:           {75, 88},
	queue.StageOutputGeneration:  {88, 100},
}

func bandFor(stage queue.Stage, advanced bool) stageBand {
	bands := basicBands
	if advanced {
		bands = advancedBands
	}
	if band, ok := bands[stage]; ok {
		return band
	}
	return stageBand{0, 100}
}
