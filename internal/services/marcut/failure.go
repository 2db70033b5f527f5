package marcut

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// FailureReport is the structured failure artifact the engine writes to the
// report path when a run fails. Either error_code or status carries the
// machine-readable code, depending on engine version.
type FailureReport struct {
	ErrorCode        string `json:"error_code"`
	Status           string `json:"status"`
	Message          string `json:"message"`
	TechnicalDetails string `json:"technical_details"`
}

// Code returns the machine-readable failure code.
func (r *FailureReport) Code() string {
	if code := strings.TrimSpace(r.ErrorCode); code != "" {
		return code
	}
	return strings.TrimSpace(r.Status)
}

// UserMessage formats the report for display as "<message> (<code>)".
func (r *FailureReport) UserMessage() string {
	message := strings.TrimSpace(r.Message)
	code := r.Code()
	switch {
	case message != "" && code != "":
		return fmt.Sprintf("%s (%s)", message, code)
	case message != "":
		return message
	case code != "":
		return code
	default:
		return "redaction failed"
	}
}

// LoadFailureReport reads a structured failure report from the given path.
// Returns nil without error when the file is absent or is not a failure
// report (a successful run writes the audit report there instead).
func LoadFailureReport(path string) (*FailureReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read failure report: %w", err)
	}
	var report FailureReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, nil
	}
	if report.Code() == "" && strings.TrimSpace(report.Message) == "" {
		return nil, nil
	}
	return &report, nil
}

type logMarker struct {
	substrings []string
	code       string
	message    string
}

// Ordered marker table for heuristic failure classification. First match
// wins; markers for more specific conditions come first.
var logMarkers = []logMarker{
	{
		substrings: []string{"connection refused", "service unavailable", "service is not running"},
		code:       "AI_SERVICE_UNAVAILABLE",
		message:    "The AI service is not available. Ensure it is running and try again.",
	},
	{
		substrings: []string{"model not found", "model missing", "no such model", "model is not available"},
		code:       "AI_MODEL_UNAVAILABLE",
		message:    "The required model is not available. Download it and try again.",
	},
	{
		substrings: []string{"timed out", "timeout"},
		code:       "AI_PROCESSING_TIMEOUT",
		message:    "Processing timed out. Try a smaller document or a different model.",
	},
	{
		substrings: []string{"interrupted", "keyboardinterrupt"},
		code:       "PROCESSING_INTERRUPTED",
		message:    "Processing was interrupted before it finished.",
	},
	{
		substrings: []string{"permission denied", "operation not permitted"},
		code:       "PERMISSION_DENIED",
		message:    "The engine could not access a required file or directory.",
	},
	{
		substrings: []string{"no such file", "file not found"},
		code:       "FILE_NOT_FOUND",
		message:    "A required file was missing during processing.",
	},
}

// ClassifyLogTail scans recent diagnostic output for known failure markers
// and returns a specific user-facing message. ok is false when no marker
// matched and the caller should fall back to a generic message.
func ClassifyLogTail(lines []string) (code, message string, ok bool) {
	for _, line := range lines {
		lower := strings.ToLower(line)
		for _, marker := range logMarkers {
			for _, sub := range marker.substrings {
				if strings.Contains(lower, sub) {
					return marker.code, marker.message, true
				}
			}
		}
	}
	return "", "", false
}
