package domain

import "time"

type LogSeverity string

const (
	LogDebug   LogSeverity = "debug"
	LogInfo    LogSeverity = "info"
	LogWarning LogSeverity = "warning"
	LogError   LogSeverity = "error"
)

// LogEvent is an ephemeral status record fanned out to live observers.
type LogEvent struct {
	ID        string      `json:"id"`
	Message   string      `json:"message"`
	Severity  LogSeverity `json:"severity"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	SubjectID string      `json:"subject_id,omitempty"`
	Error     string      `json:"error,omitempty"`
}
