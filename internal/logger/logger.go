package logger

import (
	"encoding/json"
	"io"
	"os"
	"time"
)

// Level represents log level
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger provides JSON Lines logging
type Logger struct {
	writer io.Writer
	level  Level
}

// NewLogger creates a new Logger
func NewLogger(writer io.Writer, level Level) *Logger {
	if writer == nil {
		writer = os.Stdout
	}
	return &Logger{
		writer: writer,
		level:  level,
	}
}

// GateDecisionEvent records one gate check on an inbound fetch.
type GateDecisionEvent struct {
	Timestamp string `json:"ts"`
	Level     string `json:"level"`
	Event     string `json:"event"`
	Package   string `json:"package"`
	Decision  string `json:"decision"`
	Code      string `json:"code,omitempty"`
	Reason    string `json:"reason,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// LogGateDecision logs the outcome of one gate check.
func (l *Logger) LogGateDecision(pkg, decision, code, reason, ip, userAgent, requestID string) {
	l.writeJSON(GateDecisionEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     string(LevelInfo),
		Event:     "gate_decision",
		Package:   pkg,
		Decision:  decision,
		Code:      code,
		Reason:    reason,
		IP:        ip,
		UserAgent: userAgent,
		RequestID: requestID,
	})
}

// GenericEvent represents a generic log event
type GenericEvent struct {
	Timestamp string                 `json:"ts"`
	Level     string                 `json:"level"`
	Event     string                 `json:"event"`
	Message   string                 `json:"message,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Log logs a generic event
func (l *Logger) Log(level Level, event, message string, data map[string]interface{}) {
	e := GenericEvent{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     string(level),
		Event:     event,
		Message:   message,
		Data:      data,
	}

	l.writeJSON(e)
}

// Debug logs a debug event
func (l *Logger) Debug(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelDebug) {
		l.Log(LevelDebug, event, message, data)
	}
}

// Info logs an info event
func (l *Logger) Info(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelInfo) {
		l.Log(LevelInfo, event, message, data)
	}
}

// Warn logs a warning event
func (l *Logger) Warn(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelWarn) {
		l.Log(LevelWarn, event, message, data)
	}
}

// Error logs an error event
func (l *Logger) Error(event, message string, data map[string]interface{}) {
	if l.shouldLog(LevelError) {
		l.Log(LevelError, event, message, data)
	}
}

// writeJSON writes a JSON line to the output
func (l *Logger) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		// Fallback to stderr if marshal fails
		os.Stderr.WriteString("Failed to marshal log: " + err.Error() + "\n")
		return
	}

	l.writer.Write(data)
	l.writer.Write([]byte("\n"))
}

// shouldLog checks if a log level should be logged
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}

	return levels[level] >= levels[l.level]
}
