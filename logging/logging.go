// Package logging provides leveled console logging for the docrpc runtime.
// Output is one line per entry: LEVEL TIMESTAMP [component] message key=value ...
// On the stdio transport the logger must write to stderr; stdout carries the protocol.
package logging

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// ParseLevel converts a config string into a Level. Unknown values yield INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// sink is shared by a logger and every logger derived from it, so that
// SetOutput and SetLevel on the root affect all components.
type sink struct {
	mu       sync.Mutex
	output   io.Writer
	minLevel Level
}

// Logger writes structured lines to a shared sink.
type Logger struct {
	sink      *sink
	component string
}

var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// New creates a Logger writing INFO and above to stderr.
func New() *Logger {
	return &Logger{sink: &sink{output: os.Stderr, minLevel: LevelInfo}}
}

// Discard returns a logger that drops everything. Useful as a default.
func Discard() *Logger {
	return &Logger{sink: &sink{output: io.Discard, minLevel: LevelError}}
}

// WithComponent returns a logger tagged with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{sink: l.sink, component: component}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.minLevel = level
	l.sink.mu.Unlock()
}

// SetOutput sets the output writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.output = w
	l.sink.mu.Unlock()
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields renders key=value pairs in key order.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return " " + strings.Join(parts, " ")
}

func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	if levelPriority[level] < levelPriority[l.sink.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		fieldStr = formatFields(fields[0])
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.sink.output.Write([]byte(line))
}

// --- Runtime event helpers ---

// Request logs the outcome of one dispatched RPC method.
func (l *Logger) Request(method string, duration time.Duration, err error) {
	fields := map[string]interface{}{
		"method":   method,
		"duration": duration.String(),
	}
	if err != nil {
		fields["error"] = err.Error()
		l.Warn("request_failed", fields)
		return
	}
	l.Debug("request", fields)
}

// Notification logs a failed notification. Notifications never produce a
// response, so the log is the only place the failure surfaces.
func (l *Logger) Notification(method string, err error) {
	l.Error("notification_failed", map[string]interface{}{
		"method": method,
		"error":  err.Error(),
	})
}

// Rollback logs a single undo step that could not be applied.
func (l *Logger) Rollback(step int, kind string, err error) {
	l.Error("rollback_step_failed", map[string]interface{}{
		"step":  step,
		"kind":  kind,
		"error": err.Error(),
	})
}

// CycleError logs a failed change-detection cycle and the backoff before the next one.
func (l *Logger) CycleError(err error, backoff time.Duration) {
	l.Error("detection_cycle_failed", map[string]interface{}{
		"error":   err.Error(),
		"backoff": backoff.String(),
	})
}

// SecurityDecision logs a rejection by the security layer.
func (l *Logger) SecurityDecision(method, principal, decision, reason string) {
	l.Warn("security", map[string]interface{}{
		"method":    method,
		"principal": principal,
		"decision":  decision,
		"reason":    reason,
	})
}
