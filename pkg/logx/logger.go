// Package logx provides structured, component-scoped logging on top of logrus.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped structured logger.
//
// Field arguments are either alternating key/value pairs or a single
// map[string]interface{}. A nil *Logger discards everything, so components
// can be constructed without a logger in tests.
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// NewLogger creates a logger writing JSON lines to stderr
func NewLogger(level, component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})
	base.SetLevel(parseLevel(level))

	entry := logrus.NewEntry(base)
	if component != "" {
		entry = entry.WithField("component", component)
	}

	return &Logger{base: base, entry: entry}
}

// SetLevel changes the level of the logger and every logger derived from it
func (l *Logger) SetLevel(level string) {
	if l == nil {
		return
	}
	l.base.SetLevel(parseLevel(level))
}

// SetOutput redirects log output
func (l *Logger) SetOutput(w io.Writer) {
	if l == nil {
		return
	}
	l.base.SetOutput(w)
}

// WithComponent returns a logger sharing output and level but tagged with another component
func (l *Logger) WithComponent(component string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{base: l.base, entry: l.entry.WithField("component", component)}
}

// Trace logs at trace level
func (l *Logger) Trace(msg string, fields ...interface{}) {
	l.log(logrus.TraceLevel, msg, fields)
}

// Debug logs at debug level
func (l *Logger) Debug(msg string, fields ...interface{}) {
	l.log(logrus.DebugLevel, msg, fields)
}

// Info logs at info level
func (l *Logger) Info(msg string, fields ...interface{}) {
	l.log(logrus.InfoLevel, msg, fields)
}

// Warn logs at warn level
func (l *Logger) Warn(msg string, fields ...interface{}) {
	l.log(logrus.WarnLevel, msg, fields)
}

// Error logs at error level
func (l *Logger) Error(msg string, fields ...interface{}) {
	l.log(logrus.ErrorLevel, msg, fields)
}

// LogDebugVerbose logs a named debug event with a data map
func (l *Logger) LogDebugVerbose(event string, data map[string]interface{}) {
	l.log(logrus.DebugLevel, event, []interface{}{data})
}

// LogStateChange logs a state machine transition
func (l *Logger) LogStateChange(component, from, to, reason string, data map[string]interface{}) {
	fields := map[string]interface{}{
		"state_component": component,
		"from":            from,
		"to":              to,
		"reason":          reason,
	}
	for k, v := range data {
		fields[k] = v
	}
	l.log(logrus.InfoLevel, "state_change", []interface{}{fields})
}

func (l *Logger) log(level logrus.Level, msg string, fields []interface{}) {
	if l == nil || !l.base.IsLevelEnabled(level) {
		return
	}
	l.entry.WithFields(toFields(fields)).Log(level, msg)
}

func toFields(args []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	if len(args) == 1 {
		if m, ok := args[0].(map[string]interface{}); ok {
			for k, v := range m {
				fields[k] = normalize(v)
			}
			return fields
		}
	}

	for i := 0; i < len(args); i += 2 {
		key := fmt.Sprintf("%v", args[i])
		if i+1 >= len(args) {
			fields[key] = "MISSING"
			break
		}
		fields[key] = normalize(args[i+1])
	}
	return fields
}

func normalize(v interface{}) interface{} {
	if err, ok := v.(error); ok && err != nil {
		return err.Error()
	}
	return v
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}
