package ops

import (
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"
)

// Logger publishes log events which relate to a specific unit of work.
// Worker loops log through a Logger so that events carry the task ID they
// belong to, and so that module container output can additionally be
// mirrored to the bookkeeper.
type Logger interface {
	// Log publishes an event at the given level.
	Log(level log.Level, fields log.Fields, message string) error
	// LogForwarded publishes an event which originated elsewhere (such as a
	// module container) and already carries its own timestamp.
	LogForwarded(ts time.Time, level log.Level, fields map[string]json.RawMessage, message string)
	// Level returns the level at which this Logger publishes.
	Level() log.Level
}

type stdLogger struct{}

func (stdLogger) Log(level log.Level, fields log.Fields, message string) error {
	log.WithFields(fields).Log(level, message)
	return nil
}

func (stdLogger) LogForwarded(ts time.Time, level log.Level, fields map[string]json.RawMessage, message string) {
	var decoded = make(log.Fields, len(fields)+1)
	for k, v := range fields {
		var vv interface{}
		_ = json.Unmarshal(v, &vv)
		decoded[k] = vv
	}
	decoded["forwardedTs"] = ts
	log.WithFields(decoded).Log(level, message)
}

func (stdLogger) Level() log.Level { return log.StandardLogger().Level }

// StdLogger returns a Logger that forwards to the logrus package.
func StdLogger() Logger { return stdLogger{} }

// NewLoggerWithFields wraps |delegate| so that all published events carry |fields|.
func NewLoggerWithFields(delegate Logger, fields log.Fields) Logger {
	return &fieldedLogger{delegate: delegate, fields: fields}
}

// NewTaskLogger wraps |delegate| so that all published events carry the task ID.
func NewTaskLogger(delegate Logger, taskID string) Logger {
	return NewLoggerWithFields(delegate, log.Fields{"task": taskID})
}

type fieldedLogger struct {
	delegate Logger
	fields   log.Fields
}

func (l *fieldedLogger) Log(level log.Level, fields log.Fields, message string) error {
	var merged = make(log.Fields, len(fields)+len(l.fields))
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return l.delegate.Log(level, merged, message)
}

func (l *fieldedLogger) LogForwarded(ts time.Time, level log.Level, fields map[string]json.RawMessage, message string) {
	var merged = make(map[string]json.RawMessage, len(fields)+len(l.fields))
	for k, v := range l.fields {
		if b, err := json.Marshal(v); err == nil {
			merged[k] = b
		}
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.delegate.LogForwarded(ts, level, merged, message)
}

func (l *fieldedLogger) Level() log.Level { return l.delegate.Level() }
