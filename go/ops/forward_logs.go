package ops

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"
)

// LogSourceField is attached to every forwarded event, naming its origin.
const LogSourceField = "logSource"

// ForwardLogs reads lines from |logSource| and forwards them to |logger|.
// It attempts to parse each line as a JSON-encoded structured log event, so
// that it's published at the level the line indicates. Lines which don't
// parse are published whole as the message, at |fallbackLevel|. The
// |sourceDesc| is added as the "logSource" field on every event. The
// |logSource| is closed after the first error or EOF.
//
// Parsing is intentionally permissive: level, timestamp, and message are
// matched against common property spellings ("level"/"lvl", "ts"/"time"/
// "timestamp", "msg"/"message") ignoring ASCII case, and all remaining
// properties become fields of the event. Processing module containers are
// not required to emit structured logs, but get better bookkeeping if they do.
func ForwardLogs(sourceDesc string, fallbackLevel log.Level, logSource io.ReadCloser, logger Logger) {
	var reader = bufio.NewReader(logSource)
	defer logSource.Close()
	var jsonLines, textLines int

	// Serialize once up front instead of per message.
	var sourceDescJSON, err = json.Marshal(sourceDesc)
	if err != nil {
		panic(fmt.Sprintf("serializing sourceDesc: %v", err))
	}
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				logger.Log(log.ErrorLevel, log.Fields{
					"error":        err,
					LogSourceField: sourceDesc,
				}, "failed to read logs from source")
			}
			break
		}
		line = bytes.TrimSuffix(line, []byte{'\n'})
		if len(line) == 0 {
			continue
		}

		var event = logEvent{}
		if err = json.Unmarshal(line, &event); err == nil {
			jsonLines++
			event.Fields[LogSourceField] = json.RawMessage(sourceDescJSON)
			if event.Timestamp.IsZero() {
				event.Timestamp = time.Now().UTC()
			}
			var level = fallbackLevel
			if !event.Level.isZero() {
				level = log.Level(event.Level)
			}
			logger.LogForwarded(event.Timestamp, level, event.Fields, event.Message)
		} else {
			textLines++
			var fields = map[string]json.RawMessage{
				LogSourceField: json.RawMessage(sourceDescJSON),
			}
			logger.LogForwarded(time.Now().UTC(), fallbackLevel, fields, string(line))
		}
	}
	logger.Log(log.TraceLevel, log.Fields{
		"jsonLines":    jsonLines,
		"textLines":    textLines,
		LogSourceField: sourceDesc,
	}, "finished forwarding logs")
}

// NewLogForwardWriter adapts ForwardLogs into an io.WriteCloser, suitable for
// use as the stderr of a module container process.
func NewLogForwardWriter(sourceDesc string, fallbackLevel log.Level, logger Logger) *LogForwardWriter {
	var r, w = io.Pipe()
	var out = &LogForwardWriter{w: w, done: make(chan struct{})}
	go func() {
		defer close(out.done)
		ForwardLogs(sourceDesc, fallbackLevel, r, logger)
	}()
	return out
}

// LogForwardWriter forwards written lines through ForwardLogs.
type LogForwardWriter struct {
	w    *io.PipeWriter
	done chan struct{}
}

func (l *LogForwardWriter) Write(p []byte) (int, error) { return l.w.Write(p) }

// Close the writer, blocking until all buffered lines have been forwarded.
func (l *LogForwardWriter) Close() error {
	var err = l.w.Close()
	<-l.done
	return err
}

// jsonLogLevel wraps log.Level to allow flexible deserialization.
type jsonLogLevel log.Level

func (l jsonLogLevel) isZero() bool { return l == 0 }

var errInvalidLogLevel = errors.New("invalid log level")

func (l *jsonLogLevel) UnmarshalJSON(b []byte) error {
	// 5 is the shortest valid length (3 for err + 2 for quotes).
	if len(b) < 5 {
		return errInvalidLogLevel
	}
	// Strip the quotes. Even if they're not quotes, we don't care, since
	// there's no non-string JSON token that would match any of these values.
	b = b[1 : len(b)-1]

	for _, candidate := range []struct {
		prefix string
		level  log.Level
	}{
		{prefix: "debug", level: log.DebugLevel},
		{prefix: "info", level: log.InfoLevel},
		{prefix: "trace", level: log.TraceLevel},
		{prefix: "warn", level: log.WarnLevel},
		{prefix: "err", level: log.ErrorLevel},
		{prefix: "fatal", level: log.ErrorLevel},
		{prefix: "panic", level: log.ErrorLevel},
	} {
		if len(b) >= len(candidate.prefix) && eqIgnoreASCIICase(candidate.prefix, b[0:len(candidate.prefix)]) {
			*l = jsonLogLevel(candidate.level)
			return nil
		}
	}

	return errInvalidLogLevel
}

func eqIgnoreASCIICase(a string, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i, aByte := range []byte(a) {
		if aByte != b[i] && (aByte^32) != b[i] {
			return false
		}
	}
	return true
}

type logEvent struct {
	Level     jsonLogLevel
	Timestamp time.Time
	Fields    map[string]json.RawMessage
	Message   string
}

func (e *logEvent) UnmarshalJSON(b []byte) error {
	*e = logEvent{}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		if fieldMatches(k, "timestamp", "time", "ts") && e.Timestamp.IsZero() {
			var t time.Time
			if err := json.Unmarshal([]byte(v), &t); err == nil {
				e.Timestamp = t
				delete(m, k)
			}
		} else if fieldMatches(k, "level", "lvl") && e.Level.isZero() {
			if err := json.Unmarshal([]byte(v), &e.Level); err == nil {
				delete(m, k)
			}
		} else if fieldMatches(k, "message", "msg") && e.Message == "" {
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				e.Message = s
				delete(m, k)
			}
		}
	}
	e.Fields = m
	return nil
}

func fieldMatches(field string, allowed ...string) bool {
	for _, candidate := range allowed {
		if eqIgnoreASCIICase(field, []byte(candidate)) {
			return true
		}
	}
	return false
}
