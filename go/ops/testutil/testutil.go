package testutil

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/micsi-dev/mercure/go/ops"
	log "github.com/sirupsen/logrus"
)

// Event is a single log event captured by a TestLogger.
type Event struct {
	Level     log.Level
	Fields    map[string]interface{}
	Message   string
	Timestamp time.Time
	Forwarded bool
}

// TestLogger captures published events for later assertions.
type TestLogger struct {
	mu     sync.Mutex
	events []Event
	level  log.Level
}

var _ ops.Logger = (*TestLogger)(nil)

// NewTestLogger returns a TestLogger capturing at debug level.
func NewTestLogger() *TestLogger {
	return &TestLogger{level: log.DebugLevel}
}

func (l *TestLogger) Log(level log.Level, fields log.Fields, message string) error {
	var copied = make(map[string]interface{}, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{Level: level, Fields: copied, Message: message})
	return nil
}

func (l *TestLogger) LogForwarded(ts time.Time, level log.Level, fields map[string]json.RawMessage, message string) {
	var decoded = make(map[string]interface{}, len(fields))
	for k, v := range fields {
		var vv interface{}
		_ = json.Unmarshal(v, &vv)
		decoded[k] = vv
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{Level: level, Fields: decoded, Message: message, Timestamp: ts, Forwarded: true})
}

func (l *TestLogger) Level() log.Level { return l.level }

// Events returns a copy of all captured events.
func (l *TestLogger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Messages returns just the messages of all captured events, in order.
func (l *TestLogger) Messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out = make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Message
	}
	return out
}
