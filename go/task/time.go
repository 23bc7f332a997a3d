package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is the wall-clock rendering used throughout task documents.
const TimeLayout = "2006-01-02 15:04:05"

// Timestamp is a wall-clock time serialized in TimeLayout. The zero value
// marshals as the empty string.
type Timestamp struct {
	time.Time
}

// Now returns the current time, truncated to seconds to match TimeLayout.
func Now() Timestamp {
	return Timestamp{time.Now().Truncate(time.Second)}
}

// At wraps a time.Time as a Timestamp.
func At(t time.Time) Timestamp {
	return Timestamp{t.Truncate(time.Second)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte(`""`), nil
	}
	return json.Marshal(t.Format(TimeLayout))
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if string(b) == "null" {
		*t = Timestamp{}
		return nil
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	if parsed, err := time.ParseInLocation(TimeLayout, s, time.Local); err == nil {
		*t = Timestamp{parsed}
		return nil
	}
	// Tolerate RFC 3339 written by earlier versions.
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	*t = Timestamp{parsed}
	return nil
}
