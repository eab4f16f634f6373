package models

import (
	"strconv"
	"time"
)

// EventLevel is the severity of a job event.
type EventLevel string

const (
	LevelInfo  EventLevel = "info"
	LevelWarn  EventLevel = "warn"
	LevelError EventLevel = "error"
)

// Valid reports whether l is a known level.
func (l EventLevel) Valid() bool {
	return l == LevelInfo || l == LevelWarn || l == LevelError
}

// JobEvent is an append-only record attached to one job.
type JobEvent struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"jobId"`
	Level     EventLevel     `json:"level"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Cursor returns the position of e in its job's event stream.
func (e JobEvent) Cursor() Cursor {
	return Cursor(e.ID)
}

// NewEvent is the input for appending a job event.
type NewEvent struct {
	JobID   string
	Level   EventLevel
	Message string
	Payload map[string]any
}

// Cursor is a monotonic position in the event log. The zero value means
// "from the beginning".
type Cursor int64

// ParseCursor decodes the string form used by query parameters and SSE ids.
func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, Validationf("after must be a non-negative event cursor")
	}
	return Cursor(n), nil
}

func (c Cursor) String() string {
	return strconv.FormatInt(int64(c), 10)
}
