// Package audit writes enterprise audit events as JSON lines. A nil logger
// is valid and drops every event, so call sites never branch on the
// edition themselves.
package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger appends one JSON object per event to its writer.
type Logger struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	nowFn  func() time.Time
}

// New wraps an existing writer. A nil writer yields a disabled logger.
func New(w io.Writer) *Logger {
	if w == nil {
		return nil
	}
	return &Logger{w: w}
}

// Open appends to the JSON-line file at path, creating it if needed.
func Open(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &Logger{w: f, closer: f}, nil
}

// Enabled reports whether events are being recorded.
func (l *Logger) Enabled() bool {
	return l != nil && l.w != nil
}

// SetNow overrides the clock.
func (l *Logger) SetNow(now func() time.Time) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.nowFn = now
	l.mu.Unlock()
}

// Event records one audit event with optional extra fields. The "ts" and
// "event" keys are reserved and always written by the logger.
func (l *Logger) Event(event string, fields map[string]any) {
	if !l.Enabled() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now
	if l.nowFn != nil {
		now = l.nowFn
	}
	rec := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		rec[k] = v
	}
	rec["ts"] = now().UTC().Format(time.RFC3339Nano)
	rec["event"] = event
	buf, err := json.Marshal(rec)
	if err != nil {
		// An unmarshalable field must not lose the event itself.
		buf, _ = json.Marshal(map[string]any{
			"ts":    now().UTC().Format(time.RFC3339Nano),
			"event": event,
			"error": "unencodable fields",
		})
	}
	buf = append(buf, '\n')
	_, _ = l.w.Write(buf)
}

// Close releases the underlying file when the logger owns one.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
