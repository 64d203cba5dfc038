package logging

import (
	"path/filepath"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultRecentCapacity is the number of entries kept by Recent.
const DefaultRecentCapacity = 500

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Source    string                 `json:"source,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// RecentBuffer is a fixed-size circular log of recent entries. It implements
// logrus.Hook and backs the debug log endpoint.
type RecentBuffer struct {
	mu      sync.RWMutex
	entries []Entry
	head    int
	count   int
}

// Recent is the process-wide buffer installed by SetupBaseLogger.
var Recent = NewRecentBuffer(DefaultRecentCapacity)

// NewRecentBuffer creates a buffer holding up to capacity entries.
func NewRecentBuffer(capacity int) *RecentBuffer {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &RecentBuffer{entries: make([]Entry, capacity)}
}

// Levels implements logrus.Hook.
func (rb *RecentBuffer) Levels() []log.Level {
	return log.AllLevels
}

// Fire implements logrus.Hook.
func (rb *RecentBuffer) Fire(entry *log.Entry) error {
	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	var fields map[string]interface{}
	if len(entry.Data) > 0 {
		fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			// error values do not marshal usefully
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			fields[k] = v
		}
	}
	e := Entry{
		Timestamp: entry.Time,
		Level:     level,
		Message:   entry.Message,
		Fields:    fields,
	}
	if entry.Caller != nil {
		e.Source = filepath.Base(entry.Caller.File) + ":" + strconv.Itoa(entry.Caller.Line)
	}
	rb.Write(e)
	return nil
}

// Write appends an entry, overwriting the oldest one when full.
func (rb *RecentBuffer) Write(e Entry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries[rb.head] = e
	rb.head = (rb.head + 1) % len(rb.entries)
	if rb.count < len(rb.entries) {
		rb.count++
	}
}

// Last returns up to n entries, oldest first. n <= 0 returns everything.
func (rb *RecentBuffer) Last(n int) []Entry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n <= 0 || n > rb.count {
		n = rb.count
	}
	out := make([]Entry, n)
	start := (rb.head - n + len(rb.entries)) % len(rb.entries)
	for i := 0; i < n; i++ {
		out[i] = rb.entries[(start+i)%len(rb.entries)]
	}
	return out
}

// Len returns the number of stored entries.
func (rb *RecentBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}
