// Package statewindow maintains a rolling window of dashboard value
// changes. The window uses a circular buffer with dual eviction:
// count-based (buffer capacity) and age-based (max age applied at read
// time).
package statewindow

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry records a single value transition seen by the dashboard.
type Entry struct {
	Key       string    `json:"key"`
	Old       string    `json:"old"`
	New       string    `json:"new"`
	Timestamp time.Time `json:"ts"`
}

// String renders the entry as a one-line transition.
func (e Entry) String() string {
	return fmt.Sprintf("%s: %s → %s", e.Key, e.Old, e.New)
}

// Window is a fixed-capacity history of recent changes. It is safe for
// concurrent use: Record writes under a write lock while readers take
// a read lock.
type Window struct {
	mu      sync.RWMutex
	entries []Entry // circular buffer, pre-allocated
	head    int     // next write position
	count   int     // entries currently stored (≤ len(entries))
	maxAge  time.Duration
	nowFunc func() time.Time
}

// New creates a window with the given capacity and maximum entry age.
// Entries older than maxAge are filtered out at read time.
func New(maxEntries int, maxAge time.Duration) *Window {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &Window{
		entries: make([]Entry, maxEntries),
		maxAge:  maxAge,
		nowFunc: time.Now,
	}
}

// Record appends a transition, overwriting the oldest entry when the
// buffer is full. A zero timestamp is replaced with the current time.
func (w *Window) Record(key, oldValue, newValue string, at time.Time) {
	if at.IsZero() {
		at = w.nowFunc()
	}

	w.mu.Lock()
	w.entries[w.head] = Entry{
		Key:       key,
		Old:       oldValue,
		New:       newValue,
		Timestamp: at,
	}
	w.head = (w.head + 1) % len(w.entries)
	if w.count < len(w.entries) {
		w.count++
	}
	w.mu.Unlock()
}

// Entries returns the unexpired entries, newest first. The result is
// never nil.
func (w *Window) Entries() []Entry {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]Entry, 0, w.count)
	cutoff := w.nowFunc().Add(-w.maxAge)
	bufLen := len(w.entries)

	// The newest entry is at (head-1) mod bufLen, walking backwards.
	for i := 0; i < w.count; i++ {
		idx := (w.head - 1 - i + bufLen) % bufLen
		e := w.entries[idx]
		if e.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of stored entries, expired or not.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Summary renders unexpired entries one per line, newest first, with
// RFC 3339 timestamps in loc. It returns "" when nothing is recent.
func (w *Window) Summary(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	entries := w.Entries()
	if len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&sb, "- %s (%s)\n", e, e.Timestamp.In(loc).Format(time.RFC3339))
	}
	return sb.String()
}
