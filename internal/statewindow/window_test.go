package statewindow

import (
	"strings"
	"sync"
	"testing"
	"time"
)

// fixedClock returns a nowFunc that returns a fixed time.
func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestWindow_Empty(t *testing.T) {
	w := New(10, 30*time.Minute)

	if got := w.Entries(); got == nil || len(got) != 0 {
		t.Errorf("Entries() = %v, want empty non-nil slice", got)
	}
	if got := w.Summary(time.UTC); got != "" {
		t.Errorf("Summary() = %q, want empty", got)
	}
}

func TestWindow_SingleEntry(t *testing.T) {
	now := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)
	w := New(10, 30*time.Minute)
	w.nowFunc = fixedClock(now)

	w.Record("light", "OFF", "ON", now)

	got := w.Summary(time.UTC)
	if !strings.Contains(got, "light: OFF → ON") {
		t.Errorf("missing transition, got:\n%s", got)
	}
	if !strings.Contains(got, "2025-06-15T14:30:00Z") {
		t.Errorf("missing ISO 8601 timestamp, got:\n%s", got)
	}
}

func TestWindow_NewestFirst(t *testing.T) {
	base := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)
	w := New(10, time.Hour)
	w.nowFunc = fixedClock(base.Add(10 * time.Minute))

	w.Record("temperature", "0", "21.5", base)
	w.Record("motion", "False", "True", base.Add(time.Minute))
	w.Record("light", "OFF", "ON", base.Add(2*time.Minute))

	got := w.Entries()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, want := range []string{"light", "motion", "temperature"} {
		if got[i].Key != want {
			t.Errorf("entry %d = %q, want %q", i, got[i].Key, want)
		}
	}
}

func TestWindow_CapacityEviction(t *testing.T) {
	now := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)
	w := New(3, time.Hour)
	w.nowFunc = fixedClock(now)

	for i, v := range []string{"a", "b", "c", "d", "e"} {
		w.Record("k", "", v, now.Add(time.Duration(i)*time.Second))
	}

	if w.Len() != 3 {
		t.Errorf("Len() = %d, want 3", w.Len())
	}
	got := w.Entries()
	if len(got) != 3 || got[0].New != "e" || got[2].New != "c" {
		t.Errorf("entries = %+v, want e, d, c", got)
	}
}

func TestWindow_AgeEviction(t *testing.T) {
	now := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)
	w := New(10, 5*time.Minute)
	w.nowFunc = fixedClock(now)

	w.Record("old", "", "1", now.Add(-10*time.Minute))
	w.Record("new", "", "2", now.Add(-1*time.Minute))

	got := w.Entries()
	if len(got) != 1 || got[0].Key != "new" {
		t.Errorf("entries = %+v, want only the recent one", got)
	}
	// Expired entries still occupy the buffer.
	if w.Len() != 2 {
		t.Errorf("Len() = %d, want 2", w.Len())
	}
}

func TestWindow_ZeroTimestampUsesClock(t *testing.T) {
	now := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)
	w := New(10, time.Hour)
	w.nowFunc = fixedClock(now)

	w.Record("light", "OFF", "ON", time.Time{})
	if got := w.Entries()[0].Timestamp; !got.Equal(now) {
		t.Errorf("timestamp = %v, want %v", got, now)
	}
}

func TestWindow_Defaults(t *testing.T) {
	w := New(0, 0)
	if len(w.entries) != 50 {
		t.Errorf("capacity = %d, want 50", len(w.entries))
	}
	if w.maxAge != 30*time.Minute {
		t.Errorf("maxAge = %v, want 30m", w.maxAge)
	}
}

func TestWindow_Concurrent(t *testing.T) {
	w := New(20, time.Hour)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 100 {
				w.Record("k", "a", "b", time.Time{})
			}
		}()
		go func() {
			defer wg.Done()
			for range 100 {
				w.Entries()
			}
		}()
	}
	wg.Wait()

	if w.Len() != 20 {
		t.Errorf("Len() = %d, want 20", w.Len())
	}
}
