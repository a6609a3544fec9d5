// Package dashboard holds the live view of the simulated home. MQTT
// messages are decoded by a [Feed] into bus events; a [Refresher]
// drains those events on a fixed tick, applies them to the [Model] and
// pushes snapshots to connected clients through a [Hub].
package dashboard

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/homesim/internal/controller"
	"github.com/nugget/homesim/internal/events"
	"github.com/nugget/homesim/internal/statewindow"
)

// Sensor names carried in reading events.
const (
	SensorTemperature = "temperature"
	SensorMotion      = "motion"
)

// Keys used for the change window and persisted state.
const (
	KeyTemperature = "temperature"
	KeyMotion      = "motion"
	KeyLight       = "light"
)

// Snapshot is a point-in-time copy of everything the dashboard shows.
type Snapshot struct {
	Temperature   float64             `json:"temperature"`
	Motion        bool                `json:"motion"`
	Light         string              `json:"light"`
	TemperatureAt time.Time           `json:"temperature_at"`
	MotionAt      time.Time           `json:"motion_at"`
	LightAt       time.Time           `json:"light_at"`
	Updates       int64               `json:"updates"`
	Recent        []statewindow.Entry `json:"recent,omitempty"`
}

// TemperatureLabel renders e.g. "Temperature: 22.5°C".
func (s Snapshot) TemperatureLabel() string {
	return "Temperature: " + formatTemperature(s.Temperature) + "°C"
}

// MotionLabel renders "Motion detected: True" or "Motion detected: False".
func (s Snapshot) MotionLabel() string {
	return "Motion detected: " + formatMotion(s.Motion)
}

// LightLabel renders "Light: ON" or "Light: OFF".
func (s Snapshot) LightLabel() string {
	return "Light: " + s.Light
}

func formatTemperature(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatMotion(v bool) string {
	if v {
		return "True"
	}
	return "False"
}

// Model is the dashboard's current state. Only the refresher mutates
// it; readers take a copy with [Model.Snapshot].
type Model struct {
	mu     sync.RWMutex
	snap   Snapshot
	window *statewindow.Window
}

// NewModel returns a model with the initial values temperature 0,
// motion false and light OFF. window may be nil.
func NewModel(window *statewindow.Window) *Model {
	return &Model{
		snap:   Snapshot{Light: string(controller.LightOff)},
		window: window,
	}
}

// Snapshot returns a copy of the current state including recent
// changes.
func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	s := m.snap
	m.mu.RUnlock()
	if m.window != nil {
		s.Recent = m.window.Entries()
	}
	return s
}

// History returns recent changes, newest first.
func (m *Model) History() []statewindow.Entry {
	if m.window == nil {
		return []statewindow.Entry{}
	}
	return m.window.Entries()
}

// Apply folds one event into the model and reports whether a displayed
// value changed. Readings count only when they come from the
// dashboard feed; light changes are accepted from the feed and the
// controller. Anything else is ignored.
func (m *Model) Apply(e events.Event) bool {
	at := e.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	switch {
	case e.Kind == events.KindReading && e.Source == events.SourceDashboard:
		switch e.Data["sensor"] {
		case SensorTemperature:
			v, ok := e.Data["value"].(float64)
			if !ok {
				return false
			}
			return m.setTemperature(v, at)
		case SensorMotion:
			v, ok := e.Data["value"].(bool)
			if !ok {
				return false
			}
			return m.setMotion(v, at)
		}
	case e.Kind == events.KindLightChanged &&
		(e.Source == events.SourceDashboard || e.Source == events.SourceController):
		s, ok := e.Data["state"].(string)
		if !ok {
			return false
		}
		state, err := controller.ParseLightState(s)
		if err != nil {
			return false
		}
		return m.setLight(string(state), at)
	}
	return false
}

func (m *Model) setTemperature(v float64, at time.Time) bool {
	m.mu.Lock()
	old := m.snap.Temperature
	m.snap.Temperature = v
	m.snap.TemperatureAt = at
	m.snap.Updates++
	m.mu.Unlock()

	if old == v {
		return false
	}
	m.record(KeyTemperature, formatTemperature(old), formatTemperature(v), at)
	return true
}

func (m *Model) setMotion(v bool, at time.Time) bool {
	m.mu.Lock()
	old := m.snap.Motion
	m.snap.Motion = v
	m.snap.MotionAt = at
	m.snap.Updates++
	m.mu.Unlock()

	if old == v {
		return false
	}
	m.record(KeyMotion, formatMotion(old), formatMotion(v), at)
	return true
}

func (m *Model) setLight(v string, at time.Time) bool {
	m.mu.Lock()
	old := m.snap.Light
	m.snap.Light = v
	m.snap.LightAt = at
	m.snap.Updates++
	m.mu.Unlock()

	if old == v {
		return false
	}
	m.record(KeyLight, old, v, at)
	return true
}

func (m *Model) record(key, oldValue, newValue string, at time.Time) {
	if m.window != nil {
		m.window.Record(key, oldValue, newValue, at)
	}
}

// Values returns the persisted form of the current state.
func (m *Model) Values() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]string{
		KeyTemperature: formatTemperature(m.snap.Temperature),
		KeyMotion:      strconv.FormatBool(m.snap.Motion),
		KeyLight:       m.snap.Light,
	}
}

// RestoreError names the persisted keys whose values could not be
// parsed.
type RestoreError struct {
	Keys []string
	Err  error // first parse error
}

func (e *RestoreError) Error() string {
	return fmt.Sprintf("restore %s: %v", strings.Join(e.Keys, ", "), e.Err)
}

func (e *RestoreError) Unwrap() error { return e.Err }

// Restore loads previously persisted values. Unknown keys are ignored
// and malformed values leave the field untouched; a [*RestoreError]
// naming them is returned after every key has been tried. Restoring
// does not count as an update and is not recorded as a change.
func (m *Model) Restore(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rerr *RestoreError
	reject := func(key string, err error) {
		if rerr == nil {
			rerr = &RestoreError{Err: err}
		}
		rerr.Keys = append(rerr.Keys, key)
	}

	if s, ok := values[KeyTemperature]; ok {
		if v, err := strconv.ParseFloat(s, 64); err != nil {
			reject(KeyTemperature, err)
		} else {
			m.snap.Temperature = v
		}
	}
	if s, ok := values[KeyMotion]; ok {
		if v, err := strconv.ParseBool(s); err != nil {
			reject(KeyMotion, err)
		} else {
			m.snap.Motion = v
		}
	}
	if s, ok := values[KeyLight]; ok {
		if v, err := controller.ParseLightState(s); err != nil {
			reject(KeyLight, err)
		} else {
			m.snap.Light = string(v)
		}
	}
	if rerr != nil {
		return rerr
	}
	return nil
}

// HistorySummary renders recent changes one per line, newest first.
// It returns "" when nothing changed recently or there is no window.
func (m *Model) HistorySummary() string {
	if m.window == nil {
		return ""
	}
	return m.window.Summary(time.Local)
}
