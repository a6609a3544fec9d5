package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/homesim/internal/connwatch"
	"github.com/nugget/homesim/internal/dashboard"
	"github.com/nugget/homesim/internal/events"
	"github.com/nugget/homesim/internal/statewindow"
)

type stubHealth struct {
	ready    bool
	services []connwatch.ServiceStatus
}

func (h stubHealth) Status() []connwatch.ServiceStatus { return h.services }
func (h stubHealth) Ready() bool                       { return h.ready }

// newTestServer creates a Server over a fresh model and hub.
func newTestServer(health HealthSource) (*Server, *dashboard.Model, *dashboard.Hub) {
	model := dashboard.NewModel(statewindow.New(10, time.Hour))
	hub := dashboard.NewHub(slog.Default())
	s := NewServer(Config{
		Address: "127.0.0.1",
		Port:    0,
		Model:   model,
		Hub:     hub,
		Health:  health,
		Logger:  slog.Default(),
	})
	return s, model, hub
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func feedEvent(sensor string, value any) events.Event {
	return events.NewEvent(events.SourceDashboard, events.KindReading, map[string]any{
		"sensor": sensor,
		"value":  value,
	})
}

func TestDashboard_InitialLabels(t *testing.T) {
	s, _, _ := newTestServer(nil)

	w := get(t, s.Handler(), "/", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET / status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q, want text/html", ct)
	}

	body := w.Body.String()
	for _, want := range []string{
		"<!DOCTYPE html>",
		"Home Automation Dashboard",
		"Temperature: 0°C",
		"Motion detected: False",
		"Light: OFF",
		"updated never",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("GET / response missing %q", want)
		}
	}
}

func TestDashboard_ReflectsModel(t *testing.T) {
	s, model, _ := newTestServer(nil)
	model.Apply(feedEvent(dashboard.SensorTemperature, 22.5))
	model.Apply(feedEvent(dashboard.SensorMotion, true))
	model.Apply(events.NewEvent(events.SourceController, events.KindLightChanged, map[string]any{"state": "ON"}))

	body := get(t, s.Handler(), "/", nil).Body.String()
	for _, want := range []string{
		"Temperature: 22.5°C",
		"Motion detected: True",
		"Light: ON",
		"light: OFF → ON",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("GET / response missing %q", want)
		}
	}
}

func TestNotFound(t *testing.T) {
	s, _, _ := newTestServer(nil)

	for _, path := range []string{"/nope", "/api", "/api/state/extra"} {
		if w := get(t, s.Handler(), path, nil); w.Code != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, w.Code)
		}
	}
}

func TestAPIState(t *testing.T) {
	s, model, _ := newTestServer(nil)
	model.Apply(feedEvent(dashboard.SensorTemperature, 21.37))

	w := get(t, s.Handler(), "/api/state", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["temperature"] != 21.37 || got["motion"] != false || got["light"] != "OFF" {
		t.Errorf("state = %v", got)
	}
	for _, key := range []string{"temperature_at", "motion_at", "light_at", "updates"} {
		if _, ok := got[key]; !ok {
			t.Errorf("state missing %q", key)
		}
	}
}

func TestAPIHistory(t *testing.T) {
	s, model, _ := newTestServer(nil)

	var empty HistoryResponse
	w := get(t, s.Handler(), "/api/history", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &empty); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if empty.Entries == nil || len(empty.Entries) != 0 {
		t.Errorf("empty history = %#v, want []", empty.Entries)
	}

	model.Apply(feedEvent(dashboard.SensorMotion, true))

	var resp HistoryResponse
	w = get(t, s.Handler(), "/api/history", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].Key != "motion" || resp.Entries[0].New != "True" {
		t.Errorf("history = %+v", resp.Entries)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		health HealthSource
		code   int
		status string
	}{
		{"no watcher", nil, http.StatusServiceUnavailable, "unavailable"},
		{"broker down", stubHealth{services: []connwatch.ServiceStatus{{Name: "mqtt", LastError: "refused"}}}, http.StatusServiceUnavailable, "unavailable"},
		{"broker up", stubHealth{ready: true, services: []connwatch.ServiceStatus{{Name: "mqtt", Ready: true}}}, http.StatusOK, "ok"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestServer(tt.health)
			w := get(t, s.Handler(), "/health", nil)
			if w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}

			var resp HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.status {
				t.Errorf("status field = %q, want %q", resp.Status, tt.status)
			}
			if resp.Build["version"] == "" {
				t.Error("build info missing version")
			}
			if resp.Services == nil {
				t.Error("services = nil, want list")
			}
		})
	}
}

func TestWebSocket_SnapshotOnConnectAndBroadcast(t *testing.T) {
	s, model, hub := newTestServer(nil)
	model.Apply(feedEvent(dashboard.SensorTemperature, 20.5))

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first dashboard.Message
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	if first.Type != dashboard.MessageSnapshot || first.Snapshot == nil || first.Snapshot.Temperature != 20.5 {
		t.Fatalf("initial message = %+v", first)
	}

	// The client registers before the initial write, so by now the hub
	// knows about it.
	if hub.Len() != 1 {
		t.Fatalf("hub.Len() = %d, want 1", hub.Len())
	}

	model.Apply(feedEvent(dashboard.SensorMotion, true))
	snap := model.Snapshot()
	hub.Broadcast(dashboard.Message{Type: dashboard.MessageSnapshot, Snapshot: &snap})

	var second dashboard.Message
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read broadcast: %v", err)
	}
	if second.Snapshot == nil || !second.Snapshot.Motion {
		t.Errorf("broadcast message = %+v", second)
	}
}

func TestWebSocket_ClientDisconnectUnregisters(t *testing.T) {
	s, _, hub := newTestServer(nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	var m dashboard.Message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read initial: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Len() != 0 {
		t.Errorf("hub.Len() = %d after disconnect, want 0", hub.Len())
	}
}

func TestShutdownWithoutStart(t *testing.T) {
	s, _, _ := newTestServer(nil)
	if err := s.Shutdown(t.Context()); err != nil {
		t.Errorf("Shutdown() error: %v", err)
	}
}

func TestAgo(t *testing.T) {
	if got := ago(time.Time{}); got != "never" {
		t.Errorf("ago(zero) = %q, want never", got)
	}
	if got := ago(time.Now().Add(-3 * time.Minute)); got != "3 minutes ago" {
		t.Errorf("ago(-3m) = %q, want %q", got, "3 minutes ago")
	}
}
