package sensor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nugget/homesim/internal/events"
	"github.com/nugget/homesim/internal/mqtt/mqtttest"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fixedGen returns the same reading every time and counts calls.
type fixedGen struct {
	mu    sync.Mutex
	calls int
}

func (g *fixedGen) Name() string  { return "fixed" }
func (g *fixedGen) Topic() string { return "test/fixed" }
func (g *fixedGen) Next() Reading {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return Reading{Sensor: "fixed", Topic: "test/fixed", Value: 1.5, Payload: "1.50", At: time.Now()}
}

func TestRunner_PublishesImmediatelyAndPeriodically(t *testing.T) {
	conn := mqtttest.New()
	bus := events.New()
	ch := bus.Subscribe(64)
	defer bus.Unsubscribe(ch)

	r := NewRunner(&fixedGen{}, conn, 10*time.Millisecond, bus, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	cancel()
	<-done

	msgs := conn.PublishedTo("test/fixed")
	if len(msgs) < 3 {
		t.Fatalf("published %d messages in ~55ms at 10ms interval, want at least 3", len(msgs))
	}
	for _, m := range msgs {
		if m.Payload != "1.50" || m.QoS != 0 || m.Retain {
			t.Errorf("message = %+v, want payload 1.50, qos 0, not retained", m)
		}
	}

	select {
	case e := <-ch:
		if e.Source != events.SourceSensor || e.Kind != events.KindReading {
			t.Errorf("event = %s/%s, want sensor/reading", e.Source, e.Kind)
		}
		if e.Data["topic"] != "test/fixed" || e.Data["value"] != 1.5 {
			t.Errorf("event data = %v", e.Data)
		}
	default:
		t.Error("no reading event on the bus")
	}
}

func TestRunner_PublishFailureKeepsRunning(t *testing.T) {
	conn := mqtttest.New()
	conn.PublishErr = errors.New("broker gone")
	gen := &fixedGen{}
	bus := events.New()
	ch := bus.Subscribe(8)
	defer bus.Unsubscribe(ch)

	r := NewRunner(gen, conn, 5*time.Millisecond, bus, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	gen.mu.Lock()
	calls := gen.calls
	gen.mu.Unlock()
	if calls < 2 {
		t.Errorf("generator called %d times, want the loop to keep going after failures", calls)
	}
	if len(ch) != 0 {
		t.Errorf("failed publishes produced %d bus events, want 0", len(ch))
	}
}

// waitPublished polls until conn has recorded at least n publishes.
func waitPublished(t *testing.T, conn *mqtttest.Conn, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(conn.Published()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("published %d messages, want at least %d", len(conn.Published()), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunner_NilBus(t *testing.T) {
	conn := mqtttest.New()
	r := NewRunner(&fixedGen{}, conn, time.Hour, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		// Must not panic; the immediate publish still happens.
		r.Run(ctx)
		close(done)
	}()
	waitPublished(t, conn, 1)
	cancel()
	<-done

	if n := len(conn.Published()); n != 1 {
		t.Errorf("published %d, want 1", n)
	}
}

func TestRunner_FirstReadingWaitsForConnection(t *testing.T) {
	conn := mqtttest.NewDisconnected()
	gen := &fixedGen{}
	r := NewRunner(gen, conn, time.Hour, nil, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	gen.mu.Lock()
	calls := gen.calls
	gen.mu.Unlock()
	if calls != 0 {
		t.Fatalf("generator called %d times before the broker connected, want 0", calls)
	}

	conn.Connect()
	waitPublished(t, conn, 1)
	cancel()
	<-done

	msgs := conn.PublishedTo("test/fixed")
	if len(msgs) != 1 || msgs[0].Payload != "1.50" {
		t.Errorf("published = %+v, want the first reading once connected", msgs)
	}
}

func TestRunner_CancelledWhileWaiting(t *testing.T) {
	conn := mqtttest.NewDisconnected()
	gen := &fixedGen{}
	r := NewRunner(gen, conn, time.Millisecond, nil, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	r.Run(ctx)

	if gen.calls != 0 {
		t.Errorf("generator called %d times without a connection, want 0", gen.calls)
	}
}
