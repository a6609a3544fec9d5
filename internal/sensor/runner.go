package sensor

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/homesim/internal/events"
	"github.com/nugget/homesim/internal/mqtt"
)

// Publisher is the part of [mqtt.Conn] a runner needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	AwaitConnection(ctx context.Context) error
}

// Runner publishes a generator's readings on a fixed interval.
type Runner struct {
	gen      Generator
	conn     Publisher
	interval time.Duration
	bus      *events.Bus
	logger   *slog.Logger
}

// NewRunner creates a runner. bus may be nil.
func NewRunner(gen Generator, conn Publisher, interval time.Duration, bus *events.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		gen:      gen,
		conn:     conn,
		interval: interval,
		bus:      bus,
		logger:   logger.With("sensor", gen.Name()),
	}
}

// Run waits for the broker connection, publishes one reading
// immediately and then one per interval until ctx is cancelled.
// Publish failures are logged and do not stop the loop; the next tick
// simply tries again.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Debug("sensor waiting for broker connection", "topic", r.gen.Topic())
	if err := r.conn.AwaitConnection(ctx); err != nil {
		r.logger.Info("sensor stopped before broker connection", "error", err)
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("sensor started", "topic", r.gen.Topic(), "interval", r.interval.String())

	r.publishOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sensor stopped")
			return
		case <-ticker.C:
			r.publishOnce(ctx)
		}
	}
}

func (r *Runner) publishOnce(ctx context.Context) {
	reading := r.gen.Next()

	if err := r.conn.Publish(ctx, reading.Topic, []byte(reading.Payload), 0, false); err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("sensor reading publish failed",
				"topic", reading.Topic, "error", err)
		}
		return
	}

	r.logger.Info("sensor reading published",
		"topic", reading.Topic, "value", reading.Payload)

	r.bus.Publish(events.Event{
		Timestamp: reading.At,
		Source:    events.SourceSensor,
		Kind:      events.KindReading,
		Data: map[string]any{
			"sensor": reading.Sensor,
			"topic":  reading.Topic,
			"value":  reading.Value,
		},
	})
}

var _ Publisher = (mqtt.Conn)(nil)
