package dashboard

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nugget/homesim/internal/config"
	"github.com/nugget/homesim/internal/controller"
	"github.com/nugget/homesim/internal/events"
	"github.com/nugget/homesim/internal/mqtt"
)

// Feed turns broker messages into bus events. It is the only part of
// the dashboard that runs on MQTT client goroutines, and it never
// touches the model.
type Feed struct {
	topics  config.TopicsConfig
	conn    mqtt.Conn
	bus     *events.Bus
	limiter *mqtt.RateLimiter
	logger  *slog.Logger
}

// NewFeed creates a feed. limiter may be nil to accept every message.
func NewFeed(topics config.TopicsConfig, conn mqtt.Conn, bus *events.Bus, limiter *mqtt.RateLimiter, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		topics:  topics,
		conn:    conn,
		bus:     bus,
		limiter: limiter,
		logger:  logger.With("component", "dashboard_feed"),
	}
}

// Start subscribes to the sensor and light topics.
func (f *Feed) Start(ctx context.Context) error {
	subs := []struct {
		topic string
		qos   byte
		h     mqtt.MessageHandler
	}{
		{f.topics.Temperature, 0, f.handleTemperature},
		{f.topics.Motion, 0, f.handleMotion},
		{f.topics.Light, 1, f.handleLight},
	}
	for _, s := range subs {
		h := f.limiter.Wrap(mqtt.TraceHandler(f.logger, s.h))
		if err := f.conn.Subscribe(ctx, s.topic, s.qos, h); err != nil {
			return fmt.Errorf("dashboard subscribe: %w", err)
		}
	}
	return nil
}

// ParseTemperature decodes a temperature payload.
func ParseTemperature(payload []byte) (float64, error) {
	s := strings.TrimSpace(string(payload))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid temperature payload %q", s)
	}
	return v, nil
}

func (f *Feed) handleTemperature(topic string, payload []byte) {
	v, err := ParseTemperature(payload)
	if err != nil {
		f.logger.Warn("dropping message", "topic", topic, "error", err)
		return
	}
	f.publishReading(SensorTemperature, topic, v)
}

func (f *Feed) handleMotion(topic string, payload []byte) {
	v, err := controller.ParseMotion(payload)
	if err != nil {
		f.logger.Warn("dropping message", "topic", topic, "error", err)
		return
	}
	f.publishReading(SensorMotion, topic, v)
}

func (f *Feed) handleLight(topic string, payload []byte) {
	state, err := controller.ParseLightState(string(payload))
	if err != nil {
		f.logger.Warn("dropping message", "topic", topic, "error", err)
		return
	}
	f.bus.Publish(events.NewEvent(events.SourceDashboard, events.KindLightChanged, map[string]any{
		"topic": topic,
		"state": string(state),
	}))
}

func (f *Feed) publishReading(sensor, topic string, value any) {
	f.bus.Publish(events.NewEvent(events.SourceDashboard, events.KindReading, map[string]any{
		"sensor": sensor,
		"topic":  topic,
		"value":  value,
	}))
}
