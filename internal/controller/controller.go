// Package controller implements the light controller: it follows the
// motion topic and switches a simulated light on while motion is
// reported and off otherwise.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/nugget/homesim/internal/events"
	"github.com/nugget/homesim/internal/mqtt"
)

// LightState is the derived state of the simulated light.
type LightState string

// Light states as published on the light topic.
const (
	LightOn  LightState = "ON"
	LightOff LightState = "OFF"
)

// ParseLightState accepts "ON" or "OFF" in any case.
func ParseLightState(s string) (LightState, error) {
	switch LightState(strings.ToUpper(strings.TrimSpace(s))) {
	case LightOn:
		return LightOn, nil
	case LightOff:
		return LightOff, nil
	}
	return "", fmt.Errorf("invalid light state %q", s)
}

// ParseMotion decodes a motion payload. Integers are accepted with any
// non-zero value meaning motion; "true" and "false" are accepted in
// any case. Surrounding whitespace is ignored.
func ParseMotion(payload []byte) (bool, error) {
	s := strings.TrimSpace(string(payload))
	if n, err := strconv.Atoi(s); err == nil {
		return n != 0, nil
	}
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid motion payload %q", s)
}

// Derive maps a motion observation to a light state.
func Derive(motion bool) LightState {
	if motion {
		return LightOn
	}
	return LightOff
}

// Config holds the controller's topics and publish settings.
type Config struct {
	MotionTopic string
	LightTopic  string
	Retain      bool
}

// Controller subscribes to motion readings and publishes the derived
// light state.
type Controller struct {
	cfg    Config
	conn   mqtt.Conn
	bus    *events.Bus
	logger *slog.Logger

	// ctx is the lifetime context handed to Start; handlers run on
	// MQTT goroutines and use it for their publishes.
	ctx context.Context

	mu    sync.RWMutex
	state LightState
}

// New creates a controller with the light initially off. bus may be
// nil.
func New(cfg Config, conn mqtt.Conn, bus *events.Bus, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		conn:   conn,
		bus:    bus,
		logger: logger.With("component", "controller"),
		ctx:    context.Background(),
		state:  LightOff,
	}
}

// Start subscribes to the motion topic. Messages are handled on the
// MQTT client's goroutines until ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	c.ctx = ctx
	if err := c.conn.Subscribe(ctx, c.cfg.MotionTopic, 1, c.HandleMotion); err != nil {
		return fmt.Errorf("controller subscribe: %w", err)
	}
	c.logger.Info("light controller started",
		"motion_topic", c.cfg.MotionTopic, "light_topic", c.cfg.LightTopic)
	return nil
}

// State returns the current light state.
func (c *Controller) State() LightState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// HandleMotion processes one motion message. Malformed payloads are
// logged and leave the light unchanged. Every valid message republishes
// the light state, changed or not, so the light topic tracks each
// motion reading.
func (c *Controller) HandleMotion(topic string, payload []byte) {
	motion, err := ParseMotion(payload)
	if err != nil {
		c.logger.Warn("ignoring motion message", "topic", topic, "error", err)
		return
	}

	state := Derive(motion)

	c.mu.Lock()
	prev := c.state
	c.state = state
	c.mu.Unlock()

	if motion {
		c.logger.Info("light on: motion detected", "previous", string(prev))
	} else {
		c.logger.Info("light off: no motion detected", "previous", string(prev))
	}

	c.bus.Publish(events.NewEvent(events.SourceController, events.KindLightChanged, map[string]any{
		"state":  string(state),
		"motion": motion,
	}))

	c.publish(state)
}

// PublishState publishes the current light state to the light topic.
// It is called after every broker (re-)connect so a retained state
// left by an earlier run, or lost by the broker, is replaced.
func (c *Controller) PublishState() {
	state := c.State()
	c.logger.Debug("publishing light state", "state", string(state))
	c.publish(state)
}

func (c *Controller) publish(state LightState) {
	if err := c.conn.Publish(c.ctx, c.cfg.LightTopic, []byte(state), 1, c.cfg.Retain); err != nil {
		if c.ctx.Err() == nil {
			c.logger.Warn("light state publish failed", "topic", c.cfg.LightTopic, "error", err)
		}
	}
}
