// Package mqtttest provides an in-memory stand-in for a broker
// connection so roles can be tested without a running MQTT server.
package mqtttest

import (
	"context"
	"errors"
	"sync"

	"github.com/nugget/homesim/internal/mqtt"
)

// Message is a publish recorded by [Conn].
type Message struct {
	Topic   string
	Payload string
	QoS     byte
	Retain  bool
}

type sub struct {
	filter string
	h      mqtt.MessageHandler
}

// ErrNotConnected is returned by Publish while the link is down.
var ErrNotConnected = errors.New("mqtttest: not connected")

// Conn implements [mqtt.Conn] as a loopback: every Publish is recorded
// and delivered synchronously to matching subscribers on the same
// Conn, including retained-message replay on Subscribe.
//
// A Conn from [New] starts connected. [NewDisconnected] returns one
// that rejects publishes until [Conn.Connect] is called, the way a
// real client behaves before its first CONNACK.
type Conn struct {
	mu        sync.Mutex
	published []Message
	retained  map[string]Message
	subs      []sub
	closed    bool
	up        bool
	ready     chan struct{}

	// PublishErr, when set, is returned by every Publish.
	PublishErr error
}

// New returns an empty loopback connection.
func New() *Conn {
	c := NewDisconnected()
	c.Connect()
	return c
}

// NewDisconnected returns an empty loopback connection whose link is
// down.
func NewDisconnected() *Conn {
	return &Conn{
		retained: make(map[string]Message),
		ready:    make(chan struct{}),
	}
}

// Connect brings the link up and releases AwaitConnection callers.
func (c *Conn) Connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.up {
		c.up = true
		close(c.ready)
	}
}

// Disconnect takes the link down.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.up {
		c.up = false
		c.ready = make(chan struct{})
	}
}

func (c *Conn) Publish(_ context.Context, topic string, payload []byte, qos byte, retain bool) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("mqtttest: connection closed")
	}
	if !c.up {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if c.PublishErr != nil {
		err := c.PublishErr
		c.mu.Unlock()
		return err
	}
	m := Message{Topic: topic, Payload: string(payload), QoS: qos, Retain: retain}
	c.published = append(c.published, m)
	if retain {
		c.retained[topic] = m
	}
	var targets []mqtt.MessageHandler
	for _, s := range c.subs {
		if mqtt.Match(s.filter, topic) {
			targets = append(targets, s.h)
		}
	}
	c.mu.Unlock()

	for _, h := range targets {
		h(topic, []byte(payload))
	}
	return nil
}

func (c *Conn) Subscribe(_ context.Context, filter string, _ byte, h mqtt.MessageHandler) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub{filter: filter, h: h})
	var replay []Message
	for topic, m := range c.retained {
		if mqtt.Match(filter, topic) {
			replay = append(replay, m)
		}
	}
	c.mu.Unlock()

	for _, m := range replay {
		h(m.Topic, []byte(m.Payload))
	}
	return nil
}

func (c *Conn) AwaitConnection(ctx context.Context) error {
	c.mu.Lock()
	closed, ready := c.closed, c.ready
	c.mu.Unlock()
	if closed {
		return errors.New("mqtttest: connection closed")
	}
	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// Published returns a copy of every message published so far.
func (c *Conn) Published() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.published))
	copy(out, c.published)
	return out
}

// PublishedTo returns the messages published to topic, in order.
func (c *Conn) PublishedTo(topic string) []Message {
	var out []Message
	for _, m := range c.Published() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Subscriptions returns the filters subscribed so far.
func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for _, s := range c.subs {
		out = append(out, s.filter)
	}
	return out
}

// Inject delivers a message to subscribers as if it came from another
// client, without recording it as published by this Conn.
func (c *Conn) Inject(topic, payload string) {
	c.mu.Lock()
	var targets []mqtt.MessageHandler
	for _, s := range c.subs {
		if mqtt.Match(s.filter, topic) {
			targets = append(targets, s.h)
		}
	}
	c.mu.Unlock()

	for _, h := range targets {
		h(topic, []byte(payload))
	}
}

var _ mqtt.Conn = (*Conn)(nil)
