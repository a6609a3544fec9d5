package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	paho311 "github.com/eclipse/paho.mqtt.golang"
	"github.com/nugget/homesim/internal/config"
)

// v311Conn is a [Conn] speaking MQTT 3.1.1 through the Paho v1 client.
type v311Conn struct {
	client     paho311.Client
	availTopic string
	link       *linkState
	subs       registry
	logger     *slog.Logger
	inbox      *inbox
}

func dialV311(ctx context.Context, cfg config.BrokerConfig, brokerURL *url.URL, opts Options) (*v311Conn, error) {
	c := &v311Conn{
		availTopic: opts.AvailabilityTopic,
		link:       newLinkState(),
		logger:     opts.Logger,
		inbox:      newInbox(opts.Logger),
	}

	o := paho311.NewClientOptions()
	o.AddBroker(brokerURL.String())
	o.SetClientID(opts.ClientID)
	o.SetProtocolVersion(4) // 3.1.1
	o.SetCleanSession(cfg.CleanSession)
	o.SetKeepAlive(time.Duration(cfg.KeepAliveSec) * time.Second)
	o.SetConnectTimeout(connectTimeout(cfg))
	o.SetAutoReconnect(true)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(5 * time.Second)
	o.SetMaxReconnectInterval(time.Minute)
	// Subscriptions carry no per-route callback, so every message lands
	// here on Paho's router goroutine and is queued in arrival order.
	o.SetOrderMatters(true)
	o.SetDefaultPublishHandler(c.receive)
	if cfg.Username != "" {
		o.SetUsername(cfg.Username)
		o.SetPassword(cfg.Password)
	}
	if tlsCfg := tlsConfigFor(brokerURL); tlsCfg != nil {
		o.SetTLSConfig(tlsCfg)
	}
	if c.availTopic != "" {
		o.SetWill(c.availTopic, StatusOffline, 1, true)
	}
	o.SetOnConnectHandler(c.onConnect)
	o.SetConnectionLostHandler(func(_ paho311.Client, err error) {
		c.link.setDown()
		c.logger.Warn("mqtt connection lost", "error", err)
	})
	o.SetReconnectingHandler(func(_ paho311.Client, _ *paho311.ClientOptions) {
		c.logger.Debug("mqtt reconnecting")
	})

	c.client = paho311.NewClient(o)
	go c.inbox.deliver(ctx, &c.subs)

	// With ConnectRetry set the token only completes once connected, so
	// it is left to finish in the background.
	c.client.Connect()
	return c, nil
}

// onConnect runs on a Paho goroutine after every (re-)connect.
func (c *v311Conn) onConnect(client paho311.Client) {
	c.link.setUp()
	c.logger.Info("mqtt connected to broker", "protocol", config.ProtocolV311)

	if c.availTopic != "" {
		t := client.Publish(c.availTopic, 1, true, StatusOnline)
		go c.logToken(t, "mqtt availability publish failed", "status", StatusOnline)
	}

	for _, s := range c.subs.all() {
		t := client.Subscribe(s.filter, s.qos, nil)
		go c.logToken(t, "mqtt resubscribe failed", "filter", s.filter)
	}
}

func (c *v311Conn) logToken(t paho311.Token, msg string, args ...any) {
	t.Wait()
	if err := t.Error(); err != nil {
		c.logger.Warn(msg, append(args, "error", err)...)
	}
}

func (c *v311Conn) receive(_ paho311.Client, m paho311.Message) {
	c.inbox.enqueue(m.Topic(), m.Payload())
}

func (c *v311Conn) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if !c.link.isUp() {
		return fmt.Errorf("publish %s: not connected", topic)
	}
	if err := waitToken(ctx, c.client.Publish(topic, qos, retain, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *v311Conn) Subscribe(ctx context.Context, filter string, qos byte, h MessageHandler) error {
	c.subs.add(subscription{filter: filter, qos: qos, handler: h})
	if !c.link.isUp() {
		c.logger.Debug("mqtt subscription deferred until connected", "filter", filter)
		return nil
	}
	if err := waitToken(ctx, c.client.Subscribe(filter, qos, nil)); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	c.logger.Info("mqtt subscribed", "filter", filter, "qos", qos)
	return nil
}

func (c *v311Conn) AwaitConnection(ctx context.Context) error {
	return c.link.wait(ctx)
}

func (c *v311Conn) Close(ctx context.Context) error {
	if c.link.isUp() && c.availTopic != "" {
		if err := waitToken(ctx, c.client.Publish(c.availTopic, 1, true, StatusOffline)); err != nil {
			c.logger.Warn("mqtt availability publish failed", "status", StatusOffline, "error", err)
		}
	}
	c.client.Disconnect(250)
	c.link.setDown()
	return nil
}

// waitToken waits for a Paho v1 token while honoring ctx.
func waitToken(ctx context.Context, t paho311.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
