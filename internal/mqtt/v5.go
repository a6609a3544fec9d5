package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/homesim/internal/config"
)

// v5Conn is a [Conn] speaking MQTT 5 through autopaho's connection
// manager.
type v5Conn struct {
	cm         *autopaho.ConnectionManager
	ctx        context.Context
	availTopic string
	link       *linkState
	subs       registry
	logger     *slog.Logger
	inbox      *inbox
}

func dialV5(ctx context.Context, cfg config.BrokerConfig, brokerURL *url.URL, opts Options) (*v5Conn, error) {
	c := &v5Conn{
		ctx:        ctx,
		availTopic: opts.AvailabilityTopic,
		link:       newLinkState(),
		logger:     opts.Logger,
		inbox:      newInbox(opts.Logger),
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(cfg.KeepAliveSec),
		CleanStartOnInitialConnection: cfg.CleanSession,
		ConnectTimeout:                connectTimeout(cfg),
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		TlsCfg:                        tlsConfigFor(brokerURL),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.link.setUp()
			c.logger.Info("mqtt connected to broker", "protocol", config.ProtocolV5)
			// Publishing from inside the callback would hold up
			// autopaho's connection goroutine.
			go c.onConnectionUp(cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: opts.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.inbox.enqueue(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
			OnClientError: func(err error) {
				c.link.setDown()
				c.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.link.setDown()
				c.logger.Warn("mqtt server requested disconnect", "reason_code", d.ReasonCode)
			},
		},
	}

	if c.availTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   c.availTopic,
			Payload: []byte(StatusOffline),
			QoS:     1,
			Retain:  true,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm
	go c.inbox.deliver(ctx, &c.subs)
	return c, nil
}

func (c *v5Conn) onConnectionUp(cm *autopaho.ConnectionManager) {
	if c.availTopic != "" {
		if _, err := cm.Publish(c.ctx, &paho.Publish{
			Topic:   c.availTopic,
			Payload: []byte(StatusOnline),
			QoS:     1,
			Retain:  true,
		}); err != nil {
			c.logger.Warn("mqtt availability publish failed", "status", StatusOnline, "error", err)
		}
	}

	subs := c.subs.all()
	if len(subs) == 0 {
		return
	}
	if _, err := cm.Subscribe(c.ctx, subscribePacket(subs)); err != nil {
		c.logger.Warn("mqtt resubscribe failed", "filters", len(subs), "error", err)
		return
	}
	c.logger.Debug("mqtt subscriptions restored", "filters", len(subs))
}

func subscribePacket(subs []subscription) *paho.Subscribe {
	opts := make([]paho.SubscribeOptions, 0, len(subs))
	for _, s := range subs {
		opts = append(opts, paho.SubscribeOptions{Topic: s.filter, QoS: s.qos})
	}
	return &paho.Subscribe{Subscriptions: opts}
}

func (c *v5Conn) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	if _, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *v5Conn) Subscribe(ctx context.Context, filter string, qos byte, h MessageHandler) error {
	s := subscription{filter: filter, qos: qos, handler: h}
	c.subs.add(s)
	if !c.link.isUp() {
		c.logger.Debug("mqtt subscription deferred until connected", "filter", filter)
		return nil
	}
	if _, err := c.cm.Subscribe(ctx, subscribePacket([]subscription{s})); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	c.logger.Info("mqtt subscribed", "filter", filter, "qos", qos)
	return nil
}

func (c *v5Conn) AwaitConnection(ctx context.Context) error {
	return c.cm.AwaitConnection(ctx)
}

func (c *v5Conn) Close(ctx context.Context) error {
	if c.availTopic != "" {
		if _, err := c.cm.Publish(ctx, &paho.Publish{
			Topic:   c.availTopic,
			Payload: []byte(StatusOffline),
			QoS:     1,
			Retain:  true,
		}); err != nil {
			c.logger.Warn("mqtt availability publish failed", "status", StatusOffline, "error", err)
		}
	}
	c.link.setDown()
	return c.cm.Disconnect(ctx)
}
