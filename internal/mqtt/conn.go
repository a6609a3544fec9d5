package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/homesim/internal/config"
)

// Availability payloads published to each client's availability topic.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// MessageHandler is called for each MQTT message received on a
// subscribed topic. Handlers of one connection run on a single
// delivery goroutine in arrival order and must return quickly.
type MessageHandler func(topic string, payload []byte)

// Conn is a broker connection that survives reconnects. Subscriptions
// registered through Subscribe are restored after every reconnect.
type Conn interface {
	// Publish sends payload to topic and waits for the library to hand
	// it off (QoS 0) or for the broker to acknowledge it (QoS 1 and 2).
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error

	// Subscribe registers h for messages matching filter. If the client
	// is currently connected the subscription is sent immediately;
	// otherwise it is sent on the next connect.
	Subscribe(ctx context.Context, filter string, qos byte, h MessageHandler) error

	// AwaitConnection blocks until the broker connection is up or ctx
	// expires.
	AwaitConnection(ctx context.Context) error

	// Close publishes "offline" to the availability topic and
	// disconnects. The context bounds how long both steps may take.
	Close(ctx context.Context) error
}

// Options carries the per-process identity used by [Dial].
type Options struct {
	// ClientID must be unique per broker; see [ClientID].
	ClientID string
	// AvailabilityTopic receives retained online/offline status.
	AvailabilityTopic string
	Logger            *slog.Logger
}

// Dial creates a connection for cfg.Protocol and starts connecting in
// the background. It does not wait for the connection; call
// [Conn.AwaitConnection] for that.
func Dial(ctx context.Context, cfg config.BrokerConfig, opts Options) (Conn, error) {
	brokerURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if brokerURL.Host == "" {
		return nil, fmt.Errorf("parse mqtt broker URL: missing host in %q", cfg.URL)
	}
	if opts.ClientID == "" {
		return nil, fmt.Errorf("mqtt client id must not be empty")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.Logger = opts.Logger.With("client_id", opts.ClientID)

	switch cfg.Protocol {
	case config.ProtocolV5:
		return dialV5(ctx, cfg, brokerURL, opts)
	case config.ProtocolV311, "":
		return dialV311(ctx, cfg, brokerURL, opts)
	default:
		return nil, fmt.Errorf("unsupported mqtt protocol %q", cfg.Protocol)
	}
}

// tlsConfigFor returns a TLS config for mqtts:// or ssl:// URLs and
// nil for plain TCP.
func tlsConfigFor(u *url.URL) *tls.Config {
	switch u.Scheme {
	case "mqtts", "ssl", "tls":
		return &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}
	return nil
}

func connectTimeout(cfg config.BrokerConfig) time.Duration {
	if cfg.ConnectTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(cfg.ConnectTimeoutSec) * time.Second
}

// ClientID builds a client identifier of the form prefix-role-xxxxxxxx,
// where the suffix is the first eight characters of the persistent
// instance ID. Each role gets its own ID so roles running as separate
// processes against the same broker do not take over each other's
// sessions.
func ClientID(prefix, role, instanceID string) string {
	id := prefix + "-" + role
	instanceID = strings.ReplaceAll(instanceID, "-", "")
	if len(instanceID) > 8 {
		instanceID = instanceID[:8]
	}
	if instanceID != "" {
		id += "-" + instanceID
	}
	return id
}

// AvailabilityTopic returns the retained status topic for a client.
func AvailabilityTopic(prefix, clientID string) string {
	return prefix + "/" + clientID + "/availability"
}

// Match reports whether topic matches the subscription filter using
// MQTT wildcard rules: "+" matches exactly one level and a trailing "#"
// matches any number of levels, including none. Topics starting with
// "$" are never matched by a leading wildcard.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, "+") || strings.HasPrefix(filter, "#")) {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}
