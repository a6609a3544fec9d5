package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nugget/homesim/internal/config"
)

// TraceHandler wraps h so every inbound message is logged at
// [config.LevelTrace] before delivery. Printable payloads are logged
// verbatim; the simulation's payloads are short plain text.
func TraceHandler(logger *slog.Logger, h MessageHandler) MessageHandler {
	return func(topic string, payload []byte) {
		if logger.Enabled(context.Background(), config.LevelTrace) {
			logger.Log(context.Background(), config.LevelTrace, "mqtt message received",
				"topic", topic,
				"payload_size", len(payload),
				"payload", printable(payload),
			)
		}
		h(topic, payload)
	}
}

// printable returns payload as a string, or a placeholder when it
// holds control bytes that would mangle a log line.
func printable(payload []byte) string {
	const maxLen = 256
	if len(payload) > maxLen {
		payload = payload[:maxLen]
	}
	for _, b := range payload {
		if b < 0x20 && b != '\t' {
			return "(binary)"
		}
	}
	return string(payload)
}

// RateLimiter tracks inbound message rates and drops messages when the
// rate exceeds the configured threshold. It uses atomic counters for
// lock-free operation on the MQTT callback path.
type RateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// NewRateLimiter creates a rate limiter that allows limit messages per
// interval. Exceeding the limit causes messages to be dropped until
// the next interval reset. A limit of zero or less disables limiting.
func NewRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// Start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter
// and logs a warning if any messages were dropped.
func (r *RateLimiter) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// Allow increments the message counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false.
func (r *RateLimiter) Allow() bool {
	n := r.count.Add(1)
	if r.limit <= 0 || n <= r.limit {
		return true
	}
	r.dropped.Add(1)
	return false
}

// Wrap returns a handler that forwards to h only while the limiter
// allows it. A nil limiter returns h unchanged.
func (r *RateLimiter) Wrap(h MessageHandler) MessageHandler {
	if r == nil {
		return h
	}
	return func(topic string, payload []byte) {
		if r.Allow() {
			h(topic, payload)
		}
	}
}
