package mqtt

import (
	"context"
	"log/slog"
)

// inboxSize bounds how many received messages may wait for the
// delivery goroutine before new ones are dropped.
const inboxSize = 256

type inboundMessage struct {
	topic   string
	payload []byte
}

// inbox decouples delivery from the client library's read loop. The
// library only enqueues; a single goroutine dispatches in arrival
// order, so handlers may publish (and wait for acks) without
// deadlocking the client and without reordering messages.
type inbox struct {
	ch     chan inboundMessage
	logger *slog.Logger
}

func newInbox(logger *slog.Logger) *inbox {
	return &inbox{
		ch:     make(chan inboundMessage, inboxSize),
		logger: logger,
	}
}

func (q *inbox) enqueue(topic string, payload []byte) {
	select {
	case q.ch <- inboundMessage{topic: topic, payload: payload}:
	default:
		q.logger.Warn("mqtt inbound queue full, dropping message", "topic", topic)
	}
}

// deliver hands queued messages to the handlers registered in subs
// until ctx is cancelled.
func (q *inbox) deliver(ctx context.Context, subs *registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-q.ch:
			subs.dispatch(m.topic, m.payload)
		}
	}
}
