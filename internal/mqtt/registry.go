package mqtt

import "sync"

type subscription struct {
	filter  string
	qos     byte
	handler MessageHandler
}

// registry remembers every subscription so it can be replayed after a
// reconnect and routes inbound messages to the matching handlers.
type registry struct {
	mu   sync.RWMutex
	subs []subscription
}

// add records a subscription. A second registration for the same
// filter replaces the first.
func (r *registry) add(s subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.subs {
		if r.subs[i].filter == s.filter {
			r.subs[i] = s
			return
		}
	}
	r.subs = append(r.subs, s)
}

func (r *registry) all() []subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]subscription, len(r.subs))
	copy(out, r.subs)
	return out
}

// dispatch delivers a message to every handler whose filter matches
// topic and returns how many handlers ran.
func (r *registry) dispatch(topic string, payload []byte) int {
	r.mu.RLock()
	var matched []MessageHandler
	for _, s := range r.subs {
		if Match(s.filter, topic) {
			matched = append(matched, s.handler)
		}
	}
	r.mu.RUnlock()

	for _, h := range matched {
		h(topic, payload)
	}
	return len(matched)
}
