package mqtt

import (
	"context"
	"sync"
)

// linkState tracks whether the broker connection is up and lets
// callers wait for the next time it is.
type linkState struct {
	mu sync.Mutex
	up bool
	// ready is closed while the link is up and replaced with a fresh
	// channel when it goes down.
	ready chan struct{}
}

func newLinkState() *linkState {
	return &linkState{ready: make(chan struct{})}
}

func (l *linkState) setUp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.up {
		l.up = true
		close(l.ready)
	}
}

func (l *linkState) setDown() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.up {
		l.up = false
		l.ready = make(chan struct{})
	}
}

func (l *linkState) isUp() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

func (l *linkState) wait(ctx context.Context) error {
	l.mu.Lock()
	ready := l.ready
	l.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
