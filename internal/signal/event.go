// Package signal provides a reusable level-triggered broadcast signal,
// modelled on asyncio.Event in original_source/iot/client.py and
// original_source/server.py (self._evok, self._evfail, self._client_up):
// Set() makes every current and future Wait() call return immediately
// until Clear() is called. Shared by the client engine and the server
// connection manager, both of which use exactly this "Active"/"client up"
// signalling shape.
package signal

import (
	"context"
	"sync"
)

// Event is a level-triggered signal. The zero value is not ready to use;
// construct with New.
type Event struct {
	mu sync.Mutex
	ch chan struct{}
	on bool
}

// New returns a cleared Event.
func New() *Event {
	return &Event{ch: make(chan struct{})}
}

// Set makes the event signalled. Idempotent.
func (e *Event) Set() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.on {
		e.on = true
		close(e.ch)
	}
}

// Clear un-signals the event. Idempotent.
func (e *Event) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.on {
		e.on = false
		e.ch = make(chan struct{})
	}
}

// IsSet reports the current state.
func (e *Event) IsSet() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.on
}

// Wait pauses until Set() has been called (possibly already has), or ctx is
// done.
func (e *Event) Wait(ctx context.Context) error {
	e.mu.Lock()
	ch := e.ch
	on := e.on
	e.mu.Unlock()
	if on {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
