// Package async provides the single-resolution completion token returned by
// asynchronous kernel launches.
//
// An Event starts unresolved and is resolved exactly once, either to success
// or to an error. Any number of goroutines may wait on it, poll it or attach
// callbacks; none of them can re-trigger the work it represents.
package async

import (
	"context"
	"sync"

	"github.com/gomlx/exceptions"
)

// Event is a completion token.
type Event struct {
	mu        sync.Mutex
	done      chan struct{}
	resolved  bool
	err       error
	callbacks []func(error)
}

// NewEvent returns an unresolved event.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

var (
	okOnce  sync.Once
	okEvent *Event
)

// OkEvent returns the process-wide event that is already resolved to success.
// It is shared by every launch that completes inline.
func OkEvent() *Event {
	okOnce.Do(func() {
		okEvent = NewEvent()
		okEvent.SetAvailable()
	})
	return okEvent
}

// ErrorEvent returns an event already resolved to err.
func ErrorEvent(err error) *Event {
	e := NewEvent()
	e.SetError(err)
	return e
}

// SetAvailable resolves the event to success.
func (e *Event) SetAvailable() { e.resolve(nil) }

// SetError resolves the event to err. A nil err is a programming error.
func (e *Event) SetError(err error) {
	if err == nil {
		exceptions.Panicf("async: SetError called with a nil error")
	}
	e.resolve(err)
}

func (e *Event) resolve(err error) {
	e.mu.Lock()
	if e.resolved {
		e.mu.Unlock()
		exceptions.Panicf("async: event resolved twice (previous error: %v, new error: %v)", e.err, err)
	}
	e.resolved = true
	e.err = err
	callbacks := e.callbacks
	e.callbacks = nil
	close(e.done)
	e.mu.Unlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// Done returns a channel closed once the event is resolved.
func (e *Event) Done() <-chan struct{} { return e.done }

// IsAvailable reports whether the event has been resolved, with or without error.
func (e *Event) IsAvailable() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// IsError reports whether the event has been resolved to an error.
func (e *Event) IsError() bool {
	return e.IsAvailable() && e.Err() != nil
}

// IsConcrete reports whether the event has been resolved to success.
func (e *Event) IsConcrete() bool {
	return e.IsAvailable() && e.Err() == nil
}

// Err returns the error the event resolved to. It returns nil while the event
// is unresolved.
func (e *Event) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Wait blocks until the event resolves and returns its error.
func (e *Event) Wait() error {
	<-e.done
	return e.Err()
}

// Await is Wait bounded by ctx. Cancelling ctx stops the wait, not the work.
func (e *Event) Await(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AndThen calls fn with the event's error once it resolves. If the event is
// already resolved fn runs immediately on the calling goroutine; otherwise it
// runs on the goroutine that resolves the event.
func (e *Event) AndThen(fn func(error)) {
	e.mu.Lock()
	if !e.resolved {
		e.callbacks = append(e.callbacks, fn)
		e.mu.Unlock()
		return
	}
	err := e.err
	e.mu.Unlock()
	fn(err)
}
