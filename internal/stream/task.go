// Package stream reads an incrementally delivered chat reply and hands each
// decoded fragment to the caller through a cancellable Task.
package stream

import (
	"context"
	"errors"
	"sync"
)

// Handlers receives the output of a Task. OnDone and OnError are mutually
// exclusive and exactly one of them is called per Task.
type Handlers struct {
	OnFragment func(fragment string)
	OnDone     func()
	OnError    func(err error)
}

// Producer generates fragments until the source is exhausted. emit returns
// false once the task no longer accepts fragments; producers should stop then.
type Producer func(ctx context.Context, emit func(fragment string) bool) error

// Task is a running Producer with a cancellation handle.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	h      Handlers

	// beforeDeliver runs between the producer returning and the terminal
	// callback. Tests use it to land a Cancel in that gap.
	beforeDeliver func()

	mu        sync.Mutex
	cancelled bool
	finished  bool
	delivered bool
	err       error
}

// Go starts produce in its own goroutine and returns its handle.
//
// Cancelling the task, or the parent context, is a clean stop: the task ends
// with OnDone and no fragment or error is delivered after Cancel returns.
func Go(ctx context.Context, produce Producer, h Handlers) *Task {
	return start(ctx, produce, h, nil)
}

func start(ctx context.Context, produce Producer, h Handlers, beforeDeliver func()) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cancel:        cancel,
		done:          make(chan struct{}),
		h:             h,
		beforeDeliver: beforeDeliver,
	}
	go t.run(ctx, produce)
	return t
}

func (t *Task) run(ctx context.Context, produce Producer) {
	defer close(t.done)
	defer t.cancel()

	err := produce(ctx, func(fragment string) bool {
		return t.emit(ctx, fragment)
	})
	t.finish(ctx, err)
}

func (t *Task) emit(ctx context.Context, fragment string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled || t.finished || ctx.Err() != nil {
		return false
	}
	if fragment != "" && t.h.OnFragment != nil {
		t.h.OnFragment(fragment)
	}
	return true
}

func (t *Task) finish(ctx context.Context, err error) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	stopped := t.cancelled || ctx.Err() != nil
	if err != nil && !stopped {
		t.err = err
	}
	t.mu.Unlock()

	if t.beforeDeliver != nil {
		t.beforeDeliver()
	}
	if failed := t.commit(); failed != nil {
		if t.h.OnError != nil {
			t.h.OnError(failed)
		}
		return
	}
	if t.h.OnDone != nil {
		t.h.OnDone()
	}
}

// commit fixes the terminal outcome. A Cancel that lands before it turns a
// pending failure into a clean stop.
func (t *Task) commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		t.err = nil
	}
	t.delivered = true
	return t.err
}

// Cancel requests a stop. It does not wait for the producer to return; use
// Done for that. Calling Cancel more than once is harmless.
func (t *Task) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	if !t.delivered {
		t.err = nil
	}
	t.mu.Unlock()
	t.cancel()
}

// Done is closed once the terminal callback has returned.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err reports the failure delivered to OnError, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancelled reports whether Cancel was called.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// ErrNoBody is returned when the server answers without a response body.
var ErrNoBody = errors.New("stream: response has no body")
