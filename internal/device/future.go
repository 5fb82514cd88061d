package device

import (
	"context"
	"sync"
	"time"
)

// State is the resolution state of a Future.
type State int

const (
	StatePending State = iota
	StateReady
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Future resolves to a live device. Ready, failed and cancelled are terminal.
type Future struct {
	name string

	mu     sync.Mutex
	state  State
	dev    Device
	desc   Descriptor
	err    error
	done   chan struct{}
	cancel func()
}

// Completed returns a future that is already ready.
func Completed(dev Device, desc Descriptor) *Future {
	f := &Future{name: dev.Serial(), done: make(chan struct{})}
	f.resolve(dev, desc)
	return f
}

func newPending(name string, cancel func()) *Future {
	return &Future{name: name, done: make(chan struct{}), cancel: cancel}
}

// Name is the serial of a connected device, or the AVD name of a booting one.
func (f *Future) Name() string { return f.name }

// State returns the current state.
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Done is closed once the future reaches a terminal state.
func (f *Future) Done() <-chan struct{} { return f.done }

// Err returns the terminal error for failed or cancelled futures.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Descriptor returns the snapshot taken at resolution time.
func (f *Future) Descriptor() Descriptor {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.desc
}

// Wait blocks for at most timeout. done is false when the future is still
// pending after the timeout; err is non-nil on failure, cancellation or when
// ctx is done.
func (f *Future) Wait(ctx context.Context, timeout time.Duration) (dev Device, done bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.dev, true, f.err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case <-timer.C:
		return nil, false, nil
	}
}

// Get blocks until the future is terminal or ctx is done.
func (f *Future) Get(ctx context.Context) (Device, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.dev, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel moves a pending future to cancelled and aborts any in-flight boot
// best effort. It has no effect on terminal futures.
func (f *Future) Cancel() {
	f.mu.Lock()
	if f.state != StatePending {
		f.mu.Unlock()
		return
	}
	f.state = StateCancelled
	f.err = &ResolutionError{Kind: ResolutionCancelled, Target: f.name}
	cancel := f.cancel
	close(f.done)
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (f *Future) resolve(dev Device, desc Descriptor) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StatePending {
		return false
	}
	f.state = StateReady
	f.dev = dev
	f.desc = desc
	close(f.done)
	return true
}

func (f *Future) fail(err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StatePending {
		return false
	}
	f.state = StateFailed
	f.err = err
	close(f.done)
	return true
}
