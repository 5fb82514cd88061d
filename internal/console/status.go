package console

import "sync"

// Status is the cooperative cancellation token shared by a launch.
type Status struct {
	mu     sync.Mutex
	reason string
	done   chan struct{}
}

// NewStatus returns a live status token.
func NewStatus() *Status {
	return &Status{done: make(chan struct{})}
}

// IsTerminated reports whether Terminate was called.
func (s *Status) IsTerminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Terminate marks the launch as stopped. Only the first reason is kept.
func (s *Status) Terminate(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	s.reason = reason
	close(s.done)
}

// Reason returns the termination reason, empty while running.
func (s *Status) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Done is closed on termination.
func (s *Status) Done() <-chan struct{} { return s.done }
