// Package launchagent deploys and launches an Android application on one or
// more devices and follows the launched process.
package launchagent

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/httprunner/LaunchAgent/internal/artifact"
	"github.com/httprunner/LaunchAgent/internal/console"
	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/tasks"
	"github.com/httprunner/LaunchAgent/internal/tracker"
)

var (
	// ErrDebugAttachUnsupported rejects debugging more than one device.
	ErrDebugAttachUnsupported = errors.New("debugger attach requires exactly one target device")
	// ErrLaunchCancelled is returned when the launch is stopped by the user.
	ErrLaunchCancelled = errors.New("launch cancelled")
)

// FailurePolicy decides what a task failure on one device does to the others.
type FailurePolicy int

const (
	// AbortSession stops the whole launch on the first task failure.
	AbortSession FailurePolicy = iota
	// IsolateDevice stops only the failing device; the others continue.
	IsolateDevice
)

// Hooks observe a session. Every hook is optional and runs on the
// orchestrator goroutine.
type Hooks struct {
	OnStart        func(s *Session)
	OnDeviceReady  func(s *Session, desc device.Descriptor)
	OnTaskProgress func(s *Session, serial, taskID string, fraction float64)
	OnComplete     func(s *Session, err error)
}

// Combine returns hooks calling h first, then other.
func (h Hooks) Combine(other Hooks) Hooks {
	return Hooks{
		OnStart: func(s *Session) {
			if h.OnStart != nil {
				h.OnStart(s)
			}
			if other.OnStart != nil {
				other.OnStart(s)
			}
		},
		OnDeviceReady: func(s *Session, desc device.Descriptor) {
			if h.OnDeviceReady != nil {
				h.OnDeviceReady(s, desc)
			}
			if other.OnDeviceReady != nil {
				other.OnDeviceReady(s, desc)
			}
		},
		OnTaskProgress: func(s *Session, serial, taskID string, fraction float64) {
			if h.OnTaskProgress != nil {
				h.OnTaskProgress(s, serial, taskID, fraction)
			}
			if other.OnTaskProgress != nil {
				other.OnTaskProgress(s, serial, taskID, fraction)
			}
		},
		OnComplete: func(s *Session, err error) {
			if h.OnComplete != nil {
				h.OnComplete(s, err)
			}
			if other.OnComplete != nil {
				other.OnComplete(s, err)
			}
		},
	}
}

// Session is one launch across its target devices. It owns its futures.
type Session struct {
	ID        string
	StartedAt time.Time
	Futures   []*device.Future
	Artifacts artifact.Provider
	Options   tasks.Options
	Tracker   *tracker.Tracker
	Status    *console.Status
	Printer   console.Printer
	Progress  console.Progress
	Hooks     Hooks
	Policy    FailurePolicy

	mu      sync.Mutex
	results map[string]error
}

// NewSession builds a session with fresh status and a random id.
func NewSession(futures []*device.Future, provider artifact.Provider, opts tasks.Options) *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
		Futures:   futures,
		Artifacts: provider,
		Options:   opts,
		Status:    console.NewStatus(),
		Printer:   console.Discard,
		Progress:  console.NopProgress{},
		results:   make(map[string]error),
	}
}

// Stop terminates the session cooperatively.
func (s *Session) Stop(reason string) {
	s.Status.Terminate(reason)
}

func (s *Session) cancelled() bool {
	if s.Status.IsTerminated() {
		return true
	}
	if s.Progress != nil && s.Progress.IsCanceled() {
		s.Status.Terminate("progress cancelled")
		return true
	}
	return false
}

func (s *Session) setResult(serial string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = make(map[string]error)
	}
	s.results[serial] = err
}

// Results maps every device the session reached to its outcome; nil means
// every task succeeded.
func (s *Session) Results() map[string]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]error, len(s.results))
	for serial, err := range s.results {
		out[serial] = err
	}
	return out
}

// Serials lists the devices the session reached, sorted.
func (s *Session) Serials() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.results))
	for serial := range s.results {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out
}
