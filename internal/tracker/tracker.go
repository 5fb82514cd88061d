// Package tracker follows one application across the devices it was
// launched on and reports when it has stopped everywhere.
package tracker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/events"
)

// DefaultGracePeriod is how long after AddDevice a vanished process is read
// as "not started yet" rather than "exited".
const DefaultGracePeriod = 5 * time.Second

type tracked struct {
	addedAt time.Time
	pids    []int
}

// Tracker is the process handle of a multi-device launch.
type Tracker struct {
	appID    string
	provider device.Provider
	grace    time.Duration
	now      func() time.Time

	mu         sync.Mutex
	devices    map[string]*tracked
	added      bool
	terminated chan struct{}
	detach     func()
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithGracePeriod overrides DefaultGracePeriod; non-positive values are ignored.
func WithGracePeriod(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.grace = d
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// New tracks appID. provider is used by Kill and may be nil.
func New(appID string, provider device.Provider, opts ...Option) *Tracker {
	t := &Tracker{
		appID:      appID,
		provider:   provider,
		grace:      DefaultGracePeriod,
		now:        time.Now,
		devices:    make(map[string]*tracked),
		terminated: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AppID returns the tracked package.
func (t *Tracker) AppID() string { return t.appID }

// AddDevice starts tracking serial; the grace period starts now.
func (t *Tracker) AddDevice(serial string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isTerminatedLocked() {
		log.Warn().Str("serial", serial).Msg("tracker already terminated, device ignored")
		return
	}
	t.devices[serial] = &tracked{addedAt: t.now()}
	t.added = true
	log.Debug().Str("serial", serial).Str("app", t.appID).Msg("tracking device")
}

// HandleEvent applies a device or client change.
func (t *Tracker) HandleEvent(evt events.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	dev, ok := t.devices[evt.Serial]
	if !ok {
		return
	}
	switch evt.Kind {
	case events.DeviceDisconnected:
		t.dropLocked(evt.Serial, "device disconnected")
	case events.ClientsChanged:
		if evt.Package != t.appID {
			return
		}
		if len(evt.PIDs) > 0 {
			dev.pids = append(dev.pids[:0], evt.PIDs...)
			return
		}
		at := evt.At
		if at.IsZero() {
			at = t.now()
		}
		if at.Sub(dev.addedAt) < t.grace {
			log.Debug().Str("serial", evt.Serial).Msg("client gone within grace period, ignored")
			return
		}
		t.dropLocked(evt.Serial, "process exited")
	}
}

func (t *Tracker) dropLocked(serial, reason string) {
	delete(t.devices, serial)
	log.Info().Str("serial", serial).Str("app", t.appID).Str("reason", reason).Msg("device no longer tracked")
	if len(t.devices) == 0 && t.added && !t.isTerminatedLocked() {
		close(t.terminated)
		log.Info().Str("app", t.appID).Msg("process terminated on every device")
	}
}

func (t *Tracker) isTerminatedLocked() bool {
	select {
	case <-t.terminated:
		return true
	default:
		return false
	}
}

// Attach subscribes the tracker to d. A second Attach replaces the first.
func (t *Tracker) Attach(d *events.Dispatcher) {
	unsubscribe := d.Subscribe(t.HandleEvent)
	t.mu.Lock()
	prev := t.detach
	t.detach = unsubscribe
	t.mu.Unlock()
	if prev != nil {
		prev()
	}
}

// Detach stops listening for events.
func (t *Tracker) Detach() {
	t.mu.Lock()
	detach := t.detach
	t.detach = nil
	t.mu.Unlock()
	if detach != nil {
		detach()
	}
}

// Terminated is closed once every tracked device has dropped out.
func (t *Tracker) Terminated() <-chan struct{} { return t.terminated }

// IsTerminated reports whether Terminated is closed.
func (t *Tracker) IsTerminated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isTerminatedLocked()
}

// Devices returns the tracked serials, sorted.
func (t *Tracker) Devices() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.devices))
	for serial := range t.devices {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out
}

// Kill force-stops the application on every tracked device and terminates
// the handle.
func (t *Tracker) Kill(ctx context.Context) error {
	serials := t.Devices()
	var g errgroup.Group
	if t.provider != nil {
		for _, serial := range serials {
			serial := serial
			g.Go(func() error {
				dev, err := t.provider.Device(serial)
				if err != nil {
					return err
				}
				_, err = dev.Shell(ctx, "am", "force-stop", t.appID)
				return err
			})
		}
	}
	err := g.Wait()
	t.mu.Lock()
	for _, serial := range serials {
		if _, ok := t.devices[serial]; ok {
			t.dropLocked(serial, "killed")
		}
	}
	t.mu.Unlock()
	return err
}
