package tracker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/LaunchAgent/internal/device/devicetest"
	"github.com/httprunner/LaunchAgent/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func TestTerminatesWhenAllDevicesDisconnect(t *testing.T) {
	tr := New("com.a", nil)
	tr.AddDevice("A")
	tr.AddDevice("B")

	tr.HandleEvent(events.Event{Kind: events.DeviceDisconnected, Serial: "A"})
	if tr.IsTerminated() {
		t.Fatal("B is still tracked")
	}
	if got := tr.Devices(); len(got) != 1 || got[0] != "B" {
		t.Fatalf("unexpected devices: %v", got)
	}
	tr.HandleEvent(events.Event{Kind: events.DeviceDisconnected, Serial: "B"})
	select {
	case <-tr.Terminated():
	default:
		t.Fatal("expected termination after last device left")
	}
}

func TestGracePeriodDebouncesClientLoss(t *testing.T) {
	clock := newClock()
	tr := New("com.a", nil, WithGracePeriod(5*time.Second), WithClock(clock.Now))
	tr.AddDevice("A")

	clock.Advance(2 * time.Second)
	tr.HandleEvent(events.Event{Kind: events.ClientsChanged, Serial: "A", Package: "com.a", At: clock.Now()})
	if tr.IsTerminated() || len(tr.Devices()) != 1 {
		t.Fatal("client loss within grace period must be ignored")
	}

	clock.Advance(4 * time.Second)
	tr.HandleEvent(events.Event{Kind: events.ClientsChanged, Serial: "A", Package: "com.a", At: clock.Now()})
	if !tr.IsTerminated() {
		t.Fatal("client loss after grace period must terminate")
	}
}

func TestIgnoresOtherPackagesAndDevices(t *testing.T) {
	clock := newClock()
	tr := New("com.a", nil, WithGracePeriod(time.Second), WithClock(clock.Now))
	tr.AddDevice("A")
	clock.Advance(time.Minute)

	tr.HandleEvent(events.Event{Kind: events.ClientsChanged, Serial: "A", Package: "com.b", At: clock.Now()})
	tr.HandleEvent(events.Event{Kind: events.DeviceDisconnected, Serial: "Z"})
	tr.HandleEvent(events.Event{Kind: events.ClientsChanged, Serial: "A", Package: "com.a", PIDs: []int{42}, At: clock.Now()})
	if tr.IsTerminated() {
		t.Fatal("unrelated events must not terminate")
	}
}

func TestAttachedTrackerReceivesEvents(t *testing.T) {
	d := events.NewDispatcher()
	d.Start(context.Background())
	defer d.Close()
	tr := New("com.a", nil)
	tr.Attach(d)
	tr.AddDevice("A")

	d.Publish(events.Event{Kind: events.DeviceDisconnected, Serial: "A"})
	select {
	case <-tr.Terminated():
	case <-time.After(time.Second):
		t.Fatal("tracker did not receive disconnect")
	}
	tr.Detach()
}

func TestKillForceStopsEveryDevice(t *testing.T) {
	a := devicetest.NewFakeDevice("A")
	b := devicetest.NewFakeDevice("B")
	tr := New("com.a", devicetest.NewFakeProvider(a, b))
	tr.AddDevice("A")
	tr.AddDevice("B")

	if err := tr.Kill(context.Background()); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	if a.CallsWith("am force-stop com.a") != 1 || b.CallsWith("am force-stop com.a") != 1 {
		t.Fatal("force-stop not issued on every device")
	}
	if !tr.IsTerminated() {
		t.Fatal("kill must terminate the handle")
	}
}

func TestClientPollerPublishesChanges(t *testing.T) {
	dev := devicetest.NewFakeDevice("A")
	dev.RespondSequence("pidof com.a", "1234\n", "1234\n", "")
	provider := devicetest.NewFakeProvider(dev)

	d := events.NewDispatcher()
	d.Start(context.Background())
	defer d.Close()
	var (
		mu  sync.Mutex
		got [][]int
	)
	d.Subscribe(func(evt events.Event) {
		if evt.Kind == events.ClientsChanged {
			mu.Lock()
			got = append(got, evt.PIDs)
			mu.Unlock()
		}
	})

	clock := newClock()
	tr := New("com.a", provider, WithGracePeriod(time.Second), WithClock(clock.Now))
	tr.AddDevice("A")
	poller := &ClientPoller{Tracker: tr, Provider: provider, Dispatcher: d}
	for i := 0; i < 3; i++ {
		poller.Poll(context.Background())
	}
	d.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || len(got[0]) != 1 || got[0][0] != 1234 || len(got[1]) != 0 {
		t.Fatalf("unexpected published pids: %v", got)
	}
}

func pollAndFlush(poller *ClientPoller, d *events.Dispatcher) {
	poller.Poll(context.Background())
	d.Flush()
}

func TestPollerTerminatesAfterExitWithinGracePeriod(t *testing.T) {
	dev := devicetest.NewFakeDevice("A")
	dev.RespondSequence("pidof com.a", "1234\n", "")
	provider := devicetest.NewFakeProvider(dev)
	d := events.NewDispatcher()
	d.Start(context.Background())
	defer d.Close()

	clock := newClock()
	tr := New("com.a", provider, WithGracePeriod(5*time.Second), WithClock(clock.Now))
	tr.Attach(d)
	tr.AddDevice("A")
	poller := &ClientPoller{Tracker: tr, Provider: provider, Dispatcher: d}

	pollAndFlush(poller, d)
	clock.Advance(time.Second)
	pollAndFlush(poller, d)
	if tr.IsTerminated() {
		t.Fatal("exit inside the grace period must not terminate yet")
	}
	clock.Advance(5 * time.Second)
	pollAndFlush(poller, d)
	if !tr.IsTerminated() || len(tr.Devices()) != 0 {
		t.Fatalf("expected termination after the grace period, devices=%v", tr.Devices())
	}
}

func TestPollerTerminatesWhenProcessNeverStarts(t *testing.T) {
	dev := devicetest.NewFakeDevice("A")
	dev.Respond("pidof com.a", "")
	provider := devicetest.NewFakeProvider(dev)
	d := events.NewDispatcher()
	d.Start(context.Background())
	defer d.Close()

	clock := newClock()
	tr := New("com.a", provider, WithGracePeriod(5*time.Second), WithClock(clock.Now))
	tr.Attach(d)
	tr.AddDevice("A")
	poller := &ClientPoller{Tracker: tr, Provider: provider, Dispatcher: d}

	for i := 0; i < 3; i++ {
		pollAndFlush(poller, d)
		clock.Advance(time.Second)
	}
	if tr.IsTerminated() {
		t.Fatal("terminated before the grace period elapsed")
	}
	clock.Advance(3 * time.Second)
	pollAndFlush(poller, d)
	if !tr.IsTerminated() {
		t.Fatal("an app that never started must terminate after the grace period")
	}
}
