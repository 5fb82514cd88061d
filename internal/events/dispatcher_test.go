package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Close()

	var mu sync.Mutex
	var got []string
	d.Subscribe(func(evt Event) {
		mu.Lock()
		got = append(got, evt.Serial)
		mu.Unlock()
	})

	for _, serial := range []string{"a", "b", "c", "d"} {
		d.Publish(Event{Kind: DeviceConnected, Serial: serial})
	}
	d.Flush()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 4 || got[0] != "a" || got[3] != "d" {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestDispatcherPublishDoesNotBlockOnSlowHandler(t *testing.T) {
	d := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)

	release := make(chan struct{})
	d.Subscribe(func(evt Event) { <-release })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			d.Publish(Event{Kind: ClientsChanged, Serial: "s"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked behind a slow handler")
	}
	close(release)
	d.Close()
}

func TestDispatcherUnsubscribe(t *testing.T) {
	d := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Close()

	count := 0
	unsubscribe := d.Subscribe(func(evt Event) { count++ })
	d.Publish(Event{Kind: DeviceConnected, Serial: "x"})
	d.Flush()
	unsubscribe()
	d.Publish(Event{Kind: DeviceConnected, Serial: "y"})
	d.Flush()
	if count != 1 {
		t.Fatalf("expected 1 delivery, got %d", count)
	}
}

func TestDispatcherRecoversHandlerPanic(t *testing.T) {
	d := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Close()

	d.Subscribe(func(evt Event) { panic("boom") })
	delivered := 0
	d.Subscribe(func(evt Event) { delivered++ })
	d.Publish(Event{Kind: DeviceDisconnected, Serial: "z"})
	d.Publish(Event{Kind: DeviceDisconnected, Serial: "z"})
	d.Flush()
	if delivered != 2 {
		t.Fatalf("second subscriber should still receive events, got %d", delivered)
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	d := NewDispatcher()
	d.Start(context.Background())
	d.Close()
	d.Publish(Event{Kind: DeviceConnected, Serial: "late"})
	d.Flush()
}
