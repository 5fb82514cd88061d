package events

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Kind identifies what changed.
type Kind string

const (
	DeviceConnected    Kind = "device_connected"
	DeviceDisconnected Kind = "device_disconnected"
	ClientsChanged     Kind = "clients_changed"
)

// Event is a single device or client change notification.
type Event struct {
	Kind    Kind
	Serial  string
	Package string
	// PIDs holds the live process ids of Package on Serial for ClientsChanged.
	PIDs []int
	At   time.Time
}

// Handler consumes events on the dispatch goroutine. Handlers must not block;
// any device I/O they trigger belongs on a separate goroutine.
type Handler func(Event)

// Dispatcher broadcasts events to subscribers in publish order from a single
// goroutine. Publish never blocks the producer.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []Event
	subs    map[int]Handler
	nextID  int
	wake    chan struct{}
	idle    *sync.Cond
	running bool
	busy    bool
	closed  bool
	done    chan struct{}
}

// NewDispatcher builds an idle dispatcher; call Start to begin delivery.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		subs: make(map[int]Handler),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// Subscribe registers h and returns a function removing it.
func (d *Dispatcher) Subscribe(h Handler) (unsubscribe func()) {
	if d == nil || h == nil {
		return func() {}
	}
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Publish enqueues evt. Events published after Close are dropped.
func (d *Dispatcher) Publish(evt Event) {
	if d == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, evt)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start launches the dispatch goroutine. It stops when ctx is cancelled or
// Close is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.running || d.closed {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.mu.Unlock()
	go d.loop(ctx)
}

// Close drains already queued events and stops the dispatch goroutine.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	running := d.running
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
	if running {
		<-d.done
	}
}

// Flush blocks until every event published so far has been delivered.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.running && (len(d.queue) > 0 || d.busy) {
		d.idle.Wait()
	}
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer func() {
		d.mu.Lock()
		d.running = false
		d.queue = nil
		d.idle.Broadcast()
		d.mu.Unlock()
		close(d.done)
	}()
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.idle.Broadcast()
			d.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-d.wake:
			}
			continue
		}
		evt := d.queue[0]
		d.queue[0] = Event{}
		d.queue = d.queue[1:]
		handlers := make([]Handler, 0, len(d.subs))
		for id := 0; id < d.nextID; id++ {
			if h, ok := d.subs[id]; ok {
				handlers = append(handlers, h)
			}
		}
		d.busy = true
		d.mu.Unlock()

		for _, h := range handlers {
			deliver(h, evt)
		}

		d.mu.Lock()
		d.busy = false
		d.mu.Unlock()
	}
}

// deliver isolates subscriber panics so one faulty listener cannot stop the
// broadcast for the others.
func deliver(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			_, _ = fmt.Fprintf(os.Stderr, "WARN: event handler panicked: %v\n%s\n", r, debug.Stack())
			log.Error().Str("kind", string(evt.Kind)).Str("serial", evt.Serial).Msg("event handler panicked")
		}
	}()
	h(evt)
}
