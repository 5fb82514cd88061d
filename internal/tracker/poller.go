package tracker

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/events"
)

// ClientPoller publishes ClientsChanged events for the tracker's devices by
// polling `pidof`.
type ClientPoller struct {
	Tracker    *Tracker
	Provider   device.Provider
	Dispatcher *events.Dispatcher
	Interval   time.Duration

	last map[string][]int
}

// Run polls until ctx is done or the tracker terminates.
func (p *ClientPoller) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p.Poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.Tracker.Terminated():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll queries every tracked device once. The first observation of a device
// and every change afterwards are published. An empty pid list is published
// on every poll so the tracker sees it again once the grace period is over.
func (p *ClientPoller) Poll(ctx context.Context) {
	if p.last == nil {
		p.last = make(map[string][]int)
	}
	for _, serial := range p.Tracker.Devices() {
		dev, err := p.Provider.Device(serial)
		if err != nil {
			continue
		}
		out, err := dev.Shell(ctx, "pidof", p.Tracker.AppID())
		if err != nil {
			// a vanished device is reported by the device manager
			log.Debug().Err(err).Str("serial", serial).Msg("pidof failed")
			continue
		}
		pids := parsePIDs(out)
		prev, seen := p.last[serial]
		if seen && len(pids) > 0 && equalPIDs(prev, pids) {
			continue
		}
		p.last[serial] = pids
		p.Dispatcher.Publish(events.Event{
			Kind:    events.ClientsChanged,
			Serial:  serial,
			Package: p.Tracker.AppID(),
			PIDs:    pids,
		})
	}
}

func parsePIDs(out string) []int {
	var pids []int
	for _, f := range strings.Fields(out) {
		if pid, err := strconv.Atoi(f); err == nil {
			pids = append(pids, pid)
		}
	}
	sort.Ints(pids)
	return pids
}

func equalPIDs(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
