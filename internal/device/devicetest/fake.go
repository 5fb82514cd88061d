// Package devicetest provides scripted devices for package tests.
package devicetest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/pkg/errors"
)

// ShellFunc answers one shell command line.
type ShellFunc func(cmdline string) (string, error)

// Push records one file push.
type Push struct {
	Local  string
	Remote string
}

// FakeDevice is a scripted device. Handlers are matched by the longest
// registered prefix of the joined command line.
type FakeDevice struct {
	mu       sync.Mutex
	serial   string
	online   bool
	props    map[string]string
	handlers map[string]ShellFunc
	calls    []string
	pushes   []Push
	pushErr  error
}

// NewFakeDevice returns an online device with a minimal property set.
func NewFakeDevice(serial string) *FakeDevice {
	return &FakeDevice{
		serial: serial,
		online: true,
		props: map[string]string{
			"ro.build.version.sdk":   "33",
			"ro.product.cpu.abilist": "arm64-v8a,armeabi-v7a",
			"ro.product.model":       "Pixel",
			"sys.boot_completed":     "1",
		},
		handlers: make(map[string]ShellFunc),
	}
}

func (f *FakeDevice) Serial() string { return f.serial }

// SetProp sets a system property returned by getprop.
func (f *FakeDevice) SetProp(key, val string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.props[key] = val
}

// SetOnline toggles the Online result.
func (f *FakeDevice) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

// SetPushError makes every push fail with err.
func (f *FakeDevice) SetPushError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushErr = err
}

// Handle registers fn for command lines starting with prefix.
func (f *FakeDevice) Handle(prefix string, fn ShellFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[prefix] = fn
}

// Respond registers a fixed output for command lines starting with prefix.
func (f *FakeDevice) Respond(prefix, output string) {
	f.Handle(prefix, func(string) (string, error) { return output, nil })
}

// RespondSequence returns outputs in order, repeating the last one.
func (f *FakeDevice) RespondSequence(prefix string, outputs ...string) {
	var (
		mu sync.Mutex
		i  int
	)
	f.Handle(prefix, func(string) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		out := outputs[i]
		if i < len(outputs)-1 {
			i++
		}
		return out, nil
	})
}

func (f *FakeDevice) Shell(ctx context.Context, command string, args ...string) (string, error) {
	cmdline := strings.TrimSpace(strings.Join(append([]string{command}, args...), " "))
	f.mu.Lock()
	f.calls = append(f.calls, cmdline)
	online := f.online
	var (
		best    string
		handler ShellFunc
	)
	for prefix, fn := range f.handlers {
		if strings.HasPrefix(cmdline, prefix) && len(prefix) >= len(best) {
			best, handler = prefix, fn
		}
	}
	f.mu.Unlock()
	if !online {
		return "", errors.Errorf("device '%s' not found", f.serial)
	}
	if handler != nil {
		return handler(cmdline)
	}
	if command == "getprop" {
		return f.getprop(args), nil
	}
	return "", nil
}

func (f *FakeDevice) getprop(args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(args) > 0 {
		return f.props[args[0]] + "\n"
	}
	keys := make([]string, 0, len(f.props))
	for k := range f.props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "[%s]: [%s]\n", k, f.props[k])
	}
	return b.String()
}

func (f *FakeDevice) Push(ctx context.Context, localPath, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushes = append(f.pushes, Push{Local: localPath, Remote: remotePath})
	return nil
}

func (f *FakeDevice) Online(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online, nil
}

// Calls returns every shell command line issued so far.
func (f *FakeDevice) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallsWith counts command lines starting with prefix.
func (f *FakeDevice) CallsWith(prefix string) int {
	count := 0
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			count++
		}
	}
	return count
}

// Pushes returns every recorded push.
func (f *FakeDevice) Pushes() []Push {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Push, len(f.pushes))
	copy(out, f.pushes)
	return out
}

// FakeProvider serves a mutable set of fake devices.
type FakeProvider struct {
	mu      sync.Mutex
	devices map[string]*FakeDevice
	err     error
}

// NewFakeProvider returns a provider exposing devs.
func NewFakeProvider(devs ...*FakeDevice) *FakeProvider {
	p := &FakeProvider{devices: make(map[string]*FakeDevice)}
	for _, d := range devs {
		p.devices[d.Serial()] = d
	}
	return p
}

// Add connects dev.
func (p *FakeProvider) Add(dev *FakeDevice) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices[dev.Serial()] = dev
}

// Remove disconnects serial.
func (p *FakeProvider) Remove(serial string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devices, serial)
}

// SetError makes ListDevices fail.
func (p *FakeProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *FakeProvider) ListDevices(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	out := make([]string, 0, len(p.devices))
	for serial := range p.devices {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out, nil
}

func (p *FakeProvider) Device(serial string) (device.Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dev, ok := p.devices[serial]; ok {
		return dev, nil
	}
	return nil, errors.Errorf("device %s not found", serial)
}
