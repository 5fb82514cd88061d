package adb

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
)

// Provider implements device.Provider using gadb.
type Provider struct {
	client gadb.Client

	mu      sync.Mutex
	handles map[string]*gadb.Device
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: client, handles: make(map[string]*gadb.Device)}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client), nil
}

// ListDevices returns the serials of online devices.
func (p *Provider) ListDevices(ctx context.Context) ([]string, error) {
	states, err := p.ListDevicesWithState(ctx)
	if err != nil {
		return nil, err
	}
	serials := make([]string, 0, len(states))
	for serial, state := range states {
		if state == string(gadb.StateOnline) {
			serials = append(serials, serial)
		}
	}
	return serials, nil
}

// ListDevicesWithState returns device serials with their raw gadb state names.
func (p *Provider) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	stateBySerial := make(map[string]string, len(devs))
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		p.handles[serial] = dev
		state, err := dev.State()
		if err != nil {
			stateBySerial[serial] = string(gadb.StateUnknown)
			continue
		}
		stateBySerial[serial] = string(state)
	}
	return stateBySerial, nil
}

// Device returns a handle for serial, refreshing the device list when the
// serial has not been seen yet.
func (p *Provider) Device(serial string) (device.Device, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	target := strings.TrimSpace(serial)
	p.mu.Lock()
	dev, ok := p.handles[target]
	p.mu.Unlock()
	if !ok {
		if _, err := p.ListDevicesWithState(context.Background()); err != nil {
			return nil, err
		}
		p.mu.Lock()
		dev, ok = p.handles[target]
		p.mu.Unlock()
	}
	if !ok || dev == nil {
		return nil, errors.Errorf("device %s not found", serial)
	}
	return &Device{dev: dev}, nil
}

// Device adapts a gadb device to device.Device.
type Device struct {
	dev *gadb.Device
}

func (d *Device) Serial() string { return d.dev.Serial() }

// Shell executes a shell command. gadb offers no per-command cancellation, so
// ctx is only checked before the command starts.
func (d *Device) Shell(ctx context.Context, command string, args ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := d.dev.RunShellCommand(command, args...)
	if err != nil {
		return out, errors.Wrapf(err, "adb -s %s shell %s", d.dev.Serial(), command)
	}
	return out, nil
}

// Push copies localPath to remotePath over the adb sync service.
func (d *Device) Push(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "open %s", localPath)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", localPath)
	}
	if err := d.dev.Push(file, remotePath, info.ModTime()); err != nil {
		return errors.Wrapf(err, "push %s to %s:%s", localPath, d.dev.Serial(), remotePath)
	}
	return nil
}

func (d *Device) Online(ctx context.Context) (bool, error) {
	state, err := d.dev.State()
	if err != nil {
		return false, errors.Wrapf(err, "query state of %s", d.dev.Serial())
	}
	return state == gadb.StateOnline, nil
}
