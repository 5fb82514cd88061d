package device

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/LaunchAgent/internal/events"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Manager 负责维护已连接设备并广播连接/断开事件。
type Manager struct {
	provider         Provider
	dispatcher       *events.Dispatcher
	offlineThreshold time.Duration
	now              func() time.Time

	mu      sync.Mutex
	devices map[string]*state
}

type state struct {
	serial   string
	lastSeen time.Time
	busy     int
	missing  bool
}

// ManagerOption 调整 Manager 行为。
type ManagerOption func(*Manager)

// WithOfflineThreshold 设备消失超过该时长后才视为断开；0 表示立即断开。
func WithOfflineThreshold(d time.Duration) ManagerOption {
	return func(m *Manager) { m.offlineThreshold = d }
}

// WithClock 替换时间源，便于测试。
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager 构建设备状态管理器。
func NewManager(provider Provider, dispatcher *events.Dispatcher, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider:   provider,
		dispatcher: dispatcher,
		now:        time.Now,
		devices:    make(map[string]*state),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Refresh 刷新设备列表并广播变化。
func (m *Manager) Refresh(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return errors.New("device manager: provider is nil")
	}
	serials, err := m.provider.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}
	now := m.now()
	seen := make(map[string]struct{}, len(serials))
	var pending []events.Event

	m.mu.Lock()
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		seen[serial] = struct{}{}
		if dev, ok := m.devices[serial]; ok {
			dev.lastSeen = now
			dev.missing = false
			continue
		}
		m.devices[serial] = &state{serial: serial, lastSeen: now}
		pending = append(pending, events.Event{Kind: events.DeviceConnected, Serial: serial, At: now})
		log.Info().Str("serial", serial).Msg("device connected")
	}

	for serial, dev := range m.devices {
		if _, ok := seen[serial]; ok {
			continue
		}
		if !dev.missing {
			dev.missing = true
			if dev.busy > 0 {
				log.Warn().Str("serial", serial).Msg("device disconnected during launch")
			}
		}
		if now.Sub(dev.lastSeen) < m.offlineThreshold {
			continue
		}
		delete(m.devices, serial)
		pending = append(pending, events.Event{Kind: events.DeviceDisconnected, Serial: serial, At: now})
		log.Info().Str("serial", serial).Msg("device disconnected")
	}
	m.mu.Unlock()

	for _, evt := range pending {
		m.dispatcher.Publish(evt)
	}
	return nil
}

// Run 周期性刷新设备直到 ctx 结束。
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if err := m.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("device manager initial refresh failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("device manager refresh failed")
			}
		}
	}
}

// Connected 返回当前已连接设备的序列号（有序）。
func (m *Manager) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]string, 0, len(m.devices))
	for serial, dev := range m.devices {
		if !dev.missing {
			result = append(result, serial)
		}
	}
	sort.Strings(result)
	return result
}

// MarkBusy 标记设备正在参与 launch。
func (m *Manager) MarkBusy(serial string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[serial]; ok {
		dev.busy++
	}
}

// Release 撤销一次 MarkBusy。
func (m *Manager) Release(serial string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.devices[serial]; ok && dev.busy > 0 {
		dev.busy--
	}
}

// Busy 返回设备是否正在参与 launch。
func (m *Manager) Busy(serial string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.devices[serial]
	return ok && dev.busy > 0
}

// Device 返回已连接设备的句柄。
func (m *Manager) Device(serial string) (Device, error) {
	return m.provider.Device(serial)
}
