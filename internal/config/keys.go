package config

import (
	"os"
	"path/filepath"
	"time"
)

// 环境变量名称。
const (
	EnvPollInterval       = "LAUNCH_POLL_INTERVAL"
	EnvBootTimeout        = "DEVICE_BOOT_TIMEOUT"
	EnvMinProcesses       = "DEVICE_MIN_PROCESSES"
	EnvRefreshInterval    = "DEVICE_REFRESH_INTERVAL"
	EnvBusyBackoff        = "INSTALL_BUSY_BACKOFF"
	EnvGracePeriod        = "PROCESS_GRACE_PERIOD"
	EnvCacheDBPath        = "INSTALL_CACHE_DB_PATH"
	EnvCacheDisableSQLite = "INSTALL_CACHE_DISABLE_SQLITE"
	EnvAndroidHome        = "ANDROID_HOME"
	EnvAndroidSDKRoot     = "ANDROID_SDK_ROOT"
	EnvEmulatorPath       = "EMULATOR_PATH"
	EnvAVDHome            = "ANDROID_AVD_HOME"
	EnvDeviceAllowlist    = "DEVICE_ALLOWLIST"
)

// 默认值。
const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultBootTimeout     = 5 * time.Minute
	DefaultMinProcesses    = 25
	DefaultRefreshInterval = 2 * time.Second
	DefaultBusyBackoff     = time.Second
	DefaultGracePeriod     = 5 * time.Second
)

// Settings 汇总 launch 流程使用的运行参数。
type Settings struct {
	PollInterval    time.Duration
	BootTimeout     time.Duration
	MinProcesses    int
	RefreshInterval time.Duration
	BusyBackoff     time.Duration
	GracePeriod     time.Duration
	CacheDBPath     string
	DisableSQLite   bool
	EmulatorPath    string
	AVDHome         string
	DeviceAllowlist string
}

// Load 从环境变量读取 Settings，缺省时使用默认值。
func Load() Settings {
	return Settings{
		PollInterval:    positiveDuration(Duration(EnvPollInterval, DefaultPollInterval), DefaultPollInterval),
		BootTimeout:     positiveDuration(Duration(EnvBootTimeout, DefaultBootTimeout), DefaultBootTimeout),
		MinProcesses:    Int(EnvMinProcesses, DefaultMinProcesses),
		RefreshInterval: positiveDuration(Duration(EnvRefreshInterval, DefaultRefreshInterval), DefaultRefreshInterval),
		BusyBackoff:     positiveDuration(Duration(EnvBusyBackoff, DefaultBusyBackoff), DefaultBusyBackoff),
		GracePeriod:     positiveDuration(Duration(EnvGracePeriod, DefaultGracePeriod), DefaultGracePeriod),
		CacheDBPath:     String(EnvCacheDBPath, ""),
		DisableSQLite:   Bool(EnvCacheDisableSQLite, false),
		EmulatorPath:    resolveEmulatorPath(),
		AVDHome:         resolveAVDHome(),
		DeviceAllowlist: String(EnvDeviceAllowlist, ""),
	}
}

func positiveDuration(val, fallback time.Duration) time.Duration {
	if val <= 0 {
		return fallback
	}
	return val
}

func resolveEmulatorPath() string {
	if explicit := String(EnvEmulatorPath, ""); explicit != "" {
		return explicit
	}
	sdk := String(EnvAndroidHome, String(EnvAndroidSDKRoot, ""))
	if sdk == "" {
		return "emulator"
	}
	return filepath.Join(sdk, "emulator", "emulator")
}

func resolveAVDHome() string {
	if dir := String(EnvAVDHome, ""); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".android", "avd")
}
