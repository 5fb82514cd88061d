package launchagent

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

var (
	hostIDOnce sync.Once
	hostID     string
)

// HostID returns a best-effort stable identifier of this machine, used to
// tag lifecycle events. It falls back to the hostname.
func HostID() string {
	hostIDOnce.Do(func() {
		hostID = readHostUUID()
		if hostID == "" {
			hostID, _ = os.Hostname()
		}
	})
	return hostID
}

// readHostUUID uses system_profiler on macOS and machine-id or the DMI
// product uuid on Linux.
func readHostUUID() string {
	switch runtime.GOOS {
	case "darwin":
		cmd := exec.CommandContext(context.Background(), "bash", "-c", "system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'")
		out, err := cmd.Output()
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(out))
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/sys/class/dmi/id/product_uuid"} {
			if data, err := os.ReadFile(path); err == nil {
				if id := strings.TrimSpace(string(data)); id != "" {
					return id
				}
			}
		}
	}
	return ""
}
