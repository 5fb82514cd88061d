package tasks

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ProcessMonitor starts tracking the application on a device.
type ProcessMonitor interface {
	AddDevice(serial string)
}

// StartMonitoring registers the device with the process monitor before the
// application starts.
type StartMonitoring struct {
	Monitor ProcessMonitor
}

func (StartMonitoring) ID() string              { return "START_MONITORING" }
func (StartMonitoring) Description() string     { return "Monitoring application process" }
func (StartMonitoring) Duration() time.Duration { return durationMonitor }

func (s StartMonitoring) Perform(ctx context.Context, env *Env) error {
	if s.Monitor != nil {
		s.Monitor.AddDevice(env.Device.Serial())
	}
	return nil
}

// WaitForPID polls `pidof` until the application has a process.
func WaitForPID(ctx context.Context, env *Env, timeout, interval time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		out, err := env.Device.Shell(ctx, "pidof", env.Package())
		if err == nil {
			if fields := strings.Fields(out); len(fields) > 0 {
				if pid, perr := strconv.Atoi(fields[0]); perr == nil {
					return pid, nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, errors.Errorf("%s did not start within %s", env.Package(), timeout)
		case <-ticker.C:
		}
	}
}

// DebuggerAttacher connects a debugger to a process.
type DebuggerAttacher interface {
	Attach(ctx context.Context, env *Env, pid int) error
}

// ConnectDebugger waits for the process started with -D and hands it to the
// attacher.
type ConnectDebugger struct {
	Attacher DebuggerAttacher
	Timeout  time.Duration
}

func (ConnectDebugger) ID() string              { return "CONNECT_DEBUGGER" }
func (ConnectDebugger) Description() string     { return "Connecting debugger" }
func (ConnectDebugger) Duration() time.Duration { return durationDebugger }

func (c ConnectDebugger) Perform(ctx context.Context, env *Env) error {
	if c.Attacher == nil {
		return errors.New("no debugger attacher configured")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	pid, err := WaitForPID(ctx, env, timeout, 200*time.Millisecond)
	if err != nil {
		return err
	}
	return c.Attacher.Attach(ctx, env, pid)
}

// JDWPForwardAttacher prints the adb forward command for an external debugger.
type JDWPForwardAttacher struct {
	LocalPort int
}

func (j JDWPForwardAttacher) Attach(ctx context.Context, env *Env, pid int) error {
	port := j.LocalPort
	if port == 0 {
		port = 8700
	}
	env.stdout("Waiting for debugger on pid %d: adb -s %s forward tcp:%d jdwp:%d", pid, env.Device.Serial(), port, pid)
	return nil
}

// LogViewer shows the application's log.
type LogViewer interface {
	Open(ctx context.Context, env *Env, pid int) error
}

// OpenLogViewer opens the log viewer for the started process.
type OpenLogViewer struct {
	Viewer  LogViewer
	Timeout time.Duration
}

func (OpenLogViewer) ID() string              { return "OPEN_LOG_VIEWER" }
func (OpenLogViewer) Description() string     { return "Opening log viewer" }
func (OpenLogViewer) Duration() time.Duration { return durationLogViewer }

// Skip: logcat --pid needs API 24.
func (OpenLogViewer) Skip(env *Env) (bool, string) {
	if env.Descriptor.APILevel > 0 && env.Descriptor.APILevel < 24 {
		return true, fmt.Sprintf("logcat --pid unsupported on API %d", env.Descriptor.APILevel)
	}
	return false, ""
}

func (o OpenLogViewer) Perform(ctx context.Context, env *Env) error {
	if o.Viewer == nil {
		return nil
	}
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pid, err := WaitForPID(ctx, env, timeout, 200*time.Millisecond)
	if err != nil {
		// the app may have exited already; nothing to show
		env.stdout("Log viewer not opened: %v", err)
		return nil
	}
	return o.Viewer.Open(ctx, env, pid)
}

// LogcatDump prints the recent log lines of the process.
type LogcatDump struct {
	Lines int
}

func (l LogcatDump) Open(ctx context.Context, env *Env, pid int) error {
	lines := l.Lines
	if lines <= 0 {
		lines = 50
	}
	out, err := env.Device.Shell(ctx, "logcat", "-d", "-t", strconv.Itoa(lines), "--pid="+strconv.Itoa(pid))
	if err != nil {
		return err
	}
	for _, line := range strings.Split(strings.TrimRight(out, "\n"), "\n") {
		if line != "" {
			env.stdout("%s", line)
		}
	}
	return nil
}
