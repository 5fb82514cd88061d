package emulator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	firstConsolePort = 5554
	lastConsolePort  = 5680
)

// Launcher boots AVDs with the SDK emulator binary.
type Launcher struct {
	EmulatorPath string
	ExtraArgs    []string
	// ADBPath is used for `adb emu kill`; empty falls back to killing the process.
	ADBPath string

	portFree func(port int) bool
}

// NewLauncher returns a launcher for the given emulator binary.
func NewLauncher(emulatorPath string, extraArgs ...string) *Launcher {
	if strings.TrimSpace(emulatorPath) == "" {
		emulatorPath = "emulator"
	}
	return &Launcher{EmulatorPath: emulatorPath, ExtraArgs: extraArgs, portFree: isPortFree}
}

// Boot starts avdName on the first free even console port. The emulator
// process is not tied to ctx: a successful boot outlives the launch.
func (l *Launcher) Boot(ctx context.Context, avdName string) (device.BootHandle, error) {
	avdName = strings.TrimSpace(avdName)
	if avdName == "" {
		return nil, errors.New("emulator: empty AVD name")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := l.freePort()
	if err != nil {
		return nil, err
	}
	args := append([]string{
		"-avd", avdName,
		"-port", fmt.Sprint(port),
		"-no-boot-anim",
	}, l.ExtraArgs...)
	cmd := exec.Command(l.EmulatorPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "emulator stdout pipe")
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start emulator %s", avdName)
	}
	handle := &Handle{
		serial: fmt.Sprintf("emulator-%d", port),
		avd:    avdName,
		cmd:    cmd,
		adb:    l.ADBPath,
		exited: make(chan error, 1),
	}
	pumped := make(chan struct{})
	go func() {
		defer close(pumped)
		handle.pump(stdout)
	}()
	go handle.wait(pumped)
	log.Info().
		Str("avd", avdName).
		Int("port", port).
		Int("pid", cmd.Process.Pid).
		Msg("emulator started")
	return handle, nil
}

func (l *Launcher) freePort() (int, error) {
	free := l.portFree
	if free == nil {
		free = isPortFree
	}
	for port := firstConsolePort; port <= lastConsolePort; port += 2 {
		// the emulator uses the console port and port+1 for adb
		if free(port) && free(port+1) {
			return port, nil
		}
	}
	return 0, errors.Errorf("no free emulator port in %d-%d", firstConsolePort, lastConsolePort)
}

func isPortFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// Handle is a running emulator process.
type Handle struct {
	serial string
	avd    string
	cmd    *exec.Cmd
	adb    string

	mu       sync.Mutex
	lastLine string
	exited   chan error
}

func (h *Handle) Serial() string       { return h.serial }
func (h *Handle) Exited() <-chan error { return h.exited }

// Kill asks the emulator to shut down, then kills the process.
func (h *Handle) Kill() error {
	if h.adb != "" {
		_ = exec.Command(h.adb, "-s", h.serial, "emu", "kill").Run()
	}
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "kill emulator %s", h.avd)
	}
	return nil
}

func (h *Handle) pump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		h.mu.Lock()
		h.lastLine = line
		h.mu.Unlock()
		log.Debug().Str("avd", h.avd).Str("serial", h.serial).Msg(line)
	}
}

// wait reaps the process once its output is drained; Wait closes the pipe.
func (h *Handle) wait(pumped <-chan struct{}) {
	<-pumped
	err := h.cmd.Wait()
	h.mu.Lock()
	last := h.lastLine
	h.mu.Unlock()
	reason := "emulator process exited"
	if err != nil {
		reason = err.Error()
	}
	if last != "" {
		reason = reason + ": " + last
	}
	h.exited <- errors.New(reason)
	close(h.exited)
}

// List returns the AVD names found in avdHome.
func List(avdHome string) ([]string, error) {
	entries, err := os.ReadDir(avdHome)
	if err != nil {
		return nil, errors.Wrapf(err, "read avd home %s", avdHome)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".avd") {
			names = append(names, strings.TrimSuffix(e.Name(), ".avd"))
		}
	}
	sort.Strings(names)
	return names, nil
}
