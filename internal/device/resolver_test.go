package device_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/device/devicetest"
)

type stubBootHandle struct {
	serial string
	exited chan error
	mu     sync.Mutex
	killed bool
}

func (h *stubBootHandle) Serial() string       { return h.serial }
func (h *stubBootHandle) Exited() <-chan error { return h.exited }
func (h *stubBootHandle) Kill() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	return nil
}

func (h *stubBootHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

type stubBooter struct {
	handle *stubBootHandle
	err    error
	booted []string
}

func (b *stubBooter) Boot(ctx context.Context, avd string) (device.BootHandle, error) {
	b.booted = append(b.booted, avd)
	if b.err != nil {
		return nil, b.err
	}
	return b.handle, nil
}

func newResolver(t *testing.T, provider device.Provider, booter device.Booter, timeout time.Duration) *device.Resolver {
	t.Helper()
	r, err := device.NewResolver(device.ResolverConfig{
		Provider:     provider,
		Booter:       booter,
		BootTimeout:  timeout,
		MinProcesses: 3,
		PollInterval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func TestResolveConnectedDevicesAreReady(t *testing.T) {
	a := devicetest.NewFakeDevice("serial-a")
	b := devicetest.NewFakeDevice("serial-b")
	r := newResolver(t, devicetest.NewFakeProvider(a, b), nil, time.Second)

	futures, err := r.Resolve(context.Background(), device.Criteria{Serials: []string{"serial-b"}})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(futures) != 1 {
		t.Fatalf("expected 1 future, got %d", len(futures))
	}
	if futures[0].State() != device.StateReady {
		t.Fatalf("expected ready future, got %s", futures[0].State())
	}
	if got := futures[0].Descriptor().Serial; got != "serial-b" {
		t.Fatalf("descriptor serial mismatch: %s", got)
	}
	if got := futures[0].Descriptor().APILevel; got != 33 {
		t.Fatalf("api level mismatch: %d", got)
	}
}

func TestResolveSkipsIncompatibleDevices(t *testing.T) {
	old := devicetest.NewFakeDevice("old")
	old.SetProp("ro.build.version.sdk", "21")
	r := newResolver(t, devicetest.NewFakeProvider(old), nil, time.Second)

	_, err := r.Resolve(context.Background(), device.Criteria{Requirements: device.Requirements{MinAPI: 26}})
	var resErr *device.ResolutionError
	if !errors.As(err, &resErr) || resErr.Kind != device.ResolutionNoMatch {
		t.Fatalf("expected no-match resolution error, got %v", err)
	}
}

func TestResolveBootsAVDUntilReady(t *testing.T) {
	provider := devicetest.NewFakeProvider()
	handle := &stubBootHandle{serial: "emulator-5554", exited: make(chan error, 1)}
	booter := &stubBooter{handle: handle}
	r := newResolver(t, provider, booter, 2*time.Second)

	futures, err := r.Resolve(context.Background(), device.Criteria{AVD: "Pixel_7"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	fut := futures[0]
	if fut.State() != device.StatePending {
		t.Fatalf("expected pending future, got %s", fut.State())
	}

	emu := devicetest.NewFakeDevice("emulator-5554")
	emu.SetProp("sys.boot_completed", "0")
	emu.Respond("ps -A", "PID NAME\n1 init\n2 zygote\n")
	provider.Add(emu)

	if _, done, _ := fut.Wait(context.Background(), 50*time.Millisecond); done {
		t.Fatal("future must stay pending until boot completes")
	}

	emu.SetProp("sys.boot_completed", "1")
	if _, done, _ := fut.Wait(context.Background(), 50*time.Millisecond); done {
		t.Fatal("future must stay pending until enough processes run")
	}

	emu.Respond("ps -A", "PID NAME\n1 init\n2 zygote\n3 system_server\n4 surfaceflinger\n")
	dev, err := fut.Get(context.Background())
	if err != nil {
		t.Fatalf("boot failed: %v", err)
	}
	if dev.Serial() != "emulator-5554" {
		t.Fatalf("serial mismatch: %s", dev.Serial())
	}
	desc := fut.Descriptor()
	if !desc.Virtual || desc.AVDName != "Pixel_7" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
}

func TestResolveBootCrashFailsFuture(t *testing.T) {
	handle := &stubBootHandle{serial: "emulator-5556", exited: make(chan error, 1)}
	r := newResolver(t, devicetest.NewFakeProvider(), &stubBooter{handle: handle}, 2*time.Second)

	futures, err := r.Resolve(context.Background(), device.Criteria{AVD: "broken"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	handle.exited <- errors.New("exit status 1: qemu panic")

	_, err = futures[0].Get(context.Background())
	var resErr *device.ResolutionError
	if !errors.As(err, &resErr) || resErr.Kind != device.ResolutionBootCrash {
		t.Fatalf("expected boot crash, got %v", err)
	}
	if futures[0].State() != device.StateFailed {
		t.Fatalf("expected failed state, got %s", futures[0].State())
	}
}

func TestResolveBootTimeout(t *testing.T) {
	handle := &stubBootHandle{serial: "emulator-5558", exited: make(chan error, 1)}
	r := newResolver(t, devicetest.NewFakeProvider(), &stubBooter{handle: handle}, 30*time.Millisecond)

	futures, err := r.Resolve(context.Background(), device.Criteria{AVD: "slow"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	_, err = futures[0].Get(context.Background())
	var resErr *device.ResolutionError
	if !errors.As(err, &resErr) || resErr.Kind != device.ResolutionTimeout {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestCancelAbortsBoot(t *testing.T) {
	handle := &stubBootHandle{serial: "emulator-5560", exited: make(chan error, 1)}
	r := newResolver(t, devicetest.NewFakeProvider(), &stubBooter{handle: handle}, 2*time.Second)

	futures, err := r.Resolve(context.Background(), device.Criteria{AVD: "cancel-me"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	futures[0].Cancel()
	if futures[0].State() != device.StateCancelled {
		t.Fatalf("expected cancelled, got %s", futures[0].State())
	}
	deadline := time.Now().Add(time.Second)
	for !handle.wasKilled() {
		if time.Now().After(deadline) {
			t.Fatal("boot was not aborted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResolveNoMatchWithoutAVD(t *testing.T) {
	r := newResolver(t, devicetest.NewFakeProvider(), nil, time.Second)
	_, err := r.Resolve(context.Background(), device.Criteria{Serials: []string{"missing"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestResolveHonoursAllowlist(t *testing.T) {
	a := devicetest.NewFakeDevice("serial-a")
	b := devicetest.NewFakeDevice("serial-b")
	r, err := device.NewResolver(device.ResolverConfig{
		Provider:  devicetest.NewFakeProvider(a, b),
		Allowlist: device.ParseAllowlist(" serial-b ; serial-b,"),
	})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	futures, err := r.Resolve(context.Background(), device.Criteria{})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if len(futures) != 1 || futures[0].Descriptor().Serial != "serial-b" {
		t.Fatalf("allowlist ignored: %d futures", len(futures))
	}

	_, err = r.Resolve(context.Background(), device.Criteria{Serials: []string{"serial-a"}})
	var resErr *device.ResolutionError
	if !errors.As(err, &resErr) || resErr.Kind != device.ResolutionNoMatch {
		t.Fatalf("expected no-match for a hidden device, got %v", err)
	}
}

func TestParseAllowlist(t *testing.T) {
	got := device.ParseAllowlist("a, b|c\tb")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected allowlist: %v", got)
	}
	if device.ParseAllowlist("  ,; ") != nil {
		t.Fatal("blank allowlist should be nil")
	}
	if !device.NewAllowlist(nil).Allows("anything") {
		t.Fatal("empty allowlist must admit every device")
	}
}
