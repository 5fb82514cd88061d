package tasks

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/httprunner/LaunchAgent/internal/artifact"
	"github.com/httprunner/LaunchAgent/internal/console"
	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/device/devicetest"
	"github.com/httprunner/LaunchAgent/internal/installer"
)

type stubDeployer struct {
	calls []installer.DeployOptions
	skip  bool
	err   error
}

func (s *stubDeployer) Deploy(ctx context.Context, dev device.Device, info artifact.Info, opts installer.DeployOptions) (bool, error) {
	s.calls = append(s.calls, opts)
	return s.skip, s.err
}

type stubMonitor struct{ serials []string }

func (m *stubMonitor) AddDevice(serial string) { m.serials = append(m.serials, serial) }

type stubAttacher struct{ pid int }

func (a *stubAttacher) Attach(ctx context.Context, env *Env, pid int) error {
	a.pid = pid
	return nil
}

func ids(list []LaunchTask) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.ID()
	}
	return out
}

func newEnv(dev device.Device, opts Options) *Env {
	return &Env{
		Device:     dev,
		Descriptor: device.Descriptor{Serial: dev.Serial(), APILevel: 33},
		Artifact:   artifact.Info{ApplicationID: "com.a"},
		Printer:    &console.BufferPrinter{},
		Status:     console.NewStatus(),
		Options:    opts,
	}
}

func TestSequencerOrdering(t *testing.T) {
	contributor := ContributorFunc(func(env *Env) []LaunchTask {
		return []LaunchTask{&Func{Name: "LISTENER"}}
	})
	s := &Sequencer{
		Deployer:     &stubDeployer{},
		Monitor:      &stubMonitor{},
		Debugger:     &stubAttacher{},
		LogViewer:    LogcatDump{},
		Contributors: []Contributor{contributor},
	}
	dev := devicetest.NewFakeDevice("s")
	cases := []struct {
		name string
		opts Options
		want []string
	}{
		{"full", Options{Deploy: true, Launch: true, ClearAppStorage: true},
			[]string{"LISTENER", "CLEAR_APP_STORAGE", "DEPLOY", "START_MONITORING", "APP_START", "OPEN_LOG_VIEWER"}},
		{"debug", Options{Deploy: true, Launch: true, Debug: true},
			[]string{"LISTENER", "DEPLOY", "START_MONITORING", "APP_START", "CONNECT_DEBUGGER", "OPEN_LOG_VIEWER"}},
		{"deploy only", Options{Deploy: true, ClearAppStorage: true},
			[]string{"LISTENER", "CLEAR_APP_STORAGE", "DEPLOY"}},
		{"apply changes", Options{Deploy: true, Launch: true, Strategy: StrategyApplyChanges},
			[]string{"LISTENER", "APPLY_CHANGES", "START_MONITORING", "KILL_AND_RESTART", "OPEN_LOG_VIEWER"}},
		{"apply code changes", Options{Deploy: true, Launch: true, Strategy: StrategyApplyCodeChanges},
			[]string{"LISTENER", "APPLY_CODE_CHANGES", "START_MONITORING", "APP_START", "OPEN_LOG_VIEWER"}},
		{"instant", Options{Deploy: true, Launch: true, Strategy: StrategyInstant},
			[]string{"LISTENER", "INSTANT_APP_DEPLOY", "START_MONITORING", "INSTANT_APP_START", "OPEN_LOG_VIEWER"}},
		{"launch only", Options{Launch: true, ClearAppStorage: true},
			[]string{"LISTENER", "START_MONITORING", "APP_START", "OPEN_LOG_VIEWER"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			list, err := s.Tasks(newEnv(dev, tc.opts))
			if err != nil {
				t.Fatalf("tasks failed: %v", err)
			}
			if got := ids(list); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSequencerValidation(t *testing.T) {
	dev := devicetest.NewFakeDevice("s")
	if _, err := (&Sequencer{}).Tasks(newEnv(dev, Options{Deploy: true})); err == nil {
		t.Fatal("deploy without deployer must fail")
	}
	if _, err := (&Sequencer{Deployer: &stubDeployer{}}).Tasks(newEnv(dev, Options{Launch: true, Debug: true})); err == nil {
		t.Fatal("debug without attacher must fail")
	}
	if _, err := (&Sequencer{}).Tasks(newEnv(dev, Options{Launch: true, Strategy: StrategyApplyChanges})); err == nil {
		t.Fatal("swap strategy without deploy must fail")
	}
}

func TestDeployPassesOptions(t *testing.T) {
	dir := t.TempDir()
	apk := dir + "/app.apk"
	writeTestFile(t, apk)
	dev := devicetest.NewFakeDevice("s")
	deployer := &stubDeployer{skip: true}
	env := newEnv(dev, Options{SkipNoopInstall: true, ForceStop: true, UserID: -1, PmInstallFlags: []string{"-g"}})
	env.Artifact.Files = []artifact.File{{Path: apk}}

	if err := NewDeploy(deployer).Perform(context.Background(), env); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := NewApplyChanges(deployer).Perform(context.Background(), env); err != nil {
		t.Fatalf("apply changes failed: %v", err)
	}
	full, swap := deployer.calls[0], deployer.calls[1]
	if !full.SkipNoop || !full.ForceStop || full.Package != "com.a" || full.Flags[0] != "-g" {
		t.Fatalf("unexpected full options: %+v", full)
	}
	if swap.SkipNoop || !swap.DontKill {
		t.Fatalf("unexpected swap options: %+v", swap)
	}
	if !env.Printer.(*console.BufferPrinter).Contains("without requiring a re-install") {
		t.Fatal("skip message missing")
	}
}

func TestDeployMissingArtifact(t *testing.T) {
	dev := devicetest.NewFakeDevice("s")
	env := newEnv(dev, Options{})
	env.Artifact.Files = []artifact.File{{Path: t.TempDir() + "/missing.apk"}}
	deployer := &stubDeployer{}
	if err := NewDeploy(deployer).Perform(context.Background(), env); err == nil {
		t.Fatal("expected missing artifact error")
	}
	if len(deployer.calls) != 0 {
		t.Fatal("deployer must not run without artifact")
	}
}

func TestAppStartResolvesActivity(t *testing.T) {
	dev := devicetest.NewFakeDevice("s")
	dev.Respond("cmd package resolve-activity", "priority=0 preferredOrder=0\ncom.a/.MainActivity\n")
	dev.Respond("am start", "Starting: Intent { cmp=com.a/.MainActivity }\n")
	env := newEnv(dev, Options{Debug: true, UserID: -1})

	if err := (AppStart{}).Perform(context.Background(), env); err != nil {
		t.Fatalf("app start failed: %v", err)
	}
	if dev.CallsWith("am start -n com.a/.MainActivity -a android.intent.action.MAIN -c android.intent.category.LAUNCHER -D") != 1 {
		t.Fatalf("unexpected calls: %v", dev.Calls())
	}
}

func TestAppStartReportsAmError(t *testing.T) {
	dev := devicetest.NewFakeDevice("s")
	dev.Respond("am start", "Starting: Intent { cmp=com.a/.Main }\nError type 3\nError: Activity class {com.a/com.a.Main} does not exist.\n")
	env := newEnv(dev, Options{Activity: ".Main", UserID: -1})
	err := (AppStart{}).Perform(context.Background(), env)
	if err == nil || !strings.Contains(err.Error(), "Error type 3") {
		t.Fatalf("expected am error, got %v", err)
	}
}

func TestKillAndRestart(t *testing.T) {
	dev := devicetest.NewFakeDevice("s")
	env := newEnv(dev, Options{Activity: "com.a/.Main", UserID: 0})
	if err := (KillAndRestart{}).Perform(context.Background(), env); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	calls := dev.Calls()
	if len(calls) != 2 || calls[0] != "am force-stop com.a" || !strings.HasSuffix(calls[1], "--user 0") {
		t.Fatalf("unexpected calls: %v", calls)
	}
}

func TestClearAppStorage(t *testing.T) {
	dev := devicetest.NewFakeDevice("s")
	env := newEnv(dev, Options{UserID: -1})
	if err := (ClearAppStorage{}).Perform(context.Background(), env); err != nil {
		t.Fatalf("clear on missing package failed: %v", err)
	}
	if dev.CallsWith("pm clear") != 0 {
		t.Fatal("must not clear a missing package")
	}
	dev.Respond("pm path com.a", "package:/data/app/com.a/base.apk\n")
	dev.Respond("pm clear", "Success\n")
	if err := (ClearAppStorage{}).Perform(context.Background(), env); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if dev.CallsWith("pm clear com.a") != 1 {
		t.Fatal("pm clear not issued")
	}
}

func TestConnectDebuggerWaitsForPID(t *testing.T) {
	dev := devicetest.NewFakeDevice("s")
	dev.RespondSequence("pidof com.a", "", "", "4321\n")
	attacher := &stubAttacher{}
	env := newEnv(dev, Options{})
	if err := (ConnectDebugger{Attacher: attacher}).Perform(context.Background(), env); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if attacher.pid != 4321 {
		t.Fatalf("unexpected pid %d", attacher.pid)
	}
}

func TestOpenLogViewerSkipsOldDevices(t *testing.T) {
	env := newEnv(devicetest.NewFakeDevice("s"), Options{})
	env.Descriptor.APILevel = 23
	if skip, _ := (OpenLogViewer{}).Skip(env); !skip {
		t.Fatal("expected skip on API 23")
	}
	env.Descriptor.APILevel = 30
	if skip, _ := (OpenLogViewer{}).Skip(env); skip {
		t.Fatal("unexpected skip on API 30")
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != StrategyFull {
		t.Fatalf("empty strategy: %s %v", s, err)
	}
	if _, err := ParseStrategy("hotswap"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
