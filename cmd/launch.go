package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	launchagent "github.com/httprunner/LaunchAgent"
	"github.com/httprunner/LaunchAgent/internal/artifact"
	"github.com/httprunner/LaunchAgent/internal/config"
	"github.com/httprunner/LaunchAgent/internal/console"
	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/emulator"
	"github.com/httprunner/LaunchAgent/internal/installer"
	"github.com/httprunner/LaunchAgent/internal/providers/adb"
	"github.com/httprunner/LaunchAgent/internal/tasks"
	"github.com/httprunner/LaunchAgent/internal/wsbridge"
)

type launchFlags struct {
	serials         []string
	avd             string
	apks            []string
	outputMetadata  string
	app             string
	activity        string
	strategy        string
	noDeploy        bool
	noLaunch        bool
	clearData       bool
	skipNoop        bool
	forceStop       bool
	debug           bool
	jdwpPort        int
	uninstallPolicy string
	userID          int
	pmFlags         []string
	instantURL      string
	minAPI          int
	abis            []string
	features        []string
	logcatLines     int
	eventsAddr      string
	wait            bool
	isolate         bool
}

func newLaunchCmd() *cobra.Command {
	var f launchFlags
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Install and start an app on the target devices",
		Long: "Resolves the target devices (booting an AVD when none is connected), installs the APKs unless " +
			"the install cache proves the device is current, starts the app and optionally waits until it exits everywhere.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLaunch(cmd.Context(), f)
		},
	}
	fs := cmd.Flags()
	fs.StringSliceVarP(&f.serials, "serial", "s", nil, "target device serial (repeatable)")
	fs.StringVar(&f.avd, "avd", "", "AVD to boot when no matching device is connected")
	fs.StringSliceVar(&f.apks, "apk", nil, "APK to install, in install order (repeatable)")
	fs.StringVar(&f.outputMetadata, "output-metadata", "", "AGP output-metadata.json; picks the ABI split per device")
	fs.StringVar(&f.app, "app", "", "application id (defaults to the artifact's)")
	fs.StringVar(&f.activity, "activity", "", "activity to start (defaults to the launcher activity)")
	fs.StringVar(&f.strategy, "strategy", string(tasks.StrategyFull), "deploy strategy: full|apply-changes|apply-code-changes|instant")
	fs.BoolVar(&f.noDeploy, "no-deploy", false, "start the installed app without deploying")
	fs.BoolVar(&f.noLaunch, "no-launch", false, "deploy only, do not start the app")
	fs.BoolVar(&f.clearData, "clear-data", false, "clear app storage before installing")
	fs.BoolVar(&f.skipNoop, "skip-noop", true, "skip the install when the device already has these exact APKs")
	fs.BoolVar(&f.forceStop, "force-stop", true, "force-stop the running app when the install is skipped")
	fs.BoolVar(&f.debug, "debug", false, "start the app waiting for a debugger (single device only)")
	fs.IntVar(&f.jdwpPort, "jdwp-port", 8700, "local port suggested for the JDWP forward")
	fs.StringVar(&f.uninstallPolicy, "uninstall", "ask", "uninstall on conflicting installs: ask|always|never")
	fs.IntVar(&f.userID, "user", -1, "install and start for this Android user (-1: current user)")
	fs.StringSliceVar(&f.pmFlags, "pm-flag", nil, "extra pm install flag (repeatable)")
	fs.StringVar(&f.instantURL, "instant-url", "", "URL opened for the instant strategy")
	fs.IntVar(&f.minAPI, "min-api", 0, "skip devices below this API level")
	fs.StringSliceVar(&f.abis, "abi", nil, "skip devices supporting none of these ABIs")
	fs.StringSliceVar(&f.features, "feature", nil, "skip devices missing this feature (repeatable)")
	fs.IntVar(&f.logcatLines, "logcat", 0, "print this many log lines of the started process")
	fs.StringVar(&f.eventsAddr, "events-addr", "", "serve lifecycle events over websocket at this address (/events)")
	fs.BoolVar(&f.wait, "wait", false, "wait until the app has exited on every device; Ctrl-C stops it")
	fs.BoolVar(&f.isolate, "isolate-failures", false, "keep launching on other devices when one fails")
	return cmd
}

func runLaunch(parent context.Context, f launchFlags) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	strategy, err := tasks.ParseStrategy(f.strategy)
	if err != nil {
		return err
	}
	artifacts, err := artifactProvider(f)
	if err != nil {
		return err
	}
	prompter, err := uninstallPrompter(f.uninstallPolicy)
	if err != nil {
		return err
	}
	settings := config.Load()
	provider, err := adb.NewDefault()
	if err != nil {
		return err
	}
	cache, _, closeCache, err := openCache(ctx, settings)
	if err != nil {
		return err
	}
	defer closeCache()

	launcher := emulator.NewLauncher(settings.EmulatorPath)
	launcher.ADBPath = adbPath()
	printer := console.NewLogPrinter(os.Stdout, os.Stderr, nil)

	cfg := launchagent.Config{
		Settings: settings,
		Provider: provider,
		Booter:   launcher,
		Cache:    cache,
		Prompter: prompter,
		Printer:  printer,
		Debugger: tasks.JDWPForwardAttacher{LocalPort: f.jdwpPort},
	}
	if f.logcatLines > 0 {
		cfg.LogViewer = tasks.LogcatDump{Lines: f.logcatLines}
	}
	if f.isolate {
		cfg.Policy = launchagent.IsolateDevice
	}

	var hub *wsbridge.Hub
	if addr := strings.TrimSpace(f.eventsAddr); addr != "" {
		hub = wsbridge.NewHub(launchagent.HostID())
		shutdown, err := serveEvents(addr, hub)
		if err != nil {
			return err
		}
		defer shutdown()
		cfg.Hooks = hub.Hooks()
	}

	agent, err := launchagent.NewAgent(cfg)
	if err != nil {
		return err
	}
	agent.Start(ctx)
	defer agent.Close()
	if hub != nil {
		defer hub.Attach(agent.Dispatcher())()
	}

	req := launchagent.LaunchRequest{
		Criteria: device.Criteria{
			Serials: f.serials,
			AVD:     f.avd,
			Requirements: device.Requirements{
				MinAPI:   f.minAPI,
				ABIs:     f.abis,
				Features: f.features,
			},
		},
		Artifacts: artifacts,
		Options: tasks.Options{
			ApplicationID:   strings.TrimSpace(f.app),
			Activity:        f.activity,
			Strategy:        strategy,
			Deploy:          !f.noDeploy,
			Launch:          !f.noLaunch,
			ClearAppStorage: f.clearData,
			SkipNoopInstall: f.skipNoop,
			ForceStop:       f.forceStop,
			Debug:           f.debug,
			UserID:          f.userID,
			PmInstallFlags:  f.pmFlags,
			InstantAppURL:   f.instantURL,
		},
		Progress: &console.LogProgress{},
	}
	session, err := agent.Launch(ctx, req)
	if err != nil {
		return err
	}
	log.Info().Str("session", session.ID).Strs("devices", session.Serials()).Msg("launch succeeded")
	if !f.wait || f.noLaunch {
		return nil
	}

	log.Info().Str("app", session.Options.ApplicationID).Msg("waiting for the app to exit, Ctrl-C to stop it")
	select {
	case <-session.Tracker.Terminated():
		log.Info().Msg("app exited on every device")
	case <-ctx.Done():
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := session.Tracker.Kill(killCtx); err != nil {
			log.Warn().Err(err).Msg("force-stop failed")
		}
	}
	return nil
}

func artifactProvider(f launchFlags) (artifact.Provider, error) {
	switch {
	case f.outputMetadata != "" && len(f.apks) > 0:
		return nil, errors.New("--apk and --output-metadata are mutually exclusive")
	case f.outputMetadata != "":
		return artifact.OutputMetadataProvider{Path: f.outputMetadata, ApplicationID: strings.TrimSpace(f.app)}, nil
	case len(f.apks) > 0:
		return artifact.StaticProvider{ApplicationID: strings.TrimSpace(f.app), Paths: f.apks}, nil
	case f.noDeploy:
		if strings.TrimSpace(f.app) == "" {
			return nil, errors.New("--app is required with --no-deploy")
		}
		return nil, nil
	}
	return nil, errors.New("--apk or --output-metadata is required")
}

func uninstallPrompter(policy string) (installer.Prompter, error) {
	switch strings.ToLower(strings.TrimSpace(policy)) {
	case "", "ask":
		return &installer.TerminalPrompter{In: os.Stdin, Out: os.Stderr}, nil
	case "always":
		return installer.StaticPrompter(true), nil
	case "never":
		return installer.StaticPrompter(false), nil
	}
	return nil, fmt.Errorf("unknown uninstall policy %q", policy)
}

func serveEvents(addr string, hub *wsbridge.Hub) (shutdown func(), err error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	srv := &http.Server{Handler: hub.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("event server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("serving lifecycle events at /events")
	return func() {
		hub.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
