package launchagent

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/httprunner/LaunchAgent/internal/artifact"
	"github.com/httprunner/LaunchAgent/internal/config"
	"github.com/httprunner/LaunchAgent/internal/console"
	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/events"
	"github.com/httprunner/LaunchAgent/internal/installcache"
	"github.com/httprunner/LaunchAgent/internal/installer"
	"github.com/httprunner/LaunchAgent/internal/tasks"
	"github.com/httprunner/LaunchAgent/internal/tracker"
)

// Config wires an Agent to its collaborators. Provider is required.
type Config struct {
	Settings config.Settings
	Provider device.Provider
	// Booter boots AVDs; nil disables virtual device targets.
	Booter device.Booter
	// Cache defaults to an in-memory cache.
	Cache        *installcache.Cache
	Prompter     installer.Prompter
	Printer      console.Printer
	Debugger     tasks.DebuggerAttacher
	LogViewer    tasks.LogViewer
	Contributors []tasks.Contributor
	Hooks        Hooks
	Policy       FailurePolicy
}

// LaunchRequest describes one launch.
type LaunchRequest struct {
	Criteria  device.Criteria
	Artifacts artifact.Provider
	Options   tasks.Options
	Progress  console.Progress
}

// Agent owns the process-wide pieces shared by launches: the event
// dispatcher, the device manager and the install cache.
type Agent struct {
	cfg          Config
	dispatcher   *events.Dispatcher
	manager      *device.Manager
	resolver     *device.Resolver
	cache        *installcache.Cache
	orchestrator *Orchestrator

	mu          sync.Mutex
	group       *errgroup.Group
	ctx         context.Context
	cancel      context.CancelFunc
	detachCache func()
}

// NewAgent builds an agent; call Start before launching.
func NewAgent(cfg Config) (*Agent, error) {
	if cfg.Provider == nil {
		return nil, errors.New("launchagent: provider is nil")
	}
	if cfg.Printer == nil {
		cfg.Printer = console.Discard
	}
	if cfg.Prompter == nil {
		cfg.Prompter = installer.StaticPrompter(false)
	}
	resolver, err := device.NewResolver(device.ResolverConfig{
		Provider:     cfg.Provider,
		Booter:       cfg.Booter,
		BootTimeout:  cfg.Settings.BootTimeout,
		MinProcesses: cfg.Settings.MinProcesses,
		PollInterval: cfg.Settings.PollInterval,
		Allowlist:    device.ParseAllowlist(cfg.Settings.DeviceAllowlist),
	})
	if err != nil {
		return nil, err
	}
	cache := cfg.Cache
	if cache == nil {
		if cache, err = installcache.New(context.Background()); err != nil {
			return nil, err
		}
	}
	dispatcher := events.NewDispatcher()
	full := &installer.FullInstaller{
		Cache: cache,
		Installer: &installer.Retrying{
			Backend:  &installer.PackageInstaller{},
			Prompter: cfg.Prompter,
			Backoff:  cfg.Settings.BusyBackoff,
			Printer:  cfg.Printer,
		},
	}
	return &Agent{
		cfg:        cfg,
		dispatcher: dispatcher,
		manager:    device.NewManager(cfg.Provider, dispatcher),
		resolver:   resolver,
		cache:      cache,
		orchestrator: &Orchestrator{
			Sequencer: &tasks.Sequencer{
				Deployer:     full,
				Debugger:     cfg.Debugger,
				LogViewer:    cfg.LogViewer,
				Contributors: cfg.Contributors,
			},
			PollInterval: cfg.Settings.PollInterval,
		},
	}, nil
}

// Dispatcher exposes the event source, e.g. for extra subscribers.
func (a *Agent) Dispatcher() *events.Dispatcher { return a.dispatcher }

// Cache returns the install cache.
func (a *Agent) Cache() *installcache.Cache { return a.cache }

// Start begins event delivery and device monitoring.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.group != nil {
		return
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.group, a.ctx = errgroup.WithContext(a.ctx)
	a.dispatcher.Start(a.ctx)
	a.detachCache = a.cache.Attach(a.dispatcher)
	goSafe(a.ctx, a.group, "device manager", func(ctx context.Context) error {
		return a.manager.Run(ctx, a.cfg.Settings.RefreshInterval)
	})
}

// Close stops background work and drains pending events.
func (a *Agent) Close() error {
	a.mu.Lock()
	group, cancel, detach := a.group, a.cancel, a.detachCache
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	if group != nil {
		err = group.Wait()
	}
	if detach != nil {
		detach()
	}
	a.dispatcher.Close()
	return err
}

// Prepare resolves the target devices and builds the session without
// running it. The session's tracker is attached to the agent's events.
func (a *Agent) Prepare(ctx context.Context, req LaunchRequest) (*Session, error) {
	opts := req.Options
	if strings.TrimSpace(opts.ApplicationID) == "" && req.Artifacts != nil {
		id, err := artifact.ApplicationID(req.Artifacts)
		if err != nil {
			return nil, err
		}
		opts.ApplicationID = id
	}
	if opts.ApplicationID == "" {
		return nil, errors.New("launchagent: application id is required")
	}
	futures, err := a.resolver.Resolve(ctx, req.Criteria)
	if err != nil {
		return nil, err
	}
	s := NewSession(futures, req.Artifacts, opts)
	s.Printer = a.cfg.Printer
	s.Policy = a.cfg.Policy
	if req.Progress != nil {
		s.Progress = req.Progress
	}
	s.Tracker = tracker.New(opts.ApplicationID, a.cfg.Provider, tracker.WithGracePeriod(a.cfg.Settings.GracePeriod))
	s.Tracker.Attach(a.dispatcher)
	s.Hooks = a.cfg.Hooks.Combine(Hooks{
		OnDeviceReady: func(_ *Session, desc device.Descriptor) { a.manager.MarkBusy(desc.Serial) },
	})
	return s, nil
}

// Run executes a prepared session. When the launch starts the application,
// a client poller follows its processes until the tracker terminates.
func (a *Agent) Run(ctx context.Context, s *Session) error {
	seq := *a.orchestrator.Sequencer
	if s.Tracker != nil {
		seq.Monitor = s.Tracker
	}
	orch := Orchestrator{Sequencer: &seq, PollInterval: a.orchestrator.PollInterval}

	a.mu.Lock()
	group, agentCtx := a.group, a.ctx
	a.mu.Unlock()
	stopPolling := func() {}
	if group != nil && s.Options.Launch && s.Tracker != nil {
		var pollCtx context.Context
		pollCtx, stopPolling = context.WithCancel(agentCtx)
		poller := &tracker.ClientPoller{
			Tracker:    s.Tracker,
			Provider:   a.cfg.Provider,
			Dispatcher: a.dispatcher,
			Interval:   a.cfg.Settings.RefreshInterval,
		}
		stop := stopPolling
		goSafe(pollCtx, group, "client poller "+s.ID, func(ctx context.Context) error {
			defer stop()
			err := poller.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err := orch.Run(ctx, s)
	for _, serial := range s.Serials() {
		a.manager.Release(serial)
	}
	if err != nil {
		stopPolling()
		if s.Tracker != nil {
			s.Tracker.Detach()
		}
	}
	return err
}

// Launch is Prepare followed by Run.
func (a *Agent) Launch(ctx context.Context, req LaunchRequest) (*Session, error) {
	s, err := a.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Info().Str("session", s.ID).Str("app", s.Options.ApplicationID).Int("devices", len(s.Futures)).Msg("launch started")
	return s, a.Run(ctx, s)
}
