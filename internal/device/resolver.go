package device

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// BootHandle is a virtual device whose boot was initiated.
type BootHandle interface {
	Serial() string
	// Exited yields the termination reason once the emulator process ends.
	Exited() <-chan error
	Kill() error
}

// Booter starts virtual devices from an AVD template.
type Booter interface {
	Boot(ctx context.Context, avdName string) (BootHandle, error)
}

// Criteria selects launch targets.
type Criteria struct {
	Serials      []string
	AVD          string
	Requirements Requirements
}

// ResolverConfig wires the resolver to its collaborators.
type ResolverConfig struct {
	Provider     Provider
	Booter       Booter
	BootTimeout  time.Duration
	MinProcesses int
	PollInterval time.Duration
	// Allowlist hides every other connected device; booted AVDs are exempt.
	Allowlist []string
}

// Resolver turns selection criteria into device futures.
type Resolver struct {
	cfg     ResolverConfig
	allowed Allowlist
}

// NewResolver validates cfg and fills defaults.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Provider == nil {
		return nil, errors.New("device resolver: provider is nil")
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MinProcesses < 0 {
		cfg.MinProcesses = 0
	}
	return &Resolver{cfg: cfg, allowed: NewAllowlist(cfg.Allowlist)}, nil
}

// Resolve returns ready futures for every connected device matching c. When
// nothing matches and c names an AVD, the AVD is booted and a single pending
// future is returned.
func (r *Resolver) Resolve(ctx context.Context, c Criteria) ([]*Future, error) {
	connected, err := r.describeConnected(ctx)
	if err != nil {
		return nil, err
	}
	var futures []*Future
	for _, cand := range connected {
		if !matches(cand.desc, c) {
			continue
		}
		if compat := CanRun(cand.desc, c.Requirements); !compat.OK {
			log.Warn().Str("serial", cand.desc.Serial).Str("reason", compat.Reason).Msg("device skipped: incompatible")
			continue
		}
		futures = append(futures, Completed(cand.dev, cand.desc))
	}
	if len(futures) > 0 {
		return futures, nil
	}
	avd := strings.TrimSpace(c.AVD)
	if avd == "" {
		target := strings.Join(c.Serials, ",")
		if target == "" {
			target = "<any>"
		}
		return nil, &ResolutionError{Kind: ResolutionNoMatch, Target: target, Reason: "no connected device matches"}
	}
	if r.cfg.Booter == nil {
		return nil, &ResolutionError{Kind: ResolutionNoMatch, Target: avd, Reason: "no emulator launcher configured"}
	}
	fut, err := r.boot(ctx, avd)
	if err != nil {
		return nil, err
	}
	return []*Future{fut}, nil
}

type candidate struct {
	dev  Device
	desc Descriptor
}

func (r *Resolver) describeConnected(ctx context.Context) ([]candidate, error) {
	serials, err := r.cfg.Provider.ListDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list devices failed")
	}
	var (
		mu     sync.Mutex
		result = make([]candidate, 0, len(serials))
	)
	group, gctx := errgroup.WithContext(ctx)
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		if !r.allowed.Allows(serial) {
			log.Debug().Str("serial", serial).Msg("device skipped: not in allowlist")
			continue
		}
		group.Go(func() error {
			dev, err := r.cfg.Provider.Device(serial)
			if err != nil {
				log.Warn().Err(err).Str("serial", serial).Msg("open device failed")
				return nil
			}
			desc, err := Describe(gctx, dev)
			if err != nil {
				log.Warn().Err(err).Str("serial", serial).Msg("describe device failed")
				return nil
			}
			mu.Lock()
			result = append(result, candidate{dev: dev, desc: desc})
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

func matches(desc Descriptor, c Criteria) bool {
	if len(c.Serials) == 0 && strings.TrimSpace(c.AVD) == "" {
		return true
	}
	for _, serial := range c.Serials {
		if strings.TrimSpace(serial) == desc.Serial {
			return true
		}
	}
	return c.AVD != "" && desc.Virtual && desc.AVDName == strings.TrimSpace(c.AVD)
}

func (r *Resolver) boot(ctx context.Context, avd string) (*Future, error) {
	bootCtx, cancel := context.WithCancel(ctx)
	handle, err := r.cfg.Booter.Boot(bootCtx, avd)
	if err != nil {
		cancel()
		return nil, &ResolutionError{Kind: ResolutionBootCrash, Target: avd, Reason: err.Error()}
	}
	fut := newPending(avd, cancel)
	log.Info().Str("avd", avd).Str("serial", handle.Serial()).Msg("emulator boot requested")
	go r.awaitBoot(bootCtx, cancel, fut, handle, avd)
	return fut, nil
}

func (r *Resolver) awaitBoot(ctx context.Context, cancel context.CancelFunc, fut *Future, handle BootHandle, avd string) {
	defer cancel()
	deadline := time.NewTimer(r.cfg.BootTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if killErr := handle.Kill(); killErr != nil {
				log.Warn().Err(killErr).Str("avd", avd).Msg("abort emulator boot failed")
			}
			fut.Cancel()
			return
		case exitErr := <-handle.Exited():
			reason := "emulator process terminated"
			if exitErr != nil {
				reason = exitErr.Error()
			}
			if fut.fail(&ResolutionError{Kind: ResolutionBootCrash, Target: avd, Reason: reason}) {
				log.Error().Str("avd", avd).Str("reason", reason).Msg("emulator exited before boot completed")
			}
			return
		case <-deadline.C:
			if fut.fail(&ResolutionError{Kind: ResolutionTimeout, Target: avd,
				Reason: "boot not completed within " + r.cfg.BootTimeout.String()}) {
				log.Error().Str("avd", avd).Dur("timeout", r.cfg.BootTimeout).Msg("emulator boot timed out")
			}
			return
		case <-ticker.C:
			dev, ok := r.checkReady(ctx, handle.Serial())
			if !ok {
				continue
			}
			desc, err := Describe(ctx, dev)
			if err != nil {
				log.Debug().Err(err).Str("serial", handle.Serial()).Msg("describe booted emulator failed, retrying")
				continue
			}
			desc.Virtual = true
			if desc.AVDName == "" {
				desc.AVDName = avd
			}
			if fut.resolve(dev, desc) {
				log.Info().Str("avd", avd).Str("serial", desc.Serial).Msg("emulator ready")
			}
			return
		}
	}
}

// checkReady requires more than "online": boot must be complete and enough
// system processes must be running so the package manager is responsive.
func (r *Resolver) checkReady(ctx context.Context, serial string) (Device, bool) {
	serials, err := r.cfg.Provider.ListDevices(ctx)
	if err != nil {
		return nil, false
	}
	found := false
	for _, s := range serials {
		if strings.TrimSpace(s) == serial {
			found = true
			break
		}
	}
	if !found {
		return nil, false
	}
	dev, err := r.cfg.Provider.Device(serial)
	if err != nil {
		return nil, false
	}
	return dev, IsReady(ctx, dev, r.cfg.MinProcesses)
}

// IsReady reports whether dev finished booting and runs at least
// minProcesses processes.
func IsReady(ctx context.Context, dev Device, minProcesses int) bool {
	online, err := dev.Online(ctx)
	if err != nil || !online {
		return false
	}
	out, err := dev.Shell(ctx, "getprop", "sys.boot_completed")
	if err != nil || strings.TrimSpace(out) != "1" {
		return false
	}
	if minProcesses <= 0 {
		return true
	}
	return CountProcesses(ctx, dev) >= minProcesses
}

// CountProcesses returns the number of running processes, or 0 when unknown.
func CountProcesses(ctx context.Context, dev Device) int {
	out, err := dev.Shell(ctx, "ps", "-A")
	if err != nil || strings.Contains(out, "bad pid") {
		// toolbox ps before API 26 lists every process without -A
		out, err = dev.Shell(ctx, "ps")
		if err != nil {
			return 0
		}
	}
	count := 0
	for i, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if i == 0 || strings.TrimSpace(line) == "" {
			continue
		}
		count++
	}
	return count
}
