// Package installer pushes APKs to a device and installs them, classifying
// failures and retrying the recoverable ones.
package installer

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/LaunchAgent/internal/device"
)

const remoteTmpDir = "/data/local/tmp"

// Phase is the position of an install in its state machine.
type Phase string

const (
	PhasePushing    Phase = "PUSHING"
	PhaseInstalling Phase = "INSTALLING"
	PhaseSuccess    Phase = "SUCCESS"
	PhaseFailed     Phase = "FAILED"
)

// Options are passed to `pm install`.
type Options struct {
	Package string
	// UserID < 0 installs for the current user.
	UserID   int
	DontKill bool
	Instant  bool
	// Flags are appended verbatim after the built-in flags.
	Flags []string
}

func (o Options) pmFlags() []string {
	flags := []string{"-r", "-t"}
	if o.UserID >= 0 {
		flags = append(flags, "--user", strconv.Itoa(o.UserID))
	}
	if o.DontKill {
		flags = append(flags, "--dont-kill")
	}
	if o.Instant {
		flags = append(flags, "--instant")
	}
	for _, f := range o.Flags {
		if f = strings.TrimSpace(f); f != "" {
			flags = append(flags, f)
		}
	}
	return flags
}

// Backend is a single install attempt plus uninstall.
type Backend interface {
	Install(ctx context.Context, dev device.Device, files []string, opts Options) error
	Uninstall(ctx context.Context, dev device.Device, pkg string, userID int) error
}

// PackageInstaller runs one install attempt: push every file, then install.
type PackageInstaller struct {
	// OnPhase, when set, observes phase transitions.
	OnPhase func(serial string, phase Phase)
}

var _ Backend = (*PackageInstaller)(nil)

// Install pushes files and installs them. Failures are returned as *Failure.
func (p *PackageInstaller) Install(ctx context.Context, dev device.Device, files []string, opts Options) error {
	if len(files) == 0 {
		return errors.New("installer: no files to install")
	}
	serial := dev.Serial()
	fail := func(code Code, output string, err error) error {
		p.phase(serial, PhaseFailed)
		return &Failure{Code: code, Serial: serial, Package: opts.Package, Output: output, Err: err}
	}

	p.phase(serial, PhasePushing)
	batch := uuid.NewString()[:8]
	remotes := make([]string, 0, len(files))
	defer func() {
		if len(remotes) == 0 {
			return
		}
		// context.Background: clean up even after cancellation
		if _, err := dev.Shell(context.Background(), "rm", append([]string{"-f"}, remotes...)...); err != nil {
			log.Debug().Err(err).Str("serial", serial).Msg("remove pushed apks failed")
		}
	}()
	for i, local := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := os.Stat(local); err != nil {
			return errors.Wrapf(err, "installer: stat %s", local)
		}
		remote := path.Join(remoteTmpDir, fmt.Sprintf("launchagent-%s-%d-%s", batch, i, filepath.Base(local)))
		if err := dev.Push(ctx, local, remote); err != nil {
			return fail(classifyPush(err), "", err)
		}
		remotes = append(remotes, remote)
	}

	p.phase(serial, PhaseInstalling)
	var (
		output string
		err    error
	)
	if len(remotes) == 1 {
		args := append([]string{"install"}, opts.pmFlags()...)
		output, err = dev.Shell(ctx, "pm", append(args, remotes[0])...)
	} else {
		output, err = p.installMultiple(ctx, dev, remotes, opts)
	}
	if err != nil {
		return fail(classifyTransport(err), output, err)
	}
	if code := Classify(output); code != Success {
		return fail(code, output, nil)
	}
	p.phase(serial, PhaseSuccess)
	log.Info().Str("serial", serial).Str("package", opts.Package).Int("files", len(files)).Msg("package installed")
	return nil
}

var sessionIDPattern = regexp.MustCompile(`\[(\d+)\]`)

func (p *PackageInstaller) installMultiple(ctx context.Context, dev device.Device, remotes []string, opts Options) (string, error) {
	args := append([]string{"install-create"}, opts.pmFlags()...)
	out, err := dev.Shell(ctx, "pm", args...)
	if err != nil {
		return out, err
	}
	m := sessionIDPattern.FindStringSubmatch(out)
	if m == nil {
		return out, nil
	}
	session := m[1]
	for i, remote := range remotes {
		size, err := remoteSize(ctx, dev, remote)
		if err != nil {
			p.abandon(dev, session)
			return "", err
		}
		name := fmt.Sprintf("%d_%s", i, path.Base(remote))
		out, err = dev.Shell(ctx, "pm", "install-write", "-S", strconv.FormatInt(size, 10), session, name, remote)
		if err != nil || Classify(out) != Success {
			p.abandon(dev, session)
			return out, err
		}
	}
	return dev.Shell(ctx, "pm", "install-commit", session)
}

func (p *PackageInstaller) abandon(dev device.Device, session string) {
	if _, err := dev.Shell(context.Background(), "pm", "install-abandon", session); err != nil {
		log.Debug().Err(err).Str("session", session).Msg("abandon install session failed")
	}
}

func remoteSize(ctx context.Context, dev device.Device, remote string) (int64, error) {
	out, err := dev.Shell(ctx, "stat", "-c", "%s", remote)
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "installer: size of %s", remote)
	}
	return size, nil
}

// Uninstall removes pkg, for userID only when userID >= 0.
func (p *PackageInstaller) Uninstall(ctx context.Context, dev device.Device, pkg string, userID int) error {
	args := []string{"uninstall"}
	if userID >= 0 {
		args = append(args, "--user", strconv.Itoa(userID))
	}
	out, err := dev.Shell(ctx, "pm", append(args, pkg)...)
	if err != nil {
		return errors.Wrapf(err, "uninstall %s", pkg)
	}
	if !strings.Contains(out, "Success") {
		return errors.Errorf("uninstall %s: %s", pkg, strings.TrimSpace(out))
	}
	log.Info().Str("serial", dev.Serial()).Str("package", pkg).Msg("package uninstalled")
	return nil
}

func (p *PackageInstaller) phase(serial string, phase Phase) {
	log.Debug().Str("serial", serial).Str("phase", string(phase)).Msg("install phase")
	if p.OnPhase != nil {
		p.OnPhase(serial, phase)
	}
}

// transport errors carry no pm output; only a vanished device is recognised
// push errors are fatal: uninstalling cannot repair a transfer
func classifyPush(err error) Code {
	if code := classifyTransport(err); code == DeviceDisconnected {
		return code
	}
	return PushFailed
}

func classifyTransport(err error) Code {
	if code := Classify(err.Error()); code == DeviceDisconnected {
		return code
	}
	return Untyped
}
