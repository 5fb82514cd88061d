package tasks

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/LaunchAgent/internal/artifact"
	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/installer"
)

// Deployer installs an artifact on a device.
type Deployer interface {
	Deploy(ctx context.Context, dev device.Device, info artifact.Info, opts installer.DeployOptions) (skipped bool, err error)
}

var _ Deployer = (*installer.FullInstaller)(nil)

// ClearAppStorage runs `pm clear` when the package is installed.
type ClearAppStorage struct{}

func (ClearAppStorage) ID() string              { return "CLEAR_APP_STORAGE" }
func (ClearAppStorage) Description() string     { return "Clearing app storage" }
func (ClearAppStorage) Duration() time.Duration { return durationClear }

func (ClearAppStorage) Perform(ctx context.Context, env *Env) error {
	pkg := env.Package()
	path, err := env.Device.Shell(ctx, "pm", "path", pkg)
	if err != nil {
		return err
	}
	if !strings.Contains(path, "package:") {
		env.stdout("%s is not installed, nothing to clear", pkg)
		return nil
	}
	args := []string{"clear"}
	if env.Options.UserID >= 0 {
		args = append(args, "--user", strconv.Itoa(env.Options.UserID))
	}
	out, err := env.Device.Shell(ctx, "pm", append(args, pkg)...)
	if err != nil {
		return err
	}
	if !strings.Contains(out, "Success") {
		return errors.Errorf("pm clear %s: %s", pkg, strings.TrimSpace(out))
	}
	env.stdout("Cleared app storage of %s", pkg)
	return nil
}

type deployMode int

const (
	modeFull deployMode = iota
	modeApplyChanges
	modeApplyCodeChanges
	modeInstant
)

// Deploy installs the artifact through a Deployer. The swap and instant
// variants are Deploy with different pm flags.
type Deploy struct {
	Deployer Deployer
	mode     deployMode
}

// NewDeploy returns the full-install task.
func NewDeploy(d Deployer) *Deploy { return &Deploy{Deployer: d, mode: modeFull} }

// NewApplyChanges installs without killing the running process; the
// activity is restarted afterwards.
func NewApplyChanges(d Deployer) *Deploy { return &Deploy{Deployer: d, mode: modeApplyChanges} }

// NewApplyCodeChanges installs without killing the running process.
func NewApplyCodeChanges(d Deployer) *Deploy { return &Deploy{Deployer: d, mode: modeApplyCodeChanges} }

// NewInstantAppDeploy installs as an instant app.
func NewInstantAppDeploy(d Deployer) *Deploy { return &Deploy{Deployer: d, mode: modeInstant} }

func (d *Deploy) ID() string {
	switch d.mode {
	case modeApplyChanges:
		return "APPLY_CHANGES"
	case modeApplyCodeChanges:
		return "APPLY_CODE_CHANGES"
	case modeInstant:
		return "INSTANT_APP_DEPLOY"
	}
	return "DEPLOY"
}

func (d *Deploy) Description() string {
	switch d.mode {
	case modeApplyChanges:
		return "Applying changes"
	case modeApplyCodeChanges:
		return "Applying code changes"
	case modeInstant:
		return "Deploying instant app"
	}
	return "Installing APK"
}

func (d *Deploy) Duration() time.Duration {
	if d.mode == modeApplyChanges || d.mode == modeApplyCodeChanges {
		return durationSwap
	}
	return durationDeploy
}

func (d *Deploy) Perform(ctx context.Context, env *Env) error {
	if d.Deployer == nil {
		return errors.New("no deployer configured")
	}
	if err := artifact.Validate(env.Artifact); err != nil {
		return err
	}
	opts := installer.DeployOptions{
		Options: installer.Options{
			Package:  env.Package(),
			UserID:   env.Options.UserID,
			DontKill: d.mode == modeApplyChanges || d.mode == modeApplyCodeChanges,
			Instant:  d.mode == modeInstant,
			Flags:    env.Options.PmInstallFlags,
		},
		// a swap must reach the device even when bytes match a prior full install
		SkipNoop:  env.Options.SkipNoopInstall && d.mode == modeFull,
		ForceStop: env.Options.ForceStop,
	}
	env.stdout("%s: %s", d.Description(), strings.Join(env.Artifact.Paths(), ", "))
	skipped, err := d.Deployer.Deploy(ctx, env.Device, env.Artifact, opts)
	if err != nil {
		return err
	}
	if skipped {
		env.stdout("App restart successful without requiring a re-install.")
	}
	return nil
}
