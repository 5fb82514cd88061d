package installer

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/httprunner/LaunchAgent/internal/artifact"
	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/installcache"
)

// DeployOptions controls FullInstaller.Deploy.
type DeployOptions struct {
	Options
	// SkipNoop skips the install when the cache proves the device is current.
	SkipNoop bool
	// ForceStop stops a running instance when the install is skipped.
	ForceStop bool
}

// Installer is what FullInstaller needs from Retrying.
type Installer interface {
	Install(ctx context.Context, dev device.Device, files []string, opts Options) error
}

// FullInstaller combines the install cache with a retrying installer.
// Deploys to the same device are serialised.
type FullInstaller struct {
	Cache     *installcache.Cache
	Installer Installer
}

// Deploy installs info on dev unless it is already installed. skipped reports
// whether the install was skipped.
func (f *FullInstaller) Deploy(ctx context.Context, dev device.Device, info artifact.Info, opts DeployOptions) (skipped bool, err error) {
	if opts.Package == "" {
		opts.Package = info.ApplicationID
	}
	paths := info.Paths()
	serial := dev.Serial()
	if f.Cache != nil {
		unlock := f.Cache.LockDevice(serial)
		defer unlock()
	}

	if opts.SkipNoop && f.Cache != nil && f.Cache.IsInstalled(ctx, dev, paths, opts.Package, opts.UserID) {
		log.Info().Str("serial", serial).Str("package", opts.Package).Msg("package up to date, install skipped")
		if opts.ForceStop {
			// best effort
			if _, err := dev.Shell(ctx, "am", "force-stop", opts.Package); err != nil {
				log.Debug().Err(err).Str("serial", serial).Msg("force-stop failed")
			}
		}
		return true, nil
	}

	if err := f.Installer.Install(ctx, dev, paths, opts.Options); err != nil {
		if f.Cache != nil {
			f.Cache.Invalidate(serial, opts.Package)
		}
		return false, err
	}
	if f.Cache != nil {
		if err := f.Cache.RecordInstalled(ctx, dev, paths, opts.Package, opts.UserID); err != nil {
			log.Warn().Err(err).Str("serial", serial).Str("package", opts.Package).Msg("record install failed")
		}
	}
	return false, nil
}
