package installer

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/httprunner/LaunchAgent/internal/console"
	"github.com/httprunner/LaunchAgent/internal/device"
)

// Retrying wraps a Backend with the recovery policy of each failure class:
// busy devices are retried after a fixed backoff until cancelled, conflicting
// installs get one uninstall-and-retry after confirmation, the rest fail.
type Retrying struct {
	Backend  Backend
	Prompter Prompter
	Backoff  time.Duration
	Status   *console.Status
	Printer  console.Printer
}

// Install runs the install with retries.
func (r *Retrying) Install(ctx context.Context, dev device.Device, files []string, opts Options) error {
	ctx, cancel := r.watchStatus(ctx)
	defer cancel()

	err := r.installUntilNotBusy(ctx, dev, files, opts)
	var failure *Failure
	if err == nil || !errors.As(err, &failure) || !failure.Code.Destructive() {
		return err
	}

	r.stderr(failure.Error())
	prompter := r.Prompter
	if prompter == nil {
		prompter = StaticPrompter(false)
	}
	if !prompter.Confirm(ctx, failure) {
		log.Info().Str("serial", failure.Serial).Str("code", string(failure.Code)).Msg("uninstall declined")
		return err
	}
	if err := r.Backend.Uninstall(ctx, dev, opts.Package, opts.UserID); err != nil {
		r.stderr(err.Error())
		return errors.Wrapf(failure, "uninstall before retry failed: %v", err)
	}
	r.stdout("Retrying installation of " + opts.Package)
	return r.installUntilNotBusy(ctx, dev, files, opts)
}

func (r *Retrying) installUntilNotBusy(ctx context.Context, dev device.Device, files []string, opts Options) error {
	backoff := r.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	limiter := rate.NewLimiter(rate.Every(backoff), 1)
	limiter.Allow()
	for attempt := 1; ; attempt++ {
		err := r.Backend.Install(ctx, dev, files, opts)
		var failure *Failure
		if err == nil || !errors.As(err, &failure) || !failure.Code.Retryable() {
			return err
		}
		log.Warn().Str("serial", dev.Serial()).Int("attempt", attempt).Dur("backoff", backoff).
			Msg("device busy, retrying install")
		r.stdout(failure.Code.Hint() + " Retrying...")
		if werr := limiter.Wait(ctx); werr != nil {
			return errors.Wrap(err, "install retry cancelled")
		}
	}
}

// watchStatus derives a context cancelled when the status token terminates.
func (r *Retrying) watchStatus(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	if r.Status == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-r.Status.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (r *Retrying) stdout(line string) {
	if r.Printer != nil {
		r.Printer.Stdout(line)
	}
}

func (r *Retrying) stderr(line string) {
	if r.Printer != nil {
		r.Printer.Stderr(line)
	}
}
