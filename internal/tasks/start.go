package tasks

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// AppStart launches the application's activity with `am start`.
type AppStart struct{}

func (AppStart) ID() string              { return "APP_START" }
func (AppStart) Description() string     { return "Launching activity" }
func (AppStart) Duration() time.Duration { return durationStart }

func (AppStart) Perform(ctx context.Context, env *Env) error {
	component, err := ResolveActivity(ctx, env)
	if err != nil {
		return err
	}
	return startComponent(ctx, env, component)
}

func startComponent(ctx context.Context, env *Env, component string) error {
	args := []string{"start", "-n", component,
		"-a", "android.intent.action.MAIN",
		"-c", "android.intent.category.LAUNCHER"}
	if env.Options.Debug {
		args = append(args, "-D")
	}
	if env.Options.UserID >= 0 {
		args = append(args, "--user", strconv.Itoa(env.Options.UserID))
	}
	env.stdout("Starting: %s", component)
	out, err := env.Device.Shell(ctx, "am", args...)
	if err != nil {
		return err
	}
	if failed, msg := amFailed(out); failed {
		return errors.Errorf("start %s: %s", component, msg)
	}
	log.Info().Str("serial", env.Device.Serial()).Str("component", component).Msg("activity started")
	return nil
}

// amFailed detects `am start` errors; am exits 0 on most failures.
func amFailed(out string) (bool, string) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Error:") || strings.HasPrefix(line, "Error type") ||
			strings.Contains(line, "Exception") {
			return true, line
		}
	}
	return false, ""
}

// ResolveActivity returns pkg/activity, resolving the launcher activity on
// the device when none is configured.
func ResolveActivity(ctx context.Context, env *Env) (string, error) {
	pkg := env.Package()
	if activity := strings.TrimSpace(env.Options.Activity); activity != "" {
		if strings.Contains(activity, "/") {
			return activity, nil
		}
		return pkg + "/" + activity, nil
	}
	args := []string{"package", "resolve-activity", "--brief"}
	if env.Options.UserID >= 0 {
		args = append(args, "--user", strconv.Itoa(env.Options.UserID))
	}
	out, err := env.Device.Shell(ctx, "cmd", append(args, pkg)...)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.Contains(last, "/") {
		return "", errors.Errorf("no launcher activity found for %s", pkg)
	}
	return last, nil
}

// KillAndRestart stops the application and starts its activity again.
type KillAndRestart struct{}

func (KillAndRestart) ID() string              { return "KILL_AND_RESTART" }
func (KillAndRestart) Description() string     { return "Restarting activity" }
func (KillAndRestart) Duration() time.Duration { return durationStart }

func (KillAndRestart) Perform(ctx context.Context, env *Env) error {
	component, err := ResolveActivity(ctx, env)
	if err != nil {
		return err
	}
	if _, err := env.Device.Shell(ctx, "am", "force-stop", env.Package()); err != nil {
		return err
	}
	return startComponent(ctx, env, component)
}

// InstantAppStart opens the instant app URL, or the launcher activity when
// no URL is configured.
type InstantAppStart struct{}

func (InstantAppStart) ID() string              { return "INSTANT_APP_START" }
func (InstantAppStart) Description() string     { return "Launching instant app" }
func (InstantAppStart) Duration() time.Duration { return durationStart }

func (InstantAppStart) Perform(ctx context.Context, env *Env) error {
	url := strings.TrimSpace(env.Options.InstantAppURL)
	if url == "" {
		return AppStart{}.Perform(ctx, env)
	}
	env.stdout("Opening %s", url)
	out, err := env.Device.Shell(ctx, "am", "start",
		"-a", "android.intent.action.VIEW",
		"-c", "android.intent.category.BROWSABLE",
		"-d", url)
	if err != nil {
		return err
	}
	if failed, msg := amFailed(out); failed {
		return errors.Errorf("open %s: %s", url, msg)
	}
	return nil
}
