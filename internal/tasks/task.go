// Package tasks defines the per-device launch steps and their ordering.
package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/httprunner/LaunchAgent/internal/artifact"
	"github.com/httprunner/LaunchAgent/internal/console"
	"github.com/httprunner/LaunchAgent/internal/device"
)

// LaunchTask is one step of a launch on one device.
type LaunchTask interface {
	ID() string
	Description() string
	// Duration is the estimated run time, used to weight progress.
	Duration() time.Duration
	Perform(ctx context.Context, env *Env) error
}

// Skipper is implemented by tasks that may decide at run time not to run.
type Skipper interface {
	Skip(env *Env) (skip bool, reason string)
}

// Strategy selects how the application reaches the device.
type Strategy string

const (
	StrategyFull             Strategy = "full"
	StrategyApplyChanges     Strategy = "apply-changes"
	StrategyApplyCodeChanges Strategy = "apply-code-changes"
	StrategyInstant          Strategy = "instant"
)

// ParseStrategy accepts the names above; empty means full.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyFull:
		return StrategyFull, nil
	case StrategyApplyChanges, StrategyApplyCodeChanges, StrategyInstant:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown deploy strategy %q", s)
}

// Options is the launch configuration shared by every device.
type Options struct {
	ApplicationID string
	// Activity overrides the resolved launcher activity.
	Activity        string
	Strategy        Strategy
	Deploy          bool
	Launch          bool
	ClearAppStorage bool
	SkipNoopInstall bool
	ForceStop       bool
	Debug           bool
	// UserID < 0 targets the current user.
	UserID         int
	PmInstallFlags []string
	InstantAppURL  string
}

// Env is what a task runs against.
type Env struct {
	Device     device.Device
	Descriptor device.Descriptor
	Artifact   artifact.Info
	Printer    console.Printer
	Status     *console.Status
	Options    Options
}

// Package returns the application id, preferring the artifact's.
func (e *Env) Package() string {
	if e.Artifact.ApplicationID != "" {
		return e.Artifact.ApplicationID
	}
	return e.Options.ApplicationID
}

func (e *Env) stdout(format string, args ...any) {
	if e.Printer != nil {
		e.Printer.Stdout(fmt.Sprintf(format, args...))
	}
}

// ExecutionError reports the task that failed on a device.
type ExecutionError struct {
	Task   string
	Serial string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("task %s failed on %s: %v", e.Task, e.Serial, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Contributor adds tasks ahead of the built-in ones, e.g. listeners that must
// be in place before the application starts.
type Contributor interface {
	Tasks(env *Env) []LaunchTask
}

// ContributorFunc adapts a function to Contributor.
type ContributorFunc func(env *Env) []LaunchTask

func (f ContributorFunc) Tasks(env *Env) []LaunchTask { return f(env) }

// Func is a LaunchTask built from a function, mostly for contributors.
type Func struct {
	Name     string
	Desc     string
	Estimate time.Duration
	Run      func(ctx context.Context, env *Env) error
}

func (f *Func) ID() string              { return f.Name }
func (f *Func) Description() string     { return f.Desc }
func (f *Func) Duration() time.Duration { return f.Estimate }
func (f *Func) Perform(ctx context.Context, env *Env) error {
	if f.Run == nil {
		return nil
	}
	return f.Run(ctx, env)
}

// estimated durations
const (
	durationClear     = 2 * time.Second
	durationDeploy    = 20 * time.Second
	durationSwap      = 10 * time.Second
	durationStart     = 2 * time.Second
	durationMonitor   = 100 * time.Millisecond
	durationDebugger  = 5 * time.Second
	durationLogViewer = 500 * time.Millisecond
)
