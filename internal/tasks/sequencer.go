package tasks

import (
	"time"

	"github.com/pkg/errors"
)

// Sequencer builds the ordered task list of one device:
//
//	contributors, clear storage, install, monitoring, start, debugger, log viewer
//
// The strategy decides which concrete tasks fill the install and start slots;
// apply-changes restarts through KillAndRestart.
type Sequencer struct {
	Deployer        Deployer
	Monitor         ProcessMonitor
	Debugger        DebuggerAttacher
	LogViewer       LogViewer
	Contributors    []Contributor
	DebuggerTimeout time.Duration
}

// Tasks returns the tasks to run on env's device.
func (s *Sequencer) Tasks(env *Env) ([]LaunchTask, error) {
	opts := env.Options
	if opts.Strategy == "" {
		opts.Strategy = StrategyFull
	}
	if opts.Debug && s.Debugger == nil {
		return nil, errors.New("debug requested without a debugger attacher")
	}
	if opts.Deploy && s.Deployer == nil {
		return nil, errors.New("deploy requested without a deployer")
	}
	if !opts.Deploy && opts.Strategy != StrategyFull {
		return nil, errors.Errorf("strategy %s requires deploying", opts.Strategy)
	}

	var list []LaunchTask
	for _, c := range s.Contributors {
		list = append(list, c.Tasks(env)...)
	}

	if opts.Deploy {
		if opts.ClearAppStorage {
			list = append(list, ClearAppStorage{})
		}
		switch opts.Strategy {
		case StrategyApplyChanges:
			list = append(list, NewApplyChanges(s.Deployer))
		case StrategyApplyCodeChanges:
			list = append(list, NewApplyCodeChanges(s.Deployer))
		case StrategyInstant:
			list = append(list, NewInstantAppDeploy(s.Deployer))
		default:
			list = append(list, NewDeploy(s.Deployer))
		}
	}

	if !opts.Launch {
		return list, nil
	}

	list = append(list, StartMonitoring{Monitor: s.Monitor})
	switch {
	case opts.Deploy && opts.Strategy == StrategyApplyChanges:
		list = append(list, KillAndRestart{})
	case opts.Strategy == StrategyInstant:
		list = append(list, InstantAppStart{})
	default:
		list = append(list, AppStart{})
	}
	if opts.Debug {
		list = append(list, ConnectDebugger{Attacher: s.Debugger, Timeout: s.DebuggerTimeout})
	}
	if s.LogViewer != nil {
		list = append(list, OpenLogViewer{Viewer: s.LogViewer})
	}
	return list, nil
}

// TotalDuration sums the estimated durations of list.
func TotalDuration(list []LaunchTask) time.Duration {
	var total time.Duration
	for _, t := range list {
		total += t.Duration()
	}
	return total
}
