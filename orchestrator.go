package launchagent

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/LaunchAgent/internal/artifact"
	"github.com/httprunner/LaunchAgent/internal/device"
	"github.com/httprunner/LaunchAgent/internal/tasks"
)

const defaultPollInterval = 500 * time.Millisecond

// Orchestrator runs a session: it waits for each device future in turn and
// executes that device's tasks strictly in order.
type Orchestrator struct {
	Sequencer *tasks.Sequencer
	// PollInterval bounds each wait on a device future so cancellation is
	// noticed promptly.
	PollInterval time.Duration
}

// Run executes s. Every returned error is also printed on the session's
// stderr and passed to Hooks.OnComplete.
func (o *Orchestrator) Run(ctx context.Context, s *Session) (err error) {
	defer func() {
		if err != nil {
			s.Printer.Stderr(err.Error())
			o.cancelPending(s)
		}
		if s.Hooks.OnComplete != nil {
			s.Hooks.OnComplete(s, err)
		}
		log.Info().Str("session", s.ID).Err(err).Dur("elapsed", time.Since(s.StartedAt)).Msg("launch finished")
	}()
	if s.Hooks.OnStart != nil {
		s.Hooks.OnStart(s)
	}
	// in-flight shell commands and retry loops see termination through ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.Status.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	if err := o.validate(s); err != nil {
		return err
	}

	var failed []error
	total := len(s.Futures)
	for i, fut := range s.Futures {
		dev, err := o.await(ctx, s, fut)
		if err != nil {
			return err
		}
		desc := fut.Descriptor()
		if desc.Serial == "" {
			desc.Serial = dev.Serial()
		}
		if s.Hooks.OnDeviceReady != nil {
			s.Hooks.OnDeviceReady(s, desc)
		}
		err = o.runDevice(ctx, s, dev, desc, i, total)
		s.setResult(dev.Serial(), err)
		if err == nil {
			continue
		}
		var execErr *tasks.ExecutionError
		if s.Policy == IsolateDevice && errors.As(err, &execErr) {
			s.Printer.Stderr(err.Error())
			failed = append(failed, err)
			continue
		}
		return err
	}
	if len(failed) > 0 {
		if len(failed) == total {
			return errors.Errorf("launch failed on every device: %v", failed[0])
		}
		log.Warn().Int("failed", len(failed)).Int("devices", total).Msg("launch failed on some devices")
	}
	s.Progress.SetFraction(1)
	return nil
}

func (o *Orchestrator) validate(s *Session) error {
	if len(s.Futures) == 0 {
		return errors.New("no target devices")
	}
	if s.Options.Debug && len(s.Futures) != 1 {
		return ErrDebugAttachUnsupported
	}
	if o.Sequencer == nil {
		return errors.New("orchestrator has no task sequencer")
	}
	if s.Artifacts == nil && s.Options.Deploy {
		return errors.New("no artifact provider")
	}
	return nil
}

// await polls fut in bounded steps, checking cancellation between steps.
func (o *Orchestrator) await(ctx context.Context, s *Session, fut *device.Future) (device.Device, error) {
	step := o.PollInterval
	if step <= 0 {
		step = defaultPollInterval
	}
	s.Progress.SetText("Waiting for " + fut.Name())
	for {
		if s.cancelled() {
			return nil, ErrLaunchCancelled
		}
		if err := ctx.Err(); err != nil {
			s.Status.Terminate(err.Error())
			return nil, ErrLaunchCancelled
		}
		dev, done, err := fut.Wait(ctx, step)
		if !done {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "device %s unavailable", fut.Name())
		}
		return dev, nil
	}
}

func (o *Orchestrator) runDevice(ctx context.Context, s *Session, dev device.Device, desc device.Descriptor, index, total int) error {
	serial := dev.Serial()
	info := artifact.Info{ApplicationID: s.Options.ApplicationID}
	if s.Artifacts != nil {
		var err error
		info, err = s.Artifacts.Artifacts(ctx, desc)
		if err != nil {
			return err
		}
		if info.ApplicationID == "" {
			info.ApplicationID = s.Options.ApplicationID
		}
		if s.Options.Deploy {
			if err := artifact.Validate(info); err != nil {
				return err
			}
		}
	}
	env := &tasks.Env{
		Device:     dev,
		Descriptor: desc,
		Artifact:   info,
		Printer:    s.Printer,
		Status:     s.Status,
		Options:    s.Options,
	}
	list, err := o.Sequencer.Tasks(env)
	if err != nil {
		return err
	}
	weight := tasks.TotalDuration(list)
	var done time.Duration
	report := func(taskID string) {
		fraction := float64(index) / float64(total)
		if weight > 0 {
			fraction += float64(done) / float64(weight) / float64(total)
		}
		s.Progress.SetFraction(fraction)
		if s.Hooks.OnTaskProgress != nil {
			s.Hooks.OnTaskProgress(s, serial, taskID, fraction)
		}
	}

	for _, task := range list {
		if s.cancelled() || ctx.Err() != nil {
			return ErrLaunchCancelled
		}
		if skipper, ok := task.(tasks.Skipper); ok {
			if skip, reason := skipper.Skip(env); skip {
				log.Info().Str("serial", serial).Str("task", task.ID()).Str("reason", reason).Msg("task skipped")
				done += task.Duration()
				report(task.ID())
				continue
			}
		}
		s.Progress.SetText(fmt.Sprintf("%s: %s", desc, task.Description()))
		log.Info().Str("serial", serial).Str("task", task.ID()).Msg("task started")
		start := time.Now()
		if err := task.Perform(ctx, env); err != nil {
			if s.cancelled() {
				return ErrLaunchCancelled
			}
			return &tasks.ExecutionError{Task: task.ID(), Serial: serial, Err: err}
		}
		log.Info().Str("serial", serial).Str("task", task.ID()).Dur("elapsed", time.Since(start)).Msg("task done")
		done += task.Duration()
		report(task.ID())
	}
	return nil
}

// cancelPending aborts futures still booting.
func (o *Orchestrator) cancelPending(s *Session) {
	for _, fut := range s.Futures {
		if fut.State() == device.StatePending {
			fut.Cancel()
		}
	}
}
