// Package executing starts unit processes and watches them to completion.
// One OS process per unit; several units run concurrently. Completion is
// observed by a blocking wait on a dedicated goroutine per unit, never by
// polling. The stage stays responsive to cancellation at all times, including
// for units that have not been spawned yet.
package executing

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pilotproject/pilot/internal/common/eventstream"
	"github.com/pilotproject/pilot/internal/launcher"
	"github.com/pilotproject/pilot/internal/pilot"
	"github.com/pilotproject/pilot/internal/reporter"
)

type Stage struct {
	method        launcher.Method
	eventReporter reporter.EventReporter
	stream        eventstream.EventStream
	sandboxRoot   string
	hopScript     string

	in      <-chan *pilot.Unit
	out     chan<- *pilot.Unit
	cancels chan []string

	mu        sync.Mutex
	requested map[string]bool          // cancellation requested, unit not seen yet
	running   map[string]chan struct{} // uid -> closed on cancellation
	wg        sync.WaitGroup
}

func NewStage(
	method launcher.Method,
	eventReporter reporter.EventReporter,
	stream eventstream.EventStream,
	sandboxRoot string,
	hopScript string,
	in <-chan *pilot.Unit,
	out chan<- *pilot.Unit,
) *Stage {
	return &Stage{
		method:        method,
		eventReporter: eventReporter,
		stream:        stream,
		sandboxRoot:   sandboxRoot,
		hopScript:     hopScript,
		in:            in,
		out:           out,
		cancels:       make(chan []string, 64),
		requested:     map[string]bool{},
		running:       map[string]chan struct{}{},
	}
}

// Run consumes the launch queue until the context is done or the queue is
// closed. The cancellation channel is drained in the same select, so control
// messages are never stuck behind launch work.
func (s *Stage) Run(ctx context.Context) error {
	err := s.stream.Subscribe(eventstream.ControlChannel, func(event *eventstream.EventMessage) error {
		if event.CancelRequested != nil {
			s.cancels <- event.CancelRequested.UnitIds
		}
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "executing stage failed to subscribe for cancellations")
	}

	// Cancellation marks for units this stage never sees are dropped once the
	// unit goes terminal elsewhere, so repeated cancels cannot grow the map
	// for the agent's lifetime.
	err = s.stream.Subscribe(eventstream.StateChannel, func(event *eventstream.EventMessage) error {
		if event.StateTransition != nil && pilot.IsTerminal(event.StateTransition.To) {
			s.mu.Lock()
			delete(s.requested, event.StateTransition.UnitId)
			s.mu.Unlock()
		}
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "executing stage failed to subscribe for state transitions")
	}

	for {
		select {
		case <-ctx.Done():
			s.cancelAllRunning()
			s.wg.Wait()
			return nil
		case uids := <-s.cancels:
			s.handleCancel(uids)
		case unit, ok := <-s.in:
			if !ok {
				s.wg.Wait()
				return nil
			}
			s.handle(unit)
		}
	}
}

func (s *Stage) handleCancel(uids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, uid := range uids {
		if cancelChan, ok := s.running[uid]; ok {
			close(cancelChan)
			delete(s.running, uid)
			continue
		}
		s.requested[uid] = true
	}
}

func (s *Stage) cancelAllRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, cancelChan := range s.running {
		close(cancelChan)
		delete(s.running, uid)
	}
}

// handle takes ownership of a unit in state LAUNCHING and either hands it to
// the staging queue in STAGING_OUTPUT, or finalizes it as FAILED/CANCELED.
func (s *Stage) handle(unit *pilot.Unit) {
	s.mu.Lock()
	if s.requested[unit.Uid] {
		delete(s.requested, unit.Uid)
		s.mu.Unlock()
		s.eventReporter.ReportTransition(unit, pilot.Canceled, "canceled before launch")
		return
	}
	cancelChan := make(chan struct{})
	s.running[unit.Uid] = cancelChan
	s.mu.Unlock()

	cmd, err := s.launch(unit)
	if err != nil {
		s.forget(unit.Uid)
		log.Errorf("Failed to launch unit %s: %s", unit.Uid, err)
		s.eventReporter.ReportTransition(unit, pilot.Failed, err.Error())
		return
	}

	s.eventReporter.ReportTransition(unit, pilot.Executing, "")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watch(unit, cmd, cancelChan)
	}()
}

// launch builds the launcher command, writes the launch script and starts the
// process in its own process group with stdout/stderr captured to per-unit
// files under the sandbox.
func (s *Stage) launch(unit *pilot.Unit) (*exec.Cmd, error) {
	command, hop, err := s.method.ConstructCommand(unit, s.hopScript)
	if err != nil {
		return nil, err
	}

	sandbox := filepath.Join(s.sandboxRoot, unit.Uid)
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create sandbox for unit %s", unit.Uid)
	}
	unit.Sandbox = sandbox
	unit.StdoutFile = filepath.Join(sandbox, unit.Uid+".out")
	unit.StderrFile = filepath.Join(sandbox, unit.Uid+".err")

	scriptPath := filepath.Join(sandbox, "launch.sh")
	if err := os.WriteFile(scriptPath, []byte(launchScript(unit.Description, command)), 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to write launch script for unit %s", unit.Uid)
	}

	stdout, err := os.Create(unit.StdoutFile)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	stderr, err := os.Create(unit.StderrFile)
	if err != nil {
		stdout.Close()
		return nil, errors.WithStack(err)
	}

	cmd := exec.Command("/bin/sh", scriptPath)
	cmd.Dir = sandbox
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Env = processEnv(unit.Description.Environment)
	if hop != "" {
		// The launcher starts the hop script on the compute nodes; the hop
		// script execs the task command it finds here.
		cmd.Env = append(cmd.Env, "PILOT_HOP_CMD="+hop)
		log.Debugf("Unit %s launches through hop: %s", unit.Uid, hop)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err = cmd.Start()
	stdout.Close()
	stderr.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to start unit %s", unit.Uid)
	}
	unit.Prof("exec_start", command)
	return cmd, nil
}

// watch blocks until the unit's process exits, is canceled or times out,
// classifies the outcome and pushes the unit to the staging queue (except
// for canceled units, which go terminal here).
func (s *Stage) watch(unit *pilot.Unit, cmd *exec.Cmd, cancelChan chan struct{}) {
	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	var timeout <-chan time.Time
	if unit.Description.Timeout > 0 {
		timer := time.NewTimer(unit.Description.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-waitDone:
		s.forget(unit.Uid)
		s.classify(unit, err)
	case <-timeout:
		s.forget(unit.Uid)
		killProcessGroup(cmd)
		<-waitDone
		unit.TargetState = pilot.Failed
		unit.Reason = fmt.Sprintf("unit timed out after %s", unit.Description.Timeout)
	case <-cancelChan:
		killProcessGroup(cmd)
		<-waitDone
		s.eventReporter.ReportTransition(unit, pilot.Canceled, "canceled while executing")
		return
	}

	if s.eventReporter.ReportTransition(unit, pilot.StagingOutput, "") {
		s.out <- unit
	}
}

func (s *Stage) classify(unit *pilot.Unit, err error) {
	if err == nil {
		unit.ExitCode = 0
		unit.TargetState = pilot.Done
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		unit.ExitCode = exitErr.ExitCode()
		unit.TargetState = pilot.Failed
		unit.Reason = fmt.Sprintf("unit exited with code %d", unit.ExitCode)
		return
	}
	unit.TargetState = pilot.Failed
	unit.Reason = err.Error()
}

func (s *Stage) forget(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, uid)
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		log.Warnf("Failed to kill process group %d: %s", cmd.Process.Pid, err)
	}
}

// launchScript renders the per-unit shell script: pre-exec hooks, the
// launcher command, post-exec hooks. The task's exit code survives the
// post-exec hooks.
func launchScript(d *pilot.Description, command string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, line := range d.PreExec {
		b.WriteString(line + "\n")
	}
	b.WriteString(command + "\n")
	b.WriteString("PILOT_TASK_RET=$?\n")
	for _, line := range d.PostExec {
		b.WriteString(line + "\n")
	}
	b.WriteString("exit $PILOT_TASK_RET\n")
	return b.String()
}

func processEnv(environment map[string]string) []string {
	env := os.Environ()
	keys := make([]string, 0, len(environment))
	for key := range environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, key+"="+environment[key])
	}
	return env
}
