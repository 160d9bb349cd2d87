// Package staging reconciles execution results with the client-visible file
// system. Every unit passes through here after execution, successful or not,
// so that captured stdout/stderr can be attached to the unit record; only
// units whose target state is DONE get their output directives applied.
package staging

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/otiai10/copy"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pilotproject/pilot/internal/common/eventstream"
	"github.com/pilotproject/pilot/internal/common/util"
	"github.com/pilotproject/pilot/internal/pilot"
	"github.com/pilotproject/pilot/internal/reporter"
)

// Transferer moves files to remote targets. Remote transfer mechanics are
// outside the pipeline; this is the narrow contract it is consumed through.
type Transferer interface {
	Transfer(source string, target string) error
}

const DefaultTailBytes = 1024

type Stage struct {
	area          string
	tailBytes     int
	transferer    Transferer
	eventReporter reporter.EventReporter
	stream        eventstream.EventStream

	in        <-chan *pilot.Unit
	cancels   chan []string
	terminals chan string

	requested map[string]bool
}

func NewStage(
	area string,
	tailBytes int,
	transferer Transferer,
	eventReporter reporter.EventReporter,
	stream eventstream.EventStream,
	in <-chan *pilot.Unit,
) *Stage {
	if tailBytes <= 0 {
		tailBytes = DefaultTailBytes
	}
	return &Stage{
		area:          area,
		tailBytes:     tailBytes,
		transferer:    transferer,
		eventReporter: eventReporter,
		stream:        stream,
		in:            in,
		cancels:       make(chan []string, 64),
		terminals:     make(chan string, 64),
		requested:     map[string]bool{},
	}
}

// Run consumes the staging queue until the context is done or the queue is
// closed. Directive failures are per unit: one unit failing to stage never
// aborts staging for its siblings.
func (s *Stage) Run(ctx context.Context) error {
	err := s.stream.Subscribe(eventstream.ControlChannel, func(event *eventstream.EventMessage) error {
		if event.CancelRequested != nil {
			s.cancels <- event.CancelRequested.UnitIds
		}
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "staging stage failed to subscribe for cancellations")
	}

	// Drop cancellation marks for units that go terminal in another stage,
	// so repeated cancels cannot grow the map for the agent's lifetime.
	err = s.stream.Subscribe(eventstream.StateChannel, func(event *eventstream.EventMessage) error {
		if event.StateTransition != nil && pilot.IsTerminal(event.StateTransition.To) {
			s.terminals <- event.StateTransition.UnitId
		}
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "staging stage failed to subscribe for state transitions")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case uid := <-s.terminals:
			delete(s.requested, uid)
		case uids := <-s.cancels:
			for _, uid := range uids {
				s.requested[uid] = true
			}
		case unit, ok := <-s.in:
			if !ok {
				return nil
			}
			s.handle(unit)
		}
	}
}

func (s *Stage) handle(unit *pilot.Unit) {
	// stdout/stderr become part of the unit record for every unit, failed
	// ones included, so their output stays available for diagnosis.
	unit.Stdout += util.TailFile(unit.StdoutFile, s.tailBytes)
	unit.Stderr += util.TailFile(unit.StderrFile, s.tailBytes)
	s.ingestProfile(unit)

	if s.requested[unit.Uid] {
		delete(s.requested, unit.Uid)
		s.eventReporter.ReportTransition(unit, pilot.Canceled, "canceled during output staging")
		return
	}

	if unit.TargetState != pilot.Done {
		s.eventReporter.ReportTransition(unit, unit.TargetState, unit.Reason)
		return
	}

	var result *multierror.Error
	for _, directive := range unit.Description.OutputStaging {
		if err := s.apply(unit, directive); err != nil {
			log.Errorf("Staging directive %s %s -> %s failed for unit %s: %s",
				directive.Action, directive.Source, directive.Target, unit.Uid, err)
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		// A unit whose results cannot be delivered is not reported DONE.
		s.eventReporter.ReportTransition(unit, pilot.Failed, err.Error())
		return
	}
	s.eventReporter.ReportTransition(unit, pilot.Done, "")
}

func (s *Stage) apply(unit *pilot.Unit, directive pilot.StagingDirective) error {
	source := filepath.Join(unit.Sandbox, directive.Source)
	target := directive.Target
	if !filepath.IsAbs(target) {
		target = filepath.Join(s.area, target)
	}

	if directive.Action == pilot.ActionTransfer {
		if s.transferer == nil {
			return errors.Errorf("no transfer collaborator configured for %s", directive.Target)
		}
		return s.transferer.Transfer(source, directive.Target)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "failed to create staging directory for %s", target)
	}

	switch directive.Action {
	case pilot.ActionLink:
		return os.Symlink(source, target)
	case pilot.ActionCopy:
		if _, err := os.Stat(source); err != nil {
			return errors.Wrapf(err, "staging source %s missing", directive.Source)
		}
		return copy.Copy(source, target)
	case pilot.ActionMove:
		if err := os.Rename(source, target); err == nil {
			return nil
		}
		// Rename fails across filesystems; fall back to copy and delete.
		if _, err := os.Stat(source); err != nil {
			return errors.Wrapf(err, "staging source %s missing", directive.Source)
		}
		if err := copy.Copy(source, target); err != nil {
			return err
		}
		return os.RemoveAll(source)
	default:
		return errors.Errorf("staging action %q not supported", directive.Action)
	}
}

// ingestProfile folds a PROF file written by the task or its hooks into the
// unit's profile events. Lines are "<name> <msg> <timestamp>".
func (s *Stage) ingestProfile(unit *pilot.Unit) {
	if unit.Sandbox == "" {
		return
	}
	file, err := os.Open(filepath.Join(unit.Sandbox, "PROF"))
	if err != nil {
		return
	}
	defer util.CloseResource("profile file", file)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 3 {
			continue
		}
		seconds, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			log.Errorf("Failed to parse profile line for unit %s: %s", unit.Uid, scanner.Text())
			continue
		}
		unit.Profile = append(unit.Profile, pilot.ProfileEvent{
			Name:      fields[0],
			Msg:       fields[1],
			Timestamp: time.Unix(0, int64(seconds*float64(time.Second))),
		})
	}
}
