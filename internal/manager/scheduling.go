package manager

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/pilotproject/pilot/internal/common/eventstream"
	"github.com/pilotproject/pilot/internal/pilot"
	"github.com/pilotproject/pilot/internal/reporter"
	"github.com/pilotproject/pilot/internal/scheduler"
)

// schedulingStage consumes submitted units and binds them to pilots and
// slots. Units that do not currently fit anywhere are held pending and
// retried whenever capacity is released, so later generations of work run
// as earlier ones finish.
type schedulingStage struct {
	scheduler     *scheduler.RoundRobin
	eventReporter reporter.EventReporter
	stream        eventstream.EventStream
	pilots        func() []*pilot.Pilot

	in        <-chan *pilot.Unit
	out       chan<- *pilot.Unit
	kick      <-chan struct{}
	cancels   chan []string
	terminals chan string

	pending   []*pilot.Unit
	requested map[string]bool
}

func newSchedulingStage(
	s *scheduler.RoundRobin,
	eventReporter reporter.EventReporter,
	stream eventstream.EventStream,
	pilots func() []*pilot.Pilot,
	in <-chan *pilot.Unit,
	out chan<- *pilot.Unit,
	kick <-chan struct{},
) *schedulingStage {
	return &schedulingStage{
		scheduler:     s,
		eventReporter: eventReporter,
		stream:        stream,
		pilots:        pilots,
		in:            in,
		out:           out,
		kick:          kick,
		cancels:       make(chan []string, 64),
		terminals:     make(chan string, 64),
		requested:     map[string]bool{},
	}
}

func (s *schedulingStage) Run(ctx context.Context) error {
	err := s.stream.Subscribe(eventstream.ControlChannel, func(event *eventstream.EventMessage) error {
		if event.CancelRequested != nil {
			s.cancels <- event.CancelRequested.UnitIds
		}
		return nil
	})
	if err != nil {
		return errors.WithMessage(err, "scheduling stage failed to subscribe for cancellations")
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
		return errors.WithMessage(err, "scheduling stage failed to subscribe for state transitions")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case uid := <-s.terminals:
			delete(s.requested, uid)
		case uids := <-s.cancels:
			s.handleCancel(uids)
		case unit, ok := <-s.in:
			if !ok {
				return nil
			}
			if s.requested[unit.Uid] {
				delete(s.requested, unit.Uid)
				s.eventReporter.ReportTransition(unit, pilot.Canceled, "canceled before scheduling")
				continue
			}
			s.eventReporter.ReportTransition(unit, pilot.Scheduling, "")
			s.pending = append(s.pending, unit)
			s.trySchedule()
		case <-s.kick:
			s.trySchedule()
		}
	}
}

func (s *schedulingStage) handleCancel(uids []string) {
	requested := map[string]bool{}
	for _, uid := range uids {
		requested[uid] = true
	}
	kept := s.pending[:0]
	for _, unit := range s.pending {
		if requested[unit.Uid] {
			delete(requested, unit.Uid)
			s.eventReporter.ReportTransition(unit, pilot.Canceled, "canceled while pending")
			continue
		}
		kept = append(kept, unit)
	}
	s.pending = kept

	// Units named in the request but not held here may still be in flight on
	// the input queue; remember them so they are dropped on arrival.
	for uid := range requested {
		s.requested[uid] = true
	}
}

// trySchedule offers pending units to the scheduler in submission order.
// Units the scheduler rejects stay pending for the next attempt.
func (s *schedulingStage) trySchedule() {
	if len(s.pending) == 0 {
		return
	}
	pilots := s.pilots()
	assignments, rejected, err := s.scheduler.Schedule(s.pending, pilots)
	if err != nil {
		// Empty pilot set: a programmer error at submit time; nothing to do
		// here but wait for pilots to arrive.
		log.Warnf("Scheduling pass failed: %s", err)
		return
	}

	for _, assignment := range assignments {
		unit := assignment.Unit
		unit.PilotId = assignment.PilotId
		unit.Slot = assignment.Slot
		if s.eventReporter.ReportTransition(unit, pilot.Launching, "") {
			s.out <- unit
		} else {
			// Lost a race with cancellation between scheduling and handoff.
			s.scheduler.Release(assignment.PilotId, assignment.Slot)
		}
	}
	s.pending = rejected
}
