// Package manager owns the unit pipeline: the stage workers, the queues
// between them and the observable unit records. Stages never call each other;
// units move forward through queues and every state change is published on
// the event stream before the handoff. There are no process-wide singletons:
// a UnitManager is an explicit context object with a start/stop lifecycle.
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/pilotproject/pilot/internal/common/eventstream"
	"github.com/pilotproject/pilot/internal/common/util"
	"github.com/pilotproject/pilot/internal/executing"
	"github.com/pilotproject/pilot/internal/launcher"
	"github.com/pilotproject/pilot/internal/pilot"
	"github.com/pilotproject/pilot/internal/reporter"
	"github.com/pilotproject/pilot/internal/scheduler"
	"github.com/pilotproject/pilot/internal/staging"
)

const queueDepth = 1024

type unitRecord struct {
	unit  *pilot.Unit
	state pilot.State
	done  chan struct{}
}

type UnitManager struct {
	stream        eventstream.EventStream
	eventReporter reporter.EventReporter
	scheduler     *scheduler.RoundRobin

	schedulingStage *schedulingStage
	executingStage  *executing.Stage
	stagingStage    *staging.Stage

	schedQ  chan *pilot.Unit
	launchQ chan *pilot.Unit
	stageQ  chan *pilot.Unit
	kick    chan struct{}

	prober ResourceProber

	mu     sync.Mutex
	pilots []*pilot.Pilot
	units  map[string]*unitRecord

	group  *errgroup.Group
	cancel context.CancelFunc
}

// Options carries the pipeline collaborators and tunables.
type Options struct {
	Method      launcher.Method
	Transferer  staging.Transferer
	Prober      ResourceProber
	SandboxRoot string
	StagingArea string
	TailBytes   int
	HopScript   string
	MultiNode   bool
}

func NewUnitManager(stream eventstream.EventStream, opts Options) *UnitManager {
	eventReporter := reporter.NewStreamEventReporter(stream)
	roundRobin := scheduler.NewRoundRobin(opts.MultiNode)

	m := &UnitManager{
		stream:        stream,
		eventReporter: eventReporter,
		scheduler:     roundRobin,
		prober:        opts.Prober,
		schedQ:        make(chan *pilot.Unit, queueDepth),
		launchQ:       make(chan *pilot.Unit, queueDepth),
		stageQ:        make(chan *pilot.Unit, queueDepth),
		kick:          make(chan struct{}, 1),
		units:         map[string]*unitRecord{},
	}

	m.schedulingStage = newSchedulingStage(
		roundRobin, eventReporter, stream, m.activePilots, m.schedQ, m.launchQ, m.kick)
	m.executingStage = executing.NewStage(
		opts.Method, eventReporter, stream, opts.SandboxRoot, opts.HopScript, m.launchQ, m.stageQ)
	m.stagingStage = staging.NewStage(
		opts.StagingArea, opts.TailBytes, opts.Transferer, eventReporter, stream, m.stageQ)

	return m
}

// Start launches the three stage workers and the terminal-state watcher.
func (m *UnitManager) Start(ctx context.Context) error {
	err := m.stream.Subscribe(eventstream.StateChannel, m.onStateTransition)
	if err != nil {
		return errors.WithMessage(err, "unit manager failed to subscribe for state transitions")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	group, ctx := errgroup.WithContext(ctx)
	m.group = group

	group.Go(func() error { return m.schedulingStage.Run(ctx) })
	group.Go(func() error { return m.executingStage.Run(ctx) })
	group.Go(func() error { return m.stagingStage.Run(ctx) })
	return nil
}

// Stop shuts the pipeline down and waits for the stage workers to exit.
func (m *UnitManager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.group != nil {
		if err := m.group.Wait(); err != nil {
			log.Errorf("Unit pipeline shut down with error: %s", err)
		}
	}
}

// onStateTransition keeps the manager's view of unit states current, releases
// slot capacity when units go terminal and wakes the scheduling stage so held
// units get another pass.
func (m *UnitManager) onStateTransition(event *eventstream.EventMessage) error {
	transition := event.StateTransition
	if transition == nil {
		return nil
	}
	m.mu.Lock()
	record, ok := m.units[transition.UnitId]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	record.state = transition.To
	terminal := pilot.IsTerminal(transition.To)
	var pilotId string
	var slot *pilot.Slot
	if terminal {
		pilotId = record.unit.PilotId
		slot = record.unit.Slot
	}
	m.mu.Unlock()

	if terminal {
		if slot != nil {
			m.scheduler.Release(pilotId, slot)
		}
		select {
		case m.kick <- struct{}{}:
		default:
		}
		close(record.done)
	}
	return nil
}

// AddPilots registers pilot allocations with the pipeline. Pilots are marked
// active and their runtime budget starts counting now. Pilots registered
// without a node list are probed for one; a pilot that cannot be probed is
// not registered.
func (m *UnitManager) AddPilots(pilots ...*pilot.Pilot) {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range pilots {
		if p.Uid == "" {
			p.Uid = "pilot." + util.NewULID()
		}
		if len(p.Nodes) == 0 && m.prober != nil {
			nodes, err := m.prober.Probe(p.Uid)
			if err != nil {
				log.Errorf("Failed to probe node layout for pilot %s: %s", p.Uid, err)
				continue
			}
			p.Nodes = nodes
			if p.Cores == 0 {
				for _, node := range nodes {
					p.Cores += node.Cores
					p.Gpus += node.Gpus
				}
			}
		}
		if p.State == "" {
			p.State = pilot.PilotActive
		}
		if p.Started.IsZero() {
			p.Started = now
		}
		m.pilots = append(m.pilots, p)
	}
}

// ExpirePilots marks pilots whose runtime budget is used up as done. The
// scheduler stops binding units to them from the next pass on; units already
// running on them are left to finish.
func (m *UnitManager) ExpirePilots() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pilots {
		if p.State == pilot.PilotActive && p.Expired(now) {
			p.State = pilot.PilotDone
			log.Infof("Pilot %s exhausted its runtime budget of %s", p.Uid, p.Runtime)
		}
	}
}

// activePilots returns per-pilot snapshots taken under the manager lock.
// The scheduling stage reads pilot state and expiry from these copies, so
// the expiry sweep can flip the originals without racing it. Node lists are
// shared but immutable after registration.
func (m *UnitManager) activePilots() []*pilot.Pilot {
	m.mu.Lock()
	defer m.mu.Unlock()
	pilots := make([]*pilot.Pilot, 0, len(m.pilots))
	for _, p := range m.pilots {
		snapshot := *p
		pilots = append(pilots, &snapshot)
	}
	return pilots
}

// Submit validates and enqueues units against the registered pilot set.
// Units whose request can never be satisfied by any registered pilot are
// rejected outright; accepted units enter the pipeline in state NEW.
func (m *UnitManager) Submit(units []*pilot.Unit) (accepted []*pilot.Unit, rejected []*pilot.Unit) {
	pilots := m.activePilots()
	for _, unit := range units {
		if unit.Description == nil || unit.Description.Executable == "" {
			unit.Reason = "unit has no executable"
			rejected = append(rejected, unit)
			continue
		}
		if !fitsAnyPilot(unit.Description, pilots) {
			unit.Reason = "unit request exceeds the capacity of every pilot"
			rejected = append(rejected, unit)
			continue
		}
		if unit.Uid == "" {
			unit.Uid = "unit." + util.NewULID()
		}
		unit.State = pilot.New
		unit.Prof("submit", "")

		m.mu.Lock()
		m.units[unit.Uid] = &unitRecord{unit: unit, state: pilot.New, done: make(chan struct{})}
		m.mu.Unlock()

		accepted = append(accepted, unit)
		m.schedQ <- unit
	}
	return accepted, rejected
}

func fitsAnyPilot(d *pilot.Description, pilots []*pilot.Pilot) bool {
	for _, p := range pilots {
		if d.RequiredCores() <= p.Cores && d.GpuProcesses <= p.Gpus {
			return true
		}
	}
	return false
}

// Cancel broadcasts a cancellation request for the named units. It only
// acknowledges the request; termination happens asynchronously in whichever
// stage holds each unit. Canceling terminal or unknown units is a no-op.
func (m *UnitManager) Cancel(uids []string) {
	if len(uids) == 0 {
		return
	}
	errs := m.stream.Publish(eventstream.ControlChannel, []*eventstream.EventMessage{{
		CancelRequested: &eventstream.CancelRequested{UnitIds: uids},
	}})
	for _, err := range errs {
		log.Errorf("Failed to publish cancellation request: %s", err)
	}
}

// Wait blocks until the named units (all known units when uids is nil) reach
// a terminal state, or the context is done. It returns the terminal state per
// unit; units still in flight when the context expires are absent from the
// result.
func (m *UnitManager) Wait(ctx context.Context, uids []string) map[string]pilot.State {
	m.mu.Lock()
	records := map[string]*unitRecord{}
	if uids == nil {
		for uid, record := range m.units {
			records[uid] = record
		}
	} else {
		for _, uid := range uids {
			if record, ok := m.units[uid]; ok {
				records[uid] = record
			}
		}
	}
	m.mu.Unlock()

	result := map[string]pilot.State{}
	for uid, record := range records {
		select {
		case <-record.done:
			m.mu.Lock()
			result[uid] = record.state
			m.mu.Unlock()
		case <-ctx.Done():
			return result
		}
	}
	return result
}

// States returns the current state of the named units, without blocking.
func (m *UnitManager) States(uids []string) map[string]pilot.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := map[string]pilot.State{}
	for _, uid := range uids {
		if record, ok := m.units[uid]; ok {
			result[uid] = record.state
		}
	}
	return result
}
