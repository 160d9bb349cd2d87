// Package scheduler binds pending units to pilots and concrete resource
// slots. The round-robin policy visits pilots in a fixed cyclic order,
// regardless of their current load; slot allocation within a pilot is
// delegated to its Allocator.
package scheduler

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/pilotproject/pilot/internal/common/piloterrors"
	"github.com/pilotproject/pilot/internal/common/util"
	"github.com/pilotproject/pilot/internal/pilot"
)

// Assignment is one scheduling decision: the unit, the chosen pilot and the
// slot carved out of it. The caller advances unit state using this mapping;
// the scheduler itself never mutates units.
type Assignment struct {
	Unit    *pilot.Unit
	PilotId string
	Slot    *pilot.Slot
}

type RoundRobin struct {
	mu         sync.Mutex
	cursor     int
	multiNode  bool
	clock      util.Clock
	allocators map[string]*Allocator
}

// NewRoundRobin creates a multi-pilot round-robin scheduler. When multiNode
// is false, units requesting more cores than any single node offers are
// rejected rather than spread across nodes.
func NewRoundRobin(multiNode bool) *RoundRobin {
	return &RoundRobin{
		multiNode:  multiNode,
		clock:      &util.DefaultClock{},
		allocators: map[string]*Allocator{},
	}
}

// Allocator returns the capacity bookkeeping for the given pilot, creating it
// on first sight of the pilot.
func (s *RoundRobin) Allocator(p *pilot.Pilot) *Allocator {
	s.mu.Lock()
	defer s.mu.Unlock()
	allocator, ok := s.allocators[p.Uid]
	if !ok {
		allocator = NewAllocator(p)
		s.allocators[p.Uid] = allocator
	}
	return allocator
}

// Release returns the slot's capacity to its pilot. Called by the pipeline
// when a unit reaches a terminal state.
func (s *RoundRobin) Release(pilotId string, slot *pilot.Slot) {
	s.mu.Lock()
	allocator, ok := s.allocators[pilotId]
	s.mu.Unlock()
	if ok {
		allocator.Release(slot)
	}
}

// Schedule offers each unit to the next pilot in rotation, advancing the
// cursor by one per unit examined and wrapping at the end of the pilot list.
// A unit that does not fit the cursor pilot is offered to the remaining
// pilots in rotation order before being rejected. Pilots that are not active
// are skipped.
//
// The cursor persists across calls, so successive Schedule invocations keep
// rotating rather than restarting at the first pilot.
func (s *RoundRobin) Schedule(units []*pilot.Unit, pilots []*pilot.Pilot) ([]*Assignment, []*pilot.Unit, error) {
	if len(pilots) == 0 {
		return nil, nil, &piloterrors.ErrNoPilots{}
	}

	assignments := make([]*Assignment, 0, len(units))
	rejected := []*pilot.Unit{}

	for _, unit := range units {
		s.mu.Lock()
		if s.cursor >= len(pilots) {
			s.cursor = 0
		}
		start := s.cursor
		s.cursor++
		s.mu.Unlock()

		var assignment *Assignment
		for attempt := 0; attempt < len(pilots); attempt++ {
			candidate := pilots[(start+attempt)%len(pilots)]
			if candidate.State != pilot.PilotActive || candidate.Expired(s.clock.Now()) {
				continue
			}
			slot, err := s.Allocator(candidate).Allocate(unit.Description, s.multiNode)
			if err != nil {
				log.Debugf("Unit %s does not fit pilot %s: %s", unit.Uid, candidate.Uid, err)
				continue
			}
			assignment = &Assignment{Unit: unit, PilotId: candidate.Uid, Slot: slot}
			break
		}

		if assignment == nil {
			rejected = append(rejected, unit)
			continue
		}
		assignments = append(assignments, assignment)
	}

	return assignments, rejected, nil
}
