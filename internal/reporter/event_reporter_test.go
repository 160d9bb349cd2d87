package reporter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotproject/pilot/internal/common/eventstream"
	"github.com/pilotproject/pilot/internal/pilot"
)

func collectTransitions(t *testing.T, stream eventstream.EventStream) (*sync.Mutex, *[]eventstream.StateTransition) {
	var mu sync.Mutex
	transitions := &[]eventstream.StateTransition{}
	err := stream.Subscribe(eventstream.StateChannel, func(event *eventstream.EventMessage) error {
		mu.Lock()
		defer mu.Unlock()
		*transitions = append(*transitions, *event.StateTransition)
		return nil
	})
	require.NoError(t, err)
	return &mu, transitions
}

func TestReportTransitionPublishes(t *testing.T) {
	stream := eventstream.NewMemoryEventStream()
	defer stream.Close()
	mu, transitions := collectTransitions(t, stream)

	r := NewStreamEventReporter(stream)
	unit := &pilot.Unit{Uid: "u1", State: pilot.New}

	assert.True(t, r.ReportTransition(unit, pilot.Scheduling, ""))
	assert.Equal(t, pilot.Scheduling, unit.State)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*transitions) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, pilot.New, (*transitions)[0].From)
	assert.Equal(t, pilot.Scheduling, (*transitions)[0].To)
}

func TestReportTransitionRejectsIllegal(t *testing.T) {
	stream := eventstream.NewMemoryEventStream()
	defer stream.Close()

	r := NewStreamEventReporter(stream)
	unit := &pilot.Unit{Uid: "u1", State: pilot.New}

	assert.False(t, r.ReportTransition(unit, pilot.Executing, ""))
	assert.Equal(t, pilot.New, unit.State)
}

func TestReportTransitionTerminalIsFinal(t *testing.T) {
	stream := eventstream.NewMemoryEventStream()
	defer stream.Close()
	mu, transitions := collectTransitions(t, stream)

	r := NewStreamEventReporter(stream)
	unit := &pilot.Unit{Uid: "u1", State: pilot.Executing}

	assert.True(t, r.ReportTransition(unit, pilot.Canceled, "canceled by request"))
	assert.False(t, r.ReportTransition(unit, pilot.Canceled, "canceled again"))
	assert.Equal(t, pilot.Canceled, unit.State)
	assert.Equal(t, "canceled by request", unit.Reason)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*transitions) == 1
	}, time.Second, 10*time.Millisecond)
}
