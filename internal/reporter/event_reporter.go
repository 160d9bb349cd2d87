// Package reporter advances unit state and publishes the corresponding
// transition events. Every stage goes through one EventReporter, so external
// observers always see a consistent, monotonically advancing state: the
// transition is published before the unit is handed to the next queue.
package reporter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/pilotproject/pilot/internal/common/eventstream"
	"github.com/pilotproject/pilot/internal/metrics"
	"github.com/pilotproject/pilot/internal/pilot"
)

var stateTransitionCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metrics.PilotAgentMetricsPrefix + "unit_state_transitions_total",
		Help: "Number of unit state transitions by target state",
	}, []string{"state"})

type EventReporter interface {
	// ReportTransition advances the unit to the given state and publishes
	// the transition. Illegal transitions are dropped with a warning; in
	// particular a terminal unit is never advanced again, which is what
	// makes late cancellations a no-op.
	ReportTransition(unit *pilot.Unit, to pilot.State, reason string) bool
}

type StreamEventReporter struct {
	stream eventstream.EventStream
}

func NewStreamEventReporter(stream eventstream.EventStream) *StreamEventReporter {
	return &StreamEventReporter{stream: stream}
}

func (r *StreamEventReporter) ReportTransition(unit *pilot.Unit, to pilot.State, reason string) bool {
	from := unit.State
	if !pilot.CanTransition(from, to) {
		if !pilot.IsTerminal(from) {
			log.Warnf("Dropping illegal state transition %s -> %s for unit %s", from, to, unit.Uid)
		}
		return false
	}

	unit.State = to
	if reason != "" {
		unit.Reason = reason
	}
	unit.Prof("advance", string(to))
	stateTransitionCounter.WithLabelValues(string(to)).Inc()

	errs := r.stream.Publish(eventstream.StateChannel, []*eventstream.EventMessage{{
		StateTransition: &eventstream.StateTransition{
			UnitId:    unit.Uid,
			From:      from,
			To:        to,
			Reason:    reason,
			Timestamp: time.Now(),
		},
	}})
	for _, err := range errs {
		log.Errorf("Failed to publish state transition for unit %s: %s", unit.Uid, err)
	}
	return true
}
