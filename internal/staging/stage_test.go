package staging

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotproject/pilot/internal/common/eventstream"
	"github.com/pilotproject/pilot/internal/pilot"
	"github.com/pilotproject/pilot/internal/reporter"
)

type fakeTransferer struct {
	mu    sync.Mutex
	calls [][2]string
	err   error
}

func (f *fakeTransferer) Transfer(source string, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, [2]string{source, target})
	return f.err
}

type stagingHarness struct {
	area        string
	in          chan *pilot.Unit
	stream      *eventstream.MemoryEventStream
	transferer  *fakeTransferer
	transitions chan *eventstream.StateTransition
	stop        func()
}

func newHarness(t *testing.T) *stagingHarness {
	stream := eventstream.NewMemoryEventStream()
	in := make(chan *pilot.Unit, 8)
	transferer := &fakeTransferer{}
	area := t.TempDir()

	stage := NewStage(area, DefaultTailBytes, transferer, reporter.NewStreamEventReporter(stream), stream, in)

	transitions := make(chan *eventstream.StateTransition, 64)
	err := stream.Subscribe(eventstream.StateChannel, func(event *eventstream.EventMessage) error {
		if event.StateTransition != nil {
			transitions <- event.StateTransition
		}
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = stage.Run(ctx)
	}()

	return &stagingHarness{
		area:        area,
		in:          in,
		stream:      stream,
		transferer:  transferer,
		transitions: transitions,
		stop: func() {
			cancel()
			<-done
			stream.Close()
		},
	}
}

func (h *stagingHarness) waitForTerminal(t *testing.T, uid string) pilot.State {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case transition := <-h.transitions:
			if transition.UnitId == uid && pilot.IsTerminal(transition.To) {
				return transition.To
			}
		case <-deadline:
			t.Fatalf("unit %s never reached a terminal state", uid)
		}
	}
}

func stagedUnit(t *testing.T, uid string, directives ...pilot.StagingDirective) *pilot.Unit {
	sandbox := filepath.Join(t.TempDir(), uid)
	require.NoError(t, os.MkdirAll(sandbox, 0o755))
	unit := &pilot.Unit{
		Uid:         uid,
		State:       pilot.StagingOutput,
		TargetState: pilot.Done,
		Sandbox:     sandbox,
		StdoutFile:  filepath.Join(sandbox, uid+".out"),
		StderrFile:  filepath.Join(sandbox, uid+".err"),
		Description: &pilot.Description{
			Executable:    "/bin/true",
			OutputStaging: directives,
		},
	}
	require.NoError(t, os.WriteFile(unit.StdoutFile, []byte("unit stdout\n"), 0o644))
	require.NoError(t, os.WriteFile(unit.StderrFile, []byte("unit stderr\n"), 0o644))
	return unit
}

func TestStagingAppendsCapturedOutput(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	unit := stagedUnit(t, "u1")
	h.in <- unit

	assert.Equal(t, pilot.Done, h.waitForTerminal(t, "u1"))
	assert.Contains(t, unit.Stdout, "unit stdout")
	assert.Contains(t, unit.Stderr, "unit stderr")
}

func TestStagingSkipsDirectivesForFailedUnits(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	unit := stagedUnit(t, "u2", pilot.StagingDirective{
		Source: "result.dat", Target: "u2/result.dat", Action: pilot.ActionCopy,
	})
	unit.TargetState = pilot.Failed
	unit.Reason = "unit exited with code 1"
	h.in <- unit

	assert.Equal(t, pilot.Failed, h.waitForTerminal(t, "u2"))
	// failed units still get stdout/stderr attached
	assert.Contains(t, unit.Stdout, "unit stdout")
	_, err := os.Stat(filepath.Join(h.area, "u2", "result.dat"))
	assert.True(t, os.IsNotExist(err))
}

func TestStagingCopyDirective(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	unit := stagedUnit(t, "u3", pilot.StagingDirective{
		Source: "result.dat", Target: "u3/result.dat", Action: pilot.ActionCopy,
	})
	require.NoError(t, os.WriteFile(filepath.Join(unit.Sandbox, "result.dat"), []byte("42"), 0o644))
	h.in <- unit

	assert.Equal(t, pilot.Done, h.waitForTerminal(t, "u3"))
	content, err := os.ReadFile(filepath.Join(h.area, "u3", "result.dat"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(content))
	// copy leaves the source in place
	_, err = os.Stat(filepath.Join(unit.Sandbox, "result.dat"))
	assert.NoError(t, err)
}

func TestStagingMoveDirective(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	unit := stagedUnit(t, "u4", pilot.StagingDirective{
		Source: "result.dat", Target: "moved.dat", Action: pilot.ActionMove,
	})
	require.NoError(t, os.WriteFile(filepath.Join(unit.Sandbox, "result.dat"), []byte("42"), 0o644))
	h.in <- unit

	assert.Equal(t, pilot.Done, h.waitForTerminal(t, "u4"))
	_, err := os.Stat(filepath.Join(h.area, "moved.dat"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(unit.Sandbox, "result.dat"))
	assert.True(t, os.IsNotExist(err))
}

func TestStagingLinkDirective(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	unit := stagedUnit(t, "u5", pilot.StagingDirective{
		Source: "result.dat", Target: "linked.dat", Action: pilot.ActionLink,
	})
	require.NoError(t, os.WriteFile(filepath.Join(unit.Sandbox, "result.dat"), []byte("42"), 0o644))
	h.in <- unit

	assert.Equal(t, pilot.Done, h.waitForTerminal(t, "u5"))
	target, err := os.Readlink(filepath.Join(h.area, "linked.dat"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(unit.Sandbox, "result.dat"), target)
}

func TestStagingTransferDelegates(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	unit := stagedUnit(t, "u6", pilot.StagingDirective{
		Source: "result.dat", Target: "remote://site/result.dat", Action: pilot.ActionTransfer,
	})
	h.in <- unit

	assert.Equal(t, pilot.Done, h.waitForTerminal(t, "u6"))
	h.transferer.mu.Lock()
	defer h.transferer.mu.Unlock()
	require.Len(t, h.transferer.calls, 1)
	assert.Equal(t, "remote://site/result.dat", h.transferer.calls[0][1])
}

func TestStagingMissingSourceFailsUnitOnly(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	broken := stagedUnit(t, "u7", pilot.StagingDirective{
		Source: "missing.dat", Target: "u7/missing.dat", Action: pilot.ActionCopy,
	})
	sibling := stagedUnit(t, "u8", pilot.StagingDirective{
		Source: "result.dat", Target: "u8/result.dat", Action: pilot.ActionCopy,
	})
	require.NoError(t, os.WriteFile(filepath.Join(sibling.Sandbox, "result.dat"), []byte("ok"), 0o644))

	h.in <- broken
	h.in <- sibling

	assert.Equal(t, pilot.Failed, h.waitForTerminal(t, "u7"))
	assert.Contains(t, broken.Reason, "missing.dat")

	assert.Equal(t, pilot.Done, h.waitForTerminal(t, "u8"))
}

func TestStagingAggregatesDirectiveFailures(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	unit := stagedUnit(t, "u10",
		pilot.StagingDirective{Source: "missing1.dat", Target: "u10/a.dat", Action: pilot.ActionCopy},
		pilot.StagingDirective{Source: "missing2.dat", Target: "u10/b.dat", Action: pilot.ActionCopy},
	)
	h.in <- unit

	assert.Equal(t, pilot.Failed, h.waitForTerminal(t, "u10"))
	// both failures land in one combined reason
	assert.Contains(t, unit.Reason, "2 errors occurred")
	assert.Contains(t, unit.Reason, "missing1.dat")
	assert.Contains(t, unit.Reason, "missing2.dat")
}

func TestStagingCancelsQueuedUnit(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	h.stream.Publish(eventstream.ControlChannel, []*eventstream.EventMessage{
		{CancelRequested: &eventstream.CancelRequested{UnitIds: []string{"u11"}}},
	})
	// let the control message land before the unit arrives
	time.Sleep(100 * time.Millisecond)

	unit := stagedUnit(t, "u11", pilot.StagingDirective{
		Source: "result.dat", Target: "u11/result.dat", Action: pilot.ActionCopy,
	})
	require.NoError(t, os.WriteFile(filepath.Join(unit.Sandbox, "result.dat"), []byte("42"), 0o644))
	h.in <- unit

	assert.Equal(t, pilot.Canceled, h.waitForTerminal(t, "u11"))
	// output is still attached, but no directive ran
	assert.Contains(t, unit.Stdout, "unit stdout")
	_, err := os.Stat(filepath.Join(h.area, "u11", "result.dat"))
	assert.True(t, os.IsNotExist(err))
}

func TestStagingIngestsProfileFile(t *testing.T) {
	h := newHarness(t)
	defer h.stop()

	unit := stagedUnit(t, "u9")
	require.NoError(t, os.WriteFile(filepath.Join(unit.Sandbox, "PROF"),
		[]byte("app_start init 1600000000.25\nbogus line\n"), 0o644))
	h.in <- unit

	assert.Equal(t, pilot.Done, h.waitForTerminal(t, "u9"))
	require.Len(t, unit.Profile, 1)
	assert.Equal(t, "app_start", unit.Profile[0].Name)
}
