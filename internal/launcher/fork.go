package launcher

import (
	"github.com/pilotproject/pilot/internal/pilot"
)

// Fork launches the task directly on the local node: executable and
// arguments concatenated verbatim, no wrapping. The unit's environment is
// applied by the execution stage, not encoded in the command.
type Fork struct{}

func NewFork() *Fork {
	return &Fork{}
}

func (f *Fork) Name() string {
	return MethodFork
}

func (f *Fork) ConstructCommand(unit *pilot.Unit, hopScript string) (string, string, error) {
	return taskCommand(unit.Description), "", nil
}
