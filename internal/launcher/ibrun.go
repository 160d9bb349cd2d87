package launcher

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/pilotproject/pilot/internal/common/piloterrors"
	"github.com/pilotproject/pilot/internal/pilot"
)

// Ibrun is the rank-offset launcher found on TACC-style systems. The offset
// of the unit's rank group inside the surrounding job is computed by the
// scheduler and carried in the slot's task offsets; this adapter must not
// recompute it.
type Ibrun struct {
	launchCommand string
}

func NewIbrun(resolver Resolver) (*Ibrun, error) {
	launchCommand, err := resolver.Which("ibrun")
	if err != nil {
		return nil, errors.WithStack(&piloterrors.ErrInvalidConfiguration{
			Method:  MethodIbrun,
			Message: "ibrun not found in PATH",
		})
	}
	return &Ibrun{launchCommand: launchCommand}, nil
}

func (i *Ibrun) Name() string {
	return MethodIbrun
}

func (i *Ibrun) ConstructCommand(unit *pilot.Unit, hopScript string) (string, string, error) {
	d := unit.Description
	slot := unit.Slot
	if slot == nil || len(slot.TaskOffsets) == 0 {
		return "", "", &piloterrors.ErrInvalidConfiguration{
			Method:      MethodIbrun,
			MissingKeys: []string{"task_offsets"},
		}
	}

	processes := d.CpuProcesses
	if processes < 1 {
		processes = 1
	}

	command := fmt.Sprintf("%s -n %d -o %d %s",
		i.launchCommand, processes, slot.TaskOffsets[0], taskCommand(d))
	return command, "", nil
}
