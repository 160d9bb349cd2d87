package launcher

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/pilotproject/pilot/internal/common/piloterrors"
	"github.com/pilotproject/pilot/internal/pilot"
)

// Slot metadata keys consumed by the runjob block launcher. These are opaque
// to every other launch method.
const (
	SlotKeyBlockId       = "block_id"
	SlotKeySubBlockShape = "sub_block_shape"
	SlotKeyCornerNode    = "corner_node"
)

// Runjob is the block/job launcher for torus-topology systems (IBM BG/Q
// style). The resource manager hands the scheduler a block allocation; the
// slot carries the block id, the sub-block shape and the corner node the
// sub-block is anchored at.
type Runjob struct {
	launchCommand string
}

func NewRunjob(resolver Resolver) (*Runjob, error) {
	launchCommand, err := resolver.Which("runjob")
	if err != nil {
		return nil, errors.WithStack(&piloterrors.ErrInvalidConfiguration{
			Method:  MethodRunjob,
			Message: "runjob not found in PATH",
		})
	}
	return &Runjob{launchCommand: launchCommand}, nil
}

func (r *Runjob) Name() string {
	return MethodRunjob
}

func (r *Runjob) ConstructCommand(unit *pilot.Unit, hopScript string) (string, string, error) {
	d := unit.Description
	slot := unit.Slot
	if slot == nil {
		return "", "", &piloterrors.ErrInvalidConfiguration{
			Method:  MethodRunjob,
			Message: fmt.Sprintf("unit %s has no slot assignment", unit.Uid),
		}
	}

	missing := []string{}
	for _, key := range []string{SlotKeyBlockId, SlotKeyCornerNode, SlotKeySubBlockShape} {
		if _, ok := slot.Launch[key]; !ok {
			missing = append(missing, key)
		}
	}
	if slot.CoresPerNode <= 0 {
		missing = append(missing, "cores_per_node")
	}
	if len(missing) > 0 {
		return "", "", &piloterrors.ErrInvalidConfiguration{
			Method:      MethodRunjob,
			MissingKeys: missing,
		}
	}

	taskCores := d.CpuProcesses + d.GpuProcesses
	if taskCores < 1 {
		taskCores = 1
	}
	if taskCores%slot.CoresPerNode != 0 {
		return "", "", &piloterrors.ErrInvalidResourceLayout{
			Name:    "cores",
			Value:   taskCores,
			Message: fmt.Sprintf("num cores (%d) is not a multiple of %d", taskCores, slot.CoresPerNode),
		}
	}

	ranksPerNode := slot.CoresPerNode
	if taskCores < ranksPerNode {
		ranksPerNode = taskCores
	}

	command := fmt.Sprintf("%s --ranks-per-node %d --block %s --corner %s --shape %s : %s",
		r.launchCommand,
		ranksPerNode,
		slot.Launch[SlotKeyBlockId],
		slot.Launch[SlotKeyCornerNode],
		slot.Launch[SlotKeySubBlockShape],
		taskCommand(d))
	return command, "", nil
}
