package launcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilotproject/pilot/internal/common/piloterrors"
	"github.com/pilotproject/pilot/internal/pilot"
)

func testResolver() *StaticResolver {
	return &StaticResolver{Paths: map[string]string{
		"mpirun": "mpirun",
		"runjob": "runjob",
		"ibrun":  "ibrun",
	}}
}

func mpiUnit() *pilot.Unit {
	return &pilot.Unit{
		Uid: "task.000000",
		Description: &pilot.Description{
			Executable:   "test_exe",
			CpuProcesses: 4,
			CpuThreads:   1,
			ProcessType:  pilot.ProcessMPI,
		},
		Slot: &pilot.Slot{
			Nodes: []pilot.SlotNode{
				{Name: "node1", Cores: []int{0, 1}},
				{Name: "node2", Cores: []int{0, 1}},
			},
			CoresPerNode: 16,
			TaskOffsets:  []int{2},
		},
	}
}

func TestUnknownMethod(t *testing.T) {
	_, err := New("srun", testResolver())
	var e *piloterrors.ErrNotFound
	assert.ErrorAs(t, err, &e)
}

func TestForkConstructCommand(t *testing.T) {
	method := NewFork()
	unit := &pilot.Unit{
		Uid: "u1",
		Description: &pilot.Description{
			Executable: "/bin/echo",
			Arguments:  []string{"hello", "pilot world"},
		},
	}
	command, hop, err := method.ConstructCommand(unit, "")
	require.NoError(t, err)
	assert.Equal(t, `/bin/echo hello "pilot world"`, command)
	assert.Empty(t, hop)
}

func TestForkDefersBareExecutable(t *testing.T) {
	method := NewFork()
	unit := &pilot.Unit{
		Uid:         "u1",
		Description: &pilot.Description{Executable: "my_tool"},
	}
	command, _, err := method.ConstructCommand(unit, "")
	require.NoError(t, err)
	assert.Equal(t, "`which my_tool`", command)
}

func TestIbrunConstructCommand(t *testing.T) {
	method, err := NewIbrun(testResolver())
	require.NoError(t, err)

	command, hop, err := method.ConstructCommand(mpiUnit(), "")
	require.NoError(t, err)
	assert.Equal(t, "ibrun -n 4 -o 2 `which test_exe`", command)
	assert.Empty(t, hop)
}

func TestIbrunIsDeterministic(t *testing.T) {
	method, err := NewIbrun(testResolver())
	require.NoError(t, err)

	first, _, err := method.ConstructCommand(mpiUnit(), "")
	require.NoError(t, err)
	second, _, err := method.ConstructCommand(mpiUnit(), "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestIbrunMissingTaskOffsets(t *testing.T) {
	method, err := NewIbrun(testResolver())
	require.NoError(t, err)

	unit := mpiUnit()
	unit.Slot.TaskOffsets = nil
	_, _, err = method.ConstructCommand(unit, "")
	var e *piloterrors.ErrInvalidConfiguration
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.MissingKeys, "task_offsets")
}

func runjobUnit() *pilot.Unit {
	return &pilot.Unit{
		Uid: "task.000001",
		Description: &pilot.Description{
			Executable:   "test_exe",
			CpuProcesses: 32,
		},
		Slot: &pilot.Slot{
			CoresPerNode: 16,
			GpusPerNode:  0,
			Launch: map[string]string{
				SlotKeyBlockId:       "R00-M0-N04",
				SlotKeySubBlockShape: "1x1x1x1x16",
				SlotKeyCornerNode:    "R00-M0-N04-J00",
			},
		},
	}
}

func TestRunjobConstructCommand(t *testing.T) {
	method, err := NewRunjob(testResolver())
	require.NoError(t, err)

	command, hop, err := method.ConstructCommand(runjobUnit(), "")
	require.NoError(t, err)
	assert.Equal(t,
		"runjob --ranks-per-node 16 --block R00-M0-N04 --corner R00-M0-N04-J00 --shape 1x1x1x1x16 : `which test_exe`",
		command)
	assert.Empty(t, hop)
}

func TestRunjobMissingCornerNode(t *testing.T) {
	method, err := NewRunjob(testResolver())
	require.NoError(t, err)

	unit := runjobUnit()
	delete(unit.Slot.Launch, SlotKeyCornerNode)
	_, _, err = method.ConstructCommand(unit, "")
	var e *piloterrors.ErrInvalidConfiguration
	require.ErrorAs(t, err, &e)
	assert.Equal(t, []string{SlotKeyCornerNode}, e.MissingKeys)
	assert.Contains(t, err.Error(), "corner_node")
}

func TestRunjobCoreCountNotMultipleOfNode(t *testing.T) {
	method, err := NewRunjob(testResolver())
	require.NoError(t, err)

	unit := runjobUnit()
	unit.Description.CpuProcesses = 17
	_, _, err = method.ConstructCommand(unit, "")
	var e *piloterrors.ErrInvalidResourceLayout
	require.ErrorAs(t, err, &e)
	assert.Contains(t, err.Error(), "not a multiple of 16")
}

func TestParseMpiProbe(t *testing.T) {
	cases := map[string]MpiFlavor{
		"mpirun (Open MPI) 4.0.3":                        FlavorOpenMPI,
		"HYDRA build details:\n    Version: 3.2":         FlavorHydra,
		"Intel(R) MPI Library for Linux* OS, 2019.6.166": FlavorHydra,
		"SGI MPT 2.20":                                   FlavorMPT,
		"something else entirely":                        FlavorUnknown,
	}
	for output, expected := range cases {
		info := parseMpiProbe(output)
		assert.Equal(t, expected, info.flavor, output)
	}
	assert.Equal(t, "4.0.3", parseMpiProbe("mpirun (Open MPI) 4.0.3").version)
}

func openMpirun() *Mpirun {
	return &Mpirun{launchCommand: "mpirun", flavor: FlavorOpenMPI, version: "4.0.3"}
}

func TestMpirunConstructCommandOpenMpi(t *testing.T) {
	method := openMpirun()
	command, hop, err := method.ConstructCommand(mpiUnit(), "")
	require.NoError(t, err)
	assert.Equal(t, "mpirun -np 4 -host node1:2,node2:2 `which test_exe`", command)
	assert.Empty(t, hop)
}

func TestMpirunForwardsEnvironment(t *testing.T) {
	method := openMpirun()
	unit := mpiUnit()
	unit.Description.Environment = map[string]string{"B_VAR": "2", "A_VAR": "1"}
	command, _, err := method.ConstructCommand(unit, "")
	require.NoError(t, err)
	assert.Equal(t, "mpirun -np 4 -host node1:2,node2:2 -x A_VAR -x B_VAR `which test_exe`", command)
}

func TestMpirunConstructCommandHydra(t *testing.T) {
	method := &Mpirun{launchCommand: "mpirun", flavor: FlavorHydra}
	command, _, err := method.ConstructCommand(mpiUnit(), "")
	require.NoError(t, err)
	assert.Equal(t, "mpirun -np 4 -hosts node1,node2 -ppn 2 `which test_exe`", command)
}

func TestMpirunUnevenThreadLayout(t *testing.T) {
	method := openMpirun()
	unit := mpiUnit()
	unit.Description.CpuThreads = 3
	_, _, err := method.ConstructCommand(unit, "")
	var e *piloterrors.ErrInvalidResourceLayout
	assert.ErrorAs(t, err, &e)
}

func TestMpirunRankCountMismatch(t *testing.T) {
	method := openMpirun()
	unit := mpiUnit()
	unit.Description.CpuProcesses = 3
	_, _, err := method.ConstructCommand(unit, "")
	var e *piloterrors.ErrInvalidResourceLayout
	require.ErrorAs(t, err, &e)
	assert.Contains(t, err.Error(), "3 requested processes")
}

func TestMpirunHopWrapsTaskCommand(t *testing.T) {
	method := openMpirun()
	command, hop, err := method.ConstructCommand(mpiUnit(), "/tmp/hop.sh")
	require.NoError(t, err)
	assert.Equal(t, "mpirun -np 4 -host node1:2,node2:2 /tmp/hop.sh", command)
	assert.Equal(t, "`which test_exe`", hop)
}

func TestMpirunMissingBinary(t *testing.T) {
	_, err := NewMpirun(&StaticResolver{Paths: map[string]string{}})
	var e *piloterrors.ErrInvalidConfiguration
	assert.ErrorAs(t, err, &e)
}
