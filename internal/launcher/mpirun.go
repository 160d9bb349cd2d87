package launcher

import (
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/pilotproject/pilot/internal/common/piloterrors"
	"github.com/pilotproject/pilot/internal/pilot"
)

// MpiFlavor identifies the mpirun implementation found on the system. The
// flavors differ in how ranks are mapped to hosts and how environment
// variables are forwarded.
type MpiFlavor string

const (
	FlavorOpenMPI MpiFlavor = "OMPI"
	FlavorHydra   MpiFlavor = "HYDRA"
	FlavorMPT     MpiFlavor = "MPT"
	FlavorUnknown MpiFlavor = "UNKNOWN"
)

// The flavor probe is idempotent and the binary does not change under a
// running agent, so results are cached for the process lifetime.
var probeCache = cache.New(cache.NoExpiration, cache.NoExpiration)

type mpiInfo struct {
	flavor  MpiFlavor
	version string
}

// Mpirun is the MPI launcher family adapter. The flavor and version are
// detected once at configuration time by running `mpirun --version`.
type Mpirun struct {
	launchCommand string
	flavor        MpiFlavor
	version       string
}

func NewMpirun(resolver Resolver) (*Mpirun, error) {
	launchCommand, err := resolver.Which("mpirun")
	if err != nil {
		return nil, errors.WithStack(&piloterrors.ErrInvalidConfiguration{
			Method:  MethodMpirun,
			Message: "mpirun not found in PATH",
		})
	}
	info, err := probeMpi(launchCommand)
	if err != nil {
		return nil, err
	}
	return &Mpirun{
		launchCommand: launchCommand,
		flavor:        info.flavor,
		version:       info.version,
	}, nil
}

func (m *Mpirun) Name() string {
	return MethodMpirun
}

func (m *Mpirun) Flavor() MpiFlavor {
	return m.flavor
}

func (m *Mpirun) Version() string {
	return m.version
}

func probeMpi(launchCommand string) (mpiInfo, error) {
	if cached, ok := probeCache.Get(launchCommand); ok {
		return cached.(mpiInfo), nil
	}
	out, err := exec.Command(launchCommand, "--version").CombinedOutput()
	if err != nil {
		return mpiInfo{}, errors.Wrapf(err, "failed to probe mpi flavor of %s", launchCommand)
	}
	info := parseMpiProbe(string(out))
	probeCache.Set(launchCommand, info, cache.NoExpiration)
	return info, nil
}

var versionPattern = regexp.MustCompile(`\d+(\.\d+)+`)

func parseMpiProbe(output string) mpiInfo {
	info := mpiInfo{flavor: FlavorUnknown, version: versionPattern.FindString(output)}
	lowered := strings.ToLower(output)
	switch {
	case strings.Contains(lowered, "open mpi") || strings.Contains(lowered, "openrte") || strings.Contains(lowered, "orte"):
		info.flavor = FlavorOpenMPI
	case strings.Contains(lowered, "hydra") || strings.Contains(lowered, "intel(r) mpi"):
		info.flavor = FlavorHydra
	case strings.Contains(lowered, "mpt"):
		info.flavor = FlavorMPT
	}
	return info
}

// ConstructCommand builds the rank/host specification from the slot's node
// list, one entry per node reflecting that node's assigned core count, and
// appends flavor-specific flags. Requested process/thread counts that do not
// evenly divide the slot layout are a configuration error, not something to
// round away.
func (m *Mpirun) ConstructCommand(unit *pilot.Unit, hopScript string) (string, string, error) {
	d := unit.Description
	slot := unit.Slot
	if slot == nil || len(slot.Nodes) == 0 {
		return "", "", &piloterrors.ErrInvalidConfiguration{
			Method:  MethodMpirun,
			Message: fmt.Sprintf("unit %s has no slot assignment", unit.Uid),
		}
	}

	threads := d.CpuThreads
	if threads < 1 {
		threads = 1
	}
	processes := d.CpuProcesses
	if processes < 1 {
		processes = 1
	}

	ranksPerNode := make([]int, 0, len(slot.Nodes))
	totalRanks := 0
	for _, node := range slot.Nodes {
		if len(node.Cores)%threads != 0 {
			return "", "", &piloterrors.ErrInvalidResourceLayout{
				Name:  "cpu_threads",
				Value: threads,
				Message: fmt.Sprintf("%d cores assigned on node %s are not divisible by %d threads per process",
					len(node.Cores), node.Name, threads),
			}
		}
		ranks := len(node.Cores) / threads
		ranksPerNode = append(ranksPerNode, ranks)
		totalRanks += ranks
	}
	if totalRanks != processes {
		return "", "", &piloterrors.ErrInvalidResourceLayout{
			Name:  "cpu_processes",
			Value: processes,
			Message: fmt.Sprintf("slot layout provides %d ranks for %d requested processes",
				totalRanks, processes),
		}
	}

	task := taskCommand(d)
	remote := ""
	if hopScript != "" {
		// Multi-hop launch: mpirun starts the hop script on the compute
		// nodes, which in turn runs the task command.
		remote = task
		task = hopScript
	}

	var command string
	switch m.flavor {
	case FlavorHydra:
		ppn := ranksPerNode[0]
		for _, ranks := range ranksPerNode {
			if ranks != ppn {
				return "", "", &piloterrors.ErrInvalidResourceLayout{
					Name:    "cpu_processes",
					Value:   processes,
					Message: "hydra requires the same rank count on every node",
				}
			}
		}
		command = fmt.Sprintf("%s -np %d -hosts %s -ppn %d%s %s",
			m.launchCommand, processes, hostList(slot.Nodes), ppn, m.envFlags(d), task)
	case FlavorMPT:
		ppn := ranksPerNode[0]
		for _, ranks := range ranksPerNode {
			if ranks != ppn {
				return "", "", &piloterrors.ErrInvalidResourceLayout{
					Name:    "cpu_processes",
					Value:   processes,
					Message: "mpt requires the same rank count on every node",
				}
			}
		}
		command = fmt.Sprintf("%s %s -np %d%s %s",
			m.launchCommand, hostList(slot.Nodes), ppn, m.envFlags(d), task)
	default:
		// Open MPI and unknown flavors take host:slots pairs.
		command = fmt.Sprintf("%s -np %d -host %s%s %s",
			m.launchCommand, processes, hostSlotList(slot.Nodes, ranksPerNode), m.envFlags(d), task)
	}
	return command, remote, nil
}

func (m *Mpirun) envFlags(d *pilot.Description) string {
	if len(d.Environment) == 0 {
		return ""
	}
	keys := make([]string, 0, len(d.Environment))
	for key := range d.Environment {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	switch m.flavor {
	case FlavorHydra:
		return " -envlist " + strings.Join(keys, ",")
	case FlavorMPT:
		return ""
	default:
		flags := ""
		for _, key := range keys {
			flags += " -x " + key
		}
		return flags
	}
}

func hostList(nodes []pilot.SlotNode) string {
	names := make([]string, 0, len(nodes))
	for _, node := range nodes {
		names = append(names, node.Name)
	}
	return strings.Join(names, ",")
}

func hostSlotList(nodes []pilot.SlotNode, ranksPerNode []int) string {
	entries := make([]string, 0, len(nodes))
	for i, node := range nodes {
		entries = append(entries, fmt.Sprintf("%s:%d", node.Name, ranksPerNode[i]))
	}
	return strings.Join(entries, ",")
}
