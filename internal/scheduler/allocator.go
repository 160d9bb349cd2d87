package scheduler

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/pilotproject/pilot/internal/pilot"
)

// Allocator tracks the free core and GPU indices of one pilot and carves
// slots out of them. All allocation and release goes through a single mutex
// so that concurrent scheduling passes cannot double-book cores.
type Allocator struct {
	mu    sync.Mutex
	pilot *pilot.Pilot
	nodes []*nodeCapacity
}

type nodeCapacity struct {
	node      *pilot.Node
	coresUsed []bool
	gpusUsed  []bool
}

func NewAllocator(p *pilot.Pilot) *Allocator {
	a := &Allocator{pilot: p}
	for _, node := range p.Nodes {
		a.nodes = append(a.nodes, &nodeCapacity{
			node:      node,
			coresUsed: make([]bool, node.Cores),
			gpusUsed:  make([]bool, node.Gpus),
		})
	}
	return a
}

func (a *Allocator) Pilot() *pilot.Pilot {
	return a.pilot
}

// FreeCores returns the number of unallocated cores across all nodes.
func (a *Allocator) FreeCores() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	free := 0
	for _, n := range a.nodes {
		free += countFree(n.coresUsed)
	}
	return free
}

// Allocate binds the description's core/GPU request to concrete node indices,
// preferring a contiguous region on a single node and spanning nodes only
// when multiNode is set. It returns an error when the request does not fit
// the pilot's current free capacity.
//
// The returned slot carries a task offset per node segment (the global core
// index the segment starts at), so offset-addressed launchers never have to
// recompute placement.
func (a *Allocator) Allocate(d *pilot.Description, multiNode bool) (*pilot.Slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	coresWanted := d.RequiredCores()
	gpusWanted := d.GpuProcesses

	coresPerNode := 0
	gpusPerNode := 0
	var lfsPerNode int64
	if len(a.nodes) > 0 {
		coresPerNode = a.nodes[0].node.Cores
		gpusPerNode = a.nodes[0].node.Gpus
		lfsPerNode = a.nodes[0].node.Lfs.Size
	}

	slot := &pilot.Slot{
		CoresPerNode: coresPerNode,
		GpusPerNode:  gpusPerNode,
		LfsPerNode:   lfsPerNode,
	}

	// Single node first: the whole request placed in one contiguous region.
	for nodeIndex, n := range a.nodes {
		cores, ok := findContiguous(n.coresUsed, coresWanted)
		if !ok {
			continue
		}
		gpus, ok := findAny(n.gpusUsed, gpusWanted)
		if !ok {
			continue
		}
		claim(n.coresUsed, cores)
		claim(n.gpusUsed, gpus)
		slot.Nodes = []pilot.SlotNode{{Name: n.node.Name, Cores: cores, Gpus: gpus}}
		slot.TaskOffsets = []int{nodeIndex*coresPerNode + cores[0]}
		return slot, nil
	}

	if !multiNode {
		return nil, errors.Errorf(
			"request for %d cores does not fit any single node of pilot %s", coresWanted, a.pilot.Uid)
	}

	// Span nodes: take what each node offers in turn until satisfied, then
	// commit. Nothing is claimed until the whole request is known to fit.
	type claimed struct {
		nodeIndex int
		cores     []int
		gpus      []int
	}
	var plan []claimed
	remainingCores := coresWanted
	remainingGpus := gpusWanted
	for nodeIndex, n := range a.nodes {
		if remainingCores <= 0 && remainingGpus <= 0 {
			break
		}
		take := min(remainingCores, countFree(n.coresUsed))
		cores, _ := findAny(n.coresUsed, take)
		takeGpus := min(remainingGpus, countFree(n.gpusUsed))
		gpus, _ := findAny(n.gpusUsed, takeGpus)
		if len(cores) == 0 && len(gpus) == 0 {
			continue
		}
		plan = append(plan, claimed{nodeIndex: nodeIndex, cores: cores, gpus: gpus})
		remainingCores -= len(cores)
		remainingGpus -= len(gpus)
	}
	if remainingCores > 0 || remainingGpus > 0 {
		return nil, errors.Errorf(
			"request for %d cores / %d gpus exceeds free capacity of pilot %s",
			coresWanted, gpusWanted, a.pilot.Uid)
	}
	for _, c := range plan {
		n := a.nodes[c.nodeIndex]
		claim(n.coresUsed, c.cores)
		claim(n.gpusUsed, c.gpus)
		slot.Nodes = append(slot.Nodes, pilot.SlotNode{Name: n.node.Name, Cores: c.cores, Gpus: c.gpus})
		offset := c.nodeIndex * coresPerNode
		if len(c.cores) > 0 {
			offset += c.cores[0]
		}
		slot.TaskOffsets = append(slot.TaskOffsets, offset)
	}
	return slot, nil
}

// Release returns a slot's cores and GPUs to the pilot's free pool. Called
// when the owning unit reaches a terminal state. Releasing the same slot
// twice is harmless.
func (a *Allocator) Release(slot *pilot.Slot) {
	if slot == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, slotNode := range slot.Nodes {
		for _, n := range a.nodes {
			if n.node.Name != slotNode.Name {
				continue
			}
			for _, core := range slotNode.Cores {
				if core < len(n.coresUsed) {
					n.coresUsed[core] = false
				}
			}
			for _, gpu := range slotNode.Gpus {
				if gpu < len(n.gpusUsed) {
					n.gpusUsed[gpu] = false
				}
			}
		}
	}
}

func findContiguous(used []bool, n int) ([]int, bool) {
	if n == 0 {
		return nil, true
	}
	run := 0
	for i := 0; i < len(used); i++ {
		if used[i] {
			run = 0
			continue
		}
		run++
		if run == n {
			indices := make([]int, 0, n)
			for j := i - n + 1; j <= i; j++ {
				indices = append(indices, j)
			}
			return indices, true
		}
	}
	return nil, false
}

func findAny(used []bool, n int) ([]int, bool) {
	if n == 0 {
		return nil, true
	}
	indices := make([]int, 0, n)
	for i := 0; i < len(used) && len(indices) < n; i++ {
		if !used[i] {
			indices = append(indices, i)
		}
	}
	return indices, len(indices) == n
}

func claim(used []bool, indices []int) {
	for _, i := range indices {
		used[i] = true
	}
}

func countFree(used []bool) int {
	free := 0
	for _, u := range used {
		if !u {
			free++
		}
	}
	return free
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
