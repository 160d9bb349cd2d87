package pilot

import "time"

// ProcessType selects how a unit's executable is started.
type ProcessType string

const (
	ProcessPlain ProcessType = "PLAIN"
	ProcessMPI   ProcessType = "MPI"
	ProcessFunc  ProcessType = "FUNC"
)

// StagingAction is the operation applied to one output artifact after execution.
type StagingAction string

const (
	ActionCopy     StagingAction = "copy"
	ActionMove     StagingAction = "move"
	ActionLink     StagingAction = "link"
	ActionTransfer StagingAction = "transfer"
)

// StagingDirective moves one output artifact from the unit sandbox to the
// staging area. Source is relative to the unit working directory.
type StagingDirective struct {
	Source string
	Target string
	Action StagingAction
}

// Lfs describes a node-local filesystem allowance.
type Lfs struct {
	Path string
	Size int64
}

// Node is one host inside a pilot allocation.
type Node struct {
	Name  string
	Cores int
	Gpus  int
	Lfs   Lfs
}

// Pilot is a resource allocation held on one execution site for a bounded
// runtime. Its free-capacity bookkeeping lives in the scheduler's allocator,
// not here.
type Pilot struct {
	Uid     string
	Cores   int
	Gpus    int
	Nodes   []*Node
	State   PilotState
	Runtime time.Duration
	Started time.Time
}

// Expired reports whether the pilot's runtime budget is used up. Pilots with
// no budget never expire.
func (p *Pilot) Expired(now time.Time) bool {
	return p.Runtime > 0 && !p.Started.IsZero() && now.Sub(p.Started) > p.Runtime
}

// SlotNode is the portion of one node bound to a unit: explicit core and GPU
// indices, never ranges.
type SlotNode struct {
	Name  string
	Cores []int
	Gpus  []int
}

// Slot is the concrete binding of a unit's resource request to hardware. It is
// computed once by the scheduler and immutable afterwards.
//
// TaskOffsets carries the per-node-segment rank offsets consumed by
// offset-addressed launchers (ibrun). Launch carries opaque string metadata
// consumed only by block launchers (runjob). Contiguously packed slots leave
// TaskOffsets nil; the two addressing schemes are mutually exclusive.
type Slot struct {
	Nodes        []SlotNode
	CoresPerNode int
	GpusPerNode  int
	LfsPerNode   int64
	TaskOffsets  []int
	Launch       map[string]string
}

// TotalCores returns the number of core indices bound by the slot.
func (s *Slot) TotalCores() int {
	total := 0
	for _, n := range s.Nodes {
		total += len(n.Cores)
	}
	return total
}

// Description is the immutable submission-time description of a unit.
type Description struct {
	Executable   string
	Arguments    []string
	Environment  map[string]string
	PreExec      []string
	PostExec     []string
	CpuProcesses int
	CpuThreads   int
	GpuProcesses int
	ProcessType  ProcessType
	Timeout      time.Duration

	OutputStaging []StagingDirective
}

// RequiredCores is the core footprint of the description: one core per thread
// of every process, at least one core per process.
func (d *Description) RequiredCores() int {
	threads := d.CpuThreads
	if threads < 1 {
		threads = 1
	}
	processes := d.CpuProcesses
	if processes < 1 {
		processes = 1
	}
	return processes * threads
}

// ProfileEvent is one timestamped profiling record attached to a unit as it
// crosses a stage boundary.
type ProfileEvent struct {
	Name      string
	Msg       string
	Timestamp time.Time
}

// Unit is a single schedulable task. The description is immutable; the
// remaining fields are runtime state owned by exactly one pipeline stage at
// a time. Ownership transfers when the unit is pushed to the next stage's
// queue, so none of this needs locking.
type Unit struct {
	Uid         string
	Description *Description

	PilotId     string
	Slot        *Slot
	State       State
	TargetState State

	Sandbox    string
	StdoutFile string
	StderrFile string
	Stdout     string
	Stderr     string

	ExitCode int
	Reason   string

	Profile []ProfileEvent
}

// Prof appends a profiling event to the unit record.
func (u *Unit) Prof(name string, msg string) {
	u.Profile = append(u.Profile, ProfileEvent{Name: name, Msg: msg, Timestamp: time.Now()})
}
