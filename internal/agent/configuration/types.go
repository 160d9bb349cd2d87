package configuration

import "time"

type LauncherConfiguration struct {
	// Method selects the launch method: fork, mpirun, runjob or ibrun.
	Method string
	// HopScript, when set, routes launcher commands through a hop script
	// instead of executing them directly on the local node.
	HopScript string
}

type SchedulingConfiguration struct {
	// MultiNode allows a unit's slot to span nodes when no single node has
	// enough contiguous free cores.
	MultiNode bool
}

type StagingConfiguration struct {
	// Area is the root directory relative staging targets resolve against.
	Area string
	// TailBytes caps how much captured stdout/stderr is attached to the
	// unit record.
	TailBytes int
}

type NatsConfiguration struct {
	// Enabled switches the agent from the in-process event stream to NATS.
	Enabled       bool
	Servers       []string
	SubjectPrefix string
}

// NodeSpec describes one host of a statically configured pilot.
type NodeSpec struct {
	Name    string
	Cores   int
	Gpus    int
	LfsPath string
	LfsSize int64
}

// PilotSpec describes a pilot allocation loaded from configuration. Cores and
// Gpus default to the sum over the node specs.
type PilotSpec struct {
	Uid     string
	Cores   int
	Gpus    int
	Runtime time.Duration
	Nodes   []NodeSpec
}

type AgentConfiguration struct {
	MetricsPort uint16
	// SandboxRoot is where per-unit sandboxes are created.
	SandboxRoot string

	Launcher   LauncherConfiguration
	Scheduling SchedulingConfiguration
	Staging    StagingConfiguration
	Nats       NatsConfiguration
}
