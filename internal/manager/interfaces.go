package manager

import "github.com/pilotproject/pilot/internal/pilot"

// ResourceProber discovers the node layout backing a pilot allocation.
// Resource-manager specifics (SLURM, LoadLeveler, static files) live behind
// this contract; pilots registered without an explicit node list are probed
// on registration.
type ResourceProber interface {
	Probe(pilotId string) ([]*pilot.Node, error)
}
