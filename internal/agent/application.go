// Package agent assembles the pilot agent from its configured collaborators
// and runs it. Wiring only lives here; the pipeline itself knows nothing
// about configuration files or NATS URLs.
package agent

import (
	"context"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pilotproject/pilot/internal/agent/configuration"
	"github.com/pilotproject/pilot/internal/common/eventstream"
	"github.com/pilotproject/pilot/internal/common/task"
	"github.com/pilotproject/pilot/internal/launcher"
	"github.com/pilotproject/pilot/internal/manager"
	"github.com/pilotproject/pilot/internal/metrics"
	"github.com/pilotproject/pilot/internal/pilot"
)

// StartUp wires the event stream, launch method and unit pipeline together,
// registers the configured pilots and starts the pipeline. It returns a
// shutdown function and a wait group held until shutdown completes.
func StartUp(ctx context.Context, config configuration.AgentConfiguration, specs []configuration.PilotSpec) (func(), *sync.WaitGroup, *manager.UnitManager) {
	if err := configuration.ValidateAgentConfiguration(config); err != nil {
		log.Errorf("Invalid agent configuration: %s", err)
		os.Exit(-1)
	}
	if err := configuration.ValidatePilotSpecs(specs); err != nil {
		log.Errorf("Invalid pilot configuration: %s", err)
		os.Exit(-1)
	}

	stream, err := createEventStream(config.Nats)
	if err != nil {
		log.Errorf("Failed to connect event stream: %s", err)
		os.Exit(-1)
	}

	method, err := launcher.New(config.Launcher.Method, launcher.NewPathResolver())
	if err != nil {
		log.Errorf("Failed to configure launch method %s: %s", config.Launcher.Method, err)
		os.Exit(-1)
	}

	unitManager := manager.NewUnitManager(stream, manager.Options{
		Method:      method,
		SandboxRoot: config.SandboxRoot,
		StagingArea: config.Staging.Area,
		TailBytes:   config.Staging.TailBytes,
		HopScript:   config.Launcher.HopScript,
		MultiNode:   config.Scheduling.MultiNode,
	})
	unitManager.AddPilots(pilotsFromSpecs(specs)...)

	if err := unitManager.Start(ctx); err != nil {
		log.Errorf("Failed to start unit pipeline: %s", err)
		os.Exit(-1)
	}
	log.Infof("Pilot agent started with %d pilot(s), launch method %s", len(specs), method.Name())

	taskManager := task.NewBackgroundTaskManager(metrics.PilotAgentMetricsPrefix)
	taskManager.Register(unitManager.ExpirePilots, 30*time.Second, "pilot_expiry")

	wg := &sync.WaitGroup{}
	wg.Add(1)

	return func() {
		if taskManager.StopAll(2 * time.Second) {
			log.Warnf("Background tasks did not stop within timeout")
		}
		unitManager.Stop()
		if err := stream.Close(); err != nil {
			log.Errorf("Failed to close event stream: %s", err)
		}
		wg.Done()
		log.Infof("Shutdown complete")
	}, wg, unitManager
}

func createEventStream(config configuration.NatsConfiguration) (eventstream.EventStream, error) {
	if !config.Enabled {
		return eventstream.NewMemoryEventStream(), nil
	}
	prefix := config.SubjectPrefix
	if prefix == "" {
		prefix = "pilot"
	}
	return eventstream.NewNatsEventStream(config.Servers, prefix)
}

func pilotsFromSpecs(specs []configuration.PilotSpec) []*pilot.Pilot {
	pilots := make([]*pilot.Pilot, 0, len(specs))
	for _, spec := range specs {
		p := &pilot.Pilot{
			Uid:     spec.Uid,
			Cores:   spec.Cores,
			Gpus:    spec.Gpus,
			Runtime: spec.Runtime,
		}
		for _, node := range spec.Nodes {
			p.Nodes = append(p.Nodes, &pilot.Node{
				Name:  node.Name,
				Cores: node.Cores,
				Gpus:  node.Gpus,
				Lfs:   pilot.Lfs{Path: node.LfsPath, Size: node.LfsSize},
			})
			if spec.Cores == 0 {
				p.Cores += node.Cores
			}
			if spec.Gpus == 0 {
				p.Gpus += node.Gpus
			}
		}
		pilots = append(pilots, p)
	}
	return pilots
}
