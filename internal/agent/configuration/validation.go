package configuration

import "fmt"

var knownMethods = map[string]bool{
	"fork":   true,
	"mpirun": true,
	"runjob": true,
	"ibrun":  true,
}

func ValidateAgentConfiguration(config AgentConfiguration) error {
	if config.SandboxRoot == "" {
		return fmt.Errorf("sandboxRoot must be set")
	}
	if !knownMethods[config.Launcher.Method] {
		return fmt.Errorf("unknown launch method \"%s\"", config.Launcher.Method)
	}
	if config.Nats.Enabled && len(config.Nats.Servers) == 0 {
		return fmt.Errorf("nats is enabled but no servers are configured")
	}
	return nil
}

func ValidatePilotSpecs(specs []PilotSpec) error {
	for _, spec := range specs {
		if len(spec.Nodes) == 0 {
			return fmt.Errorf("pilot \"%s\" has no nodes", spec.Uid)
		}
		for _, node := range spec.Nodes {
			if node.Cores <= 0 {
				return fmt.Errorf("node \"%s\" of pilot \"%s\" has no cores", node.Name, spec.Uid)
			}
		}
	}
	return nil
}
