// Package launcher turns an abstract unit description plus a slot assignment
// into a concrete, launcher-specific command line. Each launch method
// implements the same contract; the registry dispatches on the launcher name
// from agent configuration, never on unit content. Adding a launcher means
// adding a method here, not subclassing anything.
package launcher

import (
	"path/filepath"
	"strings"

	"github.com/pilotproject/pilot/internal/common/piloterrors"
	"github.com/pilotproject/pilot/internal/pilot"
)

// Method compiles a (unit, slot) pair into an executable command.
//
// ConstructCommand returns the command to run and, when hopScript is
// non-empty, the remote command to be executed through the hop script (units
// launched from a submit node rather than directly on the compute node).
// It must be deterministic: the same unit and slot always yield the same
// command string.
type Method interface {
	Name() string
	ConstructCommand(unit *pilot.Unit, hopScript string) (command string, hop string, err error)
}

const (
	MethodFork   = "fork"
	MethodMpirun = "mpirun"
	MethodRunjob = "runjob"
	MethodIbrun  = "ibrun"
)

// New constructs and configures the named launch method. Configuration
// (binary resolution, flavor probes) happens here, once, and is cached for
// the process lifetime.
func New(name string, resolver Resolver) (Method, error) {
	switch name {
	case MethodFork:
		return NewFork(), nil
	case MethodMpirun:
		return NewMpirun(resolver)
	case MethodRunjob:
		return NewRunjob(resolver)
	case MethodIbrun:
		return NewIbrun(resolver)
	default:
		return nil, &piloterrors.ErrNotFound{Type: "launch method", Value: name}
	}
}

// deferExecutable resolves a bare executable name to a shell-deferred which
// expansion. Pre-exec hooks that modify PATH have not run yet at command
// construction time, so the lookup has to happen inside the launch script.
func deferExecutable(executable string) string {
	if filepath.Base(executable) == executable {
		return "`which " + executable + "`"
	}
	return executable
}

// argString renders task arguments for inclusion in a shell command, quoting
// anything that would otherwise be split or expanded.
func argString(args []string) string {
	if len(args) == 0 {
		return ""
	}
	rendered := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == "" || strings.ContainsAny(arg, " \t\n\"'$&|;<>(){}*?") {
			arg = "\"" + strings.ReplaceAll(arg, "\"", "\\\"") + "\""
		}
		rendered = append(rendered, arg)
	}
	return strings.Join(rendered, " ")
}

// taskCommand is the trailing "executable arguments" part shared by every
// launch method.
func taskCommand(d *pilot.Description) string {
	command := deferExecutable(d.Executable)
	if args := argString(d.Arguments); args != "" {
		command += " " + args
	}
	return command
}
