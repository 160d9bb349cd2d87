// Package piloterrors contains the error types shared by the unit pipeline.
// Stages classify failures by recovering these types with errors.As; anything
// else is treated as an execution failure of the affected unit.
//
// If several errors occur while handling one unit (e.g., multiple staging
// directives fail), the stage should combine them into a multierror.Error
// from github.com/hashicorp/go-multierror before attaching the reason.
package piloterrors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoPilots is returned when the scheduler is invoked with an empty pilot
// set. This is a programmer error, not a per-unit failure.
type ErrNoPilots struct{}

func (err *ErrNoPilots) Error() string {
	return "unit scheduler cannot operate on empty pilot set"
}

// ErrInvalidConfiguration means a launch method cannot operate with the
// configuration or slot metadata it was given. Fatal to the affected unit,
// never retried.
type ErrInvalidConfiguration struct {
	Method      string   // Launch method name, e.g., "runjob"
	MissingKeys []string // Slot metadata keys that are absent
	Message     string   // An optional message to include in the error message
}

func (err *ErrInvalidConfiguration) Error() (s string) {
	if len(err.MissingKeys) > 0 {
		s = fmt.Sprintf("insufficient information to launch via %s: missing %s",
			err.Method, strings.Join(err.MissingKeys, ", "))
	} else {
		s = fmt.Sprintf("invalid configuration for launch method %s", err.Method)
	}
	if err.Message != "" {
		s = s + fmt.Sprintf("; %s", err.Message)
	}
	return
}

// ErrInvalidResourceLayout means the requested process/thread counts are
// inconsistent with the resource layout the launch method requires. Fatal to
// the affected unit.
type ErrInvalidResourceLayout struct {
	Name    string      // Name of the field referred to, e.g., "cores"
	Value   interface{} // The inconsistent value
	Message string      // Explains the required layout
}

func (err *ErrInvalidResourceLayout) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %v is invalid for %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %v is invalid for %q; %s", err.Value, err.Name, err.Message)
}

// ErrNotFound is a generic error for resources (units, pilots, executables)
// that do not exist.
type ErrNotFound struct {
	Type  string
	Value string
}

func (err *ErrNotFound) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	}
	return fmt.Sprintf("resource %q does not exist", err.Value)
}

// IsConfiguration reports whether the error chain contains a configuration
// error.
func IsConfiguration(err error) bool {
	var e *ErrInvalidConfiguration
	return errors.As(err, &e)
}

// IsValidation reports whether the error chain contains a resource layout
// validation error.
func IsValidation(err error) bool {
	var e *ErrInvalidResourceLayout
	return errors.As(err, &e)
}
