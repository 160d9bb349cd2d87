package piloterrors

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrInvalidConfigurationMessage(t *testing.T) {
	err := &ErrInvalidConfiguration{
		Method:      "runjob",
		MissingKeys: []string{"block_id", "corner_node"},
	}
	assert.Equal(t,
		"insufficient information to launch via runjob: missing block_id, corner_node",
		err.Error())
}

func TestErrInvalidConfigurationWithoutKeys(t *testing.T) {
	err := &ErrInvalidConfiguration{Method: "mpirun", Message: "no mpirun binary on PATH"}
	assert.Equal(t,
		"invalid configuration for launch method mpirun; no mpirun binary on PATH",
		err.Error())
}

func TestErrInvalidResourceLayoutMessage(t *testing.T) {
	err := &ErrInvalidResourceLayout{
		Name:    "cores",
		Value:   10,
		Message: "num cores (10) is not a multiple of 16",
	}
	assert.Contains(t, err.Error(), "num cores (10) is not a multiple of 16")
}

func TestIsConfigurationSeesWrappedErrors(t *testing.T) {
	err := errors.WithMessage(&ErrInvalidConfiguration{Method: "ibrun"}, "launching unit-001")
	assert.True(t, IsConfiguration(err))
	assert.False(t, IsValidation(err))
}

func TestIsValidationSeesWrappedErrors(t *testing.T) {
	err := errors.Wrap(&ErrInvalidResourceLayout{Name: "threads", Value: 3}, "launching unit-002")
	assert.True(t, IsValidation(err))
	assert.False(t, IsConfiguration(err))
}

func TestPlainErrorsMatchNothing(t *testing.T) {
	err := errors.New("something else entirely")
	assert.False(t, IsConfiguration(err))
	assert.False(t, IsValidation(err))
}
