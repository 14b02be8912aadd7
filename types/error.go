package types

import (
	"github.com/juju/errors"
)

var (
	_ error = &FatalError{}
	_ error = &TopologyError{}
)

// NewFatalError wraps a programmer error that must abort the current
// operation (deploy failure, allocator invoked without targets).
func NewFatalError(otherErr error) error {
	return &FatalError{baseError: newBaseErr(otherErr)}
}

func NewFatalErrorf(format string, args ...interface{}) error {
	return NewFatalError(errors.Errorf(format, args...))
}

// NewTopologyErrorf reports a cycle in the non-periodic subgraph. This is
// a construction-time failure: the upstream validator is contracted to
// have ruled it out.
func NewTopologyErrorf(format string, args ...interface{}) error {
	return &TopologyError{baseError: newBaseErr(errors.Errorf(format, args...))}
}

// IsTopology reports whether err (possibly annotated) is a TopologyError.
func IsTopology(err error) bool {
	_, ok := errors.Cause(err).(*TopologyError)
	return ok
}

// IsFatal reports whether err (possibly annotated) is a FatalError.
func IsFatal(err error) bool {
	_, ok := errors.Cause(err).(*FatalError)
	return ok
}

func newBaseErr(otherErr error) *baseError {
	return &baseError{unwrapErr(otherErr)}
}

func unwrapErr(err error) error {
	if err == nil {
		return nil
	}
	if ue, ok := err.(wrappedErr); ok {
		return unwrapErr(ue.UnwrapLocal())
	}
	return err
}

type wrappedErr interface {
	UnwrapLocal() error
}

type baseError struct {
	BaseErr error
}

func (e *baseError) Error() string {
	return e.BaseErr.Error()
}

func (e *baseError) UnwrapLocal() error {
	return e.BaseErr
}

type FatalError struct {
	*baseError
}

type TopologyError struct {
	*baseError
}
