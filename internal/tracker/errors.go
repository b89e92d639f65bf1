package tracker

import (
	"errors"
	"fmt"

	"github.com/edvin/vmcache/internal/cloud"
)

// ErrNoCapacity is returned when no region could host a new instance.
var ErrNoCapacity = errors.New("no region has capacity for the requested instances")

// ValidationError rejects a command before anything is changed.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// OperationError is a failed remote command. Local state has already been
// rolled back when it is returned.
type OperationError struct {
	Op  string
	IDs []string
	Err error
}

func (e *OperationError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s failed: %s", e.Op, cloud.Summary(e.Err))
	}
	return fmt.Sprintf("%s %d instance(s) failed: %s", e.Op, len(e.IDs), cloud.Summary(e.Err))
}

func (e *OperationError) Unwrap() error { return e.Err }
