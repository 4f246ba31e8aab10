package leases

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is a lease CAS failure: another owner holds a valid lease.
	ErrConflict = errors.New("lease conflict")
	// ErrLeaseLost means this host's lease token is no longer current.
	ErrLeaseLost = errors.New("lease lost")
	// ErrFenced is a checkpoint write rejected because the lease token is stale.
	ErrFenced = errors.New("checkpoint fenced")
	// ErrLeaseNotFound means no lease record exists for the partition.
	ErrLeaseNotFound = errors.New("lease not found")
)

// TransientError wraps store I/O failures that are safe to retry. The control
// loop skips a tick on these rather than tearing anything down.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error: %s", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
