package repo

import (
	"errors"
	"fmt"

	"missionline/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition matches every *TransitionError.
	ErrInvalidTransition = errors.New("invalid mission status transition")
)

// TransitionError reports a rejected status change. It is either an illegal edge or a lost
// compare-and-swap against a concurrent writer.
type TransitionError struct {
	MissionID string
	From      domain.MissionStatus
	To        domain.MissionStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid mission status transition %s -> %s (mission %s)", e.From, e.To, e.MissionID)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// StorageError wraps a failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// storageErr wraps driver errors and leaves the package's own errors untouched.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *TransitionError
	var se *StorageError
	if errors.Is(err, ErrNotFound) || errors.As(err, &te) || errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
