package attendance

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyPosted means attendance for the (class, subject, date) exists.
	ErrAlreadyPosted = errors.New("attendance already posted for this class, subject and date")
	// ErrNotFound means no record matched a correction.
	ErrNotFound = errors.New("attendance record not found")
)

// StoreError wraps a failed store read or write.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("attendance store: %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrAlreadyPosted) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
