package quarantine

import (
	"errors"
	"fmt"
	"time"
)

// Base error types callers can test with errors.Is.
var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrAuthentication  = errors.New("authentication failed")
	ErrEncryption      = errors.New("encryption failed")
	ErrStorage         = errors.New("storage failure")

	// ErrBlobTooShort marks a blob shorter than nonce + tag. Distinct from
	// ErrAuthentication: a truncated blob is a size problem, not a failed
	// integrity check.
	ErrBlobTooShort = errors.New("encrypted blob too short")
)

// ErrorKind categorizes a quarantine operation failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindEncryption ErrorKind = "encryption"
	KindStorage    ErrorKind = "storage"
	KindNotFound   ErrorKind = "not_found"
	KindAuth       ErrorKind = "auth"
	KindState      ErrorKind = "state"
)

// OpError is a structured error for quarantine operations. It records which
// operation failed, on which record, and why.
type OpError struct {
	Kind      ErrorKind
	Op        string // operation that failed ("quarantine", "release", ...)
	ID        string // record id if known
	Err       error  // underlying error
	Timestamp time.Time
}

func (e *OpError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s failed for record %s: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is maps error kinds onto the package's base error types.
func (e *OpError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Kind == KindNotFound
	case ErrInvalidState:
		return e.Kind == KindState
	case ErrInvalidArgument:
		return e.Kind == KindValidation
	case ErrAuthentication:
		return e.Kind == KindAuth
	case ErrEncryption:
		return e.Kind == KindEncryption
	case ErrStorage:
		return e.Kind == KindStorage
	}
	return errors.Is(e.Err, target)
}

func newOpError(kind ErrorKind, op, id string, err error) *OpError {
	return &OpError{Kind: kind, Op: op, ID: id, Err: err, Timestamp: time.Now()}
}

// stateError builds the invalid-state error reported when an operation is
// attempted against a record whose current status does not permit it.
func stateError(op, id string, current, expected Status) *OpError {
	return newOpError(KindState, op, id,
		fmt.Errorf("record status is %q, expected %q", current, expected))
}
