package store

import (
	"errors"
	"fmt"
)

// Sentinel errors of the storage taxonomy. Match with errors.Is.
var (
	ErrNotFound                  = errors.New("not found")
	ErrDuplicateName             = errors.New("duplicate name")
	ErrOutOfOrderTurn            = errors.New("out of order turn")
	ErrReferentialConflict       = errors.New("referential conflict")
	ErrMigrationInProgress       = errors.New("migration in progress")
	ErrMigrationValidationFailed = errors.New("migration validation failed")
	ErrBackendUnavailable        = errors.New("backend unavailable")
	ErrConfiguration             = errors.New("configuration error")
	ErrInvalidArgument           = errors.New("invalid argument")

	// ErrInternal marks driver failures that fit no other kind.
	ErrInternal = errors.New("internal error")
)

// Error is the error type returned across the storage boundary.
// Namespace holds the namespace category (a short token prefix), never a user id.
type Error struct {
	Kind      error
	Op        string
	Namespace string
	Detail    string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Namespace != "" {
		msg += " (ns=" + e.Namespace + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the taxonomy sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds an *Error with a formatted detail and no underlying cause.
func Errorf(kind error, op string, ns Namespace, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Namespace: ns.Category(), Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind. A nil err yields nil. Errors that already
// carry a taxonomy kind are returned unchanged.
func Wrap(kind error, op string, ns Namespace, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: kind, Op: op, Namespace: ns.Category(), Err: err}
}

// Code returns a stable string code for err, used by transports.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateName):
		return "duplicate_name"
	case errors.Is(err, ErrOutOfOrderTurn):
		return "out_of_order_turn"
	case errors.Is(err, ErrReferentialConflict):
		return "referential_conflict"
	case errors.Is(err, ErrMigrationInProgress):
		return "migration_in_progress"
	case errors.Is(err, ErrMigrationValidationFailed):
		return "migration_validation_failed"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}
