// Package errs defines the error kinds shared by every layer and their
// mapping onto transport status codes.
package errs

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"net/http"
)

// Kinds. Every error crossing a package boundary matches at most one of them
// through errors.Is.
var (
	// ErrUnauthenticated indicates a missing or invalid identity.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrPermissionDenied indicates a mutation of another party's resource.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrInvalidArgument indicates a request that can never succeed as sent.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound indicates a deleted or nonexistent entity.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable indicates a transient collaborator failure worth retrying.
	ErrUnavailable = errors.New("unavailable")
)

var kinds = []error{ErrUnauthenticated, ErrPermissionDenied, ErrInvalidArgument, ErrNotFound, ErrUnavailable}

// Error carries a caller-facing message for one kind.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// New returns an error of the given kind.
func New(kind error, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap returns an error of the given kind keeping cause in the chain.
func Wrap(kind error, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf returns the sentinel matched by err, or nil for unclassified errors.
func KindOf(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// IsUnavailable reports whether err is transient.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// Message returns the text safe to show to a client.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	if k := KindOf(err); k != nil {
		return k.Error()
	}
	return "internal error"
}

// Code returns a stable machine readable name for the kind of err.
func Code(err error) string {
	switch KindOf(err) {
	case ErrUnauthenticated:
		return "unauthenticated"
	case ErrPermissionDenied:
		return "permission_denied"
	case ErrInvalidArgument:
		return "invalid_argument"
	case ErrNotFound:
		return "not_found"
	case ErrUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus maps err onto an HTTP status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case ErrUnauthenticated:
		return http.StatusUnauthorized
	case ErrPermissionDenied:
		return http.StatusForbidden
	case ErrInvalidArgument:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromStore classifies database/sql level failures. Already classified errors
// pass through untouched.
func FromStore(err error) error {
	if err == nil || KindOf(err) != nil {
		return err
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Wrap(ErrNotFound, "not found", err)
	case errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, context.DeadlineExceeded):
		return Wrap(ErrUnavailable, "store unavailable", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(ErrUnavailable, "store unavailable", err)
	}
	return err
}
