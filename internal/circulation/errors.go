// internal/circulation/errors.go
package circulation

import (
	"errors"
	"net/http"
)

// Kind classifies an engine error. Every kind except KindStorageFailure is an
// expected business outcome that must not be retried.
type Kind int

const (
	KindNotFound Kind = iota + 1
	KindUnavailable
	KindResourceAvailable
	KindDuplicateReservation
	KindRenewalLimitExceeded
	KindOverdue
	KindInvalidCopyCount
	KindAlreadyReturned
	KindInvalidTransition
	KindInvalidInput
	KindStorageFailure
)

var kindNames = map[Kind]string{
	KindNotFound:             "not_found",
	KindUnavailable:          "unavailable",
	KindResourceAvailable:    "resource_available",
	KindDuplicateReservation: "duplicate_reservation",
	KindRenewalLimitExceeded: "renewal_limit_exceeded",
	KindOverdue:              "overdue",
	KindInvalidCopyCount:     "invalid_copy_count",
	KindAlreadyReturned:      "already_returned",
	KindInvalidTransition:    "invalid_transition",
	KindInvalidInput:         "invalid_input",
	KindStorageFailure:       "storage_failure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// HTTPStatus is the fixed status class reported to callers for this kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindNotFound:
		return http.StatusNotFound
	case KindStorageFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

const storageFailureMessage = "Server error."

// Error is the error type returned by the engine and its collaborators.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// NewError returns an error of the given kind with a caller-facing message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// StorageFailure wraps an underlying store error.
func StorageFailure(err error) *Error {
	return &Error{Kind: KindStorageFailure, Message: storageFailureMessage, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels below
// work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// HTTPStatus implements respond.StatusError.
func (e *Error) HTTPStatus() int {
	return e.Kind.HTTPStatus()
}

// PublicMessage is the message safe to show to the caller. Storage failures
// never leak the underlying error text.
func (e *Error) PublicMessage() string {
	if e.Kind == KindStorageFailure {
		return storageFailureMessage
	}
	return e.Message
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrUnavailable          = &Error{Kind: KindUnavailable}
	ErrResourceAvailable    = &Error{Kind: KindResourceAvailable}
	ErrDuplicateReservation = &Error{Kind: KindDuplicateReservation}
	ErrRenewalLimitExceeded = &Error{Kind: KindRenewalLimitExceeded}
	ErrOverdue              = &Error{Kind: KindOverdue}
	ErrInvalidCopyCount     = &Error{Kind: KindInvalidCopyCount}
	ErrAlreadyReturned      = &Error{Kind: KindAlreadyReturned}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrInvalidInput         = &Error{Kind: KindInvalidInput}
	ErrStorageFailure       = &Error{Kind: KindStorageFailure}
)

// ErrConflict is returned by a Store when a guarded write lost a race with a
// concurrent transaction. The engine retries the whole operation on it.
var ErrConflict = errors.New("circulation: concurrent update conflict")

// ErrDuplicateISBN is returned by a Store when a write would give a resource
// the ISBN of another resource.
var ErrDuplicateISBN = NewError(KindInvalidInput, "A resource with this ISBN already exists.")

// KindOf returns the kind of err. Errors that are not *Error count as storage failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorageFailure
}

// Retryable reports whether a caller may retry the failed operation.
func Retryable(err error) bool {
	return err != nil && KindOf(err) == KindStorageFailure
}
