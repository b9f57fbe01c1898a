// Package errors defines the structured error types used throughout FileGate.
package errors

import "fmt"

// Kind is the stable machine-readable classification of an error. Callers
// dispatch on Kind; Code narrows within a kind (e.g. "NamespaceNotFound").
type Kind string

const (
	// KindValidation marks malformed or out-of-range caller input. Never retried.
	KindValidation Kind = "validation"
	// KindNotFound marks a missing namespace, file, provider, or content id.
	KindNotFound Kind = "not_found"
	// KindBackend wraps any storage-backend failure. Surfaced to the caller
	// as a failed stream; FileGate performs no automatic retry.
	KindBackend Kind = "backend"
	// KindConflict marks a duplicate-unique violation or an operation blocked
	// by existing references.
	KindConflict Kind = "conflict"
	// KindUnsupported marks a capability the backend does not provide.
	KindUnsupported Kind = "unsupported"
)

// Error is a FileGate error with a machine-readable kind and code, a
// human-readable message, and the HTTP status to report. The wrapped cause is
// internal detail and never part of the caller-visible contract.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	HTTPStatus int
	cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s %s (%d): %s: %v", e.Kind, e.Code, e.HTTPStatus, e.Message, e.cause)
	}
	return fmt.Sprintf("%s %s (%d): %s", e.Kind, e.Code, e.HTTPStatus, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same kind and code, so the
// predeclared values below work as sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Code == e.Code
}

// WithMessagef returns a copy of the error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.cause = err
	return &cp
}

// Validationf constructs a validation error with a formatted message.
func Validationf(code, format string, args ...any) *Error {
	return &Error{
		Kind:       KindValidation,
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		HTTPStatus: 400,
	}
}

// Backend wraps a storage-backend failure.
func Backend(op string, err error) *Error {
	return &Error{
		Kind:       KindBackend,
		Code:       "BackendFailure",
		Message:    fmt.Sprintf("storage backend %s failed", op),
		HTTPStatus: 502,
		cause:      err,
	}
}

// IsNotFound reports whether err is (or wraps) a not-found error.
func IsNotFound(err error) bool { return hasKind(err, KindNotFound) }

// IsValidation reports whether err is (or wraps) a validation error.
func IsValidation(err error) bool { return hasKind(err, KindValidation) }

// IsConflict reports whether err is (or wraps) a conflict error.
func IsConflict(err error) bool { return hasKind(err, KindConflict) }

func hasKind(err error, k Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind == k
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Pre-defined errors for common conditions.
var (
	// ErrNamespaceNotFound is returned when the named namespace does not exist.
	ErrNamespaceNotFound = &Error{
		Kind:       KindNotFound,
		Code:       "NamespaceNotFound",
		Message:    "the specified namespace does not exist",
		HTTPStatus: 404,
	}

	// ErrFileNotFound is returned when the specified file id does not exist.
	ErrFileNotFound = &Error{
		Kind:       KindNotFound,
		Code:       "FileNotFound",
		Message:    "the specified file does not exist",
		HTTPStatus: 404,
	}

	// ErrProviderNotFound is returned when the referenced provider is not configured.
	ErrProviderNotFound = &Error{
		Kind:       KindNotFound,
		Code:       "ProviderNotFound",
		Message:    "the specified storage provider does not exist",
		HTTPStatus: 404,
	}

	// ErrContentNotFound is returned when a content id has no bytes in the bucket.
	ErrContentNotFound = &Error{
		Kind:       KindNotFound,
		Code:       "ContentNotFound",
		Message:    "the specified content does not exist in the storage backend",
		HTTPStatus: 404,
	}

	// ErrUploadNotFound is returned when a resumable identifier has no session.
	ErrUploadNotFound = &Error{
		Kind:       KindNotFound,
		Code:       "UploadNotFound",
		Message:    "the specified resumable upload does not exist",
		HTTPStatus: 404,
	}

	// ErrNamespaceExists is returned when creating a namespace whose name is taken.
	ErrNamespaceExists = &Error{
		Kind:       KindConflict,
		Code:       "NamespaceExists",
		Message:    "a namespace with that name already exists",
		HTTPStatus: 409,
	}

	// ErrNamespaceNotEmpty is returned when deleting a namespace that owns files.
	ErrNamespaceNotEmpty = &Error{
		Kind:       KindConflict,
		Code:       "NamespaceNotEmpty",
		Message:    "the namespace still owns files",
		HTTPStatus: 409,
	}

	// ErrProviderInUse is returned when deleting a provider still referenced by
	// a namespace.
	ErrProviderInUse = &Error{
		Kind:       KindConflict,
		Code:       "ProviderInUse",
		Message:    "the provider is still referenced by one or more namespaces",
		HTTPStatus: 409,
	}

	// ErrBucketNotAllowed is returned when a bucket name is not on the
	// provider's configured allow-list. This is a configuration error, not a
	// runtime one.
	ErrBucketNotAllowed = &Error{
		Kind:       KindValidation,
		Code:       "BucketNotAllowed",
		Message:    "the bucket name is not in the provider's configured bucket list",
		HTTPStatus: 400,
	}

	// ErrEntityTooLarge is returned when an upload exceeds the configured
	// maximum size. The upload is rejected, never truncated.
	ErrEntityTooLarge = &Error{
		Kind:       KindValidation,
		Code:       "EntityTooLarge",
		Message:    "the proposed upload exceeds the maximum allowed size",
		HTTPStatus: 400,
	}

	// ErrURLUnsupported is returned by backends that cannot mint a direct
	// access URL.
	ErrURLUnsupported = &Error{
		Kind:       KindUnsupported,
		Code:       "URLUnsupported",
		Message:    "the storage backend cannot produce a direct access URL",
		HTTPStatus: 501,
	}

	// ErrUploadAborted is the terminal result of an upload stream whose caller
	// side was closed before completion.
	ErrUploadAborted = &Error{
		Kind:       KindBackend,
		Code:       "UploadAborted",
		Message:    "the upload was aborted before completion",
		HTTPStatus: 499,
	}

	// ErrInternal is returned for unexpected internal failures.
	ErrInternal = &Error{
		Kind:       KindBackend,
		Code:       "InternalError",
		Message:    "an internal error occurred, please try again",
		HTTPStatus: 500,
	}
)
